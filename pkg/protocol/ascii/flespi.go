package ascii

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/navitrack/fleetcore/pkg/model"
	"github.com/navitrack/fleetcore/pkg/protocol"
)

// Flespi decodes newline-delimited JSON telemetry objects with flat
// dotted keys:
//
//	{"ident":"867440069999999","timestamp":1625000000,
//	 "position.latitude":49.1,"position.longitude":17.2,
//	 "position.speed":50,"engine.ignition.status":true}
//
// Keys outside the position namespace land in sensors verbatim.
type Flespi struct{}

// NewFlespi returns a Flespi codec.
func NewFlespi() *Flespi { return &Flespi{} }

// Protocol implements protocol.Codec.
func (c *Flespi) Protocol() string { return "flespi" }

// SupportsCommands implements protocol.Codec.
func (c *Flespi) SupportsCommands() bool { return false }

// Decode implements protocol.Codec.
func (c *Flespi) Decode(buf []byte, s *protocol.Session) ([]protocol.Frame, int, error) {
	var frames []protocol.Frame
	offset := 0
	for {
		record, n, ok := scanRecord(buf[offset:], "\n")
		if !ok {
			return frames, offset, nil
		}
		line := strings.TrimSpace(string(record))
		offset += n
		if line == "" {
			continue
		}
		frames = append(frames, c.decodeLine(line))
	}
}

func (c *Flespi) decodeLine(line string) protocol.Frame {
	var record map[string]interface{}
	if err := json.Unmarshal([]byte(line), &record); err != nil {
		return errFrame("flespi: %v", err)
	}
	ident, _ := record["ident"].(string)
	if ident == "" {
		return errFrame("flespi: record without ident")
	}
	tsRaw, ok := record["timestamp"].(float64)
	if !ok {
		return errFrame("flespi: record without timestamp")
	}

	lat, okLat := record["position.latitude"].(float64)
	lng, okLng := record["position.longitude"].(float64)
	if !okLat || !okLng {
		return protocol.Frame{Type: protocol.FrameHeartbeat, Identifier: ident}
	}

	pos := &model.Position{
		Time:      time.Unix(int64(tsRaw), 0).UTC(),
		Latitude:  lat,
		Longitude: lng,
		Sensors:   map[string]float64{},
	}
	if v, ok := record["position.speed"].(float64); ok {
		pos.SpeedKmh = v
	}
	if v, ok := record["position.direction"].(float64); ok {
		pos.Course = v
	}
	if v, ok := record["position.altitude"].(float64); ok {
		pos.AltitudeM = v
	}
	if v, ok := record["position.satellites"].(float64); ok {
		pos.Satellites = int(v)
	}
	if v, ok := record["engine.ignition.status"].(bool); ok {
		pos.Ignition = &v
	}

	for key, raw := range record {
		if strings.HasPrefix(key, "position.") || key == "ident" ||
			key == "timestamp" || key == "engine.ignition.status" {
			continue
		}
		switch v := raw.(type) {
		case float64:
			pos.Sensors[key] = v
		case bool:
			if v {
				pos.Sensors[key] = 1
			} else {
				pos.Sensors[key] = 0
			}
		}
	}
	return protocol.Frame{Type: protocol.FramePosition, Identifier: ident, Position: pos}
}

// EncodeAck implements protocol.Codec.
func (c *Flespi) EncodeAck(f protocol.Frame, s *protocol.Session, accept bool) []byte {
	return nil
}

// EncodeCommand implements protocol.Codec.
func (c *Flespi) EncodeCommand(cmd *model.Command, s *protocol.Session) ([]byte, string, error) {
	return nil, "", protocol.ErrUnsupportedCommand
}
