package ascii

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/navitrack/fleetcore/pkg/model"
	"github.com/navitrack/fleetcore/pkg/protocol"
)

// OsmAnd decodes newline-delimited query-string records as emitted by
// the OsmAnd mobile client:
//
//	id=123456&timestamp=1625000000&lat=49.5&lon=17.9&speed=12.5&bearing=90&altitude=210&batt=95
//
// Timestamps are either unix seconds or RFC 3339.
type OsmAnd struct{}

// NewOsmAnd returns an OsmAnd codec.
func NewOsmAnd() *OsmAnd { return &OsmAnd{} }

// Protocol implements protocol.Codec.
func (c *OsmAnd) Protocol() string { return "osmand" }

// SupportsCommands implements protocol.Codec. The client polls; there
// is no downstream channel.
func (c *OsmAnd) SupportsCommands() bool { return false }

// Decode implements protocol.Codec.
func (c *OsmAnd) Decode(buf []byte, s *protocol.Session) ([]protocol.Frame, int, error) {
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

func (c *OsmAnd) decodeLine(line string) protocol.Frame {
	values, err := url.ParseQuery(line)
	if err != nil {
		return errFrame("osmand: %v", err)
	}
	id := values.Get("id")
	if id == "" {
		id = values.Get("deviceid")
	}
	if id == "" {
		return errFrame("osmand: record without id")
	}

	lat, err1 := strconv.ParseFloat(values.Get("lat"), 64)
	lng, err2 := strconv.ParseFloat(values.Get("lon"), 64)
	if err1 != nil || err2 != nil {
		return protocol.Frame{Type: protocol.FrameHeartbeat, Identifier: id}
	}

	ts := time.Time{}
	if raw := values.Get("timestamp"); raw != "" {
		if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
			ts = time.Unix(unix, 0).UTC()
		} else if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			ts = parsed.UTC()
		}
	}
	if ts.IsZero() {
		return errFrame("osmand: record without timestamp")
	}

	pos := &model.Position{
		Time:      ts,
		Latitude:  lat,
		Longitude: lng,
		Sensors:   map[string]float64{},
	}
	// OsmAnd reports speed in m/s.
	if v, err := parseFloatField(values.Get("speed")); err == nil {
		pos.SpeedKmh = v * 3.6
	}
	pos.Course, _ = parseFloatField(values.Get("bearing"))
	pos.AltitudeM, _ = parseFloatField(values.Get("altitude"))
	if v, err := strconv.Atoi(values.Get("sat")); err == nil {
		pos.Satellites = v
	}
	if raw := values.Get("ignition"); raw != "" {
		ign := raw == "true" || raw == "1"
		pos.Ignition = &ign
	}
	if v, err := parseFloatField(values.Get("batt")); err == nil && values.Get("batt") != "" {
		pos.Sensors["battery_level"] = v
	}
	return protocol.Frame{Type: protocol.FramePosition, Identifier: id, Position: pos}
}

// EncodeAck implements protocol.Codec.
func (c *OsmAnd) EncodeAck(f protocol.Frame, s *protocol.Session, accept bool) []byte {
	return nil
}

// EncodeCommand implements protocol.Codec.
func (c *OsmAnd) EncodeCommand(cmd *model.Command, s *protocol.Session) ([]byte, string, error) {
	return nil, "", protocol.ErrUnsupportedCommand
}
