package ascii

import (
	"strings"

	"github.com/navitrack/fleetcore/pkg/model"
	"github.com/navitrack/fleetcore/pkg/protocol"
)

// Queclink decodes +RESP/+BUFF GTFRI position reports, terminated by
// '$':
//
//	+RESP:GTFRI,060100,867844003012345,,,10,1,1,24.3,92,210.0,
//	121.354335,31.222073,20200101120000,0460,0000,18D8,6141,,80,
//	20200101120005,0254$
//
// Heartbeats (+ACK:GTHBD) are acknowledged with +SACK.
type Queclink struct{}

// NewQueclink returns a Queclink codec.
func NewQueclink() *Queclink { return &Queclink{} }

// Protocol implements protocol.Codec.
func (c *Queclink) Protocol() string { return "queclink" }

// SupportsCommands implements protocol.Codec. Downstream AT-style
// commands are supported.
func (c *Queclink) SupportsCommands() bool { return true }

// Decode implements protocol.Codec.
func (c *Queclink) Decode(buf []byte, s *protocol.Session) ([]protocol.Frame, int, error) {
	var frames []protocol.Frame
	offset := 0
	for {
		record, n, ok := scanRecord(buf[offset:], "$")
		if !ok {
			return frames, offset, nil
		}
		line := strings.Trim(string(record), "\r\n ")
		offset += n
		if line == "" {
			continue
		}
		frames = append(frames, c.decodeRecord(line))
	}
}

func (c *Queclink) decodeRecord(record string) protocol.Frame {
	colon := strings.IndexByte(record, ':')
	if colon == -1 || !strings.HasPrefix(record, "+") {
		return errFrame("queclink: malformed record")
	}
	parts := strings.Split(record[colon+1:], ",")
	if len(parts) < 3 {
		return errFrame("queclink: short record")
	}
	msgType := parts[0]
	imei := parts[2]

	switch msgType {
	case "GTHBD":
		return protocol.Frame{Type: protocol.FrameHeartbeat, Identifier: imei}
	case "GTFRI", "GTRTL", "GTGEO":
		return c.decodeFix(imei, parts)
	default:
		// Command acknowledgements arrive as +ACK:GT<cmd>.
		if strings.HasPrefix(record, "+ACK:") {
			return protocol.Frame{
				Type:       protocol.FrameCommandAck,
				Identifier: imei,
				Status:     "ok",
				Response:   record,
			}
		}
		return errFrame("queclink: unsupported type %s", msgType)
	}
}

// decodeFix pulls the first position block from a GTFRI-style report:
// index 8 speed (km/h), 9 azimuth, 10 altitude, 11 longitude, 12
// latitude, 13 UTC time YYYYMMDDHHMMSS, 19 battery percentage.
func (c *Queclink) decodeFix(imei string, parts []string) protocol.Frame {
	if len(parts) < 14 {
		return errFrame("queclink: short fix")
	}
	lng, err1 := parseFloatField(parts[11])
	lat, err2 := parseFloatField(parts[12])
	if err1 != nil || err2 != nil {
		return errFrame("queclink: bad coordinates")
	}
	ts, err := parseUTC("20060102150405", parts[13])
	if err != nil {
		return errFrame("queclink: %v", err)
	}

	pos := &model.Position{
		Time:      ts,
		Latitude:  lat,
		Longitude: lng,
		Sensors:   map[string]float64{},
	}
	pos.SpeedKmh, _ = parseFloatField(parts[8])
	pos.Course, _ = parseFloatField(parts[9])
	pos.AltitudeM, _ = parseFloatField(parts[10])
	if len(parts) > 19 {
		if v, err := parseFloatField(parts[19]); err == nil && parts[19] != "" {
			pos.Sensors["battery_level"] = v
		}
	}
	return protocol.Frame{Type: protocol.FramePosition, Identifier: imei, Position: pos}
}

// EncodeAck implements protocol.Codec: heartbeats get +SACK:GTHBD.
func (c *Queclink) EncodeAck(f protocol.Frame, s *protocol.Session, accept bool) []byte {
	if f.Type == protocol.FrameHeartbeat {
		return []byte("+SACK:GTHBD,,0000$")
	}
	return nil
}

// EncodeCommand implements protocol.Codec: the payload is already an
// AT$GT command string.
func (c *Queclink) EncodeCommand(cmd *model.Command, s *protocol.Session) ([]byte, string, error) {
	return []byte(cmd.Payload + "$"), "", nil
}
