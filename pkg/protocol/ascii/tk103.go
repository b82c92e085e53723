package ascii

import (
	"strings"

	"github.com/navitrack/fleetcore/pkg/model"
	"github.com/navitrack/fleetcore/pkg/protocol"
)

// TK103 decodes parenthesis-framed TK103 records:
//
//	(012345678901BP05000012345678901180829A2234.5678N11354.1234E014.4120557089.86)
//
// The 12-digit terminal id leads, followed by a 4-character message
// type. BP00 is the handshake, BP05 login+fix, BR00 a plain fix.
type TK103 struct{}

// NewTK103 returns a TK103 codec.
func NewTK103() *TK103 { return &TK103{} }

// Protocol implements protocol.Codec.
func (c *TK103) Protocol() string { return "tk103" }

// SupportsCommands implements protocol.Codec.
func (c *TK103) SupportsCommands() bool { return true }

// Decode implements protocol.Codec.
func (c *TK103) Decode(buf []byte, s *protocol.Session) ([]protocol.Frame, int, error) {
	var frames []protocol.Frame
	offset := 0
	for offset < len(buf) {
		rest := buf[offset:]
		if rest[0] == '\r' || rest[0] == '\n' {
			offset++
			continue
		}
		if rest[0] != '(' {
			next := strings.IndexByte(string(rest), '(')
			if next == -1 {
				return frames, len(buf), nil
			}
			frames = append(frames, errFrame("tk103: skipped %d bytes", next))
			offset += next
			continue
		}
		record, n, ok := scanRecord(rest, ")")
		if !ok {
			return frames, offset, nil
		}
		frames = append(frames, c.decodeRecord(string(record[1:])))
		offset += n
	}
	return frames, offset, nil
}

func (c *TK103) decodeRecord(record string) protocol.Frame {
	if len(record) < 16 {
		return errFrame("tk103: short record")
	}
	id := record[:12]
	msgType := record[12:16]
	body := record[16:]

	switch msgType {
	case "BP00": // handshake
		return protocol.Frame{Type: protocol.FrameHeartbeat, Identifier: id}
	case "BP05": // login carrying a fix; body leads with the 15-digit IMEI
		if len(body) < 15 {
			return errFrame("tk103: short login")
		}
		frame := c.decodeFix(id, body[15:])
		if frame.Type == protocol.FramePosition {
			frame.Identifier = body[:15]
		}
		return frame
	case "BR00": // position report
		return c.decodeFix(id, body)
	default:
		return errFrame("tk103: unsupported type %s", msgType)
	}
}

// decodeFix parses YYMMDD A/V lat N/S lng E/W speed(5) time(6) course(6).
func (c *TK103) decodeFix(id, body string) protocol.Frame {
	if len(body) < 6+1 {
		return errFrame("tk103: short fix")
	}
	date := body[:6]
	valid := body[6]
	rest := body[7:]
	if valid != 'A' {
		return protocol.Frame{Type: protocol.FrameHeartbeat, Identifier: id}
	}

	latEnd := strings.IndexAny(rest, "NS")
	if latEnd == -1 {
		return errFrame("tk103: missing latitude hemisphere")
	}
	lat, err := ddmmToDegrees(rest[:latEnd], rest[latEnd] == 'S')
	if err != nil {
		return errFrame("tk103: %v", err)
	}
	rest = rest[latEnd+1:]

	lngEnd := strings.IndexAny(rest, "EW")
	if lngEnd == -1 {
		return errFrame("tk103: missing longitude hemisphere")
	}
	lng, err := ddmmToDegrees(rest[:lngEnd], rest[lngEnd] == 'W')
	if err != nil {
		return errFrame("tk103: %v", err)
	}
	rest = rest[lngEnd+1:]

	if len(rest) < 5+6 {
		return errFrame("tk103: truncated speed/time")
	}
	speedKn, err := parseFloatField(rest[:5])
	if err != nil {
		return errFrame("tk103: bad speed")
	}
	hhmmss := rest[5:11]
	course := 0.0
	if len(rest) >= 17 {
		course, _ = parseFloatField(rest[11:17])
	}

	ts, err := parseUTC("060102 150405", date+" "+hhmmss)
	if err != nil {
		return errFrame("tk103: %v", err)
	}

	return protocol.Frame{
		Type:       protocol.FramePosition,
		Identifier: id,
		Position: &model.Position{
			Time:      ts,
			Latitude:  lat,
			Longitude: lng,
			SpeedKmh:  speedKn * knotsToKmh,
			Course:    course,
			Sensors:   map[string]float64{},
		},
	}
}

// EncodeAck implements protocol.Codec. The handshake is answered with
// AP01HSO, a login with AP05.
func (c *TK103) EncodeAck(f protocol.Frame, s *protocol.Session, accept bool) []byte {
	switch f.Type {
	case protocol.FrameHeartbeat:
		return []byte("(" + f.Identifier + "AP01HSO)")
	case protocol.FramePosition:
		if s.Authenticated && f.Identifier != "" {
			return []byte("(" + idFromSession(s, f) + "AP05)")
		}
	case protocol.FrameLogin:
		if accept {
			return []byte("(" + f.Identifier + "AP05)")
		}
	}
	return nil
}

func idFromSession(s *protocol.Session, f protocol.Frame) string {
	if s.Identifier != "" {
		return s.Identifier
	}
	return f.Identifier
}

// EncodeCommand implements protocol.Codec: (idAP03<payload>).
func (c *TK103) EncodeCommand(cmd *model.Command, s *protocol.Session) ([]byte, string, error) {
	if s.Identifier == "" {
		return nil, "", protocol.ErrUnsupportedCommand
	}
	return []byte("(" + s.Identifier + "AP03" + cmd.Payload + ")"), "", nil
}
