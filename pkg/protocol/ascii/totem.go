package ascii

import (
	"strings"

	"github.com/navitrack/fleetcore/pkg/model"
	"github.com/navitrack/fleetcore/pkg/protocol"
)

// Totem decodes $$-framed pipe-separated records:
//
//	$$0080|867440069999999|120557|290818|2234.5678|N|11354.1234|E|014.4|089|FFFFFBFF
//
// The four digits after the marker are the record length including
// the marker; records end with the status word.
type Totem struct{}

// NewTotem returns a Totem codec.
func NewTotem() *Totem { return &Totem{} }

// Protocol implements protocol.Codec.
func (c *Totem) Protocol() string { return "totem" }

// SupportsCommands implements protocol.Codec.
func (c *Totem) SupportsCommands() bool { return false }

// Decode implements protocol.Codec.
func (c *Totem) Decode(buf []byte, s *protocol.Session) ([]protocol.Frame, int, error) {
	var frames []protocol.Frame
	offset := 0
	for offset < len(buf) {
		rest := buf[offset:]
		if rest[0] == '\r' || rest[0] == '\n' {
			offset++
			continue
		}
		if len(rest) < 6 {
			return frames, offset, nil
		}
		if rest[0] != '$' || rest[1] != '$' {
			next := strings.Index(string(rest), "$$")
			if next == -1 {
				return frames, len(buf), nil
			}
			frames = append(frames, errFrame("totem: skipped %d bytes", next))
			offset += next
			continue
		}
		length := 0
		for _, ch := range rest[2:6] {
			if ch < '0' || ch > '9' {
				length = -1
				break
			}
			length = length*10 + int(ch-'0')
		}
		if length <= 6 {
			frames = append(frames, errFrame("totem: bad length field"))
			offset += 2
			continue
		}
		if len(rest) < length {
			return frames, offset, nil
		}
		frames = append(frames, c.decodeRecord(string(rest[6:length])))
		offset += length
	}
	return frames, offset, nil
}

func (c *Totem) decodeRecord(record string) protocol.Frame {
	parts := strings.Split(strings.Trim(record, "|"), "|")
	if len(parts) < 10 {
		return errFrame("totem: short record")
	}
	imei := parts[0]

	lat, err1 := ddmmToDegrees(parts[3], parts[4] == "S")
	lng, err2 := ddmmToDegrees(parts[5], parts[6] == "W")
	if err1 != nil || err2 != nil {
		return errFrame("totem: bad coordinates")
	}
	ts, err := parseUTC("020106 150405", parts[2]+" "+parts[1])
	if err != nil {
		return errFrame("totem: %v", err)
	}

	pos := &model.Position{
		Time:      ts,
		Latitude:  lat,
		Longitude: lng,
		Sensors:   map[string]float64{},
	}
	if v, err := parseFloatField(parts[7]); err == nil {
		pos.SpeedKmh = v * knotsToKmh
	}
	pos.Course, _ = parseFloatField(parts[8])
	return protocol.Frame{Type: protocol.FramePosition, Identifier: imei, Position: pos}
}

// EncodeAck implements protocol.Codec. Totem devices expect ACK$$.
func (c *Totem) EncodeAck(f protocol.Frame, s *protocol.Session, accept bool) []byte {
	if f.Type == protocol.FramePosition {
		return []byte("ACK$$")
	}
	return nil
}

// EncodeCommand implements protocol.Codec.
func (c *Totem) EncodeCommand(cmd *model.Command, s *protocol.Session) ([]byte, string, error) {
	return nil, "", protocol.ErrUnsupportedCommand
}
