package ascii

import (
	"strings"

	"github.com/navitrack/fleetcore/pkg/model"
	"github.com/navitrack/fleetcore/pkg/protocol"
)

// GPS103 decodes the GPS103/TK102-family records:
//
//	imei:359586015829802,tracker,0809231929,,F,112909.397,A,2234.4669,N,11354.3287,E,0.11,10;
//
// Records end with a semicolon. The second field is the event word;
// "acc on"/"acc off" events carry the ignition edge.
type GPS103 struct{}

// NewGPS103 returns a GPS103 codec.
func NewGPS103() *GPS103 { return &GPS103{} }

// Protocol implements protocol.Codec.
func (c *GPS103) Protocol() string { return "gps103" }

// SupportsCommands implements protocol.Codec.
func (c *GPS103) SupportsCommands() bool { return true }

// Decode implements protocol.Codec.
func (c *GPS103) Decode(buf []byte, s *protocol.Session) ([]protocol.Frame, int, error) {
	var frames []protocol.Frame
	offset := 0
	for {
		record, n, ok := scanRecord(buf[offset:], ";")
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

func (c *GPS103) decodeLine(line string) protocol.Frame {
	// Bare "##,imei:...,A" handshakes and keep-alive "imei" lines.
	if strings.HasPrefix(line, "##") {
		parts := strings.Split(line, ",")
		for _, p := range parts {
			if strings.HasPrefix(p, "imei:") {
				return protocol.Frame{Type: protocol.FrameLogin, Identifier: strings.TrimPrefix(p, "imei:")}
			}
		}
		return errFrame("gps103: handshake without imei")
	}
	if !strings.HasPrefix(line, "imei:") {
		return errFrame("gps103: missing imei prefix")
	}

	parts := strings.Split(line, ",")
	if len(parts) < 2 {
		return errFrame("gps103: short record")
	}
	imei := strings.TrimPrefix(parts[0], "imei:")
	event := parts[1]

	if len(parts) < 12 {
		// Event-only record (heartbeat, alarm without fix).
		return protocol.Frame{Type: protocol.FrameHeartbeat, Identifier: imei}
	}

	// parts: 2=local time, 3=phone, 4=F/L, 5=utc hhmmss.sss, 6=A/V,
	// 7=lat, 8=N/S, 9=lng, 10=E/W, 11=speed knots, 12=course.
	if parts[6] != "A" {
		return protocol.Frame{Type: protocol.FrameHeartbeat, Identifier: imei}
	}
	lat, err1 := ddmmToDegrees(parts[7], parts[8] == "S")
	lng, err2 := ddmmToDegrees(parts[9], parts[10] == "W")
	if err1 != nil || err2 != nil {
		return errFrame("gps103: bad coordinates")
	}

	// Date from the local timestamp (YYMMDDHHMM), clock from the UTC
	// field.
	if len(parts[2]) < 6 {
		return errFrame("gps103: bad date %q", parts[2])
	}
	hhmmss := parts[5]
	if dot := strings.IndexByte(hhmmss, '.'); dot != -1 {
		hhmmss = hhmmss[:dot]
	}
	ts, err := parseUTC("060102 150405", parts[2][:6]+" "+hhmmss)
	if err != nil {
		return errFrame("gps103: %v", err)
	}

	speed := 0.0
	if v, err := parseFloatField(parts[11]); err == nil {
		speed = v * knotsToKmh
	}
	course := 0.0
	if len(parts) > 12 {
		course, _ = parseFloatField(parts[12])
	}

	pos := &model.Position{
		Time:      ts,
		Latitude:  lat,
		Longitude: lng,
		SpeedKmh:  speed,
		Course:    course,
		Sensors:   map[string]float64{},
	}
	switch event {
	case "acc on":
		ign := true
		pos.Ignition = &ign
	case "acc off":
		ign := false
		pos.Ignition = &ign
	case "low battery":
		pos.Sensors["battery_low"] = 1
	}
	return protocol.Frame{Type: protocol.FramePosition, Identifier: imei, Position: pos}
}

// EncodeAck implements protocol.Codec. The handshake line is answered
// with LOAD, keep-alives with ON; data records need nothing.
func (c *GPS103) EncodeAck(f protocol.Frame, s *protocol.Session, accept bool) []byte {
	if f.Type == protocol.FrameLogin && accept {
		return []byte("LOAD")
	}
	if f.Type == protocol.FrameHeartbeat {
		return []byte("ON")
	}
	return nil
}

// EncodeCommand implements protocol.Codec. GPS103 commands address
// the device by identifier: **,imei:NNN,<payload>;
func (c *GPS103) EncodeCommand(cmd *model.Command, s *protocol.Session) ([]byte, string, error) {
	if s.Identifier == "" {
		return nil, "", protocol.ErrUnsupportedCommand
	}
	return []byte("**,imei:" + s.Identifier + "," + cmd.Payload + ";"), "", nil
}
