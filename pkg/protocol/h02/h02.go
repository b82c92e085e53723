// Package h02 implements the H02 tracker protocol in both its ASCII
// (*HQ,...#) and binary ($-marked) variants. The two share one field
// set; devices identify themselves on every record, so there is no
// separate login frame. Over UDP each datagram is a complete frame.
package h02

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/navitrack/fleetcore/pkg/model"
	"github.com/navitrack/fleetcore/pkg/protocol"
)

const binaryRecordLen = 29

// statusACC is the ACC (ignition) bit inside the 32-bit vendor status
// word carried by both variants. Status bits are active-low: a
// cleared bit means the condition holds.
const statusACC = 1 << 10

// Codec decodes H02 records.
type Codec struct{}

// New returns an H02 codec.
func New() *Codec { return &Codec{} }

// Protocol implements protocol.Codec.
func (c *Codec) Protocol() string { return "h02" }

// SupportsCommands implements protocol.Codec. H02 downstream commands
// are ASCII records mirroring the uplink framing.
func (c *Codec) SupportsCommands() bool { return true }

// Decode implements protocol.Codec.
func (c *Codec) Decode(buf []byte, s *protocol.Session) ([]protocol.Frame, int, error) {
	var frames []protocol.Frame
	offset := 0

	for offset < len(buf) {
		rest := buf[offset:]
		switch {
		case rest[0] == '*':
			end := bytes.IndexByte(rest, '#')
			if end == -1 {
				if len(rest) > 256 {
					// ASCII records are short; an unterminated long
					// run is garbage.
					return frames, len(buf), nil
				}
				return frames, offset, nil
			}
			frame := decodeASCII(string(rest[1:end]))
			frames = append(frames, frame)
			offset += end + 1

		case rest[0] == '$':
			if len(rest) < binaryRecordLen {
				return frames, offset, nil
			}
			frame := decodeBinary(rest[:binaryRecordLen])
			frames = append(frames, frame)
			offset += binaryRecordLen

		case rest[0] == '\r' || rest[0] == '\n':
			offset++

		default:
			next := bytes.IndexAny(rest, "*$")
			if next == -1 {
				return frames, len(buf), nil
			}
			frames = append(frames, protocol.Frame{
				Type:   protocol.FrameError,
				Reason: fmt.Sprintf("skipped %d bytes before record marker", next),
			})
			offset += next
		}
	}
	return frames, offset, nil
}

// decodeASCII parses *HQ,imei,V1,HHMMSS,A,lat,NS,lng,EW,speed,course,DDMMYY,status#
// (leading * and trailing # already stripped).
func decodeASCII(record string) protocol.Frame {
	parts := strings.Split(record, ",")
	if len(parts) < 12 || parts[0] != "HQ" {
		return protocol.Frame{Type: protocol.FrameError, Reason: "malformed ascii record"}
	}
	imei := parts[1]
	msgType := parts[2]
	if msgType != "V1" && msgType != "V4" && msgType != "NBR" {
		// Heartbeat-style records still touch last-seen.
		return protocol.Frame{Type: protocol.FrameHeartbeat, Identifier: imei}
	}

	hhmmss := parts[3]
	valid := parts[4]
	lat, err1 := parseDegrees(parts[5], parts[6] == "S")
	lng, err2 := parseDegrees(parts[7], parts[8] == "W")
	speedKn, err3 := strconv.ParseFloat(parts[9], 64)
	course, _ := strconv.ParseFloat(parts[10], 64)
	ddmmyy := parts[11]

	if valid != "A" || err1 != nil || err2 != nil || err3 != nil {
		return protocol.Frame{Type: protocol.FrameError, Reason: "invalid ascii fix"}
	}
	ts, err := parseTimestamp(ddmmyy, hhmmss)
	if err != nil {
		return protocol.Frame{Type: protocol.FrameError, Reason: err.Error()}
	}

	pos := &model.Position{
		Time:      ts,
		Latitude:  lat,
		Longitude: lng,
		SpeedKmh:  speedKn * 1.852,
		Course:    course,
		Sensors:   map[string]float64{},
	}
	if len(parts) > 12 && len(parts[12]) >= 8 {
		if status, err := strconv.ParseUint(parts[12][:8], 16, 32); err == nil {
			applyStatus(pos, uint32(status))
		}
	}
	return protocol.Frame{Type: protocol.FramePosition, Identifier: imei, Position: pos}
}

// decodeBinary parses the fixed 29-byte record: marker, 5-byte BCD
// device id, BCD time, BCD date, BCD latitude (DDMM.MMMM), battery
// level, BCD longitude (DDDMM.MMMM with a trailing flag nibble), BCD
// speed (3 digits) and course (3 digits), 4-byte status word.
func decodeBinary(pkt []byte) protocol.Frame {
	r := protocol.NewReader(pkt)
	r.Skip(1) // '$'

	id := protocol.BCD(r.Bytes(5), 10)
	timeDigits := protocol.BCD(r.Bytes(3), 6)
	dateDigits := protocol.BCD(r.Bytes(3), 6)
	latDigits := protocol.BCD(r.Bytes(4), 8)
	battery := r.U8()
	lngRaw := r.Bytes(5)
	spdCourse := protocol.BCD(r.Bytes(3), 6)
	status := r.U32()
	if err := r.Err(); err != nil {
		return protocol.Frame{Type: protocol.FrameError, Reason: err.Error()}
	}

	lngDigits := protocol.BCD(lngRaw, 10)[:9]
	flags := lngRaw[4] & 0x0F

	lat, err1 := bcdDegrees(latDigits, 2)
	lng, err2 := bcdDegrees(lngDigits, 3)
	ts, err3 := parseTimestamp(dateDigits, timeDigits)
	if err1 != nil || err2 != nil || err3 != nil {
		return protocol.Frame{Type: protocol.FrameError, Reason: "invalid binary fix"}
	}
	if flags&0x04 == 0 { // south
		lat = -lat
	}
	if flags&0x08 == 0 { // west
		lng = -lng
	}

	speedKn, _ := strconv.ParseFloat(spdCourse[:3], 64)
	course, _ := strconv.ParseFloat(spdCourse[3:], 64)

	pos := &model.Position{
		Time:      ts,
		Latitude:  lat,
		Longitude: lng,
		SpeedKmh:  speedKn * 1.852,
		Course:    course,
		Sensors:   map[string]float64{"battery_level": float64(battery)},
	}
	applyStatus(pos, status)
	return protocol.Frame{Type: protocol.FramePosition, Identifier: id, Position: pos}
}

func applyStatus(pos *model.Position, status uint32) {
	ign := status&statusACC == 0
	pos.Ignition = &ign
	pos.Sensors["status"] = float64(status)
}

// parseDegrees converts DDMM.MMMM (or DDDMM.MMMM) to decimal degrees.
func parseDegrees(field string, negative bool) (float64, error) {
	dot := strings.IndexByte(field, '.')
	if dot < 4 {
		return 0, fmt.Errorf("bad coordinate %q", field)
	}
	deg, err := strconv.ParseFloat(field[:dot-2], 64)
	if err != nil {
		return 0, err
	}
	min, err := strconv.ParseFloat(field[dot-2:], 64)
	if err != nil {
		return 0, err
	}
	v := deg + min/60
	if negative {
		v = -v
	}
	return v, nil
}

// bcdDegrees converts a digit run DD MMMMMM (degrees + minutes with
// four implied decimals) to decimal degrees.
func bcdDegrees(digits string, degLen int) (float64, error) {
	if len(digits) < degLen+6 {
		return 0, fmt.Errorf("bad bcd coordinate %q", digits)
	}
	deg, err := strconv.ParseFloat(digits[:degLen], 64)
	if err != nil {
		return 0, err
	}
	min, err := strconv.ParseFloat(digits[degLen:degLen+6], 64)
	if err != nil {
		return 0, err
	}
	return deg + min/600000, nil
}

func parseTimestamp(ddmmyy, hhmmss string) (time.Time, error) {
	if len(ddmmyy) != 6 || len(hhmmss) != 6 {
		return time.Time{}, fmt.Errorf("bad timestamp %q %q", ddmmyy, hhmmss)
	}
	t, err := time.Parse("020106 150405", ddmmyy+" "+hhmmss)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp: %w", err)
	}
	return t.UTC(), nil
}

// EncodeAck implements protocol.Codec. H02 devices expect no
// per-record acknowledgement.
func (c *Codec) EncodeAck(f protocol.Frame, s *protocol.Session, accept bool) []byte {
	return nil
}

// EncodeCommand implements protocol.Codec: an ASCII downlink record
// addressed by device identifier. Responses are unkeyed.
func (c *Codec) EncodeCommand(cmd *model.Command, s *protocol.Session) ([]byte, string, error) {
	id := s.Identifier
	if id == "" {
		return nil, "", fmt.Errorf("h02 command without device identifier")
	}
	return []byte(fmt.Sprintf("*HQ,%s,%s#", id, cmd.Payload)), "", nil
}
