// Package teltonika implements the Teltonika Codec 8 / 8 Extended
// protocol. The first packet on a connection announces the IMEI
// (2-byte length + ASCII digits) and is answered with a single accept
// or reject byte; subsequent packets carry AVL record arrays whose
// record count is echoed back as a 4-byte big-endian ack. Downstream
// commands use Codec 12.
package teltonika

import (
	"fmt"
	"time"

	"github.com/navitrack/fleetcore/pkg/model"
	"github.com/navitrack/fleetcore/pkg/protocol"
)

const (
	codec8   = 0x08
	codec8E  = 0x8E
	codec12  = 0x0C
	cmdType  = 0x05
	respType = 0x06

	acceptByte = 0x01
	rejectByte = 0x00
)

// sessionKeyIMEISeen marks that the connection got past the preamble.
const sessionKeyIMEISeen = "teltonika_imei_seen"

// Codec decodes Teltonika AVL packets.
type Codec struct{}

// New returns a Teltonika codec.
func New() *Codec { return &Codec{} }

// Protocol implements protocol.Codec.
func (c *Codec) Protocol() string { return "teltonika" }

// SupportsCommands implements protocol.Codec.
func (c *Codec) SupportsCommands() bool { return true }

// Decode implements protocol.Codec.
func (c *Codec) Decode(buf []byte, s *protocol.Session) ([]protocol.Frame, int, error) {
	if _, seen := s.Vars[sessionKeyIMEISeen]; !seen {
		return c.decodePreamble(buf, s)
	}
	return c.decodeAVL(buf, s)
}

// decodePreamble parses the IMEI announcement: 2-byte big-endian
// length followed by ASCII digits.
func (c *Codec) decodePreamble(buf []byte, s *protocol.Session) ([]protocol.Frame, int, error) {
	if len(buf) < 2 {
		return nil, 0, nil
	}
	n := int(buf[0])<<8 | int(buf[1])
	if n < 8 || n > 17 {
		return []protocol.Frame{{Type: protocol.FrameError, Reason: fmt.Sprintf("implausible imei length %d", n)}},
			len(buf), nil
	}
	if len(buf) < 2+n {
		return nil, 0, nil
	}
	imei := string(buf[2 : 2+n])
	for _, ch := range imei {
		if ch < '0' || ch > '9' {
			return []protocol.Frame{{Type: protocol.FrameError, Reason: "non-numeric imei"}}, len(buf), nil
		}
	}
	s.Vars[sessionKeyIMEISeen] = true
	return []protocol.Frame{{Type: protocol.FrameLogin, Identifier: imei}}, 2 + n, nil
}

// decodeAVL parses one AVL data packet: 4-byte zero preamble, 4-byte
// data length, codec id, record count, records, record count again,
// 4-byte CRC16 over the data field.
func (c *Codec) decodeAVL(buf []byte, s *protocol.Session) ([]protocol.Frame, int, error) {
	if len(buf) < 8 {
		return nil, 0, nil
	}
	r := protocol.NewReader(buf)
	preamble := r.U32()
	if preamble != 0 {
		return []protocol.Frame{{Type: protocol.FrameError, Reason: "bad avl preamble"}}, len(buf), nil
	}
	dataLen := int(r.U32())
	if dataLen < 3 || dataLen > protocol.MaxBufferSize {
		return []protocol.Frame{{Type: protocol.FrameError, Reason: "implausible avl length"}}, len(buf), nil
	}
	total := 8 + dataLen + 4
	if len(buf) < total {
		return nil, 0, nil
	}

	data := buf[8 : 8+dataLen]
	crcWant := uint32(buf[total-4])<<24 | uint32(buf[total-3])<<16 |
		uint32(buf[total-2])<<8 | uint32(buf[total-1])
	if crc16IBM(data) != crcWant {
		return []protocol.Frame{{Type: protocol.FrameError, Reason: "avl crc mismatch"}}, total, nil
	}

	codecID := data[0]
	switch codecID {
	case codec8, codec8E:
		frames, err := decodeRecords(data, codecID)
		if err != nil {
			return []protocol.Frame{{Type: protocol.FrameError, Reason: err.Error()}}, total, nil
		}
		return frames, total, nil
	case codec12:
		frame, err := decodeCommandResponse(data)
		if err != nil {
			return []protocol.Frame{{Type: protocol.FrameError, Reason: err.Error()}}, total, nil
		}
		return []protocol.Frame{frame}, total, nil
	default:
		return []protocol.Frame{{Type: protocol.FrameError, Reason: fmt.Sprintf("unsupported codec 0x%02X", codecID)}},
			total, nil
	}
}

// decodeRecords walks the AVL record array. All frames carry the
// packet's record count so the ack echoes it.
func decodeRecords(data []byte, codecID byte) ([]protocol.Frame, error) {
	r := protocol.NewReader(data)
	r.Skip(1) // codec id
	count := int(r.U8())
	if count == 0 {
		return nil, fmt.Errorf("avl packet with zero records")
	}

	extended := codecID == codec8E
	frames := make([]protocol.Frame, 0, count)
	for i := 0; i < count; i++ {
		pos, err := decodeRecord(r, extended)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		frame := protocol.Frame{Type: protocol.FramePosition, Position: pos}
		if i == count-1 {
			// Only the packet's last frame carries the count, so the
			// record-count ack goes out exactly once per packet.
			frame.Records = count
		}
		frames = append(frames, frame)
	}

	tail := int(r.U8())
	if err := r.Err(); err != nil {
		return nil, err
	}
	if tail != count {
		return nil, fmt.Errorf("record count mismatch: header %d trailer %d", count, tail)
	}
	return frames, nil
}

func decodeRecord(r *protocol.Reader, extended bool) (*model.Position, error) {
	ts := r.U64() // milliseconds since epoch
	r.Skip(1)     // priority

	lng := float64(r.I32()) / 1e7
	lat := float64(r.I32()) / 1e7
	alt := float64(r.I16())
	angle := float64(r.U16())
	sats := int(r.U8())
	speed := float64(r.U16())
	if err := r.Err(); err != nil {
		return nil, err
	}

	pos := &model.Position{
		Time:       time.UnixMilli(int64(ts)).UTC(),
		Latitude:   lat,
		Longitude:  lng,
		AltitudeM:  alt,
		Course:     angle,
		Satellites: sats,
		SpeedKmh:   speed,
		Sensors:    map[string]float64{},
	}

	if err := decodeIO(r, extended, pos); err != nil {
		return nil, err
	}
	return pos, nil
}

// decodeIO parses the I/O element block. Codec 8 uses 1-byte ids and
// counts; Codec 8E widens both to 2 bytes and adds a variable-length
// group.
func decodeIO(r *protocol.Reader, extended bool, pos *model.Position) error {
	readID := func() uint16 {
		if extended {
			return r.U16()
		}
		return uint16(r.U8())
	}
	readCount := func() int {
		if extended {
			return int(r.U16())
		}
		return int(r.U8())
	}

	readID()    // event io id
	readCount() // total element count

	for _, width := range []int{1, 2, 4, 8} {
		n := readCount()
		for i := 0; i < n; i++ {
			id := readID()
			var val uint64
			switch width {
			case 1:
				val = uint64(r.U8())
			case 2:
				val = uint64(r.U16())
			case 4:
				val = uint64(r.U32())
			case 8:
				val = r.U64()
			}
			applyIO(pos, id, val)
		}
	}

	if extended {
		// Variable-length elements: id + 2-byte length + payload.
		n := readCount()
		for i := 0; i < n; i++ {
			readID()
			l := int(r.U16())
			r.Skip(l)
		}
	}
	return r.Err()
}

// applyIO folds one I/O element into the position via the fixed table.
func applyIO(pos *model.Position, id uint16, val uint64) {
	if id == ioIgnition {
		ign := val != 0
		pos.Ignition = &ign
		return
	}
	if el, ok := ioElements[id]; ok {
		pos.Sensors[el.key] = float64(val) * el.scale
		return
	}
	pos.Sensors[fmt.Sprintf("io_%d", id)] = float64(val)
}

// decodeCommandResponse parses a Codec 12 response packet.
func decodeCommandResponse(data []byte) (protocol.Frame, error) {
	r := protocol.NewReader(data)
	r.Skip(1) // codec id
	r.Skip(1) // quantity
	typ := r.U8()
	size := int(r.U32())
	if typ != respType {
		return protocol.Frame{}, fmt.Errorf("unexpected codec12 type 0x%02X", typ)
	}
	resp := r.Bytes(size)
	if err := r.Err(); err != nil {
		return protocol.Frame{}, err
	}
	// Codec 12 does not key responses; the dispatcher matches the
	// oldest sent command.
	return protocol.Frame{
		Type:     protocol.FrameCommandAck,
		Status:   "ok",
		Response: string(resp),
	}, nil
}

// EncodeAck implements protocol.Codec. The preamble is answered with
// one byte; AVL packets with the 4-byte big-endian record count.
func (c *Codec) EncodeAck(f protocol.Frame, s *protocol.Session, accept bool) []byte {
	switch f.Type {
	case protocol.FrameLogin:
		if accept {
			return []byte{acceptByte}
		}
		return []byte{rejectByte}
	case protocol.FramePosition:
		if f.Records == 0 {
			return nil
		}
		return protocol.PutU32(nil, uint32(f.Records))
	}
	return nil
}

// EncodeCommand implements protocol.Codec: a Codec 12 command packet.
// Responses are unkeyed, so no correlation key is returned.
func (c *Codec) EncodeCommand(cmd *model.Command, s *protocol.Session) ([]byte, string, error) {
	payload := []byte(cmd.Payload)

	data := make([]byte, 0, 8+len(payload))
	data = append(data, codec12, 0x01, cmdType)
	data = protocol.PutU32(data, uint32(len(payload)))
	data = append(data, payload...)
	data = append(data, 0x01) // quantity trailer

	pkt := protocol.PutU32(nil, 0)
	pkt = protocol.PutU32(pkt, uint32(len(data)))
	pkt = append(pkt, data...)
	pkt = protocol.PutU32(pkt, crc16IBM(data))
	return pkt, "", nil
}

// crc16IBM is the CRC-16/ARC (poly 0xA001 reflected, zero init) that
// Teltonika applies over the AVL data field, widened to 32 bits on
// the wire.
func crc16IBM(data []byte) uint32 {
	crc := uint16(0)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return uint32(crc)
}
