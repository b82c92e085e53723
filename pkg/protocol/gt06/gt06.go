// Package gt06 implements the GT06/Concox tracker protocol: 0x7878 or
// 0x7979 framed binary packets with a CRC-ITU trailer, BCD IMEI login,
// per-packet serial numbers and server acks echoing the serial.
package gt06

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/navitrack/fleetcore/pkg/model"
	"github.com/navitrack/fleetcore/pkg/protocol"
)

// Frame markers and message types.
const (
	startShort = 0x7878
	startLong  = 0x7979
	stopMarker = 0x0D0A

	msgLogin       = 0x01
	msgLocation    = 0x12
	msgHeartbeat   = 0x13
	msgCommandResp = 0x15
	msgAlarm       = 0x16
	msgLocation2   = 0x22
	msgCommand     = 0x80
)

// Codec decodes GT06 packets and encodes serial-echo acks.
type Codec struct{}

// New returns a GT06 codec.
func New() *Codec { return &Codec{} }

// Protocol implements protocol.Codec.
func (c *Codec) Protocol() string { return "gt06" }

// SupportsCommands implements protocol.Codec. GT06 carries downstream
// commands in 0x80 packets keyed by a server flag.
func (c *Codec) SupportsCommands() bool { return true }

// Decode implements protocol.Codec. Packets may arrive concatenated
// or fragmented; garbage between packets is skipped by scanning for
// the next start marker.
func (c *Codec) Decode(buf []byte, s *protocol.Session) ([]protocol.Frame, int, error) {
	var frames []protocol.Frame
	offset := 0

	for offset < len(buf) {
		rest := buf[offset:]
		if len(rest) < 4 {
			break
		}

		start := uint16(rest[0])<<8 | uint16(rest[1])
		var headerLen, bodyLen int
		switch start {
		case startShort:
			headerLen = 3
			bodyLen = int(rest[2])
		case startLong:
			headerLen = 4
			bodyLen = int(rest[2])<<8 | int(rest[3])
		default:
			next := findStart(buf, offset+1)
			if next == -1 {
				// Nothing frameable; drop the scanned bytes.
				return frames, len(buf), nil
			}
			frames = append(frames, protocol.Frame{
				Type:   protocol.FrameError,
				Reason: fmt.Sprintf("skipped %d bytes before start marker", next-offset),
			})
			offset = next
			continue
		}

		total := headerLen + bodyLen + 2 // trailing stop marker
		if len(rest) < total {
			break // partial packet, wait for more bytes
		}

		pkt := rest[:total]
		stop := uint16(pkt[total-2])<<8 | uint16(pkt[total-1])
		if stop != stopMarker || bodyLen < 5 {
			next := findStart(buf, offset+1)
			if next == -1 {
				return frames, len(buf), nil
			}
			frames = append(frames, protocol.Frame{Type: protocol.FrameError, Reason: "bad stop marker"})
			offset = next
			continue
		}

		// CRC covers length field through serial number.
		crcWant := uint16(pkt[total-4])<<8 | uint16(pkt[total-3])
		if Checksum(pkt[2:total-4]) != crcWant {
			frames = append(frames, protocol.Frame{Type: protocol.FrameError, Reason: "crc mismatch"})
			offset += total
			continue
		}

		serial := uint16(pkt[total-6])<<8 | uint16(pkt[total-5])
		msgType := pkt[headerLen]
		content := pkt[headerLen+1 : total-6]

		frame := c.decodeMessage(msgType, content, serial, pkt)
		s.LastSerial = serial
		frames = append(frames, frame)
		offset += total
	}

	return frames, offset, nil
}

func (c *Codec) decodeMessage(msgType byte, content []byte, serial uint16, raw []byte) protocol.Frame {
	switch msgType {
	case msgLogin:
		if len(content) < 8 {
			return protocol.Frame{Type: protocol.FrameError, Reason: "login content too short", Serial: serial}
		}
		imei := protocol.BCD(content[:8], 15)
		return protocol.Frame{Type: protocol.FrameLogin, Identifier: imei, Serial: serial, Raw: raw}

	case msgLocation, msgAlarm, msgLocation2:
		pos, err := decodeLocation(content, msgType == msgAlarm)
		if err != nil {
			return protocol.Frame{Type: protocol.FrameError, Reason: err.Error(), Serial: serial}
		}
		return protocol.Frame{Type: protocol.FramePosition, Position: pos, Serial: serial, Raw: raw}

	case msgHeartbeat:
		return decodeHeartbeat(content, serial, raw)

	case msgCommandResp:
		return decodeCommandResponse(content, serial, raw)

	default:
		return protocol.Frame{
			Type:   protocol.FrameError,
			Reason: fmt.Sprintf("unsupported message type 0x%02X", msgType),
			Serial: serial,
		}
	}
}

// decodeLocation parses the GPS part of location and alarm packets:
// 6-byte datetime, satellite nibble, lat/lng in 1/1800000 degree
// units, speed and a course/status word. Alarm packets append an LBS
// block (length-prefixed) and a terminal status block.
func decodeLocation(content []byte, alarm bool) (*model.Position, error) {
	r := protocol.NewReader(content)

	year := int(r.U8())
	month := time.Month(r.U8())
	day := int(r.U8())
	hour := int(r.U8())
	min := int(r.U8())
	sec := int(r.U8())

	gpsInfo := r.U8()
	satellites := int(gpsInfo & 0x0F)

	lat := float64(r.U32()) / 1800000.0
	lng := float64(r.U32()) / 1800000.0
	speed := float64(r.U8())
	courseStatus := r.U16()
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("location: %w", err)
	}

	course := float64(courseStatus & 0x03FF)
	if courseStatus&0x0400 == 0 { // south latitude
		lat = -lat
	}
	if courseStatus&0x0800 != 0 { // west longitude
		lng = -lng
	}

	pos := &model.Position{
		Time:       time.Date(2000+year, month, day, hour, min, sec, 0, time.UTC),
		Latitude:   lat,
		Longitude:  lng,
		SpeedKmh:   speed,
		Course:     course,
		Satellites: satellites,
		Sensors:    map[string]float64{},
	}

	if alarm {
		// LBS block is length-prefixed on alarm packets.
		if r.Remaining() >= 1 {
			lbsLen := int(r.U8())
			r.Skip(lbsLen)
		}
		if r.Remaining() >= 3 {
			applyStatus(pos, r)
		}
	}
	return pos, nil
}

// applyStatus folds the terminal-info block into ignition and sensors.
func applyStatus(pos *model.Position, r *protocol.Reader) {
	info := r.U8()
	voltage := r.U8()
	gsm := r.U8()
	if r.Err() != nil {
		return
	}
	ign := info&0x02 != 0
	pos.Ignition = &ign
	pos.Sensors["voltage_level"] = float64(voltage)
	pos.Sensors["gsm_signal"] = float64(gsm)
	if info&0x04 != 0 {
		pos.Sensors["charging"] = 1
	} else {
		pos.Sensors["charging"] = 0
	}
}

// decodeHeartbeat parses the status packet: terminal info byte,
// voltage level, GSM signal, alarm/language.
func decodeHeartbeat(content []byte, serial uint16, raw []byte) protocol.Frame {
	f := protocol.Frame{Type: protocol.FrameHeartbeat, Serial: serial, Raw: raw}
	if len(content) >= 3 {
		// Surface ignition through a synthetic position-less frame:
		// the gateway only touches last-seen on heartbeats, so the
		// terminal info rides in Reason-free metadata via Position.
		ign := content[0]&0x02 != 0
		f.Position = &model.Position{
			Ignition: &ign,
			Sensors: map[string]float64{
				"voltage_level": float64(content[1]),
				"gsm_signal":    float64(content[2]),
			},
		}
	}
	return f
}

// decodeCommandResponse parses 0x15: server flag (4 bytes) echoed from
// the originating 0x80 command, then the ASCII response.
func decodeCommandResponse(content []byte, serial uint16, raw []byte) protocol.Frame {
	if len(content) < 5 {
		return protocol.Frame{Type: protocol.FrameError, Reason: "command response too short", Serial: serial}
	}
	// content[0] is the command body length.
	flag := content[1:5]
	resp := ""
	if len(content) > 5 {
		resp = string(content[5:])
	}
	return protocol.Frame{
		Type:       protocol.FrameCommandAck,
		CommandKey: hex.EncodeToString(flag),
		Status:     "ok",
		Response:   resp,
		Serial:     serial,
		Raw:        raw,
	}
}

// EncodeAck implements protocol.Codec. Every data packet is answered
// with an empty packet of the same message type echoing the serial.
// A rejected login gets no ack; the gateway closes the socket.
func (c *Codec) EncodeAck(f protocol.Frame, s *protocol.Session, accept bool) []byte {
	if f.Type == protocol.FrameError || f.Type == protocol.FrameCommandAck {
		return nil
	}
	if f.Type == protocol.FrameLogin && !accept {
		return nil
	}
	var msgType byte
	switch f.Type {
	case protocol.FrameLogin:
		msgType = msgLogin
	case protocol.FrameHeartbeat:
		msgType = msgHeartbeat
	default:
		// Location and alarm packets: echo the type byte of the packet.
		msgType = msgLocation
		if len(f.Raw) > 4 {
			if f.Raw[0] == 0x79 {
				msgType = f.Raw[4]
			} else {
				msgType = f.Raw[3]
			}
		}
	}
	return buildPacket(msgType, nil, f.Serial)
}

// EncodeCommand implements protocol.Codec. Commands go out as 0x80
// packets whose 4-byte server flag is the correlation key echoed back
// in the 0x15 response.
func (c *Codec) EncodeCommand(cmd *model.Command, s *protocol.Session) ([]byte, string, error) {
	id := uuid.New()
	flag := id[:4]
	body := make([]byte, 0, 5+len(cmd.Payload))
	body = append(body, byte(4+len(cmd.Payload)))
	body = append(body, flag...)
	body = append(body, []byte(cmd.Payload)...)

	s.LastSerial++
	return buildPacket(msgCommand, body, s.LastSerial), hex.EncodeToString(flag), nil
}

// buildPacket frames content with start marker, length, message type,
// serial, CRC-ITU and stop marker.
func buildPacket(msgType byte, content []byte, serial uint16) []byte {
	bodyLen := 1 + len(content) + 2 + 2 // type + content + serial + crc

	pkt := make([]byte, 0, 2+1+bodyLen+2)
	if bodyLen <= 0xFF {
		pkt = append(pkt, 0x78, 0x78, byte(bodyLen))
	} else {
		pkt = append(pkt, 0x79, 0x79, byte(bodyLen>>8), byte(bodyLen))
	}
	pkt = append(pkt, msgType)
	pkt = append(pkt, content...)
	pkt = protocol.PutU16(pkt, serial)
	pkt = protocol.PutU16(pkt, Checksum(pkt[2:]))
	pkt = append(pkt, 0x0D, 0x0A)
	return pkt
}

func findStart(buf []byte, from int) int {
	for i := from; i < len(buf)-1; i++ {
		if buf[i] == 0x78 && buf[i+1] == 0x78 {
			return i
		}
		if buf[i] == 0x79 && buf[i+1] == 0x79 {
			return i
		}
	}
	return -1
}
