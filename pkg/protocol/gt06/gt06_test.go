package gt06

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navitrack/fleetcore/pkg/model"
	"github.com/navitrack/fleetcore/pkg/protocol"
)

func loginPacket(t *testing.T, imei string, serial uint16) []byte {
	t.Helper()
	content := protocol.EncodeBCD("0" + imei) // 15 digits, zero pad nibble
	return buildPacket(msgLogin, content, serial)
}

func TestDecodeLogin(t *testing.T) {
	codec := New()
	session := protocol.NewSession("gt06")

	pkt := loginPacket(t, "357152038877123", 0x0001)
	frames, consumed, err := codec.Decode(pkt, session)
	require.NoError(t, err)
	assert.Equal(t, len(pkt), consumed)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.FrameLogin, frames[0].Type)
	assert.Equal(t, "357152038877123", frames[0].Identifier)
	assert.Equal(t, uint16(1), frames[0].Serial)
}

func TestLoginAckEchoesSerial(t *testing.T) {
	codec := New()
	session := protocol.NewSession("gt06")

	pkt := loginPacket(t, "357152038877123", 0x0042)
	frames, _, err := codec.Decode(pkt, session)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	ack := codec.EncodeAck(frames[0], session, true)
	require.NotNil(t, ack)
	// 0x7878, len 0x05, type 0x01, serial 0x0042, crc, 0x0D0A.
	assert.Equal(t, []byte{0x78, 0x78, 0x05, 0x01, 0x00, 0x42}, ack[:6])
	assert.Equal(t, []byte{0x0D, 0x0A}, ack[len(ack)-2:])

	// The ack must carry a valid CRC of its own.
	want := Checksum(ack[2 : len(ack)-4])
	got := uint16(ack[len(ack)-4])<<8 | uint16(ack[len(ack)-3])
	assert.Equal(t, want, got)
}

func TestRejectedLoginGetsNoAck(t *testing.T) {
	codec := New()
	session := protocol.NewSession("gt06")
	pkt := loginPacket(t, "357152038877123", 1)
	frames, _, err := codec.Decode(pkt, session)
	require.NoError(t, err)
	assert.Nil(t, codec.EncodeAck(frames[0], session, false))
}

func TestCRCCorruptionRejectsFrame(t *testing.T) {
	codec := New()
	pkt := loginPacket(t, "357152038877123", 7)

	// A one-bit corruption of any CRC-covered byte must reject the
	// frame. Start and stop markers are framing, not CRC territory.
	for i := 2; i < len(pkt)-2; i++ {
		for bit := 0; bit < 8; bit++ {
			corrupted := make([]byte, len(pkt))
			copy(corrupted, pkt)
			corrupted[i] ^= 1 << bit

			session := protocol.NewSession("gt06")
			frames, _, err := codec.Decode(corrupted, session)
			require.NoError(t, err)
			for _, f := range frames {
				assert.NotEqual(t, protocol.FrameLogin, f.Type,
					"corrupted byte %d bit %d decoded as a valid login", i, bit)
			}
		}
	}
}

func TestDecodeLocation(t *testing.T) {
	codec := New()
	session := protocol.NewSession("gt06")

	// 2018-08-29 12:05:57 UTC, 10 satellites, 22.5461N 113.9231E,
	// 60 km/h, course 90, positioned, north+east.
	content := []byte{
		18, 8, 29, 12, 5, 57, // datetime
		0xCA,                   // gps info: length 12, 10 satellites
		0x02, 0x6B, 0x3F, 0x3E, // lat 40582974 / 1800000
		0x0C, 0x38, 0xFD, 0x72, // lng 205061490 / 1800000
		60,         // speed
		0x14, 0x5A, // course/status: positioned, course 90
	}
	pkt := buildPacket(msgLocation, content, 3)

	frames, consumed, err := codec.Decode(pkt, session)
	require.NoError(t, err)
	assert.Equal(t, len(pkt), consumed)
	require.Len(t, frames, 1)
	require.Equal(t, protocol.FramePosition, frames[0].Type)

	pos := frames[0].Position
	assert.InDelta(t, 22.5461, pos.Latitude, 0.001)
	assert.InDelta(t, 113.9231, pos.Longitude, 0.001)
	assert.Equal(t, 60.0, pos.SpeedKmh)
	assert.Equal(t, 90.0, pos.Course)
	assert.Equal(t, 10, pos.Satellites)
	assert.Equal(t, "2018-08-29T12:05:57Z", pos.Time.Format("2006-01-02T15:04:05Z"))
}

func TestPartialPacketConsumesNothing(t *testing.T) {
	codec := New()
	session := protocol.NewSession("gt06")
	pkt := loginPacket(t, "357152038877123", 1)

	frames, consumed, err := codec.Decode(pkt[:len(pkt)-4], session)
	require.NoError(t, err)
	assert.Empty(t, frames)
	assert.Zero(t, consumed)
}

func TestConcatenatedPackets(t *testing.T) {
	codec := New()
	session := protocol.NewSession("gt06")

	a := loginPacket(t, "357152038877123", 1)
	b := buildPacket(msgHeartbeat, []byte{0x02, 0x04, 0x03, 0x00, 0x01}, 2)
	buf := append(append([]byte{}, a...), b...)

	frames, consumed, err := codec.Decode(buf, session)
	require.NoError(t, err)
	assert.Equal(t, len(buf), consumed)
	require.Len(t, frames, 2)
	assert.Equal(t, protocol.FrameLogin, frames[0].Type)
	assert.Equal(t, protocol.FrameHeartbeat, frames[1].Type)
	require.NotNil(t, frames[1].Position)
	require.NotNil(t, frames[1].Position.Ignition)
	assert.True(t, *frames[1].Position.Ignition)
}

func TestResyncAfterGarbage(t *testing.T) {
	codec := New()
	session := protocol.NewSession("gt06")

	pkt := loginPacket(t, "357152038877123", 1)
	buf := append([]byte{0xDE, 0xAD, 0xBE, 0xEF}, pkt...)

	frames, consumed, err := codec.Decode(buf, session)
	require.NoError(t, err)
	assert.Equal(t, len(buf), consumed)

	var login bool
	for _, f := range frames {
		if f.Type == protocol.FrameLogin {
			login = true
		}
	}
	assert.True(t, login, "login frame recovered after garbage prefix")
}

func TestCommandRoundTrip(t *testing.T) {
	codec := New()
	session := protocol.NewSession("gt06")
	session.LastSerial = 9

	data, key, err := codec.EncodeCommand(&model.Command{Payload: "RESET#"}, session)
	require.NoError(t, err)
	require.Len(t, key, 8) // 4 bytes hex

	// The device echoes the server flag in its 0x15 response.
	flag, err := hex.DecodeString(key)
	require.NoError(t, err)
	respContent := append([]byte{byte(4 + 2)}, flag...)
	respContent = append(respContent, []byte("OK")...)
	resp := buildPacket(msgCommandResp, respContent, 10)

	frames, _, err := codec.Decode(resp, session)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.FrameCommandAck, frames[0].Type)
	assert.Equal(t, key, frames[0].CommandKey)
	assert.Equal(t, "OK", frames[0].Response)

	// Encoded command is itself a well-formed framed packet.
	assert.Equal(t, byte(0x78), data[0])
	assert.Equal(t, []byte{0x0D, 0x0A}, data[len(data)-2:])
}
