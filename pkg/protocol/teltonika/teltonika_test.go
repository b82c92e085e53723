package teltonika

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navitrack/fleetcore/pkg/model"
	"github.com/navitrack/fleetcore/pkg/protocol"
)

func imeiPreamble(imei string) []byte {
	buf := []byte{0x00, byte(len(imei))}
	return append(buf, []byte(imei)...)
}

// avlRecord builds one Codec 8 record with a single 1-byte ignition
// I/O element.
func avlRecord(ts time.Time, lat, lng float64, speed uint16, ignition byte) []byte {
	var rec []byte
	ms := uint64(ts.UnixMilli())
	for i := 7; i >= 0; i-- {
		rec = append(rec, byte(ms>>(8*i)))
	}
	rec = append(rec, 0x00) // priority
	rec = protocol.PutU32(rec, uint32(int32(lng*1e7)))
	rec = protocol.PutU32(rec, uint32(int32(lat*1e7)))
	rec = protocol.PutU16(rec, 120)   // altitude
	rec = protocol.PutU16(rec, 90)    // angle
	rec = append(rec, 8)              // satellites
	rec = protocol.PutU16(rec, speed) // speed
	// I/O: event id, total 1, one 1-byte element (239 = ignition).
	rec = append(rec, 239, 1, 1, 239, ignition, 0, 0, 0)
	return rec
}

func avlPacket(records ...[]byte) []byte {
	data := []byte{codec8, byte(len(records))}
	for _, r := range records {
		data = append(data, r...)
	}
	data = append(data, byte(len(records)))

	pkt := protocol.PutU32(nil, 0)
	pkt = protocol.PutU32(pkt, uint32(len(data)))
	pkt = append(pkt, data...)
	pkt = protocol.PutU32(pkt, crc16IBM(data))
	return pkt
}

func TestPreambleLoginAndAck(t *testing.T) {
	codec := New()
	session := protocol.NewSession("teltonika")

	frames, consumed, err := codec.Decode(imeiPreamble("867440069999999"), session)
	require.NoError(t, err)
	assert.Equal(t, 17, consumed)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.FrameLogin, frames[0].Type)
	assert.Equal(t, "867440069999999", frames[0].Identifier)

	assert.Equal(t, []byte{0x01}, codec.EncodeAck(frames[0], session, true))
	assert.Equal(t, []byte{0x00}, codec.EncodeAck(frames[0], session, false))
}

func TestRecordCountAck(t *testing.T) {
	codec := New()
	session := protocol.NewSession("teltonika")

	_, _, err := codec.Decode(imeiPreamble("867440069999999"), session)
	require.NoError(t, err)

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	pkt := avlPacket(
		avlRecord(base, 49.5, 17.9, 40, 1),
		avlRecord(base.Add(10*time.Second), 49.51, 17.91, 45, 1),
		avlRecord(base.Add(20*time.Second), 49.52, 17.92, 50, 1),
	)

	frames, consumed, err := codec.Decode(pkt, session)
	require.NoError(t, err)
	assert.Equal(t, len(pkt), consumed)
	require.Len(t, frames, 3)

	// After receiving N records the server answers with exactly the
	// 4-byte big-endian encoding of N, once.
	var acks [][]byte
	for _, f := range frames {
		if ack := codec.EncodeAck(f, session, true); ack != nil {
			acks = append(acks, ack)
		}
	}
	require.Len(t, acks, 1)
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x03}, acks[0])
}

func TestRecordFields(t *testing.T) {
	codec := New()
	session := protocol.NewSession("teltonika")
	_, _, err := codec.Decode(imeiPreamble("867440069999999"), session)
	require.NoError(t, err)

	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	frames, _, err := codec.Decode(avlPacket(avlRecord(ts, 49.5, 17.9, 40, 1)), session)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	pos := frames[0].Position
	require.NotNil(t, pos)
	assert.True(t, ts.Equal(pos.Time))
	assert.InDelta(t, 49.5, pos.Latitude, 1e-6)
	assert.InDelta(t, 17.9, pos.Longitude, 1e-6)
	assert.Equal(t, 40.0, pos.SpeedKmh)
	assert.Equal(t, 120.0, pos.AltitudeM)
	assert.Equal(t, 8, pos.Satellites)
	require.NotNil(t, pos.Ignition)
	assert.True(t, *pos.Ignition)
}

func TestCorruptedAVLRejected(t *testing.T) {
	codec := New()
	session := protocol.NewSession("teltonika")
	_, _, err := codec.Decode(imeiPreamble("867440069999999"), session)
	require.NoError(t, err)

	pkt := avlPacket(avlRecord(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), 49.5, 17.9, 40, 1))
	pkt[12] ^= 0x01 // flip a bit inside the data field

	frames, _, err := codec.Decode(pkt, session)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.FrameError, frames[0].Type)
	assert.Contains(t, frames[0].Reason, "crc")
}

func TestPartialAVLWaits(t *testing.T) {
	codec := New()
	session := protocol.NewSession("teltonika")
	_, _, err := codec.Decode(imeiPreamble("867440069999999"), session)
	require.NoError(t, err)

	pkt := avlPacket(avlRecord(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), 49.5, 17.9, 40, 1))
	frames, consumed, err := codec.Decode(pkt[:10], session)
	require.NoError(t, err)
	assert.Empty(t, frames)
	assert.Zero(t, consumed)
}

func TestIOElementMapping(t *testing.T) {
	// Battery voltage arrives in millivolts and lands in volts under
	// the documented key.
	pos := &model.Position{Sensors: map[string]float64{}}
	applyIO(pos, 67, 12450)
	v, ok := pos.Sensor("battery_voltage")
	require.True(t, ok)
	assert.InDelta(t, 12.45, v, 1e-9)

	applyIO(pos, 9999, 7)
	unknown, ok := pos.Sensor("io_9999")
	require.True(t, ok)
	assert.Equal(t, 7.0, unknown)
}

func TestEncodeCommandCodec12(t *testing.T) {
	codec := New()
	session := protocol.NewSession("teltonika")
	data, key, err := codec.EncodeCommand(&model.Command{Payload: "getinfo"}, session)
	require.NoError(t, err)
	assert.Empty(t, key) // codec 12 responses are unkeyed

	// Preamble, length, then the codec 12 data field.
	assert.Equal(t, []byte{0, 0, 0, 0}, data[:4])
	assert.Equal(t, byte(codec12), data[8])
	assert.Equal(t, byte(cmdType), data[10])
}
