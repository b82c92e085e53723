package h02

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navitrack/fleetcore/pkg/model"
	"github.com/navitrack/fleetcore/pkg/protocol"
)

var cmdFixture = model.Command{Payload: "S20"}

const asciiFix = "*HQ,4109179024,V1,120557,A,2234.5678,N,11354.1234,E,010.00,090,290818,FFFFFBFF#"

func TestDecodeASCII(t *testing.T) {
	codec := New()
	session := protocol.NewSession("h02")

	frames, consumed, err := codec.Decode([]byte(asciiFix), session)
	require.NoError(t, err)
	assert.Equal(t, len(asciiFix), consumed)
	require.Len(t, frames, 1)

	f := frames[0]
	require.Equal(t, protocol.FramePosition, f.Type)
	assert.Equal(t, "4109179024", f.Identifier)

	pos := f.Position
	assert.InDelta(t, 22.57613, pos.Latitude, 1e-4)
	assert.InDelta(t, 113.90206, pos.Longitude, 1e-4)
	assert.InDelta(t, 18.52, pos.SpeedKmh, 0.01) // 10 knots
	assert.Equal(t, 90.0, pos.Course)
	assert.Equal(t, "2018-08-29T12:05:57Z", pos.Time.Format("2006-01-02T15:04:05Z"))
	require.NotNil(t, pos.Ignition)
	// Status bits are active-low; FFFFFBFF clears bit 10 (ACC on).
	assert.True(t, *pos.Ignition)
}

func TestDecodePartialASCII(t *testing.T) {
	codec := New()
	session := protocol.NewSession("h02")
	frames, consumed, err := codec.Decode([]byte(asciiFix[:20]), session)
	require.NoError(t, err)
	assert.Empty(t, frames)
	assert.Zero(t, consumed)
}

func TestDecodeDatagramWithTwoRecords(t *testing.T) {
	codec := New()
	session := protocol.NewSession("h02")

	buf := []byte(asciiFix + asciiFix)
	frames, consumed, err := codec.Decode(buf, session)
	require.NoError(t, err)
	assert.Equal(t, len(buf), consumed)
	assert.Len(t, frames, 2)
}

func TestInvalidFixReported(t *testing.T) {
	codec := New()
	session := protocol.NewSession("h02")
	bad := "*HQ,4109179024,V1,120557,V,2234.5678,N,11354.1234,E,010.00,090,290818,FFFFFBFF#"
	frames, _, err := codec.Decode([]byte(bad), session)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.FrameError, frames[0].Type)
}

func TestDecodeBinary(t *testing.T) {
	codec := New()
	session := protocol.NewSession("h02")

	pkt := make([]byte, 0, binaryRecordLen)
	pkt = append(pkt, '$')
	pkt = append(pkt, protocol.EncodeBCD("4109179024")...) // 5 bytes id
	pkt = append(pkt, protocol.EncodeBCD("120557")...)     // time
	pkt = append(pkt, protocol.EncodeBCD("290818")...)     // date
	pkt = append(pkt, protocol.EncodeBCD("22345678")...)   // lat 22°34.5678'
	pkt = append(pkt, 0x64)                                // battery
	// lng 113°54.1234' + flag nibble: north (0x04) + east (0x08).
	pkt = append(pkt, protocol.EncodeBCD("1135412340")...)
	pkt[len(pkt)-1] = pkt[len(pkt)-1]&0xF0 | 0x0C
	pkt = append(pkt, protocol.EncodeBCD("010090")...) // speed 10 kn, course 90
	pkt = append(pkt, 0xFF, 0xFF, 0xFB, 0xFF)          // status

	require.Len(t, pkt, binaryRecordLen)

	frames, consumed, err := codec.Decode(pkt, session)
	require.NoError(t, err)
	assert.Equal(t, binaryRecordLen, consumed)
	require.Len(t, frames, 1)
	require.Equal(t, protocol.FramePosition, frames[0].Type)

	pos := frames[0].Position
	assert.Equal(t, "4109179024", frames[0].Identifier)
	assert.InDelta(t, 22.57613, pos.Latitude, 1e-4)
	assert.InDelta(t, 113.90206, pos.Longitude, 1e-3)
	assert.InDelta(t, 18.52, pos.SpeedKmh, 0.01)
}

func TestEncodeCommand(t *testing.T) {
	codec := New()
	session := protocol.NewSession("h02")
	session.Identifier = "4109179024"

	data, key, err := codec.EncodeCommand(&cmdFixture, session)
	require.NoError(t, err)
	assert.Empty(t, key)
	assert.Equal(t, "*HQ,4109179024,S20#", string(data))
}
