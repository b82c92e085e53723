package ascii

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navitrack/fleetcore/pkg/protocol"
)

func TestGPS103Handshake(t *testing.T) {
	codec := NewGPS103()
	session := protocol.NewSession("gps103")

	frames, consumed, err := codec.Decode([]byte("##,imei:359586015829802,A;"), session)
	require.NoError(t, err)
	assert.Equal(t, 26, consumed)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.FrameLogin, frames[0].Type)
	assert.Equal(t, "359586015829802", frames[0].Identifier)
	assert.Equal(t, []byte("LOAD"), codec.EncodeAck(frames[0], session, true))
}

func TestGPS103Position(t *testing.T) {
	codec := NewGPS103()
	session := protocol.NewSession("gps103")

	line := "imei:359586015829802,acc on,0809231929,,F,112909.397,A,2234.4669,N,11354.3287,E,11.5,10;"
	frames, consumed, err := codec.Decode([]byte(line), session)
	require.NoError(t, err)
	assert.Equal(t, len(line), consumed)
	require.Len(t, frames, 1)
	require.Equal(t, protocol.FramePosition, frames[0].Type)

	pos := frames[0].Position
	assert.Equal(t, "359586015829802", frames[0].Identifier)
	assert.InDelta(t, 22.574448, pos.Latitude, 1e-4)
	assert.InDelta(t, 113.905478, pos.Longitude, 1e-4)
	assert.InDelta(t, 11.5*1.852, pos.SpeedKmh, 0.01)
	require.NotNil(t, pos.Ignition)
	assert.True(t, *pos.Ignition)
	assert.Equal(t, "2008-09-23T11:29:09Z", pos.Time.Format("2006-01-02T15:04:05Z"))
}

func TestTK103Fix(t *testing.T) {
	codec := NewTK103()
	session := protocol.NewSession("tk103")

	record := "(012345678901BR00180829A2234.5678N11354.1234E014.4120557089.86)"
	frames, consumed, err := codec.Decode([]byte(record), session)
	require.NoError(t, err)
	assert.Equal(t, len(record), consumed)
	require.Len(t, frames, 1)
	require.Equal(t, protocol.FramePosition, frames[0].Type)

	pos := frames[0].Position
	assert.Equal(t, "012345678901", frames[0].Identifier)
	assert.InDelta(t, 22.576130, pos.Latitude, 1e-4)
	assert.InDelta(t, 113.902057, pos.Longitude, 1e-4)
	assert.InDelta(t, 14.4*1.852, pos.SpeedKmh, 0.01)
	assert.InDelta(t, 89.86, pos.Course, 0.01)
	assert.Equal(t, "2018-08-29T12:05:57Z", pos.Time.Format("2006-01-02T15:04:05Z"))
}

func TestTK103HandshakeAck(t *testing.T) {
	codec := NewTK103()
	session := protocol.NewSession("tk103")
	frames, _, err := codec.Decode([]byte("(012345678901BP00)"), session)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.FrameHeartbeat, frames[0].Type)
	assert.Equal(t, []byte("(012345678901AP01HSO)"), codec.EncodeAck(frames[0], session, true))
}

func TestOsmAndRecord(t *testing.T) {
	codec := NewOsmAnd()
	session := protocol.NewSession("osmand")

	line := "id=12345&timestamp=1625000000&lat=49.5&lon=17.9&speed=10&bearing=90&altitude=210&sat=9&ignition=true&batt=95\n"
	frames, consumed, err := codec.Decode([]byte(line), session)
	require.NoError(t, err)
	assert.Equal(t, len(line), consumed)
	require.Len(t, frames, 1)
	require.Equal(t, protocol.FramePosition, frames[0].Type)

	pos := frames[0].Position
	assert.Equal(t, "12345", frames[0].Identifier)
	assert.Equal(t, 49.5, pos.Latitude)
	assert.Equal(t, 17.9, pos.Longitude)
	assert.InDelta(t, 36.0, pos.SpeedKmh, 1e-9) // 10 m/s
	assert.Equal(t, 9, pos.Satellites)
	require.NotNil(t, pos.Ignition)
	assert.True(t, *pos.Ignition)
	v, ok := pos.Sensor("battery_level")
	require.True(t, ok)
	assert.Equal(t, 95.0, v)
}

func TestFlespiRecord(t *testing.T) {
	codec := NewFlespi()
	session := protocol.NewSession("flespi")

	line := `{"ident":"867440069999999","timestamp":1625000000,` +
		`"position.latitude":49.1,"position.longitude":17.2,` +
		`"position.speed":50,"position.satellites":12,` +
		`"engine.ignition.status":true,"battery.voltage":3.9}` + "\n"
	frames, consumed, err := codec.Decode([]byte(line), session)
	require.NoError(t, err)
	assert.Equal(t, len(line), consumed)
	require.Len(t, frames, 1)
	require.Equal(t, protocol.FramePosition, frames[0].Type)

	pos := frames[0].Position
	assert.Equal(t, "867440069999999", frames[0].Identifier)
	assert.Equal(t, 50.0, pos.SpeedKmh)
	assert.Equal(t, 12, pos.Satellites)
	require.NotNil(t, pos.Ignition)
	assert.True(t, *pos.Ignition)
	v, ok := pos.Sensor("battery.voltage")
	require.True(t, ok)
	assert.Equal(t, 3.9, v)
}

func TestQueclinkGTFRI(t *testing.T) {
	codec := NewQueclink()
	session := protocol.NewSession("queclink")

	record := "+RESP:GTFRI,060100,867844003012345,,,10,1,1,24.3,92,210.0," +
		"121.354335,31.222073,20200101120000,0460,0000,18D8,6141,,80,20200101120005,0254$"
	frames, consumed, err := codec.Decode([]byte(record), session)
	require.NoError(t, err)
	assert.Equal(t, len(record), consumed)
	require.Len(t, frames, 1)
	require.Equal(t, protocol.FramePosition, frames[0].Type)

	pos := frames[0].Position
	assert.Equal(t, "867844003012345", frames[0].Identifier)
	assert.InDelta(t, 31.222073, pos.Latitude, 1e-6)
	assert.InDelta(t, 121.354335, pos.Longitude, 1e-6)
	assert.Equal(t, 24.3, pos.SpeedKmh)
	assert.Equal(t, 92.0, pos.Course)
	assert.Equal(t, "2020-01-01T12:00:00Z", pos.Time.Format("2006-01-02T15:04:05Z"))
	v, ok := pos.Sensor("battery_level")
	require.True(t, ok)
	assert.Equal(t, 80.0, v)
}

func TestQueclinkHeartbeatAck(t *testing.T) {
	codec := NewQueclink()
	session := protocol.NewSession("queclink")
	frames, _, err := codec.Decode([]byte("+ACK:GTHBD,060100,867844003012345,,20200101120000,0255$"), session)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.FrameHeartbeat, frames[0].Type)
	assert.Equal(t, []byte("+SACK:GTHBD,,0000$"), codec.EncodeAck(frames[0], session, true))
}

func TestTotemRecord(t *testing.T) {
	codec := NewTotem()
	session := protocol.NewSession("totem")

	body := "867440069999999|120557|290818|2234.5678|N|11354.1234|E|014.4|089|FFFFFBFF"
	record := "$$" + lengthField(len(body)+6) + body
	frames, consumed, err := codec.Decode([]byte(record), session)
	require.NoError(t, err)
	assert.Equal(t, len(record), consumed)
	require.Len(t, frames, 1)
	require.Equal(t, protocol.FramePosition, frames[0].Type)

	pos := frames[0].Position
	assert.Equal(t, "867440069999999", frames[0].Identifier)
	assert.InDelta(t, 22.576130, pos.Latitude, 1e-4)
	assert.InDelta(t, 113.902057, pos.Longitude, 1e-4)
	assert.Equal(t, "2018-08-29T12:05:57Z", pos.Time.Format("2006-01-02T15:04:05Z"))
}

func lengthField(n int) string {
	digits := []byte{'0', '0', '0', '0'}
	for i := 3; i >= 0 && n > 0; i-- {
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	return string(digits)
}

func TestPartialLineConsumesNothing(t *testing.T) {
	codec := NewGPS103()
	session := protocol.NewSession("gps103")
	frames, consumed, err := codec.Decode([]byte("imei:35958601582"), session)
	require.NoError(t, err)
	assert.Empty(t, frames)
	assert.Zero(t, consumed)
}
