package gateway

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navitrack/fleetcore/internal/logger"
	"github.com/navitrack/fleetcore/pkg/config"
	"github.com/navitrack/fleetcore/pkg/metrics"
	"github.com/navitrack/fleetcore/pkg/model"
	"github.com/navitrack/fleetcore/pkg/pipeline"
	"github.com/navitrack/fleetcore/pkg/protocol"
	"github.com/navitrack/fleetcore/pkg/protocol/gt06"
	"github.com/navitrack/fleetcore/pkg/storage"
)

// fakeResolver serves a fixed device set.
type fakeResolver struct {
	devices map[string]*model.Device
}

func (r *fakeResolver) DeviceByIdentifier(_ context.Context, identifier, protocolName string) (*model.Device, error) {
	d, ok := r.devices[identifier+"/"+protocolName]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return d, nil
}

// nullStore satisfies pipeline.Store for gateway tests.
type nullStore struct{ nextID int64 }

func (s *nullStore) InsertPosition(_ context.Context, p *model.Position) (int64, error) {
	s.nextID++
	p.ID = s.nextID
	return p.ID, nil
}

func (s *nullStore) LastPosition(context.Context, int64) (*model.Position, error) {
	return nil, storage.ErrNotFound
}

func (s *nullStore) OpenTrip(_ context.Context, t *model.Trip) (int64, error) {
	t.ID = 1
	return 1, nil
}

func (s *nullStore) CloseTrip(context.Context, *model.Trip) error { return nil }

func (s *nullStore) OpenTripForDevice(context.Context, int64) (*model.Trip, error) {
	return nil, storage.ErrNotFound
}

func (s *nullStore) UpdatePositionTrip(context.Context, int64, int64) error { return nil }

func (s *nullStore) WriteDeviceState(context.Context, *model.DeviceState, float64) error {
	return nil
}

// ackRecorder captures command acks.
type ackRecorder struct {
	keys []string
}

func (a *ackRecorder) HandleAck(_ context.Context, _ int64, key, _, _ string) {
	a.keys = append(a.keys, key)
}

func newGatewayFixture(t *testing.T) (*Gateway, *Registry) {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)

	resolver := &fakeResolver{devices: map[string]*model.Device{
		"357152038877123/gt06": {ID: 1, Identifier: "357152038877123",
			Protocol: "gt06", Active: true, Config: map[string]string{}},
	}}

	codecs := protocol.NewRegistry()
	codecs.Register(gt06.New())

	pipeCfg := config.PipelineConfig{
		MaxFutureDrift: 24 * time.Hour, MaxPastDrift: 30 * 24 * time.Hour,
		OdometerWindow: 12 * time.Hour, JumpThresholdKm: 500,
		JumpWindow: 5 * time.Minute, TripIdleGap: 15 * time.Minute,
		TripMoveSpeedKmh: 5, TripMoveHold: time.Minute, TripStopHold: time.Minute,
	}
	m := metrics.New()
	pipe := pipeline.New(&nullStore{}, pipeCfg, log, m)
	registry := NewRegistry()

	g := New("127.0.0.1", nil, codecs, resolver, pipe, &ackRecorder{}, registry, log, m)
	return g, registry
}

// gt06Login frames a login packet for the given IMEI.
func gt06Login(imei string, serial uint16) []byte {
	content := protocol.EncodeBCD("0" + imei)
	body := make([]byte, 0, 16)
	body = append(body, 0x01)
	body = append(body, content...)
	body = protocol.PutU16(body, serial)

	pkt := []byte{0x78, 0x78, byte(len(body) + 2)}
	pkt = append(pkt, body...)
	pkt = protocol.PutU16(pkt, gt06.Checksum(pkt[2:]))
	pkt = append(pkt, 0x0D, 0x0A)
	return pkt
}

func TestLoginInstallsSession(t *testing.T) {
	g, registry := newGatewayFixture(t)
	codec, _ := g.codecs.Get("gt06")

	server, client := net.Pipe()
	g.wg.Add(1)
	go g.serveTCP(context.Background(), server, codec)

	_, err := client.Write(gt06Login("357152038877123", 7))
	require.NoError(t, err)

	// The login ack echoes the serial.
	ack := make([]byte, 32)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(ack)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 10)
	assert.Equal(t, byte(0x78), ack[0])
	assert.Equal(t, byte(0x01), ack[3])
	assert.Equal(t, []byte{0x00, 0x07}, ack[4:6])

	require.Eventually(t, func() bool {
		_, ok := registry.Get(1)
		return ok
	}, time.Second, 10*time.Millisecond)

	client.Close()
	require.Eventually(t, func() bool {
		_, ok := registry.Get(1)
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestUDPSessionTableEvictsIdleEntries(t *testing.T) {
	table := newUDPSessionTable()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	stale := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 9000}
	fresh := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 9001}

	old := table.get(stale, conn, "h02")
	old.handle.activeMu.Lock()
	old.handle.lastSeen = time.Now().Add(-10 * time.Minute)
	old.handle.activeMu.Unlock()
	table.get(fresh, conn, "h02")

	evicted := table.evictIdle(5 * time.Minute)
	assert.Equal(t, 1, evicted)

	table.mu.Lock()
	_, staleOK := table.byAddr[stale.String()]
	_, freshOK := table.byAddr[fresh.String()]
	table.mu.Unlock()
	assert.False(t, staleOK, "idle entry must age out")
	assert.True(t, freshOK, "active entry must survive the sweep")

	// A source that returns after eviction gets a fresh context.
	again := table.get(stale, conn, "h02")
	assert.NotSame(t, old, again)
}

func TestUnknownDeviceDisconnected(t *testing.T) {
	g, registry := newGatewayFixture(t)
	codec, _ := g.codecs.Get("gt06")

	server, client := net.Pipe()
	g.wg.Add(1)
	go g.serveTCP(context.Background(), server, codec)

	_, err := client.Write(gt06Login("999999999999999", 1))
	require.NoError(t, err)

	// Rejected logins get no GT06 ack; the connection just closes.
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = client.Read(make([]byte, 16))
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 0, registry.Count())
}

func TestSecondLoginEvictsFirstSession(t *testing.T) {
	g, registry := newGatewayFixture(t)
	codec, _ := g.codecs.Get("gt06")

	serverA, clientA := net.Pipe()
	g.wg.Add(1)
	go g.serveTCP(context.Background(), serverA, codec)
	_, err := clientA.Write(gt06Login("357152038877123", 1))
	require.NoError(t, err)
	clientA.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = clientA.Read(make([]byte, 32))
	require.NoError(t, err)

	first, ok := registry.Get(1)
	require.True(t, ok)

	serverB, clientB := net.Pipe()
	g.wg.Add(1)
	go g.serveTCP(context.Background(), serverB, codec)
	_, err = clientB.Write(gt06Login("357152038877123", 2))
	require.NoError(t, err)
	clientB.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = clientB.Read(make([]byte, 32))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		current, ok := registry.Get(1)
		return ok && current != first
	}, time.Second, 10*time.Millisecond)

	// The evicted socket is closed: reads on its client end fail.
	clientA.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = clientA.Read(make([]byte, 16))
	assert.Error(t, err)
	clientB.Close()
}
