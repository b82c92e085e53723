package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navitrack/fleetcore/internal/logger"
	"github.com/navitrack/fleetcore/pkg/config"
	"github.com/navitrack/fleetcore/pkg/metrics"
	"github.com/navitrack/fleetcore/pkg/model"
	"github.com/navitrack/fleetcore/pkg/storage"
)

// fakeStore is an in-memory pipeline.Store.
type fakeStore struct {
	positions []*model.Position
	trips     map[int64]*model.Trip
	nextPosID int64
	nextTrip  int64
	states    []model.DeviceState
	odometers []float64
}

func newFakeStore() *fakeStore {
	return &fakeStore{trips: make(map[int64]*model.Trip)}
}

func (s *fakeStore) InsertPosition(_ context.Context, p *model.Position) (int64, error) {
	for _, existing := range s.positions {
		if existing.DeviceID == p.DeviceID && existing.Time.Equal(p.Time) {
			return 0, storage.ErrDuplicate
		}
	}
	s.nextPosID++
	p.ID = s.nextPosID
	clone := *p
	s.positions = append(s.positions, &clone)
	return p.ID, nil
}

func (s *fakeStore) LastPosition(_ context.Context, deviceID int64) (*model.Position, error) {
	for i := len(s.positions) - 1; i >= 0; i-- {
		if s.positions[i].DeviceID == deviceID {
			return s.positions[i], nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *fakeStore) OpenTrip(_ context.Context, t *model.Trip) (int64, error) {
	s.nextTrip++
	t.ID = s.nextTrip
	clone := *t
	s.trips[t.ID] = &clone
	return t.ID, nil
}

func (s *fakeStore) CloseTrip(_ context.Context, t *model.Trip) error {
	clone := *t
	s.trips[t.ID] = &clone
	return nil
}

func (s *fakeStore) OpenTripForDevice(_ context.Context, deviceID int64) (*model.Trip, error) {
	for _, t := range s.trips {
		if t.DeviceID == deviceID && t.Open {
			return t, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *fakeStore) UpdatePositionTrip(_ context.Context, positionID, tripID int64) error {
	for _, p := range s.positions {
		if p.ID == positionID {
			id := tripID
			p.TripID = &id
		}
	}
	return nil
}

func (s *fakeStore) WriteDeviceState(_ context.Context, st *model.DeviceState, odometerKm float64) error {
	s.states = append(s.states, *st)
	s.odometers = append(s.odometers, odometerKm)
	return nil
}

// captureSink records hand-offs.
type captureSink struct {
	calls []model.DeviceState
}

func (c *captureSink) PositionStored(_ *model.Device, _ *model.Position, state model.DeviceState) {
	c.calls = append(c.calls, state)
}

func newTestPipeline(store Store) *Pipeline {
	log, _ := logger.New(logger.Config{Level: "error"})
	cfg := config.PipelineConfig{
		MaxFutureDrift:   24 * time.Hour,
		MaxPastDrift:     30 * 24 * time.Hour,
		OdometerWindow:   12 * time.Hour,
		JumpThresholdKm:  500,
		JumpWindow:       5 * time.Minute,
		TripIdleGap:      15 * time.Minute,
		TripMoveSpeedKmh: 5,
		TripMoveHold:     60 * time.Second,
		TripStopHold:     60 * time.Second,
	}
	return New(store, cfg, log, metrics.New())
}

func boolPtr(v bool) *bool { return &v }

func testDevice() *model.Device {
	return &model.Device{ID: 1, Identifier: "867440069999999", Protocol: "teltonika", Active: true}
}

func pos(at time.Time, lat, lng, speed float64, ignition *bool) *model.Position {
	return &model.Position{
		Time:      at,
		Latitude:  lat,
		Longitude: lng,
		SpeedKmh:  speed,
		Ignition:  ignition,
	}
}

func TestClockDriftRejected(t *testing.T) {
	p := newTestPipeline(newFakeStore())
	device := testDevice()

	err := p.Process(context.Background(), device,
		pos(time.Now().UTC().Add(48*time.Hour), 49.5, 17.9, 0, nil))
	assert.ErrorIs(t, err, ErrClockDrift)

	err = p.Process(context.Background(), device,
		pos(time.Now().UTC().Add(-40*24*time.Hour), 49.5, 17.9, 0, nil))
	assert.ErrorIs(t, err, ErrClockDrift)
}

func TestDuplicateDropped(t *testing.T) {
	store := newFakeStore()
	p := newTestPipeline(store)
	device := testDevice()
	at := time.Now().UTC().Add(-time.Minute)

	require.NoError(t, p.Process(context.Background(), device, pos(at, 49.5, 17.9, 10, nil)))
	err := p.Process(context.Background(), device, pos(at, 49.5, 17.9, 10, nil))
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Len(t, store.positions, 1)
}

func TestOdometerAccumulates(t *testing.T) {
	store := newFakeStore()
	p := newTestPipeline(store)
	device := testDevice()
	base := time.Now().UTC().Add(-time.Hour)

	// ~111 m per 0.001 degree of latitude.
	require.NoError(t, p.Process(context.Background(), device, pos(base, 50.000, 14.0, 30, nil)))
	require.NoError(t, p.Process(context.Background(), device, pos(base.Add(time.Minute), 50.001, 14.0, 30, nil)))
	require.NoError(t, p.Process(context.Background(), device, pos(base.Add(2*time.Minute), 50.002, 14.0, 30, nil)))

	assert.InDelta(t, 0.2224, p.OdometerKm(1), 0.01)
}

func TestOdometerMonotonicUnderGlitch(t *testing.T) {
	store := newFakeStore()
	p := newTestPipeline(store)
	device := testDevice()
	base := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, p.Process(context.Background(), device, pos(base, 50.0, 14.0, 30, nil)))
	before := p.OdometerKm(1)

	// A >500 km jump in under 5 minutes is a GPS glitch, not driving.
	require.NoError(t, p.Process(context.Background(), device, pos(base.Add(time.Minute), 40.0, 2.0, 30, nil)))
	assert.Equal(t, before, p.OdometerKm(1))

	// Normal movement afterwards accumulates again.
	require.NoError(t, p.Process(context.Background(), device, pos(base.Add(2*time.Minute), 40.001, 2.0, 30, nil)))
	assert.Greater(t, p.OdometerKm(1), before)
}

func TestTripOpensOnIgnitionAndMovement(t *testing.T) {
	store := newFakeStore()
	p := newTestPipeline(store)
	device := testDevice()
	base := time.Now().UTC().Add(-time.Hour)

	// Parked with ignition off: no trip.
	require.NoError(t, p.Process(context.Background(), device, pos(base, 50.0, 14.0, 0, boolPtr(false))))
	assert.Nil(t, store.positions[0].TripID)

	// Ignition on and moving: trip opens.
	require.NoError(t, p.Process(context.Background(), device, pos(base.Add(time.Minute), 50.001, 14.0, 20, boolPtr(true))))
	require.NotNil(t, store.positions[1].TripID)

	// Still moving: same trip.
	require.NoError(t, p.Process(context.Background(), device, pos(base.Add(2*time.Minute), 50.002, 14.0, 25, boolPtr(true))))
	assert.Equal(t, *store.positions[1].TripID, *store.positions[2].TripID)
}

func TestTripClosesOnSustainedStop(t *testing.T) {
	store := newFakeStore()
	p := newTestPipeline(store)
	device := testDevice()
	base := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, p.Process(context.Background(), device, pos(base, 50.0, 14.0, 20, boolPtr(true))))
	tripID := *store.positions[0].TripID

	// Ignition off, stopped: the stop clock starts.
	require.NoError(t, p.Process(context.Background(), device, pos(base.Add(time.Minute), 50.01, 14.0, 0, boolPtr(false))))
	// Still stopped 90 s later: trip closes.
	require.NoError(t, p.Process(context.Background(), device, pos(base.Add(time.Minute+90*time.Second), 50.01, 14.0, 0, boolPtr(false))))

	trip := store.trips[tripID]
	require.NotNil(t, trip)
	assert.False(t, trip.Open)
	assert.True(t, trip.EndTime.After(trip.StartTime))
	assert.GreaterOrEqual(t, trip.DistanceKm, 0.0)
}

func TestTripClosesOnIdleGap(t *testing.T) {
	store := newFakeStore()
	p := newTestPipeline(store)
	device := testDevice()
	base := time.Now().UTC().Add(-2 * time.Hour)

	require.NoError(t, p.Process(context.Background(), device, pos(base, 50.0, 14.0, 20, boolPtr(true))))
	tripID := *store.positions[0].TripID
	lastRun := base.Add(time.Minute)
	require.NoError(t, p.Process(context.Background(), device, pos(lastRun, 50.01, 14.0, 20, boolPtr(true))))

	// 20 minutes of silence, then a new position: the old trip is
	// closed at the last observed position of the run.
	require.NoError(t, p.Process(context.Background(), device, pos(lastRun.Add(20*time.Minute), 50.02, 14.0, 0, boolPtr(false))))

	trip := store.trips[tripID]
	require.NotNil(t, trip)
	assert.False(t, trip.Open)
	assert.True(t, trip.EndTime.Equal(lastRun))
}

func TestSustainedMovementOpensTripWithoutIgnition(t *testing.T) {
	store := newFakeStore()
	p := newTestPipeline(store)
	device := testDevice()
	base := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, p.Process(context.Background(), device, pos(base, 50.0, 14.0, 20, nil)))
	assert.Nil(t, store.positions[0].TripID)

	// 70 s of continuous movement crosses the hold threshold.
	require.NoError(t, p.Process(context.Background(), device, pos(base.Add(70*time.Second), 50.01, 14.0, 22, nil)))
	require.NotNil(t, store.positions[1].TripID)

	// The movement-start position is backfilled onto the trip.
	require.NotNil(t, store.positions[0].TripID)
	assert.Equal(t, *store.positions[1].TripID, *store.positions[0].TripID)
}

func TestAnchorCapturedOnIgnitionOff(t *testing.T) {
	store := newFakeStore()
	p := newTestPipeline(store)
	device := testDevice()
	base := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, p.Process(context.Background(), device, pos(base, 50.0, 14.0, 10, boolPtr(true))))
	assert.Nil(t, p.State(1).Anchor)

	require.NoError(t, p.Process(context.Background(), device, pos(base.Add(time.Minute), 50.001, 14.0, 0, boolPtr(false))))
	anchor := p.State(1).Anchor
	require.NotNil(t, anchor)
	assert.Equal(t, 50.001, anchor.Latitude)

	// Ignition on clears the anchor.
	require.NoError(t, p.Process(context.Background(), device, pos(base.Add(2*time.Minute), 50.002, 14.0, 5, boolPtr(true))))
	assert.Nil(t, p.State(1).Anchor)
}

func TestSinkReceivesSnapshot(t *testing.T) {
	store := newFakeStore()
	p := newTestPipeline(store)
	sink := &captureSink{}
	p.AddSink(sink)
	device := testDevice()

	require.NoError(t, p.Process(context.Background(), device,
		pos(time.Now().UTC().Add(-time.Minute), 50.0, 14.0, 10, boolPtr(true))))
	require.Len(t, sink.calls, 1)
	assert.True(t, sink.calls[0].Online)
	assert.True(t, sink.calls[0].Ignition)
}
