// Package pipeline normalizes incoming positions: clock sanity,
// de-duplication, odometer accumulation, trip segmentation, the
// towing anchor, persistence and the hand-off to the alert engine and
// broadcast hub.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/navitrack/fleetcore/internal/logger"
	"github.com/navitrack/fleetcore/pkg/config"
	"github.com/navitrack/fleetcore/pkg/geo"
	"github.com/navitrack/fleetcore/pkg/metrics"
	"github.com/navitrack/fleetcore/pkg/model"
	"github.com/navitrack/fleetcore/pkg/storage"
)

// Store is the persistence surface the pipeline consumes.
type Store interface {
	InsertPosition(ctx context.Context, p *model.Position) (int64, error)
	LastPosition(ctx context.Context, deviceID int64) (*model.Position, error)
	OpenTrip(ctx context.Context, t *model.Trip) (int64, error)
	CloseTrip(ctx context.Context, t *model.Trip) error
	OpenTripForDevice(ctx context.Context, deviceID int64) (*model.Trip, error)
	UpdatePositionTrip(ctx context.Context, positionID, tripID int64) error
	WriteDeviceState(ctx context.Context, st *model.DeviceState, odometerKm float64) error
}

// Sink receives positions after successful persistence. The alert
// engine is called synchronously; the hub asynchronously.
type Sink interface {
	PositionStored(device *model.Device, pos *model.Position, state model.DeviceState)
}

// Dropped-position reasons.
var (
	ErrClockDrift = errors.New("timestamp outside accepted window")
	ErrDuplicate  = errors.New("duplicate position")
)

// deviceTrack is the single-writer per-device live record.
type deviceTrack struct {
	mu sync.Mutex

	state    model.DeviceState
	odometer float64
	trip     *model.Trip
	tripDist float64

	// moveStart anchors the sustained-movement detector when ignition
	// is unknown; stopStart anchors the sustained-stop detector.
	moveStart    *model.Position
	stopStart    *time.Time
	prevPosition *model.Position
	loaded       bool
}

// Pipeline owns per-device live state and processes positions in
// arrival order per device.
type Pipeline struct {
	store   Store
	cfg     config.PipelineConfig
	log     *logger.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	tracks map[int64]*deviceTrack

	sinks   []Sink
	sinksMu sync.RWMutex
}

// New creates a pipeline.
func New(store Store, cfg config.PipelineConfig, log *logger.Logger, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		store:   store,
		cfg:     cfg,
		log:     log.WithComponent("pipeline"),
		metrics: m,
		tracks:  make(map[int64]*deviceTrack),
	}
}

// AddSink registers a post-persistence consumer.
func (p *Pipeline) AddSink(s Sink) {
	p.sinksMu.Lock()
	defer p.sinksMu.Unlock()
	p.sinks = append(p.sinks, s)
}

// Process runs one position through the pipeline. Persistence failure
// aborts the hand-off and is returned to the caller as retryable.
func (p *Pipeline) Process(ctx context.Context, device *model.Device, pos *model.Position) error {
	pos.DeviceID = device.ID
	pos.Time = pos.Time.UTC()

	now := time.Now().UTC()
	if pos.Time.After(now.Add(p.cfg.MaxFutureDrift)) || pos.Time.Before(now.Add(-p.cfg.MaxPastDrift)) {
		p.metrics.PositionsDenied.WithLabelValues("clock_drift").Inc()
		p.log.Warn("position rejected for clock drift",
			"device_id", device.ID, "time", pos.Time)
		return ErrClockDrift
	}

	track := p.track(device.ID)
	track.mu.Lock()
	defer track.mu.Unlock()

	if err := p.ensureLoaded(ctx, device, track); err != nil {
		return err
	}

	// De-duplication: arrival order is preserved, so the common case
	// is a resend of the in-memory previous position; the unique
	// index backstops the rest.
	if track.prevPosition != nil && track.prevPosition.Time.Equal(pos.Time) {
		p.metrics.PositionsDenied.WithLabelValues("duplicate").Inc()
		return ErrDuplicate
	}

	p.accumulateOdometer(device, track, pos)

	// An idle gap closes the previous run before this position is
	// considered; the trip ends at the last observed position.
	if track.trip != nil && track.prevPosition != nil &&
		pos.Time.Sub(track.prevPosition.Time) > p.cfg.TripIdleGap {
		if err := p.closeTrip(ctx, track, track.prevPosition); err != nil {
			return err
		}
	}
	if track.trip != nil {
		id := track.trip.ID
		pos.TripID = &id
	} else {
		pos.TripID = nil
	}
	p.updateAnchor(track, pos)

	if _, err := p.store.InsertPosition(ctx, pos); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			p.metrics.PositionsDenied.WithLabelValues("duplicate").Inc()
			return ErrDuplicate
		}
		return fmt.Errorf("persist position: %w", err)
	}
	p.metrics.PositionsStored.Inc()

	if track.trip != nil && track.prevPosition != nil {
		track.tripDist += geo.HaversineKm(
			track.prevPosition.Latitude, track.prevPosition.Longitude,
			pos.Latitude, pos.Longitude)
	}

	// Open/close decisions run after persistence so trip rows can
	// reference real position ids.
	if track.trip == nil {
		p.maybeOpenTrip(ctx, track, pos)
	} else {
		p.maybeCloseTrip(ctx, track, pos)
	}

	track.prevPosition = pos
	track.state.LastPosition = pos
	track.state.LastSeen = now
	track.state.Online = true
	if pos.Ignition != nil {
		track.state.Ignition = *pos.Ignition
	}

	if err := p.store.WriteDeviceState(ctx, &track.state, track.odometer); err != nil {
		// Live state write-through is coarse; the next position
		// repairs it.
		p.log.Warn("device state write failed", "device_id", device.ID, "error", err)
	}

	snapshot := track.state
	p.sinksMu.RLock()
	sinks := p.sinks
	p.sinksMu.RUnlock()
	for _, s := range sinks {
		s.PositionStored(device, pos, snapshot)
	}
	return nil
}

// Touch updates last-seen without a position (heartbeats, logins).
func (p *Pipeline) Touch(deviceID int64) {
	track := p.track(deviceID)
	track.mu.Lock()
	track.state.DeviceID = deviceID
	track.state.LastSeen = time.Now().UTC()
	track.state.Online = true
	track.mu.Unlock()
}

// State returns a consistent snapshot of the device's live state.
func (p *Pipeline) State(deviceID int64) model.DeviceState {
	track := p.track(deviceID)
	track.mu.Lock()
	defer track.mu.Unlock()
	return track.state
}

// OdometerKm returns the device's running odometer.
func (p *Pipeline) OdometerKm(deviceID int64) float64 {
	track := p.track(deviceID)
	track.mu.Lock()
	defer track.mu.Unlock()
	return track.odometer
}

// MarkOffline flips the in-memory online flag, used by the offline
// sweep when the threshold is crossed.
func (p *Pipeline) MarkOffline(deviceID int64) {
	track := p.track(deviceID)
	track.mu.Lock()
	track.state.Online = false
	track.mu.Unlock()
}

// Forget drops a deleted device's live state.
func (p *Pipeline) Forget(deviceID int64) {
	p.mu.Lock()
	delete(p.tracks, deviceID)
	p.mu.Unlock()
}

// CloseStaleTrips closes open trips whose last position is older than
// the idle gap. Called from the periodic sweep.
func (p *Pipeline) CloseStaleTrips(ctx context.Context, now time.Time) {
	p.mu.RLock()
	ids := make([]int64, 0, len(p.tracks))
	for id := range p.tracks {
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	for _, id := range ids {
		track := p.track(id)
		track.mu.Lock()
		if track.trip != nil && track.prevPosition != nil &&
			now.Sub(track.prevPosition.Time) > p.cfg.TripIdleGap {
			if err := p.closeTrip(ctx, track, track.prevPosition); err != nil {
				p.log.Warn("stale trip close failed", "device_id", id, "error", err)
			}
		}
		track.mu.Unlock()
	}
}

func (p *Pipeline) track(deviceID int64) *deviceTrack {
	p.mu.RLock()
	t, ok := p.tracks[deviceID]
	p.mu.RUnlock()
	if ok {
		return t
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok = p.tracks[deviceID]; ok {
		return t
	}
	t = &deviceTrack{state: model.DeviceState{DeviceID: deviceID}}
	p.tracks[deviceID] = t
	return t
}

// ensureLoaded primes a fresh track from persistence: odometer, last
// position and any trip left open across a restart.
func (p *Pipeline) ensureLoaded(ctx context.Context, device *model.Device, track *deviceTrack) error {
	if track.loaded {
		return nil
	}
	track.state.DeviceID = device.ID
	track.odometer = device.OdometerKm

	last, err := p.store.LastPosition(ctx, device.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load last position: %w", err)
	}
	if last != nil {
		track.prevPosition = last
		track.state.LastPosition = last
		track.state.LastSeen = last.Time
		if last.Ignition != nil {
			track.state.Ignition = *last.Ignition
		}
	}

	trip, err := p.store.OpenTripForDevice(ctx, device.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load open trip: %w", err)
	}
	if trip != nil {
		track.trip = trip
		track.tripDist = trip.DistanceKm
	}
	track.loaded = true
	return nil
}

// accumulateOdometer adds the great-circle delta from the previous
// position, unless the jump looks like a GPS glitch.
func (p *Pipeline) accumulateOdometer(device *model.Device, track *deviceTrack, pos *model.Position) {
	prev := track.prevPosition
	if prev == nil {
		return
	}
	elapsed := pos.Time.Sub(prev.Time)
	if elapsed <= 0 || elapsed > p.cfg.OdometerWindow {
		return
	}
	d := geo.HaversineKm(prev.Latitude, prev.Longitude, pos.Latitude, pos.Longitude)
	if d > p.cfg.JumpThresholdKm && elapsed < p.cfg.JumpWindow {
		p.log.Warn("odometer jump suppressed",
			"device_id", device.ID,
			"distance_km", d,
			"elapsed_s", elapsed.Seconds())
		return
	}
	track.odometer += d
}

// maybeOpenTrip applies the open rules to a freshly persisted
// position: ignition-on with movement opens immediately; with
// ignition unknown, movement must be sustained, and the trip then
// starts retroactively at the movement-start position.
func (p *Pipeline) maybeOpenTrip(ctx context.Context, track *deviceTrack, pos *model.Position) {
	switch {
	case pos.Ignition != nil:
		track.moveStart = nil
		if *pos.Ignition && pos.SpeedKmh > 0 {
			p.openTrip(ctx, track, pos)
			p.backfillTrip(ctx, track, pos)
		}
	case pos.SpeedKmh > p.cfg.TripMoveSpeedKmh:
		if track.moveStart == nil {
			track.moveStart = pos
			return
		}
		if pos.Time.Sub(track.moveStart.Time) >= p.cfg.TripMoveHold {
			start := track.moveStart
			track.moveStart = nil
			p.openTrip(ctx, track, start)
			p.backfillTrip(ctx, track, start)
			p.backfillTrip(ctx, track, pos)
		}
	default:
		track.moveStart = nil
	}
}

// backfillTrip stamps an already-persisted position with the newly
// opened trip.
func (p *Pipeline) backfillTrip(ctx context.Context, track *deviceTrack, pos *model.Position) {
	if track.trip == nil || pos.ID == 0 {
		return
	}
	id := track.trip.ID
	pos.TripID = &id
	if err := p.store.UpdatePositionTrip(ctx, pos.ID, id); err != nil {
		p.log.Warn("trip backfill failed", "position_id", pos.ID, "error", err)
	}
}

func (p *Pipeline) maybeCloseTrip(ctx context.Context, track *deviceTrack, pos *model.Position) {
	ignitionOff := pos.Ignition != nil && !*pos.Ignition
	stopped := pos.SpeedKmh == 0

	if ignitionOff && stopped {
		if track.stopStart == nil {
			t := pos.Time
			track.stopStart = &t
			return
		}
		if pos.Time.Sub(*track.stopStart) >= p.cfg.TripStopHold {
			if err := p.closeTrip(ctx, track, pos); err != nil {
				p.log.Warn("trip close failed", "device_id", track.state.DeviceID, "error", err)
			}
		}
		return
	}
	track.stopStart = nil
}

func (p *Pipeline) openTrip(ctx context.Context, track *deviceTrack, start *model.Position) {
	trip := &model.Trip{
		DeviceID:        track.state.DeviceID,
		StartTime:       start.Time,
		StartPositionID: start.ID,
		Open:            true,
	}
	if _, err := p.store.OpenTrip(ctx, trip); err != nil {
		p.log.Warn("trip open failed", "device_id", track.state.DeviceID, "error", err)
		return
	}
	track.trip = trip
	track.tripDist = 0
	track.stopStart = nil
	p.metrics.TripsOpened.Inc()
}

func (p *Pipeline) closeTrip(ctx context.Context, track *deviceTrack, end *model.Position) error {
	trip := track.trip
	trip.EndTime = end.Time
	trip.EndPositionID = end.ID
	trip.DistanceKm = track.tripDist
	trip.DurationMin = end.Time.Sub(trip.StartTime).Minutes()
	trip.Open = false
	if err := p.store.CloseTrip(ctx, trip); err != nil {
		return fmt.Errorf("close trip: %w", err)
	}
	track.trip = nil
	track.tripDist = 0
	track.stopStart = nil
	return nil
}

// updateAnchor captures the towing anchor on the ignition on->off
// edge.
func (p *Pipeline) updateAnchor(track *deviceTrack, pos *model.Position) {
	if pos.Ignition == nil {
		return
	}
	if track.state.Ignition && !*pos.Ignition {
		track.state.Anchor = pos
	}
	if *pos.Ignition {
		track.state.Anchor = nil
	}
}
