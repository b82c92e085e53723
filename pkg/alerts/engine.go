// Package alerts evaluates the per-device rule set against every
// position, keeps the in-memory debounce state, runs the periodic
// offline sweep and dispatches fired alerts to channels and the
// broadcast hub.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/navitrack/fleetcore/internal/logger"
	"github.com/navitrack/fleetcore/pkg/alerts/expr"
	"github.com/navitrack/fleetcore/pkg/metrics"
	"github.com/navitrack/fleetcore/pkg/model"
)

// Store is the persistence surface the engine consumes.
type Store interface {
	AlertRulesForDevice(ctx context.Context, deviceID int64) ([]*model.AlertRule, error)
	GeofenceByID(ctx context.Context, id int64) (*model.Geofence, error)
	InsertAlert(ctx context.Context, a *model.Alert) (int64, error)
	UpdateRuleParams(ctx context.Context, ruleID int64, params map[string]float64) error
	ChannelsByIDs(ctx context.Context, userID int64, ids []int64) ([]*model.NotificationChannel, error)
	AllDevices(ctx context.Context) ([]*model.Device, error)
	SetDeviceOnline(ctx context.Context, deviceID int64, online bool) error
}

// Notifier is the external notification seam. Failures are the
// dispatcher's problem; the engine only logs them.
type Notifier interface {
	Dispatch(channelURL, subject, body string, severity model.Severity) error
}

// Broadcaster pushes fired alerts to connected dashboards.
type Broadcaster interface {
	BroadcastAlert(deviceID int64, alert *model.Alert)
}

// LiveState exposes the pipeline's per-device snapshots to the sweep.
type LiveState interface {
	State(deviceID int64) model.DeviceState
	MarkOffline(deviceID int64)
	OdometerKm(deviceID int64) float64
	CloseStaleTrips(ctx context.Context, now time.Time)
}

// ruleState is the in-memory per-(device, rule) evaluation state.
// Startup primes everything to not-firing.
type ruleState struct {
	episodeStart *time.Time
	fired        bool
	// inside is the primed geofence membership; nil until the first
	// evaluation after engine start.
	inside *bool
	// compiled caches the custom expression keyed by its source.
	compiled     expr.Node
	compiledText string
	broken       bool
}

// Engine evaluates rules. One instance serves every device; state is
// keyed by (device, rule).
type Engine struct {
	store    Store
	notifier Notifier
	hub      Broadcaster
	live     LiveState
	log      *logger.Logger
	metrics  *metrics.Metrics
	sweepIvl time.Duration

	mu        sync.Mutex
	states    map[int64]map[int64]*ruleState // device id -> rule id -> state
	prevPos   map[int64]*model.Position      // harsh-rule window
	ruleCache map[int64]*cachedRules

	geoMu  sync.Mutex
	geoMap map[int64]*model.Geofence
}

type cachedRules struct {
	rules   []*model.AlertRule
	fetched time.Time
}

// ruleCacheTTL bounds staleness of rule edits against per-position
// database load.
const ruleCacheTTL = 30 * time.Second

// New creates an alert engine.
func New(store Store, notifier Notifier, hub Broadcaster, live LiveState,
	sweepInterval time.Duration, log *logger.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		store:     store,
		notifier:  notifier,
		hub:       hub,
		live:      live,
		log:       log.WithComponent("alerts"),
		metrics:   m,
		sweepIvl:  sweepInterval,
		states:    make(map[int64]map[int64]*ruleState),
		prevPos:   make(map[int64]*model.Position),
		ruleCache: make(map[int64]*cachedRules),
		geoMap:    make(map[int64]*model.Geofence),
	}
}

// PositionStored implements pipeline.Sink: evaluate every rule for
// the device against the new position.
func (e *Engine) PositionStored(device *model.Device, pos *model.Position, state model.DeviceState) {
	ctx := context.Background()
	rules, err := e.rulesFor(ctx, device.ID)
	if err != nil {
		e.log.Error("rule fetch failed", err, "device_id", device.ID)
		return
	}

	e.mu.Lock()
	prev := e.prevPos[device.ID]
	e.prevPos[device.ID] = pos
	e.mu.Unlock()

	for _, rule := range rules {
		if rule.Kind == model.RuleOffline {
			continue // sweep-evaluated
		}
		e.evaluate(ctx, device, rule, pos, prev, state)
	}
}

// Forget drops a deleted device's evaluation state.
func (e *Engine) Forget(deviceID int64) {
	e.mu.Lock()
	delete(e.states, deviceID)
	delete(e.prevPos, deviceID)
	delete(e.ruleCache, deviceID)
	e.mu.Unlock()
}

// InvalidateRules drops the cached rule list after a config edit.
func (e *Engine) InvalidateRules(deviceID int64) {
	e.mu.Lock()
	delete(e.ruleCache, deviceID)
	e.mu.Unlock()
}

// ValidateRule rejects malformed rules at creation time: unknown
// kinds and custom expressions outside the grammar.
func ValidateRule(r *model.AlertRule) error {
	if !model.ValidRuleKind(r.Kind) {
		return fmt.Errorf("unknown rule kind %q", r.Kind)
	}
	if r.Kind == model.RuleCustom {
		if r.Expression == "" {
			return fmt.Errorf("custom rule requires an expression")
		}
		if err := expr.Validate(r.Expression); err != nil {
			return fmt.Errorf("invalid expression: %w", err)
		}
	}
	if (r.Kind == model.RuleGeofenceEnter || r.Kind == model.RuleGeofenceExit) && r.GeofenceID == 0 {
		return fmt.Errorf("%s rule requires a geofence", r.Kind)
	}
	return nil
}

// AcknowledgeMaintenance bumps the rule's next service threshold by
// the configured interval and re-arms the episode.
func (e *Engine) AcknowledgeMaintenance(ctx context.Context, rule *model.AlertRule) error {
	interval := rule.Param("service_interval_km", 10000)
	next := rule.Param("next_service_km", 0) + interval
	rule.Params["next_service_km"] = next
	if err := e.store.UpdateRuleParams(ctx, rule.ID, rule.Params); err != nil {
		return fmt.Errorf("bump maintenance threshold: %w", err)
	}
	st := e.state(rule.DeviceID, rule.ID)
	e.mu.Lock()
	st.fired = false
	e.mu.Unlock()
	e.InvalidateRules(rule.DeviceID)
	return nil
}

// RunSweep evaluates offline rules and closes stale trips every sweep
// interval until the context is cancelled.
func (e *Engine) RunSweep(ctx context.Context) {
	ticker := time.NewTicker(e.sweepIvl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.sweep(ctx, now.UTC())
			e.live.CloseStaleTrips(ctx, now.UTC())
		}
	}
}

// sweep walks every device's offline rules.
func (e *Engine) sweep(ctx context.Context, now time.Time) {
	devices, err := e.store.AllDevices(ctx)
	if err != nil {
		e.log.Error("offline sweep device list failed", err)
		return
	}
	for _, device := range devices {
		rules, err := e.rulesFor(ctx, device.ID)
		if err != nil {
			continue
		}
		state := e.live.State(device.ID)
		for _, rule := range rules {
			if rule.Kind != model.RuleOffline {
				continue
			}
			e.evaluateOffline(ctx, device, rule, state, now)
		}
	}
}

func (e *Engine) evaluateOffline(ctx context.Context, device *model.Device,
	rule *model.AlertRule, state model.DeviceState, now time.Time) {

	threshold := time.Duration(rule.Param("threshold_hours", 24) * float64(time.Hour))
	st := e.state(device.ID, rule.ID)

	offline := !state.LastSeen.IsZero() && now.Sub(state.LastSeen) > threshold

	e.mu.Lock()
	fired := st.fired
	if !offline {
		// Device contact clears the episode so a later outage
		// re-fires.
		st.fired = false
	}
	e.mu.Unlock()

	if !offline || fired {
		return
	}
	e.mu.Lock()
	st.fired = true
	e.mu.Unlock()

	e.live.MarkOffline(device.ID)
	if err := e.store.SetDeviceOnline(ctx, device.ID, false); err != nil {
		e.log.Warn("offline flag write failed", "device_id", device.ID, "error", err)
	}

	if !e.scheduleOpen(rule, device, now) {
		return
	}
	e.fire(ctx, device, rule, fmt.Sprintf("%s has been offline for more than %s",
		deviceName(device), threshold), nil)
}

// evaluate dispatches one position-driven rule.
func (e *Engine) evaluate(ctx context.Context, device *model.Device, rule *model.AlertRule,
	pos *model.Position, prev *model.Position, state model.DeviceState) {

	st := e.state(device.ID, rule.ID)

	var firing bool
	var message string
	switch rule.Kind {
	case model.RuleSpeeding:
		threshold := rule.Param("threshold_kmh", 90)
		dur := time.Duration(rule.Param("duration_s", 0) * float64(time.Second))
		firing = e.debounce(st, pos.SpeedKmh > threshold, pos.Time, dur)
		message = fmt.Sprintf("%s exceeded %.0f km/h (at %.0f km/h)",
			deviceName(device), threshold, pos.SpeedKmh)

	case model.RuleIdling:
		dur := time.Duration(rule.Param("duration_s", 300) * float64(time.Second))
		cond := pos.Ignition != nil && *pos.Ignition && pos.SpeedKmh < 3
		firing = e.debounce(st, cond, pos.Time, dur)
		message = fmt.Sprintf("%s idling with engine running", deviceName(device))

	case model.RuleGeofenceEnter, model.RuleGeofenceExit:
		firing, message = e.evaluateGeofence(ctx, device, rule, pos, st)

	case model.RuleTowing:
		firing, message = e.evaluateTowing(device, rule, pos, state, st)

	case model.RuleLowBattery:
		threshold := rule.Param("threshold_v", 11.5)
		dur := time.Duration(rule.Param("duration_s", 0) * float64(time.Second))
		v, ok := pos.Sensor("battery_voltage")
		firing = e.debounce(st, ok && v < threshold, pos.Time, dur)
		message = fmt.Sprintf("%s battery low: %.2f V", deviceName(device), v)

	case model.RuleHarshBraking, model.RuleHarshAcceleration:
		firing, message = e.evaluateHarsh(device, rule, pos, prev)

	case model.RuleMaintenance:
		next := rule.Param("next_service_km", 0)
		odometer := e.live.OdometerKm(device.ID)
		firing = e.fireOnce(st, next > 0 && odometer >= next)
		message = fmt.Sprintf("%s due for service: odometer %.0f km (threshold %.0f km)",
			deviceName(device), odometer, next)

	case model.RuleCustom:
		firing, message = e.evaluateCustom(device, rule, pos, st)
	}

	if !firing {
		return
	}
	if !e.scheduleOpen(rule, device, pos.Time) {
		return
	}

	var meta json.RawMessage
	if rule.Kind == model.RuleCustom {
		meta, _ = json.Marshal(map[string]interface{}{"rule_id": rule.ID, "rule_name": rule.Name})
	}
	e.fire(ctx, device, rule, message, meta)
}

// debounce applies episode semantics: the condition must hold
// continuously for dur before firing, the episode fires at most once,
// and a clear re-arms it.
func (e *Engine) debounce(st *ruleState, cond bool, at time.Time, dur time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !cond {
		st.episodeStart = nil
		st.fired = false
		return false
	}
	if st.fired {
		return false
	}
	if st.episodeStart == nil {
		t := at
		st.episodeStart = &t
	}
	if at.Sub(*st.episodeStart) >= dur {
		st.fired = true
		return true
	}
	return false
}

// fireOnce fires on condition entry and re-arms on clear.
func (e *Engine) fireOnce(st *ruleState, cond bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !cond {
		st.fired = false
		return false
	}
	if st.fired {
		return false
	}
	st.fired = true
	return true
}

// state returns the per-(device, rule) record, creating it primed to
// not-firing.
func (e *Engine) state(deviceID, ruleID int64) *ruleState {
	e.mu.Lock()
	defer e.mu.Unlock()
	byRule, ok := e.states[deviceID]
	if !ok {
		byRule = make(map[int64]*ruleState)
		e.states[deviceID] = byRule
	}
	st, ok := byRule[ruleID]
	if !ok {
		st = &ruleState{}
		byRule[ruleID] = st
	}
	return st
}

// scheduleOpen gates a firing attempt by the rule's schedule window in
// device-local time.
func (e *Engine) scheduleOpen(rule *model.AlertRule, device *model.Device, at time.Time) bool {
	if rule.Schedule == nil {
		return true
	}
	return rule.Schedule.Active(at.In(device.Timezone()))
}

// rulesFor returns the device's rules through a short-lived cache.
func (e *Engine) rulesFor(ctx context.Context, deviceID int64) ([]*model.AlertRule, error) {
	e.mu.Lock()
	cached, ok := e.ruleCache[deviceID]
	e.mu.Unlock()
	if ok && time.Since(cached.fetched) < ruleCacheTTL {
		return cached.rules, nil
	}
	rules, err := e.store.AlertRulesForDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.ruleCache[deviceID] = &cachedRules{rules: rules, fetched: time.Now()}
	e.mu.Unlock()
	return rules, nil
}

// fire persists the alert, pushes it to dashboards and dispatches the
// rule's channels.
func (e *Engine) fire(ctx context.Context, device *model.Device, rule *model.AlertRule,
	message string, meta json.RawMessage) {

	alert := &model.Alert{
		DeviceID:  device.ID,
		Kind:      rule.Kind,
		Severity:  model.DefaultSeverity(rule.Kind),
		Message:   message,
		Metadata:  meta,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := e.store.InsertAlert(ctx, alert); err != nil {
		e.log.Error("alert insert failed", err, "device_id", device.ID, "kind", rule.Kind)
		return
	}
	e.metrics.AlertsFired.WithLabelValues(string(rule.Kind)).Inc()
	e.log.Info("alert fired", "device_id", device.ID, "kind", rule.Kind, "message", message)

	e.hub.BroadcastAlert(device.ID, alert)

	channels, err := e.store.ChannelsByIDs(ctx, rule.UserID, rule.Channels)
	if err != nil {
		e.log.Error("channel resolution failed", err, "rule_id", rule.ID)
		return
	}
	subject := fmt.Sprintf("[%s] %s", alert.Severity, deviceName(device))
	for _, ch := range channels {
		if err := e.notifier.Dispatch(ch.URL, subject, message, alert.Severity); err != nil {
			e.log.Warn("notification dispatch failed",
				"channel", ch.Name, "rule_id", rule.ID, "error", err)
		}
	}
}

func deviceName(d *model.Device) string {
	if d.Name != "" {
		return d.Name
	}
	return d.Identifier
}
