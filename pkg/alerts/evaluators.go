package alerts

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/navitrack/fleetcore/pkg/alerts/expr"
	"github.com/navitrack/fleetcore/pkg/geo"
	"github.com/navitrack/fleetcore/pkg/model"
)

// harshWindow is the maximum spacing between the two positions a
// harsh-driving rule compares.
const harshWindow = 30 * time.Second

// evaluateGeofence fires on membership transitions only. The first
// evaluation after engine start primes without firing.
func (e *Engine) evaluateGeofence(ctx context.Context, device *model.Device,
	rule *model.AlertRule, pos *model.Position, st *ruleState) (bool, string) {

	fence, err := e.geofence(ctx, rule.GeofenceID)
	if err != nil {
		e.log.Warn("geofence fetch failed", "rule_id", rule.ID, "error", err)
		return false, ""
	}

	inside := containsPosition(fence, pos)

	e.mu.Lock()
	prev := st.inside
	st.inside = &inside
	e.mu.Unlock()

	if prev == nil {
		return false, "" // prime
	}
	if *prev == inside {
		return false, ""
	}

	entered := inside
	if rule.Kind == model.RuleGeofenceEnter && entered {
		return true, fmt.Sprintf("%s entered %s", deviceName(device), fence.Name)
	}
	if rule.Kind == model.RuleGeofenceExit && !entered {
		return true, fmt.Sprintf("%s left %s", deviceName(device), fence.Name)
	}
	return false, ""
}

// containsPosition tests polygon membership or polyline corridor
// distance depending on the geofence kind.
func containsPosition(fence *model.Geofence, pos *model.Position) bool {
	points := make([]geo.Point, len(fence.Points))
	for i, p := range fence.Points {
		points[i] = geo.Point{Lat: p.Lat, Lng: p.Lng}
	}
	here := geo.Point{Lat: pos.Latitude, Lng: pos.Longitude}

	if fence.Kind == model.GeofencePolyline {
		corridor := fence.CorridorM
		if corridor <= 0 {
			corridor = 50
		}
		return geo.PolylineDistanceM(points, here) <= corridor
	}
	return geo.PolygonContains(points, here)
}

// evaluateTowing fires when the vehicle moves away from the
// ignition-off anchor with the ignition still off. Ignition on clears
// the episode.
func (e *Engine) evaluateTowing(device *model.Device, rule *model.AlertRule,
	pos *model.Position, state model.DeviceState, st *ruleState) (bool, string) {

	threshold := rule.Param("threshold_m", 100)

	if pos.Ignition != nil && *pos.Ignition {
		// Only ignition-on ends a towing episode.
		e.mu.Lock()
		st.fired = false
		e.mu.Unlock()
		return false, ""
	}
	if pos.Ignition == nil || state.Anchor == nil {
		return false, ""
	}

	dist := geo.HaversineM(state.Anchor.Latitude, state.Anchor.Longitude,
		pos.Latitude, pos.Longitude)
	if dist <= threshold {
		return false, ""
	}
	e.mu.Lock()
	fired := st.fired
	st.fired = true
	e.mu.Unlock()
	if fired {
		return false, ""
	}
	return true, fmt.Sprintf("%s moved %.0f m with ignition off (possible towing)",
		deviceName(device), dist)
}

// evaluateHarsh compares the speed delta of two consecutive positions
// less than harshWindow apart against the m/s^2 threshold.
func (e *Engine) evaluateHarsh(device *model.Device, rule *model.AlertRule,
	pos *model.Position, prev *model.Position) (bool, string) {

	if prev == nil {
		return false, ""
	}
	elapsed := pos.Time.Sub(prev.Time)
	if elapsed <= 0 || elapsed >= harshWindow {
		return false, ""
	}
	// km/h -> m/s over elapsed seconds.
	deltaMs := (pos.SpeedKmh - prev.SpeedKmh) / 3.6
	accel := deltaMs / elapsed.Seconds()
	threshold := rule.Param("threshold_ms2", 4)

	if rule.Kind == model.RuleHarshBraking && accel < 0 && math.Abs(accel) > threshold {
		return true, fmt.Sprintf("%s harsh braking: %.1f m/s²", deviceName(device), accel)
	}
	if rule.Kind == model.RuleHarshAcceleration && accel > threshold {
		return true, fmt.Sprintf("%s harsh acceleration: %.1f m/s²", deviceName(device), accel)
	}
	return false, ""
}

// evaluateCustom compiles the expression on first use (and after
// edits) and evaluates it against the position context. A broken
// expression disables the rule for the current position only.
func (e *Engine) evaluateCustom(device *model.Device, rule *model.AlertRule,
	pos *model.Position, st *ruleState) (bool, string) {

	e.mu.Lock()
	if st.compiledText != rule.Expression {
		node, err := expr.Parse(rule.Expression)
		st.compiledText = rule.Expression
		st.compiled = node
		st.broken = err != nil
		if err != nil {
			e.mu.Unlock()
			e.log.Warn("custom rule expression rejected",
				"device_id", device.ID, "rule_id", rule.ID, "error", err)
			return false, ""
		}
	}
	if st.broken || st.compiled == nil {
		e.mu.Unlock()
		return false, ""
	}
	node := st.compiled
	e.mu.Unlock()

	cond := expr.Eval(node, positionContext(pos))
	dur := time.Duration(rule.Param("duration_s", 0) * float64(time.Second))
	firing := e.debounce(st, cond, pos.Time, dur)

	name := rule.Name
	if name == "" {
		name = "custom rule"
	}
	return firing, fmt.Sprintf("%s: %s", deviceName(device), name)
}

// positionContext exposes speed, ignition, satellites, altitude and
// every sensor key by bare name.
func positionContext(pos *model.Position) expr.Context {
	ctx := expr.MapContext{
		"speed":      pos.SpeedKmh,
		"satellites": float64(pos.Satellites),
		"altitude":   pos.AltitudeM,
	}
	if pos.Ignition != nil {
		if *pos.Ignition {
			ctx["ignition"] = 1
		} else {
			ctx["ignition"] = 0
		}
	}
	for k, v := range pos.Sensors {
		ctx[k] = v
	}
	return ctx
}

// geofence resolves through a process-lifetime cache; geofence
// geometry edits are rare and picked up on restart.
func (e *Engine) geofence(ctx context.Context, id int64) (*model.Geofence, error) {
	e.geoMu.Lock()
	fence, ok := e.geoMap[id]
	e.geoMu.Unlock()
	if ok {
		return fence, nil
	}
	fence, err := e.store.GeofenceByID(ctx, id)
	if err != nil {
		return nil, err
	}
	e.geoMu.Lock()
	e.geoMap[id] = fence
	e.geoMu.Unlock()
	return fence, nil
}
