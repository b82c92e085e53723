// Package model defines the logical entities shared by every fleetcore
// component: devices, positions, trips, alert rules, fired alerts,
// geofences, users, notification channels and queued commands.
package model

import (
	"encoding/json"
	"time"
)

// Device is a hardware tracker known to the platform. The pair
// (Identifier, Protocol) resolves exactly one device.
type Device struct {
	ID          int64             `json:"id"`
	Identifier  string            `json:"identifier"`
	Name        string            `json:"name"`
	Protocol    string            `json:"protocol"`
	VehicleType string            `json:"vehicle_type"`
	Plate       string            `json:"plate"`
	OdometerKm  float64           `json:"odometer_km"`
	Config      map[string]string `json:"config"`
	Active      bool              `json:"active"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Timezone returns the device's configured IANA zone, or UTC when the
// config blob carries none or an invalid name.
func (d *Device) Timezone() *time.Location {
	if name, ok := d.Config["timezone"]; ok && name != "" {
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return time.UTC
}

// Position is one time-stamped geolocation sample. Positions are
// immutable once persisted; (DeviceID, Time) is unique.
type Position struct {
	ID         int64              `json:"id"`
	DeviceID   int64              `json:"device_id"`
	Time       time.Time          `json:"time"`
	Latitude   float64            `json:"latitude"`
	Longitude  float64            `json:"longitude"`
	SpeedKmh   float64            `json:"speed_kmh"`
	Course     float64            `json:"course"`
	AltitudeM  float64            `json:"altitude_m"`
	Satellites int                `json:"satellites"`
	Ignition   *bool              `json:"ignition,omitempty"`
	Sensors    map[string]float64 `json:"sensors,omitempty"`
	TripID     *int64             `json:"trip_id,omitempty"`
}

// Sensor returns the named sensor value and whether it was reported.
func (p *Position) Sensor(key string) (float64, bool) {
	if p.Sensors == nil {
		return 0, false
	}
	v, ok := p.Sensors[key]
	return v, ok
}

// Trip is a derived contiguous run of motion for one device.
type Trip struct {
	ID              int64     `json:"id"`
	DeviceID        int64     `json:"device_id"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	StartPositionID int64     `json:"start_position_id"`
	EndPositionID   int64     `json:"end_position_id"`
	DistanceKm      float64   `json:"distance_km"`
	DurationMin     float64   `json:"duration_min"`
	Open            bool      `json:"open"`
}

// DeviceState is the live, in-memory view of one device, written
// through to persistence at coarse cadence.
type DeviceState struct {
	DeviceID     int64     `json:"device_id"`
	LastPosition *Position `json:"last_position,omitempty"`
	LastSeen     time.Time `json:"last_seen"`
	Online       bool      `json:"online"`
	Ignition     bool      `json:"ignition"`
	// Anchor is the position captured at the last ignition on->off
	// transition, the reference point for towing detection.
	Anchor *Position `json:"anchor,omitempty"`
}

// RuleKind enumerates the closed set of watchable conditions.
type RuleKind string

const (
	RuleSpeeding          RuleKind = "speeding"
	RuleIdling            RuleKind = "idling"
	RuleGeofenceEnter     RuleKind = "geofence_enter"
	RuleGeofenceExit      RuleKind = "geofence_exit"
	RuleOffline           RuleKind = "offline"
	RuleTowing            RuleKind = "towing"
	RuleLowBattery        RuleKind = "low_battery"
	RuleHarshBraking      RuleKind = "harsh_braking"
	RuleHarshAcceleration RuleKind = "harsh_acceleration"
	RuleMaintenance       RuleKind = "maintenance"
	RuleCustom            RuleKind = "custom"
)

// ValidRuleKind reports whether k names a known rule kind.
func ValidRuleKind(k RuleKind) bool {
	switch k {
	case RuleSpeeding, RuleIdling, RuleGeofenceEnter, RuleGeofenceExit,
		RuleOffline, RuleTowing, RuleLowBattery, RuleHarshBraking,
		RuleHarshAcceleration, RuleMaintenance, RuleCustom:
		return true
	}
	return false
}

// Schedule gates rule firing to a weekday set and an hour window in
// the device's local time.
type Schedule struct {
	Days      []time.Weekday `json:"days"`
	HourStart int            `json:"hour_start"`
	HourEnd   int            `json:"hour_end"`
}

// Active reports whether t (already device-local) falls inside the window.
func (s *Schedule) Active(t time.Time) bool {
	if s == nil {
		return true
	}
	day := false
	for _, d := range s.Days {
		if d == t.Weekday() {
			day = true
			break
		}
	}
	if !day {
		return false
	}
	h := t.Hour()
	return h >= s.HourStart && h <= s.HourEnd
}

// AlertRule is one watchable condition attached to a device.
type AlertRule struct {
	ID       int64              `json:"id"`
	DeviceID int64              `json:"device_id"`
	UserID   int64              `json:"user_id"`
	Kind     RuleKind           `json:"kind"`
	Params   map[string]float64 `json:"params"`
	Schedule *Schedule          `json:"schedule,omitempty"`
	Channels []int64            `json:"channels"`

	// Custom-rule fields, only meaningful for RuleCustom.
	Name       string `json:"name,omitempty"`
	Expression string `json:"expression,omitempty"`

	// Geofence reference, only meaningful for geofence kinds.
	GeofenceID int64 `json:"geofence_id,omitempty"`
}

// Param returns a named parameter or the given default.
func (r *AlertRule) Param(key string, def float64) float64 {
	if v, ok := r.Params[key]; ok {
		return v
	}
	return def
}

// Severity classifies a fired alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// DefaultSeverity returns the per-kind default severity.
func DefaultSeverity(k RuleKind) Severity {
	switch k {
	case RuleTowing, RuleHarshBraking, RuleHarshAcceleration:
		return SeverityCritical
	case RuleSpeeding, RuleIdling, RuleOffline, RuleLowBattery,
		RuleGeofenceEnter, RuleGeofenceExit:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Alert is a fired alert event.
type Alert struct {
	ID        int64           `json:"id"`
	DeviceID  int64           `json:"device_id"`
	Kind      RuleKind        `json:"kind"`
	Severity  Severity        `json:"severity"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Read      bool            `json:"read"`
}

// GeofenceKind distinguishes polygon areas from polyline corridors.
type GeofenceKind string

const (
	GeofencePolygon  GeofenceKind = "polygon"
	GeofencePolyline GeofenceKind = "polyline"
)

// LatLng is one WGS-84 vertex.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Geofence is a named polygon or polyline owned by a user.
type Geofence struct {
	ID          int64        `json:"id"`
	UserID      int64        `json:"user_id"`
	Name        string       `json:"name"`
	Kind        GeofenceKind `json:"kind"`
	Points      []LatLng     `json:"points"`
	Color       string       `json:"color"`
	Description string       `json:"description,omitempty"`
	// CorridorM is the half-width of a polyline corridor in metres.
	CorridorM float64 `json:"corridor_m,omitempty"`
}

// NotificationChannel is a named dispatch target owned by a user. The
// URL scheme selects the transport (telegram://, discord://, slack://,
// mailto://, https:// webhook) and is opaque to the core.
type NotificationChannel struct {
	ID     int64  `json:"id"`
	UserID int64  `json:"user_id"`
	Name   string `json:"name"`
	URL    string `json:"url"`
}

// User owns devices (by assignment), channels and geofences.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Admin        bool      `json:"admin"`
	CreatedAt    time.Time `json:"created_at"`
}

// CommandStatus is the lifecycle state of a queued command.
// Acknowledged and failed are terminal.
type CommandStatus string

const (
	CommandPending      CommandStatus = "pending"
	CommandSent         CommandStatus = "sent"
	CommandAcknowledged CommandStatus = "acknowledged"
	CommandFailed       CommandStatus = "failed"
)

// Terminal reports whether s admits no further transitions.
func (s CommandStatus) Terminal() bool {
	return s == CommandAcknowledged || s == CommandFailed
}

// Command is a queued outbound instruction for a device.
type Command struct {
	ID             int64         `json:"id"`
	DeviceID       int64         `json:"device_id"`
	Kind           string        `json:"kind"`
	Payload        string        `json:"payload"`
	Status         CommandStatus `json:"status"`
	Retries        int           `json:"retries"`
	CorrelationKey string        `json:"correlation_key,omitempty"`
	Response       string        `json:"response,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	SentAt         *time.Time    `json:"sent_at,omitempty"`
	AckedAt        *time.Time    `json:"acked_at,omitempty"`
}
