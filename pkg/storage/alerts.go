package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
	"github.com/navitrack/fleetcore/pkg/model"
)

// AlertRulesForDevice lists the rules attached to one device.
func (s *Store) AlertRulesForDevice(ctx context.Context, deviceID int64) ([]*model.AlertRule, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, device_id, user_id, kind, params, schedule, channels,
		       name, expression, COALESCE(geofence_id, 0)
		FROM alert_rules WHERE device_id = $1 ORDER BY id`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list alert rules: %w", err)
	}
	defer rows.Close()

	var rules []*model.AlertRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// CreateAlertRule inserts a rule and returns its id.
func (s *Store) CreateAlertRule(ctx context.Context, r *model.AlertRule) (int64, error) {
	params, err := json.Marshal(r.Params)
	if err != nil {
		return 0, fmt.Errorf("failed to encode rule params: %w", err)
	}
	channels, err := json.Marshal(r.Channels)
	if err != nil {
		return 0, fmt.Errorf("failed to encode rule channels: %w", err)
	}
	var schedule interface{}
	if r.Schedule != nil {
		data, err := json.Marshal(r.Schedule)
		if err != nil {
			return 0, fmt.Errorf("failed to encode rule schedule: %w", err)
		}
		schedule = data
	}
	var geofence interface{}
	if r.GeofenceID != 0 {
		geofence = r.GeofenceID
	}

	var id int64
	err = s.conn.QueryRowContext(ctx, `
		INSERT INTO alert_rules (device_id, user_id, kind, params, schedule,
		                         channels, name, expression, geofence_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		r.DeviceID, r.UserID, r.Kind, params, schedule, channels,
		r.Name, r.Expression, geofence).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create alert rule: %w", err)
	}
	return id, nil
}

// UpdateRuleParams rewrites a rule's parameter blob, used by the
// maintenance rule to bump the next service threshold.
func (s *Store) UpdateRuleParams(ctx context.Context, ruleID int64, params map[string]float64) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode rule params: %w", err)
	}
	_, err = s.conn.ExecContext(ctx,
		`UPDATE alert_rules SET params = $2 WHERE id = $1`, ruleID, data)
	if err != nil {
		return fmt.Errorf("failed to update rule params: %w", err)
	}
	return nil
}

// InsertAlert persists a fired alert and returns its id.
func (s *Store) InsertAlert(ctx context.Context, a *model.Alert) (int64, error) {
	var id int64
	err := s.conn.QueryRowContext(ctx, `
		INSERT INTO alerts (device_id, kind, severity, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		a.DeviceID, a.Kind, a.Severity, a.Message, nullableJSON(a.Metadata),
		a.CreatedAt.UTC()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert alert: %w", err)
	}
	a.ID = id
	return id, nil
}

// AlertsForDevice lists recent alerts, newest first.
func (s *Store) AlertsForDevice(ctx context.Context, deviceID int64, limit int) ([]*model.Alert, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, device_id, kind, severity, message, metadata, created_at, read
		FROM alerts WHERE device_id = $1
		ORDER BY created_at DESC LIMIT $2`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*model.Alert
	for rows.Next() {
		var a model.Alert
		var meta []byte
		if err := rows.Scan(&a.ID, &a.DeviceID, &a.Kind, &a.Severity,
			&a.Message, &meta, &a.CreatedAt, &a.Read); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.Metadata = meta
		a.CreatedAt = a.CreatedAt.UTC()
		alerts = append(alerts, &a)
	}
	return alerts, rows.Err()
}

// MarkAlertRead flips the read flag.
func (s *Store) MarkAlertRead(ctx context.Context, alertID int64) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE alerts SET read = TRUE WHERE id = $1`, alertID)
	if err != nil {
		return fmt.Errorf("failed to mark alert read: %w", err)
	}
	return nil
}

// GeofenceByID fetches one geofence.
func (s *Store) GeofenceByID(ctx context.Context, id int64) (*model.Geofence, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, user_id, name, kind, points, color,
		       COALESCE(description, ''), corridor_m
		FROM geofences WHERE id = $1`, id)

	var g model.Geofence
	var points []byte
	err := row.Scan(&g.ID, &g.UserID, &g.Name, &g.Kind, &points,
		&g.Color, &g.Description, &g.CorridorM)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan geofence: %w", err)
	}
	if err := json.Unmarshal(points, &g.Points); err != nil {
		return nil, fmt.Errorf("failed to decode geofence points: %w", err)
	}
	return &g, nil
}

// CreateGeofence inserts a geofence and returns its id.
func (s *Store) CreateGeofence(ctx context.Context, g *model.Geofence) (int64, error) {
	points, err := json.Marshal(g.Points)
	if err != nil {
		return 0, fmt.Errorf("failed to encode geofence points: %w", err)
	}
	var id int64
	err = s.conn.QueryRowContext(ctx, `
		INSERT INTO geofences (user_id, name, kind, points, color, description, corridor_m)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		g.UserID, g.Name, g.Kind, points, g.Color, g.Description, g.CorridorM).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create geofence: %w", err)
	}
	return id, nil
}

// ChannelsByIDs resolves notification channels, preserving only those
// owned by the given user.
func (s *Store) ChannelsByIDs(ctx context.Context, userID int64, ids []int64) ([]*model.NotificationChannel, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, user_id, name, url FROM notification_channels
		WHERE user_id = $1 AND id = ANY($2)`,
		userID, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	defer rows.Close()

	var channels []*model.NotificationChannel
	for rows.Next() {
		var c model.NotificationChannel
		if err := rows.Scan(&c.ID, &c.UserID, &c.Name, &c.URL); err != nil {
			return nil, err
		}
		channels = append(channels, &c)
	}
	return channels, rows.Err()
}

func scanRule(row rowScanner) (*model.AlertRule, error) {
	var r model.AlertRule
	var params, schedule, channels []byte
	err := row.Scan(&r.ID, &r.DeviceID, &r.UserID, &r.Kind, &params,
		&schedule, &channels, &r.Name, &r.Expression, &r.GeofenceID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan alert rule: %w", err)
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &r.Params); err != nil {
			return nil, fmt.Errorf("failed to decode rule params: %w", err)
		}
	}
	if r.Params == nil {
		r.Params = map[string]float64{}
	}
	if len(schedule) > 0 {
		if err := json.Unmarshal(schedule, &r.Schedule); err != nil {
			return nil, fmt.Errorf("failed to decode rule schedule: %w", err)
		}
	}
	if len(channels) > 0 {
		if err := json.Unmarshal(channels, &r.Channels); err != nil {
			return nil, fmt.Errorf("failed to decode rule channels: %w", err)
		}
	}
	return &r, nil
}

func nullableJSON(data []byte) interface{} {
	if len(data) == 0 {
		return nil
	}
	return data
}
