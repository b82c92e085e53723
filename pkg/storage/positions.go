package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/navitrack/fleetcore/pkg/model"
)

// InsertPosition persists one position. A (device, time) collision
// returns ErrDuplicate so the pipeline can drop silently.
func (s *Store) InsertPosition(ctx context.Context, p *model.Position) (int64, error) {
	sensors, err := json.Marshal(p.Sensors)
	if err != nil {
		return 0, fmt.Errorf("failed to encode sensors: %w", err)
	}
	var id int64
	err = s.conn.QueryRowContext(ctx, `
		INSERT INTO positions (device_id, time, latitude, longitude, speed_kmh,
		                       course, altitude_m, satellites, ignition, sensors, trip_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		p.DeviceID, p.Time.UTC(), p.Latitude, p.Longitude, p.SpeedKmh,
		p.Course, p.AltitudeM, p.Satellites, p.Ignition, sensors, p.TripID).Scan(&id)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return 0, ErrDuplicate
		}
		return 0, fmt.Errorf("failed to insert position: %w", err)
	}
	p.ID = id
	return id, nil
}

// PositionExists reports whether (device, time) is already persisted.
func (s *Store) PositionExists(ctx context.Context, deviceID int64, t time.Time) (bool, error) {
	var exists bool
	err := s.conn.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM positions WHERE device_id = $1 AND time = $2)`,
		deviceID, t.UTC()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check position: %w", err)
	}
	return exists, nil
}

// LastPosition returns the most recent stored position for a device,
// or ErrNotFound.
func (s *Store) LastPosition(ctx context.Context, deviceID int64) (*model.Position, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, device_id, time, latitude, longitude, speed_kmh, course,
		       altitude_m, satellites, ignition, sensors, trip_id
		FROM positions WHERE device_id = $1
		ORDER BY time DESC LIMIT 1`, deviceID)
	return scanPosition(row)
}

// UpdatePositionTrip backfills the trip id on a stored position, used
// when a trip opens retroactively at its first moving position.
func (s *Store) UpdatePositionTrip(ctx context.Context, positionID, tripID int64) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE positions SET trip_id = $2 WHERE id = $1`, positionID, tripID)
	if err != nil {
		return fmt.Errorf("failed to set position trip: %w", err)
	}
	return nil
}

// OpenTrip inserts a new open trip and returns its id.
func (s *Store) OpenTrip(ctx context.Context, t *model.Trip) (int64, error) {
	var id int64
	err := s.conn.QueryRowContext(ctx, `
		INSERT INTO trips (device_id, start_time, start_position_id, open)
		VALUES ($1, $2, $3, TRUE) RETURNING id`,
		t.DeviceID, t.StartTime.UTC(), t.StartPositionID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to open trip: %w", err)
	}
	t.ID = id
	return id, nil
}

// CloseTrip finalizes a trip with its end references and totals.
func (s *Store) CloseTrip(ctx context.Context, t *model.Trip) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE trips
		SET end_time = $2, end_position_id = $3, distance_km = $4,
		    duration_min = $5, open = FALSE
		WHERE id = $1`,
		t.ID, t.EndTime.UTC(), t.EndPositionID, t.DistanceKm, t.DurationMin)
	if err != nil {
		return fmt.Errorf("failed to close trip: %w", err)
	}
	return nil
}

// OpenTripForDevice returns the device's open trip, or ErrNotFound.
func (s *Store) OpenTripForDevice(ctx context.Context, deviceID int64) (*model.Trip, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, device_id, start_time, COALESCE(end_time, start_time),
		       start_position_id, COALESCE(end_position_id, 0),
		       distance_km, duration_min, open
		FROM trips WHERE device_id = $1 AND open = TRUE
		ORDER BY start_time DESC LIMIT 1`, deviceID)

	var t model.Trip
	err := row.Scan(&t.ID, &t.DeviceID, &t.StartTime, &t.EndTime,
		&t.StartPositionID, &t.EndPositionID, &t.DistanceKm, &t.DurationMin, &t.Open)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan trip: %w", err)
	}
	return &t, nil
}

func scanPosition(row rowScanner) (*model.Position, error) {
	var p model.Position
	var sensors []byte
	var ignition sql.NullBool
	var tripID sql.NullInt64
	err := row.Scan(&p.ID, &p.DeviceID, &p.Time, &p.Latitude, &p.Longitude,
		&p.SpeedKmh, &p.Course, &p.AltitudeM, &p.Satellites, &ignition, &sensors, &tripID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan position: %w", err)
	}
	p.Time = p.Time.UTC()
	if ignition.Valid {
		p.Ignition = &ignition.Bool
	}
	if tripID.Valid {
		p.TripID = &tripID.Int64
	}
	if len(sensors) > 0 {
		if err := json.Unmarshal(sensors, &p.Sensors); err != nil {
			return nil, fmt.Errorf("failed to decode sensors: %w", err)
		}
	}
	return &p, nil
}
