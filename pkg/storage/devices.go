package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/navitrack/fleetcore/pkg/model"
)

// DeviceByIdentifier resolves the unique (identifier, protocol) pair.
func (s *Store) DeviceByIdentifier(ctx context.Context, identifier, protocolName string) (*model.Device, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, identifier, name, protocol, vehicle_type, plate,
		       odometer_km, config, active, created_at
		FROM devices WHERE identifier = $1 AND protocol = $2`,
		identifier, protocolName)
	return scanDevice(row)
}

// DeviceByID fetches one device.
func (s *Store) DeviceByID(ctx context.Context, id int64) (*model.Device, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, identifier, name, protocol, vehicle_type, plate,
		       odometer_km, config, active, created_at
		FROM devices WHERE id = $1`, id)
	return scanDevice(row)
}

// AllDevices lists every device, for the offline sweep.
func (s *Store) AllDevices(ctx context.Context) ([]*model.Device, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, identifier, name, protocol, vehicle_type, plate,
		       odometer_km, config, active, created_at
		FROM devices ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []*model.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// CreateDevice inserts a device and returns its id.
func (s *Store) CreateDevice(ctx context.Context, d *model.Device) (int64, error) {
	cfg, err := json.Marshal(d.Config)
	if err != nil {
		return 0, fmt.Errorf("failed to encode device config: %w", err)
	}
	var id int64
	err = s.conn.QueryRowContext(ctx, `
		INSERT INTO devices (identifier, name, protocol, vehicle_type, plate, config, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		d.Identifier, d.Name, d.Protocol, d.VehicleType, d.Plate, cfg, d.Active).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create device: %w", err)
	}
	return id, nil
}

// DeleteDevice removes a device; positions, trips, rules, alerts and
// commands cascade at the schema level.
func (s *Store) DeleteDevice(ctx context.Context, id int64) error {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM devices WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// WriteDeviceState writes the live-state snapshot through to the
// devices row: odometer, online flag, last seen and last position.
func (s *Store) WriteDeviceState(ctx context.Context, st *model.DeviceState, odometerKm float64) error {
	var lastPosID *int64
	if st.LastPosition != nil && st.LastPosition.ID != 0 {
		lastPosID = &st.LastPosition.ID
	}
	_, err := s.conn.ExecContext(ctx, `
		UPDATE devices
		SET odometer_km = GREATEST(odometer_km, $2), is_online = $3,
		    last_seen = $4, last_position_id = $5
		WHERE id = $1`,
		st.DeviceID, odometerKm, st.Online, st.LastSeen.UTC(), lastPosID)
	if err != nil {
		return fmt.Errorf("failed to write device state: %w", err)
	}
	return nil
}

// SetDeviceOnline flips the persisted online flag, used by the
// offline sweep so the HTTP surface reads it cold.
func (s *Store) SetDeviceOnline(ctx context.Context, deviceID int64, online bool) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE devices SET is_online = $2 WHERE id = $1`, deviceID, online)
	if err != nil {
		return fmt.Errorf("failed to set online flag: %w", err)
	}
	return nil
}

// DeviceLastSeen returns the persisted last-seen timestamp and online
// flag.
func (s *Store) DeviceLastSeen(ctx context.Context, deviceID int64) (time.Time, bool, error) {
	var seen sql.NullTime
	var online bool
	err := s.conn.QueryRowContext(ctx,
		`SELECT last_seen, is_online FROM devices WHERE id = $1`, deviceID).
		Scan(&seen, &online)
	if err == sql.ErrNoRows {
		return time.Time{}, false, ErrNotFound
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read last seen: %w", err)
	}
	return seen.Time, online, nil
}

// AssignDevice links a device to a user.
func (s *Store) AssignDevice(ctx context.Context, userID, deviceID int64) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO user_devices (user_id, device_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, userID, deviceID)
	if err != nil {
		return fmt.Errorf("failed to assign device: %w", err)
	}
	return nil
}

// UsersForDevice returns the user ids a device is assigned to, for
// broadcast routing.
func (s *Store) UsersForDevice(ctx context.Context, deviceID int64) ([]int64, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT user_id FROM user_devices WHERE device_id = $1`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list device users: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(row rowScanner) (*model.Device, error) {
	var d model.Device
	var cfg []byte
	err := row.Scan(&d.ID, &d.Identifier, &d.Name, &d.Protocol, &d.VehicleType,
		&d.Plate, &d.OdometerKm, &cfg, &d.Active, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan device: %w", err)
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &d.Config); err != nil {
			return nil, fmt.Errorf("failed to decode device config: %w", err)
		}
	}
	if d.Config == nil {
		d.Config = map[string]string{}
	}
	return &d, nil
}
