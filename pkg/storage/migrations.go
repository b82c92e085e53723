package storage

import (
	"fmt"
	"time"
)

// migration is one schema change recorded in the changelog table.
type migration struct {
	ID          string
	Description string
	SQL         string
}

func (s *Store) runMigrations() error {
	changelog := `
	CREATE TABLE IF NOT EXISTS schema_changelog (
		id VARCHAR(255) PRIMARY KEY,
		description VARCHAR(255),
		executed_at TIMESTAMP NOT NULL,
		order_executed INTEGER NOT NULL
	);`
	if _, err := s.conn.Exec(changelog); err != nil {
		return fmt.Errorf("failed to create changelog table: %w", err)
	}

	for _, m := range migrations {
		if err := s.executeMigration(m); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", m.ID, err)
		}
	}
	return nil
}

func (s *Store) executeMigration(m migration) error {
	var count int
	if err := s.conn.QueryRow(
		"SELECT COUNT(*) FROM schema_changelog WHERE id = $1", m.ID,
	).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	if _, err := s.conn.Exec(m.SQL); err != nil {
		return err
	}
	_, err := s.conn.Exec(`
		INSERT INTO schema_changelog (id, description, executed_at, order_executed)
		VALUES ($1, $2, $3,
			(SELECT COALESCE(MAX(order_executed), 0) + 1 FROM schema_changelog))`,
		m.ID, m.Description, time.Now().UTC())
	return err
}

var migrations = []migration{
	{
		ID:          "001-users",
		Description: "Create users and notification channels",
		SQL: `
		CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			username VARCHAR(100) UNIQUE NOT NULL,
			password_hash VARCHAR(255) NOT NULL,
			is_admin BOOLEAN DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS notification_channels (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			name VARCHAR(100) NOT NULL,
			url TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS push_subscriptions (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			endpoint TEXT NOT NULL,
			keys JSONB
		);
		INSERT INTO users (username, password_hash, is_admin) VALUES
			('admin', '$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy', TRUE)
		ON CONFLICT DO NOTHING;`,
	},
	{
		ID:          "002-devices",
		Description: "Create devices and user assignments",
		SQL: `
		CREATE TABLE IF NOT EXISTS devices (
			id BIGSERIAL PRIMARY KEY,
			identifier VARCHAR(64) NOT NULL,
			name VARCHAR(200) NOT NULL DEFAULT '',
			protocol VARCHAR(32) NOT NULL,
			vehicle_type VARCHAR(32) NOT NULL DEFAULT 'car',
			plate VARCHAR(32) NOT NULL DEFAULT '',
			odometer_km DOUBLE PRECISION NOT NULL DEFAULT 0,
			config JSONB NOT NULL DEFAULT '{}',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			is_online BOOLEAN NOT NULL DEFAULT FALSE,
			last_seen TIMESTAMP,
			last_position_id BIGINT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (identifier, protocol)
		);
		CREATE TABLE IF NOT EXISTS user_devices (
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			device_id BIGINT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			PRIMARY KEY (user_id, device_id)
		);`,
	},
	{
		ID:          "003-positions",
		Description: "Create positions and trips",
		SQL: `
		CREATE TABLE IF NOT EXISTS positions (
			id BIGSERIAL PRIMARY KEY,
			device_id BIGINT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			time TIMESTAMP NOT NULL,
			latitude DOUBLE PRECISION NOT NULL,
			longitude DOUBLE PRECISION NOT NULL,
			speed_kmh DOUBLE PRECISION NOT NULL DEFAULT 0,
			course DOUBLE PRECISION NOT NULL DEFAULT 0,
			altitude_m DOUBLE PRECISION NOT NULL DEFAULT 0,
			satellites INTEGER NOT NULL DEFAULT 0,
			ignition BOOLEAN,
			sensors JSONB,
			trip_id BIGINT,
			UNIQUE (device_id, time)
		);
		CREATE INDEX IF NOT EXISTS idx_positions_device_time ON positions(device_id, time DESC);
		CREATE INDEX IF NOT EXISTS idx_positions_latlng ON positions(latitude, longitude);
		CREATE TABLE IF NOT EXISTS trips (
			id BIGSERIAL PRIMARY KEY,
			device_id BIGINT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			start_time TIMESTAMP NOT NULL,
			end_time TIMESTAMP,
			start_position_id BIGINT NOT NULL,
			end_position_id BIGINT,
			distance_km DOUBLE PRECISION NOT NULL DEFAULT 0,
			duration_min DOUBLE PRECISION NOT NULL DEFAULT 0,
			open BOOLEAN NOT NULL DEFAULT TRUE
		);
		CREATE INDEX IF NOT EXISTS idx_trips_device ON trips(device_id, start_time DESC);`,
	},
	{
		ID:          "004-alerts",
		Description: "Create alert rules, alerts and geofences",
		SQL: `
		CREATE TABLE IF NOT EXISTS geofences (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			name VARCHAR(200) NOT NULL,
			kind VARCHAR(16) NOT NULL DEFAULT 'polygon',
			points JSONB NOT NULL,
			color VARCHAR(16) NOT NULL DEFAULT '#3388ff',
			description TEXT,
			corridor_m DOUBLE PRECISION NOT NULL DEFAULT 50
		);
		CREATE TABLE IF NOT EXISTS alert_rules (
			id BIGSERIAL PRIMARY KEY,
			device_id BIGINT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			kind VARCHAR(32) NOT NULL,
			params JSONB NOT NULL DEFAULT '{}',
			schedule JSONB,
			channels JSONB NOT NULL DEFAULT '[]',
			name VARCHAR(200) NOT NULL DEFAULT '',
			expression TEXT NOT NULL DEFAULT '',
			geofence_id BIGINT REFERENCES geofences(id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_alert_rules_device ON alert_rules(device_id);
		CREATE TABLE IF NOT EXISTS alerts (
			id BIGSERIAL PRIMARY KEY,
			device_id BIGINT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			kind VARCHAR(32) NOT NULL,
			severity VARCHAR(16) NOT NULL,
			message TEXT NOT NULL,
			metadata JSONB,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			read BOOLEAN NOT NULL DEFAULT FALSE
		);
		CREATE INDEX IF NOT EXISTS idx_alerts_device ON alerts(device_id, created_at DESC);`,
	},
	{
		ID:          "005-commands",
		Description: "Create command queue",
		SQL: `
		CREATE TABLE IF NOT EXISTS commands (
			id BIGSERIAL PRIMARY KEY,
			device_id BIGINT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			kind VARCHAR(64) NOT NULL,
			payload TEXT NOT NULL,
			status VARCHAR(16) NOT NULL DEFAULT 'pending',
			retries INTEGER NOT NULL DEFAULT 0,
			correlation_key VARCHAR(64) NOT NULL DEFAULT '',
			response TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			sent_at TIMESTAMP,
			acked_at TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_commands_device_status ON commands(device_id, status, created_at);`,
	},
}
