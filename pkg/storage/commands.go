package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/navitrack/fleetcore/pkg/model"
)

// EnqueueCommand inserts a pending command and returns its id.
func (s *Store) EnqueueCommand(ctx context.Context, c *model.Command) (int64, error) {
	var id int64
	err := s.conn.QueryRowContext(ctx, `
		INSERT INTO commands (device_id, kind, payload, status, retries)
		VALUES ($1, $2, $3, 'pending', $4) RETURNING id`,
		c.DeviceID, c.Kind, c.Payload, c.Retries).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue command: %w", err)
	}
	c.ID = id
	c.Status = model.CommandPending
	return id, nil
}

// NextPendingCommand returns the oldest pending command for a device,
// or ErrNotFound.
func (s *Store) NextPendingCommand(ctx context.Context, deviceID int64) (*model.Command, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, device_id, kind, payload, status, retries, correlation_key,
		       response, created_at, sent_at, acked_at
		FROM commands WHERE device_id = $1 AND status = 'pending'
		ORDER BY created_at, id LIMIT 1`, deviceID)
	return scanCommand(row)
}

// CommandByID fetches one command.
func (s *Store) CommandByID(ctx context.Context, id int64) (*model.Command, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, device_id, kind, payload, status, retries, correlation_key,
		       response, created_at, sent_at, acked_at
		FROM commands WHERE id = $1`, id)
	return scanCommand(row)
}

// MarkCommandSent transitions pending -> sent, recording the send
// time and correlation key.
func (s *Store) MarkCommandSent(ctx context.Context, id int64, key string, at time.Time) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE commands SET status = 'sent', correlation_key = $2, sent_at = $3
		WHERE id = $1 AND status = 'pending'`, id, key, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to mark command sent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AckCommand transitions a sent command to acknowledged. A non-empty
// key matches the stored correlation key; an empty key matches the
// oldest sent command for the device. Terminal states never change.
func (s *Store) AckCommand(ctx context.Context, deviceID int64, key, response string, at time.Time) (*model.Command, error) {
	var row *sql.Row
	if key != "" {
		row = s.conn.QueryRowContext(ctx, `
			UPDATE commands SET status = 'acknowledged', response = $3, acked_at = $4
			WHERE id = (
				SELECT id FROM commands
				WHERE device_id = $1 AND status = 'sent' AND correlation_key = $2
				ORDER BY sent_at, id LIMIT 1)
			RETURNING id, device_id, kind, payload, status, retries,
			          correlation_key, response, created_at, sent_at, acked_at`,
			deviceID, key, response, at.UTC())
	} else {
		row = s.conn.QueryRowContext(ctx, `
			UPDATE commands SET status = 'acknowledged', response = $2, acked_at = $3
			WHERE id = (
				SELECT id FROM commands
				WHERE device_id = $1 AND status = 'sent'
				ORDER BY sent_at, id LIMIT 1)
			RETURNING id, device_id, kind, payload, status, retries,
			          correlation_key, response, created_at, sent_at, acked_at`,
			deviceID, response, at.UTC())
	}
	return scanCommand(row)
}

// RequeueCommand re-enters pending with one fewer retry, after an ack
// timeout.
func (s *Store) RequeueCommand(ctx context.Context, id int64) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE commands
		SET status = 'pending', retries = retries - 1, sent_at = NULL, correlation_key = ''
		WHERE id = $1 AND status = 'sent' AND retries > 0`, id)
	if err != nil {
		return fmt.Errorf("failed to requeue command: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailCommand transitions a non-terminal command to failed.
func (s *Store) FailCommand(ctx context.Context, id int64, reason string) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE commands SET status = 'failed', response = $2
		WHERE id = $1 AND status IN ('pending', 'sent')`, id, reason)
	if err != nil {
		return fmt.Errorf("failed to fail command: %w", err)
	}
	return nil
}

// FailPendingForDevice drains a deleted device's queue.
func (s *Store) FailPendingForDevice(ctx context.Context, deviceID int64, reason string) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE commands SET status = 'failed', response = $2
		WHERE device_id = $1 AND status IN ('pending', 'sent')`, deviceID, reason)
	if err != nil {
		return fmt.Errorf("failed to drain command queue: %w", err)
	}
	return nil
}

// HasSentCommand reports whether the device has a command in flight,
// used to keep one command outstanding per device.
func (s *Store) HasSentCommand(ctx context.Context, deviceID int64) (bool, error) {
	var exists bool
	err := s.conn.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM commands WHERE device_id = $1 AND status = 'sent')`,
		deviceID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check sent commands: %w", err)
	}
	return exists, nil
}

// SentCommandsBefore lists sent commands whose send time predates the
// cutoff, for the ack-timeout sweep.
func (s *Store) SentCommandsBefore(ctx context.Context, cutoff time.Time) ([]*model.Command, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, device_id, kind, payload, status, retries, correlation_key,
		       response, created_at, sent_at, acked_at
		FROM commands WHERE status = 'sent' AND sent_at < $1
		ORDER BY sent_at`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list sent commands: %w", err)
	}
	defer rows.Close()

	var cmds []*model.Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, c)
	}
	return cmds, rows.Err()
}

func scanCommand(row rowScanner) (*model.Command, error) {
	var c model.Command
	var sentAt, ackedAt sql.NullTime
	err := row.Scan(&c.ID, &c.DeviceID, &c.Kind, &c.Payload, &c.Status,
		&c.Retries, &c.CorrelationKey, &c.Response, &c.CreatedAt, &sentAt, &ackedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan command: %w", err)
	}
	c.CreatedAt = c.CreatedAt.UTC()
	if sentAt.Valid {
		t := sentAt.Time.UTC()
		c.SentAt = &t
	}
	if ackedAt.Valid {
		t := ackedAt.Time.UTC()
		c.AckedAt = &t
	}
	return &c, nil
}
