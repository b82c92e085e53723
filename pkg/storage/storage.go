// Package storage persists every fleetcore entity in PostgreSQL and
// runs the schema migrations at startup.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Store wraps the database connection and all entity operations.
type Store struct {
	conn *sql.DB
}

// Config holds database configuration.
type Config struct {
	URL      string
	MaxConns int
	MaxIdle  int
}

// Sentinel errors surfaced to callers that branch on them.
var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

// New opens the database, verifies connectivity and runs migrations.
func New(cfg Config) (*Store, error) {
	conn, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(cfg.MaxConns)
	conn.SetMaxIdleConns(cfg.MaxIdle)
	conn.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{conn: conn}
	if err := s.runMigrations(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Conn exposes the underlying connection for health checks.
func (s *Store) Conn() *sql.DB { return s.conn }
