// Package storage defines the persistence interface for discovery records
// and the sandbox lifecycle audit trail. Two backends are provided: SQLite
// (default, zero-config) and PostgreSQL.
package storage

import (
	"context"
	"time"

	"github.com/onemcp/onemcp/internal/discovery"
)

// Store is the unified persistence interface.
// Both SQLite and PostgreSQL backends implement it.
type Store interface {
	// Discoveries caches completed repository discoveries so identical
	// scripts never trigger a rebuild.
	Discoveries() discovery.Cache

	// Events records the sandbox lifecycle audit trail.
	Events() EventStore

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// SandboxEvent is one entry in the lifecycle audit trail.
type SandboxEvent struct {
	ID        uint      `json:"id"`
	SandboxID string    `json:"sandbox_id"`
	Type      string    `json:"type"` // "discovered", "started", "stopped", "start_failed"
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// EventStore persists lifecycle events.
type EventStore interface {
	Append(ctx context.Context, ev *SandboxEvent) error
	Recent(ctx context.Context, limit int) ([]*SandboxEvent, error)
}

// Config holds storage configuration for driver selection.
type Config struct {
	Driver   string         `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres"
	SQLite   SQLiteConfig   `json:"sqlite" yaml:"sqlite"`
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"`
	JournalMode string `json:"journal_mode" yaml:"journal_mode"` // "wal" (default)
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"`
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
