// Package storage defines the run history store.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a run does not exist.
	ErrNotFound = errors.New("run not found")
	// ErrDisabled is returned when history is read without a configured store.
	ErrDisabled = errors.New("run history is disabled")
)

// Store is the persistence interface for coderun.
// Both SQLite and PostgreSQL backends implement this interface.
type Store interface {
	Runs() RunStore

	// Ping checks the connection for readiness probes.
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// RunStore records one row per resolved run. Rows are append-only apart
// from Prune.
type RunStore interface {
	Record(ctx context.Context, run *Run) error
	Get(ctx context.Context, id uuid.UUID) (*Run, error)
	List(ctx context.Context, opts ListOptions) ([]Run, error)
	// Prune deletes runs created before cutoff and returns how many went.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Run is one pipeline execution as seen by the history.
type Run struct {
	ID        uuid.UUID `json:"id"`
	Language  string    `json:"language"`
	Source    string    `json:"source"`
	Client    string    `json:"client"` // "cli", "http", "mcp"
	State     string    `json:"state"`
	Kind      string    `json:"kind,omitempty"` // failure kind; empty on success
	Error     string    `json:"error,omitempty"`
	ExitCode  int       `json:"exit_code"` // process exit code the host reported
	Signal    string    `json:"signal,omitempty"`
	TimedOut  bool      `json:"timed_out"`
	Workspace string    `json:"workspace,omitempty"`
	Retained  bool      `json:"retained"`

	CompileDuration time.Duration `json:"compile_duration"`
	RunDuration     time.Duration `json:"run_duration"`
	Duration        time.Duration `json:"duration"`
	CreatedAt       time.Time     `json:"created_at"`
}

// ListOptions filters List. Results are newest first.
type ListOptions struct {
	Limit    int    // Default: 50
	Language string // empty = every language
	Failed   bool   // only runs that did not succeed
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
