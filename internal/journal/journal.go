// Package journal keeps a local history of reconciliation runs so operators
// can see what step-provision changed and when.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/manchtools/step-provision/internal/validate"
)

// DefaultDir is where the journal lives unless --journal-dir says otherwise.
const DefaultDir = "/var/lib/step-provision"

const dbFile = "journal.db"

// ErrNotFound is returned by Get for an unknown run ID.
var ErrNotFound = errors.New("run not found")

const entryColumns = `id, recorded_at, name, type, state, action, changed, restart_required, check_only, error, duration_ms, password_fingerprint`

// Journal is a SQLite-backed log of reconciliation runs.
type Journal struct {
	db *sql.DB
	mu sync.RWMutex
}

// Entry is one recorded run.
type Entry struct {
	ID              string    `json:"id" yaml:"id" validate:"required,ulid"`
	RecordedAt      time.Time `json:"recorded_at" yaml:"recorded_at"`
	Name            string    `json:"name" yaml:"name" validate:"required"`
	Type            string    `json:"type,omitempty" yaml:"type,omitempty"`
	State           string    `json:"state" yaml:"state"`
	Action          string    `json:"action" yaml:"action"`
	Changed         bool      `json:"changed" yaml:"changed"`
	RestartRequired bool      `json:"restart_required" yaml:"restart_required"`
	CheckOnly       bool      `json:"check_only,omitempty" yaml:"check_only,omitempty"`
	Error           string    `json:"error,omitempty" yaml:"error,omitempty"`
	DurationMs      int64     `json:"duration_ms" yaml:"duration_ms"`

	// PasswordFingerprint is an argon2id digest of a generated password,
	// never the password itself. See Fingerprint.
	PasswordFingerprint string `json:"password_fingerprint,omitempty" yaml:"password_fingerprint,omitempty"`
}

// Open opens (creating if needed) the journal in dir.
func Open(dir string) (*Journal, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	// _time_format=sqlite stores times as sortable "YYYY-MM-DD HH:MM:SS" text.
	db, err := sql.Open("sqlite", filepath.Join(dir, dbFile)+"?_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return j, nil
}

// migrate creates or updates the database schema.
func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		recorded_at DATETIME NOT NULL,
		name TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		action TEXT NOT NULL,
		changed BOOLEAN NOT NULL DEFAULT 0,
		restart_required BOOLEAN NOT NULL DEFAULT 0,
		check_only BOOLEAN NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		password_fingerprint TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_runs_name ON runs(name, recorded_at);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record stores e and returns its ID. A missing ID is filled with a new ULID
// and a zero RecordedAt with the current time.
func (j *Journal) Record(e Entry) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now()
	}
	if err := validate.Struct(e); err != nil {
		return "", err
	}

	_, err := j.db.Exec(`
		INSERT INTO runs (id, recorded_at, name, type, state, action, changed, restart_required, check_only, error, duration_ms, password_fingerprint)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.RecordedAt.UTC(), e.Name, e.Type, e.State, e.Action, e.Changed, e.RestartRequired, e.CheckOnly, e.Error, e.DurationMs, e.PasswordFingerprint)
	if err != nil {
		return "", fmt.Errorf("record run: %w", err)
	}
	return e.ID, nil
}

// Recent returns up to limit entries, newest first. An empty name returns
// entries for every provisioner.
func (j *Journal) Recent(name string, limit int) ([]Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}

	query := "SELECT " + entryColumns + " FROM runs"
	args := []any{}
	if name != "" {
		query += " WHERE name = ?"
		args = append(args, name)
	}
	query += " ORDER BY recorded_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Get returns the entry recorded under id.
func (j *Journal) Get(id string) (Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	row := j.db.QueryRow("SELECT "+entryColumns+" FROM runs WHERE id = ?", id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, err
}

func scanEntry(row interface{ Scan(...any) error }) (Entry, error) {
	var e Entry
	err := row.Scan(
		&e.ID,
		&e.RecordedAt,
		&e.Name,
		&e.Type,
		&e.State,
		&e.Action,
		&e.Changed,
		&e.RestartRequired,
		&e.CheckOnly,
		&e.Error,
		&e.DurationMs,
		&e.PasswordFingerprint,
	)
	return e, err
}

// Cleanup removes entries older than retention and reports how many went.
func (j *Journal) Cleanup(retention time.Duration) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	cutoff := time.Now().Add(-retention).UTC()
	res, err := j.db.Exec("DELETE FROM runs WHERE recorded_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
