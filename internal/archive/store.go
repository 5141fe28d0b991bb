package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aurora-ops/aurora-gateway/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
    incident_id TEXT NOT NULL,
    version     INTEGER NOT NULL,
    payload     TEXT NOT NULL,
    updated_at  DATETIME NOT NULL,
    recorded_at DATETIME NOT NULL,
    PRIMARY KEY (incident_id, version)
);

CREATE INDEX IF NOT EXISTS idx_snapshots_incident ON snapshots(incident_id);
CREATE INDEX IF NOT EXISTS idx_snapshots_recorded ON snapshots(recorded_at);
`

// ErrNotFound is returned when a requested snapshot version does not
// exist in the archive.
var ErrNotFound = errors.New("snapshot not found in archive")

// Entry is one archived snapshot version.
type Entry struct {
	IncidentID string    `json:"incident_id"`
	Version    int64     `json:"version"`
	UpdatedAt  time.Time `json:"updated_at"`
	RecordedAt time.Time `json:"recorded_at"`
	Nodes      int       `json:"nodes"`
	Edges      int       `json:"edges"`
}

// Store is a local SQLite archive of accepted snapshot versions. It
// exists for debugging the live-sync path (which versions actually
// arrived and when), not as a source of truth; the backend is always
// authoritative.
type Store struct {
	db *sql.DB
}

// Open creates or opens the archive database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(wal)")
	if err != nil {
		return nil, fmt.Errorf("opening archive database: %w", err)
	}

	return &Store{db: db}, nil
}

// Init creates the schema if it doesn't exist.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores an accepted snapshot. Re-recording an existing
// (incident, version) pair is a no-op; accepted versions are immutable.
func (s *Store) Record(ctx context.Context, incidentID string, snap models.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (incident_id, version, payload, updated_at, recorded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(incident_id, version) DO NOTHING
	`, incidentID, snap.Version, string(payload),
		snap.UpdatedAt.UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339))
	return err
}

// List returns archived versions for one incident, newest first.
func (s *Store) List(ctx context.Context, incidentID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT incident_id, version, payload, updated_at, recorded_at
		FROM snapshots WHERE incident_id = ?
		ORDER BY version DESC LIMIT ?
	`, incidentID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	defer rows.Close() //nolint:errcheck // best-effort cleanup

	var entries []Entry
	for rows.Next() {
		var e Entry
		var payload, updatedAt, recordedAt string
		if err := rows.Scan(&e.IncidentID, &e.Version, &payload, &updatedAt, &recordedAt); err != nil {
			return nil, fmt.Errorf("scanning snapshot row: %w", err)
		}
		e.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		e.RecordedAt, _ = time.Parse(time.RFC3339, recordedAt)

		var snap models.Snapshot
		if err := json.Unmarshal([]byte(payload), &snap); err == nil {
			e.Nodes = len(snap.Nodes)
			e.Edges = len(snap.Edges)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Load returns one archived snapshot. version 0 loads the newest.
func (s *Store) Load(ctx context.Context, incidentID string, version int64) (*models.Snapshot, error) {
	query := `SELECT payload FROM snapshots WHERE incident_id = ? AND version = ?`
	args := []any{incidentID, version}
	if version == 0 {
		query = `SELECT payload FROM snapshots WHERE incident_id = ? ORDER BY version DESC LIMIT 1`
		args = []any{incidentID}
	}

	var payload string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}

	var snap models.Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, fmt.Errorf("decoding archived snapshot: %w", err)
	}
	return &snap, nil
}

// Prune deletes entries recorded before the cutoff and returns how
// many were removed.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE recorded_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning snapshots: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Count returns the total number of archived snapshots.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots`).Scan(&n)
	return n, err
}
