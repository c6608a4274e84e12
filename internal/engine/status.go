package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// RunStatus describes the process currently writing to the store. It is a
// singleton row (id=1) removed on clean shutdown.
type RunStatus struct {
	PID         int       `json:"pid"`
	Session     string    `json:"session"`
	Source      string    `json:"source"`
	StartTime   time.Time `json:"start_time"`
	LastPersist time.Time `json:"last_persist"`
	Version     string    `json:"version"`
	ConfigHash  string    `json:"config_hash"`
	Accepted    int64     `json:"accepted"`
	Persisted   int64     `json:"persisted"`
	ErrorCount  int       `json:"error_count"`
	LastError   string    `json:"last_error,omitempty"`
}

// StatusStore manages run status persistence.
type StatusStore struct {
	db *sql.DB
}

// NewStatusStore creates a new run status store.
func NewStatusStore(db *sql.DB) *StatusStore {
	return &StatusStore{db: db}
}

// InitSchema creates the run_status table if it doesn't exist.
func (s *StatusStore) InitSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS run_status (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		pid INTEGER NOT NULL,
		session TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		start_time INTEGER NOT NULL,
		last_persist INTEGER NOT NULL,
		version TEXT NOT NULL,
		config_hash TEXT,
		accepted INTEGER NOT NULL DEFAULT 0,
		persisted INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT
	);`)
	return err
}

// Upsert inserts or replaces the status row.
func (s *StatusStore) Upsert(ctx context.Context, st *RunStatus) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO run_status (id, pid, session, source, start_time, last_persist, version, config_hash, accepted, persisted, error_count, last_error)
	VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		pid = excluded.pid,
		session = excluded.session,
		source = excluded.source,
		start_time = excluded.start_time,
		last_persist = excluded.last_persist,
		version = excluded.version,
		config_hash = excluded.config_hash,
		accepted = excluded.accepted,
		persisted = excluded.persisted,
		error_count = excluded.error_count,
		last_error = excluded.last_error`,
		st.PID,
		st.Session,
		st.Source,
		st.StartTime.UnixNano(),
		st.LastPersist.UnixNano(),
		st.Version,
		st.ConfigHash,
		st.Accepted,
		st.Persisted,
		st.ErrorCount,
		st.LastError,
	)
	return err
}

// Heartbeat records ingestion progress for the running process.
func (s *StatusStore) Heartbeat(ctx context.Context, at time.Time, accepted, persisted int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE run_status SET last_persist = ?, accepted = ?, persisted = ?
		WHERE id = 1`, at.UnixNano(), accepted, persisted)
	return err
}

// RecordError increments the error count and sets the last error message.
func (s *StatusStore) RecordError(ctx context.Context, msg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE run_status
		SET error_count = error_count + 1, last_error = ?
		WHERE id = 1`, msg)
	return err
}

// Get returns the current status, or nil when no process is recorded.
func (s *StatusStore) Get(ctx context.Context) (*RunStatus, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT pid, session, source, start_time, last_persist, version,
		       COALESCE(config_hash, ''),
		       accepted, persisted,
		       COALESCE(error_count, 0),
		       COALESCE(last_error, '')
		FROM run_status WHERE id = 1`)

	var st RunStatus
	var start, last int64
	err := row.Scan(
		&st.PID,
		&st.Session,
		&st.Source,
		&start,
		&last,
		&st.Version,
		&st.ConfigHash,
		&st.Accepted,
		&st.Persisted,
		&st.ErrorCount,
		&st.LastError,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	st.StartTime = time.Unix(0, start)
	st.LastPersist = time.Unix(0, last)
	return &st, nil
}

// Delete removes the status row (called on clean shutdown).
func (s *StatusStore) Delete(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM run_status WHERE id = 1`)
	return err
}

// IsHealthy reports whether the recorded process persisted within
// maxStaleness of now.
func (s *StatusStore) IsHealthy(ctx context.Context, now time.Time, maxStaleness time.Duration) (bool, *RunStatus, error) {
	st, err := s.Get(ctx)
	if err != nil || st == nil {
		return false, st, err
	}
	return now.Sub(st.LastPersist) <= maxStaleness, st, nil
}
