package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a key or record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store represents the SQLite state store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at the given path and runs migrations.
func Open(path string) (*Store, error) {
	return OpenWithTimeout(path, 5*time.Second)
}

// OpenWithTimeout is Open with an explicit SQLite busy timeout.
func OpenWithTimeout(path string, busy time.Duration) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d", path, busy.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer keeps WAL mode free of SQLITE_BUSY between our goroutines.
	db.SetMaxOpenConns(1)

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	// Owner read/write only.
	if err := os.Chmod(path, 0600); err != nil && !os.IsNotExist(err) {
		db.Close()
		return nil, fmt.Errorf("set database permissions: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping() error {
	if s.db == nil {
		return errors.New("store: closed")
	}
	return s.db.Ping()
}

// Get returns the value stored under key.
func (s *Store) Get(key string) (string, error) {
	var v string
	err := s.db.QueryRow("SELECT value FROM state WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return v, nil
}

// Set stores value under key.
func (s *Store) Set(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	if _, err := s.db.Exec("DELETE FROM state WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// LoadState reads identity, mode and progress. Missing keys are left empty.
func (s *Store) LoadState() (*State, error) {
	st := &State{}
	var err error
	if st.Identity, err = s.getOptional(KeyIdentity); err != nil {
		return nil, err
	}
	if st.Mode, err = s.getOptional(KeyOperatingMode); err != nil {
		return nil, err
	}
	progress, err := s.getOptional(KeyBaselineProgress)
	if err != nil {
		return nil, err
	}
	if progress != "" {
		st.Progress = json.RawMessage(progress)
	}
	return st, nil
}

func (s *Store) getOptional(key string) (string, error) {
	v, err := s.Get(key)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return v, err
}

// SetProgress stores the baseline progress object; nil clears it.
func (s *Store) SetProgress(progress json.RawMessage) error {
	if len(progress) == 0 {
		return s.Delete(KeyBaselineProgress)
	}
	if !json.Valid(progress) {
		return fmt.Errorf("set %s: invalid JSON", KeyBaselineProgress)
	}
	return s.Set(KeyBaselineProgress, string(progress))
}

// InsertSession appends a closed session to the log.
func (s *Store) InsertSession(r *SessionRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO session_log (id, closed_at, start_ms, end_ms, reason, disposition,
			key_events, clicks, paths, heartbeats, digest, route, outcome)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ClosedAt.UnixNano(), r.StartMs, r.EndMs, r.Reason, r.Disposition,
		r.KeyEvents, r.Clicks, r.Paths, r.Heartbeats, r.Digest, nullString(r.Route), nullString(r.Outcome),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// UpdateSessionOutcome records where a session was sent and what came back.
func (s *Store) UpdateSessionOutcome(id, route, outcome string) error {
	res, err := s.db.Exec("UPDATE session_log SET route = ?, outcome = ? WHERE id = ?", route, outcome, id)
	if err != nil {
		return fmt.Errorf("update session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSession returns one session by ID.
func (s *Store) GetSession(id string) (*SessionRecord, error) {
	rows, err := s.db.Query(sessionSelect+" WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	records, err := scanSessions(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return &records[0], nil
}

// RecentSessions returns up to limit sessions, newest first.
func (s *Store) RecentSessions(limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(sessionSelect+" ORDER BY closed_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("recent sessions: %w", err)
	}
	return scanSessions(rows)
}

// PruneSessions deletes sessions closed before cutoff.
func (s *Store) PruneSessions(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM session_log WHERE closed_at < ?", cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	return res.RowsAffected()
}

// GetStats summarizes the session log.
func (s *Store) GetStats() (*Stats, error) {
	stats := &Stats{}
	var last sql.NullInt64
	err := s.db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(disposition = 'forwarded'), 0),
			COALESCE(SUM(disposition = 'passive'), 0),
			COALESCE(SUM(disposition = 'noise'), 0),
			COALESCE(SUM(outcome = 'anomaly'), 0),
			MAX(closed_at)
		FROM session_log`,
	).Scan(&stats.Sessions, &stats.Forwarded, &stats.Passive, &stats.Noise, &stats.Anomalies, &last)
	if err != nil {
		return nil, fmt.Errorf("session stats: %w", err)
	}
	if last.Valid {
		stats.LastClose = time.Unix(0, last.Int64)
	}
	return stats, nil
}

const sessionSelect = `
	SELECT id, closed_at, start_ms, end_ms, reason, disposition,
		key_events, clicks, paths, heartbeats, digest, route, outcome
	FROM session_log`

func scanSessions(rows *sql.Rows) ([]SessionRecord, error) {
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var r SessionRecord
		var closedAt int64
		var route, outcome sql.NullString
		if err := rows.Scan(&r.ID, &closedAt, &r.StartMs, &r.EndMs, &r.Reason, &r.Disposition,
			&r.KeyEvents, &r.Clicks, &r.Paths, &r.Heartbeats, &r.Digest, &route, &outcome); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		r.ClosedAt = time.Unix(0, closedAt)
		r.Route = route.String
		r.Outcome = outcome.String
		records = append(records, r)
	}
	return records, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
