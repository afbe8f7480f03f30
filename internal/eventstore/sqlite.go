package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"
)

const eventColumns = `id, job_id, event_type, timestamp, payload, metadata`

const schema = `
CREATE TABLE IF NOT EXISTS job_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id     TEXT NOT NULL,
	event_type TEXT NOT NULL,
	timestamp  INTEGER NOT NULL,
	payload    BLOB NOT NULL,
	metadata   TEXT
);
CREATE INDEX IF NOT EXISTS idx_job_events_job_id ON job_events(job_id, id);
CREATE INDEX IF NOT EXISTS idx_job_events_timestamp ON job_events(timestamp);
`

// SQLiteStore is the SQLite-backed event log.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option { return func(s *SQLiteStore) { s.now = now } }

// NewSQLiteStore opens (or creates) the event log at dbPath. ":memory:" gives a private in-memory log.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, ErrDatabaseOpenFailed.WithCause(err).WithContext("path", dbPath)
	}
	// One connection serialises writers and keeps ":memory:" shared.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, ErrInitializeSchemaFailed.WithCause(err)
	}
	return s, nil
}

// Append records one event. A nil payload is stored as an empty JSON object.
func (s *SQLiteStore) Append(ctx context.Context, jobID, eventType string, payload []byte, metadata map[string]string) error {
	var meta sql.NullString
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return ErrMarshalPayloadFailed.WithCause(err)
		}
		meta = sql.NullString{String: string(b), Valid: true}
	}
	if payload == nil {
		payload = []byte("{}")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_events (job_id, event_type, timestamp, payload, metadata) VALUES (?, ?, ?, ?, ?)`,
		jobID, eventType, s.now().UnixMilli(), payload, meta)
	if err != nil {
		return ErrEventAppendFailed.WithCause(err).WithContext("job_id", jobID).WithContext("event_type", eventType)
	}
	return nil
}

// GetByJobID returns a job's events in insertion order.
func (s *SQLiteStore) GetByJobID(ctx context.Context, jobID string) ([]Event, error) {
	return s.query(ctx, `WHERE job_id = ? ORDER BY id`, jobID)
}

// GetRange returns events whose timestamp falls within [start, end].
func (s *SQLiteStore) GetRange(ctx context.Context, start, end time.Time) ([]Event, error) {
	return s.query(ctx, `WHERE timestamp BETWEEN ? AND ? ORDER BY id`, start.UnixMilli(), end.UnixMilli())
}

// Prune deletes events recorded before cutoff and returns how many were removed.
func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_events WHERE timestamp < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, ErrEventQueryFailed.WithCause(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, ErrEventQueryFailed.WithCause(err)
	}
	return int(n), nil
}

func (s *SQLiteStore) query(ctx context.Context, where string, args ...any) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM job_events `+where, args...)
	if err != nil {
		return nil, ErrEventQueryFailed.WithCause(err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, ErrEventQueryFailed.WithCause(err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, ErrEventQueryFailed.WithCause(err)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (*BaseEvent, error) {
	var (
		e    BaseEvent
		ts   int64
		meta sql.NullString
	)
	if err := rows.Scan(&e.EventID, &e.EventJobID, &e.EventType, &ts, &e.EventPayload, &meta); err != nil {
		return nil, err
	}
	e.EventTimestamp = time.UnixMilli(ts)
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &e.EventMetadata); err != nil {
			return nil, err
		}
	}
	return &e, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
