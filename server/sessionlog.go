package main

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"collabtext/awareness"
	cerrors "collabtext/errors"
)

// SessionRecord describes one WebSocket connection to a document. Only the
// connection is recorded; presence state itself is never stored.
type SessionRecord struct {
	ID             string              `json:"id"`
	DocID          string              `json:"docId"`
	RemoteAddr     string              `json:"remoteAddr"`
	ConnectedAt    time.Time           `json:"connectedAt"`
	DisconnectedAt *time.Time          `json:"disconnectedAt,omitempty"`
	Actors         []awareness.ActorID `json:"actors"`
}

// SessionLog is the connection audit log.
type SessionLog interface {
	Opened(ctx context.Context, rec SessionRecord) error
	Closed(ctx context.Context, id string, actors []awareness.ActorID, at time.Time) error
	Recent(ctx context.Context, docID string, limit int) ([]SessionRecord, error)
}

const schema = `
CREATE TABLE IF NOT EXISTS presence_sessions (
	id              UUID PRIMARY KEY,
	doc_id          TEXT NOT NULL,
	remote_addr     TEXT NOT NULL DEFAULT '',
	connected_at    TIMESTAMPTZ NOT NULL,
	disconnected_at TIMESTAMPTZ,
	actors          BIGINT[] NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS presence_sessions_doc_idx ON presence_sessions (doc_id, connected_at DESC);
`

// PostgresSessionLog stores the audit log in PostgreSQL.
type PostgresSessionLog struct {
	pool *pgxpool.Pool
}

// NewPostgresSessionLog connects to url and creates the table if needed.
func NewPostgresSessionLog(ctx context.Context, url string) (*PostgresSessionLog, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, cerrors.StorageFailed("connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, cerrors.StorageFailed("ping", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, cerrors.StorageFailed("migrate", err)
	}
	return &PostgresSessionLog{pool: pool}, nil
}

func (l *PostgresSessionLog) Close() {
	l.pool.Close()
}

func (l *PostgresSessionLog) Opened(ctx context.Context, rec SessionRecord) error {
	_, err := l.pool.Exec(ctx,
		`INSERT INTO presence_sessions (id, doc_id, remote_addr, connected_at) VALUES ($1, $2, $3, $4)`,
		rec.ID, rec.DocID, rec.RemoteAddr, rec.ConnectedAt)
	if err != nil {
		return cerrors.StorageFailed("insert session", err).WithDetail("session", rec.ID)
	}
	return nil
}

func (l *PostgresSessionLog) Closed(ctx context.Context, id string, actors []awareness.ActorID, at time.Time) error {
	_, err := l.pool.Exec(ctx,
		`UPDATE presence_sessions SET disconnected_at = $2, actors = $3 WHERE id = $1`,
		id, at, toInt64s(actors))
	if err != nil {
		return cerrors.StorageFailed("close session", err).WithDetail("session", id)
	}
	return nil
}

func (l *PostgresSessionLog) Recent(ctx context.Context, docID string, limit int) ([]SessionRecord, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT id::text, doc_id, remote_addr, connected_at, disconnected_at, actors
		   FROM presence_sessions WHERE doc_id = $1
		  ORDER BY connected_at DESC LIMIT $2`, docID, limit)
	if err != nil {
		return nil, cerrors.StorageFailed("query sessions", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var (
			rec    SessionRecord
			actors []int64
		)
		if err := rows.Scan(&rec.ID, &rec.DocID, &rec.RemoteAddr, &rec.ConnectedAt, &rec.DisconnectedAt, &actors); err != nil {
			return nil, cerrors.StorageFailed("scan session", err)
		}
		rec.Actors = fromInt64s(actors)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, cerrors.StorageFailed("iterate sessions", err)
	}
	return out, nil
}

func toInt64s(ids []awareness.ActorID) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}

func fromInt64s(ids []int64) []awareness.ActorID {
	out := make([]awareness.ActorID, len(ids))
	for i, id := range ids {
		out[i] = awareness.ActorID(id)
	}
	return out
}

// memorySessionLog keeps the audit log in process when no database is
// configured.
type memorySessionLog struct {
	mu      sync.Mutex
	records map[string]*SessionRecord
}

func newMemorySessionLog() *memorySessionLog {
	return &memorySessionLog{records: make(map[string]*SessionRecord)}
}

func (l *memorySessionLog) Opened(_ context.Context, rec SessionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[rec.ID] = &rec
	return nil
}

func (l *memorySessionLog) Closed(_ context.Context, id string, actors []awareness.ActorID, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[id]
	if !ok {
		return cerrors.StorageFailed("close session", cerrors.New(cerrors.ErrCodeInternal, "unknown session")).
			WithDetail("session", id)
	}
	rec.DisconnectedAt = &at
	rec.Actors = append([]awareness.ActorID(nil), actors...)
	return nil
}

func (l *memorySessionLog) Recent(_ context.Context, docID string, limit int) ([]SessionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []SessionRecord
	for _, rec := range l.records {
		if rec.DocID == docID {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.After(out[j].ConnectedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
