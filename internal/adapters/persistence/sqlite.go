// Package persistence provides the sqlite-backed reference Store. The
// relay treats the Store as a collaborator: it only ever receives live
// state, it is never read back on the hot path.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/pikadj/pika-relay/internal/domain"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := createSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// createSchema is safe to call repeatedly.
func createSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS session (
    id TEXT PRIMARY KEY,
    host_id TEXT NOT NULL,
    name TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS poll (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES session(id),
    question TEXT NOT NULL,
    options TEXT NOT NULL,
    counts TEXT,
    winner INTEGER,
    cancelled INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    closed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_poll_session ON poll(session_id);

CREATE TABLE IF NOT EXISTS ballot (
    poll_id TEXT NOT NULL REFERENCES poll(id),
    client_id TEXT NOT NULL,
    option INTEGER NOT NULL,
    cast_at TIMESTAMP NOT NULL,
    PRIMARY KEY (poll_id, client_id)
);

CREATE TABLE IF NOT EXISTS media_play (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES session(id),
    title TEXT NOT NULL,
    artist TEXT,
    bpm REAL,
    duration_sec INTEGER,
    started_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_media_play_session ON media_play(session_id);

CREATE TABLE IF NOT EXISTS tempo_snapshot (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES session(id),
    title TEXT,
    artist TEXT,
    faster INTEGER NOT NULL,
    slower INTEGER NOT NULL,
    perfect INTEGER NOT NULL,
    total INTEGER NOT NULL,
    taken_at TIMESTAMP NOT NULL
);
`

func (s *SQLiteStore) CreatePoll(ctx context.Context, sessionID domain.SessionID, question string, options []string) (domain.PollID, error) {
	id := domain.PollID(uuid.NewString())
	opts, err := json.Marshal(options)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO poll (id, session_id, question, options, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, string(id), string(sessionID), question, string(opts), time.Now())
	if err != nil {
		return "", fmt.Errorf("create poll: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) ClosePoll(ctx context.Context, pollID domain.PollID, counts []int, winner int, cancelled bool) error {
	cts, err := json.Marshal(counts)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE poll SET counts = ?, winner = ?, cancelled = ?, closed_at = ? WHERE id = ?
	`, string(cts), winner, cancelled, time.Now(), string(pollID))
	return err
}

func (s *SQLiteStore) RecordVote(ctx context.Context, pollID domain.PollID, clientID domain.ClientID, option int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO ballot (poll_id, client_id, option, cast_at)
		VALUES (?, ?, ?, ?)
	`, string(pollID), string(clientID), option, time.Now())
	return err
}

func (s *SQLiteStore) SaveSession(ctx context.Context, sess *domain.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session (id, host_id, name, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`, string(sess.ID), string(sess.HostID), sess.Name, sess.CreatedAt)
	return err
}

func (s *SQLiteStore) EndSession(ctx context.Context, sessionID domain.SessionID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE session SET ended_at = ? WHERE id = ?
	`, at, string(sessionID))
	return err
}

func (s *SQLiteStore) SaveMedia(ctx context.Context, sessionID domain.SessionID, item *domain.MediaItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO media_play (id, session_id, title, artist, bpm, duration_sec, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), string(sessionID), item.Title, item.Artist, item.BPM, item.DurationSec, item.StartedAt)
	return err
}

func (s *SQLiteStore) SaveTempoSnapshot(ctx context.Context, sessionID domain.SessionID, item *domain.MediaItem, snap domain.TempoSnapshot) error {
	var title, artist string
	if item != nil {
		title, artist = item.Title, item.Artist
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tempo_snapshot (id, session_id, title, artist, faster, slower, perfect, total, taken_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), string(sessionID), title, artist, snap.Faster, snap.Slower, snap.Perfect, snap.Total, time.Now())
	return err
}
