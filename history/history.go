// Package history persists stream changes to a durable log. Writes are
// dispatched off the synchronization path; a failing sink degrades to
// logging, never to blocked or dropped broadcasts.
package history

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

const recordTimeout = 10 * time.Second

// Postgres writes one row per stream change.
type Postgres struct {
	db *sql.DB
}

// Open connects to Postgres and verifies the connection.
func Open(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// Record inserts a stream-change row. A missing history table is treated
// as "history disabled" rather than an error, matching how the original
// deployment ran before its schema migration.
func (p *Postgres) Record(ctx context.Context, video, videoID, roomID, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, recordTimeout)
	defer cancel()

	_, err := p.db.ExecContext(ctx,
		`INSERT INTO video (video, video_id, room_id, user_id) VALUES ($1, $2, $3, $4)`,
		video, videoID, roomID, userID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "42P01" {
			slog.Warn("history table missing, skipping record", "room", roomID)
			return nil
		}
		return err
	}
	return nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

// Noop discards records. Used when no database is configured.
type Noop struct{}

func (Noop) Record(ctx context.Context, video, videoID, roomID, userID string) error {
	return nil
}
