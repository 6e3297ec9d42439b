// Package cache persists room timelines and pagination tokens in SQLite so a
// reopened room starts from what was already loaded.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/shawkym/mxview/pkg/log"
	"github.com/shawkym/mxview/pkg/timeline"
)

// ErrNotCached is returned by LoadRoom for rooms with no cached state.
var ErrNotCached = errors.New("room not cached")

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	room_id    TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	topic      TEXT NOT NULL DEFAULT '',
	prev_batch TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS events (
	room_id    TEXT NOT NULL,
	event_id   TEXT NOT NULL,
	position   INTEGER NOT NULL,
	type       TEXT NOT NULL,
	sender     TEXT NOT NULL DEFAULT '',
	ts         INTEGER NOT NULL DEFAULT 0,
	state_key  TEXT,
	content    TEXT NOT NULL DEFAULT '{}',
	-- token that pages backwards from this event, set on chunk boundaries
	back_token TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (room_id, event_id)
);

CREATE INDEX IF NOT EXISTS idx_events_room_position ON events(room_id, position);

CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Cache is a SQLite-backed event cache. It is safe for concurrent use.
type Cache struct {
	db         *sql.DB
	maxPerRoom int
}

// Open opens or creates the cache at path. maxPerRoom <= 0 keeps every
// event.
func Open(ctx context.Context, path string, maxPerRoom int) (*Cache, error) {
	if path == "" {
		return nil, fmt.Errorf("cache path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize cache schema: %w", err)
	}

	log.WithFields(map[string]interface{}{
		"path":         path,
		"max_per_room": maxPerRoom,
	}).Debug("event cache opened")

	return &Cache{db: db, maxPerRoom: maxPerRoom}, nil
}

// Close closes the database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// LoadRoom returns the cached snapshot of roomID, events oldest first.
func (c *Cache) LoadRoom(ctx context.Context, roomID string) (*timeline.Room, error) {
	room := &timeline.Room{ID: roomID, Joined: true}
	err := c.db.QueryRowContext(ctx,
		`SELECT name, topic, prev_batch FROM rooms WHERE room_id = ?`, roomID,
	).Scan(&room.Name, &room.Topic, &room.PaginationToken)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotCached
		}
		return nil, fmt.Errorf("failed to load room %s: %w", roomID, err)
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT event_id, type, sender, ts, state_key, content
		FROM events WHERE room_id = ? ORDER BY position ASC
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to load events for %s: %w", roomID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ev       timeline.Event
			ts       int64
			stateKey sql.NullString
			content  string
		)
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.Sender, &ts, &stateKey, &content); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Timestamp = time.UnixMilli(ts)
		if stateKey.Valid {
			key := stateKey.String
			ev.StateKey = &key
		}
		if err := json.Unmarshal([]byte(content), &ev.Content); err != nil {
			log.WithError(err).WithField("event_id", ev.ID).Warn("skipping cached event with bad content")
			continue
		}
		room.Timeline = append(room.Timeline, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events for %s: %w", roomID, err)
	}
	return room, nil
}

// AppendEvents stores live events (oldest first) after the cached ones.
// prevBatch pages backwards from events[0]; it becomes the room's token
// when the room had no events yet. Local echoes are not stored.
func (c *Cache) AppendEvents(ctx context.Context, roomID string, events []timeline.Event, prevBatch string) error {
	events = storable(events)
	return c.transaction(ctx, func(tx *sql.Tx) error {
		if err := ensureRoom(ctx, tx, roomID); err != nil {
			return err
		}
		var maxPos sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT MAX(position) FROM events WHERE room_id = ?`, roomID).Scan(&maxPos); err != nil {
			return fmt.Errorf("failed to read positions: %w", err)
		}
		if !maxPos.Valid && prevBatch != "" {
			if _, err := tx.ExecContext(ctx,
				`UPDATE rooms SET prev_batch = ? WHERE room_id = ?`, prevBatch, roomID); err != nil {
				return fmt.Errorf("failed to store pagination token: %w", err)
			}
		}
		next := maxPos.Int64 + 1
		for i, ev := range events {
			back := ""
			if i == 0 {
				back = prevBatch
			}
			if err := insertEvent(ctx, tx, roomID, ev, next, back); err != nil {
				return err
			}
			next++
		}
		return c.trim(ctx, tx, roomID)
	})
}

// PrependEvents stores backfilled events (oldest first) before the cached
// ones and records end, the token that pages further back. An empty end
// marks the start of the room.
func (c *Cache) PrependEvents(ctx context.Context, roomID string, events []timeline.Event, end string) error {
	events = storable(events)
	return c.transaction(ctx, func(tx *sql.Tx) error {
		if err := ensureRoom(ctx, tx, roomID); err != nil {
			return err
		}
		var minPos sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT MIN(position) FROM events WHERE room_id = ?`, roomID).Scan(&minPos); err != nil {
			return fmt.Errorf("failed to read positions: %w", err)
		}
		pos := minPos.Int64 - int64(len(events))
		for i, ev := range events {
			back := ""
			if i == 0 {
				back = end
			}
			if err := insertEvent(ctx, tx, roomID, ev, pos, back); err != nil {
				return err
			}
			pos++
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE rooms SET prev_batch = ?, updated_at = ? WHERE room_id = ?`,
			end, time.Now().UnixMilli(), roomID); err != nil {
			return fmt.Errorf("failed to store pagination token: %w", err)
		}
		return nil
	})
}

// ResetRoom drops the cached events of roomID, keeping its metadata. Used
// when a sync gap makes the cached range discontiguous.
func (c *Cache) ResetRoom(ctx context.Context, roomID string) error {
	return c.transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE room_id = ?`, roomID); err != nil {
			return fmt.Errorf("failed to reset room %s: %w", roomID, err)
		}
		_, err := tx.ExecContext(ctx, `UPDATE rooms SET prev_batch = '' WHERE room_id = ?`, roomID)
		return err
	})
}

// SaveRoomMeta stores the room's name and topic.
func (c *Cache) SaveRoomMeta(ctx context.Context, roomID, name, topic string) error {
	return c.transaction(ctx, func(tx *sql.Tx) error {
		if err := ensureRoom(ctx, tx, roomID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE rooms SET name = ?, topic = ?, updated_at = ? WHERE room_id = ?`,
			name, topic, time.Now().UnixMilli(), roomID)
		if err != nil {
			return fmt.Errorf("failed to save room metadata: %w", err)
		}
		return nil
	})
}

// SyncToken returns the stored sync position for roomID, or "".
func (c *Cache) SyncToken(ctx context.Context, roomID string) (string, error) {
	var token string
	err := c.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, "next_batch:"+roomID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read sync token: %w", err)
	}
	return token, nil
}

// SetSyncToken stores the sync position for roomID.
func (c *Cache) SetSyncToken(ctx context.Context, roomID, token string) error {
	return c.transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			"next_batch:"+roomID, token)
		return err
	})
}

// trim drops the oldest events beyond maxPerRoom. It only cuts at a chunk
// boundary so the stored token still pages back from the new oldest event.
func (c *Cache) trim(ctx context.Context, tx *sql.Tx, roomID string) error {
	if c.maxPerRoom <= 0 {
		return nil
	}
	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE room_id = ?`, roomID).Scan(&count); err != nil {
		return fmt.Errorf("failed to count events: %w", err)
	}
	if count <= c.maxPerRoom {
		return nil
	}

	var cutoff int64
	var back string
	err := tx.QueryRowContext(ctx, `
		SELECT position, back_token FROM events
		WHERE room_id = ? AND back_token != '' AND position >= (
			SELECT position FROM events WHERE room_id = ?
			ORDER BY position DESC LIMIT 1 OFFSET ?
		)
		ORDER BY position ASC LIMIT 1
	`, roomID, roomID, c.maxPerRoom-1).Scan(&cutoff, &back)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to find trim point: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM events WHERE room_id = ? AND position < ?`, roomID, cutoff)
	if err != nil {
		return fmt.Errorf("failed to trim events: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE rooms SET prev_batch = ? WHERE room_id = ?`, back, roomID); err != nil {
		return fmt.Errorf("failed to store pagination token: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.WithFields(map[string]interface{}{
			"room_id": roomID,
			"trimmed": n,
		}).Debug("event cache trimmed")
	}
	return nil
}

func ensureRoom(ctx context.Context, tx *sql.Tx, roomID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO rooms (room_id, updated_at) VALUES (?, ?)`,
		roomID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to create room %s: %w", roomID, err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, roomID string, ev timeline.Event, pos int64, back string) error {
	content, err := json.Marshal(ev.Content)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", ev.ID, err)
	}
	var stateKey interface{}
	if ev.StateKey != nil {
		stateKey = *ev.StateKey
	}
	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO events (room_id, event_id, position, type, sender, ts, state_key, content, back_token)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, roomID, ev.ID, pos, ev.Type, ev.Sender, ev.Timestamp.UnixMilli(), stateKey, string(content), back)
	if err != nil {
		return fmt.Errorf("failed to insert event %s: %w", ev.ID, err)
	}
	return nil
}

func storable(events []timeline.Event) []timeline.Event {
	out := make([]timeline.Event, 0, len(events))
	for _, ev := range events {
		if ev.ID == "" || ev.Status != timeline.StatusSent {
			continue
		}
		out = append(out, ev)
	}
	return out
}

const (
	defaultRetryAttempts = 3
	defaultRetryBackoff  = 50 * time.Millisecond
)

// transaction runs fn in a transaction, retrying when the database is busy.
func (c *Cache) transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	backoff := defaultRetryBackoff
	for attempt := 1; ; attempt++ {
		err := c.runTx(ctx, fn)
		if err == nil || !isBusyError(err) || attempt >= defaultRetryAttempts {
			return err
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
}

func (c *Cache) runTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isBusyError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "database is locked") ||
		strings.Contains(message, "database is busy") ||
		strings.Contains(message, "sqlite_busy")
}
