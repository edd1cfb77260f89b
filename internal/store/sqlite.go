package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchemaVersion = 2

const sqliteSchemaV1 = `
CREATE TABLE IF NOT EXISTS pending_messages (
  queue         TEXT NOT NULL,
  msg_key       TEXT NOT NULL,
  routine_id    TEXT NOT NULL,
  recipient_id  TEXT NOT NULL,
  scheduled_at  INTEGER NOT NULL,
  retry_count   INTEGER NOT NULL,
  payload       TEXT NOT NULL,
  PRIMARY KEY (queue, msg_key)
);
CREATE INDEX IF NOT EXISTS idx_pending_due
  ON pending_messages(queue, scheduled_at);

CREATE TABLE IF NOT EXISTS owner_index (
  routine_id TEXT NOT NULL,
  msg_key    TEXT NOT NULL,
  queue      TEXT NOT NULL,
  payload    TEXT NOT NULL,
  PRIMARY KEY (routine_id, msg_key)
);
`

const sqliteSchemaV2 = `
CREATE INDEX IF NOT EXISTS idx_pending_routine
  ON pending_messages(queue, routine_id);
`

// SQLiteStore persists both queues and the owner index in a single SQLite
// database. It is the default durable backend.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("empty db path")
	}

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	ctx := context.Background()

	var journalMode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("sqlite: set journal_mode=wal: %w", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		return fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA synchronous=FULL;"); err != nil {
		return fmt.Errorf("sqlite: set synchronous=full: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}

	return s.migrate(ctx)
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(ctx, "ROLLBACK;")
	}()

	if _, err := conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER NOT NULL
);
`); err != nil {
		return fmt.Errorf("sqlite: init migrations table: %w", err)
	}

	var current int
	hasVersion := true
	err = conn.QueryRowContext(ctx, `SELECT version FROM schema_migrations LIMIT 1;`).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		current = 0
		hasVersion = false
	} else if err != nil {
		return fmt.Errorf("sqlite: read schema version: %w", err)
	}

	if current > sqliteSchemaVersion {
		return fmt.Errorf("sqlite: schema_version=%d, want <=%d", current, sqliteSchemaVersion)
	}

	for v := current + 1; v <= sqliteSchemaVersion; v++ {
		switch v {
		case 1:
			if _, err := conn.ExecContext(ctx, sqliteSchemaV1); err != nil {
				return fmt.Errorf("sqlite: migrate v1: %w", err)
			}
		case 2:
			if _, err := conn.ExecContext(ctx, sqliteSchemaV2); err != nil {
				return fmt.Errorf("sqlite: migrate v2: %w", err)
			}
		default:
			return fmt.Errorf("sqlite: unknown migration %d", v)
		}
	}

	if hasVersion {
		if _, err := conn.ExecContext(ctx, `UPDATE schema_migrations SET version = ?;`, sqliteSchemaVersion); err != nil {
			return fmt.Errorf("sqlite: write schema version: %w", err)
		}
	} else {
		if _, err := conn.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?);`, sqliteSchemaVersion); err != nil {
			return fmt.Errorf("sqlite: write schema version: %w", err)
		}
	}

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *SQLiteStore) Enqueue(q Queue, msg Message) error {
	if err := validQueue(q); err != nil {
		return err
	}
	payload, err := msg.marshal()
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
INSERT INTO pending_messages (queue, msg_key, routine_id, recipient_id, scheduled_at, retry_count, payload)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (queue, msg_key) DO UPDATE SET
  routine_id = excluded.routine_id,
  recipient_id = excluded.recipient_id,
  scheduled_at = excluded.scheduled_at,
  retry_count = excluded.retry_count,
  payload = excluded.payload;
`, string(q), msg.Key(), msg.RoutineID, msg.RecipientID, msg.Score(), msg.RetryCount, string(payload))
	if err != nil {
		return fmt.Errorf("sqlite: enqueue %q: %w", msg.Key(), err)
	}
	return nil
}

func (s *SQLiteStore) Due(q Queue, now time.Time) ([]Message, error) {
	if err := validQueue(q); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`
SELECT payload FROM pending_messages
WHERE queue = ? AND scheduled_at <= ?
ORDER BY scheduled_at ASC, msg_key ASC;
`, string(q), now.UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("sqlite: read due entries: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("sqlite: scan due entry: %w", err)
		}
		msg, err := unmarshalMessage([]byte(payload))
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: read due entries: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Remove(q Queue, msg Message) error {
	if err := validQueue(q); err != nil {
		return err
	}
	res, err := s.db.Exec(`DELETE FROM pending_messages WHERE queue = ? AND msg_key = ?;`, string(q), msg.Key())
	if err != nil {
		return fmt.Errorf("sqlite: remove %q: %w", msg.Key(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: remove %q: %w", msg.Key(), err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Record(routineID string, q Queue, msg Message) error {
	if err := validQueue(q); err != nil {
		return err
	}
	payload, err := msg.marshal()
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
INSERT INTO owner_index (routine_id, msg_key, queue, payload)
VALUES (?, ?, ?, ?)
ON CONFLICT (routine_id, msg_key) DO UPDATE SET
  queue = excluded.queue,
  payload = excluded.payload;
`, routineID, msg.Key(), string(q), string(payload))
	if err != nil {
		return fmt.Errorf("sqlite: record %q for routine %q: %w", msg.Key(), routineID, err)
	}
	return nil
}

func (s *SQLiteStore) Entries(routineID string) ([]IndexEntry, error) {
	rows, err := s.db.Query(`
SELECT queue, payload FROM owner_index
WHERE routine_id = ?
ORDER BY msg_key ASC;
`, routineID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: read index for routine %q: %w", routineID, err)
	}
	defer rows.Close()

	var out []IndexEntry
	for rows.Next() {
		var q, payload string
		if err := rows.Scan(&q, &payload); err != nil {
			return nil, fmt.Errorf("sqlite: scan index entry: %w", err)
		}
		msg, err := unmarshalMessage([]byte(payload))
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		out = append(out, IndexEntry{Queue: Queue(q), Message: msg})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: read index for routine %q: %w", routineID, err)
	}
	return out, nil
}

func (s *SQLiteStore) Unrecord(routineID string, msg Message) error {
	res, err := s.db.Exec(`DELETE FROM owner_index WHERE routine_id = ? AND msg_key = ?;`, routineID, msg.Key())
	if err != nil {
		return fmt.Errorf("sqlite: unrecord %q for routine %q: %w", msg.Key(), routineID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: unrecord %q for routine %q: %w", msg.Key(), routineID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Clear(routineID string) error {
	if _, err := s.db.Exec(`DELETE FROM owner_index WHERE routine_id = ?;`, routineID); err != nil {
		return fmt.Errorf("sqlite: clear index for routine %q: %w", routineID, err)
	}
	return nil
}

func (s *SQLiteStore) Stats() (Stats, error) {
	stats := Stats{Queues: map[Queue]QueueStats{
		QueueDelay: {},
		QueueRetry: {},
	}}

	rows, err := s.db.Query(`
SELECT queue, COUNT(*), MIN(scheduled_at) FROM pending_messages GROUP BY queue;
`)
	if err != nil {
		return Stats{}, fmt.Errorf("sqlite: read stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var q string
		var depth int
		var earliest sql.NullInt64
		if err := rows.Scan(&q, &depth, &earliest); err != nil {
			return Stats{}, fmt.Errorf("sqlite: scan stats: %w", err)
		}
		qs := QueueStats{Depth: depth}
		if earliest.Valid {
			qs.EarliestDue = time.Unix(earliest.Int64, 0).UTC()
		}
		stats.Queues[Queue(q)] = qs
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("sqlite: read stats: %w", err)
	}

	if err := s.db.QueryRow(`SELECT COUNT(DISTINCT routine_id) FROM owner_index;`).Scan(&stats.IndexedRoutines); err != nil {
		return Stats{}, fmt.Errorf("sqlite: read index stats: %w", err)
	}
	return stats, nil
}
