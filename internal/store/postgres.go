package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS pending_messages (
  queue         TEXT NOT NULL,
  msg_key       TEXT NOT NULL,
  routine_id    TEXT NOT NULL,
  recipient_id  TEXT NOT NULL,
  scheduled_at  BIGINT NOT NULL,
  retry_count   INTEGER NOT NULL,
  payload       TEXT NOT NULL,
  PRIMARY KEY (queue, msg_key)
);
CREATE INDEX IF NOT EXISTS idx_pending_due
  ON pending_messages(queue, scheduled_at);
CREATE INDEX IF NOT EXISTS idx_pending_routine
  ON pending_messages(queue, routine_id);

CREATE TABLE IF NOT EXISTS owner_index (
  routine_id TEXT NOT NULL,
  msg_key    TEXT NOT NULL,
  queue      TEXT NOT NULL,
  payload    TEXT NOT NULL,
  PRIMARY KEY (routine_id, msg_key)
);
`

// PostgresStore is the shared-database backend, for deployments where the
// engine runs next to the rest of the system's Postgres instance.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty postgres dsn")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: init schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Enqueue(q Queue, msg Message) error {
	if err := validQueue(q); err != nil {
		return err
	}
	payload, err := msg.marshal()
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
INSERT INTO pending_messages (queue, msg_key, routine_id, recipient_id, scheduled_at, retry_count, payload)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (queue, msg_key) DO UPDATE SET
  routine_id = EXCLUDED.routine_id,
  recipient_id = EXCLUDED.recipient_id,
  scheduled_at = EXCLUDED.scheduled_at,
  retry_count = EXCLUDED.retry_count,
  payload = EXCLUDED.payload;
`, string(q), msg.Key(), msg.RoutineID, msg.RecipientID, msg.Score(), msg.RetryCount, string(payload))
	if err != nil {
		return fmt.Errorf("postgres: enqueue %q: %w", msg.Key(), err)
	}
	return nil
}

func (s *PostgresStore) Due(q Queue, now time.Time) ([]Message, error) {
	if err := validQueue(q); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`
SELECT payload FROM pending_messages
WHERE queue = $1 AND scheduled_at <= $2
ORDER BY scheduled_at ASC, msg_key ASC;
`, string(q), now.UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("postgres: read due entries: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("postgres: scan due entry: %w", err)
		}
		msg, err := unmarshalMessage([]byte(payload))
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: read due entries: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Remove(q Queue, msg Message) error {
	if err := validQueue(q); err != nil {
		return err
	}
	res, err := s.db.Exec(`DELETE FROM pending_messages WHERE queue = $1 AND msg_key = $2;`, string(q), msg.Key())
	if err != nil {
		return fmt.Errorf("postgres: remove %q: %w", msg.Key(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: remove %q: %w", msg.Key(), err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Record(routineID string, q Queue, msg Message) error {
	if err := validQueue(q); err != nil {
		return err
	}
	payload, err := msg.marshal()
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
INSERT INTO owner_index (routine_id, msg_key, queue, payload)
VALUES ($1, $2, $3, $4)
ON CONFLICT (routine_id, msg_key) DO UPDATE SET
  queue = EXCLUDED.queue,
  payload = EXCLUDED.payload;
`, routineID, msg.Key(), string(q), string(payload))
	if err != nil {
		return fmt.Errorf("postgres: record %q for routine %q: %w", msg.Key(), routineID, err)
	}
	return nil
}

func (s *PostgresStore) Entries(routineID string) ([]IndexEntry, error) {
	rows, err := s.db.Query(`
SELECT queue, payload FROM owner_index
WHERE routine_id = $1
ORDER BY msg_key ASC;
`, routineID)
	if err != nil {
		return nil, fmt.Errorf("postgres: read index for routine %q: %w", routineID, err)
	}
	defer rows.Close()

	var out []IndexEntry
	for rows.Next() {
		var q, payload string
		if err := rows.Scan(&q, &payload); err != nil {
			return nil, fmt.Errorf("postgres: scan index entry: %w", err)
		}
		msg, err := unmarshalMessage([]byte(payload))
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		out = append(out, IndexEntry{Queue: Queue(q), Message: msg})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: read index for routine %q: %w", routineID, err)
	}
	return out, nil
}

func (s *PostgresStore) Unrecord(routineID string, msg Message) error {
	res, err := s.db.Exec(`DELETE FROM owner_index WHERE routine_id = $1 AND msg_key = $2;`, routineID, msg.Key())
	if err != nil {
		return fmt.Errorf("postgres: unrecord %q for routine %q: %w", msg.Key(), routineID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: unrecord %q for routine %q: %w", msg.Key(), routineID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Clear(routineID string) error {
	if _, err := s.db.Exec(`DELETE FROM owner_index WHERE routine_id = $1;`, routineID); err != nil {
		return fmt.Errorf("postgres: clear index for routine %q: %w", routineID, err)
	}
	return nil
}

func (s *PostgresStore) Stats() (Stats, error) {
	stats := Stats{Queues: map[Queue]QueueStats{
		QueueDelay: {},
		QueueRetry: {},
	}}

	rows, err := s.db.Query(`
SELECT queue, COUNT(*), MIN(scheduled_at) FROM pending_messages GROUP BY queue;
`)
	if err != nil {
		return Stats{}, fmt.Errorf("postgres: read stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var q string
		var depth int
		var earliest sql.NullInt64
		if err := rows.Scan(&q, &depth, &earliest); err != nil {
			return Stats{}, fmt.Errorf("postgres: scan stats: %w", err)
		}
		qs := QueueStats{Depth: depth}
		if earliest.Valid {
			qs.EarliestDue = time.Unix(earliest.Int64, 0).UTC()
		}
		stats.Queues[Queue(q)] = qs
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("postgres: read stats: %w", err)
	}

	if err := s.db.QueryRow(`SELECT COUNT(DISTINCT routine_id) FROM owner_index;`).Scan(&stats.IndexedRoutines); err != nil {
		return Stats{}, fmt.Errorf("postgres: read index stats: %w", err)
	}
	return stats, nil
}
