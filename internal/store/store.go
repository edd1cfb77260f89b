package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Queue names the two time-scored stores. A message lives in exactly one of
// them at a time: delay until its first dispatch, retry after a failed
// delivery.
type Queue string

const (
	QueueDelay Queue = "delay"
	QueueRetry Queue = "retry"
)

var (
	ErrNotFound    = errors.New("entry not found")
	ErrUnavailable = errors.New("store unavailable")
)

// Message is the unit of scheduled work. Its identity is the combination of
// owning routine, recipient, and scheduled instant; a routine cannot hold two
// pending messages for the same instant. RoutineID is empty for
// system-originated messages with no owning routine.
type Message struct {
	RoutineID     string    `json:"routine_id,omitempty"`
	RoutineTitle  string    `json:"routine_title"`
	RecipientID   string    `json:"recipient_id"`
	RecipientName string    `json:"recipient_name"`
	Body          string    `json:"body,omitempty"`
	DeviceToken   string    `json:"device_token"`
	ScheduledAt   time.Time `json:"scheduled_at"`
	RetryCount    int       `json:"retry_count"`
}

// Key returns the identity of the message. Enqueueing a message with the same
// key replaces the previous entry, which is what makes preload idempotent.
func (m Message) Key() string {
	return m.RoutineID + "|" + m.RecipientID + "|" + strconv.FormatInt(m.ScheduledAt.UTC().Unix(), 10)
}

// Score is the store ordering key: the delivery instant in seconds since
// epoch, UTC.
func (m Message) Score() int64 {
	return m.ScheduledAt.UTC().Unix()
}

// Title renders the push notification title for the message.
func (m Message) Title() string {
	if m.RoutineTitle == "" {
		return fmt.Sprintf("%s, you have a reminder", m.RecipientName)
	}
	return fmt.Sprintf("%s, it's time for %s", m.RecipientName, m.RoutineTitle)
}

func (m Message) marshal() ([]byte, error) {
	b, err := json.Marshal(messageRecord{
		RoutineID:     m.RoutineID,
		RoutineTitle:  m.RoutineTitle,
		RecipientID:   m.RecipientID,
		RecipientName: m.RecipientName,
		Body:          m.Body,
		DeviceToken:   m.DeviceToken,
		ScheduledAt:   m.ScheduledAt.UTC().Unix(),
		RetryCount:    m.RetryCount,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal message %q: %w", m.Key(), err)
	}
	return b, nil
}

func unmarshalMessage(b []byte) (Message, error) {
	var rec messageRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return Message{}, fmt.Errorf("unmarshal message: %w", err)
	}
	return Message{
		RoutineID:     rec.RoutineID,
		RoutineTitle:  rec.RoutineTitle,
		RecipientID:   rec.RecipientID,
		RecipientName: rec.RecipientName,
		Body:          rec.Body,
		DeviceToken:   rec.DeviceToken,
		ScheduledAt:   time.Unix(rec.ScheduledAt, 0).UTC(),
		RetryCount:    rec.RetryCount,
	}, nil
}

// messageRecord is the serialized wire form. Instants are stored as unix
// seconds so the payload is stable across time zones and Go versions.
type messageRecord struct {
	RoutineID     string `json:"routine_id,omitempty"`
	RoutineTitle  string `json:"routine_title"`
	RecipientID   string `json:"recipient_id"`
	RecipientName string `json:"recipient_name"`
	Body          string `json:"body,omitempty"`
	DeviceToken   string `json:"device_token"`
	ScheduledAt   int64  `json:"scheduled_at"`
	RetryCount    int    `json:"retry_count"`
}

// IndexEntry is one owner index membership: a serialized message plus the
// queue that currently holds it.
type IndexEntry struct {
	Queue   Queue
	Message Message
}

// QueueStats describes one queue for the stats surface.
type QueueStats struct {
	Depth       int
	EarliestDue time.Time
}

type Stats struct {
	Queues          map[Queue]QueueStats
	IndexedRoutines int
}

// Store is the persistence contract for the delay queue, the retry queue, and
// the owner index. Each method maps to a single store-level operation assumed
// atomic on its own; sequences that touch both a queue and the index are
// composed by the engine and are explicitly not atomic.
//
// Enqueue upserts by message identity and is idempotent. Due returns every
// entry scored at or before now without removing it; callers remove entries
// explicitly once processed. Remove reports ErrNotFound when the entry is
// already gone so callers racing a concurrent removal can treat it as a
// no-op.
//
// Record and Unrecord maintain owner index memberships; Entries lists a
// routine's current memberships across both queues; Clear drops the
// routine's index entry wholesale.
type Store interface {
	Enqueue(q Queue, msg Message) error
	Due(q Queue, now time.Time) ([]Message, error)
	Remove(q Queue, msg Message) error

	Record(routineID string, q Queue, msg Message) error
	Entries(routineID string) ([]IndexEntry, error)
	Unrecord(routineID string, msg Message) error
	Clear(routineID string) error

	Stats() (Stats, error)
	Close() error
}

func validQueue(q Queue) error {
	switch q {
	case QueueDelay, QueueRetry:
		return nil
	}
	return fmt.Errorf("unknown queue %q", q)
}
