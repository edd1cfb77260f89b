package store

import (
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps both queues and the owner index in process memory. It is
// the default for tests and for single-process deployments that can afford to
// lose pending work on restart.
type MemoryStore struct {
	mu     sync.Mutex
	queues map[Queue]map[string]memoryEntry
	index  map[string]map[string]IndexEntry // routine id -> message key -> entry
}

type memoryEntry struct {
	score int64
	msg   Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		queues: map[Queue]map[string]memoryEntry{
			QueueDelay: {},
			QueueRetry: {},
		},
		index: make(map[string]map[string]IndexEntry),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Enqueue(q Queue, msg Message) error {
	if err := validQueue(q); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[q][msg.Key()] = memoryEntry{score: msg.Score(), msg: msg}
	return nil
}

func (s *MemoryStore) Due(q Queue, now time.Time) ([]Message, error) {
	if err := validQueue(q); err != nil {
		return nil, err
	}
	cutoff := now.UTC().Unix()

	s.mu.Lock()
	defer s.mu.Unlock()

	type keyed struct {
		key   string
		entry memoryEntry
	}
	due := make([]keyed, 0)
	for key, entry := range s.queues[q] {
		if entry.score <= cutoff {
			due = append(due, keyed{key: key, entry: entry})
		}
	}
	// Stable order within a tick: score first, identity as tie-break.
	sort.Slice(due, func(i, j int) bool {
		if due[i].entry.score != due[j].entry.score {
			return due[i].entry.score < due[j].entry.score
		}
		return due[i].key < due[j].key
	})

	out := make([]Message, 0, len(due))
	for _, d := range due {
		out = append(out, d.entry.msg)
	}
	return out, nil
}

func (s *MemoryStore) Remove(q Queue, msg Message) error {
	if err := validQueue(q); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := msg.Key()
	if _, ok := s.queues[q][key]; !ok {
		return ErrNotFound
	}
	delete(s.queues[q], key)
	return nil
}

func (s *MemoryStore) Record(routineID string, q Queue, msg Message) error {
	if err := validQueue(q); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.index[routineID]
	if entries == nil {
		entries = make(map[string]IndexEntry)
		s.index[routineID] = entries
	}
	entries[msg.Key()] = IndexEntry{Queue: q, Message: msg}
	return nil
}

func (s *MemoryStore) Entries(routineID string) ([]IndexEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.index[routineID]
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]IndexEntry, 0, len(entries))
	for _, key := range keys {
		out = append(out, entries[key])
	}
	return out, nil
}

func (s *MemoryStore) Unrecord(routineID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.index[routineID]
	key := msg.Key()
	if _, ok := entries[key]; !ok {
		return ErrNotFound
	}
	delete(entries, key)
	if len(entries) == 0 {
		delete(s.index, routineID)
	}
	return nil
}

func (s *MemoryStore) Clear(routineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.index, routineID)
	return nil
}

func (s *MemoryStore) Stats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		Queues:          make(map[Queue]QueueStats, len(s.queues)),
		IndexedRoutines: len(s.index),
	}
	for q, entries := range s.queues {
		qs := QueueStats{Depth: len(entries)}
		for _, entry := range entries {
			at := time.Unix(entry.score, 0).UTC()
			if qs.EarliestDue.IsZero() || at.Before(qs.EarliestDue) {
				qs.EarliestDue = at
			}
		}
		stats.Queues[q] = qs
	}
	return stats, nil
}

func (s *MemoryStore) Close() error { return nil }
