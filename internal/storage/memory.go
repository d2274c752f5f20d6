package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	turns   map[string][]Turn
	flushes []FlushRecord
}

func NewMemory() *MemoryStore {
	return &MemoryStore{turns: map[string][]Turn{}}
}

func (m *MemoryStore) AppendTurns(_ context.Context, sender string, turns ...Turn) error {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range turns {
		if t.At.IsZero() {
			t.At = now
		}
		m.turns[sender] = append(m.turns[sender], t)
	}
	return nil
}

func (m *MemoryStore) History(_ context.Context, sender string, limit int) ([]Turn, error) {
	if limit <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.turns[sender]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]Turn(nil), all...), nil
}

func (m *MemoryStore) AppendFlush(_ context.Context, rec FlushRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Same id replaces the earlier record, matching the sqlite upsert.
	for i := range m.flushes {
		if rec.ID != "" && m.flushes[i].ID == rec.ID {
			m.flushes[i] = rec
			return nil
		}
	}
	m.flushes = append(m.flushes, rec)
	return nil
}

// Flushes returns a copy of the recorded flush audit entries.
func (m *MemoryStore) Flushes() []FlushRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]FlushRecord(nil), m.flushes...)
}

func (m *MemoryStore) Prune(_ context.Context, before time.Time) (PruneResult, error) {
	var res PruneResult
	m.mu.Lock()
	defer m.mu.Unlock()

	for sender, turns := range m.turns {
		kept := turns[:0]
		for _, t := range turns {
			if t.At.Before(before) {
				res.Turns++
				continue
			}
			kept = append(kept, t)
		}
		if len(kept) == 0 {
			delete(m.turns, sender)
		} else {
			m.turns[sender] = kept
		}
	}

	kept := m.flushes[:0]
	for _, f := range m.flushes {
		if f.At.Before(before) {
			res.Flushes++
			continue
		}
		kept = append(kept, f)
	}
	m.flushes = kept
	return res, nil
}

func (m *MemoryStore) Close() error { return nil }
