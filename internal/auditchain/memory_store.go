package auditchain

import (
	"context"
	"sync"
)

// MemoryStore keeps the chain in memory for demo/testing. A single mutex
// serializes appends, which gives the same no-fork guarantee as the
// Postgres store's transaction.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Record
}

// NewMemoryStore creates an empty in-memory chain store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(_ context.Context, build func(tip Tip) (*Record, error)) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := build(m.tipLocked())
	if err != nil {
		return nil, err
	}
	cp := *rec
	m.records = append(m.records, &cp)
	return rec, nil
}

func (m *MemoryStore) Tip(_ context.Context) (Tip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tipLocked(), nil
}

func (m *MemoryStore) FetchAll(_ context.Context) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Record, len(m.records))
	for i, rec := range m.records {
		cp := *rec
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) tipLocked() Tip {
	if len(m.records) == 0 {
		return GenesisTip()
	}
	last := m.records[len(m.records)-1]
	return Tip{Height: last.Height, BlockHash: last.BlockHash}
}

// Corrupt mutates the stored record at height h (for tamper-detection tests).
func (m *MemoryStore) Corrupt(h int64, mutate func(*Record)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range m.records {
		if rec.Height == h {
			mutate(rec)
			return true
		}
	}
	return false
}
