// Package history maintains a bounded per-entity window of recent
// transactions for the scoring engine.
//
// The store is an in-memory working set: it is deliberately not persisted
// and starts empty on process restart. Each entity keeps at most MaxEntries
// observations; the oldest is evicted first.
package history

import (
	"sync"
	"time"

	"github.com/aegisfin/aegis/internal/money"
	"github.com/aegisfin/aegis/internal/syncutil"
)

// MaxEntries is the per-entity history cap.
const MaxEntries = 20

// Txn is a single observed transaction for an entity.
type Txn struct {
	Timestamp time.Time
	Amount    money.Amount
}

// Store holds per-entity ring buffers. Writers on the same entity are
// serialized through a sharded mutex; writers on distinct entities proceed
// in parallel.
type Store struct {
	entries sync.Map // map[string]*ring
	locks   syncutil.ShardedMutex
}

// ring is a fixed-capacity FIFO of Txn, most-recent-last.
type ring struct {
	buf   [MaxEntries]Txn
	start int
	count int
}

func (r *ring) push(t Txn) {
	if r.count < MaxEntries {
		r.buf[(r.start+r.count)%MaxEntries] = t
		r.count++
		return
	}
	// Full: overwrite the oldest slot and advance.
	r.buf[r.start] = t
	r.start = (r.start + 1) % MaxEntries
}

func (r *ring) snapshot() []Txn {
	out := make([]Txn, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.start+i)%MaxEntries]
	}
	return out
}

// NewStore creates an empty history store.
func NewStore() *Store {
	return &Store{}
}

// Record appends a transaction to the entity's history and returns a copy
// of the resulting window, oldest-first. The copy is owned by the caller.
func (s *Store) Record(entityID string, ts time.Time, amount money.Amount) []Txn {
	unlock := s.locks.Lock(entityID)
	defer unlock()

	v, _ := s.entries.LoadOrStore(entityID, &ring{})
	r := v.(*ring)
	r.push(Txn{Timestamp: ts, Amount: amount})
	return r.snapshot()
}

// Len returns the current history length for an entity.
func (s *Store) Len(entityID string) int {
	unlock := s.locks.Lock(entityID)
	defer unlock()

	v, ok := s.entries.Load(entityID)
	if !ok {
		return 0
	}
	return v.(*ring).count
}
