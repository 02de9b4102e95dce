// Package store holds the broker's message history: an append-only,
// memory-bounded ring of delivery records, readable per destination by
// seq, with an optional durable SQLite-backed copy of every appended
// record.
package store

import (
	"sync"
	"time"

	"github.com/agent-relay/relay/pkg/protocol"
)

// State is the terminal/non-terminal delivery state of a Record. Eviction
// only removes records that have reached a terminal state -- a record
// still awaiting ACK is protected from the memory bound so an unlucky
// reader can't lose a message that is still in flight.
type State int

const (
	StatePending State = iota
	StateAcked
	StateNacked
	StateExpired
)

func (s State) terminal() bool {
	return s != StatePending
}

// Record is one stored delivery attempt.
type Record struct {
	ID        string
	From      string
	To        string
	Seq       int64
	Envelope  protocol.Envelope
	State     State
	CreatedAt time.Time
}

// DurableBacking persists records beyond the in-memory ring, e.g. to
// SQLite; Tail reads them back per destination by seq. Store writes each
// appended record to it; nothing reads it back when the broker starts.
type DurableBacking interface {
	Append(r Record) error
	Tail(to string, since int64, limit int) ([]Record, error)
	Close() error
}

// Store is an append-only, memory-bounded message store. Eviction removes
// the oldest terminal-state record once the bound is exceeded; non-terminal
// (pending) records are never evicted regardless of age, so a slow
// destination can't lose history it hasn't acknowledged yet.
type Store struct {
	mu      sync.Mutex
	maxRecords int
	maxAge     time.Duration

	order   []string // insertion order, oldest first
	records map[string]*Record

	durable DurableBacking
}

// New creates a Store bounded to maxRecords entries (0 means unbounded by
// count) and maxAge (0 means unbounded by age). durable may be nil.
func New(maxRecords int, maxAge time.Duration, durable DurableBacking) *Store {
	return &Store{
		maxRecords: maxRecords,
		maxAge:     maxAge,
		records:    make(map[string]*Record),
		durable:    durable,
	}
}

// Append records a new delivery attempt, evicting the oldest terminal
// record(s) if the store is now over its bound.
func (s *Store) Append(r Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := r
	s.records[r.ID] = &cp
	s.order = append(s.order, r.ID)

	if s.durable != nil {
		_ = s.durable.Append(cp)
	}

	s.evictLocked()
}

// SetState transitions a record's delivery state, e.g. on ACK/NACK.
func (s *Store) SetState(id string, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[id]; ok {
		r.State = state
	}
	s.evictLocked()
}

func (s *Store) evictLocked() {
	now := time.Now()
	for len(s.order) > 0 {
		over := s.maxRecords > 0 && len(s.order) > s.maxRecords
		oldest := s.records[s.order[0]]
		aged := s.maxAge > 0 && oldest != nil && now.Sub(oldest.CreatedAt) > s.maxAge

		if !over && !aged {
			return
		}
		if oldest != nil && !oldest.State.terminal() {
			// cannot evict a pending record; stop scanning further since
			// order is oldest-first and later entries are even younger.
			return
		}

		delete(s.records, s.order[0])
		s.order = s.order[1:]
	}
}

// Get returns a record by ID.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Since returns every in-memory record addressed to `to` with Seq > since,
// in ascending seq order. Callers needing older history
// than the in-memory ring retains should additionally consult the
// DurableBacking's Tail.
func (s *Store) Since(to string, since int64, limit int) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, limit)
	for _, id := range s.order {
		r := s.records[id]
		if r.To != to || r.Seq <= since {
			continue
		}
		out = append(out, *r)
	}
	// order slice is insertion order, which for a single destination's
	// strictly increasing seq is already ascending by seq.
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Len returns the number of in-memory records currently retained.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Close releases the durable backing, if any.
func (s *Store) Close() error {
	if s.durable != nil {
		return s.durable.Close()
	}
	return nil
}
