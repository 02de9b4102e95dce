// Package session tracks connection identity across the life of the
// broker: who a peer is, its resume token, its outbound sequence counter,
// and the dedup window that lets a reconnecting peer tell which deliveries
// it already saw.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agent-relay/relay/pkg/protocol"
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateActive State = iota
	StateDormant
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDormant:
		return "dormant"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one peer's identity and delivery bookkeeping, independent of
// its current connection -- a dormant Session has no live connection but
// retains its sequence counter and dedup window so a resumed connection
// picks up exactly where the last one left off.
type Session struct {
	ID          string
	Name        string
	Entity      protocol.EntityType
	ResumeToken string
	CreatedAt   time.Time

	mu         sync.Mutex
	state      State
	lastSeenAt time.Time
	seq        int64

	dedup *DedupWindow
}

// New creates an active Session with a fresh resume token and dedup window
// sized per config.
func New(id, name string, entity protocol.EntityType, dedupSize int) *Session {
	now := time.Now()
	return &Session{
		ID:          id,
		Name:        name,
		Entity:      entity,
		ResumeToken: newResumeToken(),
		CreatedAt:   now,
		state:       StateActive,
		lastSeenAt:  now,
		dedup:       NewDedupWindow(dedupSize),
	}
}

func newResumeToken() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is fatal to the process; a predictable
		// resume token would let one client resume another's session.
		panic("session: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}

// NextSeq returns the next outbound delivery sequence number for this peer.
func (s *Session) NextSeq() int64 {
	return atomic.AddInt64(&s.seq, 1)
}

// Seq returns the current sequence number without advancing it.
func (s *Session) Seq() int64 {
	return atomic.LoadInt64(&s.seq)
}

// Touch marks the session as seen now, reactivating it if dormant.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeenAt = time.Now()
	if s.state == StateDormant {
		s.state = StateActive
	}
}

// MarkDormant transitions the session to dormant, recording the time so the
// store's sweeper can later expire it once the resume window elapses.
func (s *Session) MarkDormant() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateActive {
		s.state = StateDormant
		s.lastSeenAt = time.Now()
	}
}

// Close marks the session permanently closed; it is no longer resumable.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateClosed
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// DormantSince reports how long the session has been dormant. ok is false
// if the session is not dormant.
func (s *Session) DormantSince() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDormant {
		return 0, false
	}
	return time.Since(s.lastSeenAt), true
}

// SeenDelivery records a delivered message ID and reports whether it was
// already seen (i.e. this delivery is a duplicate the caller should drop).
func (s *Session) SeenDelivery(id string) bool {
	return s.dedup.SeenOrAdd(id)
}
