package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agent-relay/relay/pkg/protocol"
)

// Store tracks every Session known to the broker, live or dormant, and
// periodically sweeps dormant sessions whose resume window has elapsed.
// A single RWMutex-guarded map plus a background ticker, keyed on peer
// name (the routing identity) rather than a server-issued session ID.
type Store struct {
	logger      *slog.Logger
	dedupSize   int
	resumeWindow time.Duration

	mu       sync.RWMutex
	byID     map[string]*Session
	byName   map[string]*Session

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewStore creates a Store. resumeWindow is how long a dormant session may
// be resumed before it is expired and its name released.
func NewStore(dedupSize int, resumeWindow time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger:       logger,
		dedupSize:    dedupSize,
		resumeWindow: resumeWindow,
		byID:         make(map[string]*Session),
		byName:       make(map[string]*Session),
		stopCh:       make(chan struct{}),
	}
}

// ErrNameInUse is returned by Open when name is already held by a live
// (non-dormant) session.
var ErrNameInUse = fmt.Errorf("session: name in use")

// Open creates a brand-new session for name, failing if name is currently
// held by a live session. A dormant session under the same name is evicted
// first -- a fresh HELLO without a resume_token always wins over a stale
// dormant identity.
func (s *Store) Open(name string, entity protocol.EntityType) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byName[name]; ok {
		if existing.State() != StateClosed {
			if existing.State() == StateActive {
				return nil, ErrNameInUse
			}
			// dormant: evict and replace
			delete(s.byID, existing.ID)
		}
	}

	sess := New(uuid.New().String(), name, entity, s.dedupSize)
	s.byID[sess.ID] = sess
	s.byName[name] = sess
	return sess, nil
}

// Resume looks up a dormant or active session by resume token, reactivating
// it. ok is false if no session holds that token or its resume window has
// elapsed (the caller should respond RESUME_TOO_OLD and fall back to Open).
func (s *Store) Resume(resumeToken string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sess := range s.byID {
		if sess.ResumeToken != resumeToken {
			continue
		}
		if sess.State() == StateClosed {
			return nil, false
		}
		if since, dormant := sess.DormantSince(); dormant && since > s.resumeWindow {
			return nil, false
		}
		sess.Touch()
		return sess, true
	}
	return nil, false
}

// Lookup finds a session by peer name.
func (s *Store) Lookup(name string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.byName[name]
	return sess, ok
}

// MarkDormant transitions a session to dormant on disconnect without
// destroying its identity, allowing a later resume.
func (s *Store) MarkDormant(name string) {
	s.mu.RLock()
	sess, ok := s.byName[name]
	s.mu.RUnlock()
	if ok {
		sess.MarkDormant()
	}
}

// Close permanently removes a session, e.g. after an explicit BYE.
func (s *Store) Close(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.byName[name]; ok {
		sess.Close()
		delete(s.byID, sess.ID)
		delete(s.byName, name)
	}
}

// All returns a snapshot of every tracked session, for status reporting.
func (s *Store) All() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.byID))
	for _, sess := range s.byID {
		out = append(out, sess)
	}
	return out
}

// StartSweeper runs a background loop that expires dormant sessions past
// the resume window, releasing their names for reuse.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

// Stop halts the sweeper goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Store) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, sess := range s.byName {
		since, dormant := sess.DormantSince()
		if !dormant || since <= s.resumeWindow {
			continue
		}
		sess.Close()
		delete(s.byID, sess.ID)
		delete(s.byName, name)
		s.logger.Info("session expired", "name", name, "dormant_for", since)
	}
}
