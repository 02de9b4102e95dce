package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Managed is one child under supervision, pairing the process with its
// health/restart bookkeeping.
type Managed struct {
	Spec   Spec
	Child  *Child
	health *healthTracker

	mu          sync.Mutex
	lastOutput  time.Time
	releaseOnce sync.Once
	released    chan struct{}
	markerOnce  sync.Once
}

// State returns the child's current restart state.
func (m *Managed) State() RestartState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health.state
}

// Supervisor owns every spawned child for one broker process.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger

	onOutput   func(OutputLine)
	onExit     func(name string, state RestartState)
	onReleased func(name string)

	mu       sync.Mutex
	children map[string]*Managed
}

// OnReleased registers fn to be called whenever a supervised child is torn
// down via Release -- including a Release triggered automatically by a
// completion-marker match -- so the broker can release the child's
// reserved name and session the same way it does for an unexpected death.
func (s *Supervisor) OnReleased(fn func(name string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReleased = fn
}

// Config tunes health-monitoring and restart policy.
type Config struct {
	HealthInterval  time.Duration
	UnhealthyStreak int
	MaxRestarts     int
	ReleaseGraceful time.Duration
}

// New creates a Supervisor. onOutput is called for every line of output
// from every child (ANSI-stripped); onExit is called once a child becomes
// permanently_dead (restarts exhausted, or a restart failed).
func New(cfg Config, onOutput func(OutputLine), onExit func(name string, state RestartState), logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 5 * time.Second
	}
	if cfg.UnhealthyStreak <= 0 {
		cfg.UnhealthyStreak = 3
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = 5
	}
	return &Supervisor{
		cfg:      cfg,
		logger:   logger.With("component", "supervisor"),
		onOutput: onOutput,
		onExit:   onExit,
		children: make(map[string]*Managed),
	}
}

// ErrAlreadySpawned is returned by Spawn when name is already supervised.
var ErrAlreadySpawned = fmt.Errorf("supervisor: name already spawned")

// Spawn starts a new supervised child under name.
func (s *Supervisor) Spawn(ctx context.Context, spec Spec) (*Managed, error) {
	s.mu.Lock()
	if _, exists := s.children[spec.Name]; exists {
		s.mu.Unlock()
		return nil, ErrAlreadySpawned
	}
	s.mu.Unlock()

	child, err := Spawn(spec)
	if err != nil {
		return nil, err
	}

	m := &Managed{
		Spec:     spec,
		Child:    child,
		health:   newHealthTracker(s.cfg.UnhealthyStreak, s.cfg.MaxRestarts),
		released: make(chan struct{}),
	}

	s.mu.Lock()
	s.children[spec.Name] = m
	s.mu.Unlock()

	go s.pumpOutput(m)
	go s.watchExit(ctx, m)

	s.logger.Info("spawned child", "name", spec.Name, "cli_kind", spec.CLIKind, "pid", child.PID())
	return m, nil
}

func (s *Supervisor) pumpOutput(m *Managed) {
	for line := range m.Child.Output() {
		m.mu.Lock()
		m.lastOutput = time.Now()
		m.mu.Unlock()
		if s.onOutput != nil {
			s.onOutput(line)
		}
		s.scanCompletion(m, line)
	}
}

// scanCompletion checks one output line against the child's completion
// markers (for CLIs that cannot speak the protocol directly) and triggers
// a graceful release the first time one matches, mirroring the spec's
// "/exit"-and-legacy-marker completion signal.
func (s *Supervisor) scanCompletion(m *Managed, line OutputLine) {
	if m.Child.Kind.SpeaksMCP {
		return
	}
	marker, ok := m.Child.Kind.MatchesCompletion(line.Line)
	if !ok {
		return
	}
	m.markerOnce.Do(func() {
		s.logger.Info("completion marker detected, releasing", "name", m.Spec.Name, "marker", marker)
		go func() { _ = s.Release(m.Spec.Name, false) }()
	})
}

func (s *Supervisor) watchExit(ctx context.Context, m *Managed) {
	select {
	case <-m.Child.Done():
	case <-m.released:
		return
	}

	select {
	case <-m.released:
		return
	default:
	}

	state := m.health.RecordExited()
	s.logger.Warn("child exited unexpectedly", "name", m.Spec.Name, "exit_code", m.Child.ExitCode())

	if state, restarted := m.health.BeginRestart(); restarted {
		s.logger.Info("restarting child", "name", m.Spec.Name, "state", state.String())
		if err := s.restart(ctx, m); err != nil {
			s.logger.Error("restart failed", "name", m.Spec.Name, "error", err)
			m.health.state = StatePermanentlyDead
			s.finish(m)
			return
		}
		return
	}

	s.finish(m)
}

func (s *Supervisor) restart(ctx context.Context, m *Managed) error {
	child, err := Spawn(m.Spec)
	if err != nil {
		return err
	}
	m.Child = child
	m.health.RecordRestarted()
	go s.pumpOutput(m)
	go s.watchExit(ctx, m)
	return nil
}

func (s *Supervisor) finish(m *Managed) {
	s.mu.Lock()
	delete(s.children, m.Spec.Name)
	s.mu.Unlock()
	if s.onExit != nil {
		s.onExit(m.Spec.Name, m.health.state)
	}
}

// Get returns the Managed child for name, if supervised.
func (s *Supervisor) Get(name string) (*Managed, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.children[name]
	return m, ok
}

// Release stops a supervised child: graceful SIGTERM first, waiting up to
// ReleaseGraceful before escalating to Kill. force skips straight to Kill.
// Idempotent: releasing an already-released name is a no-op success, per
// the spec's "a subsequent RELEASE succeeds idempotently" scenario.
func (s *Supervisor) Release(name string, force bool) error {
	s.mu.Lock()
	m, ok := s.children[name]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	m.releaseOnce.Do(func() { close(m.released) })

	var killErr error
	if force {
		killErr = m.Child.Kill()
	} else if err := m.Child.Stop(); err != nil {
		killErr = m.Child.Kill()
	} else {
		select {
		case <-m.Child.Done():
		case <-time.After(s.cfg.ReleaseGraceful):
			_ = m.Child.Kill()
		}
	}

	s.mu.Lock()
	_, stillTracked := s.children[name]
	delete(s.children, name)
	s.mu.Unlock()

	if stillTracked && s.onReleased != nil {
		s.onReleased(name)
	}
	return killErr
}

// StartHealthMonitor runs a ticker that checks every supervised child's
// last-output time every HealthInterval. A child with no output for three
// intervals counts as a missed heartbeat (e.g. a hung process still holding
// its PTY open); UnhealthyStreak misses in a row mark it unhealthy, and
// fresh output marks it running again. An unhealthy child is not killed or
// restarted.
func (s *Supervisor) StartHealthMonitor(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.cfg.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.checkHealth()
			}
		}
	}()
}

func (s *Supervisor) checkHealth() {
	s.mu.Lock()
	managed := make([]*Managed, 0, len(s.children))
	for _, m := range s.children {
		managed = append(managed, m)
	}
	s.mu.Unlock()

	for _, m := range managed {
		m.mu.Lock()
		quiet := m.lastOutput.IsZero() || time.Since(m.lastOutput) > s.cfg.HealthInterval*3
		m.mu.Unlock()

		if quiet {
			m.health.RecordMissedHeartbeat()
		} else {
			m.health.RecordHealthy()
		}
	}
}

// List returns a snapshot of every currently supervised child's name and
// restart state, for status reporting.
func (s *Supervisor) List() map[string]RestartState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]RestartState, len(s.children))
	for name, m := range s.children {
		out[name] = m.State()
	}
	return out
}
