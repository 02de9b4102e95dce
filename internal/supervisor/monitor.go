package supervisor

// RestartState is the health/restart state machine for one supervised
// child: running -> unhealthy after missed heartbeats, and back to running
// on the next healthy check (an unhealthy child is not restarted); on an
// unexpected exit, dead -> restarting -> running, or -> permanently_dead
// once max_restarts is exhausted.
type RestartState int

const (
	StateRunning RestartState = iota
	StateUnhealthy
	StateRestarting
	StateDead
	StatePermanentlyDead
)

func (s RestartState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateUnhealthy:
		return "unhealthy"
	case StateRestarting:
		return "restarting"
	case StateDead:
		return "dead"
	case StatePermanentlyDead:
		return "permanently_dead"
	default:
		return "unknown"
	}
}

// healthTracker holds the restart bookkeeping for one managed child.
type healthTracker struct {
	state            RestartState
	unhealthyStreak  int
	restartCount     int
	maxRestarts      int
	unhealthyStreakMax int
}

func newHealthTracker(unhealthyStreakMax, maxRestarts int) *healthTracker {
	return &healthTracker{
		state:              StateRunning,
		maxRestarts:        maxRestarts,
		unhealthyStreakMax: unhealthyStreakMax,
	}
}

// RecordMissedHeartbeat advances the tracker after a health check found the
// child unresponsive, returning the resulting state.
func (h *healthTracker) RecordMissedHeartbeat() RestartState {
	if h.state == StatePermanentlyDead {
		return h.state
	}
	h.unhealthyStreak++
	if h.unhealthyStreak >= h.unhealthyStreakMax {
		h.state = StateUnhealthy
	}
	return h.state
}

// RecordHealthy resets the unhealthy streak after a successful health
// check, recovering to running if the child was merely unhealthy (not yet
// mid-restart).
func (h *healthTracker) RecordHealthy() RestartState {
	h.unhealthyStreak = 0
	if h.state == StateUnhealthy {
		h.state = StateRunning
	}
	return h.state
}

// BeginRestart transitions to restarting and counts the attempt, returning
// false (and leaving the state at permanently_dead) once max_restarts is
// exhausted.
func (h *healthTracker) BeginRestart() (RestartState, bool) {
	if h.restartCount >= h.maxRestarts {
		h.state = StatePermanentlyDead
		return h.state, false
	}
	h.restartCount++
	h.state = StateRestarting
	return h.state, true
}

// RecordRestarted marks a restart as having successfully produced a new
// running child.
func (h *healthTracker) RecordRestarted() RestartState {
	h.unhealthyStreak = 0
	h.state = StateRunning
	return h.state
}

// RecordExited marks the child as having exited without the supervisor
// having requested it (process died on its own), pending a restart
// decision by the caller.
func (h *healthTracker) RecordExited() RestartState {
	if h.state != StatePermanentlyDead {
		h.state = StateDead
	}
	return h.state
}
