package dashboard

import "time"

// AgentInfo is a snapshot of one name this monitor has observed on the
// wire, built from the From field of received envelopes and the names in
// LOG payloads, since
// the broker has no dedicated roster query -- the dashboard infers its
// agent list from traffic instead of polling a status endpoint.
type AgentInfo struct {
	Name     string
	Entity   string
	LastSeen time.Time
	Messages int
}

// roster accumulates AgentInfo keyed by name as envelopes arrive.
type roster struct {
	byName map[string]*AgentInfo
}

func newRoster() *roster {
	return &roster{byName: make(map[string]*AgentInfo)}
}

func (r *roster) observe(name, entity string, at time.Time) {
	if name == "" {
		return
	}
	a, ok := r.byName[name]
	if !ok {
		a = &AgentInfo{Name: name, Entity: entity}
		r.byName[name] = a
	}
	if entity != "" {
		a.Entity = entity
	}
	a.LastSeen = at
	a.Messages++
}

func (r *roster) snapshot() []AgentInfo {
	out := make([]AgentInfo, 0, len(r.byName))
	for _, a := range r.byName {
		out = append(out, *a)
	}
	return out
}
