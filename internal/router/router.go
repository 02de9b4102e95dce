// Package router holds the broker's addressing state: which names are
// live, which channels and topics they belong to, and the shadow-binding
// graph that lets one peer mirror another's traffic. It resolves an
// outbound SEND into the concrete set of destination names the delivery
// engine must queue to, but does no I/O itself -- routing decisions stay
// separate from the connection layer that actually writes bytes.
package router

import (
	"fmt"
	"sync"

	"github.com/agent-relay/relay/pkg/protocol"
)

// Deliverer is everything the router needs to know about a live destination.
// The router does not hold the net.Conn itself; callers register a Conn
// handle through the opaque Deliverer interface to avoid an import cycle
// with internal/connection.
type Deliverer interface {
	Enqueue(env protocol.Envelope) error
	RemoteName() string
}

// Router owns the name table, channel membership, topic subscriptions, and
// shadow graph. All maps are guarded by a single RWMutex rather than a lock
// per map; the state here is small and short-held enough for that choice
// to hold.
type Router struct {
	mu sync.RWMutex

	peers map[string]Deliverer // name -> live connection

	channels     map[string]map[string]struct{} // channel -> set of names
	channelsOf   map[string]map[string]struct{} // name -> set of channels

	topicSubs map[string]map[string]struct{} // topic -> set of names

	// shadow graph: shadow -> primary (at most one primary per shadow),
	// and the reverse index primary -> set of shadows for O(1) fan-out.
	shadowOf  map[string]ShadowBinding
	shadowsOf map[string]map[string]struct{}

	// dormantLookup reports whether a name with no live peer entry is still
	// known to the session store (disconnected but inside its resume
	// window). Set once via SetDormantLookup; nil until the broker wires it
	// up, in which case a direct destination with no live peer is simply
	// unknown.
	dormantLookup func(name string) bool
}

// SetDormantLookup wires fn as the check Resolve uses to tell a dormant-but-
// resumable destination apart from one that was never seen at all. The
// broker passes session.Store.Lookup here so a SEND to a disconnected-but-
// resumable peer resolves to that name instead of bouncing as unknown, per
// spec section 4.6.
func (r *Router) SetDormantLookup(fn func(name string) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dormantLookup = fn
}

// ShadowBinding records one shadow->primary edge and its mirroring policy.
type ShadowBinding struct {
	Primary         string
	ReceiveIncoming bool
	ReceiveOutgoing bool
	SpeakOn         []protocol.SpeakOn
}

// New creates an empty Router.
func New() *Router {
	return &Router{
		peers:      make(map[string]Deliverer),
		channels:   make(map[string]map[string]struct{}),
		channelsOf: make(map[string]map[string]struct{}),
		topicSubs:  make(map[string]map[string]struct{}),
		shadowOf:   make(map[string]ShadowBinding),
		shadowsOf:  make(map[string]map[string]struct{}),
	}
}

// Register adds or replaces the live connection for name.
func (r *Router) Register(name string, d Deliverer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[name] = d
}

// Unregister removes name from the live peer table without touching its
// channel/topic/shadow memberships, which persist across a dormant period
// so a resumed session keeps its subscriptions.
func (r *Router) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, name)
}

// Forget removes every trace of name: peer entry, channel memberships,
// topic subscriptions, and shadow bindings in both directions. Called on
// an explicit BYE or session expiry, not on a merely dormant disconnect.
func (r *Router) Forget(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.peers, name)

	for ch := range r.channelsOf[name] {
		delete(r.channels[ch], name)
		if len(r.channels[ch]) == 0 {
			delete(r.channels, ch)
		}
	}
	delete(r.channelsOf, name)

	for topic, members := range r.topicSubs {
		delete(members, name)
		if len(members) == 0 {
			delete(r.topicSubs, topic)
		}
	}

	if binding, ok := r.shadowOf[name]; ok {
		if shadows := r.shadowsOf[binding.Primary]; shadows != nil {
			delete(shadows, name)
			if len(shadows) == 0 {
				delete(r.shadowsOf, binding.Primary)
			}
		}
		delete(r.shadowOf, name)
	}
	for shadow := range r.shadowsOf[name] {
		delete(r.shadowOf, shadow)
	}
	delete(r.shadowsOf, name)
}

// IsLive reports whether name currently has a registered connection.
func (r *Router) IsLive(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.peers[name]
	return ok
}

// JoinChannel adds name to channel.
func (r *Router) JoinChannel(name, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channels[channel] == nil {
		r.channels[channel] = make(map[string]struct{})
	}
	r.channels[channel][name] = struct{}{}
	if r.channelsOf[name] == nil {
		r.channelsOf[name] = make(map[string]struct{})
	}
	r.channelsOf[name][channel] = struct{}{}
}

// LeaveChannel removes name from channel.
func (r *Router) LeaveChannel(name, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if members, ok := r.channels[channel]; ok {
		delete(members, name)
		if len(members) == 0 {
			delete(r.channels, channel)
		}
	}
	if chans, ok := r.channelsOf[name]; ok {
		delete(chans, channel)
	}
}

// Subscribe adds name as a subscriber of topic.
func (r *Router) Subscribe(name, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.topicSubs[topic] == nil {
		r.topicSubs[topic] = make(map[string]struct{})
	}
	r.topicSubs[topic][name] = struct{}{}
}

// Unsubscribe removes name as a subscriber of topic.
func (r *Router) Unsubscribe(name, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if members, ok := r.topicSubs[topic]; ok {
		delete(members, name)
		if len(members) == 0 {
			delete(r.topicSubs, topic)
		}
	}
}

// ErrShadowCycle is returned by Bind when binding would create a cycle in
// the shadow graph (a shadows b, b shadows a, directly or transitively).
var ErrShadowCycle = fmt.Errorf("router: shadow binding would create a cycle")

// Bind establishes shadow -> primary mirroring. A shadow may have at most
// one primary; a primary may have many shadows. Rejects bindings that
// would create a cycle, since a cyclic shadow graph has no well-defined
// fan-out order.
func (r *Router) Bind(shadow string, binding ShadowBinding) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if shadow == binding.Primary {
		return ErrShadowCycle
	}
	// walk the primary's ancestry; if we reach shadow, this edge cycles.
	cur := binding.Primary
	seen := map[string]struct{}{}
	for {
		next, ok := r.shadowOf[cur]
		if !ok {
			break
		}
		if next.Primary == shadow {
			return ErrShadowCycle
		}
		if _, loop := seen[next.Primary]; loop {
			break
		}
		seen[next.Primary] = struct{}{}
		cur = next.Primary
	}

	if old, ok := r.shadowOf[shadow]; ok {
		if shadows := r.shadowsOf[old.Primary]; shadows != nil {
			delete(shadows, shadow)
		}
	}

	r.shadowOf[shadow] = binding
	if r.shadowsOf[binding.Primary] == nil {
		r.shadowsOf[binding.Primary] = make(map[string]struct{})
	}
	r.shadowsOf[binding.Primary][shadow] = struct{}{}
	return nil
}

// Unbind removes the shadow -> primary edge for shadow.
func (r *Router) Unbind(shadow string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	binding, ok := r.shadowOf[shadow]
	if !ok {
		return
	}
	if shadows := r.shadowsOf[binding.Primary]; shadows != nil {
		delete(shadows, shadow)
		if len(shadows) == 0 {
			delete(r.shadowsOf, binding.Primary)
		}
	}
	delete(r.shadowOf, shadow)
}

// ShadowsOf returns the bindings of every shadow currently mirroring
// primary, for fan-out when primary sends or receives a message.
func (r *Router) ShadowsOf(primary string) map[string]ShadowBinding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]ShadowBinding, len(r.shadowsOf[primary]))
	for shadow := range r.shadowsOf[primary] {
		out[shadow] = r.shadowOf[shadow]
	}
	return out
}

// Resolve expands a SEND's "to" field into the concrete set of destination
// names: a direct name, every member of a channel (minus the sender), or
// (for protocol.Wildcard) every other live peer. Channel and wildcard
// destinations never include the sender itself.
func (r *Router) Resolve(from, to string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	switch {
	case to == protocol.Wildcard:
		out := make([]string, 0, len(r.peers))
		for name := range r.peers {
			if name != from {
				out = append(out, name)
			}
		}
		return out, nil

	case len(to) > 0 && to[0] == '#':
		members := r.channels[to]
		out := make([]string, 0, len(members))
		for name := range members {
			if name != from {
				out = append(out, name)
			}
		}
		return out, nil

	default:
		if _, ok := r.peers[to]; ok {
			return []string{to}, nil
		}
		// No live peer, but a dormant-but-resumable session still counts as
		// a known destination: the delivery engine queues for it until the
		// peer resumes or the message's ttl expires, per spec section 4.6.
		if r.dormantLookup != nil && r.dormantLookup(to) {
			return []string{to}, nil
		}
		return nil, ErrUnknownDestination
	}
}

// ErrUnknownDestination is returned by Resolve when a direct destination
// name has no live peer and is not reported as dormant by the lookup set
// through SetDormantLookup (with no lookup set, any name without a live
// peer is unknown).
var ErrUnknownDestination = fmt.Errorf("router: unknown destination")

// Deliverer returns the registered connection for name, if live.
func (r *Router) Deliverer(name string) (Deliverer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.peers[name]
	return d, ok
}

// ChannelsOf returns the channels name currently belongs to.
func (r *Router) ChannelsOf(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.channelsOf[name]))
	for ch := range r.channelsOf[name] {
		out = append(out, ch)
	}
	return out
}
