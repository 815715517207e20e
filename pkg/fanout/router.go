package fanout

import (
	"encoding/json"
	"sync"
	"time"
)

// Event is one message bound for every session subscribed to a channel.
type Event struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data,omitempty"`
	At      string          `json:"at"`
}

func NewEvent(channel string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Channel: channel, Data: raw, At: time.Now().UTC().Format(time.RFC3339Nano)}
}

// Subscriber is one attached session's bounded outbound queue.
type Subscriber struct {
	id       string
	ch       chan Event
	channels map[string]struct{}
}

func (s *Subscriber) ID() string { return s.id }

// C is the outbound queue. It is closed when the subscriber is detached,
// including detachment forced by queue overflow.
func (s *Subscriber) C() <-chan Event { return s.ch }

// Router fans events out to subscribed sessions. Sends never block:
// a subscriber whose queue is full is detached rather than allowed to
// back-pressure delivery to the rest of the channel.
type Router struct {
	mu        sync.RWMutex
	queueSize int
	subs      map[string]*Subscriber
	byChannel map[string]map[*Subscriber]struct{}

	// OnOverflow is invoked (outside the router lock) with the session id
	// of a subscriber detached for a full queue.
	OnOverflow func(sessionID string)
}

func NewRouter(queueSize int) *Router {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Router{
		queueSize: queueSize,
		subs:      map[string]*Subscriber{},
		byChannel: map[string]map[*Subscriber]struct{}{},
	}
}

// Attach registers a session. An existing subscriber under the same id
// is detached first, matching session-row reuse across reconnects.
func (r *Router) Attach(sessionID string) *Subscriber {
	r.mu.Lock()
	prev := r.subs[sessionID]
	if prev != nil {
		r.detachLocked(prev)
	}
	sub := &Subscriber{
		id:       sessionID,
		ch:       make(chan Event, r.queueSize),
		channels: map[string]struct{}{},
	}
	r.subs[sessionID] = sub
	r.mu.Unlock()
	if prev != nil {
		close(prev.ch)
	}
	return sub
}

func (r *Router) Detach(sub *Subscriber) {
	r.mu.Lock()
	detached := r.detachLocked(sub)
	r.mu.Unlock()
	if detached {
		close(sub.ch)
	}
}

func (r *Router) detachLocked(sub *Subscriber) bool {
	current, ok := r.subs[sub.id]
	if !ok || current != sub {
		return false
	}
	delete(r.subs, sub.id)
	for ch := range sub.channels {
		if set, ok := r.byChannel[ch]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(r.byChannel, ch)
			}
		}
	}
	return true
}

// Subscribe adds channels to a subscriber. Callers enforce ACLs; the
// router only tracks membership.
func (r *Router) Subscribe(sub *Subscriber, channels ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.subs[sub.id]; !ok || current != sub {
		return
	}
	for _, ch := range channels {
		if ch == "" {
			continue
		}
		sub.channels[ch] = struct{}{}
		set, ok := r.byChannel[ch]
		if !ok {
			set = map[*Subscriber]struct{}{}
			r.byChannel[ch] = set
		}
		set[sub] = struct{}{}
	}
}

func (r *Router) Unsubscribe(sub *Subscriber, channels ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range channels {
		delete(sub.channels, ch)
		if set, ok := r.byChannel[ch]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(r.byChannel, ch)
			}
		}
	}
}

// Channels returns the subscriber's current channel set.
func (r *Router) Channels(sub *Subscriber) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(sub.channels))
	for ch := range sub.channels {
		out = append(out, ch)
	}
	return out
}

// Publish delivers evt to every live subscriber of its channel.
// Best-effort, at-most-once per session.
func (r *Router) Publish(evt Event) {
	r.mu.Lock()
	var overflowed []*Subscriber
	for sub := range r.byChannel[evt.Channel] {
		select {
		case sub.ch <- evt:
		default:
			overflowed = append(overflowed, sub)
		}
	}
	for _, sub := range overflowed {
		r.detachLocked(sub)
	}
	r.mu.Unlock()
	for _, sub := range overflowed {
		close(sub.ch)
		if r.OnOverflow != nil {
			r.OnOverflow(sub.id)
		}
	}
}

// SubscriberCount reports live subscribers on a channel.
func (r *Router) SubscriberCount(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byChannel[channel])
}

// Size reports the number of attached sessions.
func (r *Router) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
