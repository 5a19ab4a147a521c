package sessionmgr

import "sync"

// EventKind distinguishes the two subscription frame shapes (spec.md §4.5,
// §4.9): a new batch of output lines, or a session status transition.
type EventKind string

const (
	EventOutputDelta  EventKind = "outputDelta"
	EventStatusChange EventKind = "statusChange"
)

// OutputLine is the wire shape of one output line delivered to
// subscribers, independent of internal/outputlog's in-process Line type.
type OutputLine struct {
	Seq       int64
	Channel   string
	Bytes     []byte
	Timestamp int64
}

// Event is one fan-out frame published to a session's subscribers.
type Event struct {
	SessionID  string
	Kind       EventKind
	Lines      []OutputLine
	Status     string
	PrevStatus string
}

// allSessions is the wildcard subscription key used by wait_for_state_change,
// which waits on any session's next status change rather than one in
// particular.
const allSessions = "*"

// Hub fans out session events to subscribers: C9's per-session WebSocket
// stream and the tool surface's wait_for_state_change. A slow subscriber
// never blocks the publisher — Publish drops the event for that
// subscriber's channel instead of stalling the session's event loop; C9
// is responsible for noticing a starved subscriber and disconnecting it.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[int]chan Event
	next int
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[int]chan Event)}
}

// Subscribe registers a buffered channel receiving every event for
// sessionID. The returned cancel func unregisters it; callers must call it
// exactly once when done.
func (h *Hub) Subscribe(sessionID string, buffer int) (<-chan Event, func()) {
	return h.subscribe(sessionID, buffer)
}

// SubscribeAll registers a channel receiving every session's events, used
// by wait_for_state_change.
func (h *Hub) SubscribeAll(buffer int) (<-chan Event, func()) {
	return h.subscribe(allSessions, buffer)
}

func (h *Hub) subscribe(key string, buffer int) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	ch := make(chan Event, buffer)
	if h.subs[key] == nil {
		h.subs[key] = make(map[int]chan Event)
	}
	h.subs[key][id] = ch
	return ch, func() { h.unsubscribe(key, id) }
}

func (h *Hub) unsubscribe(key string, id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.subs[key]; ok {
		delete(m, id)
		if len(m) == 0 {
			delete(h.subs, key)
		}
	}
}

// Publish delivers ev to ev.SessionID's subscribers and to every
// wildcard subscriber, non-blocking.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	var chans []chan Event
	for _, ch := range h.subs[ev.SessionID] {
		chans = append(chans, ch)
	}
	for _, ch := range h.subs[allSessions] {
		chans = append(chans, ch)
	}
	h.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- ev:
		default:
		}
	}
}
