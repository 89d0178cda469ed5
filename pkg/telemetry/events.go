package telemetry

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionEvent is one orchestrator transition, published on the session
// bus for push-style observers. Polling the session store remains the
// baseline contract; the bus is a convenience for in-process subscribers.
type SessionEvent struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// SessionID is the session this event belongs to.
	SessionID string `json:"session_id"`

	// Type is the event type.
	Type string `json:"type"`

	// Stage is the stage the event concerns, if applicable.
	Stage string `json:"stage,omitempty"`

	// Status is the session status at the time of the event.
	Status string `json:"status"`

	// Percent is the session's progress percent at the time of the event.
	Percent int `json:"percent"`

	// Level is the event severity (info, warning, error, success).
	Level string `json:"level"`

	// Message is the human-readable event message.
	Message string `json:"message"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
}

// Event type constants.
const (
	EventSessionStarted   = "session.started"
	EventSessionProgress  = "session.progress"
	EventSessionCompleted = "session.completed"
	EventSessionFailed    = "session.failed"
	EventStageStarted     = "stage.started"
	EventStageCompleted   = "stage.completed"
	EventStageSkipped     = "stage.skipped"
	EventStageFailed      = "stage.failed"
)

type busSubscriber struct {
	sessionID string // empty matches all sessions
	ch        chan SessionEvent
}

// SessionBus is an in-process publish/subscribe channel for session events,
// keyed by session id. Publishing never blocks: a subscriber whose buffer
// is full misses the event and re-syncs from the store on its next poll.
type SessionBus struct {
	mu      sync.RWMutex
	subs    map[int]*busSubscriber
	nextID  int
	buffer  int
	enabled bool
	closed  bool
}

// NewSessionBus creates a session bus.
func NewSessionBus(cfg EventsConfig) *SessionBus {
	buffer := cfg.BufferSize
	if buffer <= 0 {
		buffer = 64
	}
	return &SessionBus{
		subs:    make(map[int]*busSubscriber),
		buffer:  buffer,
		enabled: cfg.Enabled,
	}
}

// Publish delivers an event to matching subscribers.
func (b *SessionBus) Publish(ev SessionEvent) {
	if b == nil || !b.enabled {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.sessionID != "" && sub.sessionID != ev.SessionID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Subscribe registers a subscriber for a session id; an empty id receives
// events for all sessions. The returned cancel function must be called to
// release the subscription.
func (b *SessionBus) Subscribe(sessionID string) (<-chan SessionEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan SessionEvent, b.buffer)
	if b.closed || !b.enabled {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = &busSubscriber{sessionID: sessionID, ch: ch}

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.ch)
		}
	}
	return ch, cancel
}

// Close shuts down the bus and closes all subscriber channels.
func (b *SessionBus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
