package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Pipeline event types emitted by the dispatcher and its collaborators.
const (
	EventReceived       = "event.received"   // accepted by the group filter
	EventFiltered       = "event.filtered"   // discarded by the group or sender filter
	EventIgnored        = "event.ignored"    // accepted but neither image nor text
	EventClassified     = "media.classified" // Payload: "outcome" = ok | none | skipped
	EventArchived       = "media.archived"   // Payload: "backend", "outcome" = uploaded | duplicate | failed
	EventReplyGenerated = "reply.generated"  // Payload: "source" = generated | fallback, "path" = image | text
	EventReplySent      = "reply.sent"       // Payload: "latency" (time.Duration)
	EventProviderError  = "provider.error"   // Payload: "provider", "error"
	EventTransportError = "transport.error"
)

// AnyEvent subscribes a handler to every event type.
const AnyEvent = "*"

// Event is one pipeline lifecycle notification.
type Event struct {
	Type      string
	Source    string // emitting component, e.g. "dispatch", "archive"
	Payload   map[string]any
	Timestamp time.Time
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus fans pipeline events out to observers (metrics, logs) and keeps a
// running tally per event type for the shutdown summary.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string][]subscription
	counts   map[string]int
	nextID   int
	logger   *slog.Logger
}

type subscription struct {
	id      string
	handler EventHandler
}

// NewEventBus creates an empty EventBus.
func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		handlers: make(map[string][]subscription),
		counts:   make(map[string]int),
		logger:   logger,
	}
}

// On registers a handler for eventType (or AnyEvent) and returns an ID for Off.
func (eb *EventBus) On(eventType string, handler EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eventType + "#" + strconv.Itoa(eb.nextID)
	eb.handlers[eventType] = append(eb.handlers[eventType], subscription{id: id, handler: handler})
	return id
}

// Off removes the handler registered under id.
func (eb *EventBus) Off(eventType, id string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	subs := eb.handlers[eventType]
	for i, s := range subs {
		if s.id == id {
			eb.handlers[eventType] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Emit delivers event synchronously to the handlers of its type and then to
// AnyEvent handlers. A panicking handler is logged and skipped.
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	eb.counts[event.Type]++
	subs := make([]subscription, 0, len(eb.handlers[event.Type])+len(eb.handlers[AnyEvent]))
	subs = append(subs, eb.handlers[event.Type]...)
	subs = append(subs, eb.handlers[AnyEvent]...)
	eb.mu.Unlock()

	for _, s := range subs {
		eb.deliver(s, event)
	}
}

func (eb *EventBus) deliver(s subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "event", event.Type, "handler", s.id, "panic", r)
		}
	}()
	s.handler(event)
}

// Count reports how many events of eventType have been emitted.
func (eb *EventBus) Count(eventType string) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return eb.counts[eventType]
}

// Counts returns a copy of the per-type tallies.
func (eb *EventBus) Counts() map[string]int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	out := make(map[string]int, len(eb.counts))
	for k, v := range eb.counts {
		out[k] = v
	}
	return out
}
