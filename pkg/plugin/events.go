package plugin

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType names an event published on the plugin event bus
type EventType string

const (
	EventPluginRegistered   EventType = "plugin:registered"
	EventPluginUnregistered EventType = "plugin:unregistered"
	EventStateChanged       EventType = "plugin:state-changed"
	EventPluginError        EventType = "plugin:error"
	EventDependencyChanged  EventType = "dependency:changed"
	EventComponentChanged   EventType = "plugin:component-changed"
	EventStyleChanged       EventType = "plugin:style-changed"
	EventScriptChanged      EventType = "plugin:script-changed"
	EventPluginReloaded     EventType = "plugin:reloaded"
)

// Event is the payload delivered to subscribers. Only the fields relevant
// to the event type are set.
type Event struct {
	Type         EventType
	PluginID     string
	Plugin       *RegisteredPlugin
	OldState     PluginState
	NewState     PluginState
	Error        string
	Dependencies []string
	Dependents   []string
	Path         string
	Timestamp    time.Time
}

// EventHandler handles a bus event
type EventHandler func(Event)

type subscription struct {
	id      uint64
	handler EventHandler
}

// EventBus delivers plugin events to subscribers synchronously, in
// subscription order. A panicking handler is logged and skipped.
type EventBus struct {
	logger    zerolog.Logger
	mu        sync.RWMutex
	nextID    uint64
	listeners map[EventType][]subscription
	wildcard  []subscription
}

// NewEventBus creates a new event bus
func NewEventBus(logger zerolog.Logger) *EventBus {
	return &EventBus{
		logger:    logger.With().Str("component", "plugin-events").Logger(),
		listeners: make(map[EventType][]subscription),
	}
}

// On registers a handler for one event type and returns a function removing it
func (b *EventBus) On(event EventType, handler EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.listeners[event] = append(b.listeners[event], subscription{id: id, handler: handler})
	return func() { b.remove(event, id) }
}

// OnAny registers a handler for every event type
func (b *EventBus) OnAny(handler EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.wildcard = append(b.wildcard, subscription{id: id, handler: handler})
	return func() { b.remove("", id) }
}

func (b *EventBus) remove(event EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	filter := func(subs []subscription) []subscription {
		out := subs[:0:0]
		for _, s := range subs {
			if s.id != id {
				out = append(out, s)
			}
		}
		return out
	}
	if event == "" {
		b.wildcard = filter(b.wildcard)
		return
	}
	b.listeners[event] = filter(b.listeners[event])
}

// Emit delivers the event to every matching handler
func (b *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := make([]subscription, 0, len(b.listeners[event.Type])+len(b.wildcard))
	handlers = append(handlers, b.listeners[event.Type]...)
	handlers = append(handlers, b.wildcard...)
	b.mu.RUnlock()

	for _, s := range handlers {
		b.dispatch(s.handler, event)
	}
}

func (b *EventBus) dispatch(handler EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Interface("panic", r).
				Str("event", string(event.Type)).
				Str("plugin", event.PluginID).
				Msg("Event handler panicked")
		}
	}()
	handler(event)
}
