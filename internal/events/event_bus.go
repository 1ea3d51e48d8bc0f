// Package events provides the in-process event bus that carries pipeline
// progress to the journal, the redis publisher and websocket clients.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/optionpilot/trading-backend/pkg/types"
	"go.uber.org/zap"
)

// EventType defines the category of event
type EventType string

const (
	EventTypeRunStarted     EventType = "run_started"
	EventTypeStageCompleted EventType = "stage_completed"
	EventTypeRunFinished    EventType = "run_finished"
	EventTypeRunSkipped     EventType = "run_skipped"
)

// Event is the base interface for all pipeline events
type Event interface {
	GetType() EventType
	GetTimestamp() time.Time
	GetID() string
}

// BaseEvent provides common event functionality
type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *BaseEvent) GetType() EventType      { return e.Type }
func (e *BaseEvent) GetTimestamp() time.Time { return e.Timestamp }
func (e *BaseEvent) GetID() string           { return e.ID }

// NewBaseEvent creates a new base event with generated ID and timestamp
func NewBaseEvent(eventType EventType) BaseEvent {
	return BaseEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}
}

// RunStartedEvent marks the beginning of a pipeline run.
type RunStartedEvent struct {
	BaseEvent
	RunID   string `json:"run_id"`
	Trigger string `json:"trigger"`
	Symbol  string `json:"symbol"`
}

// StageCompletedEvent reports one stage of a run.
type StageCompletedEvent struct {
	BaseEvent
	RunID    string        `json:"run_id"`
	Stage    string        `json:"stage"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// RunFinishedEvent carries the complete run record.
type RunFinishedEvent struct {
	BaseEvent
	Result *types.RunResult `json:"result"`
}

// RunSkippedEvent reports a trigger dropped because a run was in flight.
type RunSkippedEvent struct {
	BaseEvent
	Trigger string `json:"trigger"`
	Reason  string `json:"reason"`
}

// EventHandler is a function that processes events
type EventHandler func(event Event) error

// EventFilter can selectively process events
type EventFilter func(event Event) bool

// SubscriptionOptions configures subscription behavior
type SubscriptionOptions struct {
	Filter EventFilter // Optional filter
	Async  bool        // Run the handler on its own goroutine
}

// Subscription represents an active event subscription
type Subscription struct {
	ID        string
	EventType EventType // Empty for all events
	Handler   EventHandler
	Options   SubscriptionOptions
	active    atomic.Bool
}

// IsActive returns whether subscription is active
func (s *Subscription) IsActive() bool {
	return s.active.Load()
}

// EventBusStats tracks bus activity
type EventBusStats struct {
	EventsPublished   int64 `json:"events_published"`
	HandlerCalls      int64 `json:"handler_calls"`
	ProcessingErrors  int64 `json:"processing_errors"`
	ActiveSubscribers int64 `json:"active_subscribers"`
}

// EventBus routes events to subscribers. Publish runs synchronous handlers
// in subscription order before returning.
type EventBus struct {
	logger *zap.Logger

	mu             sync.RWMutex
	subscribers    map[EventType][]*Subscription
	allSubscribers []*Subscription
	wg             sync.WaitGroup

	// Stats
	eventsPublished   atomic.Int64
	handlerCalls      atomic.Int64
	processingErrors  atomic.Int64
	activeSubscribers atomic.Int64
}

// NewEventBus creates an event bus
func NewEventBus(logger *zap.Logger) *EventBus {
	return &EventBus{
		logger:      logger.Named("events"),
		subscribers: make(map[EventType][]*Subscription),
	}
}

// Subscribe registers a handler for an event type
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler, opts ...SubscriptionOptions) *Subscription {
	sub := newSubscription(eventType, handler, opts)

	eb.mu.Lock()
	eb.subscribers[eventType] = append(eb.subscribers[eventType], sub)
	eb.mu.Unlock()
	eb.activeSubscribers.Add(1)

	eb.logger.Debug("Subscription added",
		zap.String("id", sub.ID),
		zap.String("event_type", string(eventType)),
	)
	return sub
}

// SubscribeAll registers a handler for every event type
func (eb *EventBus) SubscribeAll(handler EventHandler, opts ...SubscriptionOptions) *Subscription {
	sub := newSubscription("", handler, opts)

	eb.mu.Lock()
	eb.allSubscribers = append(eb.allSubscribers, sub)
	eb.mu.Unlock()
	eb.activeSubscribers.Add(1)
	return sub
}

func newSubscription(eventType EventType, handler EventHandler, opts []SubscriptionOptions) *Subscription {
	sub := &Subscription{
		ID:        "sub_" + uuid.NewString(),
		EventType: eventType,
		Handler:   handler,
	}
	if len(opts) > 0 {
		sub.Options = opts[0]
	}
	sub.active.Store(true)
	return sub
}

// Unsubscribe deactivates and removes a subscription
func (eb *EventBus) Unsubscribe(sub *Subscription) {
	if sub == nil || !sub.active.CompareAndSwap(true, false) {
		return
	}
	eb.mu.Lock()
	defer eb.mu.Unlock()

	remove := func(list []*Subscription) []*Subscription {
		out := list[:0]
		for _, s := range list {
			if s != sub {
				out = append(out, s)
			}
		}
		return out
	}
	if sub.EventType == "" {
		eb.allSubscribers = remove(eb.allSubscribers)
	} else {
		eb.subscribers[sub.EventType] = remove(eb.subscribers[sub.EventType])
	}
	eb.activeSubscribers.Add(-1)
}

// Publish delivers event to every matching subscriber. Handler errors and
// panics are logged and never reach the publisher.
func (eb *EventBus) Publish(event Event) {
	eb.eventsPublished.Add(1)

	eb.mu.RLock()
	subs := make([]*Subscription, 0, len(eb.subscribers[event.GetType()])+len(eb.allSubscribers))
	subs = append(subs, eb.subscribers[event.GetType()]...)
	subs = append(subs, eb.allSubscribers...)
	eb.mu.RUnlock()

	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		if sub.Options.Filter != nil && !sub.Options.Filter(event) {
			continue
		}
		if sub.Options.Async {
			eb.wg.Add(1)
			go func(sub *Subscription) {
				defer eb.wg.Done()
				eb.executeHandler(sub, event)
			}(sub)
			continue
		}
		eb.executeHandler(sub, event)
	}
}

// executeHandler safely executes a handler with panic recovery
func (eb *EventBus) executeHandler(sub *Subscription, event Event) {
	eb.handlerCalls.Add(1)
	defer func() {
		if r := recover(); r != nil {
			eb.processingErrors.Add(1)
			eb.logger.Error("Event handler panic",
				zap.String("subscription_id", sub.ID),
				zap.String("event_type", string(event.GetType())),
				zap.Any("panic", r),
			)
		}
	}()

	if err := sub.Handler(event); err != nil {
		eb.processingErrors.Add(1)
		eb.logger.Warn("Event handler error",
			zap.String("subscription_id", sub.ID),
			zap.String("event_type", string(event.GetType())),
			zap.Error(err),
		)
	}
}

// Wait blocks until in-flight async handlers return.
func (eb *EventBus) Wait() {
	eb.wg.Wait()
}

// GetStats returns bus statistics
func (eb *EventBus) GetStats() EventBusStats {
	return EventBusStats{
		EventsPublished:   eb.eventsPublished.Load(),
		HandlerCalls:      eb.handlerCalls.Load(),
		ProcessingErrors:  eb.processingErrors.Load(),
		ActiveSubscribers: eb.activeSubscribers.Load(),
	}
}
