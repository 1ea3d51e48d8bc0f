package events_test

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/optionpilot/trading-backend/internal/events"
	"github.com/optionpilot/trading-backend/pkg/types"
	"go.uber.org/zap"
)

func finished(status types.RunStatus) *events.RunFinishedEvent {
	return &events.RunFinishedEvent{
		BaseEvent: events.NewBaseEvent(events.EventTypeRunFinished),
		Result:    &types.RunResult{ID: "run-1", Status: status},
	}
}

func TestPublishRoutesByType(t *testing.T) {
	bus := events.NewEventBus(zap.NewNop())

	var runs, skips, all atomic.Int32
	bus.Subscribe(events.EventTypeRunFinished, func(e events.Event) error {
		if e.(*events.RunFinishedEvent).Result.ID != "run-1" {
			t.Errorf("Unexpected payload %+v", e)
		}
		runs.Add(1)
		return nil
	})
	bus.Subscribe(events.EventTypeRunSkipped, func(e events.Event) error {
		skips.Add(1)
		return nil
	})
	bus.SubscribeAll(func(e events.Event) error {
		all.Add(1)
		return nil
	})

	bus.Publish(finished(types.RunStatusExecuted))
	bus.Publish(&events.RunSkippedEvent{BaseEvent: events.NewBaseEvent(events.EventTypeRunSkipped)})

	if runs.Load() != 1 || skips.Load() != 1 || all.Load() != 2 {
		t.Errorf("Expected 1/1/2 deliveries, got %d/%d/%d", runs.Load(), skips.Load(), all.Load())
	}
	if s := bus.GetStats(); s.EventsPublished != 2 || s.ActiveSubscribers != 3 {
		t.Errorf("Unexpected stats %+v", s)
	}
}

func TestHandlerFailuresAreIsolated(t *testing.T) {
	bus := events.NewEventBus(zap.NewNop())

	var reached atomic.Bool
	bus.Subscribe(events.EventTypeRunFinished, func(e events.Event) error { panic("boom") })
	bus.Subscribe(events.EventTypeRunFinished, func(e events.Event) error { return errors.New("write failed") })
	bus.Subscribe(events.EventTypeRunFinished, func(e events.Event) error {
		reached.Store(true)
		return nil
	})

	bus.Publish(finished(types.RunStatusFailed))

	if !reached.Load() {
		t.Error("Expected later handler to run after a panic and an error")
	}
	if s := bus.GetStats(); s.ProcessingErrors != 2 {
		t.Errorf("Expected 2 processing errors, got %d", s.ProcessingErrors)
	}
}

func TestFilterAndUnsubscribe(t *testing.T) {
	bus := events.NewEventBus(zap.NewNop())

	var executed atomic.Int32
	sub := bus.Subscribe(events.EventTypeRunFinished, func(e events.Event) error {
		executed.Add(1)
		return nil
	}, events.SubscriptionOptions{
		Filter: func(e events.Event) bool {
			return e.(*events.RunFinishedEvent).Result.Status == types.RunStatusExecuted
		},
	})

	bus.Publish(finished(types.RunStatusNoTrade))
	bus.Publish(finished(types.RunStatusExecuted))
	bus.Unsubscribe(sub)
	bus.Publish(finished(types.RunStatusExecuted))

	if executed.Load() != 1 {
		t.Errorf("Expected 1 delivery, got %d", executed.Load())
	}
	if sub.IsActive() {
		t.Error("Expected subscription to be inactive")
	}
}

func TestAsyncHandlers(t *testing.T) {
	bus := events.NewEventBus(zap.NewNop())

	var calls atomic.Int32
	for i := 0; i < 4; i++ {
		bus.Subscribe(events.EventTypeRunStarted, func(e events.Event) error {
			calls.Add(1)
			return nil
		}, events.SubscriptionOptions{Async: true})
	}

	bus.Publish(&events.RunStartedEvent{BaseEvent: events.NewBaseEvent(events.EventTypeRunStarted)})
	bus.Wait()

	if calls.Load() != 4 {
		t.Errorf("Expected 4 async calls, got %d", calls.Load())
	}
}
