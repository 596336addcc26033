package events

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/custos/internal/interfaces"
)

// TestPublishSyncDeliversToAllHandlers verifies every subscriber sees the event
func TestPublishSyncDeliversToAllHandlers(t *testing.T) {
	logger := arbor.NewLogger()
	svc := NewService(logger)
	defer svc.Close()

	var mu sync.Mutex
	calls := 0
	handler := func(ctx context.Context, event interfaces.Event) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}

	for i := 0; i < 3; i++ {
		if err := svc.Subscribe(interfaces.EventJobStatusChange, handler); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
	}

	err := svc.PublishSync(context.Background(), interfaces.Event{
		Type:    interfaces.EventJobStatusChange,
		Payload: map[string]interface{}{"job_id": "j1", "status": "running"},
	})
	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	if calls != 3 {
		t.Errorf("Expected 3 handler calls, got: %d", calls)
	}
}

// TestPublishWithNoSubscribers verifies publishing into the void is safe
func TestPublishWithNoSubscribers(t *testing.T) {
	logger := arbor.NewLogger()
	svc := NewService(logger)
	defer svc.Close()

	err := svc.Publish(context.Background(), interfaces.Event{
		Type: interfaces.EventJobStuck,
	})
	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
}

// TestPublishSyncReportsHandlerErrors verifies failed handlers surface an error
func TestPublishSyncReportsHandlerErrors(t *testing.T) {
	logger := arbor.NewLogger()
	svc := NewService(logger)
	defer svc.Close()

	failing := func(ctx context.Context, event interfaces.Event) error {
		return errors.New("handler blew up")
	}
	if err := svc.Subscribe(interfaces.EventJobCompleted, failing); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	err := svc.PublishSync(context.Background(), interfaces.Event{
		Type: interfaces.EventJobCompleted,
	})
	if err == nil {
		t.Error("Expected an error from failing handler")
	}
}

// TestSubscribeNilHandler verifies nil handlers are rejected
func TestSubscribeNilHandler(t *testing.T) {
	logger := arbor.NewLogger()
	svc := NewService(logger)
	defer svc.Close()

	if err := svc.Subscribe(interfaces.EventJobAction, nil); err == nil {
		t.Error("Expected error subscribing nil handler")
	}
}

// TestSubscribeAfterClose verifies a closed service refuses new subscribers
func TestSubscribeAfterClose(t *testing.T) {
	logger := arbor.NewLogger()
	svc := NewService(logger)

	if err := svc.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	err := svc.Subscribe(interfaces.EventJobCompleted, func(ctx context.Context, event interfaces.Event) error {
		return nil
	})
	if err == nil {
		t.Error("Expected error subscribing after close")
	}
}

// TestLoggerSubscriber verifies the logger subscriber handles payload shapes
func TestLoggerSubscriber(t *testing.T) {
	logger := arbor.NewLogger()
	subscriber := NewLoggerSubscriber(logger)

	ctx := context.Background()
	event := interfaces.Event{
		Type: interfaces.EventJobStatusChange,
		Payload: map[string]interface{}{
			"job_id":   "job-123",
			"job_type": "crawl",
			"status":   "running",
		},
	}
	if err := subscriber(ctx, event); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	// nil payload must not panic
	if err := subscriber(ctx, interfaces.Event{Type: interfaces.EventJobStuck}); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
}

// TestSubscribeLoggerToAllEvents verifies registration across event types
func TestSubscribeLoggerToAllEvents(t *testing.T) {
	logger := arbor.NewLogger()
	svc := NewService(logger)
	defer svc.Close()

	if err := SubscribeLoggerToAllEvents(svc, logger); err != nil {
		t.Fatalf("SubscribeLoggerToAllEvents failed: %v", err)
	}

	ctx := context.Background()
	for _, eventType := range []interfaces.EventType{
		interfaces.EventJobStatusChange,
		interfaces.EventJobCompleted,
		interfaces.EventJobStuck,
		interfaces.EventJobAction,
	} {
		err := svc.PublishSync(ctx, interfaces.Event{
			Type:    eventType,
			Payload: map[string]interface{}{"job_id": "job-1"},
		})
		if err != nil {
			t.Errorf("Expected no error publishing %s event, got: %v", eventType, err)
		}
	}
}
