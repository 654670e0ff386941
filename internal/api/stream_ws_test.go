package api

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/flitsinc/agentcore/internal/eventbus"
	"github.com/flitsinc/agentcore/internal/testutil"
)

type fakeWSWriter struct {
	mu       sync.Mutex
	messages [][]byte
}

func (f *fakeWSWriter) Write(_ context.Context, _ websocket.MessageType, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, data)
	return nil
}

func (f *fakeWSWriter) first() ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return nil, false
	}
	return f.messages[0], true
}

func TestStreamEventsWriter(t *testing.T) {
	db := testutil.OpenTestDB(t)

	bus := eventbus.NewBus(db)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer := &fakeWSWriter{}
	go func() {
		_ = streamEvents(ctx, bus, []string{eventbus.StreamErrors}, writer)
	}()

	// Give the subscriber a moment to register before pushing.
	deadline := time.After(2 * time.Second)
	for bus.SubscriberCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("subscriber never registered")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if _, err := bus.Push(context.Background(), eventbus.EventInput{Stream: eventbus.StreamErrors, Body: "boom"}); err != nil {
		t.Fatalf("push: %v", err)
	}

	for {
		if data, ok := writer.first(); ok {
			var evt eventbus.Event
			if err := json.Unmarshal(data, &evt); err != nil {
				t.Fatalf("decode ws payload: %v", err)
			}
			if evt.Body != "boom" {
				t.Fatalf("unexpected event body %q", evt.Body)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("timeout waiting for ws message")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}
