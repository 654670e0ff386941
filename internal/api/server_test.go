package api_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/flitsinc/agentcore/internal/api"
	"github.com/flitsinc/agentcore/internal/ask"
	"github.com/flitsinc/agentcore/internal/engine"
	"github.com/flitsinc/agentcore/internal/eventbus"
	"github.com/flitsinc/agentcore/internal/history"
	"github.com/flitsinc/agentcore/internal/loop"
	"github.com/flitsinc/agentcore/internal/provider/providertest"
	"github.com/flitsinc/agentcore/internal/state"
	"github.com/flitsinc/agentcore/internal/task"
	"github.com/flitsinc/agentcore/internal/testutil"
)

func newServer(t *testing.T, responses ...providertest.Response) (*api.Server, *http.Client) {
	t.Helper()
	db := testutil.OpenTestDB(t)
	store := state.NewStore(db)
	bus := eventbus.NewBus(db)
	client := providertest.NewClient(responses...)
	eng, err := engine.New(store, bus, engine.Config{
		Client: client,
		AutoApprove: func(kind ask.Kind, text string) (ask.Response, bool) {
			return ask.Response{Approved: true}, true
		},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(eng.Close)
	srv := &api.Server{
		Engine:    eng,
		Bus:       bus,
		Store:     store,
		StartedAt: time.Now(),
	}
	return srv, testutil.NewInProcessClient(srv.Handler())
}

func doJSON(t *testing.T, client *http.Client, method, path string, body []byte, dest any) int {
	t.Helper()
	req := testutil.NewRequest(method, path, body)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	data, err := testutil.ReadAll(resp)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if dest != nil {
		if err := json.Unmarshal(data, dest); err != nil {
			t.Fatalf("decode %s: %v (%s)", path, err, data)
		}
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	_, client := newServer(t)
	var payload map[string]any
	if code := doJSON(t, client, http.MethodGet, "/api/health", nil, &payload); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if payload["status"] != "ok" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	_, client := newServer(t,
		providertest.ToolCall("use-done", loop.ToolAttemptCompletion, `{"result":"shipped"}`),
	)

	var created struct {
		ID string `json:"id"`
	}
	code := doJSON(t, client, http.MethodPost, "/api/tasks", []byte(`{"mode":"code","text":"build it"}`), &created)
	if code != http.StatusCreated || created.ID == "" {
		t.Fatalf("create: status %d id %q", code, created.ID)
	}

	var item task.HistoryItem
	deadline := time.Now().Add(5 * time.Second)
	for {
		doJSON(t, client, http.MethodGet, "/api/tasks/"+created.ID, nil, &item)
		if item.Status == task.StatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never completed: %+v", item)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if item.CompletionResult != "shipped" {
		t.Fatalf("result %q", item.CompletionResult)
	}

	var items []task.HistoryItem
	if code := doJSON(t, client, http.MethodGet, "/api/tasks", nil, &items); code != http.StatusOK {
		t.Fatalf("list status %d", code)
	}
	if len(items) != 1 || items[0].ID != created.ID {
		t.Fatalf("unexpected list %+v", items)
	}

	var entries []history.TranscriptEntry
	if code := doJSON(t, client, http.MethodGet, "/api/tasks/"+created.ID+"/transcript", nil, &entries); code != http.StatusOK {
		t.Fatalf("transcript status %d", code)
	}
	found := false
	for _, e := range entries {
		if e.Kind == "completion_result" && e.Text == "shipped" {
			found = true
		}
	}
	if !found {
		t.Fatalf("completion missing from transcript: %+v", entries)
	}

	var events []eventbus.Event
	if code := doJSON(t, client, http.MethodGet, "/api/streams/task_state?task_id="+created.ID, nil, &events); code != http.StatusOK {
		t.Fatalf("stream status %d", code)
	}
	if len(events) == 0 {
		t.Fatal("no task_state events recorded")
	}
}

func TestStartTaskValidation(t *testing.T) {
	_, client := newServer(t)
	var payload map[string]any
	if code := doJSON(t, client, http.MethodPost, "/api/tasks", []byte(`{"mode":"code"}`), &payload); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing text, got %d", code)
	}
}

func TestCancelWithoutOpenTask(t *testing.T) {
	_, client := newServer(t)
	code := doJSON(t, client, http.MethodPost, "/api/tasks/nope/cancel", []byte(`{}`), nil)
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
}

func TestStreamSubscribeSSE(t *testing.T) {
	srv, _ := newServer(t)

	rec := testutil.NewStreamRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := testutil.NewRequest(http.MethodGet, "/api/streams/subscribe?streams=errors", nil).WithContext(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Handler().ServeHTTP(rec, req)
		_ = rec.Close()
	}()

	reader := bufio.NewReader(rec.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read preamble: %v", err)
	}
	if !strings.HasPrefix(line, ":ok") {
		t.Fatalf("unexpected preamble %q", line)
	}
	_, _ = reader.ReadString('\n')

	// The subscriber registers asynchronously with the handler goroutine.
	deadline := time.Now().Add(2 * time.Second)
	for srv.Bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(2 * time.Millisecond)
	}

	if _, err := srv.Bus.Push(context.Background(), eventbus.EventInput{
		Stream: eventbus.StreamErrors,
		TaskID: "task-1",
		Body:   "boom",
	}); err != nil {
		t.Fatalf("push: %v", err)
	}

	var data string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read event: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
			break
		}
	}
	var evt eventbus.Event
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		t.Fatalf("decode event %q: %v", data, err)
	}
	if evt.Stream != eventbus.StreamErrors || evt.Body != "boom" {
		t.Fatalf("unexpected event %+v", evt)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not exit after cancel")
	}
}

func TestRestartTokenRequired(t *testing.T) {
	srv, client := newServer(t)
	srv.Restart = func() error { return nil }
	srv.RestartToken = "secret"

	code := doJSON(t, client, http.MethodPost, "/api/admin/restart", nil, nil)
	if code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", code)
	}

	req := testutil.NewRequest(http.MethodPost, "/api/admin/restart", nil)
	req.Header.Set("X-Restart-Token", "secret")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 with token, got %d", resp.StatusCode)
	}
}
