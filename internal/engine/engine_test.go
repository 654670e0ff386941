package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/flitsinc/agentcore/internal/ask"
	"github.com/flitsinc/agentcore/internal/engine"
	"github.com/flitsinc/agentcore/internal/eventbus"
	"github.com/flitsinc/agentcore/internal/history"
	"github.com/flitsinc/agentcore/internal/loop"
	"github.com/flitsinc/agentcore/internal/message"
	"github.com/flitsinc/agentcore/internal/provider"
	"github.com/flitsinc/agentcore/internal/provider/providertest"
	"github.com/flitsinc/agentcore/internal/state"
	"github.com/flitsinc/agentcore/internal/task"
	"github.com/flitsinc/agentcore/internal/testutil"
)

type fixture struct {
	eng    *engine.Engine
	store  *state.Store
	bus    *eventbus.Bus
	client *providertest.Client
}

func approveAll(kind ask.Kind, text string) (ask.Response, bool) {
	return ask.Response{Approved: true}, true
}

func approveAllButFollowup(kind ask.Kind, text string) (ask.Response, bool) {
	if kind == ask.KindFollowup {
		return ask.Response{}, false
	}
	return ask.Response{Approved: true}, true
}

func newFixture(t *testing.T, auto ask.AutoApprover, responses ...providertest.Response) *fixture {
	t.Helper()
	db := testutil.OpenTestDB(t)
	store := state.NewStore(db)
	bus := eventbus.NewBus(db)
	client := providertest.NewClient(responses...)
	eng, err := engine.New(store, bus, engine.Config{
		Client:      client,
		AutoApprove: auto,
		SystemPrompt: func(mode string) string {
			return "You operate in " + mode + " mode."
		},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(eng.Close)
	return &fixture{eng: eng, store: store, bus: bus, client: client}
}

func newTaskCall(mode, msg string) providertest.Response {
	return providertest.ToolCall("use-new-"+mode, loop.ToolNewTask, `{"mode":"`+mode+`","message":"`+msg+`"}`)
}

func completionCall(result string) providertest.Response {
	return providertest.ToolCall("use-done", loop.ToolAttemptCompletion, `{"result":"`+result+`"}`)
}

func waitStatus(t *testing.T, f *fixture, id string, want task.Status) task.HistoryItem {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last task.HistoryItem
	for time.Now().Before(deadline) {
		item, err := f.store.GetHistoryItem(context.Background(), id)
		if err == nil {
			last = item
			if item.Status == want {
				return item
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s (last: %+v)", id, want, last)
	return task.HistoryItem{}
}

func waitIdle(t *testing.T, f *fixture) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, open := f.eng.OpenTaskID(); !open {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("engine never went idle")
}

func TestLinearDelegation(t *testing.T) {
	f := newFixture(t, approveAll,
		newTaskCall("tester", "write the tests"),
		completionCall("tests written"),
		completionCall("feature shipped"),
	)
	ctx := context.Background()

	parentID, err := f.eng.StartTask(ctx, task.Spec{Mode: "code", Text: "build the feature"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	parent := waitStatus(t, f, parentID, task.StatusCompleted)
	waitIdle(t, f)
	if parent.CompletionResult != "feature shipped" {
		t.Fatalf("parent result %q", parent.CompletionResult)
	}
	if len(parent.ChildIDs) != 1 || parent.CompletedByChildID != parent.ChildIDs[0] {
		t.Fatalf("child bookkeeping wrong: %+v", parent)
	}
	if parent.CompletionResultSummary != "tests written" {
		t.Fatalf("child result not summarized on parent: %q", parent.CompletionResultSummary)
	}

	child, err := f.store.GetHistoryItem(ctx, parent.ChildIDs[0])
	if err != nil {
		t.Fatalf("load child: %v", err)
	}
	if child.Status != task.StatusCompleted || child.CompletionResult != "tests written" {
		t.Fatalf("unexpected child %+v", child)
	}
	if child.ParentID != parentID || child.RootID != parentID || child.Mode != "tester" {
		t.Fatalf("child lineage wrong: %+v", child)
	}

	// The delegation tool use in the parent log is answered exactly once.
	hist := history.NewStore(f.store, parentID)
	if err := hist.Load(ctx); err != nil {
		t.Fatalf("load parent history: %v", err)
	}
	use, ok := hist.FindLastToolUse(loop.ToolNewTask)
	if !ok {
		t.Fatal("parent log lost the delegation tool use")
	}
	answers := 0
	for _, msg := range hist.RequestLog() {
		for _, res := range msg.ToolResults() {
			if res.ToolUseID == use.ID {
				answers++
			}
		}
	}
	if answers != 1 {
		t.Fatalf("delegation tool use answered %d times", answers)
	}

	// Events arrive in handoff order.
	events, err := f.bus.List(ctx, eventbus.StreamDelegation, "", 50)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var subjects []string
	for _, e := range events {
		subjects = append(subjects, e.Subject)
	}
	want := []string{"delegation-started", "delegation-completed", "delegation-resumed"}
	if len(subjects) != len(want) {
		t.Fatalf("delegation events %v, want %v", subjects, want)
	}
	for i := range want {
		if subjects[i] != want[i] {
			t.Fatalf("delegation events %v, want %v", subjects, want)
		}
	}
}

func TestNestedDelegationCascade(t *testing.T) {
	f := newFixture(t, approveAll,
		newTaskCall("design", "plan it"),   // A delegates to B
		newTaskCall("tester", "verify it"), // B delegates to C
		completionCall("verified"),         // C completes
		completionCall("planned"),          // B resumes, completes
		completionCall("shipped"),          // A resumes, completes
	)
	ctx := context.Background()

	aID, err := f.eng.StartTask(ctx, task.Spec{Mode: "code", Text: "ship it"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	a := waitStatus(t, f, aID, task.StatusCompleted)
	waitIdle(t, f)
	if a.CompletionResult != "shipped" {
		t.Fatalf("root result %q", a.CompletionResult)
	}
	b, err := f.store.GetHistoryItem(ctx, a.ChildIDs[0])
	if err != nil {
		t.Fatalf("load b: %v", err)
	}
	if b.Status != task.StatusCompleted || b.CompletionResult != "planned" {
		t.Fatalf("unexpected b %+v", b)
	}
	c, err := f.store.GetHistoryItem(ctx, b.ChildIDs[0])
	if err != nil {
		t.Fatalf("load c: %v", err)
	}
	if c.Status != task.StatusCompleted || c.CompletionResult != "verified" {
		t.Fatalf("unexpected c %+v", c)
	}
	if c.RootID != aID || b.RootID != aID {
		t.Fatalf("root lineage broken: b=%s c=%s want %s", b.RootID, c.RootID, aID)
	}
}

func TestSingleOpenTaskInvariant(t *testing.T) {
	f := newFixture(t, approveAllButFollowup,
		providertest.ToolCall("use-q", loop.ToolAskFollowup, `{"question":"which db?"}`),
		completionCall("done"),
	)
	ctx := context.Background()

	id, err := f.eng.StartTask(ctx, task.Spec{Mode: "code", Text: "migrate the db"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// Wait until the task blocks on its followup ask.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := f.eng.SendMessage("ping"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("task never opened")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := f.eng.StartTask(ctx, task.Spec{Mode: "code", Text: "second task"}); !errors.Is(err, engine.ErrTaskOpen) {
		t.Fatalf("expected ErrTaskOpen, got %v", err)
	}
	waitStatus(t, f, id, task.StatusCompleted)
}

func TestResumeRehydratesFromDurableRecord(t *testing.T) {
	f := newFixture(t, approveAll, completionCall("picked up"))
	ctx := context.Background()

	// Durable record of a task interrupted mid tool call.
	item := task.HistoryItem{ID: "crashed-1", RootID: "crashed-1", Mode: "code", Status: task.StatusActive}
	if err := f.store.SaveHistoryItem(ctx, item); err != nil {
		t.Fatalf("seed item: %v", err)
	}
	hist := history.NewStore(f.store, "crashed-1")
	if _, err := hist.AppendUser(ctx, message.Text{Text: "fix the bug"}); err != nil {
		t.Fatalf("seed log: %v", err)
	}
	if _, err := hist.AppendAssistant(ctx, []message.Block{
		message.ToolUse{ID: "use-lost", Name: "exec", Input: []byte(`{}`)},
	}, provider.Continuation{}); err != nil {
		t.Fatalf("seed log: %v", err)
	}

	if err := f.eng.ResumeTask(ctx, "crashed-1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitStatus(t, f, "crashed-1", task.StatusCompleted)
	waitIdle(t, f)

	// Reconcile answered the dangling tool use before the provider call.
	reloaded := history.NewStore(f.store, "crashed-1")
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	found := false
	for _, msg := range reloaded.RequestLog() {
		for _, res := range msg.ToolResults() {
			if res.ToolUseID == "use-lost" && res.IsError {
				found = true
			}
		}
	}
	if !found {
		t.Fatal("dangling tool use was not reconciled")
	}
}

func TestResumeRejectsEmptyHistory(t *testing.T) {
	f := newFixture(t, approveAll)
	ctx := context.Background()
	item := task.HistoryItem{ID: "empty-1", RootID: "empty-1", Status: task.StatusActive}
	if err := f.store.SaveHistoryItem(ctx, item); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := f.eng.ResumeTask(ctx, "empty-1"); err == nil {
		t.Fatal("expected error resuming a task with no history")
	}
	if _, open := f.eng.OpenTaskID(); open {
		t.Fatal("failed resume left the open slot claimed")
	}
}

func TestResumedParentIgnoresStaleContinuation(t *testing.T) {
	delegate := newTaskCall("tester", "verify the plan")
	delegate.Continuation = provider.Continuation{ResponseID: "resp-parent-1"}
	f := newFixture(t, approveAll,
		delegate,
		completionCall("plan verified"),
		completionCall("shipped"),
	)
	ctx := context.Background()

	parentID, err := f.eng.StartTask(ctx, task.Spec{Mode: "code", Text: "ship it"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStatus(t, f, parentID, task.StatusCompleted)
	waitIdle(t, f)

	// The child's completion rewrote the parent's log, so the parent's
	// resumed call must not reuse the token from before the handoff.
	reqs := f.client.Requests()
	if len(reqs) != 3 {
		t.Fatalf("expected 3 provider calls, got %d", len(reqs))
	}
	if reqs[2].PreviousResponseID != "" {
		t.Fatalf("resumed parent sent stale continuation %q", reqs[2].PreviousResponseID)
	}
}

func TestMidStreamFailureRehydrates(t *testing.T) {
	f := newFixture(t, approveAll,
		providertest.Response{
			Chunks:    []provider.Chunk{provider.TextChunk{Text: "half an answer"}},
			StreamErr: errors.New("connection dropped"),
		},
		completionCall("recovered"),
	)
	ctx := context.Background()

	id, err := f.eng.StartTask(ctx, task.Spec{Mode: "code", Text: "fix the bug"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	item := waitStatus(t, f, id, task.StatusCompleted)
	waitIdle(t, f)
	if item.CompletionResult != "recovered" {
		t.Fatalf("unexpected result %q", item.CompletionResult)
	}
	if got := len(f.client.Requests()); got != 2 {
		t.Fatalf("expected a relaunch after the failure, got %d provider calls", got)
	}
}

func TestRehydrationIsBounded(t *testing.T) {
	f := newFixture(t, approveAll,
		providertest.Response{StreamErr: errors.New("connection dropped")},
		providertest.Response{StreamErr: errors.New("connection dropped again")},
	)
	ctx := context.Background()

	id, err := f.eng.StartTask(ctx, task.Spec{Mode: "code", Text: "fix the bug"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// The relaunch happens once; the second failure settles for good.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(f.client.Requests()) == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := len(f.client.Requests()); got != 2 {
		t.Fatalf("expected 2 provider calls, got %d", got)
	}
	waitIdle(t, f)

	item, err := f.store.GetHistoryItem(ctx, id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if item.Status != task.StatusActive {
		t.Fatalf("settled task should stay resumable, got %s", item.Status)
	}
}

func TestResumeChildOfTextOnlyParentLog(t *testing.T) {
	f := newFixture(t, approveAll,
		completionCall("child result"),
		completionCall("parent done"),
	)
	ctx := context.Background()

	// A parent log written before tool-use blocks existed: delegation is
	// recorded only as prose, with no new_task use to answer.
	parent := task.HistoryItem{
		ID: "parent-1", RootID: "parent-1", Mode: "code",
		Status:          task.StatusDelegated,
		AwaitingChildID: "child-1",
		DelegatedToID:   "child-1",
		ChildIDs:        []string{"child-1"},
	}
	if err := f.store.SaveHistoryItem(ctx, parent); err != nil {
		t.Fatalf("seed parent: %v", err)
	}
	parentHist := history.NewStore(f.store, "parent-1")
	if _, err := parentHist.AppendUser(ctx, message.Text{Text: "plan the work"}); err != nil {
		t.Fatalf("seed parent log: %v", err)
	}

	child := task.HistoryItem{
		ID: "child-1", RootID: "parent-1", ParentID: "parent-1",
		Mode: "tester", Status: task.StatusActive,
	}
	if err := f.store.SaveHistoryItem(ctx, child); err != nil {
		t.Fatalf("seed child: %v", err)
	}
	childHist := history.NewStore(f.store, "child-1")
	if _, err := childHist.AppendUser(ctx, message.Text{Text: "do the subtask"}); err != nil {
		t.Fatalf("seed child log: %v", err)
	}

	if err := f.eng.ResumeTask(ctx, "child-1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	got := waitStatus(t, f, "parent-1", task.StatusCompleted)
	waitIdle(t, f)
	if got.CompletionResultSummary != "child result" {
		t.Fatalf("child result not summarized on parent: %q", got.CompletionResultSummary)
	}

	reloaded := history.NewStore(f.store, "parent-1")
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("reload parent: %v", err)
	}
	// Exactly one synthetic transcript entry and one text fallback in the
	// request log.
	subtaskEntries := 0
	for _, e := range reloaded.Transcript() {
		if e.Kind == "subtask_result" {
			subtaskEntries++
		}
	}
	if subtaskEntries != 1 {
		t.Fatalf("expected one subtask_result entry, got %d", subtaskEntries)
	}
	fallbacks := 0
	for _, msg := range reloaded.RequestLog() {
		if msg.Role == message.RoleUser && strings.Contains(msg.Text(), "[new_task completed] Result: child result") {
			fallbacks++
		}
	}
	if fallbacks != 1 {
		t.Fatalf("expected one text fallback in the request log, got %d", fallbacks)
	}
}

func TestCancelCascadesToOpenDescendant(t *testing.T) {
	f := newFixture(t, approveAllButFollowup,
		newTaskCall("tester", "verify"),
		providertest.ToolCall("use-q", loop.ToolAskFollowup, `{"question":"ready?"}`),
	)
	ctx := context.Background()

	parentID, err := f.eng.StartTask(ctx, task.Spec{Mode: "code", Text: "build"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// Wait for the child to open and block on its ask.
	var childID string
	deadline := time.Now().Add(5 * time.Second)
	for {
		if id, open := f.eng.OpenTaskID(); open && id != parentID {
			childID = id
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("child never opened")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Cancelling the suspended parent reaches the open child.
	if err := f.eng.CancelTask(ctx, parentID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitIdle(t, f)

	child, err := f.store.GetHistoryItem(ctx, childID)
	if err != nil {
		t.Fatalf("load child: %v", err)
	}
	if child.Status == task.StatusCompleted {
		t.Fatalf("cancelled child marked completed: %+v", child)
	}
}
