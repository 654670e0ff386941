// Package engine owns the stack of tasks behind one operator session: it
// starts, cancels, resumes, and condenses tasks, enforces that at most one
// task is open at any instant, and runs the delegation handoff between
// parents and children.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/flitsinc/agentcore/internal/ask"
	"github.com/flitsinc/agentcore/internal/condense"
	"github.com/flitsinc/agentcore/internal/eventbus"
	"github.com/flitsinc/agentcore/internal/history"
	"github.com/flitsinc/agentcore/internal/idgen"
	"github.com/flitsinc/agentcore/internal/loop"
	"github.com/flitsinc/agentcore/internal/message"
	"github.com/flitsinc/agentcore/internal/provider"
	"github.com/flitsinc/agentcore/internal/retry"
	"github.com/flitsinc/agentcore/internal/state"
	"github.com/flitsinc/agentcore/internal/task"
)

// ErrTaskOpen means a task is already open; the engine never runs two.
var ErrTaskOpen = errors.New("another task is already open")

// ErrNoOpenTask means the operation needs a live task and none is open.
var ErrNoOpenTask = errors.New("no task is open")

type Config struct {
	// Client serves the task loops. SummaryClient (defaulting to Client)
	// serves condense calls.
	Client        provider.Client
	SummaryClient provider.Client

	// SystemPrompt builds the prompt for a mode.
	SystemPrompt func(mode string) string
	// ToolFactory builds the executor a task uses; nil tasks run with only
	// the built-in tools.
	ToolFactory func(taskID, mode string) loop.ToolExecutor

	AutoApprove    ask.AutoApprover
	LegacyProtocol bool
	ContextWindow  int64
	MaxMistakes    int
	KeepRecent     int
}

type openTask struct {
	item   task.HistoryItem
	task   *loop.Task
	hist   *history.Store
	gate   *ask.Gate
	runCtx context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// rehydrations counts relaunches after mid-stream failures.
	rehydrations int
}

type Engine struct {
	store *state.Store
	bus   *eventbus.Bus
	cfg   Config

	mu     sync.Mutex
	open   *openTask
	clocks map[string]*retry.RateLimitClock
	closed bool
	wg     sync.WaitGroup
}

func New(store *state.Store, bus *eventbus.Bus, cfg Config) (*Engine, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("provider client is required")
	}
	if cfg.SummaryClient == nil {
		cfg.SummaryClient = cfg.Client
	}
	if cfg.SystemPrompt == nil {
		cfg.SystemPrompt = func(string) string { return "" }
	}
	return &Engine{
		store:  store,
		bus:    bus,
		cfg:    cfg,
		clocks: map[string]*retry.RateLimitClock{},
	}, nil
}

// Close aborts the open task and waits for its goroutine to finish.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	ot := e.open
	e.mu.Unlock()
	if ot != nil {
		ot.task.Abort()
		ot.cancel()
	}
	e.wg.Wait()
}

// OpenTaskID returns the id of the open task, if any.
func (e *Engine) OpenTaskID() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.open == nil {
		return "", false
	}
	return e.open.item.ID, true
}

// StartTask opens a fresh root task for the operator request and drives it
// in the background.
func (e *Engine) StartTask(ctx context.Context, spec task.Spec) (string, error) {
	if strings.TrimSpace(spec.Text) == "" {
		return "", fmt.Errorf("task text is required")
	}
	id := spec.ID
	if id == "" {
		id = idgen.New()
	} else if err := idgen.ValidateCustomID(id); err != nil {
		return "", err
	}

	item := task.HistoryItem{
		ID:     id,
		RootID: id,
		Mode:   spec.Mode,
		Status: task.StatusActive,
	}
	if err := e.store.SaveHistoryItem(ctx, item); err != nil {
		return "", err
	}

	ot, err := e.openExisting(item)
	if err != nil {
		return "", err
	}
	e.launch(ot, []message.Block{message.Text{Text: spec.Text}})
	return id, nil
}

// CancelTask aborts the open task if it is the given task or one of its
// delegated descendants. Cancellation cascades downward: a parent's id
// reaches whatever descendant currently runs on its behalf.
func (e *Engine) CancelTask(ctx context.Context, id string) error {
	e.mu.Lock()
	ot := e.open
	e.mu.Unlock()
	if ot == nil {
		return ErrNoOpenTask
	}
	if ot.item.ID != id {
		ok, err := e.isAncestor(ctx, id, ot.item)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("task %s is not open or an ancestor of the open task", id)
		}
	}
	ot.task.Abort()
	ot.cancel()
	return nil
}

// isAncestor walks the persisted parent chain from item up to the root.
func (e *Engine) isAncestor(ctx context.Context, id string, item task.HistoryItem) (bool, error) {
	cur := item
	for cur.ParentID != "" {
		if cur.ParentID == id {
			return true, nil
		}
		parent, err := e.store.GetHistoryItem(ctx, cur.ParentID)
		if err != nil {
			return false, err
		}
		cur = parent
	}
	return false, nil
}

// ResumeTask rehydrates a task from its durable record and reopens it.
func (e *Engine) ResumeTask(ctx context.Context, id string) error {
	e.mu.Lock()
	if e.open != nil {
		e.mu.Unlock()
		return ErrTaskOpen
	}
	e.mu.Unlock()

	item, err := e.store.GetHistoryItem(ctx, id)
	if err != nil {
		return err
	}
	if item.Status == task.StatusCompleted {
		return fmt.Errorf("task %s is already completed", id)
	}
	if item.Status == task.StatusDelegated {
		return fmt.Errorf("task %s is awaiting child %s; resume the child instead", id, item.AwaitingChildID)
	}

	ot, err := e.openExisting(item)
	if err != nil {
		return err
	}
	if err := ot.hist.Load(ctx); err != nil {
		e.release(ot)
		return err
	}
	if len(ot.hist.RequestLog()) == 0 {
		e.release(ot)
		return fmt.Errorf("task %s has no history to resume", id)
	}
	if err := ot.hist.Reconcile(ctx); err != nil {
		e.release(ot)
		return err
	}
	e.launch(ot, nil)
	return nil
}

// SendMessage feeds operator text to the open task: it answers a pending
// ask, or is queued for the next one.
func (e *Engine) SendMessage(text string) error {
	e.mu.Lock()
	ot := e.open
	e.mu.Unlock()
	if ot == nil {
		return ErrNoOpenTask
	}
	if ot.gate.Pending() {
		return ot.gate.Submit(ask.Response{Text: text, Approved: true})
	}
	ot.gate.QueueMessage(text)
	return nil
}

// Respond resolves a pending approval on the open task.
func (e *Engine) Respond(approved bool, text string) error {
	e.mu.Lock()
	ot := e.open
	e.mu.Unlock()
	if ot == nil {
		return ErrNoOpenTask
	}
	return ot.gate.Submit(ask.Response{Approved: approved, Text: text})
}

// CondenseTask runs a manual condense pass over a task's durable request
// log. The task must not be open.
func (e *Engine) CondenseTask(ctx context.Context, id string) (condense.Result, error) {
	e.mu.Lock()
	if e.open != nil && e.open.item.ID == id {
		e.mu.Unlock()
		return condense.Result{}, fmt.Errorf("task %s is open; condense runs between turns", id)
	}
	e.mu.Unlock()

	if _, err := e.store.GetHistoryItem(ctx, id); err != nil {
		return condense.Result{}, err
	}
	hist := history.NewStore(e.store, id)
	if err := hist.Load(ctx); err != nil {
		return condense.Result{}, err
	}
	return e.condenser().Condense(ctx, hist)
}

// ListTasks returns the durable records, newest first.
func (e *Engine) ListTasks(ctx context.Context, limit int) ([]task.HistoryItem, error) {
	return e.store.ListHistoryItems(ctx, limit)
}

// GetTask returns one durable record.
func (e *Engine) GetTask(ctx context.Context, id string) (task.HistoryItem, error) {
	return e.store.GetHistoryItem(ctx, id)
}

// Transcript returns a task's operator-facing log from durable storage.
func (e *Engine) Transcript(ctx context.Context, id string) ([]history.TranscriptEntry, error) {
	hist := history.NewStore(e.store, id)
	if err := hist.Load(ctx); err != nil {
		return nil, err
	}
	return hist.Transcript(), nil
}

func (e *Engine) condenser() *condense.Condenser {
	opts := []condense.Option{}
	if e.cfg.KeepRecent > 0 {
		opts = append(opts, condense.WithKeepRecent(e.cfg.KeepRecent))
	}
	return condense.New(e.cfg.SummaryClient, opts...)
}

// familyClock returns the rate-limit clock shared by a root task and all of
// its descendants.
func (e *Engine) familyClock(rootID string) *retry.RateLimitClock {
	e.mu.Lock()
	defer e.mu.Unlock()
	clock, ok := e.clocks[rootID]
	if !ok {
		clock = retry.NewRateLimitClock()
		e.clocks[rootID] = clock
	}
	return clock
}

// openExisting claims the single open slot for item and builds its runtime.
func (e *Engine) openExisting(item task.HistoryItem) (*openTask, error) {
	hist := history.NewStore(e.store, item.ID)
	gate := ask.NewGate(item.ID, hist, e.bus, ask.WithAutoApprover(e.cfg.AutoApprove))

	var tools loop.ToolExecutor
	if e.cfg.ToolFactory != nil {
		tools = e.cfg.ToolFactory(item.ID, item.Mode)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t := loop.New(loop.Config{
		TaskID:         item.ID,
		Mode:           item.Mode,
		SystemPrompt:   e.cfg.SystemPrompt(item.Mode),
		Client:         e.cfg.Client,
		History:        hist,
		Gate:           gate,
		Retrier: retry.NewController(e.familyClock(rootOf(item)),
			retry.WithWaitObserver(func(kind retry.Kind, attempt int, delay time.Duration) {
				_, _ = e.bus.Push(context.Background(), eventbus.EventInput{
					Stream:  eventbus.StreamRetry,
					TaskID:  item.ID,
					Subject: kind.String(),
					Body:    fmt.Sprintf("retrying in %s (attempt %d)", delay.Round(time.Second), attempt),
					Metadata: map[string]any{
						"attempt":  attempt,
						"delay_ms": delay.Milliseconds(),
					},
				})
			})),
		Condenser:      e.condenser(),
		Bus:            e.bus,
		Tools:          tools,
		LegacyProtocol: e.cfg.LegacyProtocol,
		ContextWindow:  e.cfg.ContextWindow,
		MaxMistakes:    e.cfg.MaxMistakes,
	})

	ot := &openTask{
		item:   item,
		task:   t,
		hist:   hist,
		gate:   gate,
		runCtx: runCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		cancel()
		return nil, fmt.Errorf("engine is closed")
	}
	if e.open != nil {
		cancel()
		return nil, ErrTaskOpen
	}
	e.open = ot
	return ot, nil
}

func rootOf(item task.HistoryItem) string {
	if item.RootID != "" {
		return item.RootID
	}
	return item.ID
}

// release frees the open slot without running the task.
func (e *Engine) release(ot *openTask) {
	ot.cancel()
	e.mu.Lock()
	if e.open == ot {
		e.open = nil
	}
	e.mu.Unlock()
}
