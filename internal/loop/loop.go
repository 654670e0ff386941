// Package loop drives one task's request/response cycle: streaming provider
// calls, tool dispatch with exactly-once results, retry and condense
// handling, and loop termination.
package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/flitsinc/agentcore/internal/ask"
	"github.com/flitsinc/agentcore/internal/condense"
	"github.com/flitsinc/agentcore/internal/eventbus"
	"github.com/flitsinc/agentcore/internal/history"
	"github.com/flitsinc/agentcore/internal/message"
	"github.com/flitsinc/agentcore/internal/provider"
	"github.com/flitsinc/agentcore/internal/retry"
)

// Built-in tool names handled by the loop itself rather than an executor.
const (
	ToolAttemptCompletion = "attempt_completion"
	ToolAskFollowup       = "ask_followup_question"
	ToolNewTask           = "new_task"
)

// Status is a task's lifecycle state, emitted on the task_state stream.
type Status string

const (
	StatusIdle          Status = "idle"
	StatusStreaming     Status = "streaming"
	StatusPresenting    Status = "presenting"
	StatusAwaitingTools Status = "awaiting_tools"
	StatusPaused        Status = "paused"
	StatusCompleted     Status = "completed"
	StatusAborted       Status = "aborted"
	StatusDelegated     Status = "delegated"
)

// ErrStreamInterrupted marks a mid-stream provider failure. The task is not
// safely resumable in place; the owner may rehydrate it from its durable
// record.
var ErrStreamInterrupted = errors.New("provider stream interrupted")

// ToolExecutor runs the externally implemented tools.
type ToolExecutor interface {
	Specs() []provider.ToolSpec
	// Execute runs one tool to completion. A returned error becomes a
	// failed tool-result; it is never fatal to the task.
	Execute(ctx context.Context, use message.ToolUse) (string, error)
}

// DelegationRequest is the loop's instruction to hand control to a child
// task. The owner performs the handoff and later resumes the parent.
type DelegationRequest struct {
	Mode      string
	Message   string
	ToolUseID string
}

// Result is the terminal outcome of a Run.
type Result struct {
	Status           Status
	CompletionResult string
	Delegation       *DelegationRequest
	Usage            provider.Usage
}

type Config struct {
	TaskID       string
	Mode         string
	SystemPrompt string

	Client    provider.Client
	History   *history.Store
	Gate      *ask.Gate
	Retrier   *retry.Controller
	Condenser *condense.Condenser
	Bus       *eventbus.Bus
	Tools     ToolExecutor

	// LegacyProtocol makes the model invoke tools through text markup
	// instead of native tool-call chunks. Fixed for the life of the task.
	LegacyProtocol bool

	// ContextWindow enables proactive condensing when token usage crosses
	// the condenser's trigger fraction. Zero disables it.
	ContextWindow int64

	MaxMistakes    int
	MaxAutoRetries int
}

// continuation is one pending unit of work on the loop's explicit stack:
// operator content to send, how many times this request already failed, and
// whether the content is already in the durable log.
type continuation struct {
	blocks          []message.Block
	attempt         int
	condenseAttempt int
	appended        bool
	skipPrevID      bool
}

type Task struct {
	cfg Config

	mu         sync.Mutex
	status     Status
	aborted    bool
	cancelCall context.CancelFunc

	turn       int
	mistakes   int
	usage      provider.Usage
	lastTokens int64
	answered   map[string]struct{}
	dropPrevID bool
}

func New(cfg Config) *Task {
	if cfg.MaxMistakes <= 0 {
		cfg.MaxMistakes = 3
	}
	if cfg.MaxAutoRetries <= 0 {
		cfg.MaxAutoRetries = 3
	}
	t := &Task{
		cfg:      cfg,
		status:   StatusIdle,
		answered: map[string]struct{}{},
	}
	// Seed the answered set so a rehydrated task never re-answers a
	// tool use already resolved in the durable log.
	for _, msg := range cfg.History.RequestLog() {
		for _, res := range msg.ToolResults() {
			t.answered[res.ToolUseID] = struct{}{}
		}
	}
	for _, res := range cfg.History.PendingToolResults() {
		t.answered[res.ToolUseID] = struct{}{}
	}
	return t
}

func (t *Task) ID() string { return t.cfg.TaskID }

func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Abort requests cooperative shutdown and hard-cancels any in-flight
// provider call.
func (t *Task) Abort() {
	t.mu.Lock()
	t.aborted = true
	cancel := t.cancelCall
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (t *Task) clearCall() {
	t.mu.Lock()
	cancel := t.cancelCall
	t.cancelCall = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// DropContinuation makes the next provider call ignore the continuation
// token stored in the log. One-shot; set when the durable log was rewritten
// behind the provider's back, as after a delegation resume.
func (t *Task) DropContinuation() {
	t.mu.Lock()
	t.dropPrevID = true
	t.mu.Unlock()
}

func (t *Task) isAborted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aborted
}

// Run drives the loop until completion, delegation, or abort. initial is the
// operator content for the first turn; nil means the durable log is already
// primed (resume paths).
func (t *Task) Run(ctx context.Context, initial []message.Block) (Result, error) {
	t.mu.Lock()
	drop := t.dropPrevID
	t.dropPrevID = false
	t.mu.Unlock()
	stack := []continuation{{blocks: initial, appended: initial == nil, skipPrevID: drop}}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			t.setStatus(ctx, StatusAborted)
			return t.result(StatusAborted), err
		}
		if t.isAborted() {
			t.setStatus(ctx, StatusAborted)
			return t.result(StatusAborted), nil
		}

		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		next, terminal, err := t.turnOnce(ctx, c)
		if err != nil {
			t.setStatus(ctx, StatusAborted)
			return t.result(StatusAborted), err
		}
		if terminal != nil {
			t.setStatus(ctx, terminal.Status)
			return *terminal, nil
		}
		stack = append(stack, next...)
	}
	// The stack never drains without a terminal outcome.
	return t.result(StatusAborted), fmt.Errorf("task loop stalled with an empty work stack")
}

// turnOnce performs one provider round trip. It returns continuations to
// push, or a terminal result.
func (t *Task) turnOnce(ctx context.Context, c continuation) ([]continuation, *Result, error) {
	t.turn++

	// Pending tool results always reach the durable log before new input.
	if err := t.cfg.History.FlushPendingToolResults(ctx); err != nil {
		t.reportPersistence(ctx, err)
	}
	if !c.appended && len(c.blocks) > 0 {
		if _, err := t.cfg.History.AppendUser(ctx, c.blocks...); err != nil {
			t.reportPersistence(ctx, err)
		}
	}

	t.maybeCondense(ctx)

	stream, err := t.openStream(ctx, c)
	if err != nil {
		return t.handleCallFailure(ctx, c, err)
	}

	t.setStatus(ctx, StatusStreaming)
	turn, err := t.consume(ctx, stream)
	t.clearCall()
	if err != nil {
		if t.isAborted() || errors.Is(err, context.Canceled) {
			return nil, &Result{Status: StatusAborted, Usage: t.usage}, nil
		}
		// Mid-stream failures are not resumable in place.
		return nil, nil, fmt.Errorf("%w: %w", ErrStreamInterrupted, err)
	}

	t.setStatus(ctx, StatusPresenting)
	blocks := turn.blocks(t.cfg.LegacyProtocol)
	if len(blocks) == 0 {
		return t.handleEmptyResponse(ctx, c)
	}

	var uses []message.ToolUse
	if t.cfg.LegacyProtocol {
		blocks, uses, err = t.resolveMarkup(ctx, blocks, turn.text.String())
		if err != nil {
			return nil, nil, err
		}
	} else {
		uses = turn.uses()
	}

	msg, err := t.cfg.History.AppendAssistant(ctx, blocks, stream.Continuation())
	if err != nil {
		t.reportPersistence(ctx, err)
	}
	if t.cfg.Gate != nil {
		t.cfg.Gate.AdvanceMarker(msg.Ts)
	}
	if reasoning := turn.reasoning.String(); strings.TrimSpace(reasoning) != "" {
		if _, err := t.cfg.History.Say(ctx, "reasoning", reasoning); err != nil {
			t.reportPersistence(ctx, err)
		}
	}
	if text := turn.text.String(); strings.TrimSpace(text) != "" {
		if _, err := t.cfg.History.Say(ctx, "text", text); err != nil {
			t.reportPersistence(ctx, err)
		}
	}

	if len(uses) == 0 {
		return t.handleNoToolUse(ctx)
	}
	t.mistakes = 0

	t.setStatus(ctx, StatusAwaitingTools)
	return t.dispatchTools(ctx, uses)
}

func (t *Task) openStream(ctx context.Context, c continuation) (provider.Stream, error) {
	req := provider.Request{
		SystemPrompt: t.cfg.SystemPrompt,
		Messages:     t.cfg.History.ProviderMessages(),
	}
	if !t.cfg.LegacyProtocol {
		req.Tools = t.toolSpecs()
	}
	if !c.skipPrevID {
		if cont, ok := t.cfg.History.LastContinuation(); ok {
			req.PreviousResponseID = cont.ResponseID
		}
	}

	callCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancelCall = cancel
	t.mu.Unlock()
	stream, err := t.cfg.Client.Stream(callCtx, req)
	if err != nil {
		cancel()
		t.mu.Lock()
		t.cancelCall = nil
		t.mu.Unlock()
		return nil, err
	}
	return stream, nil
}

// handleCallFailure deals with failures before the first chunk arrived;
// these are always recoverable by resubmission.
func (t *Task) handleCallFailure(ctx context.Context, c continuation, err error) ([]continuation, *Result, error) {
	kind := retry.Classify(err)
	switch kind {
	case retry.KindCanceled:
		return nil, &Result{Status: StatusAborted, Usage: t.usage}, nil

	case retry.KindContextExceeded:
		if t.cfg.Condenser == nil || c.condenseAttempt >= t.cfg.Retrier.MaxCondenseRetries {
			return nil, nil, fmt.Errorf("request exceeds context window: %w", err)
		}
		// The proactive pass already ran and was not enough; cut deeper.
		if _, cerr := t.cfg.Condenser.CondenseAggressive(ctx, t.cfg.History); cerr != nil {
			return nil, nil, fmt.Errorf("condense after context overflow: %w (original: %w)", cerr, err)
		}
		c.condenseAttempt++
		// A condensed history invalidates provider-side continuation state.
		c.skipPrevID = true
		c.appended = true
		return []continuation{c}, nil, nil

	default:
		if c.attempt >= t.cfg.MaxAutoRetries {
			resp, aerr := t.askRetry(ctx, err)
			if aerr != nil {
				return nil, nil, fmt.Errorf("request failed after %d attempts: %w", c.attempt, err)
			}
			if !resp.Approved {
				return nil, &Result{Status: StatusAborted, Usage: t.usage}, nil
			}
			c.attempt = 0
			c.appended = true
			return []continuation{c}, nil, nil
		}
		if werr := t.cfg.Retrier.Wait(ctx, err, c.attempt); werr != nil {
			return nil, &Result{Status: StatusAborted, Usage: t.usage}, nil
		}
		c.attempt++
		c.appended = true
		return []continuation{c}, nil, nil
	}
}

func (t *Task) askRetry(ctx context.Context, cause error) (ask.Response, error) {
	if t.cfg.Gate == nil {
		return ask.Response{}, fmt.Errorf("no operator available")
	}
	t.setStatus(ctx, StatusPaused)
	return t.cfg.Gate.Ask(ctx, ask.KindRetry, fmt.Sprintf("Request failed: %v. Retry?", cause))
}

// handleEmptyResponse rolls back the operator turn so the retry doesn't
// duplicate it, then resubmits.
func (t *Task) handleEmptyResponse(ctx context.Context, c continuation) ([]continuation, *Result, error) {
	if len(c.blocks) > 0 {
		if err := t.cfg.History.RollbackLastRequest(ctx); err != nil {
			t.reportPersistence(ctx, err)
		}
	}
	if c.attempt >= t.cfg.MaxAutoRetries {
		resp, err := t.askRetry(ctx, errors.New("model returned an empty response"))
		if err != nil {
			return nil, nil, fmt.Errorf("model returned an empty response")
		}
		if !resp.Approved {
			return nil, &Result{Status: StatusAborted, Usage: t.usage}, nil
		}
		c.attempt = 0
	} else {
		c.attempt++
	}
	c.appended = false
	return []continuation{c}, nil, nil
}

func (t *Task) handleNoToolUse(ctx context.Context) ([]continuation, *Result, error) {
	t.mistakes++
	if t.mistakes >= t.cfg.MaxMistakes {
		if t.cfg.Gate != nil {
			t.setStatus(ctx, StatusPaused)
			resp, err := t.cfg.Gate.Ask(ctx, ask.KindMistakeLimit,
				"The model keeps responding without acting. Provide guidance to continue.")
			if err == nil {
				t.mistakes = 0
				guidance := resp.Text
				if guidance == "" {
					guidance = "Please continue the task."
				}
				return []continuation{{blocks: []message.Block{message.Text{Text: guidance}}}}, nil, nil
			}
		}
		return nil, nil, fmt.Errorf("mistake limit reached without operator guidance")
	}
	nudge := "You responded with neither a tool invocation nor a completion. " +
		"Use a tool to make progress, or attempt_completion when the task is done."
	return []continuation{{blocks: []message.Block{message.Text{Text: nudge}}}}, nil, nil
}

// resolveMarkup turns legacy protocol text into at most one tool-use block.
func (t *Task) resolveMarkup(ctx context.Context, blocks []message.Block, text string) ([]message.Block, []message.ToolUse, error) {
	names := map[string]struct{}{
		ToolAttemptCompletion: {},
		ToolAskFollowup:       {},
		ToolNewTask:           {},
	}
	for _, spec := range t.toolSpecs() {
		names[spec.Name] = struct{}{}
	}
	call, ok, err := parseMarkup(text, names)
	if err != nil {
		// Malformed markup is reported back to the model, not fatal.
		if _, serr := t.cfg.History.Say(ctx, "error", fmt.Sprintf("malformed tool markup: %v", err)); serr != nil {
			t.reportPersistence(ctx, serr)
		}
		return blocks, nil, nil
	}
	if !ok {
		return blocks, nil, nil
	}
	use := markupToolUse(t.cfg.TaskID, t.turn, call)
	out := make([]message.Block, 0, 2)
	if call.Narration != "" {
		out = append(out, message.Text{Text: call.Narration})
	}
	out = append(out, use)
	return out, []message.ToolUse{use}, nil
}

// dispatchTools resolves tool uses sequentially in discovery order. Results
// are buffered and written to the durable log before the next provider turn.
func (t *Task) dispatchTools(ctx context.Context, uses []message.ToolUse) ([]continuation, *Result, error) {
	for _, use := range uses {
		if t.isAborted() {
			return nil, &Result{Status: StatusAborted, Usage: t.usage}, nil
		}
		if _, done := t.answered[use.ID]; done {
			continue
		}

		switch use.Name {
		case ToolAttemptCompletion:
			return t.handleCompletion(ctx, use)
		case ToolNewTask:
			return t.handleNewTask(ctx, use)
		case ToolAskFollowup:
			cont, res, err := t.handleFollowup(ctx, use)
			if cont != nil || res != nil || err != nil {
				return cont, res, err
			}
		default:
			t.executeTool(ctx, use)
		}
	}
	// Next turn carries the buffered results.
	return []continuation{{appended: false}}, nil, nil
}

func (t *Task) handleCompletion(ctx context.Context, use message.ToolUse) ([]continuation, *Result, error) {
	var args struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(use.Input, &args); err != nil || strings.TrimSpace(args.Result) == "" {
		t.addResult(ctx, use, "attempt_completion requires a non-empty result parameter", true)
		return []continuation{{appended: false}}, nil, nil
	}

	if _, err := t.cfg.History.Say(ctx, "completion_result", args.Result); err != nil {
		t.reportPersistence(ctx, err)
	}
	if t.cfg.Gate != nil {
		resp, err := t.cfg.Gate.Ask(ctx, ask.KindCompletion, args.Result)
		if err == nil && strings.TrimSpace(resp.Text) != "" {
			// Operator feedback reopens the loop.
			t.addResult(ctx, use, "The user has feedback on the result:\n"+resp.Text, false)
			return []continuation{{appended: false}}, nil, nil
		}
	}
	t.addResult(ctx, use, "Task completed.", false)
	if err := t.cfg.History.FlushPendingToolResults(ctx); err != nil {
		t.reportPersistence(ctx, err)
	}
	return nil, &Result{Status: StatusCompleted, CompletionResult: args.Result, Usage: t.usage}, nil
}

func (t *Task) handleNewTask(ctx context.Context, use message.ToolUse) ([]continuation, *Result, error) {
	var args struct {
		Mode    string `json:"mode"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(use.Input, &args); err != nil || strings.TrimSpace(args.Message) == "" {
		t.addResult(ctx, use, "new_task requires mode and message parameters", true)
		return []continuation{{appended: false}}, nil, nil
	}
	// The delegation tool result is written when the child completes; the
	// owner flushes any other buffered results before the handoff.
	return nil, &Result{
		Status: StatusDelegated,
		Usage:  t.usage,
		Delegation: &DelegationRequest{
			Mode:      args.Mode,
			Message:   args.Message,
			ToolUseID: use.ID,
		},
	}, nil
}

func (t *Task) handleFollowup(ctx context.Context, use message.ToolUse) ([]continuation, *Result, error) {
	var args struct {
		Question string `json:"question"`
	}
	if err := json.Unmarshal(use.Input, &args); err != nil || strings.TrimSpace(args.Question) == "" {
		t.addResult(ctx, use, "ask_followup_question requires a question parameter", true)
		return nil, nil, nil
	}
	if t.cfg.Gate == nil {
		t.addResult(ctx, use, "No operator is available to answer questions.", true)
		return nil, nil, nil
	}
	t.setStatus(ctx, StatusPaused)
	resp, err := t.cfg.Gate.Ask(ctx, ask.KindFollowup, args.Question)
	if errors.Is(err, ask.ErrSuperseded) {
		t.addResult(ctx, use, "The question was superseded by a newer message.", true)
		return nil, nil, nil
	}
	if err != nil {
		if t.isAborted() || errors.Is(err, context.Canceled) {
			return nil, &Result{Status: StatusAborted, Usage: t.usage}, nil
		}
		return nil, nil, fmt.Errorf("ask followup: %w", err)
	}
	t.addResult(ctx, use, "The user answered:\n"+resp.Text, false)
	return nil, nil, nil
}

func (t *Task) executeTool(ctx context.Context, use message.ToolUse) {
	if t.cfg.Gate != nil {
		resp, err := t.cfg.Gate.Ask(ctx, ask.KindTool, fmt.Sprintf("Allow tool %s?", use.Name))
		if err != nil || !resp.Approved {
			t.addResult(ctx, use, "The user denied this operation.", true)
			return
		}
	}
	if t.cfg.Tools == nil {
		t.addResult(ctx, use, fmt.Sprintf("Tool %q is not available.", use.Name), true)
		return
	}
	content, err := t.cfg.Tools.Execute(ctx, use)
	if err != nil {
		// Tool failures feed back to the model and count as mistakes.
		t.mistakes++
		t.addResult(ctx, use, fmt.Sprintf("Tool failed: %v", err), true)
		return
	}
	t.addResult(ctx, use, content, false)
}

// addResult buffers exactly one result per tool use.
func (t *Task) addResult(ctx context.Context, use message.ToolUse, content string, isErr bool) {
	if _, done := t.answered[use.ID]; done {
		return
	}
	t.answered[use.ID] = struct{}{}
	t.cfg.History.AddPendingToolResult(message.ToolResult{
		ToolUseID: use.ID,
		Content:   content,
		IsError:   isErr,
	})
	if _, err := t.cfg.History.Say(ctx, "tool", fmt.Sprintf("%s: %s", use.Name, content)); err != nil {
		t.reportPersistence(ctx, err)
	}
}

func (t *Task) maybeCondense(ctx context.Context) {
	if t.cfg.Condenser == nil || t.cfg.ContextWindow <= 0 {
		return
	}
	if !t.cfg.Condenser.ShouldCondense(t.lastTokens, t.cfg.ContextWindow) {
		return
	}
	if _, err := t.cfg.Condenser.Condense(ctx, t.cfg.History); err != nil {
		if !errors.Is(err, condense.ErrTooFewMessages) {
			t.emitError(ctx, fmt.Sprintf("proactive condense failed: %v", err))
		}
		return
	}
	t.lastTokens = 0
}

func (t *Task) toolSpecs() []provider.ToolSpec {
	specs := builtinSpecs()
	if t.cfg.Tools != nil {
		specs = append(specs, t.cfg.Tools.Specs()...)
	}
	return specs
}

func (t *Task) setStatus(ctx context.Context, s Status) {
	t.mu.Lock()
	if t.status == s {
		t.mu.Unlock()
		return
	}
	t.status = s
	t.mu.Unlock()
	if t.cfg.Bus != nil {
		_, _ = t.cfg.Bus.Push(ctx, eventbus.EventInput{
			Stream:  eventbus.StreamTaskState,
			TaskID:  t.cfg.TaskID,
			Subject: "status",
			Body:    string(s),
		})
	}
}

func (t *Task) result(s Status) Result {
	return Result{Status: s, Usage: t.usage}
}

// reportPersistence surfaces a failed durable write without stopping the
// task; in-memory state stays authoritative and the next write may succeed.
func (t *Task) reportPersistence(ctx context.Context, err error) {
	t.emitError(ctx, fmt.Sprintf("persistence: %v", err))
}

func (t *Task) emitError(ctx context.Context, body string) {
	if t.cfg.Bus == nil {
		return
	}
	_, _ = t.cfg.Bus.Push(ctx, eventbus.EventInput{
		Stream: eventbus.StreamErrors,
		TaskID: t.cfg.TaskID,
		Body:   body,
	})
}

func builtinSpecs() []provider.ToolSpec {
	return []provider.ToolSpec{
		{
			Name:        ToolAttemptCompletion,
			Description: "Present the final result of the task to the user.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"result":{"type":"string"}},"required":["result"]}`),
		},
		{
			Name:        ToolAskFollowup,
			Description: "Ask the user a clarifying question.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"question":{"type":"string"}},"required":["question"]}`),
		},
		{
			Name:        ToolNewTask,
			Description: "Delegate a subtask to a new task in the given mode.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"mode":{"type":"string"},"message":{"type":"string"}},"required":["mode","message"]}`),
		},
	}
}
