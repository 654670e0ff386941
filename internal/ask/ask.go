// Package ask mediates questions and approvals between a running task and
// the operator: blocking asks, auto-approval policy, opportunistic
// consumption of queued operator input, and supersession when the
// conversation moves past an unanswered ask.
package ask

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flitsinc/agentcore/internal/eventbus"
	"github.com/flitsinc/agentcore/internal/history"
)

// Kind identifies what the task is asking for.
type Kind string

const (
	KindFollowup     Kind = "followup"
	KindTool         Kind = "tool_approval"
	KindCommand      Kind = "command_approval"
	KindRetry        Kind = "request_retry"
	KindMistakeLimit Kind = "mistake_limit"
	KindCompletion   Kind = "completion_result"
	KindResume       Kind = "resume_task"
)

// Status classifies an ask that stayed unanswered past the grace delay.
type Status string

const (
	// StatusInteractive: the task is blocked on an operator decision.
	StatusInteractive Status = "interactive"
	// StatusResumable: the task can be picked up again whenever the
	// operator returns.
	StatusResumable Status = "resumable"
	// StatusIdle: the task finished and merely awaits acknowledgement.
	StatusIdle Status = "idle"
)

func classify(kind Kind) Status {
	switch kind {
	case KindCompletion:
		return StatusIdle
	case KindResume, KindRetry:
		return StatusResumable
	default:
		return StatusInteractive
	}
}

// ErrSuperseded means the conversation advanced past the ask before it was
// answered; the asker must re-evaluate and possibly re-ask.
var ErrSuperseded = errors.New("ask superseded by newer message")

// Response is the operator's (or policy's) answer to an ask.
type Response struct {
	Text     string
	Approved bool
	Auto     bool
}

// AutoApprover resolves an ask without operator interaction. ok=false defers
// to the operator.
type AutoApprover func(kind Kind, text string) (Response, bool)

type pendingAsk struct {
	ts   int64
	kind Kind
	ch   chan outcome
}

type outcome struct {
	resp Response
	err  error
}

type Gate struct {
	taskID string
	hist   *history.Store
	bus    *eventbus.Bus

	graceDelay  time.Duration
	autoApprove AutoApprover

	mu      sync.Mutex
	pending *pendingAsk
	queued  []string
}

type Option func(*Gate)

// WithGraceDelay sets how long an ask stays unclassified before its status
// event is emitted.
func WithGraceDelay(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.graceDelay = d
		}
	}
}

func WithAutoApprover(fn AutoApprover) Option {
	return func(g *Gate) { g.autoApprove = fn }
}

func NewGate(taskID string, hist *history.Store, bus *eventbus.Bus, opts ...Option) *Gate {
	g := &Gate{
		taskID:     taskID,
		hist:       hist,
		bus:        bus,
		graceDelay: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// QueueMessage stores operator input sent while no ask was pending. The next
// Ask consumes it as its answer.
func (g *Gate) QueueMessage(text string) {
	g.mu.Lock()
	g.queued = append(g.queued, text)
	g.mu.Unlock()
}

// Submit answers the pending ask. It fails when nothing is pending.
func (g *Gate) Submit(resp Response) error {
	g.mu.Lock()
	p := g.pending
	g.pending = nil
	g.mu.Unlock()
	if p == nil {
		return fmt.Errorf("no pending ask")
	}
	p.ch <- outcome{resp: resp}
	return nil
}

// AdvanceMarker tells the gate the task's last-message marker moved to ts.
// A pending ask older than the marker is rejected as superseded.
func (g *Gate) AdvanceMarker(ts int64) {
	g.mu.Lock()
	p := g.pending
	if p == nil || ts <= p.ts {
		g.mu.Unlock()
		return
	}
	g.pending = nil
	g.mu.Unlock()
	p.ch <- outcome{err: ErrSuperseded}
}

// Pending reports whether an ask is waiting for an answer.
func (g *Gate) Pending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending != nil
}

// Ask records a partial ask entry in the transcript and blocks until it is
// answered, auto-approved, satisfied from the queue, or superseded; the
// entry is finalized on resolution. After the grace delay an unanswered ask
// emits its status classification on the ask stream.
func (g *Gate) Ask(ctx context.Context, kind Kind, text string) (Response, error) {
	entry, err := g.hist.AppendTranscript(ctx, history.TranscriptEntry{
		Type:    history.EntryAsk,
		Kind:    string(kind),
		Text:    text,
		Partial: true,
	})
	if err != nil {
		return Response{}, fmt.Errorf("record ask: %w", err)
	}
	finalize := func() {
		if err := g.hist.FinalizeAsk(ctx, entry.Ts); err != nil {
			g.emit(ctx, "ask-error", fmt.Sprintf("finalize ask: %v", err), nil)
		}
	}

	if g.autoApprove != nil {
		if resp, ok := g.autoApprove(kind, text); ok {
			resp.Auto = true
			finalize()
			g.emit(ctx, "ask-resolved", string(kind), map[string]any{"auto": true})
			return resp, nil
		}
	}

	// Queued operator input answers followup-style asks without blocking.
	if queued, ok := g.takeQueued(kind); ok {
		finalize()
		g.emit(ctx, "ask-resolved", string(kind), map[string]any{"queued": true})
		return Response{Text: queued, Approved: true}, nil
	}

	p := &pendingAsk{ts: entry.Ts, kind: kind, ch: make(chan outcome, 1)}
	g.mu.Lock()
	if g.pending != nil {
		g.mu.Unlock()
		return Response{}, fmt.Errorf("ask already pending")
	}
	g.pending = p
	g.mu.Unlock()

	timer := time.NewTimer(g.graceDelay)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			g.emit(ctx, "ask-pending", string(kind), map[string]any{
				"status": string(classify(kind)),
				"ts":     entry.Ts,
			})
		case out := <-p.ch:
			finalize()
			if out.err != nil {
				g.emit(ctx, "ask-superseded", string(kind), map[string]any{"ts": entry.Ts})
				return Response{}, out.err
			}
			g.emit(ctx, "ask-resolved", string(kind), nil)
			return out.resp, nil
		case <-ctx.Done():
			// The entry stays partial: the ask was never answered.
			g.mu.Lock()
			if g.pending == p {
				g.pending = nil
			}
			g.mu.Unlock()
			return Response{}, ctx.Err()
		}
	}
}

func (g *Gate) takeQueued(kind Kind) (string, bool) {
	if kind != KindFollowup && kind != KindCompletion && kind != KindResume {
		return "", false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.queued) == 0 {
		return "", false
	}
	text := g.queued[0]
	g.queued = g.queued[1:]
	return text, true
}

func (g *Gate) emit(ctx context.Context, subject, body string, metadata map[string]any) {
	if g.bus == nil {
		return
	}
	// Ask events are advisory; a failed publish never blocks the task.
	_, _ = g.bus.Push(ctx, eventbus.EventInput{
		Stream:   eventbus.StreamAsk,
		TaskID:   g.taskID,
		Subject:  subject,
		Body:     body,
		Metadata: metadata,
	})
}
