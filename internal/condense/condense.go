// Package condense collapses the older part of a task's request log into a
// single model-generated summary message so long-running tasks keep fitting
// their context window.
package condense

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/flitsinc/agentcore/internal/history"
	"github.com/flitsinc/agentcore/internal/message"
	"github.com/flitsinc/agentcore/internal/provider"
)

// ErrTooFewMessages means the log has no condensable span: everything is
// either the first message or inside the keep-recent window.
var ErrTooFewMessages = errors.New("too few messages to condense")

const summaryPrompt = `Summarize the conversation so far for your own future reference.
Preserve: the task goal, decisions made, files and commands touched, open
problems, and any constraints stated by the user. Write in compact prose.
Respond with the summary only.`

type Condenser struct {
	client provider.Client

	keepRecent     int
	aggressiveKeep int
	trigger        float64
	idFn           func() string
}

type Option func(*Condenser)

// WithKeepRecent sets how many trailing messages are always retained.
func WithKeepRecent(n int) Option {
	return func(c *Condenser) {
		if n > 0 {
			c.keepRecent = n
		}
	}
}

// WithAggressiveKeep sets the smaller retained tail used after a
// context-exceeded failure, when the proactive pass was not enough.
func WithAggressiveKeep(n int) Option {
	return func(c *Condenser) {
		if n > 0 {
			c.aggressiveKeep = n
		}
	}
}

// WithTrigger sets the context-window fraction that makes ShouldCondense
// fire.
func WithTrigger(fraction float64) Option {
	return func(c *Condenser) {
		if fraction > 0 && fraction <= 1 {
			c.trigger = fraction
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(c *Condenser) {
		if fn != nil {
			c.idFn = fn
		}
	}
}

func New(client provider.Client, opts ...Option) *Condenser {
	c := &Condenser{
		client:         client,
		keepRecent:     3,
		aggressiveKeep: 1,
		trigger:        0.8,
		idFn:           func() string { return ulid.Make().String() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// ShouldCondense reports whether usage has crossed the trigger fraction of
// the context window.
func (c *Condenser) ShouldCondense(usedTokens, contextWindow int64) bool {
	if contextWindow <= 0 {
		return false
	}
	return float64(usedTokens) >= c.trigger*float64(contextWindow)
}

// Result describes one applied condense operation.
type Result struct {
	CondenseID string
	Summary    string
	SummaryTs  int64
	Condensed  int
}

// Condense summarizes the condensable span of the effective history and
// rewrites the log through the history store. The first message and the
// keep-recent tail are never condensed; a prior summary inside the span is
// condensed like any other message.
func (c *Condenser) Condense(ctx context.Context, hist *history.Store) (Result, error) {
	return c.condense(ctx, hist, c.keepRecent)
}

// CondenseAggressive is the reactive pass after a context-exceeded failure:
// it retains only the aggressive tail, cutting far deeper than the proactive
// trigger would.
func (c *Condenser) CondenseAggressive(ctx context.Context, hist *history.Store) (Result, error) {
	keep := c.aggressiveKeep
	if keep > c.keepRecent {
		keep = c.keepRecent
	}
	return c.condense(ctx, hist, keep)
}

func (c *Condenser) condense(ctx context.Context, hist *history.Store, keepRecent int) (Result, error) {
	effective := hist.EffectiveHistory()
	// First message + at least one condensable + keep-recent tail.
	if len(effective) < keepRecent+2 {
		return Result{}, ErrTooFewMessages
	}

	boundary := len(effective) - keepRecent
	// Never orphan tool results: if the first retained message opens with a
	// tool result, its tool use must stay visible too.
	for boundary > 1 && startsWithToolResult(effective[boundary]) {
		boundary--
	}
	if boundary <= 1 {
		return Result{}, ErrTooFewMessages
	}

	span := effective[1:boundary]
	summary, err := c.summarize(ctx, effective[:boundary])
	if err != nil {
		return Result{}, fmt.Errorf("generate summary: %w", err)
	}
	if strings.TrimSpace(summary) == "" {
		return Result{}, fmt.Errorf("provider returned an empty summary")
	}

	condensed := make(map[int64]struct{}, len(span))
	for _, msg := range span {
		condensed[msg.Ts] = struct{}{}
	}
	firstRetainedTs := effective[boundary].Ts
	id := c.idFn()
	if err := hist.ApplyCondense(ctx, summary, id, firstRetainedTs, condensed); err != nil {
		return Result{}, err
	}
	return Result{
		CondenseID: id,
		Summary:    summary,
		SummaryTs:  firstRetainedTs - 1,
		Condensed:  len(span),
	}, nil
}

func (c *Condenser) summarize(ctx context.Context, span []message.Message) (string, error) {
	req := provider.Request{
		SystemPrompt: summaryPrompt,
		Messages:     closeSpan(span),
	}
	stream, err := c.client.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		if text, ok := chunk.(provider.TextChunk); ok {
			sb.WriteString(text.Text)
		}
	}
	return sb.String(), nil
}

// closeSpan appends the explicit summarize instruction as a final user turn
// so the request ends on the operator side.
func closeSpan(span []message.Message) []message.Message {
	out := make([]message.Message, len(span), len(span)+1)
	copy(out, span)
	ts := int64(0)
	if len(out) > 0 {
		ts = out[len(out)-1].Ts + 1
	}
	out = append(out, message.UserText(ts, "Summarize the conversation above."))
	return out
}

func startsWithToolResult(msg message.Message) bool {
	if len(msg.Blocks) == 0 {
		return false
	}
	_, ok := msg.Blocks[0].(message.ToolResult)
	return ok
}
