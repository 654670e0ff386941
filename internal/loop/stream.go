package loop

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/flitsinc/agentcore/internal/message"
	"github.com/flitsinc/agentcore/internal/provider"
)

// turnData accumulates one response stream. The native protocol may
// interleave partial tool-call chunks for several indexes; they are finalized
// and later resolved sequentially in discovery order.
type turnData struct {
	text      strings.Builder
	reasoning strings.Builder
	grounding []string

	order   []int
	partial map[int]*partialCall
	final   map[int]message.ToolUse
}

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

func newTurnData() *turnData {
	return &turnData{
		partial: map[int]*partialCall{},
		final:   map[int]message.ToolUse{},
	}
}

// consume drains the stream into a turnData, folding usage into the task's
// running totals and mirroring text and reasoning deltas into the transcript
// as partial entries. An error other than io.EOF is a mid-stream failure.
func (t *Task) consume(ctx context.Context, stream provider.Stream) (*turnData, error) {
	turn := newTurnData()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return turn, nil
		}
		if err != nil {
			return nil, err
		}
		turn.ingest(ctx, chunk, t)
	}
}

func (d *turnData) ingest(ctx context.Context, chunk provider.Chunk, t *Task) {
	switch c := chunk.(type) {
	case provider.TextChunk:
		d.text.WriteString(c.Text)
		// Each delta re-announces the whole accumulated text; Say at turn
		// end finalizes the entry.
		if _, err := t.cfg.History.SayPartial(ctx, "text", d.text.String()); err != nil {
			t.reportPersistence(ctx, err)
		}

	case provider.ReasoningChunk:
		d.reasoning.WriteString(c.Text)
		if _, err := t.cfg.History.SayPartial(ctx, "reasoning", d.reasoning.String()); err != nil {
			t.reportPersistence(ctx, err)
		}

	case provider.ToolCallPartialChunk:
		p, ok := d.partial[c.Index]
		if !ok {
			p = &partialCall{}
			d.partial[c.Index] = p
			d.order = append(d.order, c.Index)
		}
		if c.ID != "" {
			p.id = c.ID
		}
		if c.Name != "" {
			p.name = c.Name
		}
		p.args.WriteString(c.ArgsDelta)

	case provider.ToolCallChunk:
		// A finalized call without a name is malformed; drop it and let the
		// loop continue.
		if c.Name == "" {
			return
		}
		if _, seen := d.partial[c.Index]; !seen {
			if _, done := d.final[c.Index]; !done {
				d.order = append(d.order, c.Index)
			}
		}
		d.final[c.Index] = message.ToolUse{ID: c.ID, Name: c.Name, Input: c.Args}

	case provider.UsageChunk:
		t.usage.InputTokens += c.Usage.InputTokens
		t.usage.OutputTokens += c.Usage.OutputTokens
		t.usage.CacheReads += c.Usage.CacheReads
		t.usage.CacheWrites += c.Usage.CacheWrites
		t.usage.Cost += c.Usage.Cost
		t.lastTokens = c.Usage.InputTokens

	case provider.GroundingChunk:
		d.grounding = append(d.grounding, c.Sources...)
	}
}

// uses returns the finalized tool calls in discovery order. A partial call
// that never finalized is completed from its accumulated arguments when they
// parse, and dropped as malformed otherwise.
func (d *turnData) uses() []message.ToolUse {
	var out []message.ToolUse
	for _, idx := range d.order {
		if use, ok := d.final[idx]; ok {
			out = append(out, use)
			continue
		}
		p := d.partial[idx]
		if p == nil || p.name == "" {
			continue
		}
		args := p.args.String()
		if args == "" {
			args = "{}"
		}
		if !json.Valid([]byte(args)) {
			continue
		}
		out = append(out, message.ToolUse{ID: p.id, Name: p.name, Input: json.RawMessage(args)})
	}
	return out
}

// blocks assembles the model message content. Under the legacy protocol the
// tool invocation lives inside the text until resolveMarkup extracts it.
func (d *turnData) blocks(legacy bool) []message.Block {
	var out []message.Block
	if text := d.text.String(); text != "" {
		out = append(out, message.Text{Text: text})
	}
	if !legacy {
		for _, use := range d.uses() {
			out = append(out, use)
		}
	}
	return out
}
