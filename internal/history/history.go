// Package history maintains the two per-task conversation logs: the
// operator-facing transcript and the provider-facing request log. Both are
// ordered by strictly increasing unix-millisecond timestamps and persisted
// whole through internal/state.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/flitsinc/agentcore/internal/message"
	"github.com/flitsinc/agentcore/internal/provider"
	"github.com/flitsinc/agentcore/internal/state"
)

// Transcript entry types.
const (
	EntrySay = "say"
	EntryAsk = "ask"
)

// TranscriptEntry is one operator-facing log entry.
type TranscriptEntry struct {
	Ts      int64  `json:"ts"`
	Type    string `json:"type"`
	Kind    string `json:"kind,omitempty"`
	Text    string `json:"text,omitempty"`
	Partial bool   `json:"partial,omitempty"`
}

type Store struct {
	taskID           string
	state            *state.Store
	discardReasoning bool
	nowFn            func() time.Time

	mu         sync.Mutex
	transcript []TranscriptEntry
	request    []message.Message
	pending    []message.ToolResult
}

type Option func(*Store)

// WithDiscardReasoning keeps reasoning encoded for replay but strips it when
// building the next provider request.
func WithDiscardReasoning(discard bool) Option {
	return func(s *Store) { s.discardReasoning = discard }
}

func WithClock(nowFn func() time.Time) Option {
	return func(s *Store) {
		if nowFn != nil {
			s.nowFn = nowFn
		}
	}
}

func NewStore(st *state.Store, taskID string, opts ...Option) *Store {
	s := &Store{
		taskID: taskID,
		state:  st,
		nowFn:  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) TaskID() string { return s.taskID }

// Load replaces the in-memory logs with the durable ones. Used on task
// resume and after a delegation handoff rewrites the durable logs.
func (s *Store) Load(ctx context.Context) error {
	transcriptRaw, err := s.state.LoadLog(ctx, s.taskID, state.LogTranscript)
	if err != nil {
		return err
	}
	requestRaw, err := s.state.LoadLog(ctx, s.taskID, state.LogRequest)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = nil
	s.request = nil
	if len(transcriptRaw) > 0 {
		if err := json.Unmarshal(transcriptRaw, &s.transcript); err != nil {
			return fmt.Errorf("decode transcript log: %w", err)
		}
	}
	if len(requestRaw) > 0 {
		if err := json.Unmarshal(requestRaw, &s.request); err != nil {
			return fmt.Errorf("decode request log: %w", err)
		}
	}
	return nil
}

// nextTs allocates a timestamp strictly greater than last. Collisions with
// the wall clock are bumped by one millisecond.
func (s *Store) nextTs(last int64) int64 {
	ts := s.nowFn().UnixMilli()
	if ts <= last {
		ts = last + 1
	}
	return ts
}

func (s *Store) lastTranscriptTs() int64 {
	if len(s.transcript) == 0 {
		return 0
	}
	return s.transcript[len(s.transcript)-1].Ts
}

func (s *Store) lastRequestTs() int64 {
	if len(s.request) == 0 {
		return 0
	}
	return s.request[len(s.request)-1].Ts
}

// AppendTranscript records an operator-facing entry. A zero Ts is assigned
// from the log clock.
func (s *Store) AppendTranscript(ctx context.Context, entry TranscriptEntry) (TranscriptEntry, error) {
	s.mu.Lock()
	if entry.Ts == 0 {
		entry.Ts = s.nextTs(s.lastTranscriptTs())
	} else if entry.Ts <= s.lastTranscriptTs() {
		entry.Ts = s.lastTranscriptTs() + 1
	}
	s.transcript = append(s.transcript, entry)
	s.mu.Unlock()
	return entry, s.saveTranscript(ctx)
}

// SayPartial records the live form of a say entry while a stream is in
// flight: it rewrites the pending partial entry of the same kind in place,
// or opens a new one. Say with the same kind finalizes it.
func (s *Store) SayPartial(ctx context.Context, kind, text string) (TranscriptEntry, error) {
	s.mu.Lock()
	if e := s.pendingSayLocked(kind); e != nil {
		e.Text = text
		entry := *e
		s.mu.Unlock()
		return entry, s.saveTranscript(ctx)
	}
	entry := TranscriptEntry{
		Ts:      s.nextTs(s.lastTranscriptTs()),
		Type:    EntrySay,
		Kind:    kind,
		Text:    text,
		Partial: true,
	}
	s.transcript = append(s.transcript, entry)
	s.mu.Unlock()
	return entry, s.saveTranscript(ctx)
}

// Say appends a completed say entry, absorbing the pending partial entry of
// the same kind when streaming produced one.
func (s *Store) Say(ctx context.Context, kind, text string) (TranscriptEntry, error) {
	s.mu.Lock()
	if e := s.pendingSayLocked(kind); e != nil {
		e.Text = text
		e.Partial = false
		entry := *e
		s.mu.Unlock()
		return entry, s.saveTranscript(ctx)
	}
	s.mu.Unlock()
	return s.AppendTranscript(ctx, TranscriptEntry{Type: EntrySay, Kind: kind, Text: text})
}

// pendingSayLocked finds the partial say entry with the kind inside the
// streaming tail. Partial entries only ever live at the end of the log, so
// the scan stops at the first finalized entry.
func (s *Store) pendingSayLocked(kind string) *TranscriptEntry {
	for i := len(s.transcript) - 1; i >= 0; i-- {
		e := &s.transcript[i]
		if !e.Partial {
			return nil
		}
		if e.Type == EntrySay && e.Kind == kind {
			return e
		}
	}
	return nil
}

// FinalizeAsk clears the partial flag on the ask entry recorded at ts.
func (s *Store) FinalizeAsk(ctx context.Context, ts int64) error {
	s.mu.Lock()
	changed := false
	for i := len(s.transcript) - 1; i >= 0; i-- {
		e := &s.transcript[i]
		if e.Ts != ts || e.Type != EntryAsk {
			continue
		}
		if e.Partial {
			e.Partial = false
			changed = true
		}
		break
	}
	s.mu.Unlock()
	if !changed {
		return nil
	}
	return s.saveTranscript(ctx)
}

// AppendUser appends an operator-side message to the request log.
func (s *Store) AppendUser(ctx context.Context, blocks ...message.Block) (message.Message, error) {
	s.mu.Lock()
	msg := message.Message{
		Role:   message.RoleUser,
		Ts:     s.nextTs(s.lastRequestTs()),
		Blocks: blocks,
	}
	s.request = append(s.request, msg)
	s.mu.Unlock()
	return msg, s.saveRequest(ctx)
}

// AppendAssistant appends a model message, embedding the provider-reported
// continuation metadata as extra content blocks so a later resume can
// reconstruct provider-side state.
func (s *Store) AppendAssistant(ctx context.Context, blocks []message.Block, cont provider.Continuation) (message.Message, error) {
	if cont.Reasoning != "" {
		blocks = append(blocks, message.Reasoning{
			Text:      cont.Reasoning,
			Encrypted: cont.ReasoningEncrypted,
			Redacted:  s.discardReasoning,
		})
	}
	if cont.Signature != "" || cont.ResponseID != "" {
		blocks = append(blocks, message.Signature{
			Signature:  cont.Signature,
			ResponseID: cont.ResponseID,
		})
	}

	s.mu.Lock()
	msg := message.Message{
		Role:   message.RoleAssistant,
		Ts:     s.nextTs(s.lastRequestTs()),
		Blocks: blocks,
	}
	s.request = append(s.request, msg)
	s.mu.Unlock()
	return msg, s.saveRequest(ctx)
}

// RollbackLastRequest removes the most recent request-log message. Used when
// an empty model response would otherwise leave a duplicate operator turn
// before the retry.
func (s *Store) RollbackLastRequest(ctx context.Context) error {
	s.mu.Lock()
	if len(s.request) == 0 {
		s.mu.Unlock()
		return nil
	}
	s.request = s.request[:len(s.request)-1]
	s.mu.Unlock()
	return s.saveRequest(ctx)
}

// EffectiveHistory is the condense-aware view of the request log: a message
// tagged condenseParent=X is hidden only while a summary with condenseId=X
// exists. Visibility self-heals when a rewind removes the summary.
func (s *Store) EffectiveHistory() []message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	summaries := s.summaryIDsLocked()
	out := make([]message.Message, 0, len(s.request))
	for _, msg := range s.request {
		if msg.CondenseParent != "" {
			if _, covered := summaries[msg.CondenseParent]; covered {
				continue
			}
		}
		out = append(out, msg)
	}
	return out
}

// ProviderMessages is the effective history with redacted reasoning stripped,
// ready to hand to a provider request.
func (s *Store) ProviderMessages() []message.Message {
	effective := s.EffectiveHistory()
	out := make([]message.Message, 0, len(effective))
	for _, msg := range effective {
		if !s.discardReasoning {
			out = append(out, msg)
			continue
		}
		kept := make([]message.Block, 0, len(msg.Blocks))
		for _, block := range msg.Blocks {
			if r, ok := block.(message.Reasoning); ok && r.Redacted {
				continue
			}
			kept = append(kept, block)
		}
		msg.Blocks = kept
		out = append(out, msg)
	}
	return out
}

func (s *Store) summaryIDsLocked() map[string]struct{} {
	out := map[string]struct{}{}
	for _, msg := range s.request {
		if msg.IsSummary && msg.CondenseID != "" {
			// A summary subsumed by a later one is itself hidden, but it
			// still anchors the messages it covers.
			out[msg.CondenseID] = struct{}{}
		}
	}
	return out
}

// CleanupCondenseTags clears condenseParent tags whose summary no longer
// exists in the log. Run after any truncation.
func (s *Store) CleanupCondenseTags(ctx context.Context) error {
	s.mu.Lock()
	summaries := s.summaryIDsLocked()
	changed := false
	for i := range s.request {
		parent := s.request[i].CondenseParent
		if parent == "" {
			continue
		}
		if _, ok := summaries[parent]; !ok {
			s.request[i].CondenseParent = ""
			changed = true
		}
	}
	s.mu.Unlock()
	if !changed {
		return nil
	}
	return s.saveRequest(ctx)
}

// TruncateAfter removes every request-log message with Ts > ts (rewind) and
// then heals condense tags orphaned by the cut.
func (s *Store) TruncateAfter(ctx context.Context, ts int64) error {
	s.mu.Lock()
	cut := len(s.request)
	for i, msg := range s.request {
		if msg.Ts > ts {
			cut = i
			break
		}
	}
	s.request = s.request[:cut]
	s.mu.Unlock()
	if err := s.saveRequest(ctx); err != nil {
		return err
	}
	return s.CleanupCondenseTags(ctx)
}

// AddPendingToolResult buffers a tool result. Results are not written to the
// durable log until the turn completes or the task is disposed.
func (s *Store) AddPendingToolResult(res message.ToolResult) {
	s.mu.Lock()
	s.pending = append(s.pending, res)
	s.mu.Unlock()
}

func (s *Store) PendingToolResults() []message.ToolResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]message.ToolResult, len(s.pending))
	copy(out, s.pending)
	return out
}

// FlushPendingToolResults writes buffered tool results to the durable
// request log as a single operator-side message. Required before any task
// disposal so no tool-use block is left unanswered.
func (s *Store) FlushPendingToolResults(ctx context.Context) error {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return nil
	}
	blocks := make([]message.Block, 0, len(s.pending))
	for _, res := range s.pending {
		blocks = append(blocks, res)
	}
	s.pending = nil
	msg := message.Message{
		Role:   message.RoleUser,
		Ts:     s.nextTs(s.lastRequestTs()),
		Blocks: blocks,
	}
	s.request = append(s.request, msg)
	s.mu.Unlock()
	return s.saveRequest(ctx)
}

// Reconcile backfills synthetic "interrupted" tool results for tool uses
// left unanswered by a crash or abort, whether the log ends on a model turn
// or on an operator turn that followed one.
func (s *Store) Reconcile(ctx context.Context) error {
	s.mu.Lock()
	unmatched := s.unmatchedToolUsesLocked()
	if len(unmatched) == 0 {
		s.mu.Unlock()
		return nil
	}
	blocks := make([]message.Block, 0, len(unmatched))
	for _, use := range unmatched {
		blocks = append(blocks, message.ToolResult{
			ToolUseID: use.ID,
			Content:   fmt.Sprintf("Tool %q was interrupted before it produced a result.", use.Name),
			IsError:   true,
		})
	}
	last := &s.request[len(s.request)-1]
	if last.Role == message.RoleUser {
		// Results answer the prior model turn, so they go in front of the
		// operator content already present.
		last.Blocks = append(blocks, last.Blocks...)
	} else {
		s.request = append(s.request, message.Message{
			Role:   message.RoleUser,
			Ts:     s.nextTs(s.lastRequestTs()),
			Blocks: blocks,
		})
	}
	s.mu.Unlock()
	return s.saveRequest(ctx)
}

func (s *Store) unmatchedToolUsesLocked() []message.ToolUse {
	if len(s.request) == 0 {
		return nil
	}
	answered := map[string]struct{}{}
	for _, msg := range s.request {
		for _, res := range msg.ToolResults() {
			answered[res.ToolUseID] = struct{}{}
		}
	}
	// Only the last model turn can be left dangling; earlier turns were
	// answered before the next request was made.
	for i := len(s.request) - 1; i >= 0; i-- {
		if s.request[i].Role != message.RoleAssistant {
			continue
		}
		var out []message.ToolUse
		for _, use := range s.request[i].ToolUses() {
			if _, ok := answered[use.ID]; !ok {
				out = append(out, use)
			}
		}
		return out
	}
	return nil
}

// FindLastToolUse scans the request log backward for the most recent
// completed tool use with the given name.
func (s *Store) FindLastToolUse(name string) (message.ToolUse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.request) - 1; i >= 0; i-- {
		uses := s.request[i].ToolUses()
		for j := len(uses) - 1; j >= 0; j-- {
			if uses[j].Name == name {
				return uses[j], true
			}
		}
	}
	return message.ToolUse{}, false
}

// ApplyCondense inserts the summary message one timestamp unit before the
// first retained message and tags every condensed original (including any
// earlier summary) with the new condense id.
func (s *Store) ApplyCondense(ctx context.Context, summaryText, condenseID string, firstRetainedTs int64, condensed map[int64]struct{}) error {
	if condenseID == "" {
		return fmt.Errorf("condense id is required")
	}
	s.mu.Lock()
	summary := message.Message{
		Role:       message.RoleAssistant,
		Ts:         firstRetainedTs - 1,
		Blocks:     []message.Block{message.Text{Text: summaryText}},
		IsSummary:  true,
		CondenseID: condenseID,
	}
	insertAt := len(s.request)
	for i, msg := range s.request {
		if msg.Ts >= firstRetainedTs {
			insertAt = i
			break
		}
	}
	s.request = append(s.request[:insertAt], append([]message.Message{summary}, s.request[insertAt:]...)...)
	for i := range s.request {
		if s.request[i].IsSummary && s.request[i].CondenseID == condenseID {
			continue
		}
		if _, ok := condensed[s.request[i].Ts]; ok {
			s.request[i].CondenseParent = condenseID
		}
	}
	s.mu.Unlock()
	return s.saveRequest(ctx)
}

// Transcript returns a copy of the transcript log.
func (s *Store) Transcript() []TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TranscriptEntry, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// RequestLog returns a copy of the raw (unfiltered) request log.
func (s *Store) RequestLog() []message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]message.Message, len(s.request))
	copy(out, s.request)
	return out
}

// LastContinuation returns the continuation metadata embedded in the most
// recent model message, if any.
func (s *Store) LastContinuation() (provider.Continuation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.request) - 1; i >= 0; i-- {
		if s.request[i].Role != message.RoleAssistant {
			continue
		}
		for _, block := range s.request[i].Blocks {
			if sig, ok := block.(message.Signature); ok {
				return provider.Continuation{ResponseID: sig.ResponseID, Signature: sig.Signature}, true
			}
		}
		return provider.Continuation{}, false
	}
	return provider.Continuation{}, false
}

func (s *Store) saveTranscript(ctx context.Context) error {
	s.mu.Lock()
	entries := s.transcript
	if entries == nil {
		entries = []TranscriptEntry{}
	}
	payload, err := json.Marshal(entries)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode transcript log: %w", err)
	}
	return s.state.SaveLog(ctx, s.taskID, state.LogTranscript, payload)
}

func (s *Store) saveRequest(ctx context.Context) error {
	s.mu.Lock()
	msgs := s.request
	if msgs == nil {
		msgs = []message.Message{}
	}
	payload, err := json.Marshal(msgs)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode request log: %w", err)
	}
	return s.state.SaveLog(ctx, s.taskID, state.LogRequest, payload)
}
