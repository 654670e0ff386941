// Package provider defines the abstract client the engine consumes for model
// calls: a request, an ordered lazy stream of typed chunks, and the
// continuation metadata reported after a response completes. The engine never
// deals in vendor wire formats; adapters translate.
package provider

import (
	"context"
	"encoding/json"

	"github.com/flitsinc/agentcore/internal/message"
)

// ToolSpec advertises one callable tool to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Request is one model call. PreviousResponseID carries the provider
// continuation hint from the prior turn; leave empty to start fresh.
type Request struct {
	SystemPrompt       string
	Messages           []message.Message
	Tools              []ToolSpec
	PreviousResponseID string
}

// Continuation is the provider-reported metadata for a completed response.
type Continuation struct {
	ResponseID         string
	Reasoning          string
	ReasoningEncrypted bool
	Signature          string
}

// Usage reports token accounting for a response.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	CacheReads   int64
	CacheWrites  int64
	Cost         float64
}

// Chunk is a closed union of stream elements.
type Chunk interface {
	chunk()
}

type TextChunk struct {
	Text string
}

type ReasoningChunk struct {
	Text      string
	Encrypted bool
}

// ToolCallPartialChunk is a start or delta event for an in-progress tool
// call. Index identifies the call across events; ID and Name are set on the
// first event for the index.
type ToolCallPartialChunk struct {
	Index     int
	ID        string
	Name      string
	ArgsDelta string
}

// ToolCallChunk finalizes the tool call at Index with complete arguments.
type ToolCallChunk struct {
	Index int
	ID    string
	Name  string
	Args  json.RawMessage
}

type UsageChunk struct {
	Usage Usage
}

// GroundingChunk reports retrieval sources the provider attached to the
// response.
type GroundingChunk struct {
	Sources []string
}

func (TextChunk) chunk()            {}
func (ReasoningChunk) chunk()       {}
func (ToolCallPartialChunk) chunk() {}
func (ToolCallChunk) chunk()        {}
func (UsageChunk) chunk()           {}
func (GroundingChunk) chunk()       {}

// Stream is an ordered lazy chunk sequence. Next returns io.EOF after the
// final chunk; Continuation is only meaningful after that.
type Stream interface {
	Next() (Chunk, error)
	Continuation() Continuation
}

// Client produces one response stream per call.
type Client interface {
	Stream(ctx context.Context, req Request) (Stream, error)
}
