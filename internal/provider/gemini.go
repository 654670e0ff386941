package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/flitsinc/agentcore/internal/message"
)

// GeminiConfig configures the Gemini-backed Client.
type GeminiConfig struct {
	APIKey         string
	Model          string
	ThinkingBudget int32
}

// Gemini adapts google.golang.org/genai streaming to the Client interface.
type Gemini struct {
	client *genai.Client
	cfg    GeminiConfig
}

func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("gemini model is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Gemini{client: client, cfg: cfg}, nil
}

func (g *Gemini) Stream(ctx context.Context, req Request) (Stream, error) {
	contents, err := geminiContents(req.Messages)
	if err != nil {
		return nil, err
	}

	config := &genai.GenerateContentConfig{}
	if req.SystemPrompt != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.SystemPrompt}},
		}
	}
	if len(req.Tools) > 0 {
		tool := &genai.Tool{}
		for _, spec := range req.Tools {
			decl := &genai.FunctionDeclaration{
				Name:        spec.Name,
				Description: spec.Description,
			}
			if len(spec.InputSchema) > 0 {
				var schema any
				if err := json.Unmarshal(spec.InputSchema, &schema); err != nil {
					return nil, fmt.Errorf("tool %s schema: %w", spec.Name, err)
				}
				decl.ParametersJsonSchema = schema
			}
			tool.FunctionDeclarations = append(tool.FunctionDeclarations, decl)
		}
		config.Tools = []*genai.Tool{tool}
	}
	if g.cfg.ThinkingBudget > 0 {
		budget := g.cfg.ThinkingBudget
		config.ThinkingConfig = &genai.ThinkingConfig{
			IncludeThoughts: true,
			ThinkingBudget:  &budget,
		}
	}

	seq := g.client.Models.GenerateContentStream(ctx, g.cfg.Model, contents, config)
	next, stop := iter.Pull2(seq)
	return newGeminiStream(ctx, next, stop), nil
}

// newGeminiStream wraps a pull iterator and ties its release to ctx, so a
// stream abandoned mid-consume still frees the iterator when the call
// context is canceled.
func newGeminiStream(ctx context.Context, next func() (*genai.GenerateContentResponse, error, bool), stop func()) *geminiStream {
	s := &geminiStream{next: next, stop: stop}
	context.AfterFunc(ctx, s.release)
	return s
}

type geminiStream struct {
	next func() (*genai.GenerateContentResponse, error, bool)
	stop func()

	mu       sync.Mutex
	buffered []Chunk
	cont     Continuation
	toolIdx  int
	done     bool
}

// release is safe against a concurrent Next; iter.Pull2's stop may be called
// more than once.
func (s *geminiStream) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	s.stop()
}

func (s *geminiStream) Next() (Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if len(s.buffered) > 0 {
			chunk := s.buffered[0]
			s.buffered = s.buffered[1:]
			return chunk, nil
		}
		if s.done {
			return nil, io.EOF
		}
		resp, err, ok := s.next()
		if !ok {
			s.done = true
			s.stop()
			return nil, io.EOF
		}
		if err != nil {
			s.done = true
			s.stop()
			return nil, classifyGeminiError(err)
		}
		s.ingest(resp)
	}
}

func (s *geminiStream) Continuation() Continuation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cont
}

func (s *geminiStream) ingest(resp *genai.GenerateContentResponse) {
	if resp.ResponseID != "" {
		s.cont.ResponseID = resp.ResponseID
	}
	if resp.UsageMetadata != nil {
		s.buffered = append(s.buffered, UsageChunk{Usage: Usage{
			InputTokens:  int64(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int64(resp.UsageMetadata.CandidatesTokenCount),
			CacheReads:   int64(resp.UsageMetadata.CachedContentTokenCount),
		}})
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return
	}
	candidate := resp.Candidates[0]
	for _, part := range candidate.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			call := part.FunctionCall
			args, err := json.Marshal(call.Args)
			if err != nil {
				// Malformed chunk: drop it, the loop continues.
				continue
			}
			id := call.ID
			if id == "" {
				id = fmt.Sprintf("%s-%d", call.Name, s.toolIdx)
			}
			s.buffered = append(s.buffered, ToolCallChunk{
				Index: s.toolIdx,
				ID:    id,
				Name:  call.Name,
				Args:  args,
			})
			s.toolIdx++
		case part.Thought:
			s.buffered = append(s.buffered, ReasoningChunk{Text: part.Text})
			if len(part.ThoughtSignature) > 0 {
				s.cont.Signature = base64.StdEncoding.EncodeToString(part.ThoughtSignature)
			}
		case part.Text != "":
			s.buffered = append(s.buffered, TextChunk{Text: part.Text})
		}
	}
	if candidate.GroundingMetadata != nil {
		var sources []string
		for _, gc := range candidate.GroundingMetadata.GroundingChunks {
			if gc.Web != nil && gc.Web.URI != "" {
				sources = append(sources, gc.Web.URI)
			}
		}
		if len(sources) > 0 {
			s.buffered = append(s.buffered, GroundingChunk{Sources: sources})
		}
	}
}

func geminiContents(messages []message.Message) ([]*genai.Content, error) {
	var out []*genai.Content
	for _, msg := range messages {
		role := genai.RoleUser
		if msg.Role == message.RoleAssistant {
			role = genai.RoleModel
		}
		content := &genai.Content{Role: role}
		for _, block := range msg.Blocks {
			switch b := block.(type) {
			case message.Text:
				content.Parts = append(content.Parts, &genai.Part{Text: b.Text})
			case message.ToolUse:
				var args map[string]any
				if len(b.Input) > 0 {
					if err := json.Unmarshal(b.Input, &args); err != nil {
						return nil, fmt.Errorf("tool use %s input: %w", b.Name, err)
					}
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{ID: b.ID, Name: b.Name, Args: args},
				})
			case message.ToolResult:
				content.Parts = append(content.Parts, &genai.Part{
					FunctionResponse: &genai.FunctionResponse{
						ID:       b.ToolUseID,
						Name:     toolNameFromUseID(b.ToolUseID),
						Response: map[string]any{"output": b.Content, "error": b.IsError},
					},
				})
			case message.Reasoning:
				if b.Redacted {
					continue
				}
				content.Parts = append(content.Parts, &genai.Part{Text: b.Text, Thought: true})
			case message.Signature:
				if b.Signature != "" {
					if sig, err := base64.StdEncoding.DecodeString(b.Signature); err == nil {
						content.Parts = append(content.Parts, &genai.Part{ThoughtSignature: sig})
					}
				}
			}
		}
		if len(content.Parts) == 0 {
			continue
		}
		out = append(out, content)
	}
	return out, nil
}

// toolNameFromUseID recovers the function name from the synthetic ids minted
// in ingest. Provider-assigned ids pass through unchanged.
func toolNameFromUseID(id string) string {
	if idx := strings.LastIndex(id, "-"); idx > 0 {
		return id[:idx]
	}
	return id
}

func classifyGeminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 429:
			return &RateLimitError{RetryAfter: retryAfterHint(apiErr), Err: err}
		case 400:
			if strings.Contains(strings.ToLower(apiErr.Message), "token") ||
				strings.Contains(strings.ToLower(apiErr.Message), "context") {
				return &ContextExceededError{Err: err}
			}
		}
	}
	return err
}

func retryAfterHint(apiErr genai.APIError) time.Duration {
	for _, detail := range apiErr.Details {
		raw, ok := detail["retryDelay"].(string)
		if !ok {
			continue
		}
		if d, err := time.ParseDuration(raw); err == nil {
			return d
		}
	}
	return 0
}
