// Package providertest provides a scripted in-memory provider client for
// tests.
package providertest

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/flitsinc/agentcore/internal/provider"
)

// Response scripts one model call: the chunks the stream yields, the
// continuation reported after exhaustion, and an optional error. Err is
// returned instead of a stream; StreamErr is returned by the stream after
// its chunks drain, simulating a mid-stream failure.
type Response struct {
	Chunks       []provider.Chunk
	Continuation provider.Continuation
	Err          error
	StreamErr    error
}

// Text scripts a plain text response.
func Text(text string) Response {
	return Response{Chunks: []provider.Chunk{provider.TextChunk{Text: text}}}
}

// ToolCall scripts a response invoking one tool.
func ToolCall(id, name, args string) Response {
	return Response{Chunks: []provider.Chunk{
		provider.ToolCallChunk{Index: 0, ID: id, Name: name, Args: []byte(args)},
	}}
}

// Client replays scripted responses in order. Calls past the script fail.
type Client struct {
	mu        sync.Mutex
	responses []Response
	requests  []provider.Request
}

func NewClient(responses ...Response) *Client {
	return &Client{responses: responses}
}

// Append adds more scripted responses.
func (c *Client) Append(responses ...Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, responses...)
}

// Requests returns the requests seen so far.
func (c *Client) Requests() []provider.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]provider.Request, len(c.requests))
	copy(out, c.requests)
	return out
}

func (c *Client) Stream(ctx context.Context, req provider.Request) (provider.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if len(c.responses) == 0 {
		return nil, fmt.Errorf("unscripted provider call %d", len(c.requests))
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	if resp.Err != nil {
		return nil, resp.Err
	}
	return &stream{chunks: resp.Chunks, cont: resp.Continuation, err: resp.StreamErr}, nil
}

type stream struct {
	chunks []provider.Chunk
	cont   provider.Continuation
	err    error
}

func (s *stream) Next() (provider.Chunk, error) {
	if len(s.chunks) == 0 {
		if s.err != nil {
			err := s.err
			s.err = nil
			return nil, err
		}
		return nil, io.EOF
	}
	chunk := s.chunks[0]
	s.chunks = s.chunks[1:]
	return chunk, nil
}

func (s *stream) Continuation() provider.Continuation { return s.cont }
