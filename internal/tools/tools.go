// Package tools implements the executor a task loop dispatches external tool
// calls to: shell execution and basic file access, sandboxed to a working
// directory.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flitsinc/agentcore/internal/agentcontext"
	"github.com/flitsinc/agentcore/internal/message"
	"github.com/flitsinc/agentcore/internal/provider"
)

// Tool is one externally callable operation.
type Tool interface {
	Spec() provider.ToolSpec
	Run(ctx context.Context, input json.RawMessage) (string, error)
}

// Registry holds the tools available to one task and implements the loop's
// executor interface.
type Registry struct {
	taskID string
	mode   string
	tools  map[string]Tool
	order  []string
}

type Option func(*Registry)

// WithTool registers an extra tool, replacing any default with the same
// name.
func WithTool(t Tool) Option {
	return func(r *Registry) { r.add(t) }
}

func NewRegistry(taskID, mode, workDir string, opts ...Option) *Registry {
	r := &Registry{
		taskID: taskID,
		mode:   mode,
		tools:  map[string]Tool{},
	}
	r.add(&ExecTool{WorkDir: workDir, Timeout: 2 * time.Minute})
	r.add(&ReadFileTool{Root: workDir})
	r.add(&WriteFileTool{Root: workDir})
	r.add(&ListDirTool{Root: workDir})
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Registry) add(t Tool) {
	name := t.Spec().Name
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

func (r *Registry) Specs() []provider.ToolSpec {
	out := make([]provider.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].Spec())
	}
	return out
}

func (r *Registry) Execute(ctx context.Context, use message.ToolUse) (string, error) {
	tool, ok := r.tools[use.Name]
	if !ok {
		return "", fmt.Errorf("unknown tool %q", use.Name)
	}
	ctx = agentcontext.WithTaskID(ctx, r.taskID)
	ctx = agentcontext.WithMode(ctx, r.mode)
	input := use.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	return tool.Run(ctx, input)
}
