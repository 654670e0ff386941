package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/flitsinc/agentcore/internal/provider"
)

// ExecTool runs a shell command and returns its combined output and exit
// code. Commands are killed when they outlive Timeout.
type ExecTool struct {
	WorkDir string
	Timeout time.Duration
}

type execParams struct {
	Command string `json:"command"`
	// TimeoutSeconds overrides the default per-command timeout.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

func (t *ExecTool) Spec() provider.ToolSpec {
	return provider.ToolSpec{
		Name:        "exec",
		Description: "Run a shell command in the workspace and return its output and exit code.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"command": {"type": "string"},
				"timeout_seconds": {"type": "integer"}
			},
			"required": ["command"]
		}`),
	}
}

func (t *ExecTool) Run(ctx context.Context, input json.RawMessage) (string, error) {
	var p execParams
	if err := json.Unmarshal(input, &p); err != nil {
		return "", fmt.Errorf("decode exec input: %w", err)
	}
	if strings.TrimSpace(p.Command) == "" {
		return "", fmt.Errorf("command is required")
	}

	timeout := t.Timeout
	if p.TimeoutSeconds > 0 {
		timeout = time.Duration(p.TimeoutSeconds) * time.Second
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", p.Command)
	cmd.Dir = t.WorkDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			exitCode = exitErr.ExitCode()
		case ctx.Err() != nil:
			return "", fmt.Errorf("command timed out after %s", timeout)
		default:
			return "", fmt.Errorf("run command: %w", err)
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "exit code: %d\n", exitCode)
	if out := strings.TrimSpace(stdout.String()); out != "" {
		sb.WriteString("stdout:\n")
		sb.WriteString(out)
		sb.WriteString("\n")
	}
	if errOut := strings.TrimSpace(stderr.String()); errOut != "" {
		sb.WriteString("stderr:\n")
		sb.WriteString(errOut)
		sb.WriteString("\n")
	}
	// Non-zero exit is information for the model, not a tool failure.
	return sb.String(), nil
}
