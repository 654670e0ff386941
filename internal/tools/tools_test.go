package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/flitsinc/agentcore/internal/message"
)

func TestExecToolCapturesOutputAndExitCode(t *testing.T) {
	tool := &ExecTool{WorkDir: t.TempDir(), Timeout: 5 * time.Second}

	out, err := tool.Run(context.Background(), json.RawMessage(`{"command":"echo hello; echo oops >&2; exit 3"}`))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !strings.Contains(out, "exit code: 3") {
		t.Errorf("missing exit code in output:\n%s", out)
	}
	if !strings.Contains(out, "hello") {
		t.Errorf("missing stdout in output:\n%s", out)
	}
	if !strings.Contains(out, "oops") {
		t.Errorf("missing stderr in output:\n%s", out)
	}
}

func TestExecToolRunsInWorkDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	tool := &ExecTool{WorkDir: dir, Timeout: 5 * time.Second}

	out, err := tool.Run(context.Background(), json.RawMessage(`{"command":"ls"}`))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !strings.Contains(out, "marker.txt") {
		t.Errorf("command did not run in workdir:\n%s", out)
	}
}

func TestExecToolTimeout(t *testing.T) {
	tool := &ExecTool{WorkDir: t.TempDir(), Timeout: 100 * time.Millisecond}

	_, err := tool.Run(context.Background(), json.RawMessage(`{"command":"sleep 5"}`))
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestExecToolRequiresCommand(t *testing.T) {
	tool := &ExecTool{WorkDir: t.TempDir()}
	if _, err := tool.Run(context.Background(), json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error for missing command")
	}
}

func TestWriteThenReadFile(t *testing.T) {
	root := t.TempDir()
	w := &WriteFileTool{Root: root}
	r := &ReadFileTool{Root: root}

	out, err := w.Run(context.Background(), json.RawMessage(`{"path":"sub/dir/note.txt","content":"line one\nline two\n"}`))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if !strings.Contains(out, "note.txt") {
		t.Errorf("unexpected write result: %q", out)
	}

	got, err := r.Run(context.Background(), json.RawMessage(`{"path":"sub/dir/note.txt"}`))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != "line one\nline two\n" {
		t.Errorf("read back %q", got)
	}
}

func TestReadFileTruncatesLargeFiles(t *testing.T) {
	root := t.TempDir()
	big := strings.Repeat("a", 100)
	if err := os.WriteFile(filepath.Join(root, "big.txt"), []byte(big), 0o644); err != nil {
		t.Fatal(err)
	}
	r := &ReadFileTool{Root: root, MaxBytes: 10}

	got, err := r.Run(context.Background(), json.RawMessage(`{"path":"big.txt"}`))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.HasPrefix(got, strings.Repeat("a", 10)) || !strings.Contains(got, "truncated 10 of 100 bytes") {
		t.Errorf("truncation marker missing: %q", got)
	}
}

func TestPathConfinement(t *testing.T) {
	root := t.TempDir()
	for _, bad := range []string{"../outside.txt", "/etc/passwd", "a/../../b"} {
		r := &ReadFileTool{Root: root}
		input, _ := json.Marshal(map[string]string{"path": bad})
		if _, err := r.Run(context.Background(), input); err == nil {
			t.Errorf("read_file accepted escaping path %q", bad)
		}
		w := &WriteFileTool{Root: root}
		input, _ = json.Marshal(map[string]string{"path": bad, "content": "x"})
		if _, err := w.Run(context.Background(), input); err == nil {
			t.Errorf("write_file accepted escaping path %q", bad)
		}
	}
}

func TestListDir(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "pkg"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "main.go"), []byte("package main"), 0o644); err != nil {
		t.Fatal(err)
	}
	tool := &ListDirTool{Root: root}

	got, err := tool.Run(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got != "main.go\npkg/" {
		t.Errorf("ListDir = %q", got)
	}
}

func TestRegistryExecuteAndSpecs(t *testing.T) {
	root := t.TempDir()
	reg := NewRegistry("task-1", "code", root)

	specs := reg.Specs()
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	want := []string{"exec", "read_file", "write_file", "list_dir"}
	for i, n := range want {
		if names[i] != n {
			t.Fatalf("Specs() order = %v, want %v", names, want)
		}
	}

	out, err := reg.Execute(context.Background(), message.ToolUse{
		ID:    "use-1",
		Name:  "write_file",
		Input: json.RawMessage(`{"path":"x.txt","content":"hi"}`),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out, "x.txt") {
		t.Errorf("unexpected result %q", out)
	}

	if _, err := reg.Execute(context.Background(), message.ToolUse{Name: "nope"}); err == nil {
		t.Fatal("expected unknown tool error")
	}
}
