package tools

import (
	"context"
	"strings"
	"testing"

	"github.com/fabiotheo/mcp-terminal/core/provider"
)

type memCache struct {
	entries map[string]string
	puts    int
}

func newMemCache() *memCache { return &memCache{entries: make(map[string]string)} }

func (c *memCache) Get(ctx context.Context, hash string) (string, bool) {
	v, ok := c.entries[hash]
	return v, ok
}

func (c *memCache) Put(ctx context.Context, hash, command, output string) {
	c.puts++
	c.entries[hash] = output
}

func TestExecutorRunsSimpleCommand(t *testing.T) {
	exec := NewExecutor("machine-1", nil, nil, nil)
	result := exec.Execute(context.Background(), provider.ToolCall{
		ID: "t1", Name: "bash", Input: map[string]any{"command": "echo hello"},
	})
	if result.IsError {
		t.Fatalf("expected success, got error result: %s", result.Content)
	}
	if !strings.Contains(result.Output, "hello") {
		t.Fatalf("expected output to contain 'hello', got %q", result.Output)
	}
}

func TestExecutorRefusesBlockedCommand(t *testing.T) {
	exec := NewExecutor("machine-1", nil, nil, nil)
	result := exec.Execute(context.Background(), provider.ToolCall{
		ID: "t1", Name: "bash", Input: map[string]any{"command": "rm -rf /"},
	})
	if !result.IsError {
		t.Fatalf("expected blocked command to return an error result")
	}
	if !strings.Contains(result.Content, "refused") {
		t.Fatalf("expected refusal message in content, got %q", result.Content)
	}
}

func TestExecutorMissingCommand(t *testing.T) {
	exec := NewExecutor("machine-1", nil, nil, nil)
	result := exec.Execute(context.Background(), provider.ToolCall{ID: "t1", Name: "bash", Input: map[string]any{}})
	if !result.IsError {
		t.Fatalf("expected error result for missing command")
	}
}

func TestExecutorTimesOutLongRunningCommand(t *testing.T) {
	exec := NewExecutor("machine-1", nil, nil, nil)
	result := exec.Execute(context.Background(), provider.ToolCall{
		ID:   "t1",
		Name: "bash",
		Input: map[string]any{
			"command": "sleep 5",
			"timeout": float64(1),
		},
	})
	if !result.IsError {
		t.Fatalf("expected timeout to produce an error result")
	}
}

func TestExecutorUsesCommandCache(t *testing.T) {
	cache := newMemCache()
	exec := NewExecutor("machine-1", cache, nil, nil)

	first := exec.Execute(context.Background(), provider.ToolCall{
		ID: "t1", Name: "bash", Input: map[string]any{"command": "echo cached"},
	})
	if first.IsError {
		t.Fatalf("first call should succeed: %s", first.Content)
	}
	if cache.puts != 1 {
		t.Fatalf("expected exactly one cache write, got %d", cache.puts)
	}

	second := exec.Execute(context.Background(), provider.ToolCall{
		ID: "t2", Name: "bash", Input: map[string]any{"command": "echo cached"},
	})
	if second.IsError {
		t.Fatalf("cached call should succeed: %s", second.Content)
	}
	if cache.puts != 1 {
		t.Fatalf("cache hit must not write again, got %d puts", cache.puts)
	}
}

func TestExecutorWrapsPrivilegedCommandWithSudo(t *testing.T) {
	exec := NewExecutor("machine-1", nil, nil, nil)
	var auditedCommand string
	exec.audit = func(command, output string, isError bool) {
		auditedCommand = command
	}
	// systemctl is expected to fail in most sandboxes (no sudo/systemd), but
	// the wrapping itself is what's under test via the audit hook.
	exec.Execute(context.Background(), provider.ToolCall{
		ID: "t1", Name: "bash", Input: map[string]any{"command": "systemctl status nginx"},
	})
	if !strings.HasPrefix(auditedCommand, "sudo ") {
		t.Fatalf("expected privileged command to be sudo-wrapped, got %q", auditedCommand)
	}
}

func TestTruncateRespectsLimit(t *testing.T) {
	big := strings.Repeat("x", maxOutputBytes+100)
	out, truncated := truncate(big)
	if !truncated {
		t.Fatalf("expected truncated=true")
	}
	if len(out) != maxOutputBytes {
		t.Fatalf("expected output capped at %d bytes, got %d", maxOutputBytes, len(out))
	}
}

func TestCacheHashDependsOnMachineID(t *testing.T) {
	h1 := cacheHash("ls -la", "machine-a")
	h2 := cacheHash("ls -la", "machine-b")
	if h1 == h2 {
		t.Fatalf("expected different hashes for different machine ids")
	}
}
