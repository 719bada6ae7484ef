package tools

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"

	"github.com/fabiotheo/mcp-terminal/core"
	"github.com/fabiotheo/mcp-terminal/core/provider"
)

const (
	// defaultTimeout bounds a single bash call (30 s / 30000 ms).
	defaultTimeout = 30 * time.Second
	// killGracePeriod mirrors the teacher's isolateGracePeriod: how long to
	// wait for a killed child to actually exit before declaring it leaked.
	killGracePeriod = 5 * time.Second
	// maxOutputBytes is the documented truncation limit for captured
	// stdout+stderr, truncated to a documented limit.
	maxOutputBytes = 8000
)

// CommandCache is the read-through cache for idempotent shell output (spec
// §3 CommandCacheEntry). Defined here, implemented by persistence, following
// the same "interface lives where it's consumed" convention as
// core.SummaryStore.
type CommandCache interface {
	Get(ctx context.Context, hash string) (output string, hit bool)
	Put(ctx context.Context, hash, command, output string)
}

// Executor implements core.ToolExecutor for the single whitelisted `bash`
// tool: spawn in a goroutine, select on completion vs timeout vs
// ctx.Done(), kill-then-grace-period before declaring the child leaked.
type Executor struct {
	machineID string
	cache     CommandCache
	overrides *OverrideStore
	audit     func(command, output string, isError bool)
}

// NewExecutor builds the bash tool executor. cache and overrides may be nil.
func NewExecutor(machineID string, cache CommandCache, overrides *OverrideStore, audit func(command, output string, isError bool)) *Executor {
	return &Executor{machineID: machineID, cache: cache, overrides: overrides, audit: audit}
}

var _ core.ToolExecutor = (*Executor)(nil)

// Execute implements core.ToolExecutor.
func (e *Executor) Execute(ctx context.Context, call provider.ToolCall) core.ToolCallResult {
	command, _ := call.Input["command"].(string)
	command = strings.TrimSpace(command)
	if command == "" {
		return core.ToolCallResult{Content: `{"error":"missing command"}`, IsError: true}
	}

	if IsBlocked(command) && !(e.overrides != nil && e.overrides.IsAllowedOverride(command)) {
		msg := fmt.Sprintf("command refused by blocklist: %s", command)
		if e.audit != nil {
			e.audit(command, msg, true)
		}
		return core.ToolCallResult{
			Content: toolResultJSON(false, "", msg, false),
			IsError: true,
			Command: command,
			Output:  msg,
		}
	}

	timeout := defaultTimeout
	if t, ok := call.Input["timeout"]; ok {
		if secs, ok := toSeconds(t); ok && secs > 0 {
			timeout = time.Duration(secs) * time.Second
		}
	}

	wrapped := command
	needsSudo := NeedsSudo(command) || (e.overrides != nil && e.overrides.NeedsSudoOverride(command))
	if needsSudo && !strings.HasPrefix(command, "sudo ") {
		wrapped = "sudo " + command
	}

	hash := cacheHash(wrapped, e.machineID)
	if e.cache != nil {
		if out, hit := e.cache.Get(ctx, hash); hit {
			return core.ToolCallResult{Content: toolResultJSON(true, out, "", false), Command: wrapped, Output: out}
		}
	}

	output, truncated, isError, execErr := e.run(ctx, wrapped, timeout)
	errMsg := ""
	if execErr != nil {
		errMsg = execErr.Error()
	}

	if e.audit != nil {
		e.audit(wrapped, output, isError)
	}
	if !isError && e.cache != nil {
		e.cache.Put(ctx, hash, wrapped, output)
	}

	return core.ToolCallResult{
		Content: toolResultJSON(!isError, output, errMsg, truncated),
		IsError: isError,
		Command: wrapped,
		Output:  output,
	}
}

// toolResultJSON renders the tool_result content returned to the LLM.
func toolResultJSON(success bool, output, errMsg string, truncated bool) string {
	payload := struct {
		Success   bool   `json:"success"`
		Output    string `json:"output,omitempty"`
		Error     string `json:"error,omitempty"`
		Truncated bool   `json:"truncated,omitempty"`
	}{Success: success, Output: output, Error: errMsg, Truncated: truncated}
	b, err := json.Marshal(payload)
	if err != nil {
		return `{"success":false,"error":"internal: marshal tool result"}`
	}
	return string(b)
}

// run spawns wrapped under /bin/sh -c, enforcing timeout with a
// kill-then-grace-period shutdown, truncating captured output.
func (e *Executor) run(ctx context.Context, wrapped string, timeout time.Duration) (output string, truncated bool, isError bool, err error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command("/bin/sh", "-c", wrapped)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	if startErr := cmd.Start(); startErr != nil {
		return "", false, true, fmt.Errorf("spawn failed: %w", startErr)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case waitErr := <-done:
		out, trunc := truncate(buf.String())
		if waitErr != nil {
			return out, trunc, true, fmt.Errorf("command failed: %w", waitErr)
		}
		return out, trunc, false, nil

	case <-runCtx.Done():
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		select {
		case <-done:
			// Exited after kill, within the grace period.
		case <-time.After(killGracePeriod):
			log.Printf("tools: child process for %q did not exit within grace period after kill", wrapped)
		}
		out, trunc := truncate(buf.String())
		return out, trunc, true, fmt.Errorf("command timed out after %s", timeout)
	}
}

func truncate(s string) (string, bool) {
	if len(s) <= maxOutputBytes {
		return s, false
	}
	return s[:maxOutputBytes], true
}

func toSeconds(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

func cacheHash(command, machineID string) string {
	sum := sha256.Sum256([]byte(command + "\x00" + machineID))
	return hex.EncodeToString(sum[:])
}
