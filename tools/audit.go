package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// AuditEntry is a single JSON-lines record of one bash tool execution.
type AuditEntry struct {
	Timestamp string `json:"timestamp"` // RFC3339
	SessionID string `json:"session_id"`
	Command   string `json:"command"`
	Output    string `json:"output"`
	IsError   bool   `json:"is_error"`
}

// AuditLogger appends bash tool executions to a session-specific
// JSON-lines file under the config directory, masking every output line
// that mentions a sensitive word (see redact) before it hits disk.
type AuditLogger struct {
	mu        sync.Mutex
	file      *os.File
	sessionID string
}

// NewAuditLogger opens (creating if needed) the audit log for sessionID
// inside dir.
func NewAuditLogger(sessionID, dir string) (*AuditLogger, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("tools: create audit directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("audit-%s.jsonl", sessionID))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("tools: open audit log: %w", err)
	}
	return &AuditLogger{file: file, sessionID: sessionID}, nil
}

// Record implements the audit callback shape NewExecutor expects.
func (a *AuditLogger) Record(command, output string, isError bool) {
	entry := AuditEntry{
		SessionID: a.sessionID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Command:   command,
		Output:    redact(output),
		IsError:   isError,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return
	}
	a.file.Write(data)
}

func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}

var sensitivePatterns = []string{"token", "api_key", "apikey", "password", "secret", "credential"}

// redact masks lines of captured bash output that look like they contain a
// credential, so `cat ~/.aws/credentials`-style commands don't leave
// secrets sitting in the audit log.
func redact(output string) string {
	lines := strings.Split(output, "\n")
	for i, line := range lines {
		lower := strings.ToLower(line)
		for _, pattern := range sensitivePatterns {
			if strings.Contains(lower, pattern) {
				lines[i] = "[REDACTED]"
				break
			}
		}
	}
	return strings.Join(lines, "\n")
}
