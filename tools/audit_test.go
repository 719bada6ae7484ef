package tools

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAuditLoggerRecordsEntry(t *testing.T) {
	tmpDir := t.TempDir()
	logger, err := NewAuditLogger("session-123", tmpDir)
	if err != nil {
		t.Fatalf("NewAuditLogger failed: %v", err)
	}

	logger.Record("df -h", "Filesystem Size Used", false)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(tmpDir, "audit-session-123.jsonl"))
	if err != nil {
		t.Fatalf("reading audit log: %v", err)
	}

	var entry AuditEntry
	line := strings.TrimSpace(string(data))
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("unmarshal entry: %v", err)
	}
	if entry.Command != "df -h" {
		t.Errorf("Command = %q, want %q", entry.Command, "df -h")
	}
	if entry.SessionID != "session-123" {
		t.Errorf("SessionID = %q, want %q", entry.SessionID, "session-123")
	}
	if entry.IsError {
		t.Errorf("IsError = true, want false")
	}
}

func TestAuditLoggerRedactsSecrets(t *testing.T) {
	tmpDir := t.TempDir()
	logger, err := NewAuditLogger("session-redact", tmpDir)
	if err != nil {
		t.Fatalf("NewAuditLogger failed: %v", err)
	}

	logger.Record("cat ~/.aws/credentials", "aws_secret_access_key = abc123\nregion = us-east-1", false)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(tmpDir, "audit-session-redact.jsonl"))
	if err != nil {
		t.Fatalf("reading audit log: %v", err)
	}
	if strings.Contains(string(data), "abc123") {
		t.Errorf("audit log leaked a secret value: %s", data)
	}
	if !strings.Contains(string(data), "us-east-1") {
		t.Errorf("expected non-sensitive line to survive redaction: %s", data)
	}
}

func TestAuditLoggerAppendsAcrossCalls(t *testing.T) {
	tmpDir := t.TempDir()
	logger, err := NewAuditLogger("session-multi", tmpDir)
	if err != nil {
		t.Fatalf("NewAuditLogger failed: %v", err)
	}
	logger.Record("ls", "a b c", false)
	logger.Record("false", "", true)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(tmpDir, "audit-session-multi.jsonl"))
	if err != nil {
		t.Fatalf("reading audit log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
}
