package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fabiotheo/mcp-terminal/core"
)

func openTestLocal(t *testing.T) *Local {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	l, err := OpenLocal(path)
	if err != nil {
		t.Fatalf("OpenLocal: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordTurnWritesAllPartitionsAndQueuesSync(t *testing.T) {
	l := openTestLocal(t)
	ctx := context.Background()
	userID := "u1"

	turn := Turn{
		ID: "t1", Command: "ls -la", MachineID: "m1", UserID: &userID,
		Timestamp: time.Now(), Status: "pending", RequestID: "r1",
	}
	if err := l.RecordTurn(ctx, turn); err != nil {
		t.Fatalf("RecordTurn: %v", err)
	}

	for _, table := range []string{"history_global", "history_user", "history_machine"} {
		var count int
		if err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+" WHERE request_id = ?", "r1").Scan(&count); err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		if count != 1 {
			t.Fatalf("expected one row in %s, got %d", table, count)
		}
	}

	var queued int
	if err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_queue WHERE record_id = ?", "t1").Scan(&queued); err != nil {
		t.Fatalf("count sync_queue: %v", err)
	}
	if queued != 3 {
		t.Fatalf("expected 3 queued sync rows (global/user/machine), got %d", queued)
	}
}

func TestRecordTurnWithoutUserSkipsUserPartition(t *testing.T) {
	l := openTestLocal(t)
	ctx := context.Background()

	turn := Turn{ID: "t1", Command: "ls", MachineID: "m1", Timestamp: time.Now(), Status: "pending", RequestID: "r1"}
	if err := l.RecordTurn(ctx, turn); err != nil {
		t.Fatalf("RecordTurn: %v", err)
	}

	var count int
	if err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM history_user WHERE request_id = ?", "r1").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no history_user row for an anonymous turn, got %d", count)
	}
}

func TestUpdateTurnTransitionsStatusAndQueuesSync(t *testing.T) {
	l := openTestLocal(t)
	ctx := context.Background()

	turn := Turn{ID: "t1", Command: "ls", MachineID: "m1", Timestamp: time.Now(), Status: "pending", RequestID: "r1"}
	if err := l.RecordTurn(ctx, turn); err != nil {
		t.Fatalf("RecordTurn: %v", err)
	}

	if err := l.UpdateTurn(ctx, "r1", "done", "completed", time.Now(), 42, 1200, ""); err != nil {
		t.Fatalf("UpdateTurn: %v", err)
	}

	var status, response string
	if err := l.db.QueryRowContext(ctx, "SELECT status, response FROM history_global WHERE request_id = ?", "r1").Scan(&status, &response); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if status != "completed" || response != "done" {
		t.Fatalf("got status=%q response=%q", status, response)
	}

	var updateOps int
	if err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_queue WHERE op = 'update'").Scan(&updateOps); err != nil {
		t.Fatalf("count update ops: %v", err)
	}
	if updateOps != 2 {
		t.Fatalf("expected two update ops (global and machine partitions; no user row since the turn was anonymous), got %d", updateOps)
	}
}

func TestUpdateTurnUnknownRequestIDErrors(t *testing.T) {
	l := openTestLocal(t)
	if err := l.UpdateTurn(context.Background(), "missing", "x", "completed", time.Now(), 0, 0, ""); err == nil {
		t.Fatalf("expected error for unknown request id")
	}
}

func TestReadRecentTurnsReturnsOldestFirst(t *testing.T) {
	l := openTestLocal(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i, id := range []string{"a", "b", "c"} {
		turn := Turn{
			ID: id, Command: "cmd-" + id, MachineID: "m1",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Status:    "completed", RequestID: "r-" + id,
		}
		if err := l.RecordTurn(ctx, turn); err != nil {
			t.Fatalf("RecordTurn(%s): %v", id, err)
		}
	}

	turns, err := l.ReadRecentTurns(ctx, "machine", "m1", 10)
	if err != nil {
		t.Fatalf("ReadRecentTurns: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(turns))
	}
	if turns[0].ID != "a" || turns[2].ID != "c" {
		t.Fatalf("expected oldest-first order a,b,c; got %v", []string{turns[0].ID, turns[1].ID, turns[2].ID})
	}
}

func TestReadRecentTurnsRespectsLimit(t *testing.T) {
	l := openTestLocal(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		turn := Turn{
			ID: string(rune('a' + i)), Command: "cmd", MachineID: "m1",
			Timestamp: time.Now().Add(time.Duration(i) * time.Second),
			Status:    "completed", RequestID: string(rune('a' + i)),
		}
		if err := l.RecordTurn(ctx, turn); err != nil {
			t.Fatalf("RecordTurn: %v", err)
		}
	}

	turns, err := l.ReadRecentTurns(ctx, "machine", "m1", 2)
	if err != nil {
		t.Fatalf("ReadRecentTurns: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
}

func TestSummaryStoreRoundTrip(t *testing.T) {
	l := openTestLocal(t)
	ctx := context.Background()
	userID := "u1"

	got, err := l.ReadSummary(ctx, &userID, "m1")
	if err != nil {
		t.Fatalf("ReadSummary (empty): %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil summary before any write, got %+v", got)
	}

	s := core.ConversationSummary{
		UserID: &userID, MachineID: "m1", Summary: "did stuff",
		SummarizedUpToMessageID: "msg-5", MessageCount: 5, UpdatedAt: time.Now(),
	}
	if err := l.UpsertSummary(ctx, s); err != nil {
		t.Fatalf("UpsertSummary: %v", err)
	}

	got, err = l.ReadSummary(ctx, &userID, "m1")
	if err != nil {
		t.Fatalf("ReadSummary: %v", err)
	}
	if got == nil || got.Summary != "did stuff" || got.MessageCount != 5 {
		t.Fatalf("got %+v", got)
	}

	s.Summary = "did more stuff"
	s.MessageCount = 8
	if err := l.UpsertSummary(ctx, s); err != nil {
		t.Fatalf("UpsertSummary (update): %v", err)
	}
	got, err = l.ReadSummary(ctx, &userID, "m1")
	if err != nil {
		t.Fatalf("ReadSummary after update: %v", err)
	}
	if got.Summary != "did more stuff" || got.MessageCount != 8 {
		t.Fatalf("update did not apply, got %+v", got)
	}
}

func TestCommandCacheGetPut(t *testing.T) {
	l := openTestLocal(t)
	ctx := context.Background()

	if _, hit := l.Get(ctx, "missing"); hit {
		t.Fatalf("expected miss for unknown hash")
	}

	l.Put(ctx, "h1", "ls -la", "file1\nfile2")
	out, hit := l.Get(ctx, "h1")
	if !hit {
		t.Fatalf("expected hit after Put")
	}
	if out != "file1\nfile2" {
		t.Fatalf("got %q", out)
	}

	l.Put(ctx, "h1", "ls -la", "file1\nfile2\nfile3")
	out, hit = l.Get(ctx, "h1")
	if !hit || out != "file1\nfile2\nfile3" {
		t.Fatalf("expected updated output on re-Put, got hit=%v out=%q", hit, out)
	}
}

func TestPrunePrunesSyncedTerminalTurns(t *testing.T) {
	l := openTestLocal(t)
	ctx := context.Background()

	old := Turn{ID: "old", Command: "ls", MachineID: "m1", Timestamp: time.Now().Add(-60 * 24 * time.Hour), Status: "pending", RequestID: "old"}
	if err := l.RecordTurn(ctx, old); err != nil {
		t.Fatalf("RecordTurn: %v", err)
	}
	if err := l.UpdateTurn(ctx, "old", "done", "completed", time.Now().Add(-60*24*time.Hour), 0, 0, ""); err != nil {
		t.Fatalf("UpdateTurn: %v", err)
	}
	// Fully synced: drop the queue rows this turn generated.
	if _, err := l.db.ExecContext(ctx, "DELETE FROM sync_queue WHERE record_id = ?", "old"); err != nil {
		t.Fatalf("drain queue: %v", err)
	}

	recent := Turn{ID: "new", Command: "ls", MachineID: "m1", Timestamp: time.Now(), Status: "completed", RequestID: "new"}
	if err := l.RecordTurn(ctx, recent); err != nil {
		t.Fatalf("RecordTurn: %v", err)
	}
	if _, err := l.db.ExecContext(ctx, "DELETE FROM sync_queue WHERE record_id = ?", "new"); err != nil {
		t.Fatalf("drain queue: %v", err)
	}

	result, err := l.Prune(ctx, RetentionOptions{MaxAge: 30 * 24 * time.Hour})
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if result.PrunedTurns == 0 {
		t.Fatalf("expected at least the old turn to be pruned across partitions, got %+v", result)
	}

	var count int
	if err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM history_global WHERE id = 'old'").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected old turn pruned from history_global")
	}
	if err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM history_global WHERE id = 'new'").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected recent turn retained")
	}
}

func TestPruneDryRunDoesNotDelete(t *testing.T) {
	l := openTestLocal(t)
	ctx := context.Background()

	old := Turn{ID: "old", Command: "ls", MachineID: "m1", Timestamp: time.Now().Add(-60 * 24 * time.Hour), Status: "completed", RequestID: "old"}
	if err := l.RecordTurn(ctx, old); err != nil {
		t.Fatalf("RecordTurn: %v", err)
	}
	if _, err := l.db.ExecContext(ctx, "DELETE FROM sync_queue WHERE record_id = ?", "old"); err != nil {
		t.Fatalf("drain queue: %v", err)
	}

	result, err := l.Prune(ctx, RetentionOptions{MaxAge: 30 * 24 * time.Hour, DryRun: true})
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if result.PrunedTurns == 0 {
		t.Fatalf("expected dry run to still report what it would prune")
	}

	var count int
	if err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM history_global WHERE id = 'old'").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("dry run must not actually delete rows")
	}
}
