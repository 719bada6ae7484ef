package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSyncerPushAppliesInsertThenDeletesQueueRow(t *testing.T) {
	local := openTestLocal(t)
	remote, mock := newMockRemote(t)
	ctx := context.Background()

	turn := Turn{ID: "t1", Command: "ls", MachineID: "m1", Timestamp: time.Now(), Status: "pending", RequestID: "r1"}
	if err := local.RecordTurn(ctx, turn); err != nil {
		t.Fatalf("RecordTurn: %v", err)
	}

	mock.ExpectExec("INSERT INTO history_global").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO history_machine").WillReturnResult(sqlmock.NewResult(0, 1))

	s := NewSyncer(local, remote)
	if err := s.push(ctx); err != nil {
		t.Fatalf("push: %v", err)
	}

	var remaining int
	if err := local.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_queue").Scan(&remaining); err != nil {
		t.Fatalf("count: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected all queue rows drained on success, got %d remaining", remaining)
	}
}

func TestSyncerPushRetriesOnFailureWithBackoff(t *testing.T) {
	local := openTestLocal(t)
	remote, mock := newMockRemote(t)
	ctx := context.Background()

	turn := Turn{ID: "t1", Command: "ls", MachineID: "m1", Timestamp: time.Now(), Status: "pending", RequestID: "r1"}
	if err := local.RecordTurn(ctx, turn); err != nil {
		t.Fatalf("RecordTurn: %v", err)
	}

	mock.ExpectExec("INSERT INTO history_global").WillReturnError(context.DeadlineExceeded)
	mock.ExpectExec("INSERT INTO history_machine").WillReturnError(context.DeadlineExceeded)

	s := NewSyncer(local, remote)
	if err := s.push(ctx); err != nil {
		t.Fatalf("push: %v", err)
	}

	rows, err := local.db.QueryContext(ctx, "SELECT attempts, next_attempt_at, dead_letter FROM sync_queue")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var attempts int
		var nextAttempt int64
		var deadLetter bool
		if err := rows.Scan(&attempts, &nextAttempt, &deadLetter); err != nil {
			t.Fatalf("scan: %v", err)
		}
		if attempts != 1 {
			t.Fatalf("expected attempts=1 after first failure, got %d", attempts)
		}
		if deadLetter {
			t.Fatalf("should not be dead-lettered after only one failure")
		}
		if nextAttempt <= time.Now().Unix() {
			t.Fatalf("expected next_attempt_at pushed into the future by backoff")
		}
		count++
	}
	if count != 2 {
		t.Fatalf("expected both queue rows retained for retry, got %d", count)
	}
}

func TestSyncerPushDeadLettersAfterMaxRetries(t *testing.T) {
	local := openTestLocal(t)
	remote, mock := newMockRemote(t)
	ctx := context.Background()

	turn := Turn{ID: "t1", Command: "ls", MachineID: "m1", Timestamp: time.Now(), Status: "pending", RequestID: "r1"}
	if err := local.RecordTurn(ctx, turn); err != nil {
		t.Fatalf("RecordTurn: %v", err)
	}
	// Drop the machine-partition row so only one queue row is exercised below.
	if _, err := local.db.ExecContext(ctx, "DELETE FROM sync_queue WHERE partition = 'machine'"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	syncer := NewSyncer(local, remote)
	for i := 0; i < maxSyncRetries; i++ {
		mock.ExpectExec("INSERT INTO history_global").WillReturnError(context.DeadlineExceeded)
		if err := syncer.push(ctx); err != nil {
			t.Fatalf("push iteration %d: %v", i, err)
		}
		if _, err := local.db.ExecContext(ctx, "UPDATE sync_queue SET next_attempt_at = 0"); err != nil {
			t.Fatalf("force-due: %v", err)
		}
	}

	var deadLetter bool
	if err := local.db.QueryRowContext(ctx, "SELECT dead_letter FROM sync_queue").Scan(&deadLetter); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if !deadLetter {
		t.Fatalf("expected row dead-lettered after %d failures", maxSyncRetries)
	}
}

func TestSyncerPullMergesRowsAndAdvancesWatermark(t *testing.T) {
	local := openTestLocal(t)
	remote, mock := newMockRemote(t)
	ctx := context.Background()

	ts := time.Now()
	rows := sqlmock.NewRows([]string{"id", "command", "response", "user_id", "machine_id", "session_id", "timestamp", "status", "request_id",
		"updated_at", "completed_at", "tokens_used", "execution_time_ms", "error_code", "context"}).
		AddRow("remote-1", "uptime", "up 3 days", nil, "m2", nil, ts.Unix(), "completed", "rr1", ts.Unix(), ts.Unix(), 42, 120, nil, nil)
	mock.ExpectQuery("SELECT (.+) FROM history_global").WillReturnRows(rows)

	syncer := NewSyncer(local, remote)
	if err := syncer.pull(ctx); err != nil {
		t.Fatalf("pull: %v", err)
	}

	var count int
	var tokensUsed int
	if err := local.db.QueryRowContext(ctx, "SELECT COUNT(*), tokens_used FROM history_global WHERE id = 'remote-1'").Scan(&count, &tokensUsed); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected pulled row merged into local history_global")
	}
	if tokensUsed != 42 {
		t.Fatalf("expected tokens_used to survive the merge, got %d", tokensUsed)
	}

	watermark := syncer.readWatermark(ctx)
	if !watermark.Equal(time.Unix(ts.Unix(), 0)) {
		t.Fatalf("expected watermark advanced to %v, got %v", ts.Unix(), watermark.Unix())
	}
}

func TestSyncerPullDoesNotOverwriteNewerLocalRow(t *testing.T) {
	local := openTestLocal(t)
	remote, mock := newMockRemote(t)
	ctx := context.Background()

	now := time.Now()
	older := now.Add(-time.Hour)

	if _, err := local.db.ExecContext(ctx, `
		INSERT INTO history_global (id, command, response, user_id, machine_id, session_id, timestamp, status, request_id, updated_at, tokens_used)
		VALUES ('shared-1', 'df -h', 'fresher answer', NULL, 'm1', NULL, ?, 'completed', 'rr2', ?, 99)`,
		now.Unix(), now.Unix()); err != nil {
		t.Fatalf("seed local row: %v", err)
	}

	rows := sqlmock.NewRows([]string{"id", "command", "response", "user_id", "machine_id", "session_id", "timestamp", "status", "request_id",
		"updated_at", "completed_at", "tokens_used", "execution_time_ms", "error_code", "context"}).
		AddRow("shared-1", "df -h", "stale answer", nil, "m2", nil, older.Unix(), "completed", "rr2", older.Unix(), older.Unix(), 5, 10, nil, nil)
	mock.ExpectQuery("SELECT (.+) FROM history_global").WillReturnRows(rows)

	syncer := NewSyncer(local, remote)
	if err := syncer.pull(ctx); err != nil {
		t.Fatalf("pull: %v", err)
	}

	var response string
	var tokensUsed int
	if err := local.db.QueryRowContext(ctx, "SELECT response, tokens_used FROM history_global WHERE id = 'shared-1'").Scan(&response, &tokensUsed); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if response != "fresher answer" || tokensUsed != 99 {
		t.Fatalf("expected newer local row preserved, got response=%q tokensUsed=%d", response, tokensUsed)
	}
}

func TestBackoffCapsAtMaxBackoff(t *testing.T) {
	if got := backoff(1); got != baseBackoff {
		t.Fatalf("backoff(1) = %v, want %v", got, baseBackoff)
	}
	if got := backoff(20); got != maxBackoff {
		t.Fatalf("backoff(20) = %v, want capped at %v", got, maxBackoff)
	}
}
