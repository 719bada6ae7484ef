package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fabiotheo/mcp-terminal/core"

	_ "modernc.org/sqlite"
)

// Turn is the persisted shape of one history row, shared across all three
// partitions (global/user/machine) and both local and remote stores.
type Turn struct {
	ID              string
	Command         string
	Response        string
	UserID          *string
	MachineID       string
	SessionID       *string
	Timestamp       time.Time
	Status          string
	RequestID       string
	UpdatedAt       *time.Time
	CompletedAt     *time.Time
	TokensUsed      *int
	ExecutionTimeMs *int
	ErrorCode       *string
	Context         *string
}

// Local is the SQLite write-ahead cache: every write lands here
// first and is durable before the caller's request is acknowledged; the
// Syncer later replicates rows to Remote. Opens the database, sets pragmas,
// runs CREATE TABLE IF NOT EXISTS migrations, and prepares nothing up
// front — statements are built per call rather than cached.
type Local struct {
	db *sql.DB
}

// OpenLocal opens (creating if needed) the local SQLite cache at path.
func OpenLocal(path string) (*Local, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("persistence: open local cache: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("persistence: enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("persistence: enable foreign keys: %w", err)
	}
	if _, err := db.Exec(localSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("persistence: migrate local schema: %w", err)
	}
	return &Local{db: db}, nil
}

func (l *Local) Close() error { return l.db.Close() }

// RecordTurn inserts a new in-flight turn (status "pending") into the
// partition tables it belongs to, and enqueues a sync_queue row for each.
// Every turn is always written to history_global; it is additionally
// written to history_user when UserID is set and to history_machine
// unconditionally.
func (l *Local) RecordTurn(ctx context.Context, t Turn) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("persistence: begin recordTurn tx: %w", err)
	}
	defer tx.Rollback()

	partitions := []string{"global", "machine"}
	if t.UserID != nil {
		partitions = append(partitions, "user")
	}

	for _, p := range partitions {
		table := partitionTable(p)
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (id, command, response, user_id, machine_id, session_id, timestamp, status, request_id, context)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, table),
			t.ID, t.Command, t.Response, t.UserID, t.MachineID, t.SessionID, t.Timestamp.Unix(), t.Status, t.RequestID, t.Context)
		if err != nil {
			return fmt.Errorf("persistence: insert into %s: %w", table, err)
		}
		if err := enqueueSync(ctx, tx, t.ID, p, "insert", t); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// UpdateTurn transitions a previously recorded turn (by RequestID) to a
// terminal status ("completed", "cancelled", or "error") and fills in the
// fields only known once the orchestrator finishes. It updates every
// partition table that carries the request, matched by request_id.
func (l *Local) UpdateTurn(ctx context.Context, requestID, response, status string, completedAt time.Time, tokensUsed, executionTimeMs int, errorCode string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("persistence: begin updateTurn tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	var errCode *string
	if errorCode != "" {
		errCode = &errorCode
	}

	touched := false
	for _, table := range []string{"history_global", "history_user", "history_machine"} {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s SET response = ?, status = ?, updated_at = ?, completed_at = ?,
				tokens_used = ?, execution_time_ms = ?, error_code = ?
			WHERE request_id = ?`, table),
			response, status, now, completedAt.Unix(), tokensUsed, executionTimeMs, errCode, requestID)
		if err != nil {
			return fmt.Errorf("persistence: update %s: %w", table, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			touched = true
			partition := "global"
			switch table {
			case "history_user":
				partition = "user"
			case "history_machine":
				partition = "machine"
			}
			if err := enqueueSyncUpdate(ctx, tx, requestID, partition, response, status, completedAt, tokensUsed, executionTimeMs, errCode); err != nil {
				return err
			}
		}
	}
	if !touched {
		return fmt.Errorf("persistence: updateTurn: no row with request_id %q", requestID)
	}

	return tx.Commit()
}

// ReadRecentTurns returns the most recent n turns for a partition, oldest
// first (matching History's append order). Only the id, command, response,
// ownership, timestamp, status, request id and context columns are read.
func (l *Local) ReadRecentTurns(ctx context.Context, partition, key string, n int) ([]Turn, error) {
	table := partitionTable(partition)
	col := "machine_id"
	if partition == "user" {
		col = "user_id"
	}

	rows, err := l.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, command, response, user_id, machine_id, session_id, timestamp, status, request_id, context
		FROM %s WHERE %s = ? ORDER BY timestamp DESC LIMIT ?`, table, col), key, n)
	if err != nil {
		return nil, fmt.Errorf("persistence: readRecentTurns: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var t Turn
		var ts int64
		if err := rows.Scan(&t.ID, &t.Command, &t.Response, &t.UserID, &t.MachineID, &t.SessionID, &ts, &t.Status, &t.RequestID, &t.Context); err != nil {
			return nil, fmt.Errorf("persistence: scan turn: %w", err)
		}
		t.Timestamp = time.Unix(ts, 0)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// userKey normalizes a possibly-nil user pointer to the sentinel used by
// the conversation_summaries unique key, so anonymous upserts conflict
// against each other instead of inserting a fresh NULL-keyed row each time.
func userKey(userID *string) string {
	if userID == nil {
		return ""
	}
	return *userID
}

// UpsertSummary implements core.SummaryStore.
func (l *Local) UpsertSummary(ctx context.Context, s core.ConversationSummary) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO conversation_summaries (user_id, machine_id, summary, summarized_up_to_message_id, message_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, machine_id) DO UPDATE SET
			summary = excluded.summary,
			summarized_up_to_message_id = excluded.summarized_up_to_message_id,
			message_count = excluded.message_count,
			updated_at = excluded.updated_at`,
		userKey(s.UserID), s.MachineID, s.Summary, s.SummarizedUpToMessageID, s.MessageCount, s.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("persistence: upsertSummary: %w", err)
	}
	return nil
}

// ReadSummary implements core.SummaryStore.
func (l *Local) ReadSummary(ctx context.Context, userID *string, machineID string) (*core.ConversationSummary, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT user_id, machine_id, summary, summarized_up_to_message_id, message_count, updated_at
		FROM conversation_summaries WHERE machine_id = ? AND user_id = ?`, machineID, userKey(userID))

	var s core.ConversationSummary
	var rowUserID, updatedAt = "", int64(0)
	if err := row.Scan(&rowUserID, &s.MachineID, &s.Summary, &s.SummarizedUpToMessageID, &s.MessageCount, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("persistence: readSummary: %w", err)
	}
	if rowUserID != "" {
		s.UserID = &rowUserID
	}
	s.UpdatedAt = time.Unix(updatedAt, 0)
	return &s, nil
}

// Get implements tools.CommandCache.
func (l *Local) Get(ctx context.Context, hash string) (string, bool) {
	row := l.db.QueryRowContext(ctx, `SELECT output FROM command_cache WHERE hash = ?`, hash)
	var output string
	if err := row.Scan(&output); err != nil {
		return "", false
	}
	_, _ = l.db.ExecContext(ctx, `
		UPDATE command_cache SET last_executed = ?, execution_count = execution_count + 1 WHERE hash = ?`,
		time.Now().Unix(), hash)
	return output, true
}

// Put implements tools.CommandCache.
func (l *Local) Put(ctx context.Context, hash, command, output string) {
	_, _ = l.db.ExecContext(ctx, `
		INSERT INTO command_cache (hash, command, output, last_executed, execution_count)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(hash) DO UPDATE SET
			output = excluded.output,
			last_executed = excluded.last_executed,
			execution_count = command_cache.execution_count + 1`,
		hash, command, output, time.Now().Unix())
}

// SyncQueueCounts reports the number of rows awaiting replay and the number
// dead-lettered, for the /status special command.
func (l *Local) SyncQueueCounts(ctx context.Context) (pending, deadLetters int, err error) {
	row := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue WHERE dead_letter = false`)
	if err = row.Scan(&pending); err != nil {
		return 0, 0, err
	}
	row = l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue WHERE dead_letter = true`)
	if err = row.Scan(&deadLetters); err != nil {
		return 0, 0, err
	}
	return pending, deadLetters, nil
}

// enqueueSync appends an insert op to sync_queue inside the same
// transaction as the write it mirrors, so a crash between the two is
// impossible: either both land or neither does.
func enqueueSync(ctx context.Context, tx *sql.Tx, recordID, partition, op string, t Turn) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("persistence: marshal sync payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_queue (record_id, partition, op, payload, next_attempt_at) VALUES (?, ?, ?, ?, 0)`,
		recordID, partition, op, string(payload))
	if err != nil {
		return fmt.Errorf("persistence: enqueue sync: %w", err)
	}
	return nil
}

type updatePayload struct {
	RequestID       string  `json:"requestId"`
	Response        string  `json:"response"`
	Status          string  `json:"status"`
	CompletedAt     int64   `json:"completedAt"`
	TokensUsed      int     `json:"tokensUsed"`
	ExecutionTimeMs int     `json:"executionTimeMs"`
	ErrorCode       *string `json:"errorCode,omitempty"`
}

func enqueueSyncUpdate(ctx context.Context, tx *sql.Tx, requestID, partition, response, status string, completedAt time.Time, tokensUsed, executionTimeMs int, errCode *string) error {
	payload, err := json.Marshal(updatePayload{
		RequestID: requestID, Response: response, Status: status,
		CompletedAt: completedAt.Unix(), TokensUsed: tokensUsed,
		ExecutionTimeMs: executionTimeMs, ErrorCode: errCode,
	})
	if err != nil {
		return fmt.Errorf("persistence: marshal update payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_queue (record_id, partition, op, payload, next_attempt_at) VALUES (?, ?, 'update', ?, 0)`,
		requestID, partition, string(payload))
	if err != nil {
		return fmt.Errorf("persistence: enqueue sync update: %w", err)
	}
	return nil
}
