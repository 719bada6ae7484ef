package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionOptions configures local-cache pruning: rows are aged out by
// timestamp against a MaxAge window, with an optional dry-run report,
// instead of files aged out by ModTime against a directory tree.
type RetentionOptions struct {
	// MaxAge is how long a fully-synced turn is kept in the local cache
	// before being pruned (default 30 days).
	MaxAge time.Duration

	// DeadLetterMaxAge is how long a dead-lettered sync_queue row is kept
	// for operator inspection before being dropped.
	DeadLetterMaxAge time.Duration

	// DryRun reports what would be pruned without deleting anything.
	DryRun bool
}

// DefaultRetentionOptions mirrors the teacher's DefaultCleanupOptions.
func DefaultRetentionOptions() RetentionOptions {
	return RetentionOptions{
		MaxAge:           30 * 24 * time.Hour,
		DeadLetterMaxAge: 7 * 24 * time.Hour,
		DryRun:           false,
	}
}

// RetentionResult reports what a Prune pass deleted (or would delete, when
// DryRun is set).
type RetentionResult struct {
	PrunedTurns       int
	PrunedDeadLetters int
	PrunedCacheRows   int
	Errors            []string
}

// Prune removes local-cache rows that are both terminal (not "pending")
// and already synced (no sync_queue row pointing at them) and older than
// MaxAge, plus stale dead-lettered sync_queue rows and old command_cache
// entries. Safe to call periodically; each statement is independent so a
// failure on one does not block the others, matching the teacher's
// non-fatal-errors-collected-in-result policy.
func (l *Local) Prune(ctx context.Context, opts RetentionOptions) (RetentionResult, error) {
	if opts.MaxAge == 0 {
		opts.MaxAge = DefaultRetentionOptions().MaxAge
	}
	if opts.DeadLetterMaxAge == 0 {
		opts.DeadLetterMaxAge = DefaultRetentionOptions().DeadLetterMaxAge
	}

	var result RetentionResult
	cutoff := time.Now().Add(-opts.MaxAge).Unix()
	dlCutoff := time.Now().Add(-opts.DeadLetterMaxAge).Unix()

	for _, table := range []string{"history_global", "history_user", "history_machine"} {
		n, err := l.pruneSyncedTurns(ctx, table, cutoff, opts.DryRun)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("prune %s: %v", table, err))
			continue
		}
		result.PrunedTurns += n
	}

	n, err := l.countOrDelete(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE dead_letter = true AND next_attempt_at < ?`,
		`DELETE FROM sync_queue WHERE dead_letter = true AND next_attempt_at < ?`,
		opts.DryRun, dlCutoff)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("prune dead letters: %v", err))
	} else {
		result.PrunedDeadLetters = n
	}

	n, err = l.countOrDelete(ctx,
		`SELECT COUNT(*) FROM command_cache WHERE last_executed < ?`,
		`DELETE FROM command_cache WHERE last_executed < ?`,
		opts.DryRun, cutoff)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("prune command cache: %v", err))
	} else {
		result.PrunedCacheRows = n
	}

	return result, nil
}

// pruneSyncedTurns deletes rows in table that are terminal, older than
// cutoff, and have no outstanding sync_queue entry (i.e. fully replicated).
func (l *Local) pruneSyncedTurns(ctx context.Context, table string, cutoff int64, dryRun bool) (int, error) {
	countQuery := fmt.Sprintf(`
		SELECT COUNT(*) FROM %s t WHERE t.status != 'pending' AND t.timestamp < ?
		AND NOT EXISTS (SELECT 1 FROM sync_queue q WHERE q.record_id = t.id OR q.record_id = t.request_id)`, table)
	deleteQuery := fmt.Sprintf(`
		DELETE FROM %s WHERE id IN (
			SELECT t.id FROM %s t WHERE t.status != 'pending' AND t.timestamp < ?
			AND NOT EXISTS (SELECT 1 FROM sync_queue q WHERE q.record_id = t.id OR q.record_id = t.request_id)
		)`, table, table)
	return l.countOrDelete(ctx, countQuery, deleteQuery, dryRun, cutoff)
}

func (l *Local) countOrDelete(ctx context.Context, countQuery, deleteQuery string, dryRun bool, arg int64) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, countQuery, arg).Scan(&n); err != nil {
		return 0, err
	}
	if dryRun || n == 0 {
		return n, nil
	}
	if _, err := l.db.ExecContext(ctx, deleteQuery, arg); err != nil {
		return 0, err
	}
	return n, nil
}
