package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"time"
)

const (
	syncInterval   = 60 * time.Second
	maxSyncRetries = 5
	baseBackoff    = 2 * time.Second
	maxBackoff     = 5 * time.Minute
	pullBatchSize  = 200
)

// Syncer is the bidirectional replication worker: each cycle pushes
// locally-queued writes to Remote, then pulls history_global rows changed
// remotely since the last watermark (rows of every user and machine; the
// pull is not filtered by user). Grounded on the
// teacher's background-ticker-plus-force-wake pattern used for session
// idle timers (engine/runtime session sweep), adapted here to a push/pull
// cycle instead of a TTL sweep.
type Syncer struct {
	local  *Local
	remote *Remote
	wake   chan struct{}
	done   chan struct{}
}

// NewSyncer builds a syncer. remote may be nil, in which case Start runs no
// loop, Wait returns immediately, and writes stay queued locally until a Syncer is rebuilt with a
// live Remote (spec's offline-first failure model: local writes always
// succeed even when the remote is unreachable).
func NewSyncer(local *Local, remote *Remote) *Syncer {
	return &Syncer{local: local, remote: remote, wake: make(chan struct{}, 1), done: make(chan struct{})}
}

// Start runs the sync loop until ctx is cancelled, waking every
// syncInterval or whenever ForceSync is called.
func (s *Syncer) Start(ctx context.Context) {
	if s.remote == nil {
		close(s.done)
		return
	}
	go s.loop(ctx)
}

func (s *Syncer) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCycle(ctx)
		case <-s.wake:
			s.runCycle(ctx)
		}
	}
}

// ForceSync requests an immediate cycle without waiting for the next tick.
// Non-blocking: if a wake is already pending, this is a no-op.
func (s *Syncer) ForceSync() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Wait blocks until the sync loop has exited after ctx cancellation.
func (s *Syncer) Wait() { <-s.done }

func (s *Syncer) runCycle(ctx context.Context) {
	if err := s.push(ctx); err != nil {
		log.Printf("persistence: sync push failed: %v", err)
	}
	if err := s.pull(ctx); err != nil {
		log.Printf("persistence: sync pull failed: %v", err)
	}
}

type queueRow struct {
	id        int64
	recordID  string
	partition string
	op        string
	payload   string
	attempts  int
}

// push drains due sync_queue rows and replays them against Remote,
// retrying failures with exponential backoff and dead-lettering anything
// that exceeds maxSyncRetries.
func (s *Syncer) push(ctx context.Context) error {
	for {
		row, ok, err := s.nextQueueRow(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		applyErr := s.apply(ctx, row)
		if applyErr == nil {
			if _, err := s.local.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, row.id); err != nil {
				return err
			}
			continue
		}

		attempts := row.attempts + 1
		if attempts >= maxSyncRetries {
			_, err := s.local.db.ExecContext(ctx, `
				UPDATE sync_queue SET attempts = ?, last_error = ?, dead_letter = true WHERE id = ?`,
				attempts, applyErr.Error(), row.id)
			if err != nil {
				return err
			}
			log.Printf("persistence: dead-lettering sync row %d (%s/%s) after %d attempts: %v", row.id, row.partition, row.op, attempts, applyErr)
			continue
		}

		next := backoff(attempts)
		_, err = s.local.db.ExecContext(ctx, `
			UPDATE sync_queue SET attempts = ?, last_error = ?, next_attempt_at = ? WHERE id = ?`,
			attempts, applyErr.Error(), time.Now().Add(next).Unix(), row.id)
		if err != nil {
			return err
		}
	}
}

func (s *Syncer) nextQueueRow(ctx context.Context) (queueRow, bool, error) {
	row := s.local.db.QueryRowContext(ctx, `
		SELECT id, record_id, partition, op, payload, attempts FROM sync_queue
		WHERE dead_letter = false AND next_attempt_at <= ?
		ORDER BY id ASC LIMIT 1`, time.Now().Unix())

	var q queueRow
	if err := row.Scan(&q.id, &q.recordID, &q.partition, &q.op, &q.payload, &q.attempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return queueRow{}, false, nil
		}
		return queueRow{}, false, err
	}
	return q, true, nil
}

func (s *Syncer) apply(ctx context.Context, row queueRow) error {
	switch row.op {
	case "insert":
		var t Turn
		if err := json.Unmarshal([]byte(row.payload), &t); err != nil {
			return err
		}
		return s.remote.ApplyInsert(ctx, row.partition, t)
	case "update":
		var p updatePayload
		if err := json.Unmarshal([]byte(row.payload), &p); err != nil {
			return err
		}
		return s.remote.ApplyUpdate(ctx, row.partition, p)
	default:
		return errors.New("persistence: unknown sync op " + row.op)
	}
}

// pull fetches rows changed remotely since the stored watermark and merges
// them into the local global partition with last-writer-wins, then
// advances the watermark.
func (s *Syncer) pull(ctx context.Context) error {
	watermark := s.readWatermark(ctx)

	turns, err := s.remote.PullSince(ctx, watermark, pullBatchSize)
	if err != nil {
		return err
	}
	if len(turns) == 0 {
		return nil
	}

	tx, err := s.local.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, t := range turns {
		effectiveUpdatedAt := t.Timestamp.Unix()
		if t.UpdatedAt != nil {
			effectiveUpdatedAt = t.UpdatedAt.Unix()
		}
		var completedAt *int64
		if t.CompletedAt != nil {
			v := t.CompletedAt.Unix()
			completedAt = &v
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO history_global (id, command, response, user_id, machine_id, session_id, timestamp, status, request_id,
				updated_at, completed_at, tokens_used, execution_time_ms, error_code, context)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				response = excluded.response,
				status = excluded.status,
				updated_at = excluded.updated_at,
				completed_at = excluded.completed_at,
				tokens_used = excluded.tokens_used,
				execution_time_ms = excluded.execution_time_ms,
				error_code = excluded.error_code,
				context = excluded.context
			WHERE history_global.updated_at IS NULL OR history_global.updated_at <= excluded.updated_at`,
			t.ID, t.Command, t.Response, t.UserID, t.MachineID, t.SessionID, t.Timestamp.Unix(), t.Status, t.RequestID,
			effectiveUpdatedAt, completedAt, t.TokensUsed, t.ExecutionTimeMs, t.ErrorCode, t.Context)
		if err != nil {
			return err
		}
	}

	last := turns[len(turns)-1]
	newWatermark := last.Timestamp
	if last.UpdatedAt != nil {
		newWatermark = *last.UpdatedAt
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_state (key, value) VALUES ('pull_watermark', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, newWatermark.Format(time.RFC3339)); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Syncer) readWatermark(ctx context.Context) time.Time {
	row := s.local.db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = 'pull_watermark'`)
	var raw string
	if err := row.Scan(&raw); err != nil {
		return time.Unix(0, 0)
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Unix(0, 0)
	}
	return t
}

func backoff(attempts int) time.Duration {
	d := baseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}
