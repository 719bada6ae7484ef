package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fabiotheo/mcp-terminal/core"
	"github.com/fabiotheo/mcp-terminal/core/provider"
	"github.com/fabiotheo/mcp-terminal/persistence"

	"github.com/google/uuid"
)

const (
	contextWarningThreshold     = 50.0
	contextAutoCompactThreshold = 90.0
	defaultContextWindow        = 200_000
)

// specialCommandNames lists every "/"-prefixed command for tab-completion,
// mirroring core.ParseSpecialCommand's table.
var specialCommandNames = []string{
	"/help", "/clear", "/history", "/status", "/debug", "/compact", "/exit", "/quit",
}

// Session is the app-level glue wiring request tracking, history and the
// orchestrator into the interaction loop: it implements ui.SessionSubmitter
// and ui.CompletionProvider and owns the at-most-one-active-request
// invariant, driving exactly one turn at a time.
type Session struct {
	id        string
	userID    *string
	machineID string
	model     string
	system    string

	llm          provider.Provider
	orchestrator *core.Orchestrator
	history      *core.History
	tracker      *core.RequestTracker

	local  *persistence.Local
	remote *persistence.Remote // nil in offline mode
	syncer *persistence.Syncer

	emit func(event any)

	mu           sync.Mutex
	activeReqID  string
	commandCount int
	debug        bool
	contextWindow int
}

// SessionConfig bundles NewSession's construction parameters.
type SessionConfig struct {
	SessionID string
	UserID    *string
	MachineID string
	Model     string
	System    string

	LLM          provider.Provider
	Orchestrator *core.Orchestrator
	History      *core.History
	Tracker      *core.RequestTracker

	Local  *persistence.Local
	Remote *persistence.Remote
	Syncer *persistence.Syncer

	Emit func(event any)
}

// NewSession builds a Session ready to accept SubmitMessage calls.
func NewSession(cfg SessionConfig) *Session {
	return &Session{
		id:            cfg.SessionID,
		userID:        cfg.UserID,
		machineID:     cfg.MachineID,
		model:         cfg.Model,
		system:        cfg.System,
		llm:           cfg.LLM,
		orchestrator:  cfg.Orchestrator,
		history:       cfg.History,
		tracker:       cfg.Tracker,
		local:         cfg.Local,
		remote:        cfg.Remote,
		syncer:        cfg.Syncer,
		emit:          cfg.Emit,
		contextWindow: contextWindowFor(cfg.LLM, cfg.Model),
	}
}

// contextWindowFor looks up the model's context window from the provider's
// static catalogue, falling back to a conservative default when the model is
// unrecognized.
func contextWindowFor(llm provider.Provider, model string) int {
	models, err := llm.ListModels(context.Background())
	if err == nil {
		for _, m := range models {
			if m.ID == model {
				return m.ContextWindow
			}
		}
	}
	return defaultContextWindow
}

// SubmitMessage implements ui.SessionSubmitter. Enforces at-most-one-
// active-request by ignoring a submission while a prior turn is still in
// flight; the interaction loop already gates this on Enter, this is the
// belt-and-suspenders check at the request-tracker boundary.
func (s *Session) SubmitMessage(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	s.mu.Lock()
	busy := s.activeReqID != ""
	s.mu.Unlock()
	if busy {
		return
	}

	if core.IsSpecialCommand(text) {
		s.handleSpecialCommand(core.ParseSpecialCommand(text))
		return
	}

	go s.runTurn(text)
}

// Cancel implements ui.SessionSubmitter for the Esc-while-processing path.
// Signals the active request's cancellation token; the bookkeeping
// (cancellation marker, turn status, event) happens once runTurn observes
// the cancelled context, so a double Cancel (Esc mashed twice) is a no-op
// past the first call.
func (s *Session) Cancel() {
	s.mu.Lock()
	reqID := s.activeReqID
	s.mu.Unlock()
	if reqID == "" {
		return
	}
	s.tracker.Cancel(reqID)
}

// Completions implements ui.CompletionProvider: special-command names only,
// matched by prefix. Shell-path and history completion are out of scope.
func (s *Session) Completions(prefix string) []string {
	if !strings.HasPrefix(prefix, "/") {
		return nil
	}
	var out []string
	for _, name := range specialCommandNames {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	return out
}

// runTurn drives one full turn end-to-end: C2 begin -> C3 record -> C4
// orchestrate -> C3/C1 finalize -> C2 complete. Runs on its own goroutine so
// the Bubble Tea event loop is never blocked on network I/O.
func (s *Session) runTurn(text string) {
	rec := s.tracker.Begin(context.Background())
	s.mu.Lock()
	s.activeReqID = rec.RequestID
	s.mu.Unlock()

	defer func() {
		s.tracker.Complete(rec.RequestID)
		s.mu.Lock()
		s.activeReqID = ""
		s.mu.Unlock()
		if s.syncer != nil {
			s.syncer.ForceSync()
		}
		s.emitStatus()
	}()

	turnID := uuid.New().String()
	s.tracker.SetPhase(rec.RequestID, core.PhaseDBInflight)
	if err := s.local.RecordTurn(context.Background(), persistence.Turn{
		ID:        turnID,
		Command:   text,
		UserID:    s.userID,
		MachineID: s.machineID,
		SessionID: &s.id,
		Timestamp: time.Now(),
		Status:    "pending",
		RequestID: rec.RequestID,
	}); err != nil {
		s.emit(core.PersistenceWarningEvent{Message: fmt.Sprintf("failed to record turn: %v", err)})
	}

	// Context window is assembled from the buffer as it stands before this
	// turn's own entry is appended; BuildContextWindow appends currentTurn
	// itself, so calling it before AppendUser avoids duplicating this turn.
	messages := s.history.BuildContextWindow(text)
	s.history.AppendUser(rec.RequestID, text)

	s.tracker.SetPhase(rec.RequestID, core.PhaseAIInflight)
	result := s.orchestrator.Run(rec.AICtx, messages)

	if rec.AICtx.Err() != nil {
		s.history.AppendCancellationMarker(rec.RequestID)
		if err := s.local.UpdateTurn(context.Background(), rec.RequestID, "", "cancelled", time.Now(), 0, 0, ""); err != nil {
			s.emit(core.PersistenceWarningEvent{Message: fmt.Sprintf("failed to persist cancellation: %v", err)})
		}
		s.emit(core.CancellationEvent{RequestID: rec.RequestID})
		return
	}

	if !result.Success {
		if err := s.local.UpdateTurn(context.Background(), rec.RequestID, "", "error", time.Now(), result.TokensUsed, int(result.Duration.Milliseconds()), "llm_error"); err != nil {
			s.emit(core.PersistenceWarningEvent{Message: fmt.Sprintf("failed to persist turn error: %v", err)})
		}
		return
	}

	s.history.AppendAssistant(rec.RequestID, result.DirectAnswer)
	if err := s.local.UpdateTurn(context.Background(), rec.RequestID, result.DirectAnswer, "completed", time.Now(), result.TokensUsed, int(result.Duration.Milliseconds()), ""); err != nil {
		s.emit(core.PersistenceWarningEvent{Message: fmt.Sprintf("failed to persist turn completion: %v", err)})
	}

	s.mu.Lock()
	s.commandCount++
	s.mu.Unlock()

	s.checkContextUsage()
}

// checkContextUsage applies a 4-chars-per-token heuristic against the
// buffer and emits the context-threshold events; at 90% it drives an
// automatic /compact.
func (s *Session) checkContextUsage() {
	entries := s.history.Snapshot()
	var chars int
	for _, e := range entries {
		chars += len(e.Content)
	}
	tokens := chars / 4
	pct := 100.0 * float64(tokens) / float64(s.contextWindow)

	s.emit(core.ContextUpdateEvent{Percentage: pct, ModelID: s.model})

	switch {
	case pct >= contextAutoCompactThreshold:
		s.emit(core.ContextAutoCompactEvent{Percentage: pct, ModelID: s.model})
		s.runCompact("automatic")
	case pct >= contextWarningThreshold:
		s.emit(core.ContextWarningEvent{Percentage: pct, Threshold: contextWarningThreshold, ModelID: s.model})
	}
}

// runCompact implements the /compact special command and the automatic
// 90%-threshold trigger.
func (s *Session) runCompact(mode string) {
	s.emit(core.CompactionStartEvent{Mode: mode})
	s.emit(core.CompactionProgressEvent{Stage: "generating_summary"})

	result, err := s.history.Compact(context.Background())
	if err != nil {
		var compactErr *core.CompactError
		if ce, ok := err.(*core.CompactError); ok {
			compactErr = ce
			s.emit(core.SystemMessageEvent{Text: compactErr.Reason})
			return
		}
		s.emit(core.CompactionFailedEvent{Error: err.Error()})
		return
	}

	s.emit(core.CompactionProgressEvent{Stage: "estimating_tokens"})
	s.emit(core.CompactionCompleteEvent{OldTokens: result.OldTokens, NewTokens: result.NewTokens})
}

// handleSpecialCommand dispatches a parsed "/"-prefixed line. Special
// commands never call the LLM except /compact.
func (s *Session) handleSpecialCommand(cmd core.SpecialCommand) {
	switch cmd.Action {
	case core.ActionHelp:
		s.emit(core.SystemMessageEvent{Text: helpText()})
	case core.ActionClear:
		s.history.Clear()
		s.emit(core.ClearEvent{})
	case core.ActionHistory:
		s.emit(core.SystemMessageEvent{Text: s.renderHistory()})
	case core.ActionStatus:
		s.emitStatus()
	case core.ActionToggleDebug:
		s.mu.Lock()
		s.debug = !s.debug
		state := s.debug
		s.mu.Unlock()
		s.emit(core.SystemMessageEvent{Text: fmt.Sprintf("debug mode: %v", state)})
	case core.ActionExit:
		s.emit(core.ExitRequestedEvent{})
	case core.ActionCompact:
		go s.runCompact("manual")
	default:
		s.emit(core.SystemMessageEvent{Text: fmt.Sprintf("unknown command: %s", cmd.Raw)})
	}
}

func helpText() string {
	return strings.Join([]string{
		"Special commands:",
		"  /help      show this message",
		"  /clear     reset the conversation buffer",
		"  /history   show recent turns",
		"  /status    show session/connectivity/context status",
		"  /debug     toggle verbose logging",
		"  /compact   summarize older turns to free up context",
		"  /exit, /quit  exit mcp-terminal",
	}, "\n")
}

func (s *Session) renderHistory() string {
	entries := s.history.Snapshot()
	if len(entries) == 0 {
		return "no turns recorded yet"
	}
	var b strings.Builder
	b.WriteString("Recent turns:\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "  [%s] %s\n", e.Role, truncateLine(e.Content, 80))
	}
	return b.String()
}

func truncateLine(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

// emitStatus answers /status and refreshes the status bar: session id,
// online/offline, pending sync and dead-letter counts, context usage, model.
func (s *Session) emitStatus() {
	pending, deadLetters := s.queueCounts()
	entries := s.history.Snapshot()
	var chars int
	for _, e := range entries {
		chars += len(e.Content)
	}
	pct := 100.0 * float64(chars/4) / float64(s.contextWindow)

	s.emit(core.StatusEvent{
		SessionID:        s.id,
		Online:           s.remote != nil,
		PendingSyncCount: pending,
		DeadLetterCount:  deadLetters,
		ContextPercent:   pct,
		ModelID:          s.model,
	})
}

// queueCounts reports the sync queue's pending and dead-lettered row counts
// for /status, reading directly against the local cache.
func (s *Session) queueCounts() (pending, deadLetters int) {
	pending, deadLetters, err := s.local.SyncQueueCounts(context.Background())
	if err != nil {
		return 0, 0
	}
	return pending, deadLetters
}

// Close releases session-owned resources on shutdown: cancels any in-flight
// request and closes the remote session row if online.
func (s *Session) Close(ctx context.Context) {
	s.tracker.CancelAll()
	if s.remote != nil {
		s.mu.Lock()
		count := s.commandCount
		s.mu.Unlock()
		_ = s.remote.CloseSession(ctx, s.id, count)
	}
}
