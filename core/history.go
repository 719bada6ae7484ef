package core

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fabiotheo/mcp-terminal/core/provider"
	"github.com/google/uuid"
)

// Role mirrors provider.Role plus the system role reserved for cancellation
// markers and summary injection.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// BufferEntry is one entry of the in-memory ConversationBuffer.
type BufferEntry struct {
	ID                 string
	Role               Role
	Content            string
	Timestamp          time.Time
	RequestID          string
	CancellationMarker bool // true iff this is a system-role interruption marker
}

// ConversationSummary mirrors the persisted entity of the same name.
type ConversationSummary struct {
	UserID                  *string
	MachineID               string
	Summary                 string
	SummarizedUpToMessageID string
	MessageCount            int
	UpdatedAt               time.Time
}

// SummaryStore is the slice of the Persistence Layer (C1) that the History
// Model needs: upserting and reading the single ConversationSummary per
// (userId, machineId). Defined here, not imported from persistence, so core
// never depends on the storage package — the teacher's provider.Provider
// abstraction follows the same "interfaces live where they're consumed"
// convention.
type SummaryStore interface {
	UpsertSummary(ctx context.Context, s ConversationSummary) error
	ReadSummary(ctx context.Context, userID *string, machineID string) (*ConversationSummary, error)
}

const (
	compactMinMessages  = 10
	compactPreserveLast = 2     // keep = last 2, not the teacher's 4
	compactMaxSummary   = 50_000 // bytes; must not exceed 50 KB
	tokenCharsPerToken  = 4.0    // reporting-only, never for truncation
)

// compactionPromptTemplate is the fixed structured-markdown summarization
// prompt: emphasizes actions/decisions/errors/state, in a plain
// terminal-assistant framing.
const compactionPromptTemplate = `Summarize the conversation below into a single Markdown document.

Emphasize: actions taken, decisions made, errors encountered and how they
were resolved, and the resulting state of the system. De-emphasize the exact
shell commands used; describe their intent and outcome instead.

Format:
- A single "## " title line.
- Bullet points using "-".
- Inline code (backticks) for file paths, command names, and values.

Conversation:
%s`

// History is the History Model (C3). It owns the authoritative in-memory
// ConversationBuffer for the current session and drives /compact.
type History struct {
	mu      sync.Mutex
	entries []BufferEntry

	summary *ConversationSummary

	userID    *string
	machineID string

	store    SummaryStore
	llm      provider.Provider
	model    string

	// cancelledRequests dedupes cancellation markers: at most one marker per
	// cancelled requestId. Multiple rapid cancellations must not produce
	// duplicate markers within the same turn.
	cancelledRequests map[string]bool
}

// NewHistory constructs a History bound to one (userId, machineId) pair.
func NewHistory(store SummaryStore, llm provider.Provider, model string, userID *string, machineID string) *History {
	h := &History{
		store:             store,
		llm:               llm,
		model:             model,
		userID:            userID,
		machineID:         machineID,
		cancelledRequests: make(map[string]bool),
	}
	if s, err := store.ReadSummary(context.Background(), userID, machineID); err == nil && s != nil {
		h.summary = s
	}
	return h
}

// AppendUser appends a user-role turn and returns its assigned entry. User
// entries are preserved even if the turn is later cancelled.
func (h *History) AppendUser(requestID, content string) BufferEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := BufferEntry{
		ID:        uuid.New().String(),
		Role:      RoleUser,
		Content:   content,
		Timestamp: time.Now(),
		RequestID: requestID,
	}
	h.entries = append(h.entries, e)
	return e
}

// AppendAssistant appends the final assistant response for a turn.
func (h *History) AppendAssistant(requestID, content string) BufferEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := BufferEntry{
		ID:        uuid.New().String(),
		Role:      RoleAssistant,
		Content:   content,
		Timestamp: time.Now(),
		RequestID: requestID,
	}
	h.entries = append(h.entries, e)
	return e
}

// cancellationMarkerText is the fixed required interruption phrase.
const cancellationMarkerText = "the previous message was cancelled by the user before being answered"

// AppendCancellationMarker appends the fixed-phrase system-role marker for a
// cancelled turn, unless one was already appended for this requestId. Returns
// true iff a marker was actually appended.
func (h *History) AppendCancellationMarker(requestID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelledRequests[requestID] {
		return false
	}
	h.cancelledRequests[requestID] = true
	h.entries = append(h.entries, BufferEntry{
		ID:                 uuid.New().String(),
		Role:               RoleSystem,
		Content:            cancellationMarkerText,
		Timestamp:          time.Now(),
		RequestID:          requestID,
		CancellationMarker: true,
	})
	return true
}

// Clear resets the in-memory buffer and summary for /clear. Persisted turns
// and the on-disk summary row are untouched; only this session's working
// context is reset.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = nil
	h.summary = nil
	h.cancelledRequests = make(map[string]bool)
}

// Len returns the number of entries currently in the buffer.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Snapshot returns a copy of the current buffer entries, for rendering or
// testing. Callers must not mutate the result.
func (h *History) Snapshot() []BufferEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]BufferEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

// BuildContextWindow assembles the message list sent to the LLM for the
// current turn (context-window assembly):
//  1. the ConversationSummary, if any, as a leading message tagged
//     "[prior conversation summary]" (sent with the user role, see mapRole);
//  2. every buffer entry in order (no entries are currently filtered, since
//     this implementation never creates assistant-role cancellation markers —
//     only system-role ones, which are explicitly kept as context);
//  3. the current user turn (currentTurn), appended last by this function.
func (h *History) BuildContextWindow(currentTurn string) []provider.Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	var msgs []provider.Message
	if h.summary != nil {
		msgs = append(msgs, provider.Message{
			Role:    provider.RoleUser,
			Content: "[prior conversation summary]\n\n" + h.summary.Summary,
		})
	}
	for _, e := range h.entries {
		msgs = append(msgs, provider.Message{
			Role:    mapRole(e.Role),
			Content: e.Content,
		})
	}
	msgs = append(msgs, provider.Message{Role: provider.RoleUser, Content: currentTurn})
	return msgs
}

// mapRole folds the buffer's three-way Role onto provider.Role, which has no
// system constant (the system prompt is a separate Request.System field).
// System-role buffer entries (cancellation markers) are sent as user-role
// messages carrying their text unchanged, matching the Bedrock-style
// convention the teacher's provider abstraction already uses for tool results.
func mapRole(r Role) provider.Role {
	switch r {
	case RoleAssistant:
		return provider.RoleAssistant
	default:
		return provider.RoleUser
	}
}

// CompactError distinguishes a rejected /compact (too small) from a genuine
// failure, so callers can choose CompactionFailedEvent vs. a plain refusal.
type CompactError struct{ Reason string }

func (e *CompactError) Error() string { return e.Reason }

// CompactResult reports the savings produced by a successful /compact.
type CompactResult struct {
	OldTokens       int
	NewTokens       int
	ReductionPct    float64
	MessageCount    int
}

// Compact implements the /compact special command.
func (h *History) Compact(ctx context.Context) (*CompactResult, error) {
	h.mu.Lock()
	if len(h.entries) < compactMinMessages {
		h.mu.Unlock()
		return nil, &CompactError{Reason: "history too small"}
	}
	preserveFrom := len(h.entries) - compactPreserveLast
	toSummarize := make([]BufferEntry, preserveFrom)
	copy(toSummarize, h.entries[:preserveFrom])
	keep := make([]BufferEntry, compactPreserveLast)
	copy(keep, h.entries[preserveFrom:])
	h.mu.Unlock()

	oldTokens := estimateTokens(conversationText(toSummarize) + conversationText(keep))

	summaryText, err := h.generateSummary(ctx, toSummarize)
	if err != nil {
		return nil, fmt.Errorf("generate summary: %w", err)
	}
	if len(summaryText) > compactMaxSummary {
		summaryText = summaryText[:compactMaxSummary]
	}

	lastID := toSummarize[len(toSummarize)-1].ID
	newSummary := ConversationSummary{
		UserID:                  h.userID,
		MachineID:               h.machineID,
		Summary:                 summaryText,
		SummarizedUpToMessageID: lastID,
		MessageCount:            len(toSummarize),
		UpdatedAt:               time.Now(),
	}
	if err := h.store.UpsertSummary(ctx, newSummary); err != nil {
		return nil, fmt.Errorf("upsert summary: %w", err)
	}

	h.mu.Lock()
	h.summary = &newSummary
	h.entries = keep
	h.mu.Unlock()

	newTokens := estimateTokens(summaryText + conversationText(keep))
	reduction := 0.0
	if oldTokens > 0 {
		reduction = 100.0 * float64(oldTokens-newTokens) / float64(oldTokens)
	}

	return &CompactResult{
		OldTokens:    oldTokens,
		NewTokens:    newTokens,
		ReductionPct: reduction,
		MessageCount: len(toSummarize),
	}, nil
}

// generateSummary drives a single non-streaming-shaped LLM call using the
// fixed summarizer prompt, accumulating EventTextDelta chunks exactly as the
// teacher's core/loop.go generateSummary does.
func (h *History) generateSummary(ctx context.Context, entries []BufferEntry) (string, error) {
	prompt := fmt.Sprintf(compactionPromptTemplate, conversationText(entries))

	stream, err := h.llm.Send(ctx, provider.Request{
		Model:     h.model,
		Messages:  []provider.Message{{Role: provider.RoleUser, Content: prompt}},
		MaxTokens: 2048,
	})
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			return sb.String(), nil
		}
		if err != nil {
			return "", err
		}
		if chunk.Event == provider.EventTextDelta {
			sb.WriteString(chunk.Text)
		}
	}
}

// conversationText renders buffer entries as plain "role: content" lines for
// inclusion in the summarizer prompt.
func conversationText(entries []BufferEntry) string {
	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&sb, "%s: %s\n", e.Role, e.Content)
	}
	return sb.String()
}

// estimateTokens applies a 4-chars-per-token heuristic: a reporting-only
// approximation, never used for truncation decisions.
func estimateTokens(text string) int {
	return len(text) / int(tokenCharsPerToken)
}
