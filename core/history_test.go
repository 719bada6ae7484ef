package core

import (
	"context"
	"io"
	"testing"

	"github.com/fabiotheo/mcp-terminal/core/provider"
)

type fakeSummaryStore struct {
	saved *ConversationSummary
}

func (s *fakeSummaryStore) UpsertSummary(ctx context.Context, cs ConversationSummary) error {
	c := cs
	s.saved = &c
	return nil
}

func (s *fakeSummaryStore) ReadSummary(ctx context.Context, userID *string, machineID string) (*ConversationSummary, error) {
	return s.saved, nil
}

type fakeStream struct {
	chunks []provider.StreamChunk
	i      int
}

func (s *fakeStream) Next() (provider.StreamChunk, error) {
	if s.i >= len(s.chunks) {
		return provider.StreamChunk{}, io.EOF
	}
	c := s.chunks[s.i]
	s.i++
	return c, nil
}

func (s *fakeStream) Close() error { return nil }

type fakeProvider struct {
	text string
}

func (p *fakeProvider) Send(ctx context.Context, req provider.Request) (provider.StreamIterator, error) {
	return &fakeStream{chunks: []provider.StreamChunk{
		{Event: provider.EventTextDelta, Text: p.text},
		{Event: provider.EventMessageStop, StopReason: "end_turn"},
	}}, nil
}

func (p *fakeProvider) ListModels(ctx context.Context) ([]provider.ModelInfo, error) {
	return nil, nil
}

func newTestHistory(t *testing.T, summaryText string) (*History, *fakeSummaryStore) {
	t.Helper()
	store := &fakeSummaryStore{}
	llm := &fakeProvider{text: summaryText}
	h := NewHistory(store, llm, "claude-test", nil, "machine-1")
	return h, store
}

func TestHistoryAppendAndBuildContextWindow(t *testing.T) {
	h, _ := newTestHistory(t, "## summary")
	h.AppendUser("req-1", "list files")
	h.AppendAssistant("req-1", "ran ls")

	msgs := h.BuildContextWindow("what now")
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3 (2 buffer + current turn)", len(msgs))
	}
	if msgs[len(msgs)-1].Content != "what now" {
		t.Fatalf("last message should be the current turn")
	}
}

func TestHistoryCancellationMarkerDedup(t *testing.T) {
	h, _ := newTestHistory(t, "")
	first := h.AppendCancellationMarker("req-1")
	second := h.AppendCancellationMarker("req-1")
	if !first {
		t.Fatalf("first marker for req-1 should be appended")
	}
	if second {
		t.Fatalf("duplicate marker for req-1 must not be appended")
	}
	if h.Len() != 1 {
		t.Fatalf("buffer should contain exactly one marker, got %d", h.Len())
	}

	third := h.AppendCancellationMarker("req-2")
	if !third {
		t.Fatalf("marker for a different request must be appended")
	}
	if h.Len() != 2 {
		t.Fatalf("buffer should contain two markers now, got %d", h.Len())
	}
}

func TestHistoryUserEntryPreservedAfterCancellation(t *testing.T) {
	h, _ := newTestHistory(t, "")
	h.AppendUser("req-1", "do the thing")
	h.AppendCancellationMarker("req-1")

	snap := h.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected user entry plus marker, got %d entries", len(snap))
	}
	if snap[0].Role != RoleUser || snap[0].Content != "do the thing" {
		t.Fatalf("user entry must survive cancellation unchanged")
	}
	if !snap[1].CancellationMarker {
		t.Fatalf("second entry must be the cancellation marker")
	}
}

func TestHistoryCompactRejectsSmallBuffer(t *testing.T) {
	h, _ := newTestHistory(t, "## summary")
	h.AppendUser("req-1", "hi")

	_, err := h.Compact(context.Background())
	if err == nil {
		t.Fatalf("expected Compact to reject a buffer below compactMinMessages")
	}
	if _, ok := err.(*CompactError); !ok {
		t.Fatalf("expected *CompactError, got %T", err)
	}
}

func TestHistoryCompactKeepsLastTwoAndStoresSummary(t *testing.T) {
	h, store := newTestHistory(t, "## summarized state")

	for i := 0; i < 6; i++ {
		h.AppendUser("req", "question")
		h.AppendAssistant("req", "answer")
	}
	if h.Len() != 12 {
		t.Fatalf("setup: expected 12 entries, got %d", h.Len())
	}

	result, err := h.Compact(context.Background())
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if result.MessageCount != 10 {
		t.Fatalf("expected 10 messages summarized, got %d", result.MessageCount)
	}
	if h.Len() != compactPreserveLast {
		t.Fatalf("expected %d entries kept verbatim, got %d", compactPreserveLast, h.Len())
	}
	if store.saved == nil || store.saved.Summary != "## summarized state" {
		t.Fatalf("expected summary to be persisted via SummaryStore")
	}
}

func TestHistoryCompactEnforcesSummaryCap(t *testing.T) {
	big := make([]byte, compactMaxSummary+500)
	for i := range big {
		big[i] = 'x'
	}
	h, store := newTestHistory(t, string(big))

	for i := 0; i < 6; i++ {
		h.AppendUser("req", "question")
		h.AppendAssistant("req", "answer")
	}

	if _, err := h.Compact(context.Background()); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if len(store.saved.Summary) != compactMaxSummary {
		t.Fatalf("summary should be capped at %d bytes, got %d", compactMaxSummary, len(store.saved.Summary))
	}
}
