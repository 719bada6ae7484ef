package app

import (
	"fmt"
	"os"

	"github.com/fabiotheo/mcp-terminal/core"
	"github.com/fabiotheo/mcp-terminal/ui"

	tea "github.com/charmbracelet/bubbletea"
)

// coreNotifierAdapter translates core-level events into UI-specific Bubble
// Tea messages, bridging the gap between the framework-agnostic core and
// the TUI.
type coreNotifierAdapter struct {
	ui interface{ Send(tea.Msg) }
}

func (a *coreNotifierAdapter) Send(msg any) {
	switch e := msg.(type) {
	case core.TokenEvent:
		a.ui.Send(ui.ChatTokenMsg{Text: e.Text})
	case core.CompletionEvent:
		a.ui.Send(ui.ChatCompletionMsg{})
	case core.ErrorEvent:
		a.ui.Send(ui.ChatErrorMsg{Error: e.Error})
	case core.ToolUseEvent:
		a.ui.Send(ui.ChatToolUseMsg{ToolCallID: e.ToolCallID, ToolName: e.ToolName, Input: e.Input})
	case core.ToolResultEvent:
		a.ui.Send(ui.ChatToolResultMsg{ToolCallID: e.ToolCallID, ToolName: e.ToolName, Result: e.Result, IsError: e.IsError})
	case core.ContextWarningEvent:
		a.ui.Send(ui.ChatContextWarningMsg{
			Percentage: e.Percentage,
			Threshold:  e.Threshold,
			ModelID:    e.ModelID,
		})
	case core.ContextAutoCompactEvent:
		a.ui.Send(ui.ChatContextAutoCompactMsg{
			Percentage: e.Percentage,
			ModelID:    e.ModelID,
		})
	case core.ContextUpdateEvent:
		a.ui.Send(ui.StatusItemUpdateMsg{
			Key:   "context",
			Value: formatContextPercentage(e.Percentage),
		})
	case core.CompactionStartEvent:
		a.ui.Send(ui.ChatCompactionStartMsg{Mode: e.Mode})
	case core.CompactionProgressEvent:
		a.ui.Send(ui.ChatCompactionProgressMsg{Stage: e.Stage})
	case core.CompactionCompleteEvent:
		a.ui.Send(ui.ChatCompactionCompleteMsg{
			OldTokens: e.OldTokens,
			NewTokens: e.NewTokens,
		})
	case core.CompactionFailedEvent:
		a.ui.Send(ui.ChatCompactionFailedMsg{Error: e.Error})
	case core.CancellationEvent:
		a.ui.Send(ui.ChatCancellationMsg{RequestID: e.RequestID})
	case core.PersistenceWarningEvent:
		a.ui.Send(ui.ChatPersistenceWarningMsg{Message: e.Message})
	case core.StatusEvent:
		a.ui.Send(ui.ChatStatusMsg{
			SessionID:        e.SessionID,
			Online:           e.Online,
			PendingSyncCount: e.PendingSyncCount,
			DeadLetterCount:  e.DeadLetterCount,
			ContextPercent:   e.ContextPercent,
			ModelID:          e.ModelID,
		})
		a.ui.Send(ui.StatusItemUpdateMsg{Key: "session", Value: formatSessionStatus(e.Online)})
	case core.SystemMessageEvent:
		a.ui.Send(ui.ChatSystemMsg{Text: e.Text})
	case core.ClearEvent:
		a.ui.Send(ui.ChatClearMsg{})
	case core.ExitRequestedEvent:
		a.ui.Send(ui.ChatExitMsg{})
	default:
		// Log unhandled events to detect integration mistakes during refactors.
		fmt.Fprintf(os.Stderr, "mcp-terminal: warning: unhandled core event type: %T\n", msg)
	}
}

// formatContextPercentage formats context usage for status bar display.
func formatContextPercentage(pct float64) string {
	if pct < 1.0 {
		return "⚡<1%"
	}
	if pct >= 100.0 {
		return "⚡100%"
	}
	return fmt.Sprintf("⚡%.0f%%", pct)
}

func formatSessionStatus(online bool) string {
	if online {
		return "● online"
	}
	return "○ offline"
}
