package ui

import "strings"

// SessionSubmitter is how the chat page hands a submitted line back to the
// app layer (spec C5/C4 boundary): SubmitMessage starts a turn asynchronously
// and Cancel aborts whatever turn is currently in flight (Esc while
// processing).
type SessionSubmitter interface {
	SubmitMessage(text string)
	Cancel()
}

// CompletionProvider supplies tab-completion candidates for the prompt.
type CompletionProvider interface {
	Completions(prefix string) []string
}

// ConfigureDefaultScaffold applies mcp-terminal's chrome to a Scaffold: a
// single-page layout with a status bar reporting model and context usage.
func ConfigureDefaultScaffold(s *Scaffold, model string) {
	s.SetStatusItemLeftPadding(1)
	s.SetStatusItemRightPadding(1)
	s.SetBorderColor("#D4A056")
	s.AddStatusItem("model", "⚙ "+FormatModelName(model))
	s.AddStatusItem("context", "⚡0%")
	s.AddStatusItem("session", "○ offline")
}

// FormatModelName strips cloud-provider routing prefixes and a trailing
// ":N" version suffix from a model ID so the status bar shows a shorter name
// (e.g. "claude-sonnet-4-5-v2" rather than "us.anthropic.claude-sonnet-4-5-v2:0").
func FormatModelName(modelID string) string {
	name := modelID
	for _, prefix := range []string{"us.", "eu.", "ap."} {
		name = strings.TrimPrefix(name, prefix)
	}
	if i := strings.Index(name, "."); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.LastIndex(name, ":"); i >= 0 {
		name = name[:i]
	}
	return name
}

// AddDefaultPages wires the chat page into the scaffold. mcp-terminal is a
// single-page assistant: there is no tab bar beyond this one page.
func AddDefaultPages(s *Scaffold, session SessionSubmitter) {
	s.AddPage("chat", "Chat", NewChatModel(session))
}
