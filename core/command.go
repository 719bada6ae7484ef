package core

import "strings"

// SpecialCommandAction is the outcome of parsing a "/"-prefixed input line:
// dispatch to a special-command handler, a pure function returning an
// action. Special commands never call the LLM except COMPACT, which calls
// C3's Compact.
type SpecialCommandAction int

const (
	ActionNone SpecialCommandAction = iota
	ActionHelp
	ActionClear
	ActionHistory
	ActionStatus
	ActionToggleDebug
	ActionExit
	ActionCompact
	ActionUnknown
)

// SpecialCommand is the parsed result of a "/"-prefixed input line.
type SpecialCommand struct {
	Action SpecialCommandAction
	Raw    string // the full input, for UNKNOWN's error message
}

var specialCommandTable = map[string]SpecialCommandAction{
	"/help":    ActionHelp,
	"/clear":   ActionClear,
	"/history": ActionHistory,
	"/status":  ActionStatus,
	"/debug":   ActionToggleDebug,
	"/compact": ActionCompact,
	"/exit":    ActionExit,
	"/quit":    ActionExit,
}

// ParseSpecialCommand is a pure function: given a line starting with "/", it
// returns which action C5 should take. Matching is case-insensitive and
// ignores surrounding whitespace; anything not in the table is ActionUnknown.
func ParseSpecialCommand(input string) SpecialCommand {
	trimmed := strings.TrimSpace(input)
	word := trimmed
	if i := strings.IndexByte(trimmed, ' '); i >= 0 {
		word = trimmed[:i]
	}
	action, ok := specialCommandTable[strings.ToLower(word)]
	if !ok {
		action = ActionUnknown
	}
	return SpecialCommand{Action: action, Raw: trimmed}
}

// IsSpecialCommand reports whether input should be routed to the
// special-command handler instead of the orchestrator: true whenever input
// starts with /.
func IsSpecialCommand(input string) bool {
	return strings.HasPrefix(strings.TrimSpace(input), "/")
}
