package core

import "encoding/json"

// parseToolInput decodes a tool call's accumulated JSON input fragment into
// the map[string]any shape provider.ToolCall.Input expects. Malformed input
// (a truncated stream, a provider quirk) degrades to an empty map rather than
// failing the turn — the tool layer treats a missing "command" key as its own
// error result.
func parseToolInput(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return map[string]any{}
	}
	return m
}

// formatToolInput renders a tool call's input back to JSON for progress/audit
// display.
func formatToolInput(input map[string]any) string {
	b, err := json.Marshal(input)
	if err != nil {
		return "{}"
	}
	return string(b)
}
