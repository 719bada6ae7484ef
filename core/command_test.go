package core

import "testing"

func TestParseSpecialCommand(t *testing.T) {
	cases := []struct {
		input string
		want  SpecialCommandAction
	}{
		{"/help", ActionHelp},
		{"/clear", ActionClear},
		{"/history", ActionHistory},
		{"/status", ActionStatus},
		{"/debug", ActionToggleDebug},
		{"/compact", ActionCompact},
		{"/exit", ActionExit},
		{"/quit", ActionExit},
		{"/EXIT", ActionExit},
		{"  /status  ", ActionStatus},
		{"/status extra args", ActionStatus},
		{"/nonsense", ActionUnknown},
		{"/", ActionUnknown},
	}
	for _, c := range cases {
		got := ParseSpecialCommand(c.input)
		if got.Action != c.want {
			t.Errorf("ParseSpecialCommand(%q).Action = %v, want %v", c.input, got.Action, c.want)
		}
	}
}

func TestIsSpecialCommand(t *testing.T) {
	if !IsSpecialCommand("/help") {
		t.Error("expected /help to be a special command")
	}
	if !IsSpecialCommand("  /help") {
		t.Error("expected leading whitespace to be tolerated")
	}
	if IsSpecialCommand("how much disk space do I have?") {
		t.Error("expected a plain question not to be a special command")
	}
	if IsSpecialCommand("") {
		t.Error("expected empty input not to be a special command")
	}
}
