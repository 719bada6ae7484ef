package ui

import (
	"github.com/charmbracelet/bubbles/key"
)

// KeyMap holds the key bindings for the scaffold.
type KeyMap struct {
	SwitchTabRight key.Binding
	SwitchTabLeft  key.Binding
	Quit           key.Binding
}

func newKeyMap() *KeyMap {
	return &KeyMap{
		SwitchTabRight: key.NewBinding(
			key.WithKeys("ctrl+right"),
		),
		SwitchTabLeft: key.NewBinding(
			key.WithKeys("ctrl+left"),
		),
		// ctrl+c is handled by App (double-press-within-500ms to
		// exit, single press shows a hint) before it ever reaches Scaffold.
		Quit: key.NewBinding(
			key.WithKeys("ctrl+d"),
		),
	}
}
