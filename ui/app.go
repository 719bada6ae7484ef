package ui

import (
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

// PromptSubmitMsg is sent when the user presses Enter with non-empty input.
// Page models handle this in their own Update method.
type PromptSubmitMsg struct {
	Value string
}

// EscCancelMsg is forwarded to the active page when Esc is pressed while a
// request is in flight.
type EscCancelMsg struct{}

// ctrlCHintExpiredMsg disarms the double-Ctrl-C exit window after its 2s
// hint would have gone stale.
type ctrlCHintExpiredMsg struct{ armedAt time.Time }

const ctrlCExitWindow = 500 * time.Millisecond
const ctrlCHintDuration = 2 * time.Second

// AppConfig holds optional configuration for an App.
type AppConfig struct {
	Placeholder        string
	CharLimit          int
	Width              int
	PromptGlyph        string
	CompletionProvider CompletionProvider // optional; enables tab-cycling completions
}

// App is a top-level tea.Model that wraps a Scaffold with a text-input
// prompt implementing the interaction loop's keystroke contract: history
// recall, line continuation, Esc cancel-or-clear, and double-Ctrl-C exit.
type App struct {
	Scaffold    *Scaffold
	promptInput textinput.Model
	promptGlyph string
	processing  bool // true between PromptSubmitMsg and completion/error/cancel

	commandHistory []string
	historyIdx     int // -1 = not browsing history

	continuation string // buffered text from a trailing "\" line continuation

	ctrlCArmed bool
	ctrlCAt    time.Time
	ctrlCHint  string

	completionProvider CompletionProvider
	completions        []string
	completionIdx      int // -1 = no active selection
}

// NewApp creates an App from an existing Scaffold and config.
func NewApp(scaffold *Scaffold, cfg AppConfig) *App {
	ti := textinput.New()
	ti.Prompt = "" // We render our own glyph prefix.
	ti.Focus()

	if cfg.Placeholder != "" {
		ti.Placeholder = cfg.Placeholder
	}
	if cfg.CharLimit > 0 {
		ti.CharLimit = cfg.CharLimit
	}
	if cfg.Width > 0 {
		ti.Width = cfg.Width
	} else {
		ti.Width = 80
	}

	glyph := "❯"
	if cfg.PromptGlyph != "" {
		glyph = cfg.PromptGlyph
	}

	return &App{
		Scaffold:           scaffold,
		promptInput:        ti,
		promptGlyph:        glyph,
		historyIdx:         -1,
		completionProvider: cfg.CompletionProvider,
		completionIdx:      -1,
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.Scaffold.Init(), textinput.Blink)
}

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	promptEnabled := a.isPromptEnabled()

	switch msg.(type) {
	case ChatCompletionMsg, ChatErrorMsg, ChatCancellationMsg:
		a.processing = false
	}

	switch msg := msg.(type) {
	case ctrlCHintExpiredMsg:
		if a.ctrlCArmed && msg.armedAt.Equal(a.ctrlCAt) {
			a.ctrlCArmed = false
			a.ctrlCHint = ""
		}
		return a, nil

	case tea.WindowSizeMsg:
		a.promptInput.Width = msg.Width - 4

		heightAdjustment := 0
		if promptEnabled {
			heightAdjustment = 1
		}

		modifiedMsg := tea.WindowSizeMsg{
			Width:  msg.Width,
			Height: msg.Height - heightAdjustment,
		}

		updated, cmd := a.Scaffold.Update(modifiedMsg)
		a.Scaffold = updated.(*Scaffold)
		return a, cmd

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return a.handleCtrlC()
		case "ctrl+d":
			return a, tea.Quit
		}

		// Any non-hint key disarms the double-Ctrl-C window early.
		if a.ctrlCArmed {
			a.ctrlCArmed = false
			a.ctrlCHint = ""
		}

		if promptEnabled && msg.String() == "esc" {
			if a.processing {
				updated, cmd := a.Scaffold.Update(EscCancelMsg{})
				a.Scaffold = updated.(*Scaffold)
				return a, cmd
			}
			a.promptInput.SetValue("")
			a.continuation = ""
			a.historyIdx = -1
			return a, nil
		}

		// History recall, only while not mid-continuation and not actively
		// cycling tab-completions.
		if promptEnabled && len(a.commandHistory) > 0 && a.continuation == "" && len(a.completions) == 0 {
			switch msg.String() {
			case "up":
				if a.historyIdx == -1 {
					a.historyIdx = len(a.commandHistory)
				}
				if a.historyIdx > 0 {
					a.historyIdx--
					a.promptInput.SetValue(a.commandHistory[a.historyIdx])
					a.promptInput.CursorEnd()
				}
				return a, nil
			case "down":
				if a.historyIdx >= 0 {
					a.historyIdx++
					if a.historyIdx >= len(a.commandHistory) {
						a.historyIdx = -1
						a.promptInput.SetValue("")
					} else {
						a.promptInput.SetValue(a.commandHistory[a.historyIdx])
						a.promptInput.CursorEnd()
					}
				}
				return a, nil
			}
		}

		// Tab-cycling completion (intercept before prompt input consumes tab).
		if promptEnabled && a.completionProvider != nil {
			switch msg.String() {
			case "tab":
				if len(a.completions) == 0 {
					a.completions = a.completionProvider.Completions(a.promptInput.Value())
					a.completionIdx = -1
				}
				if len(a.completions) > 0 {
					a.completionIdx = (a.completionIdx + 1) % len(a.completions)
					a.promptInput.SetValue(a.completions[a.completionIdx])
				}
				return a, nil // Don't forward tab to scaffold or prompt input

			case "shift+tab":
				if len(a.completions) > 0 {
					a.completionIdx--
					if a.completionIdx < 0 {
						a.completionIdx = len(a.completions) - 1
					}
					a.promptInput.SetValue(a.completions[a.completionIdx])
				}
				return a, nil
			}
		}

		// Any non-tab key clears the completion list.
		if msg.String() != "tab" && msg.String() != "shift+tab" {
			a.completions = nil
			a.completionIdx = -1
		}

		if promptEnabled && msg.String() == "enter" {
			line := a.promptInput.Value()

			// A trailing backslash continues the line instead of submitting.
			if strings.HasSuffix(line, "\\") {
				a.continuation += strings.TrimSuffix(line, "\\") + "\n"
				a.promptInput.SetValue("")
				return a, nil
			}

			value := a.continuation + line
			a.continuation = ""
			if value == "" || a.processing {
				return a, nil
			}

			a.promptInput.SetValue("")
			a.commandHistory = append(a.commandHistory, value)
			a.historyIdx = -1
			a.processing = true

			updated, cmd := a.Scaffold.Update(PromptSubmitMsg{Value: value})
			a.Scaffold = updated.(*Scaffold)
			return a, cmd
		}
	}

	// Update prompt input only if enabled.
	if promptEnabled {
		var cmd tea.Cmd
		a.promptInput, cmd = a.promptInput.Update(msg)
		cmds = append(cmds, cmd)
	}

	updated, scaffoldCmd := a.Scaffold.Update(msg)
	a.Scaffold = updated.(*Scaffold)
	cmds = append(cmds, scaffoldCmd)

	return a, tea.Batch(cmds...)
}

// handleCtrlC implements the double-press-within-500ms exit: the first
// press arms a window and shows a hint, a second press inside that window
// exits cleanly, and letting the window lapse disarms it.
func (a *App) handleCtrlC() (tea.Model, tea.Cmd) {
	now := time.Now()
	if a.ctrlCArmed && now.Sub(a.ctrlCAt) < ctrlCExitWindow {
		return a, tea.Quit
	}
	a.ctrlCArmed = true
	a.ctrlCAt = now
	a.ctrlCHint = "Press Ctrl-C again to exit"
	armedAt := now
	return a, tea.Tick(ctrlCHintDuration, func(time.Time) tea.Msg {
		return ctrlCHintExpiredMsg{armedAt: armedAt}
	})
}

// isPromptEnabled returns whether the prompt should be shown for the
// current page.
func (a *App) isPromptEnabled() bool {
	return true
}

func (a *App) View() string {
	scaffoldView := a.Scaffold.View()
	if !a.isPromptEnabled() {
		return scaffoldView
	}
	line := scaffoldView + "\n" + a.promptGlyph + " " + a.promptInput.View()
	if a.ctrlCArmed {
		line += "  " + a.ctrlCHint
	}
	return line
}
