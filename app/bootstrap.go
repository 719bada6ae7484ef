package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fabiotheo/mcp-terminal/config"
	"github.com/fabiotheo/mcp-terminal/core"
	"github.com/fabiotheo/mcp-terminal/persistence"
	"github.com/fabiotheo/mcp-terminal/providers/anthropic"
	"github.com/fabiotheo/mcp-terminal/tools"
	"github.com/fabiotheo/mcp-terminal/ui"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
)

// Bootstrap wires every dependency of one mcp-terminal run and returns a
// ready-to-start Application. Each phase is a separate function for
// testability; the sequence itself is the eight-phase startup contract.
func Bootstrap(ctx context.Context) (*Application, error) {
	// 1. Terminal setup. Bracketed paste is negotiated by bubbletea itself
	// once the program starts (tea.Program enables it automatically on a
	// real TTY), so there is no separate phase-1 action to take here.

	// 2. Load configuration.
	cfg, warnings, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("preparing config directory: %w", err)
	}
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "mcp-terminal: warning: %s\n", w)
	}

	// 3. Instantiate the LLM client.
	llmProvider, err := setupProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing provider: %w", err)
	}

	// 4. Build the bash-tool executor and the orchestrator, tool-enabled iff
	// the config asks for native tools or the bash tool explicitly.
	local, err := persistence.OpenLocal(cfg.LocalCachePath())
	if err != nil {
		return nil, fmt.Errorf("opening local cache: %w", err)
	}
	if result, err := local.Prune(ctx, persistence.DefaultRetentionOptions()); err != nil {
		fmt.Fprintf(os.Stderr, "mcp-terminal: warning: local cache pruning failed: %v\n", err)
	} else if len(result.Errors) > 0 {
		for _, e := range result.Errors {
			fmt.Fprintf(os.Stderr, "mcp-terminal: warning: pruning: %s\n", e)
		}
	}

	sessionID := uuid.New().String()
	auditDir := filepath.Join(cfg.ConfigDir, "audit")
	auditLogger, err := tools.NewAuditLogger(sessionID, auditDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcp-terminal: warning: audit logger init failed: %v\n", err)
		auditLogger = nil
	}
	var auditFn func(command, output string, isError bool)
	if auditLogger != nil {
		auditFn = auditLogger.Record
	}

	overridesPath := filepath.Join(cfg.ConfigDir, "overrides.json")
	overrides, err := tools.NewOverrideStore(overridesPath)
	if err != nil {
		return nil, fmt.Errorf("loading command overrides: %w", err)
	}

	machineID, hostname, osInfo := machineIdentity()
	executor := tools.NewExecutor(machineID, local, overrides, auditFn)

	toolsEnabled := cfg.UseNativeTools || cfg.EnableBashTool
	systemPrompt := "You are a terminal assistant. Use the bash tool to inspect and act on the user's system; answer directly when no command is needed."

	scaffold := ui.NewScaffold()
	notifier := scaffold.GetNotifier()
	adapter := &coreNotifierAdapter{ui: notifier}
	sink := adapter.Send

	orchestrator := core.NewOrchestrator(llmProvider, executor, cfg.ClaudeModel, systemPrompt, toolsEnabled, sink)

	// 5. Instantiate persistence and resolve username -> userId. A configured
	// Turso/remote DSN makes the session online; resolution failure there is
	// fatal (fail fast on an unknown user). No DSN, or a remote that cannot be
	// reached, means offline mode: a warning is logged and every turn is
	// cached locally only.
	var remote *persistence.Remote
	var userID *string
	if cfg.TursoURL != "" {
		remote, err = persistence.OpenRemote(ctx, cfg.TursoURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mcp-terminal: warning: remote store unavailable, continuing offline: %v\n", err)
			remote = nil
		}
		if remote != nil && cfg.User != "" {
			id, err := remote.ResolveUser(ctx, cfg.User)
			if err != nil {
				return nil, fmt.Errorf("resolving user %q: %w", cfg.User, err)
			}
			userID = &id
		}
	}

	// 6. Register/refresh this machine's row.
	if remote != nil {
		if err := remote.RegisterMachine(ctx, machineID, hostname, "", osInfo); err != nil {
			fmt.Fprintf(os.Stderr, "mcp-terminal: warning: machine registration failed: %v\n", err)
		}
	}

	// 7. Open the session row and start the background syncer.
	if remote != nil {
		if err := remote.OpenSession(ctx, sessionID, machineID, userID); err != nil {
			fmt.Fprintf(os.Stderr, "mcp-terminal: warning: session registration failed: %v\n", err)
		}
	}
	syncer := persistence.NewSyncer(local, remote)
	syncer.Start(ctx)

	history := core.NewHistory(local, llmProvider, cfg.ClaudeModel, userID, machineID)

	session := NewSession(SessionConfig{
		SessionID:    sessionID,
		UserID:       userID,
		MachineID:    machineID,
		Model:        cfg.ClaudeModel,
		System:       systemPrompt,
		LLM:          llmProvider,
		Orchestrator: orchestrator,
		History:      history,
		Tracker:      core.NewRequestTracker(),
		Local:        local,
		Remote:       remote,
		Syncer:       syncer,
		Emit:         sink,
	})

	// 8. Wire the UI and report status=ready.
	ui.ConfigureDefaultScaffold(scaffold, cfg.ClaudeModel)
	ui.AddDefaultPages(scaffold, session)

	program := setupProgram(scaffold, notifier, session)
	sink(core.StatusEvent{
		SessionID: sessionID,
		Online:    remote != nil,
		ModelID:   cfg.ClaudeModel,
	})

	return &Application{
		Config:  cfg,
		Session: session,
		Local:   local,
		Remote:  remote,
		Syncer:  syncer,
		Program: program,
	}, nil
}

// setupProvider instantiates the configured LLM client. Anthropic is the
// only provider this core wires up; cfg.AIProvider is reserved for future
// providers the config format anticipates.
func setupProvider(cfg config.Config) (*anthropic.Provider, error) {
	return anthropic.New(anthropic.Config{
		APIKey:       cfg.AnthropicAPIKey,
		DefaultModel: cfg.ClaudeModel,
	})
}

// setupProgram creates the Bubble Tea program. No alternate screen: output
// stays in the primary buffer so it persists in the terminal's own
// scrollback, matching a CLI assistant's expected behavior.
func setupProgram(scaffold *ui.Scaffold, notifier *ui.Notifier, session *Session) *tea.Program {
	app := ui.NewApp(scaffold, ui.AppConfig{
		Placeholder:        "Ask me to do something...",
		CompletionProvider: session,
	})
	program := tea.NewProgram(app, tea.WithMouseCellMotion())
	notifier.SetProgram(program)
	return program
}
