package app

import (
	"context"
	"fmt"
	"os"

	"github.com/fabiotheo/mcp-terminal/config"
	"github.com/fabiotheo/mcp-terminal/persistence"

	tea "github.com/charmbracelet/bubbletea"
)

// Application holds every wired dependency and drives one run's lifecycle.
type Application struct {
	Config  config.Config
	Session *Session
	Local   *persistence.Local
	Remote  *persistence.Remote
	Syncer  *persistence.Syncer
	Program *tea.Program
}

// Run starts the Bubble Tea program and blocks until the user exits,
// draining in-flight work and flushing the sync queue on the way out.
func (a *Application) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	_, runErr := a.Program.Run()

	// Cancel whatever request is still in flight before tearing down
	// persistence, so no turn writes after its backing connection closes.
	a.Session.Close(ctx)
	cancel()

	if a.Syncer != nil {
		a.Syncer.ForceSync()
		a.Syncer.Wait()
	}
	if a.Local != nil {
		if err := a.Local.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "mcp-terminal: warning: local cache close failed: %v\n", err)
		}
	}
	if a.Remote != nil {
		if err := a.Remote.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "mcp-terminal: warning: remote store close failed: %v\n", err)
		}
	}

	return runErr
}
