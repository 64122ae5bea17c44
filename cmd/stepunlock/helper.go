package main

import (
	"context"
	"fmt"

	"github.com/harunnryd/stepunlock/internal/daemon/components"
	"github.com/harunnryd/stepunlock/internal/engine"

	"github.com/spf13/cobra"
)

// executeWithEngine opens the workspace store without the daemon and runs fn
// against a bootstrapped engine. It fails while a daemon holds the workspace.
func executeWithEngine(cmd *cobra.Command, fn func(ctx context.Context, e *engine.Engine) error) error {
	if cfg == nil {
		return fmt.Errorf("config not loaded")
	}
	workspaceID := resolveWorkspaceID(cmd)

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	storeComp := components.NewStoreComponent(workspaceID, cfg.Daemon.WorkspacePath, &cfg.Store)
	if err := storeComp.Init(ctx); err != nil {
		return err
	}
	defer storeComp.Stop(context.Background())
	if err := storeComp.Start(ctx); err != nil {
		return err
	}

	engineComp := components.NewEngineComponent(cfg, storeComp, nil)
	if err := engineComp.Init(ctx); err != nil {
		return err
	}
	if err := engineComp.Start(ctx); err != nil {
		return err
	}
	defer engineComp.Stop(context.Background())

	return fn(ctx, engineComp.Engine())
}
