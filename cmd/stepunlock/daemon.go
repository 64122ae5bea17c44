package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/harunnryd/stepunlock/internal/daemon"
	"github.com/harunnryd/stepunlock/internal/daemon/components"
	"github.com/harunnryd/stepunlock/internal/metrics"

	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the economy engine as a long-running service",
	Long:  `Starts the store, engine, scheduler and loopback HTTP ingress with component lifecycle orchestration.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		workspaceID := resolveWorkspaceID(cmd)
		forceClean, _ := cmd.Flags().GetBool("force-clean-locks")

		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}

		daemonMgr, err := daemon.NewDaemon(workspaceID, cfg)
		if err != nil {
			return fmt.Errorf("failed to create daemon manager: %w", err)
		}
		daemonMgr.SetForceCleanup(forceClean)

		collector := metrics.NewCollector(metrics.DefaultNamespace)
		storeComp := components.NewStoreComponent(workspaceID, cfg.Daemon.WorkspacePath, &cfg.Store)
		engineComp := components.NewEngineComponent(cfg, storeComp, collector)
		schedulerComp := components.NewSchedulerComponent(cfg, engineComp, collector, workspaceID)
		httpComp := components.NewHTTPServerComponent(daemonMgr, &cfg.Server, engineComp, collector)

		daemonMgr.AddComponent(storeComp)
		daemonMgr.AddComponent(engineComp)
		daemonMgr.AddComponent(schedulerComp)
		daemonMgr.AddComponent(httpComp)

		slog.Info("Daemon starting up...", "host", cfg.Server.Host, "port", cfg.Server.Port, "workspace", workspaceID, "store", cfg.Store.Driver)
		err = daemonMgr.Start(context.Background())
		if err != nil {
			// signal or context cancellation is a graceful stop for the CLI
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				slog.Info("Daemon stopped gracefully", "workspace", workspaceID)
				return nil
			}
			return fmt.Errorf("daemon failed: %w", err)
		}

		slog.Info("Daemon stopped gracefully", "workspace", workspaceID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.Flags().Int("server.port", 0, "server port (default 7420)")
	daemonCmd.Flags().String("store.driver", "", "store backend: file or sqlite")
	daemonCmd.Flags().Bool("force-clean-locks", false, "Force cleanup of stale lock files (default: warn-only)")
}
