package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/harunnryd/stepunlock/internal/engine"
	"github.com/harunnryd/stepunlock/internal/ledger"

	"github.com/spf13/cobra"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the credit ledger",
	Long:  `Read the credit ledger of a workspace directly from its store. Stop the daemon first.`,
}

var ledgerBalanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Print the current credit balance",
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeWithEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			balance, err := e.Balance(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), balance)
			return nil
		})
	},
}

var ledgerHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent transactions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		reason, _ := cmd.Flags().GetString("reason")

		return executeWithEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			txs, err := e.Transactions(ctx, ledger.Filter{Reason: reason}, 0, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTIME\tDELTA\tREASON\tHABIT\tAPP")
			for _, tx := range txs {
				fmt.Fprintf(w, "%d\t%s\t%+d\t%s\t%s\t%s\n", tx.ID, tx.Timestamp.Local().Format(time.RFC3339), tx.Delta, tx.Reason, tx.HabitID, tx.AppID)
			}
			return w.Flush()
		})
	},
}

var ledgerPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Drop transactions and ended sessions older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		if olderThan <= 0 {
			return fmt.Errorf("--older-than must be positive")
		}

		return executeWithEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			report, err := e.Purge(ctx, time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d transactions, %d sessions\n", report.Transactions, report.Sessions)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerBalanceCmd)
	ledgerCmd.AddCommand(ledgerHistoryCmd)
	ledgerCmd.AddCommand(ledgerPurgeCmd)

	ledgerHistoryCmd.Flags().Int("limit", 20, "number of transactions to show")
	ledgerHistoryCmd.Flags().String("reason", "", "only show this reason, e.g. welcome_bonus or habit:steps")
	ledgerPurgeCmd.Flags().Duration("older-than", 90*24*time.Hour, "retention window")
}
