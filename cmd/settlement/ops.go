package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/settlement/pkg/session"
	"github.com/codelaboratoryltd/settlement/pkg/settlement"
	"github.com/codelaboratoryltd/settlement/pkg/state"
)

var (
	disconnectPullout bool
	disconnectGroup   string
	reconnectForce    bool
	renamePassword    string
)

func init() {
	disconnectCmd.Flags().BoolVar(&disconnectPullout, "pullout", false,
		"Move the user into the pull-out group instead of the disconnect group")
	disconnectCmd.Flags().StringVar(&disconnectGroup, "group", "",
		"Explicit AAA group; overrides the policy")
	reconnectCmd.Flags().BoolVar(&reconnectForce, "force", false,
		"Skip the eligibility gate and reconnect unconditionally")
	renameCmd.Flags().StringVar(&renamePassword, "password", "",
		"New password to set alongside the username")

	rootCmd.AddCommand(settleCmd, syncCmd, sweepCmd, disconnectCmd, reconnectCmd, renameCmd, migrateCmd)
}

var settleCmd = &cobra.Command{
	Use:   "settle",
	Short: "Drain one settlement batch",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			ctx, cancel := signalContext()
			defer cancel()

			report, err := a.worker.RunOnce(ctx)
			if err != nil {
				return err
			}
			printRunReport(cmd.OutOrStdout(), report)
			return nil
		})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one access status synchronization pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			ctx, cancel := signalContext()
			defer cancel()

			report, err := a.sync.Pass(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "accounts=%d inserted=%d rows=%d failed=%d duration=%s\n",
				report.Accounts, report.Inserted, report.Rows, report.Failed, report.Duration)
			for status, n := range report.ByStatus {
				fmt.Fprintf(out, "  %-10s %d\n", status, n)
			}
			return nil
		})
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Re-queue retryable payments and reclaim stale ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			ctx, cancel := signalContext()
			defer cancel()

			report, err := a.worker.RunSweep(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued=%d reclaimed=%d\n", report.Requeued, report.Reclaimed)
			return nil
		})
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect <account_no>",
	Short: "Cut off an account's access",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			ctx, cancel := signalContext()
			defer cancel()

			acct, err := a.store.GetAccount(ctx, args[0])
			if err != nil {
				return err
			}
			result, err := a.controller.Disconnect(ctx, session.DisconnectRequest{
				AccountNo: acct.AccountNo,
				Username:  acct.Username,
				Pullout:   disconnectPullout,
				Group:     disconnectGroup,
			})
			if err != nil {
				return err
			}
			printSessionResult(cmd.OutOrStdout(), result)
			return result.RemoteErr
		})
	},
}

var reconnectCmd = &cobra.Command{
	Use:   "reconnect <account_no>",
	Short: "Restore an account's access if it is eligible",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			ctx, cancel := signalContext()
			defer cancel()

			if reconnectForce {
				acct, err := a.store.GetAccount(ctx, args[0])
				if err != nil {
					return err
				}
				result, err := a.controller.Reconnect(ctx, session.ReconnectRequest{
					AccountNo: acct.AccountNo,
					Username:  acct.Username,
					Plan:      acct.Plan,
				})
				if err != nil {
					return err
				}
				printSessionResult(cmd.OutOrStdout(), result)
				return result.RemoteErr
			}

			outcome, err := a.decider.Reconnect(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "eligible=%t reason=%s notified=%t\n",
				outcome.Eligible, outcome.Reason, outcome.Notified)
			if outcome.Session != nil {
				printSessionResult(cmd.OutOrStdout(), outcome.Session)
				return outcome.Session.RemoteErr
			}
			return nil
		})
	},
}

var renameCmd = &cobra.Command{
	Use:   "rename <account_no> <new_username>",
	Short: "Change an account's AAA username",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			ctx, cancel := signalContext()
			defer cancel()

			acct, err := a.store.GetAccount(ctx, args[0])
			if err != nil {
				return err
			}
			result, err := a.controller.UpdateCredentials(ctx, session.CredentialsRequest{
				AccountNo:   acct.AccountNo,
				OldUsername: acct.Username,
				NewUsername: args[1],
				Password:    renamePassword,
			})
			if err != nil {
				return err
			}
			printSessionResult(cmd.OutOrStdout(), result)
			return result.RemoteErr
		})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadSettings()
		if err != nil {
			return err
		}
		defer logger.Sync()

		store, err := state.OpenSQLite(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer store.Close()

		stats := store.Stats()
		logger.Info("Database schema ready",
			zap.String("path", cfg.Database.Path),
			zap.Int("accounts", stats.Accounts),
			zap.Int("payments", stats.Payments),
		)
		return nil
	},
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func isNotFound(err error) bool {
	return errors.Is(err, state.ErrNotFound)
}

func printRunReport(w io.Writer, r *settlement.RunReport) {
	fmt.Fprintf(w, "owner=%s selected=%d paid=%d failed=%d retried=%d skipped=%d duration=%s\n",
		r.Owner, r.Selected, r.Paid, r.Failed, r.Retried, r.Skipped, r.Duration)
	if r.Sweep != nil && (r.Sweep.Requeued > 0 || r.Sweep.Reclaimed > 0) {
		fmt.Fprintf(w, "sweep requeued=%d reclaimed=%d\n", r.Sweep.Requeued, r.Sweep.Reclaimed)
	}
	for _, res := range r.Results {
		fmt.Fprintf(w, "  %-6d %-20s %-12s %-8s %s\n",
			res.PaymentID, res.ReferenceNo, res.AccountNo, res.Outcome, res.Reason)
	}
}

func printSessionResult(w io.Writer, r *session.Result) {
	fmt.Fprintf(w, "action=%s user=%s group=%s previous=%s outcome=%s\n",
		r.Action, r.Username, r.TargetGroup, r.PreviousGroup, r.Outcome())
	if r.Killed {
		fmt.Fprintf(w, "session %s killed via %s\n", r.SessionID, r.KilledVia)
	}
	fmt.Fprintf(w, "local status=%s updated=%t\n", r.LocalStatus, r.LocalUpdated)
	if len(r.FailedEndpoints) > 0 {
		fmt.Fprintf(w, "failed endpoints: %v\n", r.FailedEndpoints)
	}
}
