package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mmynk/splitledger/internal/oplog"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the sync state of the local ledger",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
}

type statusOutput struct {
	State        oplog.State `json:"state"`
	Pending      int         `json:"pending"`
	Failed       int         `json:"failed"`
	AuthFailed   int         `json:"auth_failed"`
	OldestMillis int64       `json:"oldest_pending_age_ms"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		h, err := a.sync.Health(ctx)
		if err != nil {
			return err
		}

		out := statusOutput{
			State:        h.State(),
			Pending:      h.PendingCount,
			Failed:       h.FailedCount,
			AuthFailed:   h.AuthFailedCount,
			OldestMillis: h.OldestPendingAgeMillis,
		}
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), out)
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "State:    %s\n", out.State)
		fmt.Fprintf(w, "Pending:  %d", out.Pending)
		if out.Pending > 0 {
			fmt.Fprintf(w, " (oldest %s)", formatAge(time.Duration(out.OldestMillis)*time.Millisecond))
		}
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Failed:   %d\n", out.Failed)
		if out.AuthFailed > 0 {
			fmt.Fprintf(w, "Rejected for authentication: %d (run \"splitledger retry --auth\" after updating the token)\n",
				out.AuthFailed)
		}
		return nil
	})
}

func newFailedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "failed",
		Short: "List changes the remote rejected",
		Args:  cobra.NoArgs,
		RunE:  runFailed,
	}
}

func runFailed(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		failed, err := a.sync.Failed(ctx)
		if err != nil {
			return err
		}
		authFailed, err := a.sync.AuthFailures(ctx)
		if err != nil {
			return err
		}

		if flagJSON {
			return printJSON(cmd.OutOrStdout(), map[string][]oplog.Record{
				"failed":      failed,
				"auth_failed": authFailed,
			})
		}

		w := cmd.OutOrStdout()
		if len(failed) == 0 {
			fmt.Fprintln(w, "No failed changes.")
		} else {
			rows := make([][]string, len(failed))
			for i, rec := range failed {
				rows[i] = []string{
					strconv.FormatInt(rec.ID, 10),
					string(rec.OperationType),
					string(rec.EntityType),
					rec.EntityID,
					formatMillis(rec.Timestamp),
					string(rec.FailureKind),
					rec.FailureReason,
				}
			}
			printTable(w, []string{"ID", "OP", "ENTITY", "ENTITY ID", "QUEUED", "KIND", "REASON"}, rows)
		}

		if len(authFailed) > 0 {
			fmt.Fprintf(w, "\n%d change(s) were rejected for authentication; run \"splitledger retry --auth\".\n",
				len(authFailed))
		}
		return nil
	})
}

func newRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry [operation-id]",
		Short: "Requeue a failed change",
		Long: `Move a failed change back into the queue at its original position.

With --auth, requeue every change rejected for authentication. Use it after
updating the token.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runRetry,
	}

	cmd.Flags().Bool("auth", false, "requeue all changes rejected for authentication")
	return cmd
}

func runRetry(cmd *cobra.Command, args []string) error {
	authMode, err := cmd.Flags().GetBool("auth")
	if err != nil {
		return err
	}
	if authMode == (len(args) == 1) {
		return fmt.Errorf("specify an operation ID or --auth")
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		if authMode {
			n, err := a.sync.RecoverAuth(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d change(s)\n", n)
			return nil
		}

		id, err := parseOpID(args[0])
		if err != nil {
			return err
		}
		if err := a.sync.Retry(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Requeued change %d\n", id)
		return nil
	})
}

func newDiscardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discard <operation-id>",
		Short: "Drop a failed change",
		Long: `Delete a failed change from the queue. If the change created something
the remote never accepted, the local copy is removed too.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseOpID(args[0])
			if err != nil {
				return err
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.sync.AcknowledgeAndDelete(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Discarded change %d\n", id)
				return nil
			})
		},
	}
}

func parseOpID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid operation ID %q", s)
	}
	return id, nil
}
