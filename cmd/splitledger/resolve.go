package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mmynk/splitledger/internal/reconcile"
)

func newDiffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diff <expense-id>",
		Short: "Compare a conflicting expense with the remote version",
		Args:  cobra.ExactArgs(1),
		RunE:  runDiff,
	}
}

func runDiff(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		snap, err := a.sync.Diff(ctx, args[0])
		if err != nil {
			return err
		}

		if flagJSON {
			return printJSON(cmd.OutOrStdout(), snap)
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Expense %s (change %d)\n", snap.EntityID, snap.OperationID)
		for _, sec := range []reconcile.Section{
			reconcile.SectionAmounts, reconcile.SectionParticipants, reconcile.SectionMetadata,
		} {
			fmt.Fprintf(w, "\n[%s]\n", sec)
			var rows [][]string
			for _, f := range snap.Section(sec) {
				mark := ""
				if f.Differs {
					mark = "*"
				}
				rows = append(rows, []string{mark, f.Key, orDash(f.Local), orDash(f.Remote)})
			}
			printTable(w, []string{"", "FIELD", "LOCAL", "REMOTE"}, rows)
		}
		return nil
	})
}

func newResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <expense-id>",
		Short: "Resolve a conflicting expense",
		Long: `Resolve a conflict by keeping one whole version.

Strategies:
  --keep-server  Replace the local expense with the remote version and drop local edits
  --keep-local   Requeue the local edits so they overwrite the remote version`,
		Args: cobra.ExactArgs(1),
		RunE: runResolve,
	}

	cmd.Flags().Bool("keep-server", false, "keep the remote version")
	cmd.Flags().Bool("keep-local", false, "keep the local version")
	cmd.MarkFlagsMutuallyExclusive("keep-server", "keep-local")
	cmd.MarkFlagsOneRequired("keep-server", "keep-local")

	return cmd
}

func runResolve(cmd *cobra.Command, args []string) error {
	keepServer := cmd.Flags().Changed("keep-server")

	return withApp(cmd, func(ctx context.Context, a *app) error {
		if keepServer {
			if err := a.sync.ResolveKeepServer(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Kept the remote version of %s\n", args[0])
			return nil
		}

		if err := a.sync.ResolveKeepLocal(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Requeued local edits of %s; run \"splitledger sync\" to send them\n", args[0])
		return nil
	})
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
