package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/mmynk/splitledger/internal/calculator"
	"github.com/mmynk/splitledger/internal/models"
	"github.com/mmynk/splitledger/internal/service"
)

func newBalancesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balances <group-id>",
		Short: "Show what each member paid, owes and is owed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				summaries, err := a.ledger.MemberSummaries(ctx, args[0])
				if err != nil {
					return err
				}

				if flagJSON {
					return printJSON(cmd.OutOrStdout(), summaries)
				}

				rows := make([][]string, len(summaries))
				for i, s := range summaries {
					rows[i] = []string{
						s.UserID,
						models.FormatMoney(s.Paid),
						models.FormatMoney(s.Owed),
						formatSigned(s.Net),
					}
				}
				printTable(cmd.OutOrStdout(), []string{"MEMBER", "PAID", "OWED", "NET"}, rows)
				return nil
			})
		},
	}
}

func newSettleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settle <group-id>",
		Short: "Suggest transfers that settle a group",
		Long: `Suggest transfers that bring every balance in the group to zero.

Modes:
  minimize      the fewest transfers (default)
  proportional  each debtor pays every creditor in proportion to what they are owed`,
		Args: cobra.ExactArgs(1),
		RunE: runSettle,
	}

	cmd.Flags().String("mode", "minimize", "minimize or proportional")
	return cmd
}

func runSettle(cmd *cobra.Command, args []string) error {
	modeFlag, err := cmd.Flags().GetString("mode")
	if err != nil {
		return err
	}
	mode, err := calculator.ParseMode(modeFlag)
	if err != nil {
		return err
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		suggestions, err := a.ledger.SuggestSettlements(ctx, args[0], mode)
		if err != nil {
			return err
		}

		if flagJSON {
			return printJSON(cmd.OutOrStdout(), suggestions)
		}

		w := cmd.OutOrStdout()
		if len(suggestions) == 0 {
			fmt.Fprintln(w, "All settled up.")
			return nil
		}

		rows := make([][]string, len(suggestions))
		for i, s := range suggestions {
			rows[i] = []string{s.FromUserID, s.ToUserID, models.FormatMoney(s.Amount)}
		}
		printTable(w, []string{"FROM", "TO", "AMOUNT"}, rows)
		return nil
	})
}

func newGroupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Manage groups",
	}

	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			members, err := cmd.Flags().GetStringSlice("member")
			if err != nil {
				return err
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				g, err := a.ledger.CreateGroup(ctx, args[0], members)
				if err != nil {
					return err
				}
				if flagJSON {
					return printJSON(cmd.OutOrStdout(), g)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created group %s (%s)\n", g.Name, g.ID)
				return nil
			})
		},
	}
	create.Flags().StringSlice("member", nil, "member user ID (repeatable)")
	_ = create.MarkFlagRequired("member")

	list := &cobra.Command{
		Use:   "list",
		Short: "List groups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				groups, err := a.ledger.ListGroups(ctx)
				if err != nil {
					return err
				}
				if flagJSON {
					return printJSON(cmd.OutOrStdout(), groups)
				}

				rows := make([][]string, len(groups))
				for i, g := range groups {
					rows[i] = []string{g.ID, g.Name, strings.Join(g.Members, ",")}
				}
				printTable(cmd.OutOrStdout(), []string{"ID", "NAME", "MEMBERS"}, rows)
				return nil
			})
		},
	}

	rename := &cobra.Command{
		Use:   "rename <group-id> <name>",
		Short: "Rename a group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				g, err := a.ledger.RenameGroup(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Renamed group %s to %s\n", g.ID, g.Name)
				return nil
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <group-id>",
		Short: "Delete a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.ledger.DeleteGroup(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted group %s\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(create, list, rename, del)
	return cmd
}

func newExpenseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expense",
		Short: "Manage expenses",
	}

	add := &cobra.Command{
		Use:   "add",
		Short: "Add an expense",
		Long: `Add an expense to a group and queue it for sync.

Split methods:
  equal     --with alice --with bob
  exact     --share alice=12.50 --share bob=7.50
  itemized  --item "pizza:24.00:alice,bob" --item "wine:18.00:bob" --subtotal 42.00
            (tax and tip are the difference between --amount and --subtotal)`,
		Args: cobra.NoArgs,
		RunE: runExpenseAdd,
	}
	addExpenseFlags(add)
	_ = add.MarkFlagRequired("group")
	_ = add.MarkFlagRequired("amount")
	_ = add.MarkFlagRequired("payer")

	edit := &cobra.Command{
		Use:   "edit <expense-id>",
		Short: "Replace an expense with new values",
		Args:  cobra.ExactArgs(1),
		RunE:  runExpenseEdit,
	}
	addExpenseFlags(edit)
	_ = edit.MarkFlagRequired("group")
	_ = edit.MarkFlagRequired("amount")
	_ = edit.MarkFlagRequired("payer")

	list := &cobra.Command{
		Use:   "list <group-id>",
		Short: "List the expenses of a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				expenses, err := a.ledger.ListExpenses(ctx, args[0])
				if err != nil {
					return err
				}
				if flagJSON {
					return printJSON(cmd.OutOrStdout(), expenses)
				}

				rows := make([][]string, len(expenses))
				for i, e := range expenses {
					rows[i] = []string{
						e.Expense.ID,
						time.Unix(e.Expense.Date, 0).UTC().Format(time.DateOnly),
						e.Expense.PayerID,
						models.FormatMoney(e.Expense.Amount),
						e.Expense.Description,
					}
				}
				printTable(cmd.OutOrStdout(), []string{"ID", "DATE", "PAYER", "AMOUNT", "DESCRIPTION"}, rows)
				return nil
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <expense-id>",
		Short: "Delete an expense",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.ledger.DeleteExpense(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted expense %s\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(add, edit, list, del)
	return cmd
}

func addExpenseFlags(cmd *cobra.Command) {
	cmd.Flags().String("group", "", "group ID")
	cmd.Flags().String("amount", "", "total amount including tax and tip")
	cmd.Flags().String("payer", "", "user ID of the payer")
	cmd.Flags().String("desc", "", "description")
	cmd.Flags().String("date", "", "date as YYYY-MM-DD (default today)")
	cmd.Flags().String("split", string(service.SplitEqual), "equal, exact or itemized")
	cmd.Flags().StringSlice("with", nil, "participant for an equal split (repeatable)")
	cmd.Flags().StringArray("share", nil, "user=amount for an exact split (repeatable)")
	cmd.Flags().StringArray("item", nil, "description:amount:user1,user2 for an itemized split (repeatable)")
	cmd.Flags().String("subtotal", "", "sum of items before tax and tip")
}

func runExpenseAdd(cmd *cobra.Command, _ []string) error {
	in, err := expenseInputFromFlags(cmd)
	if err != nil {
		return err
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		snap, err := a.ledger.AddExpense(ctx, in)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), snap)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Added expense %s (%s)\n",
			snap.Expense.ID, models.FormatMoney(snap.Expense.Amount))
		return nil
	})
}

func runExpenseEdit(cmd *cobra.Command, args []string) error {
	in, err := expenseInputFromFlags(cmd)
	if err != nil {
		return err
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		snap, err := a.ledger.EditExpense(ctx, args[0], in)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), snap)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Updated expense %s\n", snap.Expense.ID)
		return nil
	})
}

// expenseInputFromFlags reads the add/edit flags into an ExpenseInput.
func expenseInputFromFlags(cmd *cobra.Command) (service.ExpenseInput, error) {
	flags := cmd.Flags()
	var in service.ExpenseInput

	in.GroupID, _ = flags.GetString("group")
	in.PayerID, _ = flags.GetString("payer")
	in.Description, _ = flags.GetString("desc")

	amount, _ := flags.GetString("amount")
	var err error
	if in.Amount, err = models.ParseMoney(amount); err != nil {
		return in, fmt.Errorf("--amount: %w", err)
	}

	date, _ := flags.GetString("date")
	if in.Date, err = parseDate(date); err != nil {
		return in, err
	}

	method, _ := flags.GetString("split")
	in.Method = service.SplitMethod(strings.ToLower(method))

	switch in.Method {
	case service.SplitEqual:
		in.Participants, _ = flags.GetStringSlice("with")
	case service.SplitExact:
		shares, _ := flags.GetStringArray("share")
		if in.Shares, err = parseShares(shares); err != nil {
			return in, err
		}
	case service.SplitItemized:
		items, _ := flags.GetStringArray("item")
		if in.Items, err = parseItems(items); err != nil {
			return in, err
		}
		subtotal, _ := flags.GetString("subtotal")
		if subtotal == "" {
			for _, item := range in.Items {
				in.Subtotal = in.Subtotal.Add(item.Amount)
			}
		} else if in.Subtotal, err = models.ParseMoney(subtotal); err != nil {
			return in, fmt.Errorf("--subtotal: %w", err)
		}
	default:
		return in, fmt.Errorf("unknown split method %q", method)
	}

	return in, nil
}

// parseShares parses user=amount pairs.
func parseShares(values []string) (map[string]decimal.Decimal, error) {
	shares := make(map[string]decimal.Decimal, len(values))
	for _, v := range values {
		user, amount, ok := strings.Cut(v, "=")
		if !ok || strings.TrimSpace(user) == "" {
			return nil, fmt.Errorf("invalid --share %q: expected user=amount", v)
		}
		d, err := models.ParseMoney(amount)
		if err != nil {
			return nil, fmt.Errorf("invalid --share %q: %w", v, err)
		}
		user = strings.TrimSpace(user)
		if _, dup := shares[user]; dup {
			return nil, fmt.Errorf("duplicate --share for %s", user)
		}
		shares[user] = d
	}
	return shares, nil
}

// parseItems parses description:amount:user1,user2 triples. The description
// may not contain a colon.
func parseItems(values []string) ([]calculator.Item, error) {
	items := make([]calculator.Item, 0, len(values))
	for _, v := range values {
		parts := strings.SplitN(v, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid --item %q: expected description:amount:users", v)
		}
		amount, err := models.ParseMoney(parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid --item %q: %w", v, err)
		}

		var assigned []string
		for _, u := range strings.Split(parts[2], ",") {
			if u = strings.TrimSpace(u); u != "" {
				assigned = append(assigned, u)
			}
		}

		items = append(items, calculator.Item{
			Description: strings.TrimSpace(parts[0]),
			Amount:      amount,
			AssignedTo:  assigned,
		})
	}
	return items, nil
}

// parseDate converts YYYY-MM-DD to unix seconds at UTC midnight. An empty
// string returns zero, which the service reads as now.
func parseDate(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return 0, fmt.Errorf("invalid --date %q: expected YYYY-MM-DD", s)
	}
	return t.Unix(), nil
}

func newSettlementCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settlement",
		Short: "Record payments between members",
	}

	record := &cobra.Command{
		Use:   "record",
		Short: "Record a payment from one member to another",
		Args:  cobra.NoArgs,
		RunE:  runSettlementRecord,
	}
	record.Flags().String("group", "", "group ID")
	record.Flags().String("from", "", "user ID of the member who paid")
	record.Flags().String("to", "", "user ID of the member who was paid")
	record.Flags().String("amount", "", "amount paid")
	record.Flags().String("date", "", "date as YYYY-MM-DD (default today)")
	record.Flags().String("note", "", "free-form note")
	for _, name := range []string{"group", "from", "to", "amount"} {
		_ = record.MarkFlagRequired(name)
	}

	del := &cobra.Command{
		Use:   "delete <settlement-id>",
		Short: "Delete a recorded payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.ledger.DeleteSettlement(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted settlement %s\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(record, del)
	return cmd
}

func runSettlementRecord(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	var in service.SettlementInput
	in.GroupID, _ = flags.GetString("group")
	in.FromUserID, _ = flags.GetString("from")
	in.ToUserID, _ = flags.GetString("to")
	in.Note, _ = flags.GetString("note")

	amount, _ := flags.GetString("amount")
	var err error
	if in.Amount, err = models.ParseMoney(amount); err != nil {
		return fmt.Errorf("--amount: %w", err)
	}
	date, _ := flags.GetString("date")
	if in.Date, err = parseDate(date); err != nil {
		return err
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		st, err := a.ledger.RecordSettlement(ctx, in)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), st)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Recorded %s paying %s %s (%s)\n",
			st.FromUserID, st.ToUserID, models.FormatMoney(st.Amount), st.ID)
		return nil
	})
}
