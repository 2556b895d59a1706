package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mmynk/splitledger/internal/models"
	"github.com/mmynk/splitledger/internal/payload"
)

const sqlExpenseCols = `SELECT id, group_id, description, amount, payer_id, date, created_at, updated_at FROM expenses `

// GetExpense retrieves an expense and its splits.
func (s *SQLiteStore) GetExpense(ctx context.Context, expenseID string) (*payload.ExpenseSnapshot, error) {
	var snap *payload.ExpenseSnapshot

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		snap, err = getExpense(ctx, tx, expenseID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// ListExpensesByGroup retrieves all expenses for a group, newest first.
func (s *SQLiteStore) ListExpensesByGroup(ctx context.Context, groupID string) ([]payload.ExpenseSnapshot, error) {
	var result []payload.ExpenseSnapshot

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		expenses, err := listExpenses(ctx, tx, `WHERE group_id = ? ORDER BY date DESC, id`, groupID)
		if err != nil {
			return err
		}

		splits, err := listGroupSplits(ctx, tx, groupID)
		if err != nil {
			return err
		}

		byExpense := make(map[string][]models.ExpenseSplit, len(expenses))
		for _, sp := range splits {
			byExpense[sp.ExpenseID] = append(byExpense[sp.ExpenseID], sp)
		}

		result = make([]payload.ExpenseSnapshot, 0, len(expenses))
		for _, e := range expenses {
			result = append(result, payload.ExpenseSnapshot{Expense: e, Splits: byExpense[e.ID]})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// putExpense upserts the expense row and replaces all of its splits.
func putExpense(ctx context.Context, q querier, snap payload.ExpenseSnapshot) error {
	e := snap.Expense

	_, err := q.ExecContext(ctx,
		`INSERT INTO expenses (id, group_id, description, amount, payer_id, date, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			group_id = excluded.group_id,
			description = excluded.description,
			amount = excluded.amount,
			payer_id = excluded.payer_id,
			date = excluded.date,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`,
		e.ID, e.GroupID, e.Description, moneyText(e.Amount), e.PayerID, e.Date, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert expense: %w", err)
	}

	if _, err := q.ExecContext(ctx, "DELETE FROM expense_splits WHERE expense_id = ?", e.ID); err != nil {
		return fmt.Errorf("failed to clear expense splits: %w", err)
	}

	for _, sp := range snap.Splits {
		_, err := q.ExecContext(ctx,
			"INSERT INTO expense_splits (expense_id, user_id, amount) VALUES (?, ?, ?)",
			e.ID, sp.UserID, moneyText(sp.Amount),
		)
		if err != nil {
			return fmt.Errorf("failed to insert expense split: %w", err)
		}
	}

	return nil
}

// deleteExpense removes an expense; splits go with it via ON DELETE CASCADE.
func deleteExpense(ctx context.Context, q querier, expenseID string) error {
	if _, err := q.ExecContext(ctx, "DELETE FROM expenses WHERE id = ?", expenseID); err != nil {
		return fmt.Errorf("failed to delete expense: %w", err)
	}
	return nil
}

func getExpense(ctx context.Context, q querier, expenseID string) (*payload.ExpenseSnapshot, error) {
	var e models.Expense

	err := q.QueryRowContext(ctx, sqlExpenseCols+`WHERE id = ?`, expenseID).
		Scan(&e.ID, &e.GroupID, &e.Description, &e.Amount, &e.PayerID, &e.Date, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "expense", expenseID)
	}

	rows, err := q.QueryContext(ctx,
		"SELECT expense_id, user_id, amount FROM expense_splits WHERE expense_id = ? ORDER BY user_id",
		expenseID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get expense splits: %w", err)
	}

	splits, err := scanSplits(rows)
	if err != nil {
		return nil, err
	}

	return &payload.ExpenseSnapshot{Expense: e, Splits: splits}, nil
}

func listExpenses(ctx context.Context, q querier, whereClause string, args ...any) ([]models.Expense, error) {
	rows, err := q.QueryContext(ctx, sqlExpenseCols+whereClause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list expenses: %w", err)
	}
	defer rows.Close()

	var expenses []models.Expense
	for rows.Next() {
		var e models.Expense
		if err := rows.Scan(&e.ID, &e.GroupID, &e.Description, &e.Amount, &e.PayerID,
			&e.Date, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan expense: %w", err)
		}
		expenses = append(expenses, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate expenses: %w", err)
	}
	return expenses, nil
}

func listGroupSplits(ctx context.Context, q querier, groupID string) ([]models.ExpenseSplit, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT s.expense_id, s.user_id, s.amount
		 FROM expense_splits s JOIN expenses e ON e.id = s.expense_id
		 WHERE e.group_id = ? ORDER BY s.expense_id, s.user_id`,
		groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list expense splits: %w", err)
	}
	return scanSplits(rows)
}

// scanSplits drains and closes rows.
func scanSplits(rows *sql.Rows) ([]models.ExpenseSplit, error) {
	defer rows.Close()

	var splits []models.ExpenseSplit
	for rows.Next() {
		var sp models.ExpenseSplit
		if err := rows.Scan(&sp.ExpenseID, &sp.UserID, &sp.Amount); err != nil {
			return nil, fmt.Errorf("failed to scan expense split: %w", err)
		}
		splits = append(splits, sp)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate expense splits: %w", err)
	}
	return splits, nil
}
