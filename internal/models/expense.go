package models

import "github.com/shopspring/decimal"

// Expense represents an amount paid by one member for the group.
// How the amount is shared is described by its ExpenseSplit rows.
type Expense struct {
	// ID is the unique identifier for the expense (UUID format).
	ID string `json:"id"`

	// GroupID is the group this expense belongs to.
	GroupID string `json:"group_id"`

	// Description is a human-readable label (e.g., "Groceries").
	Description string `json:"description,omitempty"`

	// Amount is the total paid.
	Amount decimal.Decimal `json:"amount"`

	// PayerID is the user who paid the full amount.
	PayerID string `json:"payer_id"`

	// Date is the Unix timestamp of the expense.
	Date int64 `json:"date"`

	// CreatedAt and UpdatedAt are Unix timestamps maintained locally.
	CreatedAt int64 `json:"created_at,omitempty"`
	UpdatedAt int64 `json:"updated_at,omitempty"`
}

// ExpenseSplit is one user's share of an expense.
// (ExpenseID, UserID) is unique.
type ExpenseSplit struct {
	ExpenseID string          `json:"expense_id"`
	UserID    string          `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`
}
