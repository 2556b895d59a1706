// Package storage provides abstractions for the local durable store.
package storage

import (
	"context"
	"errors"

	"github.com/mmynk/splitledger/internal/models"
	"github.com/mmynk/splitledger/internal/oplog"
	"github.com/mmynk/splitledger/internal/payload"
)

var (
	// ErrNotFound is returned when a requested entity does not exist locally.
	ErrNotFound = errors.New("storage: not found")

	// ErrSyncInProgress is returned when an entity still has pending records
	// that the executor may be sending.
	ErrSyncInProgress = errors.New("storage: entity has changes still syncing")
)

// Ledger is a consistent snapshot of the committed entities of one group,
// read in a single transaction. It is the only input to balance and
// settlement computations.
type Ledger struct {
	Group       *models.Group
	Expenses    []models.Expense
	Splits      []models.ExpenseSplit
	Settlements []models.Settlement
}

// Store defines the local storage operations used by the services and the
// sync engine. This abstraction keeps the service layer independent of the
// SQLite backend.
type Store interface {
	// Commit applies m to the entity tables and appends its operation record
	// in one transaction. Either both are durable or neither is.
	Commit(ctx context.Context, m payload.Mutation) (*oplog.Record, error)

	// CommitAll is Commit for several mutations in one transaction. Records
	// are queued in argument order.
	CommitAll(ctx context.Context, ms ...payload.Mutation) ([]*oplog.Record, error)

	// GetExpense returns an expense with its splits.
	GetExpense(ctx context.Context, expenseID string) (*payload.ExpenseSnapshot, error)

	// ListExpensesByGroup returns the expenses of a group, newest first.
	ListExpensesByGroup(ctx context.Context, groupID string) ([]payload.ExpenseSnapshot, error)

	GetGroup(ctx context.Context, groupID string) (*models.Group, error)
	ListGroups(ctx context.Context) ([]models.Group, error)

	GetSettlement(ctx context.Context, settlementID string) (*models.Settlement, error)
	ListSettlementsByGroup(ctx context.Context, groupID string) ([]models.Settlement, error)

	// LoadLedger reads every expense, split and settlement of a group.
	LoadLedger(ctx context.Context, groupID string) (*Ledger, error)

	// KeepServerExpense replaces the local expense and its splits with the
	// remote version and drops its FAILED UPDATE records, atomically. It
	// returns ErrSyncInProgress without changing anything while the expense
	// has pending records. It returns the number of records removed.
	KeepServerExpense(ctx context.Context, remote payload.ExpenseSnapshot) (int, error)

	// DiscardOperation deletes a FAILED record. When the record is an
	// unconfirmed CREATE, the local entity and its other queued records are
	// removed in the same transaction. For a group this includes its
	// expenses and settlements and their records.
	DiscardOperation(ctx context.Context, opID int64) error

	// Ops returns the operation log sharing this store's database.
	Ops() *oplog.Log

	// Close releases any resources held by the store.
	Close() error
}
