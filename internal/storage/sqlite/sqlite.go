// Package sqlite provides a SQLite-backed implementation of the storage.Store interface.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/mmynk/splitledger/internal/models"
	"github.com/mmynk/splitledger/internal/oplog"
	"github.com/mmynk/splitledger/internal/payload"
	"github.com/mmynk/splitledger/internal/storage"
)

// Ensure SQLiteStore implements storage.Store
var _ storage.Store = (*SQLiteStore)(nil)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore implements storage.Store using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	ops     *oplog.Log
	logger  *slog.Logger
	nowFunc func() time.Time
}

// OpenDB opens the database at dbPath, creating parent directories, and runs
// migrations. Pragmas are set in the DSN so they apply to every connection.
// The pool is limited to one connection: SQLite has a single writer, and the
// entity tables and the operation log must share transactions.
func OpenDB(ctx context.Context, dbPath string, logger *slog.Logger) (*sql.DB, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", dbPath, err)
	}

	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// New creates a new SQLiteStore with the given database path.
// It creates the parent directories and runs migrations automatically.
func New(ctx context.Context, dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := OpenDB(ctx, dbPath, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("Local store opened", "db_path", dbPath)

	return &SQLiteStore{
		db:      db,
		ops:     oplog.New(db, logger),
		logger:  logger,
		nowFunc: time.Now,
	}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ops returns the operation log sharing this store's database.
func (s *SQLiteStore) Ops() *oplog.Log {
	return s.ops
}

// Commit applies m and appends its operation record in one transaction.
func (s *SQLiteStore) Commit(ctx context.Context, m payload.Mutation) (*oplog.Record, error) {
	recs, err := s.CommitAll(ctx, m)
	if err != nil {
		return nil, err
	}
	return recs[0], nil
}

// CommitAll applies every mutation and appends their records in one
// transaction, in argument order.
func (s *SQLiteStore) CommitAll(ctx context.Context, ms ...payload.Mutation) ([]*oplog.Record, error) {
	if len(ms) == 0 {
		return nil, errors.New("commit: no mutations")
	}

	stamped := make([]payload.Mutation, len(ms))
	recs := make([]*oplog.Record, len(ms))
	for i, m := range ms {
		stamped[i] = s.stamp(m)

		rec, err := payload.Record(stamped[i])
		if err != nil {
			return nil, err
		}
		recs[i] = rec
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for i, m := range stamped {
			if err := applyMutation(ctx, tx, m); err != nil {
				return fmt.Errorf("%s %s %s: %w", m.OperationType(), m.EntityType(), m.EntityID(), err)
			}
			if err := s.ops.Enqueue(ctx, tx, recs[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	return recs, nil
}

// KeepServerExpense replaces the local expense with the remote snapshot and
// drops its FAILED UPDATE records in one transaction. The pending check runs
// inside the same transaction, so a record the executor is sending can never
// be dropped from under it.
func (s *SQLiteStore) KeepServerExpense(ctx context.Context, remote payload.ExpenseSnapshot) (int, error) {
	id := remote.Expense.ID
	var removed int

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		pending, err := s.ops.CountForEntity(ctx, tx, oplog.EntityExpense, id, oplog.StatusPending)
		if err != nil {
			return err
		}
		if pending > 0 {
			return fmt.Errorf("%w: %d pending record(s)", storage.ErrSyncInProgress, pending)
		}

		if err := applyMutation(ctx, tx, payload.UpdateExpense{Snapshot: remote}); err != nil {
			return err
		}

		removed, err = s.ops.DeleteFailedForEntity(ctx, tx, oplog.EntityExpense, id, oplog.OpUpdate)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to keep server version of expense %s: %w", id, err)
	}

	s.logger.Info("Replaced local expense with server version",
		"entity_id", id,
		"records_removed", removed,
	)
	return removed, nil
}

// DiscardOperation deletes a FAILED record. Discarding an unconfirmed CREATE
// also removes the local entity, so nothing is left that exists only locally.
// A group takes its expenses and settlements with it, and their records too.
func (s *SQLiteStore) DiscardOperation(ctx context.Context, opID int64) error {
	rec, err := s.ops.Get(ctx, opID)
	if err != nil {
		return err
	}
	if rec.Status != oplog.StatusFailed {
		return fmt.Errorf("%w: discard %d: record is %s", oplog.ErrInvalidTransition, opID, rec.Status)
	}

	var cascaded int
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.ops.DeleteFailed(ctx, tx, opID); err != nil {
			return err
		}
		if rec.OperationType != oplog.OpCreate {
			return nil
		}

		if rec.EntityType == oplog.EntityGroup {
			n, err := s.discardGroupChildren(ctx, tx, rec.EntityID)
			if err != nil {
				return err
			}
			cascaded = n
		}

		if err := deleteEntity(ctx, tx, rec.EntityType, rec.EntityID); err != nil {
			return err
		}
		_, err := s.ops.DeleteForEntity(ctx, tx, rec.EntityType, rec.EntityID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to discard operation %d: %w", opID, err)
	}

	s.logger.Info("Discarded operation",
		"op_id", opID,
		"op", rec.OperationType,
		"entity", rec.EntityType,
		"entity_id", rec.EntityID,
		"child_records_removed", cascaded,
	)
	return nil
}

// discardGroupChildren removes the records of every expense and settlement
// in the group. The rows themselves go with deleteGroup.
func (s *SQLiteStore) discardGroupChildren(ctx context.Context, tx *sql.Tx, groupID string) (int, error) {
	expenseIDs, settlementIDs, err := groupChildren(ctx, tx, groupID)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range expenseIDs {
		n, err := s.ops.DeleteForEntity(ctx, tx, oplog.EntityExpense, id)
		if err != nil {
			return 0, err
		}
		removed += n
	}
	for _, id := range settlementIDs {
		n, err := s.ops.DeleteForEntity(ctx, tx, oplog.EntitySettlement, id)
		if err != nil {
			return 0, err
		}
		removed += n
	}
	return removed, nil
}

// stamp fills local bookkeeping timestamps before a mutation is persisted.
func (s *SQLiteStore) stamp(m payload.Mutation) payload.Mutation {
	now := s.nowFunc().Unix()

	switch v := m.(type) {
	case payload.CreateExpense:
		if v.Snapshot.Expense.CreatedAt == 0 {
			v.Snapshot.Expense.CreatedAt = now
		}
		v.Snapshot.Expense.UpdatedAt = now
		return v
	case payload.UpdateExpense:
		v.Snapshot.Expense.UpdatedAt = now
		if v.Snapshot.Expense.CreatedAt == 0 {
			v.Snapshot.Expense.CreatedAt = now
		}
		return v
	case payload.CreateGroup:
		if v.Group.CreatedAt == 0 {
			v.Group.CreatedAt = now
		}
		return v
	default:
		return m
	}
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// applyMutation writes m to the entity tables. Creates and updates are
// upserts that replace child rows, and deletes ignore missing rows, so
// applying the same mutation twice is a no-op.
func applyMutation(ctx context.Context, q querier, m payload.Mutation) error {
	switch v := m.(type) {
	case payload.CreateExpense:
		return putExpense(ctx, q, v.Snapshot)
	case payload.UpdateExpense:
		return putExpense(ctx, q, v.Snapshot)
	case payload.DeleteExpense:
		return deleteEntity(ctx, q, oplog.EntityExpense, v.ID)
	case payload.CreateGroup:
		return putGroup(ctx, q, v.Group)
	case payload.UpdateGroup:
		return putGroup(ctx, q, v.Group)
	case payload.DeleteGroup:
		return deleteEntity(ctx, q, oplog.EntityGroup, v.ID)
	case payload.CreateSettlement:
		return putSettlement(ctx, q, v.Settlement)
	case payload.UpdateSettlement:
		return putSettlement(ctx, q, v.Settlement)
	case payload.DeleteSettlement:
		return deleteEntity(ctx, q, oplog.EntitySettlement, v.ID)
	default:
		return fmt.Errorf("unsupported mutation %T", m)
	}
}

func deleteEntity(ctx context.Context, q querier, entityType oplog.EntityType, id string) error {
	switch entityType {
	case oplog.EntityExpense:
		return deleteExpense(ctx, q, id)
	case oplog.EntityGroup:
		return deleteGroup(ctx, q, id)
	case oplog.EntitySettlement:
		return deleteSettlement(ctx, q, id)
	default:
		return fmt.Errorf("unsupported entity type %q", entityType)
	}
}

// notFound converts sql.ErrNoRows into storage.ErrNotFound.
func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", storage.ErrNotFound, what, id)
	}
	return fmt.Errorf("failed to get %s: %w", what, err)
}

// moneyText normalizes an amount for a TEXT column.
func moneyText(d decimal.Decimal) string {
	return models.FormatMoney(models.RoundMoney(d))
}
