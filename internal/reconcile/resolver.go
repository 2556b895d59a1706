package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mmynk/splitledger/internal/oplog"
	"github.com/mmynk/splitledger/internal/payload"
	"github.com/mmynk/splitledger/internal/remote"
	"github.com/mmynk/splitledger/internal/storage"
)

var (
	// ErrNotReconcilable is returned for records that have no interactive
	// resolution: deletes, creates, and every non-expense entity.
	ErrNotReconcilable = errors.New("reconcile: operation cannot be reconciled interactively")

	// ErrRemoteMissing is returned when the remote no longer has the entity.
	ErrRemoteMissing = errors.New("reconcile: entity does not exist on the remote")
)

// Resolver builds conflict snapshots and applies the user's choice.
type Resolver struct {
	store   storage.Store
	client  remote.Client
	trigger func()
	logger  *slog.Logger
}

// NewResolver creates a resolver. trigger is called after Keep Local so the
// requeued edit is sent promptly; it may be nil.
func NewResolver(store storage.Store, client remote.Client, trigger func(), logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if trigger == nil {
		trigger = func() {}
	}

	return &Resolver{store: store, client: client, trigger: trigger, logger: logger}
}

// Inspect returns the snapshot for a record when it is an expense UPDATE.
// Any other record gets a best-effort remote refresh and ErrNotReconcilable.
func (r *Resolver) Inspect(ctx context.Context, opID int64) (*Snapshot, error) {
	rec, err := r.store.Ops().Get(ctx, opID)
	if err != nil {
		return nil, err
	}

	if !reconcilable(rec) {
		r.Refresh(ctx, rec.EntityType, rec.EntityID)
		return nil, fmt.Errorf("%w: %s %s", ErrNotReconcilable, rec.OperationType, rec.EntityType)
	}
	return r.Diff(ctx, rec.EntityID)
}

// Diff compares the local expense with the remote version.
func (r *Resolver) Diff(ctx context.Context, expenseID string) (*Snapshot, error) {
	rec, err := r.latestFailed(ctx, expenseID)
	if err != nil {
		return nil, err
	}

	local, err := r.store.GetExpense(ctx, expenseID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("reconcile: load local expense %s: %w", expenseID, err)
	}

	remoteSnap, err := r.fetchExpense(ctx, expenseID)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		EntityID:    expenseID,
		OperationID: rec.ID,
		Fields:      Compare(local, remoteSnap),
	}, nil
}

// ResolveKeepServer overwrites the local expense with the remote version and
// discards its failed edits, in one transaction. Nothing changes when the
// remote version cannot be fetched or when an edit of the expense is still
// pending, since the executor may already be sending it.
func (r *Resolver) ResolveKeepServer(ctx context.Context, expenseID string) error {
	if _, err := r.failedUpdates(ctx, expenseID); err != nil {
		return err
	}

	remoteSnap, err := r.fetchExpense(ctx, expenseID)
	if err != nil {
		return err
	}

	removed, err := r.store.KeepServerExpense(ctx, *remoteSnap)
	if err != nil {
		return fmt.Errorf("reconcile: keep server %s: %w", expenseID, err)
	}

	r.logger.Info("Kept server version",
		"entity_id", expenseID,
		"records_removed", removed,
	)
	return nil
}

// ResolveKeepLocal requeues the failed edits of the expense without changing
// their ids or timestamps, then triggers a drain. It refuses while another
// record of the expense is pending: a requeued edit is older and would be
// sent after the one in flight.
func (r *Resolver) ResolveKeepLocal(ctx context.Context, expenseID string) error {
	records, pending, err := r.expenseRecords(ctx, expenseID)
	if err != nil {
		return err
	}
	if pending > 0 {
		return fmt.Errorf("reconcile: keep local %s: %w: %d pending record(s)",
			expenseID, storage.ErrSyncInProgress, pending)
	}

	requeued := 0
	for _, rec := range records {
		if err := r.store.Ops().Retry(ctx, rec.ID); err != nil {
			return fmt.Errorf("reconcile: keep local %s: %w", expenseID, err)
		}
		requeued++
	}

	r.logger.Info("Kept local version",
		"entity_id", expenseID,
		"records_requeued", requeued,
	)
	r.trigger()
	return nil
}

// Refresh refetches an entity from the remote so its current state is logged
// for the user. It never mutates local state and only logs failures.
func (r *Resolver) Refresh(ctx context.Context, entityType oplog.EntityType, entityID string) {
	var err error
	switch entityType {
	case oplog.EntityExpense:
		_, err = r.client.FetchExpense(ctx, entityID)
	case oplog.EntityGroup:
		_, err = r.client.FetchGroup(ctx, entityID)
	case oplog.EntitySettlement:
		_, err = r.client.FetchSettlement(ctx, entityID)
	default:
		err = fmt.Errorf("unknown entity type %q", entityType)
	}

	logger := r.logger.With("entity", entityType, "entity_id", entityID)
	switch {
	case err == nil:
		logger.Info("Refreshed remote state")
	case remote.IsNotFound(err):
		logger.Info("Entity no longer exists on the remote")
	default:
		logger.Warn("Refresh failed", "error", err)
	}
}

func (r *Resolver) fetchExpense(ctx context.Context, expenseID string) (*payload.ExpenseSnapshot, error) {
	snap, err := r.client.FetchExpense(ctx, expenseID)
	if remote.IsNotFound(err) {
		return nil, fmt.Errorf("%w: expense %s", ErrRemoteMissing, expenseID)
	}
	if err != nil {
		return nil, fmt.Errorf("reconcile: fetch remote expense %s: %w", expenseID, err)
	}
	return snap, nil
}

// failedUpdates returns the dead-lettered UPDATE records of the expense in
// FIFO order. Pending updates belong to the executor and are never touched
// here.
func (r *Resolver) failedUpdates(ctx context.Context, expenseID string) ([]oplog.Record, error) {
	failed, _, err := r.expenseRecords(ctx, expenseID)
	return failed, err
}

// expenseRecords returns the failed UPDATE records of the expense and the
// number of its records still pending.
func (r *Resolver) expenseRecords(ctx context.Context, expenseID string) ([]oplog.Record, int, error) {
	records, err := r.store.Ops().ForEntity(ctx, oplog.EntityExpense, expenseID)
	if err != nil {
		return nil, 0, err
	}

	var (
		failed  []oplog.Record
		pending int
	)
	for _, rec := range records {
		switch {
		case rec.Status == oplog.StatusPending:
			pending++
		case rec.OperationType == oplog.OpUpdate:
			failed = append(failed, rec)
		}
	}
	if len(failed) == 0 {
		return nil, 0, fmt.Errorf("%w: no failed update for expense %s", ErrNotReconcilable, expenseID)
	}
	return failed, pending, nil
}

func (r *Resolver) latestFailed(ctx context.Context, expenseID string) (*oplog.Record, error) {
	records, err := r.failedUpdates(ctx, expenseID)
	if err != nil {
		return nil, err
	}
	return &records[len(records)-1], nil
}

func reconcilable(rec *oplog.Record) bool {
	return rec.EntityType == oplog.EntityExpense && rec.OperationType == oplog.OpUpdate
}
