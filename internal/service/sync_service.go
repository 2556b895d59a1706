package service

import (
	"context"
	"log/slog"

	"github.com/mmynk/splitledger/internal/oplog"
	"github.com/mmynk/splitledger/internal/reconcile"
	"github.com/mmynk/splitledger/internal/storage"
	"github.com/mmynk/splitledger/internal/syncer"
)

// SyncService exposes the sync controls: draining, health, the dead-letter
// list and conflict resolution.
type SyncService struct {
	store    storage.Store
	executor *syncer.Executor
	resolver *reconcile.Resolver
	trigger  func()
	logger   *slog.Logger
}

// NewSyncService creates a SyncService. trigger is called after a record is
// requeued; it may be nil.
func NewSyncService(
	store storage.Store, executor *syncer.Executor, resolver *reconcile.Resolver, trigger func(), logger *slog.Logger,
) *SyncService {
	if logger == nil {
		logger = slog.Default()
	}
	if trigger == nil {
		trigger = func() {}
	}

	return &SyncService{
		store:    store,
		executor: executor,
		resolver: resolver,
		trigger:  trigger,
		logger:   logger,
	}
}

// ProcessAll drains the operation log now.
func (s *SyncService) ProcessAll(ctx context.Context) (syncer.DrainReport, error) {
	return s.executor.ProcessAll(ctx)
}

// Health returns the sync health read model.
func (s *SyncService) Health(ctx context.Context) (oplog.Health, error) {
	return s.store.Ops().Health(ctx)
}

// Failed returns the dead letters awaiting a user decision.
func (s *SyncService) Failed(ctx context.Context) ([]oplog.Record, error) {
	return s.store.Ops().FailedRecords(ctx)
}

// AuthFailures returns records rejected for authentication reasons.
func (s *SyncService) AuthFailures(ctx context.Context) ([]oplog.Record, error) {
	return s.store.Ops().AuthFailures(ctx)
}

// Retry requeues one failed record in its original position.
func (s *SyncService) Retry(ctx context.Context, opID int64) error {
	if err := s.store.Ops().Retry(ctx, opID); err != nil {
		return err
	}

	s.logger.Info("Retry requested", "op_id", opID)
	s.trigger()
	return nil
}

// RecoverAuth requeues every AUTH failure. Call it once the host has a
// fresh token.
func (s *SyncService) RecoverAuth(ctx context.Context) (int, error) {
	n, err := s.store.Ops().RetryAuthFailures(ctx)
	if err != nil {
		return 0, err
	}

	s.logger.Info("Auth failures requeued", "count", n)
	if n > 0 {
		s.trigger()
	}
	return n, nil
}

// AcknowledgeAndDelete discards a failed record. Discarding a CREATE that
// never reached the remote also removes the local entity.
func (s *SyncService) AcknowledgeAndDelete(ctx context.Context, opID int64) error {
	return s.store.DiscardOperation(ctx, opID)
}

// Diff shows the local and remote versions of a conflicting expense.
func (s *SyncService) Diff(ctx context.Context, expenseID string) (*reconcile.Snapshot, error) {
	return s.resolver.Diff(ctx, expenseID)
}

// Inspect returns the conflict snapshot for a failed record, or
// reconcile.ErrNotReconcilable when the record has no interactive resolution.
func (s *SyncService) Inspect(ctx context.Context, opID int64) (*reconcile.Snapshot, error) {
	return s.resolver.Inspect(ctx, opID)
}

// ResolveKeepServer discards local edits in favour of the remote version.
func (s *SyncService) ResolveKeepServer(ctx context.Context, expenseID string) error {
	return s.resolver.ResolveKeepServer(ctx, expenseID)
}

// ResolveKeepLocal requeues local edits so they overwrite the remote version.
func (s *SyncService) ResolveKeepLocal(ctx context.Context, expenseID string) error {
	return s.resolver.ResolveKeepLocal(ctx, expenseID)
}
