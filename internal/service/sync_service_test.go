package service

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/splitledger/internal/models"
	"github.com/mmynk/splitledger/internal/oplog"
	"github.com/mmynk/splitledger/internal/payload"
	"github.com/mmynk/splitledger/internal/reconcile"
	"github.com/mmynk/splitledger/internal/remote"
	"github.com/mmynk/splitledger/internal/storage"
	"github.com/mmynk/splitledger/internal/syncer"
)

type syncFixture struct {
	*ledgerFixture
	sync   *SyncService
	server *remote.Server
	client *remote.ConnectClient
}

func setupSync(t *testing.T) *syncFixture {
	t.Helper()
	f := setupLedger(t)
	logger := testLogger(t)

	srv := remote.NewServer(logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	client := remote.NewConnectClient(ts.Client(), ts.URL)

	exec := syncer.NewExecutor(f.store.Ops(), client, nil, logger)
	resolver := reconcile.NewResolver(f.store, client, nil, logger)

	return &syncFixture{
		ledgerFixture: f,
		sync:          NewSyncService(f.store, exec, resolver, nil, logger),
		server:        srv,
		client:        client,
	}
}

func TestSyncService_EndToEnd(t *testing.T) {
	t.Parallel()
	f := setupSync(t)
	ctx := context.Background()

	group, err := f.svc.CreateGroup(ctx, "Trip", []string{"alice", "bob"})
	require.NoError(t, err)
	snap, err := f.svc.AddExpense(ctx, ExpenseInput{
		GroupID: group.ID, Amount: dec("40"), PayerID: "alice", Participants: []string{"alice", "bob"},
	})
	require.NoError(t, err)

	health, err := f.sync.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, oplog.StateSyncing, health.State())
	assert.Equal(t, 2, health.PendingCount)

	report, err := f.sync.ProcessAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Applied)

	remoteExp, ok := f.server.Expense(snap.Expense.ID)
	require.True(t, ok)
	assert.True(t, remoteExp.Expense.Amount.Equal(dec("40")))

	health, err = f.sync.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, oplog.StateIdle, health.State())
}

func TestSyncService_DiscardRejectedCreate(t *testing.T) {
	t.Parallel()
	f := setupSync(t)
	ctx := context.Background()

	// The remote never learns about this group, so it rejects the expense.
	group := models.Group{ID: "grp-local", Name: "Local only", Members: []string{"alice"}}
	f.seed(t, payload.CreateGroup{Group: group})

	snap, err := f.svc.AddExpense(ctx, ExpenseInput{
		GroupID: group.ID, Amount: dec("10"), PayerID: "alice", Participants: []string{"alice"},
	})
	require.NoError(t, err)

	report, err := f.sync.ProcessAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DeadLettered)

	failed, err := f.sync.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, oplog.FailureValidation, failed[0].FailureKind)

	health, err := f.sync.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, oplog.StateNeedsAttention, health.State())

	require.NoError(t, f.sync.AcknowledgeAndDelete(ctx, failed[0].ID))

	_, err = f.store.GetExpense(ctx, snap.Expense.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	failed, err = f.sync.Failed(ctx)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestSyncService_Retry(t *testing.T) {
	t.Parallel()
	f := setupSync(t)
	ctx := context.Background()

	group := models.Group{ID: "grp-late", Name: "Late", Members: []string{"alice"}}
	f.seed(t, payload.CreateGroup{Group: group})
	_, err := f.svc.AddExpense(ctx, ExpenseInput{
		GroupID: group.ID, Amount: dec("10"), PayerID: "alice", Participants: []string{"alice"},
	})
	require.NoError(t, err)

	_, err = f.sync.ProcessAll(ctx)
	require.NoError(t, err)
	failed, err := f.sync.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	// Another device creates the group; the retried record now succeeds.
	require.NoError(t, f.client.Apply(ctx, payload.CreateGroup{Group: group}))
	require.NoError(t, f.sync.Retry(ctx, failed[0].ID))

	report, err := f.sync.ProcessAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied)

	assert.ErrorIs(t, f.sync.Retry(ctx, failed[0].ID), oplog.ErrNotFound)
}
