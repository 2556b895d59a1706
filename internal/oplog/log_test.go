package oplog_test

import (
	"context"
	"database/sql"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/splitledger/internal/oplog"
	"github.com/mmynk/splitledger/internal/storage/sqlite"
)

type testLogWriter struct{ t *testing.T }

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(testLogWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestLog(t *testing.T) (*oplog.Log, *sql.DB) {
	t.Helper()

	db, err := sqlite.OpenDB(context.Background(), filepath.Join(t.TempDir(), "ops.db"), testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return oplog.New(db, testLogger(t)), db
}

func enqueue(t *testing.T, l *oplog.Log, db *sql.DB, op oplog.OperationType, entity oplog.EntityType, id string, ts int64) *oplog.Record {
	t.Helper()

	rec := &oplog.Record{
		OperationType: op,
		EntityType:    entity,
		EntityID:      id,
		Payload:       []byte(`{"schema":"tombstone","version":1,"data":{"id":"` + id + `"}}`),
		Timestamp:     ts,
	}
	require.NoError(t, l.Enqueue(context.Background(), db, rec))
	return rec
}

func TestEnqueue_FillsFields(t *testing.T) {
	t.Parallel()
	l, db := newTestLog(t)

	rec := enqueue(t, l, db, oplog.OpCreate, oplog.EntityExpense, "exp-1", 0)
	assert.NotZero(t, rec.ID)
	assert.NotZero(t, rec.Timestamp)
	assert.Equal(t, oplog.StatusPending, rec.Status)

	got, err := l.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, *rec, *got)
}

func TestEnqueue_RejectsEmpty(t *testing.T) {
	t.Parallel()
	l, db := newTestLog(t)
	ctx := context.Background()

	err := l.Enqueue(ctx, db, &oplog.Record{OperationType: oplog.OpCreate, EntityType: oplog.EntityGroup, Payload: []byte("{}")})
	assert.Error(t, err)

	err = l.Enqueue(ctx, db, &oplog.Record{OperationType: oplog.OpCreate, EntityType: oplog.EntityGroup, EntityID: "g"})
	assert.Error(t, err)
}

func TestEnqueue_RolledBackWithTransaction(t *testing.T) {
	t.Parallel()
	l, db := newTestLog(t)
	ctx := context.Background()

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, l.Enqueue(ctx, tx, &oplog.Record{
		OperationType: oplog.OpCreate, EntityType: oplog.EntityGroup, EntityID: "g", Payload: []byte("{}"),
	}))
	require.NoError(t, tx.Rollback())

	n, err := l.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNextPending_FIFO(t *testing.T) {
	t.Parallel()
	l, db := newTestLog(t)
	ctx := context.Background()

	next, err := l.NextPending(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)

	late := enqueue(t, l, db, oplog.OpCreate, oplog.EntityGroup, "g-late", 3000)
	first := enqueue(t, l, db, oplog.OpCreate, oplog.EntityGroup, "g-first", 1000)
	tie := enqueue(t, l, db, oplog.OpCreate, oplog.EntityGroup, "g-tie", 1000)

	var order []int64
	for {
		next, err := l.NextPending(ctx)
		require.NoError(t, err)
		if next == nil {
			break
		}
		order = append(order, next.ID)
		require.NoError(t, l.Delete(ctx, db, next.ID))
	}

	assert.Equal(t, []int64{first.ID, tie.ID, late.ID}, order)
}

func TestNextPending_SkipsFailed(t *testing.T) {
	t.Parallel()
	l, db := newTestLog(t)
	ctx := context.Background()

	bad := enqueue(t, l, db, oplog.OpCreate, oplog.EntityGroup, "g1", 1000)
	good := enqueue(t, l, db, oplog.OpCreate, oplog.EntityGroup, "g2", 2000)
	require.NoError(t, l.MarkFailed(ctx, bad.ID, "HTTP 400", oplog.FailureValidation))

	next, err := l.NextPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, good.ID, next.ID)
}

func TestTransitions(t *testing.T) {
	t.Parallel()
	l, db := newTestLog(t)
	ctx := context.Background()

	rec := enqueue(t, l, db, oplog.OpUpdate, oplog.EntityExpense, "exp-1", 1234)

	// Retry requires FAILED.
	assert.ErrorIs(t, l.Retry(ctx, rec.ID), oplog.ErrInvalidTransition)

	require.NoError(t, l.MarkFailed(ctx, rec.ID, "HTTP 409: conflict", oplog.FailureValidation))
	got, err := l.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, oplog.StatusFailed, got.Status)
	assert.Equal(t, "HTTP 409: conflict", got.FailureReason)
	assert.Equal(t, oplog.FailureValidation, got.FailureKind)

	// MarkFailed requires PENDING.
	assert.ErrorIs(t, l.MarkFailed(ctx, rec.ID, "again", oplog.FailureUnknown), oplog.ErrInvalidTransition)

	require.NoError(t, l.Retry(ctx, rec.ID))
	got, err = l.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, oplog.StatusPending, got.Status)
	assert.Empty(t, got.FailureReason)
	assert.Empty(t, got.FailureKind)
	assert.Equal(t, int64(1234), got.Timestamp, "retry keeps FIFO position")

	assert.ErrorIs(t, l.MarkFailed(ctx, 999, "x", oplog.FailureUnknown), oplog.ErrNotFound)
	assert.ErrorIs(t, l.Retry(ctx, 999), oplog.ErrNotFound)
	assert.ErrorIs(t, l.Delete(ctx, db, 999), oplog.ErrNotFound)
}

func TestDeleteFailed(t *testing.T) {
	t.Parallel()
	l, db := newTestLog(t)
	ctx := context.Background()

	rec := enqueue(t, l, db, oplog.OpCreate, oplog.EntityExpense, "exp-1", 1)
	assert.ErrorIs(t, l.DeleteFailed(ctx, db, rec.ID), oplog.ErrInvalidTransition)

	require.NoError(t, l.MarkFailed(ctx, rec.ID, "bad", oplog.FailureValidation))
	require.NoError(t, l.DeleteFailed(ctx, db, rec.ID))

	_, err := l.Get(ctx, rec.ID)
	assert.ErrorIs(t, err, oplog.ErrNotFound)
}

func TestAuthFailures_SeparatePath(t *testing.T) {
	t.Parallel()
	l, db := newTestLog(t)
	ctx := context.Background()

	validation := enqueue(t, l, db, oplog.OpCreate, oplog.EntityGroup, "g1", 1)
	auth1 := enqueue(t, l, db, oplog.OpCreate, oplog.EntityGroup, "g2", 2)
	auth2 := enqueue(t, l, db, oplog.OpUpdate, oplog.EntityGroup, "g2", 3)

	require.NoError(t, l.MarkFailed(ctx, validation.ID, "HTTP 400", oplog.FailureValidation))
	require.NoError(t, l.MarkFailed(ctx, auth1.ID, "HTTP 401", oplog.FailureAuth))
	require.NoError(t, l.MarkFailed(ctx, auth2.ID, "HTTP 403", oplog.FailureAuth))

	failed, err := l.FailedRecords(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, validation.ID, failed[0].ID)

	authFailed, err := l.AuthFailures(ctx)
	require.NoError(t, err)
	assert.Len(t, authFailed, 2)

	h, err := l.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.FailedCount)
	assert.Equal(t, 2, h.AuthFailedCount)
	assert.Equal(t, oplog.StateAuthRequired, h.State())

	n, err := l.RetryAuthFailures(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	pending, err := l.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)
}

func TestDeleteForEntity(t *testing.T) {
	t.Parallel()
	l, db := newTestLog(t)
	ctx := context.Background()

	enqueue(t, l, db, oplog.OpCreate, oplog.EntityExpense, "exp-1", 1)
	enqueue(t, l, db, oplog.OpUpdate, oplog.EntityExpense, "exp-1", 2)
	enqueue(t, l, db, oplog.OpUpdate, oplog.EntityExpense, "exp-1", 3)
	other := enqueue(t, l, db, oplog.OpUpdate, oplog.EntityExpense, "exp-2", 4)

	n, err := l.DeleteForEntity(ctx, db, oplog.EntityExpense, "exp-1", oplog.OpUpdate)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	left, err := l.ForEntity(ctx, oplog.EntityExpense, "exp-1")
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, oplog.OpCreate, left[0].OperationType)

	n, err = l.DeleteForEntity(ctx, db, oplog.EntityExpense, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = l.Get(ctx, other.ID)
	assert.NoError(t, err)
}

func TestDeleteFailedForEntity_LeavesPending(t *testing.T) {
	t.Parallel()
	l, db := newTestLog(t)
	ctx := context.Background()

	failed := enqueue(t, l, db, oplog.OpUpdate, oplog.EntityExpense, "exp-1", 1)
	pending := enqueue(t, l, db, oplog.OpUpdate, oplog.EntityExpense, "exp-1", 2)
	require.NoError(t, l.MarkFailed(ctx, failed.ID, "HTTP 409", oplog.FailureValidation))

	n, err := l.CountForEntity(ctx, db, oplog.EntityExpense, "exp-1", oplog.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = l.DeleteFailedForEntity(ctx, db, oplog.EntityExpense, "exp-1", oplog.OpUpdate)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = l.Get(ctx, failed.ID)
	assert.ErrorIs(t, err, oplog.ErrNotFound)

	got, err := l.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, oplog.StatusPending, got.Status)

	n, err = l.CountForEntity(ctx, db, oplog.EntityExpense, "exp-1", oplog.StatusFailed)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHealth_DerivedFromQueue(t *testing.T) {
	t.Parallel()
	l, db := newTestLog(t)
	ctx := context.Background()

	h, err := l.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, oplog.StateIdle, h.State())

	_, ok, err := l.OldestPendingAge(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	oldest := time.Now().Add(-90 * time.Second).UnixMilli()
	a := enqueue(t, l, db, oplog.OpCreate, oplog.EntityGroup, "g1", oldest)
	b := enqueue(t, l, db, oplog.OpCreate, oplog.EntityGroup, "g2", time.Now().UnixMilli())

	h, err = l.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, h.PendingCount)
	assert.Equal(t, oplog.StateSyncing, h.State())
	assert.GreaterOrEqual(t, h.OldestPendingAgeMillis, int64(90_000))

	age, ok, err := l.OldestPendingAge(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.GreaterOrEqual(t, age, 90*time.Second)

	require.NoError(t, l.MarkFailed(ctx, a.ID, "HTTP 422", oplog.FailureValidation))
	h, err = l.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, oplog.StateNeedsAttention, h.State(), "dead letter wins over pending work")

	// Indicators clear exactly when the queue empties.
	require.NoError(t, l.Delete(ctx, db, a.ID))
	require.NoError(t, l.Delete(ctx, db, b.ID))
	h, err = l.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, oplog.Health{}, h)
	assert.Equal(t, oplog.StateIdle, h.State())
}

func TestComplete(t *testing.T) {
	t.Parallel()
	l, db := newTestLog(t)
	ctx := context.Background()

	rec := enqueue(t, l, db, oplog.OpCreate, oplog.EntityGroup, "g1", 1)
	require.NoError(t, l.Complete(ctx, rec.ID))
	assert.ErrorIs(t, l.Complete(ctx, rec.ID), oplog.ErrNotFound)

	failed := enqueue(t, l, db, oplog.OpCreate, oplog.EntityGroup, "g2", 2)
	require.NoError(t, l.MarkFailed(ctx, failed.ID, "bad", oplog.FailureValidation))
	assert.ErrorIs(t, l.Complete(ctx, failed.ID), oplog.ErrNotFound, "dead letters are not completed")
}
