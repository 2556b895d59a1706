package syncer

import (
	"context"
	"errors"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/splitledger/internal/auth"
	"github.com/mmynk/splitledger/internal/middleware"
	"github.com/mmynk/splitledger/internal/models"
	"github.com/mmynk/splitledger/internal/oplog"
	"github.com/mmynk/splitledger/internal/payload"
	"github.com/mmynk/splitledger/internal/remote"
	"github.com/mmynk/splitledger/internal/storage"
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

type harness struct {
	store  *sqlite.SQLiteStore
	server *remote.Server
	client *remote.ConnectClient
	exec   *Executor
	rec    *countingRecorder
}

func newHarness(t *testing.T, serverOpts []remote.ServerOption, clientOpts ...connect.ClientOption) *harness {
	t.Helper()
	logger := testLogger(t)

	store, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "ledger.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	srv := remote.NewServer(logger, serverOpts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	client := remote.NewConnectClient(ts.Client(), ts.URL, clientOpts...)
	rec := &countingRecorder{outcomes: make(map[string]int)}

	return &harness{
		store:  store,
		server: srv,
		client: client,
		exec:   NewExecutor(store.Ops(), client, rec, logger),
		rec:    rec,
	}
}

type countingRecorder struct {
	mu       sync.Mutex
	outcomes map[string]int
	drains   int
}

func (r *countingRecorder) RecordOutcome(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[outcome]++
}

func (r *countingRecorder) RecordDrain(time.Duration, DrainReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drains++
}

func (r *countingRecorder) count(outcome string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcomes[outcome]
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testGroup() models.Group {
	return models.Group{ID: "grp-1", Name: "Flat", Members: []string{"alice", "bob"}}
}

func testExpense(id, amount string) payload.ExpenseSnapshot {
	half := dec(amount).Div(decimal.NewFromInt(2)).Round(2)
	return payload.ExpenseSnapshot{
		Expense: models.Expense{ID: id, GroupID: "grp-1", Description: "Rent", Amount: dec(amount), PayerID: "alice", Date: 1},
		Splits: []models.ExpenseSplit{
			{ExpenseID: id, UserID: "alice", Amount: half},
			{ExpenseID: id, UserID: "bob", Amount: dec(amount).Sub(half)},
		},
	}
}

func commit(t *testing.T, store storage.Store, m payload.Mutation) *oplog.Record {
	t.Helper()
	rec, err := store.Commit(context.Background(), m)
	require.NoError(t, err)
	return rec
}

func TestProcessAll_AppliesInOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	commit(t, h.store, payload.CreateGroup{Group: testGroup()})
	commit(t, h.store, payload.CreateExpense{Snapshot: testExpense("exp-1", "100")})
	commit(t, h.store, payload.UpdateExpense{Snapshot: testExpense("exp-1", "120")})

	report, err := h.exec.ProcessAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Applied)
	assert.Zero(t, report.DeadLettered)
	assert.Empty(t, report.Halted)
	assert.Equal(t, 1, report.Passes)

	remoteExp, ok := h.server.Expense("exp-1")
	require.True(t, ok)
	assert.True(t, remoteExp.Expense.Amount.Equal(dec("120")))

	health, err := h.store.Ops().Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, oplog.StateIdle, health.State())
	assert.Equal(t, 3, h.rec.count(OutcomeApplied))
}

func TestProcessAll_PermanentFailureDoesNotBlock(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	// The expense references a group the server has never seen: 400.
	orphan := testExpense("exp-orphan", "50")
	orphan.Expense.GroupID = "grp-missing"
	bad := commit(t, h.store, payload.CreateExpense{Snapshot: orphan})
	commit(t, h.store, payload.CreateGroup{Group: testGroup()})
	commit(t, h.store, payload.CreateExpense{Snapshot: testExpense("exp-1", "10")})

	report, err := h.exec.ProcessAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Applied)
	assert.Equal(t, 1, report.DeadLettered)

	failed, err := h.store.Ops().FailedRecords(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, bad.ID, failed[0].ID)
	assert.Equal(t, oplog.FailureValidation, failed[0].FailureKind)
	assert.Contains(t, failed[0].FailureReason, "grp-missing")

	// Discarding the failed CREATE removes the record and the local entity.
	require.NoError(t, h.store.DiscardOperation(ctx, bad.ID))
	_, err = h.store.GetExpense(ctx, "exp-orphan")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = h.store.Ops().Get(ctx, bad.ID)
	assert.ErrorIs(t, err, oplog.ErrNotFound)
}

func TestProcessAll_TransientFailureHalts(t *testing.T) {
	t.Parallel()

	var down atomic.Bool
	down.Store(true)
	h := newHarness(t, []remote.ServerOption{remote.WithFaults(remote.DownFaults(down.Load))})
	ctx := context.Background()

	first := commit(t, h.store, payload.CreateGroup{Group: testGroup()})
	commit(t, h.store, payload.CreateExpense{Snapshot: testExpense("exp-1", "10")})

	report, err := h.exec.ProcessAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, oplog.FailureServer, report.Halted)
	assert.Zero(t, report.Applied)
	assert.Zero(t, report.DeadLettered)
	assert.Equal(t, 1, h.server.Calls(remote.ProcCreateGroup))
	assert.Zero(t, h.server.Calls(remote.ProcCreateExpense), "records behind a transient failure must wait")

	next, err := h.store.Ops().NextPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, next.ID)
	assert.Equal(t, oplog.StatusPending, next.Status)

	down.Store(false)
	report, err = h.exec.ProcessAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Applied)
	assert.Empty(t, report.Halted)
}

func TestProcessAll_NetworkFailureHalts(t *testing.T) {
	t.Parallel()
	logger := testLogger(t)

	store, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "ledger.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ts := httptest.NewServer(remote.NewServer(logger).Handler())
	url := ts.URL
	ts.Close()

	exec := NewExecutor(store.Ops(), remote.NewConnectClient(ts.Client(), url), nil, logger)
	commit(t, store, payload.CreateGroup{Group: testGroup()})

	report, err := exec.ProcessAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, oplog.FailureNetwork, report.Halted)

	count, err := store.Ops().PendingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestProcessAll_AuthFailureRecovery(t *testing.T) {
	t.Parallel()

	jwtManager := auth.NewJWTManager("test-secret", time.Hour)
	var token atomic.Value
	token.Store("expired-or-garbage")

	h := newHarness(t,
		[]remote.ServerOption{remote.WithAuth(jwtManager)},
		connect.WithInterceptors(middleware.BearerToken(func() string { return token.Load().(string) })),
	)
	ctx := context.Background()

	commit(t, h.store, payload.CreateGroup{Group: testGroup()})
	commit(t, h.store, payload.CreateExpense{Snapshot: testExpense("exp-1", "10")})

	report, err := h.exec.ProcessAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.DeadLettered)

	failed, err := h.store.Ops().FailedRecords(ctx)
	require.NoError(t, err)
	assert.Empty(t, failed, "auth failures have their own recovery path")

	authFailed, err := h.store.Ops().AuthFailures(ctx)
	require.NoError(t, err)
	assert.Len(t, authFailed, 2)

	health, err := h.store.Ops().Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, oplog.StateAuthRequired, health.State())

	fresh, err := jwtManager.Generate("alice")
	require.NoError(t, err)
	token.Store(fresh)

	n, err := h.store.Ops().RetryAuthFailures(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	report, err = h.exec.ProcessAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Applied)

	_, ok := h.server.Expense("exp-1")
	assert.True(t, ok)
}

func TestProcessNext_CorruptPayload(t *testing.T) {
	t.Parallel()
	logger := testLogger(t)

	db, err := sqlite.OpenDB(context.Background(), filepath.Join(t.TempDir(), "ledger.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ops := oplog.New(db, logger)

	ts := httptest.NewServer(remote.NewServer(logger).Handler())
	t.Cleanup(ts.Close)
	exec := NewExecutor(ops, remote.NewConnectClient(ts.Client(), ts.URL), nil, logger)

	rec := &oplog.Record{
		OperationType: oplog.OpCreate,
		EntityType:    oplog.EntityExpense,
		EntityID:      "exp-1",
		Payload:       []byte(`{not json`),
	}
	require.NoError(t, ops.Enqueue(context.Background(), db, rec))

	more, err := exec.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.True(t, more)

	got, err := ops.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, oplog.StatusFailed, got.Status)
	assert.Equal(t, oplog.FailureUnknown, got.FailureKind)

	more, err = exec.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.False(t, more)
}

func TestProcessAll_CancelLeavesRecordPending(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	block := func(ctx context.Context, _ string) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-release:
			return nil
		}
	}
	h := newHarness(t, []remote.ServerOption{remote.WithFaults(block)})
	t.Cleanup(func() { close(release) })

	rec := commit(t, h.store, payload.CreateGroup{Group: testGroup()})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-entered
		cancel()
	}()

	_, err := h.exec.ProcessAll(ctx)
	require.ErrorIs(t, err, context.Canceled)

	got, err := h.store.Ops().Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, oplog.StatusPending, got.Status)
	assert.Empty(t, got.FailureKind)
}

// gate blocks one procedure on the remote until opened and tracks how many
// calls are in flight at once.
type gate struct {
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	entered     chan struct{}
	release     chan struct{}
	enterOnce   sync.Once
	openOnce    sync.Once
}

func newGate(t *testing.T) *gate {
	g := &gate{entered: make(chan struct{}, 1), release: make(chan struct{})}
	t.Cleanup(g.open)
	return g
}

func (g *gate) open() { g.openOnce.Do(func() { close(g.release) }) }

func (g *gate) faults(blocked string) remote.FaultFunc {
	return func(ctx context.Context, procedure string) error {
		n := g.inFlight.Add(1)
		defer g.inFlight.Add(-1)
		for {
			m := g.maxInFlight.Load()
			if n <= m || g.maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}

		if procedure == blocked {
			g.enterOnce.Do(func() { g.entered <- struct{}{} })
			select {
			case <-g.release:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
}

type drainResult struct {
	report DrainReport
	err    error
}

func drainAsync(ctx context.Context, exec *Executor) <-chan drainResult {
	done := make(chan drainResult, 1)
	go func() {
		r, err := exec.ProcessAll(ctx)
		done <- drainResult{r, err}
	}()
	return done
}

func TestProcessAll_MergesConcurrentRequests(t *testing.T) {
	t.Parallel()

	g := newGate(t)
	h := newHarness(t, []remote.ServerOption{remote.WithFaults(g.faults(remote.ProcCreateGroup))})
	t.Cleanup(g.open)
	ctx := context.Background()

	commit(t, h.store, payload.CreateGroup{Group: testGroup()})

	done := drainAsync(ctx, h.exec)

	<-g.entered
	// Written while the first drain is blocked on the remote call.
	commit(t, h.store, payload.CreateExpense{Snapshot: testExpense("exp-1", "10")})

	for range 5 {
		merged, err := h.exec.ProcessAll(ctx)
		require.NoError(t, err)
		assert.True(t, merged.Merged)
		assert.False(t, merged.Elsewhere)
	}
	g.open()

	first := <-done
	require.NoError(t, first.err)
	assert.False(t, first.report.Merged)
	assert.Equal(t, 2, first.report.Applied)
	assert.GreaterOrEqual(t, first.report.Passes, 1)
	assert.LessOrEqual(t, first.report.Passes, 2)
	assert.Equal(t, int32(1), g.maxInFlight.Load())

	count, err := h.store.Ops().PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestProcessAll_SerializesAcrossProcesses(t *testing.T) {
	t.Parallel()
	logger := testLogger(t)
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "ledger.db")

	g := newGate(t)
	srv := remote.NewServer(logger, remote.WithFaults(g.faults(remote.ProcCreateGroup)))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(g.open)
	client := remote.NewConnectClient(ts.Client(), ts.URL)

	// Each handle stands in for a separate process: its own connection
	// pool, its own lock file descriptor, its own in-process merge state.
	open := func() (*sqlite.SQLiteStore, *Executor) {
		store, err := sqlite.New(ctx, dbPath, logger)
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		lock := NewDrainLock(LockPathFor(dbPath))
		return store, NewExecutor(store.Ops(), client, nil, logger, WithDrainLock(lock))
	}
	watchStore, watch := open()
	_, cli := open()

	commit(t, watchStore, payload.CreateGroup{Group: testGroup()})
	done := drainAsync(ctx, watch)
	<-g.entered

	report, err := cli.ProcessAll(ctx)
	require.NoError(t, err)
	assert.True(t, report.Merged)
	assert.True(t, report.Elsewhere)
	assert.Zero(t, report.Applied)

	more, err := cli.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, more)

	g.open()
	first := <-done
	require.NoError(t, first.err)
	assert.Equal(t, 1, first.report.Applied)

	assert.Equal(t, 1, srv.Calls(remote.ProcCreateGroup))
	assert.Equal(t, int32(1), g.maxInFlight.Load())

	// The lock is free again once the drain returns.
	report, err = cli.ProcessAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainReport{Passes: 1}, report)
}

func TestProcessAll_ReplayAfterCrash(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	commit(t, h.store, payload.CreateGroup{Group: testGroup()})
	commit(t, h.store, payload.CreateExpense{Snapshot: testExpense("exp-1", "10")})

	// The remote applied both calls but the process died before the local
	// records were completed.
	require.NoError(t, h.client.Apply(ctx, payload.CreateGroup{Group: testGroup()}))
	require.NoError(t, h.client.Apply(ctx, payload.CreateExpense{Snapshot: testExpense("exp-1", "10")}))

	report, err := h.exec.ProcessAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Applied)
	assert.Zero(t, report.DeadLettered)

	snap, ok := h.server.Expense("exp-1")
	require.True(t, ok)
	assert.True(t, snap.Expense.Amount.Equal(dec("10")))
}

func TestProcessNext_EmptyLog(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	more, err := h.exec.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.False(t, more)

	report, err := h.exec.ProcessAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainReport{Passes: 1}, report)
	assert.Equal(t, 1, h.rec.drains)
}

func TestClassifyError_Wrapped(t *testing.T) {
	t.Parallel()
	err := errors.Join(errors.New("context"), &remote.Error{StatusCode: 409, Code: "already_exists"})
	assert.Equal(t, oplog.FailureValidation, ClassifyError(err))
}
