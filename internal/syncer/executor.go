package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mmynk/splitledger/internal/oplog"
	"github.com/mmynk/splitledger/internal/payload"
	"github.com/mmynk/splitledger/internal/remote"
)

// OutcomeApplied is reported to a Recorder for every confirmed record.
const OutcomeApplied = "APPLIED"

// Recorder receives per-record outcomes and per-drain durations. The
// Prometheus implementation lives in the metrics package.
type Recorder interface {
	RecordOutcome(outcome string)
	RecordDrain(d time.Duration, report DrainReport)
}

// DrainReport summarizes one ProcessAll call.
type DrainReport struct {
	Applied      int               `json:"applied"`
	DeadLettered int               `json:"dead_lettered"`
	Halted       oplog.FailureKind `json:"halted,omitempty"` // set when a transient failure stopped the drain
	Merged       bool              `json:"merged,omitempty"` // another drain was running and absorbed this request
	Elsewhere    bool              `json:"elsewhere,omitempty"` // the running drain belongs to another process
	Passes       int               `json:"passes"`
}

// Executor replays the operation log against the remote service, one record
// at a time. It is safe for concurrent use: overlapping ProcessAll calls are
// merged into the running drain instead of running in parallel.
type Executor struct {
	ops      *oplog.Log
	client   remote.Client
	logger   *slog.Logger
	recorder Recorder
	lock     *DrainLock
	nowFunc  func() time.Time

	mu      sync.Mutex
	running bool
	rerun   bool
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithDrainLock makes every drain hold lock, so executors in different
// processes on one database never send records in parallel.
func WithDrainLock(lock *DrainLock) ExecutorOption {
	return func(e *Executor) { e.lock = lock }
}

// NewExecutor creates an executor. recorder may be nil.
func NewExecutor(
	ops *oplog.Log, client remote.Client, recorder Recorder, logger *slog.Logger, opts ...ExecutorOption,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}

	e := &Executor{
		ops:      ops,
		client:   client,
		logger:   logger,
		recorder: recorder,
		nowFunc:  time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// acquire takes the cross-process drain lock when one is configured.
func (e *Executor) acquire() (release func(), err error) {
	if e.lock == nil {
		return func() {}, nil
	}
	return e.lock.TryAcquire()
}

type stepOutcome int

const (
	stepEmpty stepOutcome = iota
	stepApplied
	stepDeadLettered
	stepHalted
)

// ProcessNext handles the oldest pending record. It returns true when the
// caller should keep draining and false when the queue is empty, a transient
// failure was hit, ctx was cancelled, or another process holds the drain
// lock. A cancelled call returns ctx.Err() and leaves the record pending.
func (e *Executor) ProcessNext(ctx context.Context) (bool, error) {
	release, err := e.acquire()
	if errors.Is(err, ErrLocked) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer release()

	outcome, _, err := e.step(ctx)
	if err != nil {
		return false, err
	}
	return outcome == stepApplied || outcome == stepDeadLettered, nil
}

// ProcessAll drains the log until it is empty or a transient failure stops
// it. If a drain is already running, the request is merged: the running drain
// makes one more pass before returning, and this call returns at once with
// Merged set. With a drain lock, a drain held by another process also merges
// the request; that drain picks up every record committed before it empties
// the queue.
func (e *Executor) ProcessAll(ctx context.Context) (DrainReport, error) {
	e.mu.Lock()
	if e.running {
		e.rerun = true
		e.mu.Unlock()
		e.logger.Debug("Drain already running, merged request")
		return DrainReport{Merged: true}, nil
	}
	e.running = true
	e.mu.Unlock()

	release, err := e.acquire()
	if err != nil {
		e.mu.Lock()
		e.running = false
		e.rerun = false
		e.mu.Unlock()

		if errors.Is(err, ErrLocked) {
			e.logger.Info("Drain running in another process, request merged")
			return DrainReport{Merged: true, Elsewhere: true}, nil
		}
		return DrainReport{}, err
	}

	start := e.nowFunc()
	var report DrainReport

	for {
		report.Passes++
		err = e.drain(ctx, &report)

		e.mu.Lock()
		again := e.rerun && err == nil && report.Halted == ""
		e.rerun = false
		if !again {
			// Release before clearing running so the next local drain
			// never sees its own process holding the lock.
			release()
			e.running = false
			e.mu.Unlock()
			break
		}
		e.mu.Unlock()
	}

	elapsed := e.nowFunc().Sub(start)
	if e.recorder != nil {
		e.recorder.RecordDrain(elapsed, report)
	}

	e.logger.Info("Drain finished",
		"applied", report.Applied,
		"dead_lettered", report.DeadLettered,
		"halted", report.Halted,
		"passes", report.Passes,
		"elapsed", elapsed,
	)

	return report, err
}

func (e *Executor) drain(ctx context.Context, report *DrainReport) error {
	for {
		outcome, kind, err := e.step(ctx)
		if err != nil {
			return err
		}

		switch outcome {
		case stepApplied:
			report.Applied++
		case stepDeadLettered:
			report.DeadLettered++
		case stepHalted:
			report.Halted = kind
			return nil
		case stepEmpty:
			return nil
		}
	}
}

func (e *Executor) step(ctx context.Context) (stepOutcome, oplog.FailureKind, error) {
	if err := ctx.Err(); err != nil {
		return stepEmpty, "", err
	}

	rec, err := e.ops.NextPending(ctx)
	if err != nil {
		return stepEmpty, "", err
	}
	if rec == nil {
		return stepEmpty, "", nil
	}

	logger := e.logger.With(
		"op_id", rec.ID,
		"op", rec.OperationType,
		"entity", rec.EntityType,
		"entity_id", rec.EntityID,
	)

	m, err := payload.FromRecord(rec)
	if err != nil {
		// Unreadable payloads can never succeed: dead-letter instead of retrying.
		return e.deadLetter(ctx, logger, rec, err, oplog.FailureUnknown)
	}

	err = e.client.Apply(ctx, m)
	if err != nil && ctx.Err() != nil {
		logger.Info("Remote call cancelled, record left pending")
		return stepEmpty, "", ctx.Err()
	}

	if err == nil {
		if cerr := e.ops.Complete(ctx, rec.ID); cerr != nil {
			if !errors.Is(cerr, oplog.ErrNotFound) {
				return stepEmpty, "", fmt.Errorf("sync: completing record %d: %w", rec.ID, cerr)
			}
			logger.Warn("Record vanished before completion")
		}
		logger.Debug("Record applied")
		e.record(OutcomeApplied)
		return stepApplied, "", nil
	}

	kind := ClassifyError(err)
	if Retryable(kind) {
		logger.Warn("Transient failure, pausing drain",
			"kind", kind,
			"error", err,
		)
		e.record(string(kind))
		return stepHalted, kind, nil
	}

	return e.deadLetter(ctx, logger, rec, err, kind)
}

func (e *Executor) deadLetter(
	ctx context.Context, logger *slog.Logger, rec *oplog.Record, cause error, kind oplog.FailureKind,
) (stepOutcome, oplog.FailureKind, error) {
	if err := e.ops.MarkFailed(ctx, rec.ID, cause.Error(), kind); err != nil {
		return stepEmpty, "", fmt.Errorf("sync: dead-lettering record %d: %w", rec.ID, err)
	}

	logger.Warn("Permanent failure, record dead-lettered",
		"kind", kind,
		"error", cause,
	)
	e.record(string(kind))
	return stepDeadLettered, kind, nil
}

func (e *Executor) record(outcome string) {
	if e.recorder != nil {
		e.recorder.RecordOutcome(outcome)
	}
}
