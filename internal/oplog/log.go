// Package oplog is the durable operation log: the queue of local mutations
// that have not yet been confirmed by the remote service.
//
// A record is written by Enqueue inside the same transaction as the entity
// write it describes. The executor reads records in FIFO order with
// NextPending, and each record ends in one of two ways:
//
//	PENDING --success--> deleted
//	PENDING --permanent failure--> FAILED --Retry--> PENDING
//	                                      --Delete--> deleted
//
// All status transitions are enforced in SQL and verified with RowsAffected.
package oplog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when no record has the requested id.
	ErrNotFound = errors.New("oplog: record not found")

	// ErrInvalidTransition is returned when a record is not in the status a
	// transition requires (e.g. Retry on a pending record).
	ErrInvalidTransition = errors.New("oplog: invalid status transition")
)

// Execer is satisfied by *sql.DB and *sql.Tx so writes can join the caller's
// transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Querier is satisfied by *sql.DB and *sql.Tx so reads can join the caller's
// transaction.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const (
	sqlInsert = `INSERT INTO operations
		(operation_type, entity_type, entity_id, payload, timestamp, status)
		VALUES (?, ?, ?, ?, ?, '` + string(StatusPending) + `')`

	sqlSelectCols = `SELECT id, operation_type, entity_type, entity_id, payload,
		timestamp, status, failure_reason, failure_kind
	 FROM operations `
)

// Log manages the operations table. It shares the *sql.DB with the entity
// store so both sides observe the same transactions.
type Log struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
}

// New creates a Log over an already migrated database.
func New(db *sql.DB, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{db: db, logger: logger, nowFunc: time.Now}
}

// Enqueue appends rec as a pending record using ex, which is normally the
// transaction that also writes the entity. rec.ID, rec.Status and (when zero)
// rec.Timestamp are filled in.
func (l *Log) Enqueue(ctx context.Context, ex Execer, rec *Record) error {
	if rec.EntityID == "" {
		return fmt.Errorf("oplog: enqueue %s %s: empty entity id", rec.OperationType, rec.EntityType)
	}
	if len(rec.Payload) == 0 {
		return fmt.Errorf("oplog: enqueue %s %s %s: empty payload", rec.OperationType, rec.EntityType, rec.EntityID)
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = l.nowFunc().UnixMilli()
	}

	result, err := ex.ExecContext(ctx, sqlInsert,
		string(rec.OperationType), string(rec.EntityType), rec.EntityID, rec.Payload, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("oplog: insert %s %s %s: %w", rec.OperationType, rec.EntityType, rec.EntityID, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("oplog: last insert id: %w", err)
	}

	rec.ID = id
	rec.Status = StatusPending
	rec.FailureReason = ""
	rec.FailureKind = ""

	l.logger.Debug("Enqueued operation",
		"op_id", id,
		"op", rec.OperationType,
		"entity", rec.EntityType,
		"entity_id", rec.EntityID,
	)

	return nil
}

// NextPending returns the pending record with the smallest timestamp (ties
// broken by id), or nil when nothing is pending.
func (l *Log) NextPending(ctx context.Context) (*Record, error) {
	rows, err := l.queryRows(ctx,
		`WHERE status = ? ORDER BY timestamp, id LIMIT 1`, "next pending", string(StatusPending))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// Get returns the record with the given id.
func (l *Log) Get(ctx context.Context, id int64) (*Record, error) {
	rows, err := l.queryRows(ctx, `WHERE id = ?`, "get", id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return &rows[0], nil
}

// MarkFailed moves a pending record to the dead-letter state.
func (l *Log) MarkFailed(ctx context.Context, id int64, reason string, kind FailureKind) error {
	if kind == "" {
		kind = FailureUnknown
	}
	err := l.transition(ctx, id, "mark failed",
		`UPDATE operations SET status = ?, failure_reason = ?, failure_kind = ?
		 WHERE id = ? AND status = ?`,
		string(StatusFailed), reason, string(kind), id, string(StatusPending))
	if err != nil {
		return err
	}

	l.logger.Warn("Record dead-lettered",
		"op_id", id,
		"kind", kind,
		"reason", reason,
	)
	return nil
}

// Complete deletes a pending record after the remote confirmed it. Success
// is modeled as deletion; there is no synced status.
func (l *Log) Complete(ctx context.Context, id int64) error {
	result, err := l.db.ExecContext(ctx,
		`DELETE FROM operations WHERE id = ? AND status = ?`, id, string(StatusPending))
	if err != nil {
		return fmt.Errorf("oplog: complete %d: %w", id, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("oplog: complete %d rows affected: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: complete %d", ErrNotFound, id)
	}
	return nil
}

// Retry moves a failed record back to pending. Its id and timestamp are kept,
// so it returns to its original position in FIFO order.
func (l *Log) Retry(ctx context.Context, id int64) error {
	return l.transition(ctx, id, "retry",
		`UPDATE operations SET status = ?, failure_reason = NULL, failure_kind = NULL
		 WHERE id = ? AND status = ?`,
		string(StatusPending), id, string(StatusFailed))
}

// RetryAuthFailures moves every AUTH dead letter back to pending. It is the
// recovery path once the host has re-authenticated.
func (l *Log) RetryAuthFailures(ctx context.Context) (int, error) {
	result, err := l.db.ExecContext(ctx,
		`UPDATE operations SET status = ?, failure_reason = NULL, failure_kind = NULL
		 WHERE status = ? AND failure_kind = ?`,
		string(StatusPending), string(StatusFailed), string(FailureAuth))
	if err != nil {
		return 0, fmt.Errorf("oplog: retry auth failures: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("oplog: retry auth failures rows affected: %w", err)
	}

	if n > 0 {
		l.logger.Info("Auth failures requeued", "count", n)
	}
	return int(n), nil
}

// Delete removes a record using ex (a transaction or the database).
func (l *Log) Delete(ctx context.Context, ex Execer, id int64) error {
	result, err := ex.ExecContext(ctx, `DELETE FROM operations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("oplog: delete %d: %w", id, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("oplog: delete %d rows affected: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return nil
}

// DeleteFailed removes a record only if it is FAILED. Pending records are
// still owned by the executor and cannot be discarded.
func (l *Log) DeleteFailed(ctx context.Context, ex Execer, id int64) error {
	result, err := ex.ExecContext(ctx,
		`DELETE FROM operations WHERE id = ? AND status = ?`, id, string(StatusFailed))
	if err != nil {
		return fmt.Errorf("oplog: delete failed %d: %w", id, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("oplog: delete failed %d rows affected: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: delete %d: record is not failed", ErrInvalidTransition, id)
	}
	return nil
}

// DeleteForEntity removes every record of the given operation types that
// targets the entity, using ex. With no types, all records for the entity are
// removed. It returns the number of deleted rows.
func (l *Log) DeleteForEntity(
	ctx context.Context, ex Execer, entityType EntityType, entityID string, ops ...OperationType,
) (int, error) {
	return l.deleteForEntity(ctx, ex, entityType, entityID, "", ops)
}

// DeleteFailedForEntity is DeleteForEntity restricted to FAILED records.
// Pending records of the entity are left to the executor.
func (l *Log) DeleteFailedForEntity(
	ctx context.Context, ex Execer, entityType EntityType, entityID string, ops ...OperationType,
) (int, error) {
	return l.deleteForEntity(ctx, ex, entityType, entityID, StatusFailed, ops)
}

func (l *Log) deleteForEntity(
	ctx context.Context, ex Execer, entityType EntityType, entityID string, status Status, ops []OperationType,
) (int, error) {
	query := `DELETE FROM operations WHERE entity_type = ? AND entity_id = ?`
	args := []any{string(entityType), entityID}

	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	if len(ops) > 0 {
		query += ` AND operation_type IN (?` + repeatPlaceholder(len(ops)-1) + `)`
		for _, op := range ops {
			args = append(args, string(op))
		}
	}

	result, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("oplog: delete records for %s %s: %w", entityType, entityID, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("oplog: delete records for %s %s rows affected: %w", entityType, entityID, err)
	}
	return int(n), nil
}

// CountForEntity returns how many records of the entity are in status, using
// q so the count can be taken inside the caller's transaction.
func (l *Log) CountForEntity(
	ctx context.Context, q Querier, entityType EntityType, entityID string, status Status,
) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM operations WHERE entity_type = ? AND entity_id = ? AND status = ?`,
		string(entityType), entityID, string(status),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("oplog: count %s records for %s %s: %w", status, entityType, entityID, err)
	}
	return n, nil
}

// PendingCount returns the number of pending records.
func (l *Log) PendingCount(ctx context.Context) (int, error) {
	return l.count(ctx, `WHERE status = ?`, "pending", string(StatusPending))
}

// FailedRecords returns dead letters shown in the normal failure list, oldest
// first. AUTH failures are excluded; see AuthFailures.
func (l *Log) FailedRecords(ctx context.Context) ([]Record, error) {
	return l.queryRows(ctx,
		`WHERE status = ? AND (failure_kind IS NULL OR failure_kind != ?) ORDER BY timestamp, id`,
		"failed records", string(StatusFailed), string(FailureAuth))
}

// AuthFailures returns dead letters caused by authentication errors.
func (l *Log) AuthFailures(ctx context.Context) ([]Record, error) {
	return l.queryRows(ctx,
		`WHERE status = ? AND failure_kind = ? ORDER BY timestamp, id`,
		"auth failures", string(StatusFailed), string(FailureAuth))
}

// ForEntity returns every record targeting the entity, in FIFO order.
func (l *Log) ForEntity(ctx context.Context, entityType EntityType, entityID string) ([]Record, error) {
	return l.queryRows(ctx,
		`WHERE entity_type = ? AND entity_id = ? ORDER BY timestamp, id`,
		"for entity", string(entityType), entityID)
}

// OldestPendingAge returns how long the oldest pending record has waited.
// ok is false when nothing is pending.
func (l *Log) OldestPendingAge(ctx context.Context) (age time.Duration, ok bool, err error) {
	var ts sql.NullInt64

	err = l.db.QueryRowContext(ctx,
		`SELECT MIN(timestamp) FROM operations WHERE status = ?`, string(StatusPending)).Scan(&ts)
	if err != nil {
		return 0, false, fmt.Errorf("oplog: oldest pending: %w", err)
	}
	if !ts.Valid {
		return 0, false, nil
	}

	age = l.nowFunc().Sub(time.UnixMilli(ts.Int64))
	if age < 0 {
		age = 0
	}
	return age, true, nil
}

// Health computes the sync read model in a single query.
func (l *Log) Health(ctx context.Context) (Health, error) {
	var (
		h      Health
		oldest sql.NullInt64
	)

	err := l.db.QueryRowContext(ctx,
		`SELECT
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? AND (failure_kind IS NULL OR failure_kind != ?) THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? AND failure_kind = ? THEN 1 ELSE 0 END), 0),
			MIN(CASE WHEN status = ? THEN timestamp END)
		 FROM operations`,
		string(StatusPending),
		string(StatusFailed), string(FailureAuth),
		string(StatusFailed), string(FailureAuth),
		string(StatusPending),
	).Scan(&h.PendingCount, &h.FailedCount, &h.AuthFailedCount, &oldest)
	if err != nil {
		return Health{}, fmt.Errorf("oplog: health: %w", err)
	}

	if oldest.Valid {
		age := l.nowFunc().Sub(time.UnixMilli(oldest.Int64)).Milliseconds()
		if age > 0 {
			h.OldestPendingAgeMillis = age
		}
	}
	return h, nil
}

// transition runs a guarded status UPDATE and distinguishes a missing record
// from one in the wrong status.
func (l *Log) transition(ctx context.Context, id int64, desc, query string, args ...any) error {
	result, err := l.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("oplog: %s %d: %w", desc, id, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("oplog: %s %d rows affected: %w", desc, id, err)
	}
	if n > 0 {
		return nil
	}

	rec, err := l.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s %d: record is %s", ErrInvalidTransition, desc, id, rec.Status)
}

func (l *Log) count(ctx context.Context, whereClause, desc string, args ...any) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM operations `+whereClause, args...).Scan(&n) //nolint:gosec // whereClause is a compile-time constant
	if err != nil {
		return 0, fmt.Errorf("oplog: count %s: %w", desc, err)
	}
	return n, nil
}

// queryRows runs sqlSelectCols + whereClause and scans the result. The
// whereClause is always a constant; desc is used in error messages.
func (l *Log) queryRows(ctx context.Context, whereClause, desc string, args ...any) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx, sqlSelectCols+whereClause, args...) //nolint:gosec // whereClause is a compile-time constant
	if err != nil {
		return nil, fmt.Errorf("oplog: %s: %w", desc, err)
	}
	defer rows.Close()

	var result []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("oplog: iterating %s rows: %w", desc, err)
	}
	return result, nil
}

func scanRecord(rows *sql.Rows) (*Record, error) {
	var (
		r        Record
		opType   string
		entType  string
		status   string
		reason   sql.NullString
		kindText sql.NullString
	)

	err := rows.Scan(&r.ID, &opType, &entType, &r.EntityID, &r.Payload,
		&r.Timestamp, &status, &reason, &kindText)
	if err != nil {
		return nil, fmt.Errorf("oplog: scanning record: %w", err)
	}

	if r.OperationType, err = ParseOperationType(opType); err != nil {
		return nil, err
	}
	if r.EntityType, err = ParseEntityType(entType); err != nil {
		return nil, err
	}
	if r.FailureKind, err = ParseFailureKind(kindText.String); err != nil {
		return nil, err
	}

	r.Status = Status(status)
	r.FailureReason = reason.String
	return &r, nil
}

// repeatPlaceholder returns ", ?" repeated n times for IN clauses.
func repeatPlaceholder(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat(", ?", n)
}
