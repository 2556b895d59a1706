package oplog

import "fmt"

// OperationType is the kind of mutation a record describes.
type OperationType string

// Operation types.
const (
	OpCreate OperationType = "CREATE"
	OpUpdate OperationType = "UPDATE"
	OpDelete OperationType = "DELETE"
)

// EntityType names the ledger entity a record mutates.
type EntityType string

// Entity types.
const (
	EntityExpense    EntityType = "EXPENSE"
	EntityGroup      EntityType = "GROUP"
	EntitySettlement EntityType = "SETTLEMENT"
)

// Status is the persisted state of a record. There is no synced state:
// a record that reached the remote is deleted.
type Status string

// Record statuses.
const (
	StatusPending Status = "PENDING"
	StatusFailed  Status = "FAILED"
)

// FailureKind is the closed taxonomy of sync failures.
type FailureKind string

// Failure kinds.
const (
	FailureNetwork    FailureKind = "NETWORK"
	FailureServer     FailureKind = "SERVER"
	FailureValidation FailureKind = "VALIDATION"
	FailureAuth       FailureKind = "AUTH"
	FailureUnknown    FailureKind = "UNKNOWN"
)

// Retryable reports whether a failure of this kind leaves the record pending
// for a later drain.
func (k FailureKind) Retryable() bool {
	return k == FailureNetwork || k == FailureServer
}

// ParseOperationType converts a database TEXT value to OperationType.
func ParseOperationType(s string) (OperationType, error) {
	switch OperationType(s) {
	case OpCreate, OpUpdate, OpDelete:
		return OperationType(s), nil
	default:
		return "", fmt.Errorf("oplog: unknown operation type %q", s)
	}
}

// ParseEntityType converts a database TEXT value to EntityType.
func ParseEntityType(s string) (EntityType, error) {
	switch EntityType(s) {
	case EntityExpense, EntityGroup, EntitySettlement:
		return EntityType(s), nil
	default:
		return "", fmt.Errorf("oplog: unknown entity type %q", s)
	}
}

// ParseFailureKind converts a database TEXT value to FailureKind.
// The empty string is valid and means "no failure recorded".
func ParseFailureKind(s string) (FailureKind, error) {
	switch FailureKind(s) {
	case "", FailureNetwork, FailureServer, FailureValidation, FailureAuth, FailureUnknown:
		return FailureKind(s), nil
	default:
		return "", fmt.Errorf("oplog: unknown failure kind %q", s)
	}
}

// Record is one durable, pending or dead-lettered mutation.
type Record struct {
	ID            int64
	OperationType OperationType
	EntityType    EntityType
	EntityID      string
	Payload       []byte
	Timestamp     int64 // unix milliseconds; FIFO order key
	Status        Status
	FailureReason string
	FailureKind   FailureKind
}
