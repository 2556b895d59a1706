// Package payload defines the mutations carried by operation records.
//
// A Mutation is a closed sum type over entity type x operation type. Each
// variant carries its own strongly-typed snapshot, so the remote client and
// the local apply path can switch over the concrete type exhaustively instead
// of dispatching on strings.
//
// On disk a mutation is stored as a versioned envelope:
//
//	{"schema": "expense", "version": 1, "data": {...}}
//
// New fields are only ever added with zero-value defaults, so records queued
// by an older binary still decode after an upgrade. An envelope written by a
// newer binary is rejected.
package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mmynk/splitledger/internal/models"
	"github.com/mmynk/splitledger/internal/oplog"
)

// CurrentVersion is the envelope version written by Encode.
const CurrentVersion = 1

// Schema tags the shape of an envelope's data.
type Schema string

// Envelope schemas.
const (
	SchemaExpense    Schema = "expense"
	SchemaGroup      Schema = "group"
	SchemaSettlement Schema = "settlement"
	SchemaTombstone  Schema = "tombstone"
)

var (
	// ErrUnsupportedVersion is returned for envelopes newer than CurrentVersion.
	ErrUnsupportedVersion = errors.New("payload: unsupported envelope version")

	// ErrSchemaMismatch is returned when an envelope's schema does not fit the
	// record's entity and operation type.
	ErrSchemaMismatch = errors.New("payload: schema does not match record")

	// ErrEmptyData is returned when the envelope carries no data.
	ErrEmptyData = errors.New("payload: empty data")

	// ErrEntityMismatch is returned when the snapshot's id differs from the
	// record's entity id.
	ErrEntityMismatch = errors.New("payload: entity id mismatch")
)

// Envelope is the persisted form of a Mutation.
type Envelope struct {
	Schema  Schema          `json:"schema"`
	Version int             `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// ExpenseSnapshot is an expense together with all of its split rows.
type ExpenseSnapshot struct {
	Expense models.Expense        `json:"expense"`
	Splits  []models.ExpenseSplit `json:"splits"`
}

// Tombstone identifies a deleted entity.
type Tombstone struct {
	ID string `json:"id"`
}

// Mutation is one of the nine variants below.
type Mutation interface {
	EntityType() oplog.EntityType
	OperationType() oplog.OperationType
	EntityID() string

	isMutation()
}

// CreateExpense records a new expense with its splits.
type CreateExpense struct{ Snapshot ExpenseSnapshot }

// UpdateExpense replaces an expense and all of its splits.
type UpdateExpense struct{ Snapshot ExpenseSnapshot }

// DeleteExpense removes an expense and its splits.
type DeleteExpense struct{ ID string }

// CreateGroup records a new group.
type CreateGroup struct{ Group models.Group }

// UpdateGroup replaces a group's name and member list.
type UpdateGroup struct{ Group models.Group }

// DeleteGroup removes a group.
type DeleteGroup struct{ ID string }

// CreateSettlement records a new settlement.
type CreateSettlement struct{ Settlement models.Settlement }

// UpdateSettlement replaces a settlement.
type UpdateSettlement struct{ Settlement models.Settlement }

// DeleteSettlement removes a settlement.
type DeleteSettlement struct{ ID string }

func (CreateExpense) EntityType() oplog.EntityType    { return oplog.EntityExpense }
func (UpdateExpense) EntityType() oplog.EntityType    { return oplog.EntityExpense }
func (DeleteExpense) EntityType() oplog.EntityType    { return oplog.EntityExpense }
func (CreateGroup) EntityType() oplog.EntityType      { return oplog.EntityGroup }
func (UpdateGroup) EntityType() oplog.EntityType      { return oplog.EntityGroup }
func (DeleteGroup) EntityType() oplog.EntityType      { return oplog.EntityGroup }
func (CreateSettlement) EntityType() oplog.EntityType { return oplog.EntitySettlement }
func (UpdateSettlement) EntityType() oplog.EntityType { return oplog.EntitySettlement }
func (DeleteSettlement) EntityType() oplog.EntityType { return oplog.EntitySettlement }

func (CreateExpense) OperationType() oplog.OperationType    { return oplog.OpCreate }
func (UpdateExpense) OperationType() oplog.OperationType    { return oplog.OpUpdate }
func (DeleteExpense) OperationType() oplog.OperationType    { return oplog.OpDelete }
func (CreateGroup) OperationType() oplog.OperationType      { return oplog.OpCreate }
func (UpdateGroup) OperationType() oplog.OperationType      { return oplog.OpUpdate }
func (DeleteGroup) OperationType() oplog.OperationType      { return oplog.OpDelete }
func (CreateSettlement) OperationType() oplog.OperationType { return oplog.OpCreate }
func (UpdateSettlement) OperationType() oplog.OperationType { return oplog.OpUpdate }
func (DeleteSettlement) OperationType() oplog.OperationType { return oplog.OpDelete }

func (m CreateExpense) EntityID() string    { return m.Snapshot.Expense.ID }
func (m UpdateExpense) EntityID() string    { return m.Snapshot.Expense.ID }
func (m DeleteExpense) EntityID() string    { return m.ID }
func (m CreateGroup) EntityID() string      { return m.Group.ID }
func (m UpdateGroup) EntityID() string      { return m.Group.ID }
func (m DeleteGroup) EntityID() string      { return m.ID }
func (m CreateSettlement) EntityID() string { return m.Settlement.ID }
func (m UpdateSettlement) EntityID() string { return m.Settlement.ID }
func (m DeleteSettlement) EntityID() string { return m.ID }

func (CreateExpense) isMutation()    {}
func (UpdateExpense) isMutation()    {}
func (DeleteExpense) isMutation()    {}
func (CreateGroup) isMutation()      {}
func (UpdateGroup) isMutation()      {}
func (DeleteGroup) isMutation()      {}
func (CreateSettlement) isMutation() {}
func (UpdateSettlement) isMutation() {}
func (DeleteSettlement) isMutation() {}

// Encode serializes m into a current-version envelope.
func Encode(m Mutation) ([]byte, error) {
	var (
		schema Schema
		data   any
	)

	switch v := m.(type) {
	case CreateExpense:
		schema, data = SchemaExpense, v.Snapshot
	case UpdateExpense:
		schema, data = SchemaExpense, v.Snapshot
	case CreateGroup:
		schema, data = SchemaGroup, v.Group
	case UpdateGroup:
		schema, data = SchemaGroup, v.Group
	case CreateSettlement:
		schema, data = SchemaSettlement, v.Settlement
	case UpdateSettlement:
		schema, data = SchemaSettlement, v.Settlement
	case DeleteExpense:
		schema, data = SchemaTombstone, Tombstone{ID: v.ID}
	case DeleteGroup:
		schema, data = SchemaTombstone, Tombstone{ID: v.ID}
	case DeleteSettlement:
		schema, data = SchemaTombstone, Tombstone{ID: v.ID}
	default:
		return nil, fmt.Errorf("payload: encode: unsupported mutation %T", m)
	}

	if m.EntityID() == "" {
		return nil, fmt.Errorf("payload: encode %s %s: empty entity id", m.OperationType(), m.EntityType())
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("payload: encode %s %s: %w", m.OperationType(), m.EntityType(), err)
	}

	out, err := json.Marshal(Envelope{Schema: schema, Version: CurrentVersion, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("payload: encode envelope: %w", err)
	}
	return out, nil
}

// Record builds the pending operation record that describes m.
func Record(m Mutation) (*oplog.Record, error) {
	raw, err := Encode(m)
	if err != nil {
		return nil, err
	}
	return &oplog.Record{
		OperationType: m.OperationType(),
		EntityType:    m.EntityType(),
		EntityID:      m.EntityID(),
		Payload:       raw,
	}, nil
}

// FromRecord decodes the mutation stored in rec.
func FromRecord(rec *oplog.Record) (Mutation, error) {
	return Decode(rec.EntityType, rec.OperationType, rec.EntityID, rec.Payload)
}

// Decode rebuilds the mutation for a record from its raw envelope.
func Decode(entityType oplog.EntityType, opType oplog.OperationType, entityID string, raw []byte) (Mutation, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("payload: decode envelope for %s %s: %w", entityType, entityID, err)
	}
	if env.Version > CurrentVersion || env.Version < 1 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.Version)
	}

	trimmed := bytes.TrimSpace(env.Data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fmt.Errorf("%w: %s %s %s", ErrEmptyData, opType, entityType, entityID)
	}

	want := expectedSchema(entityType, opType)
	if want == "" || env.Schema != want {
		return nil, fmt.Errorf("%w: %s %s has schema %q", ErrSchemaMismatch, opType, entityType, env.Schema)
	}

	m, err := decodeData(entityType, opType, env.Data)
	if err != nil {
		return nil, fmt.Errorf("payload: decode %s %s %s: %w", opType, entityType, entityID, err)
	}

	if m.EntityID() != entityID {
		return nil, fmt.Errorf("%w: record %s, payload %s", ErrEntityMismatch, entityID, m.EntityID())
	}
	return m, nil
}

func expectedSchema(entityType oplog.EntityType, opType oplog.OperationType) Schema {
	if opType == oplog.OpDelete {
		return SchemaTombstone
	}
	if opType != oplog.OpCreate && opType != oplog.OpUpdate {
		return ""
	}

	switch entityType {
	case oplog.EntityExpense:
		return SchemaExpense
	case oplog.EntityGroup:
		return SchemaGroup
	case oplog.EntitySettlement:
		return SchemaSettlement
	default:
		return ""
	}
}

func decodeData(entityType oplog.EntityType, opType oplog.OperationType, data json.RawMessage) (Mutation, error) {
	if opType == oplog.OpDelete {
		var ts Tombstone
		if err := json.Unmarshal(data, &ts); err != nil {
			return nil, err
		}
		switch entityType {
		case oplog.EntityExpense:
			return DeleteExpense{ID: ts.ID}, nil
		case oplog.EntityGroup:
			return DeleteGroup{ID: ts.ID}, nil
		default:
			return DeleteSettlement{ID: ts.ID}, nil
		}
	}

	create := opType == oplog.OpCreate

	switch entityType {
	case oplog.EntityExpense:
		var snap ExpenseSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, err
		}
		if create {
			return CreateExpense{Snapshot: snap}, nil
		}
		return UpdateExpense{Snapshot: snap}, nil

	case oplog.EntityGroup:
		var g models.Group
		if err := json.Unmarshal(data, &g); err != nil {
			return nil, err
		}
		if create {
			return CreateGroup{Group: g}, nil
		}
		return UpdateGroup{Group: g}, nil

	default:
		var s models.Settlement
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		if create {
			return CreateSettlement{Settlement: s}, nil
		}
		return UpdateSettlement{Settlement: s}, nil
	}
}
