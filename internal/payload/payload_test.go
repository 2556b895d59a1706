package payload

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/splitledger/internal/models"
	"github.com/mmynk/splitledger/internal/oplog"
)

func testSnapshot() ExpenseSnapshot {
	return ExpenseSnapshot{
		Expense: models.Expense{
			ID:          "exp-1",
			GroupID:     "grp-1",
			Description: "Dinner",
			Amount:      decimal.RequireFromString("100.00"),
			PayerID:     "alice",
			Date:        1700000000,
		},
		Splits: []models.ExpenseSplit{
			{ExpenseID: "exp-1", UserID: "alice", Amount: decimal.RequireFromString("40.00")},
			{ExpenseID: "exp-1", UserID: "bob", Amount: decimal.RequireFromString("60.00")},
		},
	}
}

func TestEncodeDecode_AllVariants(t *testing.T) {
	t.Parallel()

	group := models.Group{ID: "grp-1", Name: "Trip", Members: []string{"alice", "bob"}, CreatedAt: 1700000000}
	settlement := models.Settlement{
		ID: "set-1", GroupID: "grp-1", FromUserID: "bob", ToUserID: "alice",
		Amount: decimal.RequireFromString("25.50"), Date: 1700000100,
	}

	tests := []struct {
		name string
		m    Mutation
	}{
		{"create expense", CreateExpense{Snapshot: testSnapshot()}},
		{"update expense", UpdateExpense{Snapshot: testSnapshot()}},
		{"delete expense", DeleteExpense{ID: "exp-1"}},
		{"create group", CreateGroup{Group: group}},
		{"update group", UpdateGroup{Group: group}},
		{"delete group", DeleteGroup{ID: "grp-1"}},
		{"create settlement", CreateSettlement{Settlement: settlement}},
		{"update settlement", UpdateSettlement{Settlement: settlement}},
		{"delete settlement", DeleteSettlement{ID: "set-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec, err := Record(tt.m)
			require.NoError(t, err)
			assert.Equal(t, tt.m.EntityType(), rec.EntityType)
			assert.Equal(t, tt.m.OperationType(), rec.OperationType)
			assert.Equal(t, tt.m.EntityID(), rec.EntityID)

			got, err := FromRecord(rec)
			require.NoError(t, err)
			assert.IsType(t, tt.m, got)
			assert.Equal(t, tt.m.EntityID(), got.EntityID())

			// Re-encoding the decoded value is stable.
			again, err := Encode(got)
			require.NoError(t, err)
			assert.JSONEq(t, string(rec.Payload), string(again))
		})
	}
}

func TestDecode_PreservesMoney(t *testing.T) {
	t.Parallel()

	raw, err := Encode(CreateExpense{Snapshot: testSnapshot()})
	require.NoError(t, err)

	m, err := Decode(oplog.EntityExpense, oplog.OpCreate, "exp-1", raw)
	require.NoError(t, err)

	snap := m.(CreateExpense).Snapshot
	assert.True(t, snap.Expense.Amount.Equal(decimal.RequireFromString("100")))
	require.Len(t, snap.Splits, 2)
	assert.Equal(t, "60.00", models.FormatMoney(snap.Splits[1].Amount))
}

func TestDecode_OlderPayloadWithoutNewFields(t *testing.T) {
	t.Parallel()

	// A version 1 record written before description and timestamps existed.
	raw := []byte(`{"schema":"expense","version":1,"data":{"expense":{"id":"exp-9","group_id":"g","amount":"10.00","payer_id":"a","date":1},"splits":[]}}`)

	m, err := Decode(oplog.EntityExpense, oplog.OpUpdate, "exp-9", raw)
	require.NoError(t, err)

	snap := m.(UpdateExpense).Snapshot
	assert.Empty(t, snap.Expense.Description)
	assert.Zero(t, snap.Expense.UpdatedAt)
	assert.Empty(t, snap.Splits)
}

func TestDecode_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		entityType oplog.EntityType
		opType     oplog.OperationType
		entityID   string
		raw        string
		wantErr    error
	}{
		{
			name: "newer version", entityType: oplog.EntityGroup, opType: oplog.OpCreate, entityID: "g",
			raw: `{"schema":"group","version":2,"data":{"id":"g"}}`, wantErr: ErrUnsupportedVersion,
		},
		{
			name: "missing version", entityType: oplog.EntityGroup, opType: oplog.OpCreate, entityID: "g",
			raw: `{"schema":"group","data":{"id":"g"}}`, wantErr: ErrUnsupportedVersion,
		},
		{
			name: "null data", entityType: oplog.EntityGroup, opType: oplog.OpCreate, entityID: "g",
			raw: `{"schema":"group","version":1,"data":null}`, wantErr: ErrEmptyData,
		},
		{
			name: "schema mismatch", entityType: oplog.EntityExpense, opType: oplog.OpCreate, entityID: "g",
			raw: `{"schema":"group","version":1,"data":{"id":"g"}}`, wantErr: ErrSchemaMismatch,
		},
		{
			name: "delete needs tombstone", entityType: oplog.EntityGroup, opType: oplog.OpDelete, entityID: "g",
			raw: `{"schema":"group","version":1,"data":{"id":"g"}}`, wantErr: ErrSchemaMismatch,
		},
		{
			name: "entity id mismatch", entityType: oplog.EntitySettlement, opType: oplog.OpDelete, entityID: "s1",
			raw: `{"schema":"tombstone","version":1,"data":{"id":"s2"}}`, wantErr: ErrEntityMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Decode(tt.entityType, tt.opType, tt.entityID, []byte(tt.raw))
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestDecode_Garbage(t *testing.T) {
	t.Parallel()

	_, err := Decode(oplog.EntityExpense, oplog.OpCreate, "x", []byte("not json"))
	require.Error(t, err)
}

func TestEncode_EmptyID(t *testing.T) {
	t.Parallel()

	_, err := Encode(DeleteGroup{})
	require.Error(t, err)
}
