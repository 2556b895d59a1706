package sqlite

import (
	"context"
	"database/sql"

	"github.com/mmynk/splitledger/internal/storage"
)

// LoadLedger reads a group and all of its committed expenses, splits and
// settlements in one transaction, so the result is a consistent snapshot
// even while the write path is committing.
func (s *SQLiteStore) LoadLedger(ctx context.Context, groupID string) (*storage.Ledger, error) {
	ledger := &storage.Ledger{}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		group, err := getGroup(ctx, tx, groupID)
		if err != nil {
			return err
		}
		ledger.Group = group

		if ledger.Expenses, err = listExpenses(ctx, tx, `WHERE group_id = ? ORDER BY date, id`, groupID); err != nil {
			return err
		}
		if ledger.Splits, err = listGroupSplits(ctx, tx, groupID); err != nil {
			return err
		}
		ledger.Settlements, err = listSettlements(ctx, tx, `WHERE group_id = ? ORDER BY date, id`, groupID)
		return err
	})
	if err != nil {
		return nil, err
	}

	return ledger, nil
}
