package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mmynk/splitledger/internal/models"
)

const sqlSettlementCols = `SELECT id, group_id, from_user_id, to_user_id, amount, date, note FROM settlements `

// GetSettlement retrieves a settlement by ID.
func (s *SQLiteStore) GetSettlement(ctx context.Context, settlementID string) (*models.Settlement, error) {
	settlements, err := listSettlements(ctx, s.db, `WHERE id = ?`, settlementID)
	if err != nil {
		return nil, err
	}
	if len(settlements) == 0 {
		return nil, notFound(sql.ErrNoRows, "settlement", settlementID)
	}
	return &settlements[0], nil
}

// ListSettlementsByGroup retrieves all settlements for a group, newest first.
func (s *SQLiteStore) ListSettlementsByGroup(ctx context.Context, groupID string) ([]models.Settlement, error) {
	return listSettlements(ctx, s.db, `WHERE group_id = ? ORDER BY date DESC, id`, groupID)
}

// putSettlement upserts a settlement.
func putSettlement(ctx context.Context, q querier, settlement models.Settlement) error {
	var note any
	if settlement.Note != "" {
		note = settlement.Note
	}

	_, err := q.ExecContext(ctx,
		`INSERT INTO settlements (id, group_id, from_user_id, to_user_id, amount, date, note)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			group_id = excluded.group_id,
			from_user_id = excluded.from_user_id,
			to_user_id = excluded.to_user_id,
			amount = excluded.amount,
			date = excluded.date,
			note = excluded.note`,
		settlement.ID, settlement.GroupID, settlement.FromUserID, settlement.ToUserID,
		moneyText(settlement.Amount), settlement.Date, note,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert settlement: %w", err)
	}

	return nil
}

// deleteSettlement removes a settlement by ID. A missing row is not an error.
func deleteSettlement(ctx context.Context, q querier, settlementID string) error {
	if _, err := q.ExecContext(ctx, "DELETE FROM settlements WHERE id = ?", settlementID); err != nil {
		return fmt.Errorf("failed to delete settlement: %w", err)
	}
	return nil
}

func listSettlements(ctx context.Context, q querier, whereClause string, args ...any) ([]models.Settlement, error) {
	rows, err := q.QueryContext(ctx, sqlSettlementCols+whereClause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list settlements: %w", err)
	}
	defer rows.Close()

	var settlements []models.Settlement
	for rows.Next() {
		var (
			settlement models.Settlement
			note       sql.NullString
		)

		if err := rows.Scan(&settlement.ID, &settlement.GroupID, &settlement.FromUserID, &settlement.ToUserID,
			&settlement.Amount, &settlement.Date, &note); err != nil {
			return nil, fmt.Errorf("failed to scan settlement: %w", err)
		}

		if note.Valid {
			settlement.Note = note.String
		}

		settlements = append(settlements, settlement)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate settlements: %w", err)
	}

	return settlements, nil
}
