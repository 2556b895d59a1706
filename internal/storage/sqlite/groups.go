package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mmynk/splitledger/internal/models"
)

// GetGroup retrieves a group with its members in insertion order.
func (s *SQLiteStore) GetGroup(ctx context.Context, groupID string) (*models.Group, error) {
	var group *models.Group

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		group, err = getGroup(ctx, tx, groupID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return group, nil
}

// ListGroups retrieves all groups, newest first.
func (s *SQLiteStore) ListGroups(ctx context.Context) ([]models.Group, error) {
	var groups []models.Group

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			"SELECT id, name, created_at FROM groups ORDER BY created_at DESC, id")
		if err != nil {
			return fmt.Errorf("failed to list groups: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var g models.Group
			if err := rows.Scan(&g.ID, &g.Name, &g.CreatedAt); err != nil {
				return fmt.Errorf("failed to scan group: %w", err)
			}
			groups = append(groups, g)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to iterate groups: %w", err)
		}
		rows.Close()

		members, err := listMembers(ctx, tx, "")
		if err != nil {
			return err
		}
		for i := range groups {
			groups[i].Members = members[groups[i].ID]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return groups, nil
}

// putGroup upserts the group and replaces its member list.
func putGroup(ctx context.Context, q querier, group models.Group) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO groups (id, name, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, created_at = excluded.created_at`,
		group.ID, group.Name, group.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert group: %w", err)
	}

	if _, err := q.ExecContext(ctx, "DELETE FROM group_members WHERE group_id = ?", group.ID); err != nil {
		return fmt.Errorf("failed to clear group members: %w", err)
	}

	for i, member := range group.Members {
		_, err := q.ExecContext(ctx,
			"INSERT INTO group_members (group_id, user_id, position) VALUES (?, ?, ?)",
			group.ID, member, i,
		)
		if err != nil {
			return fmt.Errorf("failed to insert group member: %w", err)
		}
	}

	return nil
}

// deleteGroup removes a group together with its expenses and settlements.
// Members go via ON DELETE CASCADE.
func deleteGroup(ctx context.Context, q querier, groupID string) error {
	stmts := []string{
		"DELETE FROM expenses WHERE group_id = ?",
		"DELETE FROM settlements WHERE group_id = ?",
		"DELETE FROM groups WHERE id = ?",
	}
	for _, stmt := range stmts {
		if _, err := q.ExecContext(ctx, stmt, groupID); err != nil {
			return fmt.Errorf("failed to delete group: %w", err)
		}
	}
	return nil
}

// groupChildren returns the ids of the group's expenses and settlements.
func groupChildren(ctx context.Context, q querier, groupID string) (expenseIDs, settlementIDs []string, err error) {
	expenseIDs, err = selectIDs(ctx, q, "SELECT id FROM expenses WHERE group_id = ? ORDER BY id", groupID)
	if err != nil {
		return nil, nil, err
	}
	settlementIDs, err = selectIDs(ctx, q, "SELECT id FROM settlements WHERE group_id = ? ORDER BY id", groupID)
	if err != nil {
		return nil, nil, err
	}
	return expenseIDs, settlementIDs, nil
}

func selectIDs(ctx context.Context, q querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ids: %w", err)
	}
	return ids, nil
}

func getGroup(ctx context.Context, q querier, groupID string) (*models.Group, error) {
	g := &models.Group{}

	err := q.QueryRowContext(ctx,
		"SELECT id, name, created_at FROM groups WHERE id = ?", groupID,
	).Scan(&g.ID, &g.Name, &g.CreatedAt)
	if err != nil {
		return nil, notFound(err, "group", groupID)
	}

	members, err := listMembers(ctx, q, groupID)
	if err != nil {
		return nil, err
	}
	g.Members = members[groupID]

	return g, nil
}

// listMembers returns member lists keyed by group. An empty groupID loads
// every group's members.
func listMembers(ctx context.Context, q querier, groupID string) (map[string][]string, error) {
	query := "SELECT group_id, user_id FROM group_members ORDER BY group_id, position"
	var args []any
	if groupID != "" {
		query = "SELECT group_id, user_id FROM group_members WHERE group_id = ? ORDER BY position"
		args = append(args, groupID)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get group members: %w", err)
	}
	defer rows.Close()

	members := make(map[string][]string)
	for rows.Next() {
		var gid, userID string
		if err := rows.Scan(&gid, &userID); err != nil {
			return nil, fmt.Errorf("failed to scan group member: %w", err)
		}
		members[gid] = append(members[gid], userID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate group members: %w", err)
	}
	return members, nil
}
