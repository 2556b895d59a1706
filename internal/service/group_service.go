package service

import (
	"context"
	"slices"
	"strings"

	"github.com/mmynk/splitledger/internal/models"
	"github.com/mmynk/splitledger/internal/payload"
)

// CreateGroup creates a new group with a generated ID.
func (s *LedgerService) CreateGroup(ctx context.Context, name string, members []string) (*models.Group, error) {
	s.logger.Info("CreateGroup request received", "name", name, "members_count", len(members))

	group := &models.Group{
		ID:        s.newID(),
		Name:      strings.TrimSpace(name),
		Members:   dedupe(members),
		CreatedAt: s.nowFunc().Unix(),
	}
	if err := validateGroup(group); err != nil {
		return nil, err
	}

	if err := s.commit(ctx, payload.CreateGroup{Group: *group}); err != nil {
		s.logger.Error("CreateGroup failed", "error", err)
		return nil, err
	}

	s.logger.Info("Group created", "group_id", group.ID)
	return group, nil
}

// UpdateGroup renames a group and replaces its member list.
func (s *LedgerService) UpdateGroup(ctx context.Context, groupID, name string, members []string) (*models.Group, error) {
	s.logger.Info("UpdateGroup request received", "group_id", groupID, "name", name, "members_count", len(members))

	existing, err := s.group(ctx, groupID)
	if err != nil {
		return nil, err
	}

	group := &models.Group{
		ID:        existing.ID,
		Name:      strings.TrimSpace(name),
		Members:   dedupe(members),
		CreatedAt: existing.CreatedAt,
	}
	if err := validateGroup(group); err != nil {
		return nil, err
	}

	if err := s.commit(ctx, payload.UpdateGroup{Group: *group}); err != nil {
		s.logger.Error("UpdateGroup failed", "error", err)
		return nil, err
	}

	s.logger.Info("Group updated", "group_id", group.ID)
	return group, nil
}

// RenameGroup changes only the name of a group.
func (s *LedgerService) RenameGroup(ctx context.Context, groupID, name string) (*models.Group, error) {
	existing, err := s.group(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return s.UpdateGroup(ctx, groupID, name, existing.Members)
}

// DeleteGroup removes a group with its expenses and settlements.
func (s *LedgerService) DeleteGroup(ctx context.Context, groupID string) error {
	s.logger.Info("DeleteGroup request received", "group_id", groupID)

	if _, err := s.group(ctx, groupID); err != nil {
		return err
	}

	if err := s.commit(ctx, payload.DeleteGroup{ID: groupID}); err != nil {
		s.logger.Error("DeleteGroup failed", "error", err)
		return err
	}

	s.logger.Info("Group deleted", "group_id", groupID)
	return nil
}

// ListGroups returns every local group.
func (s *LedgerService) ListGroups(ctx context.Context) ([]models.Group, error) {
	return s.store.ListGroups(ctx)
}

// memberUpdate returns the group update that adds any of people missing from
// the group, or nil when all of them are members. The caller commits it
// together with the change that needs it.
func memberUpdate(group *models.Group, people ...string) (payload.Mutation, []string) {
	newMembers := findNewParticipants(people, group.Members)
	if len(newMembers) == 0 {
		return nil, nil
	}

	updated := *group
	updated.Members = append(slices.Clone(group.Members), newMembers...)
	return payload.UpdateGroup{Group: updated}, newMembers
}

func validateGroup(g *models.Group) error {
	if g.Name == "" {
		return invalid("name", "required")
	}
	if len(g.Members) == 0 {
		return invalid("members", "at least one member is required")
	}
	for _, m := range g.Members {
		if m == "" {
			return invalid("members", "member ids must not be empty")
		}
	}
	return nil
}

// findNewParticipants returns participants that are not already in existingMembers.
func findNewParticipants(participants, existingMembers []string) []string {
	memberSet := make(map[string]bool, len(existingMembers))
	for _, m := range existingMembers {
		memberSet[m] = true
	}
	var newOnes []string
	for _, p := range participants {
		if p != "" && !memberSet[p] {
			newOnes = append(newOnes, p)
			memberSet[p] = true
		}
	}
	return newOnes
}

// dedupe trims ids and drops repeats, keeping first occurrences in order.
func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
