package service

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mmynk/splitledger/internal/calculator"
	"github.com/mmynk/splitledger/internal/models"
	"github.com/mmynk/splitledger/internal/payload"
	"github.com/mmynk/splitledger/internal/storage"
)

// SplitMethod selects how an expense amount is divided.
type SplitMethod string

const (
	SplitEqual    SplitMethod = "equal"
	SplitExact    SplitMethod = "exact"
	SplitItemized SplitMethod = "itemized"
)

// ExpenseInput describes an expense to add or edit.
type ExpenseInput struct {
	GroupID     string
	Description string
	Amount      decimal.Decimal // bill total including tax and tip
	PayerID     string
	Date        int64 // unix seconds; zero means now

	Method       SplitMethod
	Participants []string                   // equal and itemized
	Shares       map[string]decimal.Decimal // exact
	Items        []calculator.Item          // itemized
	Subtotal     decimal.Decimal            // itemized; sum of items before tax
}

// SettlementInput describes a recorded payment between two members.
type SettlementInput struct {
	GroupID    string
	FromUserID string
	ToUserID   string
	Amount     decimal.Decimal
	Date       int64
	Note       string
}

// AddExpense computes the splits for in and queues a new expense. Payer and
// participants who are not yet group members are added to the group first.
func (s *LedgerService) AddExpense(ctx context.Context, in ExpenseInput) (*payload.ExpenseSnapshot, error) {
	s.logger.Info("AddExpense request received",
		"group_id", in.GroupID,
		"amount", models.FormatMoney(in.Amount),
		"method", in.Method,
	)

	draft, err := s.buildExpense(ctx, s.newID(), 0, in)
	if err != nil {
		return nil, err
	}

	if err := s.commit(ctx, draft.mutations(payload.CreateExpense{Snapshot: *draft.snap})...); err != nil {
		s.logger.Error("AddExpense failed", "error", err)
		return nil, err
	}

	s.logAutoAdd(draft)
	s.logger.Info("Expense added", "expense_id", draft.snap.Expense.ID, "splits", len(draft.snap.Splits))
	return draft.snap, nil
}

// EditExpense replaces an existing expense with a recomputed version.
func (s *LedgerService) EditExpense(ctx context.Context, expenseID string, in ExpenseInput) (*payload.ExpenseSnapshot, error) {
	s.logger.Info("EditExpense request received", "expense_id", expenseID)

	existing, err := s.store.GetExpense(ctx, expenseID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, invalid("expense_id", "expense %s not found", expenseID)
	}
	if err != nil {
		return nil, err
	}

	draft, err := s.buildExpense(ctx, expenseID, existing.Expense.CreatedAt, in)
	if err != nil {
		return nil, err
	}

	if err := s.commit(ctx, draft.mutations(payload.UpdateExpense{Snapshot: *draft.snap})...); err != nil {
		s.logger.Error("EditExpense failed", "error", err)
		return nil, err
	}

	s.logAutoAdd(draft)
	s.logger.Info("Expense updated", "expense_id", expenseID)
	return draft.snap, nil
}

// DeleteExpense removes an expense and its splits.
func (s *LedgerService) DeleteExpense(ctx context.Context, expenseID string) error {
	s.logger.Info("DeleteExpense request received", "expense_id", expenseID)

	if _, err := s.store.GetExpense(ctx, expenseID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return invalid("expense_id", "expense %s not found", expenseID)
		}
		return err
	}

	if err := s.commit(ctx, payload.DeleteExpense{ID: expenseID}); err != nil {
		s.logger.Error("DeleteExpense failed", "error", err)
		return err
	}
	return nil
}

// ListExpenses returns the expenses of a group, newest first.
func (s *LedgerService) ListExpenses(ctx context.Context, groupID string) ([]payload.ExpenseSnapshot, error) {
	if _, err := s.group(ctx, groupID); err != nil {
		return nil, err
	}
	return s.store.ListExpensesByGroup(ctx, groupID)
}

// RecordSettlement queues a payment from one member to another.
func (s *LedgerService) RecordSettlement(ctx context.Context, in SettlementInput) (*models.Settlement, error) {
	s.logger.Info("RecordSettlement request received",
		"group_id", in.GroupID,
		"from", in.FromUserID,
		"to", in.ToUserID,
		"amount", models.FormatMoney(in.Amount),
	)

	group, err := s.group(ctx, in.GroupID)
	if err != nil {
		return nil, err
	}

	switch {
	case in.FromUserID == "" || in.ToUserID == "":
		return nil, invalid("from_user_id", "sender and receiver are required")
	case in.FromUserID == in.ToUserID:
		return nil, invalid("to_user_id", "cannot settle with yourself")
	case !models.RoundMoney(in.Amount).IsPositive():
		return nil, invalid("amount", "must be positive")
	}
	for _, user := range []string{in.FromUserID, in.ToUserID} {
		if !isParticipant(user, group.Members) {
			return nil, invalid("members", "%s is not a member of group %s", user, group.ID)
		}
	}

	settlement := &models.Settlement{
		ID:         s.newID(),
		GroupID:    group.ID,
		FromUserID: in.FromUserID,
		ToUserID:   in.ToUserID,
		Amount:     models.RoundMoney(in.Amount),
		Date:       s.dateOrNow(in.Date),
		Note:       strings.TrimSpace(in.Note),
	}

	if err := s.commit(ctx, payload.CreateSettlement{Settlement: *settlement}); err != nil {
		s.logger.Error("RecordSettlement failed", "error", err)
		return nil, err
	}

	s.logger.Info("Settlement recorded", "settlement_id", settlement.ID)
	return settlement, nil
}

// DeleteSettlement removes a recorded payment.
func (s *LedgerService) DeleteSettlement(ctx context.Context, settlementID string) error {
	s.logger.Info("DeleteSettlement request received", "settlement_id", settlementID)

	if _, err := s.store.GetSettlement(ctx, settlementID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return invalid("settlement_id", "settlement %s not found", settlementID)
		}
		return err
	}

	return s.commit(ctx, payload.DeleteSettlement{ID: settlementID})
}

// expenseDraft is a computed expense plus the group update that has to be
// queued ahead of it when the payer or a participant is not yet a member.
type expenseDraft struct {
	snap        *payload.ExpenseSnapshot
	groupUpdate payload.Mutation
	newMembers  []string
}

func (d *expenseDraft) mutations(m payload.Mutation) []payload.Mutation {
	if d.groupUpdate == nil {
		return []payload.Mutation{m}
	}
	return []payload.Mutation{d.groupUpdate, m}
}

func (s *LedgerService) logAutoAdd(d *expenseDraft) {
	if len(d.newMembers) == 0 {
		return
	}
	s.logger.Info("Auto-added participants to group",
		"group_id", d.snap.Expense.GroupID,
		"new_members", d.newMembers,
	)
}

// buildExpense validates in and computes its splits.
func (s *LedgerService) buildExpense(
	ctx context.Context, id string, createdAt int64, in ExpenseInput,
) (*expenseDraft, error) {
	amount := models.RoundMoney(in.Amount)
	if !amount.IsPositive() {
		return nil, invalid("amount", "must be positive")
	}
	if in.PayerID == "" {
		return nil, invalid("payer_id", "required")
	}

	shares, err := computeShares(amount, in)
	if err != nil {
		return nil, err
	}

	group, err := s.group(ctx, in.GroupID)
	if err != nil {
		return nil, err
	}

	people := append([]string{in.PayerID}, sortedUsers(shares)...)
	groupUpdate, newMembers := memberUpdate(group, people...)

	snap := &payload.ExpenseSnapshot{
		Expense: models.Expense{
			ID:          id,
			GroupID:     group.ID,
			Description: strings.TrimSpace(in.Description),
			Amount:      amount,
			PayerID:     in.PayerID,
			Date:        s.dateOrNow(in.Date),
			CreatedAt:   createdAt,
		},
		Splits: calculator.ToExpenseSplits(id, shares),
	}
	return &expenseDraft{snap: snap, groupUpdate: groupUpdate, newMembers: newMembers}, nil
}

// computeShares returns each participant's share. Shares always add up to
// amount exactly.
func computeShares(amount decimal.Decimal, in ExpenseInput) (map[string]decimal.Decimal, error) {
	switch in.Method {
	case SplitEqual, "":
		shares, err := calculator.EqualSplit(amount, dedupe(in.Participants))
		if err != nil {
			return nil, invalid("participants", "%v", err)
		}
		return shares, nil

	case SplitExact:
		if len(in.Shares) == 0 {
			return nil, invalid("shares", "at least one share is required")
		}
		shares := make(map[string]decimal.Decimal, len(in.Shares))
		sum := decimal.Zero
		for user, amt := range in.Shares {
			amt = models.RoundMoney(amt)
			if user == "" || amt.IsNegative() {
				return nil, invalid("shares", "invalid share %s for %q", models.FormatMoney(amt), user)
			}
			shares[user] = amt
			sum = sum.Add(amt)
		}
		if !sum.Equal(amount) {
			return nil, invalid("shares", "shares add up to %s, expense amount is %s",
				models.FormatMoney(sum), models.FormatMoney(amount))
		}
		return shares, nil

	case SplitItemized:
		splits, err := calculator.ItemizedSplit(in.Items, amount, in.Subtotal, dedupe(in.Participants))
		if err != nil {
			return nil, invalid("items", "%v", err)
		}
		return calculator.Totals(splits), nil

	default:
		return nil, invalid("method", "unknown split method %q", in.Method)
	}
}

func (s *LedgerService) dateOrNow(date int64) int64 {
	if date != 0 {
		return date
	}
	return s.nowFunc().Unix()
}

// isParticipant checks if the user is in the participants list.
func isParticipant(userID string, participants []string) bool {
	for _, p := range participants {
		if p == userID {
			return true
		}
	}
	return false
}

func sortedUsers(shares map[string]decimal.Decimal) []string {
	splits := calculator.ToExpenseSplits("", shares)
	users := make([]string, len(splits))
	for i, sp := range splits {
		users[i] = sp.UserID
	}
	return users
}
