// Package service holds the operations a host application calls: local
// writes that are queued for sync, derived balance views, and the sync
// controls. Every write commits the entity and its operation record together
// and then asks the scheduler for a drain.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mmynk/splitledger/internal/calculator"
	"github.com/mmynk/splitledger/internal/models"
	"github.com/mmynk/splitledger/internal/payload"
	"github.com/mmynk/splitledger/internal/storage"
)

// ValidationError reports input that was rejected before anything was written.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// LedgerService implements local writes and the balance views.
type LedgerService struct {
	store   storage.Store
	trigger func()
	logger  *slog.Logger
	newID   func() string
	nowFunc func() time.Time
}

// NewLedgerService creates a LedgerService. trigger is called after every
// successful write; it may be nil.
func NewLedgerService(store storage.Store, trigger func(), logger *slog.Logger) *LedgerService {
	if logger == nil {
		logger = slog.Default()
	}
	if trigger == nil {
		trigger = func() {}
	}

	return &LedgerService{
		store:   store,
		trigger: trigger,
		logger:  logger,
		newID:   uuid.NewString,
		nowFunc: time.Now,
	}
}

// commit persists ms with their operation records in one transaction and
// requests a drain. Either every mutation is queued or none is.
func (s *LedgerService) commit(ctx context.Context, ms ...payload.Mutation) error {
	recs, err := s.store.CommitAll(ctx, ms...)
	if err != nil {
		return err
	}

	for i, rec := range recs {
		s.logger.Info("Queued local change",
			"op_id", rec.ID,
			"op", ms[i].OperationType(),
			"entity", ms[i].EntityType(),
			"entity_id", ms[i].EntityID(),
		)
	}
	s.trigger()
	return nil
}

// group loads a group, reporting a missing one as a validation error.
func (s *LedgerService) group(ctx context.Context, groupID string) (*models.Group, error) {
	if groupID == "" {
		return nil, invalid("group_id", "required")
	}

	g, err := s.store.GetGroup(ctx, groupID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, invalid("group_id", "group %s not found", groupID)
	}
	return g, err
}

// CalculateBalances returns the net position of every user in the group.
// A ledger that does not sum to zero is logged and returned as an error.
func (s *LedgerService) CalculateBalances(ctx context.Context, groupID string) (calculator.Balances, error) {
	ledger, err := s.ledger(ctx, groupID)
	if err != nil {
		return nil, err
	}

	balances, err := calculator.CalculateBalances(ledger.Expenses, ledger.Splits, ledger.Settlements)
	if err != nil {
		s.logInvariant(groupID, err)
		return nil, err
	}
	return balances, nil
}

// SuggestSettlements computes transfers that would settle the group.
func (s *LedgerService) SuggestSettlements(
	ctx context.Context, groupID string, mode calculator.Mode,
) ([]calculator.Suggestion, error) {
	balances, err := s.CalculateBalances(ctx, groupID)
	if err != nil {
		return nil, err
	}

	suggestions := calculator.SuggestSettlementsWithLogger(balances, mode, s.logger)
	s.logger.Debug("Suggested settlements",
		"group_id", groupID,
		"mode", mode.String(),
		"count", len(suggestions),
	)
	return suggestions, nil
}

// MemberSummaries returns paid, owed and net amounts for every member.
func (s *LedgerService) MemberSummaries(ctx context.Context, groupID string) ([]calculator.MemberBalance, error) {
	ledger, err := s.ledger(ctx, groupID)
	if err != nil {
		return nil, err
	}

	summaries, err := calculator.Summaries(ledger.Group.Members, ledger.Expenses, ledger.Splits, ledger.Settlements)
	if err != nil {
		s.logInvariant(groupID, err)
		return nil, err
	}
	return summaries, nil
}

func (s *LedgerService) ledger(ctx context.Context, groupID string) (*storage.Ledger, error) {
	if groupID == "" {
		return nil, invalid("group_id", "required")
	}

	ledger, err := s.store.LoadLedger(ctx, groupID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, invalid("group_id", "group %s not found", groupID)
	}
	return ledger, err
}

func (s *LedgerService) logInvariant(groupID string, err error) {
	var inv *calculator.InvariantError
	if errors.As(err, &inv) {
		s.logger.Error("Ledger balances do not sum to zero",
			"group_id", groupID,
			"residual", models.FormatMoney(inv.Residual),
		)
	}
}
