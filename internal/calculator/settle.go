package calculator

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mmynk/splitledger/internal/models"
)

// Mode selects the settlement algorithm. The zero value is ModeMinimize.
type Mode int

const (
	// ModeMinimize produces the fewest transfers.
	ModeMinimize Mode = iota
	// ModeProportional spreads each debt across creditors by their share of
	// the total credit.
	ModeProportional
)

func (m Mode) String() string {
	switch m {
	case ModeMinimize:
		return "minimize"
	case ModeProportional:
		return "proportional"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode converts a flag value to a Mode. An empty string selects
// ModeMinimize.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "minimize", "min":
		return ModeMinimize, nil
	case "proportional", "prop":
		return ModeProportional, nil
	default:
		return 0, fmt.Errorf("unknown settlement mode %q", s)
	}
}

// Suggestion is an advisory transfer. It is never persisted.
type Suggestion struct {
	FromUserID string          `json:"from"`
	ToUserID   string          `json:"to"`
	Amount     decimal.Decimal `json:"amount"`
}

// cent is the smallest representable amount.
var cent = decimal.New(1, -models.MoneyPlaces)

// party is one side of a transfer with a positive outstanding amount.
type party struct {
	userID string
	amount decimal.Decimal
}

// SuggestSettlements converts balances into transfers that settle them.
// Both modes order each side by amount descending, then user ID ascending,
// so identical input always yields identical output.
func SuggestSettlements(b Balances, mode Mode) []Suggestion {
	return SuggestSettlementsWithLogger(b, mode, slog.Default())
}

// SuggestSettlementsWithLogger is SuggestSettlements with an explicit logger
// for proportional rounding drift.
func SuggestSettlementsWithLogger(b Balances, mode Mode, logger *slog.Logger) []Suggestion {
	creditors, debtors := partition(b)

	if mode == ModeProportional {
		return proportional(creditors, debtors, logger)
	}
	return minimize(creditors, debtors)
}

// minimize matches the largest creditor with the largest debtor until one
// side is exhausted. Amounts are already in cents, so subtraction is exact and
// the suggestions sum to the total debt.
func minimize(creditors, debtors []party) []Suggestion {
	var result []Suggestion

	for len(creditors) > 0 && len(debtors) > 0 {
		sortParties(creditors)
		sortParties(debtors)

		c, d := &creditors[0], &debtors[0]

		amount := decimal.Min(c.amount, d.amount)
		result = append(result, Suggestion{FromUserID: d.userID, ToUserID: c.userID, Amount: amount})

		c.amount = c.amount.Sub(amount)
		d.amount = d.amount.Sub(amount)

		if c.amount.IsZero() {
			creditors = creditors[1:]
		}
		if d.amount.IsZero() {
			debtors = debtors[1:]
		}
	}

	return result
}

// proportional has every debtor pay every creditor
// debt x (credit / totalCredit), each payment rounded to cents on its own.
// A debtor's payments may therefore miss the debt by rounding; anything
// beyond one cent is pulled back onto the debtor's largest payment so the
// total drift stays within one cent per debtor. The remaining drift is only
// logged.
func proportional(creditors, debtors []party, logger *slog.Logger) []Suggestion {
	sortParties(creditors)
	sortParties(debtors)

	totalCredit := decimal.Zero
	for _, c := range creditors {
		totalCredit = totalCredit.Add(c.amount)
	}
	if totalCredit.IsZero() {
		return nil
	}

	var (
		result    []Suggestion
		totalDebt = decimal.Zero
		totalPaid = decimal.Zero
	)

	for _, d := range debtors {
		row := make([]Suggestion, 0, len(creditors))
		for _, c := range creditors {
			pay := models.RoundMoney(d.amount.Mul(c.amount).Div(totalCredit))
			row = append(row, Suggestion{FromUserID: d.userID, ToUserID: c.userID, Amount: pay})
		}

		row = capDrift(row, d.amount)

		for _, s := range row {
			if s.Amount.IsPositive() {
				result = append(result, s)
				totalPaid = totalPaid.Add(s.Amount)
			}
		}
		totalDebt = totalDebt.Add(d.amount)
	}

	if drift := totalPaid.Sub(totalDebt); !drift.IsZero() {
		logger.Debug("Proportional settlement rounding drift",
			"drift", drift.String(),
			"total_debt", models.FormatMoney(totalDebt),
			"debtors", len(debtors),
		)
	}

	return result
}

// capDrift nudges the largest payments of one debtor by a cent at a time
// until the row is within one cent of debt.
func capDrift(row []Suggestion, debt decimal.Decimal) []Suggestion {
	if len(row) == 0 {
		return row
	}

	for i := 0; ; i++ {
		sum := decimal.Zero
		for _, s := range row {
			sum = sum.Add(s.Amount)
		}
		drift := sum.Sub(debt)
		if drift.Abs().LessThanOrEqual(cent) {
			return row
		}

		idx := largest(row)
		if drift.IsPositive() {
			row[idx].Amount = row[idx].Amount.Sub(cent)
		} else {
			row[idx].Amount = row[idx].Amount.Add(cent)
		}

		// Each step moves the sum one cent toward debt, so this terminates;
		// the bound only guards against a logic error.
		if i > len(row)*100 {
			return row
		}
	}
}

func largest(row []Suggestion) int {
	idx := 0
	for i := range row {
		if row[i].Amount.GreaterThan(row[idx].Amount) {
			idx = i
		}
	}
	return idx
}

// partition splits balances into creditors and debtors (as positive
// magnitudes), dropping exact zeros.
func partition(b Balances) (creditors, debtors []party) {
	for user, amount := range b {
		switch {
		case amount.IsPositive():
			creditors = append(creditors, party{userID: user, amount: amount})
		case amount.IsNegative():
			debtors = append(debtors, party{userID: user, amount: amount.Neg()})
		}
	}
	return creditors, debtors
}

// sortParties orders by amount descending, then user ID ascending.
func sortParties(ps []party) {
	sort.Slice(ps, func(i, j int) bool {
		if cmp := ps[i].amount.Cmp(ps[j].amount); cmp != 0 {
			return cmp > 0
		}
		return ps[i].userID < ps[j].userID
	})
}
