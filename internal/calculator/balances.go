// Package calculator derives balances and settlement suggestions from
// committed ledger entities. Everything here is a pure function over
// decimal amounts; nothing reads the operation log.
package calculator

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/mmynk/splitledger/internal/models"
)

// ErrZeroSumViolation means the ledger itself is corrupt: net balances must
// always sum to exactly zero.
var ErrZeroSumViolation = errors.New("calculator: balances do not sum to zero")

// Balances maps a user ID to a net amount. Positive means the user is owed
// money, negative means the user owes money.
type Balances map[string]decimal.Decimal

// Sum returns the total of all balances.
func (b Balances) Sum() decimal.Decimal {
	total := decimal.Zero
	for _, v := range b {
		total = total.Add(v)
	}
	return total
}

// TotalDebt returns the sum of the magnitudes of all negative balances.
func (b Balances) TotalDebt() decimal.Decimal {
	total := decimal.Zero
	for _, v := range b {
		if v.IsNegative() {
			total = total.Sub(v)
		}
	}
	return total
}

// InvariantError reports a zero-sum violation. It is not recoverable: the
// caller must stop and surface it rather than render the balances.
type InvariantError struct {
	Residual decimal.Decimal
	Balances Balances
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%v: residual %s across %d users",
		ErrZeroSumViolation, models.FormatMoney(e.Residual), len(e.Balances))
}

func (e *InvariantError) Unwrap() error {
	return ErrZeroSumViolation
}

// MemberBalance is the per-member breakdown shown next to a group.
type MemberBalance struct {
	UserID string
	Paid   decimal.Decimal // expenses paid plus settlements sent
	Owed   decimal.Decimal // split shares plus settlements received
	Net    decimal.Decimal // Paid - Owed; positive = is owed money
}

// CalculateBalances computes each user's net position.
//
// Algorithm:
//   - For each expense: the payer is credited the full amount
//   - For each split: the user is debited their share
//   - For each settlement (after all expenses): the sender's debt shrinks and
//     the receiver's credit shrinks by the amount
//
// Every value is rounded to cents. If the result does not sum to zero an
// *InvariantError is returned together with nil balances.
func CalculateBalances(
	expenses []models.Expense, splits []models.ExpenseSplit, settlements []models.Settlement,
) (Balances, error) {
	net := make(map[string]decimal.Decimal)

	for _, e := range expenses {
		net[e.PayerID] = net[e.PayerID].Add(e.Amount)
	}
	for _, s := range splits {
		net[s.UserID] = net[s.UserID].Sub(s.Amount)
	}

	for _, s := range settlements {
		net[s.FromUserID] = net[s.FromUserID].Add(s.Amount)
		net[s.ToUserID] = net[s.ToUserID].Sub(s.Amount)
	}

	balances := make(Balances, len(net))
	for user, amount := range net {
		balances[user] = models.RoundMoney(amount)
	}

	if residual := balances.Sum(); !residual.IsZero() {
		return nil, &InvariantError{Residual: residual, Balances: balances}
	}

	return balances, nil
}

// Summaries returns paid/owed/net per user, including members with no
// activity, sorted by user ID. It enforces the same zero-sum check as
// CalculateBalances.
func Summaries(
	members []string, expenses []models.Expense, splits []models.ExpenseSplit, settlements []models.Settlement,
) ([]MemberBalance, error) {
	byUser := make(map[string]*MemberBalance)
	get := func(user string) *MemberBalance {
		mb, ok := byUser[user]
		if !ok {
			mb = &MemberBalance{UserID: user}
			byUser[user] = mb
		}
		return mb
	}

	for _, m := range members {
		get(m)
	}
	for _, e := range expenses {
		mb := get(e.PayerID)
		mb.Paid = mb.Paid.Add(e.Amount)
	}
	for _, s := range splits {
		mb := get(s.UserID)
		mb.Owed = mb.Owed.Add(s.Amount)
	}
	for _, s := range settlements {
		from := get(s.FromUserID)
		from.Paid = from.Paid.Add(s.Amount)
		to := get(s.ToUserID)
		to.Owed = to.Owed.Add(s.Amount)
	}

	result := make([]MemberBalance, 0, len(byUser))
	residual := decimal.Zero
	for _, mb := range byUser {
		mb.Paid = models.RoundMoney(mb.Paid)
		mb.Owed = models.RoundMoney(mb.Owed)
		mb.Net = mb.Paid.Sub(mb.Owed)
		residual = residual.Add(mb.Net)
		result = append(result, *mb)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })

	if !residual.IsZero() {
		balances := make(Balances, len(result))
		for _, mb := range result {
			balances[mb.UserID] = mb.Net
		}
		return nil, &InvariantError{Residual: residual, Balances: balances}
	}

	return result, nil
}
