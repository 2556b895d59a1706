package calculator

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/mmynk/splitledger/internal/models"
)

var (
	// ErrNoParticipants is returned when a split has nobody to charge.
	ErrNoParticipants = errors.New("must have at least one participant")

	// ErrZeroSubtotal is returned when itemized items add up to nothing.
	ErrZeroSubtotal = errors.New("subtotal cannot be zero")
)

// PersonSplit represents the calculated split for one person.
type PersonSplit struct {
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Total    decimal.Decimal
}

// Item represents a single line on a receipt.
type Item struct {
	Description string
	Amount      decimal.Decimal
	AssignedTo  []string
}

// EqualSplit divides amount evenly between participants. Leftover cents go
// to the earliest participants, so the shares always add up to amount.
func EqualSplit(amount decimal.Decimal, participants []string) (map[string]decimal.Decimal, error) {
	if len(participants) == 0 {
		return nil, ErrNoParticipants
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("amount must be positive, got %s", amount)
	}

	weights := make([]decimal.Decimal, len(participants))
	for i := range weights {
		weights[i] = decimal.NewFromInt(1)
	}

	shares := allocate(models.RoundMoney(amount), weights)

	result := make(map[string]decimal.Decimal, len(participants))
	for i, p := range participants {
		result[p] = result[p].Add(shares[i])
	}
	return result, nil
}

// ItemizedSplit computes how much each person owes including proportional tax.
// Each item is shared evenly by the people assigned to it; items with no
// assignees are ignored. The bill total (subtotal plus tax and tip) is then
// distributed in proportion to each person's subtotal:
//
//	person_total = person_subtotal × (total / subtotal)
//
// Totals are allocated in whole cents so they add up to billTotal exactly.
// With no items, billTotal is split equally.
func ItemizedSplit(
	items []Item, billTotal, billSubtotal decimal.Decimal, participants []string,
) (map[string]*PersonSplit, error) {
	if len(participants) == 0 {
		return nil, ErrNoParticipants
	}
	if !billTotal.IsPositive() {
		return nil, fmt.Errorf("total must be positive, got %s", billTotal)
	}

	billTotal = models.RoundMoney(billTotal)
	splits := make(map[string]*PersonSplit, len(participants))
	for _, p := range participants {
		splits[p] = &PersonSplit{}
	}

	if len(items) == 0 {
		totals, err := EqualSplit(billTotal, participants)
		if err != nil {
			return nil, err
		}
		subtotals := totals
		if billSubtotal.IsPositive() {
			if subtotals, err = EqualSplit(billSubtotal, participants); err != nil {
				return nil, err
			}
		}
		for p := range splits {
			splits[p].Total = totals[p]
			splits[p].Subtotal = subtotals[p]
			splits[p].Tax = totals[p].Sub(subtotals[p])
		}
		return splits, nil
	}

	if billSubtotal.IsZero() {
		return nil, ErrZeroSubtotal
	}

	// Calculate each person's subtotal based on assigned items.
	for _, item := range items {
		var assigned []string
		for _, person := range item.AssignedTo {
			if _, ok := splits[person]; ok {
				assigned = append(assigned, person)
			}
		}
		if len(assigned) == 0 {
			continue
		}

		shares, err := EqualSplit(item.Amount, assigned)
		if err != nil {
			return nil, fmt.Errorf("item %q: %w", item.Description, err)
		}
		for person, share := range shares {
			splits[person].Subtotal = splits[person].Subtotal.Add(share)
		}
	}

	weights := make([]decimal.Decimal, len(participants))
	anyWeight := false
	for i, p := range participants {
		weights[i] = splits[p].Subtotal
		if weights[i].IsPositive() {
			anyWeight = true
		}
	}
	if !anyWeight {
		return nil, ErrZeroSubtotal
	}

	totals := allocate(billTotal, weights)
	for i, p := range participants {
		splits[p].Total = totals[i]
		splits[p].Tax = totals[i].Sub(splits[p].Subtotal)
	}

	return splits, nil
}

// ToExpenseSplits converts per-user amounts into split rows ordered by user.
// Zero shares are omitted.
func ToExpenseSplits(expenseID string, amounts map[string]decimal.Decimal) []models.ExpenseSplit {
	result := make([]models.ExpenseSplit, 0, len(amounts))
	for user, amount := range amounts {
		if amount.IsZero() {
			continue
		}
		result = append(result, models.ExpenseSplit{ExpenseID: expenseID, UserID: user, Amount: models.RoundMoney(amount)})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result
}

// Totals extracts each person's total from an itemized split.
func Totals(splits map[string]*PersonSplit) map[string]decimal.Decimal {
	result := make(map[string]decimal.Decimal, len(splits))
	for p, s := range splits {
		result[p] = s.Total
	}
	return result
}

// allocate distributes a positive cent amount by weight using the largest
// remainder method. The result always sums to total; ties go to the lower
// index.
func allocate(total decimal.Decimal, weights []decimal.Decimal) []decimal.Decimal {
	sumW := decimal.Zero
	for _, w := range weights {
		sumW = sumW.Add(w)
	}

	result := make([]decimal.Decimal, len(weights))
	if sumW.IsZero() {
		return result
	}

	totalCents := total.Shift(models.MoneyPlaces)
	cents := make([]int64, len(weights))
	rems := make([]decimal.Decimal, len(weights))
	allocated := int64(0)

	for i, w := range weights {
		exact := totalCents.Mul(w).Div(sumW)
		floor := exact.Floor()
		cents[i] = floor.IntPart()
		rems[i] = exact.Sub(floor)
		allocated += cents[i]
	}

	order := make([]int, len(weights))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return rems[order[a]].GreaterThan(rems[order[b]])
	})

	left := totalCents.IntPart() - allocated
	for k := int64(0); k < left; k++ {
		cents[order[k%int64(len(order))]]++
	}

	for i, c := range cents {
		result[i] = decimal.New(c, -models.MoneyPlaces)
	}
	return result
}
