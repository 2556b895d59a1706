// Package models defines the ledger entities shared by the local store, the
// sync engine and the calculator.
//
// # Entities
//
//   - Expense: an amount paid by one member on behalf of a group
//   - ExpenseSplit: one member's share of an expense (keyed by expense and user)
//   - Settlement: a payment from one member to another that reduces debt
//   - Group: a named set of members that owns expenses and settlements
//
// # Money
//
// Amounts are decimal.Decimal values normalized to two fractional digits with
// RoundMoney before they are persisted. Floating point is never used for money.
//
// # Relationships
//
// Entities reference each other by ID strings rather than pointers, so a
// snapshot of any entity can be serialized into a sync payload on its own.
package models
