// Package billing distributes payments across outstanding invoices.
package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/codelaboratoryltd/settlement/pkg/state"
)

// Epsilon is the rounding tolerance for treating an invoice as fully paid.
var Epsilon = decimal.New(1, -2)

// ErrInvalidAmount is returned for non-positive payment amounts.
var ErrInvalidAmount = errors.New("payment amount must be positive")

// Allocation is the outcome of distributing one payment.
type Allocation struct {
	Lines    []state.AllocationLine
	Invoices []*state.Invoice // updated copies, in application order
	Applied  decimal.Decimal  // sum of Lines
	Credit   decimal.Decimal  // remainder not applied to any invoice
}

// Plan computes the FIFO distribution of amount over invoices, which must
// already be ordered oldest first. It does not mutate its input.
func Plan(invoices []*state.Invoice, amount decimal.Decimal) *Allocation {
	alloc := &Allocation{Applied: decimal.Zero}
	remaining := amount

	for _, inv := range invoices {
		if !remaining.IsPositive() {
			break
		}
		due := inv.Due()
		if !due.IsPositive() {
			continue
		}

		applied := decimal.Min(remaining, due)
		remaining = remaining.Sub(applied)

		updated := *inv
		updated.ReceivedPayment = inv.ReceivedPayment.Add(applied)
		if updated.TotalAmount.Sub(updated.ReceivedPayment).LessThanOrEqual(Epsilon) {
			updated.Status = state.InvoicePaid
		} else {
			updated.Status = state.InvoicePartial
		}

		alloc.Invoices = append(alloc.Invoices, &updated)
		alloc.Lines = append(alloc.Lines, state.AllocationLine{
			InvoiceID: inv.ID,
			Applied:   applied,
			Status:    updated.Status,
		})
		alloc.Applied = alloc.Applied.Add(applied)
	}

	alloc.Credit = remaining
	return alloc
}

// Ledger is the transactional view the engine mutates.
type Ledger interface {
	GetAccount(ctx context.Context, accountNo string) (*state.Account, error)
	ListOpenInvoices(ctx context.Context, accountNo string) ([]*state.Invoice, error)
	UpdateInvoice(ctx context.Context, inv *state.Invoice) error
	UpdateBalance(ctx context.Context, accountNo string, balance decimal.Decimal) error
}

// Result is the outcome of Apply.
type Result struct {
	*Allocation
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
}

// Engine applies payments to an account inside a caller-owned transaction.
type Engine struct{}

// NewEngine creates a payment distribution engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Apply distributes amount across the account's open invoices and
// subtracts the full amount from the balance exactly once. It must run
// inside a transaction; exactly-once application is the caller's job.
func (e *Engine) Apply(ctx context.Context, ledger Ledger, accountNo string, amount decimal.Decimal) (*Result, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%s: %w", amount, ErrInvalidAmount)
	}

	acct, err := ledger.GetAccount(ctx, accountNo)
	if err != nil {
		return nil, err
	}
	invoices, err := ledger.ListOpenInvoices(ctx, accountNo)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}

	alloc := Plan(invoices, amount)
	for _, inv := range alloc.Invoices {
		if err := ledger.UpdateInvoice(ctx, inv); err != nil {
			return nil, fmt.Errorf("update invoice %d: %w", inv.ID, err)
		}
	}

	after := acct.Balance.Sub(amount)
	if err := ledger.UpdateBalance(ctx, accountNo, after); err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}

	return &Result{
		Allocation:    alloc,
		BalanceBefore: acct.Balance,
		BalanceAfter:  after,
	}, nil
}
