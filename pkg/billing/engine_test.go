package billing

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelaboratoryltd/settlement/pkg/state"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func invoice(id int64, total, received string, day int) *state.Invoice {
	return &state.Invoice{
		ID:              id,
		AccountNo:       "ACC-1",
		TotalAmount:     d(total),
		ReceivedPayment: d(received),
		Status:          state.InvoiceUnpaid,
		InvoiceDate:     time.Date(2024, 1, day, 0, 0, 0, 0, time.UTC),
	}
}

func TestPlan(t *testing.T) {
	tests := []struct {
		name      string
		invoices  []*state.Invoice
		amount    string
		wantLines []state.AllocationLine
		wantCred  string
	}{
		{
			name:     "oldest paid, next partial",
			invoices: []*state.Invoice{invoice(1, "1000", "0", 1), invoice(2, "500", "0", 2)},
			amount:   "1200",
			wantLines: []state.AllocationLine{
				{InvoiceID: 1, Applied: d("1000"), Status: state.InvoicePaid},
				{InvoiceID: 2, Applied: d("200"), Status: state.InvoicePartial},
			},
			wantCred: "0",
		},
		{
			name:     "exact due stops after one invoice",
			invoices: []*state.Invoice{invoice(1, "1000", "400", 1), invoice(2, "500", "0", 2)},
			amount:   "600",
			wantLines: []state.AllocationLine{
				{InvoiceID: 1, Applied: d("600"), Status: state.InvoicePaid},
			},
			wantCred: "0",
		},
		{
			name:     "overpayment becomes credit",
			invoices: []*state.Invoice{invoice(1, "100", "0", 1), invoice(2, "50", "0", 2)},
			amount:   "200",
			wantLines: []state.AllocationLine{
				{InvoiceID: 1, Applied: d("100"), Status: state.InvoicePaid},
				{InvoiceID: 2, Applied: d("50"), Status: state.InvoicePaid},
			},
			wantCred: "50",
		},
		{
			name:     "no invoices",
			invoices: nil,
			amount:   "75.50",
			wantCred: "75.50",
		},
		{
			name:     "settled invoice skipped",
			invoices: []*state.Invoice{invoice(1, "100", "100", 1), invoice(2, "100", "0", 2)},
			amount:   "30",
			wantLines: []state.AllocationLine{
				{InvoiceID: 2, Applied: d("30"), Status: state.InvoicePartial},
			},
			wantCred: "0",
		},
		{
			name:     "within epsilon is paid",
			invoices: []*state.Invoice{invoice(1, "100.005", "0", 1)},
			amount:   "100",
			wantLines: []state.AllocationLine{
				{InvoiceID: 1, Applied: d("100"), Status: state.InvoicePaid},
			},
			wantCred: "0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alloc := Plan(tt.invoices, d(tt.amount))
			require.Len(t, alloc.Lines, len(tt.wantLines))
			for i, want := range tt.wantLines {
				got := alloc.Lines[i]
				assert.Equal(t, want.InvoiceID, got.InvoiceID)
				assert.True(t, want.Applied.Equal(got.Applied), "line %d applied %s", i, got.Applied)
				assert.Equal(t, want.Status, got.Status)
			}
			assert.True(t, d(tt.wantCred).Equal(alloc.Credit), "credit %s", alloc.Credit)
			assert.True(t, alloc.Applied.Add(alloc.Credit).Equal(d(tt.amount)))

			for _, inv := range alloc.Invoices {
				assert.True(t, inv.ReceivedPayment.Sub(inv.TotalAmount).LessThanOrEqual(Epsilon))
			}
		})
	}
}

func TestPlan_DoesNotMutateInput(t *testing.T) {
	inv := invoice(1, "100", "0", 1)
	Plan([]*state.Invoice{inv}, d("100"))
	assert.True(t, inv.ReceivedPayment.IsZero())
	assert.Equal(t, state.InvoiceUnpaid, inv.Status)
}

func seed(t *testing.T, balance string, invoices ...*state.Invoice) *state.MemoryStore {
	t.Helper()
	ctx := context.Background()
	store := state.NewMemoryStore()
	require.NoError(t, store.CreateAccount(ctx, &state.Account{AccountNo: "ACC-1", Balance: d(balance)}))
	for _, inv := range invoices {
		require.NoError(t, store.CreateInvoice(ctx, inv))
	}
	return store
}

func TestEngineApply_ScenarioA(t *testing.T) {
	ctx := context.Background()
	store := seed(t, "1500", invoice(0, "1000", "0", 1), invoice(0, "500", "0", 2))

	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)
	result, err := NewEngine().Apply(ctx, tx, "ACC-1", d("1200"))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.True(t, result.BalanceBefore.Equal(d("1500")))
	assert.True(t, result.BalanceAfter.Equal(d("300")))

	invoices, err := store.ListInvoices(ctx, "ACC-1")
	require.NoError(t, err)
	require.Len(t, invoices, 2)
	assert.Equal(t, state.InvoicePaid, invoices[0].Status)
	assert.True(t, invoices[0].ReceivedPayment.Equal(d("1000")))
	assert.Equal(t, state.InvoicePartial, invoices[1].Status)
	assert.True(t, invoices[1].ReceivedPayment.Equal(d("200")))

	acct, err := store.GetAccount(ctx, "ACC-1")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(d("300")))
}

func TestEngineApply_CreditOnly(t *testing.T) {
	ctx := context.Background()
	store := seed(t, "0")

	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)
	result, err := NewEngine().Apply(ctx, tx, "ACC-1", d("250"))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Empty(t, result.Lines)
	assert.True(t, result.Credit.Equal(d("250")))
	assert.True(t, result.BalanceAfter.Equal(d("-250")))
}

func TestEngineApply_BalanceMovesByFullAmount(t *testing.T) {
	// Balance tracks the payment, not the allocation split.
	ctx := context.Background()
	store := seed(t, "40", invoice(0, "100", "90", 1))

	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)
	result, err := NewEngine().Apply(ctx, tx, "ACC-1", d("90"))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.True(t, result.Applied.Equal(d("10")))
	assert.True(t, result.Credit.Equal(d("80")))
	assert.True(t, result.BalanceAfter.Equal(d("-50")))
}

func TestEngineApply_Errors(t *testing.T) {
	ctx := context.Background()
	store := seed(t, "0")

	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	_, err = NewEngine().Apply(ctx, tx, "ACC-1", d("0"))
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = NewEngine().Apply(ctx, tx, "ACC-1", d("-5"))
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = NewEngine().Apply(ctx, tx, "missing", d("5"))
	assert.ErrorIs(t, err, state.ErrNotFound)
}
