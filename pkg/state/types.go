package state

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the lifecycle state of a queued payment.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "PENDING"
	PaymentQueued     PaymentStatus = "QUEUED"
	PaymentProcessing PaymentStatus = "PROCESSING"
	PaymentPaid       PaymentStatus = "PAID"
	PaymentFailed     PaymentStatus = "FAILED"
	PaymentAPIRetry   PaymentStatus = "API_RETRY"
)

// Terminal reports whether no further transition is allowed.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentPaid || s == PaymentFailed
}

// PendingPayment is a payment confirmation waiting to be settled.
// Rows are created by the payment gateway callback and mutated only by the
// settlement worker.
type PendingPayment struct {
	ID              int64           `json:"id"`
	ReferenceNo     string          `json:"reference_no"`
	AccountNo       string          `json:"account_no"`
	Amount          decimal.Decimal `json:"amount"`
	Status          PaymentStatus   `json:"status"`
	CallbackPayload string          `json:"callback_payload,omitempty"`
	FailureReason   string          `json:"failure_reason,omitempty"`
	LastAttemptAt   time.Time       `json:"last_attempt_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// InvoiceStatus is the settlement state of an invoice.
type InvoiceStatus string

const (
	InvoiceUnpaid  InvoiceStatus = "Unpaid"
	InvoicePartial InvoiceStatus = "Partial"
	InvoicePaid    InvoiceStatus = "Paid"
)

// Invoice is a billing-cycle charge against an account.
type Invoice struct {
	ID              int64           `json:"id"`
	AccountNo       string          `json:"account_no"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	ReceivedPayment decimal.Decimal `json:"received_payment"`
	Status          InvoiceStatus   `json:"status"`
	InvoiceDate     time.Time       `json:"invoice_date"`
}

// Due returns the amount still owed on the invoice.
func (i *Invoice) Due() decimal.Decimal {
	return i.TotalAmount.Sub(i.ReceivedPayment)
}

// BillingStatus is the locally recorded access intent for an account.
type BillingStatus string

const (
	BillingActive       BillingStatus = "Active"
	BillingDisconnected BillingStatus = "Disconnected"
	BillingPullout      BillingStatus = "Pullout"
)

// Account is a subscriber billing account.
type Account struct {
	AccountNo     string          `json:"account_no"`
	Name          string          `json:"name,omitempty"`
	Contact       string          `json:"contact,omitempty"` // mobile number or email
	Balance       decimal.Decimal `json:"account_balance"`   // <= 0 means paid up or in credit
	BillingStatus BillingStatus   `json:"billing_status"`
	Username      string          `json:"username,omitempty"` // AAA identity
	Plan          string          `json:"plan,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// WorkerLease is a time-bounded mutual exclusion record.
type WorkerLease struct {
	Name       string    `json:"name"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lease is no longer valid at now.
func (l *WorkerLease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// SessionStatus is the derived connectivity state stored in the mirror.
type SessionStatus string

const (
	SessionOnline   SessionStatus = "Online"
	SessionOffline  SessionStatus = "Offline"
	SessionBlocked  SessionStatus = "Blocked"
	SessionInactive SessionStatus = "Inactive"
	SessionNotFound SessionStatus = "Not Found"
	SessionUnknown  SessionStatus = "Unknown" // row created, not yet classified
)

// AccessStatusMirror is the locally cached view of one account's remote
// AAA state. It is rebuilt by every sync pass and never edited by hand.
type AccessStatusMirror struct {
	AccountNo     string        `json:"account_no"`
	Username      string        `json:"username"`
	SessionStatus SessionStatus `json:"session_status"`
	Group         string        `json:"group,omitempty"`

	// Session metadata, empty when no session is active.
	SessionID string `json:"session_id,omitempty"`
	Address   string `json:"address,omitempty"`
	MAC       string `json:"mac,omitempty"`
	Uptime    string `json:"uptime,omitempty"`
	BytesIn   int64  `json:"bytes_in,omitempty"`
	BytesOut  int64  `json:"bytes_out,omitempty"`
}

// AllocationLine records how much of a payment went to one invoice.
type AllocationLine struct {
	InvoiceID int64           `json:"invoice_id"`
	Applied   decimal.Decimal `json:"applied"`
	Status    InvoiceStatus   `json:"status"`
}

// SettlementRecord is the immutable audit row written with every PAID
// transition.
type SettlementRecord struct {
	ID            string           `json:"id"`
	PaymentID     int64            `json:"payment_id"`
	ReferenceNo   string           `json:"reference_no"`
	AccountNo     string           `json:"account_no"`
	Amount        decimal.Decimal  `json:"amount"`
	Credit        decimal.Decimal  `json:"credit"` // portion not applied to any invoice
	BalanceBefore decimal.Decimal  `json:"balance_before"`
	BalanceAfter  decimal.Decimal  `json:"balance_after"`
	Lines         []AllocationLine `json:"lines"`
	CreatedAt     time.Time        `json:"created_at"`
}

// PaymentFilter selects payments for ListPayments.
type PaymentFilter struct {
	Statuses []PaymentStatus
	// HasCallback restricts to rows with a non-empty callback payload.
	HasCallback bool
	// Limit caps the result; 0 means no limit.
	Limit int
}

// StoreStats holds state store statistics.
type StoreStats struct {
	Accounts    int `json:"accounts"`
	Invoices    int `json:"invoices"`
	Payments    int `json:"payments"`
	Leases      int `json:"leases"`
	MirrorRows  int `json:"mirror_rows"`
	Settlements int `json:"settlements"`
}
