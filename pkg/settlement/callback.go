package settlement

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/codelaboratoryltd/settlement/pkg/state"
)

// DefaultSuccessStatuses are the gateway statuses accepted as paid.
var DefaultSuccessStatuses = []string{"SUCCESS", "COMPLETED", "PAID", "SETTLED"}

// Failure reasons recorded on FAILED payments.
const (
	ReasonInvalidCallback   = "invalid_callback"
	ReasonStatusRejected    = "status_not_whitelisted"
	ReasonReferenceMismatch = "reference_mismatch"
	ReasonAmountMismatch    = "amount_mismatch"
	ReasonAccountNotFound   = "account_not_found"
	ReasonInvalidAmount     = "invalid_amount"
)

// Callback is the subset of the gateway payload the worker checks.
type Callback struct {
	Status      string           `json:"status"`
	ReferenceNo string           `json:"reference_no,omitempty"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
}

// ParseCallback decodes a stored callback payload.
func ParseCallback(payload string) (*Callback, error) {
	if strings.TrimSpace(payload) == "" {
		return nil, fmt.Errorf("empty callback payload")
	}
	var cb Callback
	if err := json.Unmarshal([]byte(payload), &cb); err != nil {
		return nil, fmt.Errorf("decode callback: %w", err)
	}
	return &cb, nil
}

// Whitelist is a case-insensitive set of accepted callback statuses.
type Whitelist map[string]struct{}

// NewWhitelist builds a whitelist; empty input yields the defaults.
func NewWhitelist(statuses []string) Whitelist {
	if len(statuses) == 0 {
		statuses = DefaultSuccessStatuses
	}
	w := make(Whitelist, len(statuses))
	for _, s := range statuses {
		w[strings.ToUpper(strings.TrimSpace(s))] = struct{}{}
	}
	return w
}

// Allows reports whether status is accepted.
func (w Whitelist) Allows(status string) bool {
	_, ok := w[strings.ToUpper(strings.TrimSpace(status))]
	return ok
}

// Verify checks a payment's callback. It returns an empty reason when the
// payment may be settled.
func (w Whitelist) Verify(p *state.PendingPayment) string {
	cb, err := ParseCallback(p.CallbackPayload)
	if err != nil {
		return ReasonInvalidCallback
	}
	if !w.Allows(cb.Status) {
		return ReasonStatusRejected
	}
	if cb.ReferenceNo != "" && cb.ReferenceNo != p.ReferenceNo {
		return ReasonReferenceMismatch
	}
	if cb.Amount != nil && !cb.Amount.Equal(p.Amount) {
		return ReasonAmountMismatch
	}
	return ""
}
