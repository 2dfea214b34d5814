package settlement

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/settlement/pkg/notify"
	"github.com/codelaboratoryltd/settlement/pkg/session"
	"github.com/codelaboratoryltd/settlement/pkg/state"
)

// Reconnection gate reasons, in evaluation order.
const (
	ReasonEligible            = "eligible"
	ReasonBalancePositive     = "balance_positive"
	ReasonStatusAlreadyActive = "status_already_active"
	ReasonNoUsername          = "no_username"
	ReasonNoPlan              = "no_plan"
)

// SessionController is the reconnect half of the session controller.
type SessionController interface {
	Reconnect(ctx context.Context, req session.ReconnectRequest) (*session.Result, error)
}

// GroupResolver maps plans to AAA groups.
type GroupResolver interface {
	GroupForPlan(plan string) (string, error)
}

// DecisionStore is the local state the decider reads and writes.
type DecisionStore interface {
	GetAccount(ctx context.Context, accountNo string) (*state.Account, error)
	SetBillingStatus(ctx context.Context, accountNo string, status state.BillingStatus) error
}

// Decision is the outcome of the eligibility gate.
type Decision struct {
	Eligible bool
	Reason   string
}

// ReconnectOutcome is what Reconnect did for one account.
type ReconnectOutcome struct {
	Decision
	Session  *session.Result
	Notified bool
}

// Decider gates and orchestrates reconnection after a settled payment.
type Decider struct {
	store      DecisionStore
	controller SessionController
	groups     GroupResolver
	notifier   notify.Notifier
	template   string
	recorder   Recorder
	logger     *zap.Logger
}

// NewDecider creates a reconnection decider.
func NewDecider(store DecisionStore, controller SessionController, groups GroupResolver, notifier notify.Notifier, template string, logger *zap.Logger) *Decider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decider{
		store:      store,
		controller: controller,
		groups:     groups,
		notifier:   notifier,
		template:   template,
		logger:     logger,
	}
}

// SetRecorder installs a metrics recorder.
func (d *Decider) SetRecorder(r Recorder) {
	d.recorder = r
}

// Evaluate applies the gate to an account. The first failing check wins.
func (d *Decider) Evaluate(acct *state.Account) Decision {
	if acct.Balance.IsPositive() {
		return Decision{Reason: ReasonBalancePositive}
	}
	if acct.BillingStatus == state.BillingActive {
		return Decision{Reason: ReasonStatusAlreadyActive}
	}
	if acct.Username == "" {
		return Decision{Reason: ReasonNoUsername}
	}
	if d.groups != nil {
		if _, err := d.groups.GroupForPlan(acct.Plan); err != nil {
			return Decision{Reason: ReasonNoPlan}
		}
	} else if acct.Plan == "" {
		return Decision{Reason: ReasonNoPlan}
	}
	return Decision{Eligible: true, Reason: ReasonEligible}
}

// Reconnect re-reads the account and, if eligible, flips the local status
// to Active before asking the session controller to restore access.
// Remote failure is reported in the outcome, not as an error.
func (d *Decider) Reconnect(ctx context.Context, accountNo string) (*ReconnectOutcome, error) {
	acct, err := d.store.GetAccount(ctx, accountNo)
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", accountNo, err)
	}

	outcome := &ReconnectOutcome{Decision: d.Evaluate(acct)}
	if d.recorder != nil {
		d.recorder.ObserveReconnect(outcome.Reason)
	}
	if !outcome.Eligible {
		d.logger.Debug("Reconnect not needed",
			zap.String("account_no", accountNo),
			zap.String("reason", outcome.Reason),
		)
		return outcome, nil
	}

	if err := d.store.SetBillingStatus(ctx, accountNo, state.BillingActive); err != nil {
		return outcome, fmt.Errorf("set billing status for %s: %w", accountNo, err)
	}

	result, err := d.controller.Reconnect(ctx, session.ReconnectRequest{
		AccountNo: accountNo,
		Username:  acct.Username,
		Plan:      acct.Plan,
	})
	outcome.Session = result
	if err != nil {
		return outcome, err
	}

	outcome.Notified = notify.Dispatch(ctx, d.notifier, notify.Notification{
		AccountNo: accountNo,
		Contact:   acct.Contact,
		Template:  d.template,
		Event:     "reconnected",
		Balance:   acct.Balance,
	}, d.logger)

	return outcome, nil
}
