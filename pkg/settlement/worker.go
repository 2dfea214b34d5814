// Package settlement drains the payment queue under a worker lease,
// applies each payment to the account's invoices and triggers reconnection
// once the account is paid up.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/settlement/pkg/billing"
	"github.com/codelaboratoryltd/settlement/pkg/lease"
	"github.com/codelaboratoryltd/settlement/pkg/notify"
	"github.com/codelaboratoryltd/settlement/pkg/state"
)

// ErrLeaseUnavailable is returned when another worker holds the lease.
var ErrLeaseUnavailable = errors.New("settlement lease unavailable")

// Payment outcomes.
const (
	OutcomePaid    = "paid"
	OutcomeFailed  = "failed"
	OutcomeRetry   = "retry"
	OutcomeSkipped = "skipped"
)

// Recorder observes worker activity.
type Recorder interface {
	ObservePayment(outcome string)
	ObserveBatch(selected int, d time.Duration)
	ObserveReconnect(reason string)
	ObserveSweep(from, to string, n int)
}

// Config holds worker configuration.
type Config struct {
	LeaseName string
	LeaseTTL  time.Duration
	BatchSize int

	// RetryAfter is how long an API_RETRY payment waits before re-queueing.
	RetryAfter time.Duration
	// StaleAfter is how long a PROCESSING payment may sit before it is
	// treated as abandoned by a crashed worker.
	StaleAfter time.Duration

	SuccessStatuses []string
	PaymentTemplate string
}

// DefaultConfig returns the default worker configuration.
func DefaultConfig() Config {
	return Config{
		LeaseName:       "settlement-worker",
		LeaseTTL:        300 * time.Second,
		BatchSize:       50,
		RetryAfter:      5 * time.Minute,
		StaleAfter:      15 * time.Minute,
		SuccessStatuses: DefaultSuccessStatuses,
		PaymentTemplate: "payment_received",
	}
}

// PaymentResult is the outcome for one payment.
type PaymentResult struct {
	PaymentID   int64
	ReferenceNo string
	AccountNo   string
	Outcome     string
	Reason      string
	Settlement  *state.SettlementRecord
	Reconnect   *ReconnectOutcome
}

// RunReport summarizes one drain.
type RunReport struct {
	Owner    string
	Selected int
	Paid     int
	Failed   int
	Retried  int
	Skipped  int
	Sweep    *SweepReport
	Results  []PaymentResult
	Duration time.Duration
}

func (r *RunReport) add(res PaymentResult) {
	r.Results = append(r.Results, res)
	switch res.Outcome {
	case OutcomePaid:
		r.Paid++
	case OutcomeFailed:
		r.Failed++
	case OutcomeRetry:
		r.Retried++
	default:
		r.Skipped++
	}
}

// SweepReport counts re-queued and reclaimed payments.
type SweepReport struct {
	Requeued  int // API_RETRY -> QUEUED
	Reclaimed int // stale PROCESSING -> API_RETRY
}

// Worker is the lease-guarded settlement batch job.
type Worker struct {
	store     state.Store
	leases    *lease.Manager
	engine    *billing.Engine
	decider   *Decider
	notifier  notify.Notifier
	whitelist Whitelist
	recorder  Recorder
	cfg       Config
	now       func() time.Time
	logger    *zap.Logger
}

// NewWorker creates a settlement worker.
func NewWorker(store state.Store, leases *lease.Manager, decider *Decider, notifier notify.Notifier, cfg Config, logger *zap.Logger) *Worker {
	def := DefaultConfig()
	if cfg.LeaseName == "" {
		cfg.LeaseName = def.LeaseName
	}
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = def.LeaseTTL
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.RetryAfter == 0 {
		cfg.RetryAfter = def.RetryAfter
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		store:     store,
		leases:    leases,
		engine:    billing.NewEngine(),
		decider:   decider,
		notifier:  notifier,
		whitelist: NewWhitelist(cfg.SuccessStatuses),
		cfg:       cfg,
		now:       time.Now,
		logger:    logger,
	}
}

// SetRecorder installs a metrics recorder.
func (w *Worker) SetRecorder(r Recorder) {
	w.recorder = r
}

// SetClock overrides the time source (tests).
func (w *Worker) SetClock(now func() time.Time) {
	w.now = now
}

// RunOnce acquires the lease, sweeps, and drains one batch.
func (w *Worker) RunOnce(ctx context.Context) (*RunReport, error) {
	start := w.now()
	if _, err := w.leases.Acquire(ctx, w.cfg.LeaseName, w.cfg.LeaseTTL); err != nil {
		if errors.Is(err, lease.ErrHeld) {
			return nil, fmt.Errorf("%w: %v", ErrLeaseUnavailable, err)
		}
		return nil, err
	}
	defer func() {
		if err := w.leases.Release(context.Background(), w.cfg.LeaseName); err != nil {
			w.logger.Warn("Failed to release lease", zap.Error(err))
		}
	}()

	report := &RunReport{Owner: w.leases.Owner()}

	sweep, err := w.Sweep(ctx)
	if err != nil {
		w.logger.Warn("Sweep failed", zap.Error(err))
	}
	report.Sweep = sweep

	batch, err := w.selectBatch(ctx)
	if err != nil {
		return report, fmt.Errorf("select batch: %w", err)
	}
	report.Selected = len(batch)

	lastRenew := w.now()
	for _, p := range batch {
		if err := ctx.Err(); err != nil {
			w.logger.Warn("Drain interrupted", zap.Error(err))
			break
		}
		if w.now().Sub(lastRenew) > w.cfg.LeaseTTL/2 {
			if err := w.leases.Renew(ctx, w.cfg.LeaseName, w.cfg.LeaseTTL); err != nil {
				w.logger.Error("Lost settlement lease, stopping batch", zap.Error(err))
				break
			}
			lastRenew = w.now()
		}

		res := w.processSafely(ctx, p)
		report.add(res)
		if w.recorder != nil {
			w.recorder.ObservePayment(res.Outcome)
		}
	}

	report.Duration = w.now().Sub(start)
	if w.recorder != nil {
		w.recorder.ObserveBatch(report.Selected, report.Duration)
	}
	w.logger.Info("Settlement batch complete",
		zap.String("owner", report.Owner),
		zap.Int("selected", report.Selected),
		zap.Int("paid", report.Paid),
		zap.Int("failed", report.Failed),
		zap.Int("retried", report.Retried),
		zap.Int("skipped", report.Skipped),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

// RunSweep acquires the lease and runs only the retry sweep.
func (w *Worker) RunSweep(ctx context.Context) (*SweepReport, error) {
	if _, err := w.leases.Acquire(ctx, w.cfg.LeaseName, w.cfg.LeaseTTL); err != nil {
		if errors.Is(err, lease.ErrHeld) {
			return nil, fmt.Errorf("%w: %v", ErrLeaseUnavailable, err)
		}
		return nil, err
	}
	defer func() {
		if err := w.leases.Release(context.Background(), w.cfg.LeaseName); err != nil {
			w.logger.Warn("Failed to release lease", zap.Error(err))
		}
	}()

	return w.Sweep(ctx)
}

// Sweep re-queues API_RETRY payments older than RetryAfter and parks
// PROCESSING payments older than StaleAfter as API_RETRY. The caller must
// hold the lease.
func (w *Worker) Sweep(ctx context.Context) (*SweepReport, error) {
	now := w.now()
	report := &SweepReport{}

	n, err := w.store.TransitionStale(ctx, state.PaymentAPIRetry, state.PaymentQueued, now.Add(-w.cfg.RetryAfter), now)
	if err != nil {
		return report, fmt.Errorf("requeue retries: %w", err)
	}
	report.Requeued = n

	n, err = w.store.TransitionStale(ctx, state.PaymentProcessing, state.PaymentAPIRetry, now.Add(-w.cfg.StaleAfter), now)
	if err != nil {
		return report, fmt.Errorf("reclaim stale: %w", err)
	}
	report.Reclaimed = n

	if w.recorder != nil {
		w.recorder.ObserveSweep(string(state.PaymentAPIRetry), string(state.PaymentQueued), report.Requeued)
		w.recorder.ObserveSweep(string(state.PaymentProcessing), string(state.PaymentAPIRetry), report.Reclaimed)
	}
	if report.Requeued > 0 || report.Reclaimed > 0 {
		w.logger.Info("Payment sweep",
			zap.Int("requeued", report.Requeued),
			zap.Int("reclaimed", report.Reclaimed),
		)
	}
	return report, nil
}

// selectBatch returns QUEUED payments plus PENDING payments whose callback
// reports success, oldest first, capped at BatchSize.
func (w *Worker) selectBatch(ctx context.Context) ([]*state.PendingPayment, error) {
	queued, err := w.store.ListPayments(ctx, state.PaymentFilter{
		Statuses: []state.PaymentStatus{state.PaymentQueued},
		Limit:    w.cfg.BatchSize,
	})
	if err != nil {
		return nil, err
	}
	pending, err := w.store.ListPayments(ctx, state.PaymentFilter{
		Statuses:    []state.PaymentStatus{state.PaymentPending},
		HasCallback: true,
	})
	if err != nil {
		return nil, err
	}

	batch := queued
	for _, p := range pending {
		cb, err := ParseCallback(p.CallbackPayload)
		if err != nil || !w.whitelist.Allows(cb.Status) {
			continue
		}
		batch = append(batch, p)
	}

	sort.SliceStable(batch, func(i, j int) bool {
		if !batch[i].CreatedAt.Equal(batch[j].CreatedAt) {
			return batch[i].CreatedAt.Before(batch[j].CreatedAt)
		}
		return batch[i].ID < batch[j].ID
	})
	if len(batch) > w.cfg.BatchSize {
		batch = batch[:w.cfg.BatchSize]
	}
	return batch, nil
}

func (w *Worker) processSafely(ctx context.Context, p *state.PendingPayment) (res PaymentResult) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Payment processing panicked",
				zap.Int64("payment_id", p.ID),
				zap.Any("panic", r),
			)
			res = w.park(ctx, p, fmt.Sprintf("panic: %v", r))
		}
	}()
	return w.process(ctx, p)
}

func (w *Worker) process(ctx context.Context, p *state.PendingPayment) PaymentResult {
	res := PaymentResult{PaymentID: p.ID, ReferenceNo: p.ReferenceNo, AccountNo: p.AccountNo}
	log := w.logger.With(
		zap.Int64("payment_id", p.ID),
		zap.String("reference_no", p.ReferenceNo),
		zap.String("account_no", p.AccountNo),
	)

	// Authenticity is checked before anything is claimed.
	if reason := w.whitelist.Verify(p); reason != "" {
		return w.fail(ctx, p, res, []state.PaymentStatus{state.PaymentQueued, state.PaymentPending}, reason)
	}

	claimed, err := w.store.TransitionPayment(ctx, p.ID,
		[]state.PaymentStatus{state.PaymentQueued, state.PaymentPending}, state.PaymentProcessing, "", w.now())
	if err != nil {
		log.Warn("Failed to claim payment", zap.Error(err))
		res.Outcome, res.Reason = OutcomeSkipped, "claim_error"
		return res
	}
	if !claimed {
		res.Outcome, res.Reason = OutcomeSkipped, "claimed_elsewhere"
		return res
	}

	if _, err := w.store.GetAccount(ctx, p.AccountNo); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return w.fail(ctx, p, res, []state.PaymentStatus{state.PaymentProcessing}, ReasonAccountNotFound)
		}
		return w.park(ctx, p, err.Error())
	}

	record, err := w.settle(ctx, p)
	switch {
	case err == nil:
	case errors.Is(err, errClaimLost):
		res.Outcome, res.Reason = OutcomeSkipped, "claim_lost"
		return res
	case errors.Is(err, state.ErrNotFound):
		return w.fail(ctx, p, res, []state.PaymentStatus{state.PaymentProcessing}, ReasonAccountNotFound)
	case errors.Is(err, billing.ErrInvalidAmount):
		return w.fail(ctx, p, res, []state.PaymentStatus{state.PaymentProcessing}, ReasonInvalidAmount)
	default:
		log.Warn("Settlement failed, parking for retry", zap.Error(err))
		return w.park(ctx, p, err.Error())
	}

	res.Outcome = OutcomePaid
	res.Settlement = record
	log.Info("Payment settled",
		zap.String("amount", p.Amount.String()),
		zap.String("credit", record.Credit.String()),
		zap.String("balance_after", record.BalanceAfter.String()),
		zap.Int("invoices", len(record.Lines)),
	)

	// Side effects after commit never undo the payment.
	w.afterCommit(ctx, p, record, &res, log)
	return res
}

var errClaimLost = errors.New("payment no longer PROCESSING")

// settle applies the payment and records the audit row in one transaction.
func (w *Worker) settle(ctx context.Context, p *state.PendingPayment) (*state.SettlementRecord, error) {
	tx, err := w.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	result, err := w.engine.Apply(ctx, tx, p.AccountNo, p.Amount)
	if err != nil {
		return nil, err
	}

	now := w.now()
	ok, err := tx.TransitionPayment(ctx, p.ID, []state.PaymentStatus{state.PaymentProcessing}, state.PaymentPaid, "", now)
	if err != nil {
		return nil, fmt.Errorf("mark paid: %w", err)
	}
	if !ok {
		return nil, errClaimLost
	}

	record := &state.SettlementRecord{
		PaymentID:     p.ID,
		ReferenceNo:   p.ReferenceNo,
		AccountNo:     p.AccountNo,
		Amount:        p.Amount,
		Credit:        result.Credit,
		BalanceBefore: result.BalanceBefore,
		BalanceAfter:  result.BalanceAfter,
		Lines:         result.Lines,
		CreatedAt:     now.UTC(),
	}
	if err := tx.InsertSettlementRecord(ctx, record); err != nil {
		return nil, fmt.Errorf("audit record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return record, nil
}

func (w *Worker) afterCommit(ctx context.Context, p *state.PendingPayment, record *state.SettlementRecord, res *PaymentResult, log *zap.Logger) {
	acct, err := w.store.GetAccount(ctx, p.AccountNo)
	if err != nil {
		log.Warn("Failed to re-read account after settlement", zap.Error(err))
		return
	}

	var paid []int64
	for _, line := range record.Lines {
		if line.Status == state.InvoicePaid {
			paid = append(paid, line.InvoiceID)
		}
	}
	notify.Dispatch(ctx, w.notifier, notify.Notification{
		AccountNo:    acct.AccountNo,
		Contact:      acct.Contact,
		Template:     w.cfg.PaymentTemplate,
		Event:        "payment_settled",
		ReferenceNo:  p.ReferenceNo,
		InvoicesPaid: paid,
		Amount:       p.Amount,
		Balance:      acct.Balance,
	}, log)

	if acct.Balance.IsPositive() || w.decider == nil {
		return
	}
	outcome, err := w.decider.Reconnect(ctx, acct.AccountNo)
	res.Reconnect = outcome
	if err != nil {
		log.Warn("Reconnect failed", zap.Error(err))
		return
	}
	if outcome.Session != nil && outcome.Session.RemoteErr != nil {
		log.Warn("Reconnect not applied remotely; next sync will report drift",
			zap.Strings("failed_endpoints", outcome.Session.FailedEndpoints),
			zap.Error(outcome.Session.RemoteErr),
		)
	}
}

// fail moves a payment to FAILED if it is still in one of from.
func (w *Worker) fail(ctx context.Context, p *state.PendingPayment, res PaymentResult, from []state.PaymentStatus, reason string) PaymentResult {
	ok, err := w.store.TransitionPayment(ctx, p.ID, from, state.PaymentFailed, reason, w.now())
	switch {
	case err != nil:
		w.logger.Error("Failed to mark payment FAILED",
			zap.Int64("payment_id", p.ID),
			zap.String("reason", reason),
			zap.Error(err),
		)
		res.Outcome, res.Reason = OutcomeSkipped, "transition_error"
	case !ok:
		res.Outcome, res.Reason = OutcomeSkipped, "claimed_elsewhere"
	default:
		w.logger.Warn("Payment rejected",
			zap.Int64("payment_id", p.ID),
			zap.String("reference_no", p.ReferenceNo),
			zap.String("reason", reason),
		)
		res.Outcome, res.Reason = OutcomeFailed, reason
	}
	return res
}

// park moves a PROCESSING payment to API_RETRY.
func (w *Worker) park(ctx context.Context, p *state.PendingPayment, reason string) PaymentResult {
	res := PaymentResult{PaymentID: p.ID, ReferenceNo: p.ReferenceNo, AccountNo: p.AccountNo}
	ok, err := w.store.TransitionPayment(ctx, p.ID,
		[]state.PaymentStatus{state.PaymentProcessing}, state.PaymentAPIRetry, reason, w.now())
	if err != nil || !ok {
		w.logger.Error("Failed to park payment for retry",
			zap.Int64("payment_id", p.ID),
			zap.Bool("transitioned", ok),
			zap.Error(err),
		)
		res.Outcome, res.Reason = OutcomeSkipped, "transition_error"
		return res
	}
	res.Outcome, res.Reason = OutcomeRetry, reason
	return res
}
