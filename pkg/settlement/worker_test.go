package settlement_test

import (
	"context"
	"errors"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/codelaboratoryltd/settlement/pkg/aaa"
	"github.com/codelaboratoryltd/settlement/pkg/aaa/aaatest"
	"github.com/codelaboratoryltd/settlement/pkg/lease"
	"github.com/codelaboratoryltd/settlement/pkg/notify"
	"github.com/codelaboratoryltd/settlement/pkg/session"
	"github.com/codelaboratoryltd/settlement/pkg/settlement"
	"github.com/codelaboratoryltd/settlement/pkg/state"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type recordingNotifier struct {
	sent []notify.Notification
}

func (r *recordingNotifier) Notify(ctx context.Context, n notify.Notification) error {
	r.sent = append(r.sent, n)
	return nil
}

var errBalanceWrite = errors.New("balance write failed")

// failingBalanceStore hands out transactions whose UpdateBalance always fails.
type failingBalanceStore struct {
	state.Store
}

func (s failingBalanceStore) BeginTx(ctx context.Context) (state.Tx, error) {
	tx, err := s.Store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	return failingBalanceTx{tx}, nil
}

type failingBalanceTx struct {
	state.Tx
}

func (failingBalanceTx) UpdateBalance(context.Context, string, decimal.Decimal) error {
	return errBalanceWrite
}

var _ = Describe("Worker", func() {
	var (
		ctx      context.Context
		store    *state.MemoryStore
		aaaNode  *aaatest.Server
		notifier *recordingNotifier
		worker   *settlement.Worker
		base     time.Time
	)

	newWorker := func(owner string) *settlement.Worker {
		d, err := aaa.NewDispatcherFromConfig([]aaa.EndpointConfig{aaaNode.Endpoint("node1")},
			aaa.ClientConfig{Timeout: time.Second, Retries: 1, RetryDelay: time.Millisecond}, nil)
		Expect(err).NotTo(HaveOccurred())
		policy := session.NewPolicyResolver(session.DefaultPolicy(), nil)
		controller := session.NewController(d, store, policy, nil)
		decider := settlement.NewDecider(store, controller, policy, notifier, "reconnected", nil)
		cfg := settlement.DefaultConfig()
		cfg.BatchSize = 10
		return settlement.NewWorker(store, lease.NewManager(store, owner, nil), decider, notifier, cfg, nil)
	}

	addPayment := func(ref, account, amount string, status state.PaymentStatus, callback string, age time.Duration) *state.PendingPayment {
		p := &state.PendingPayment{
			ReferenceNo:     ref,
			AccountNo:       account,
			Amount:          dec(amount),
			Status:          status,
			CallbackPayload: callback,
			CreatedAt:       base.Add(-age),
		}
		Expect(store.CreatePayment(ctx, p)).To(Succeed())
		return p
	}

	paymentStatus := func(id int64) state.PaymentStatus {
		p, err := store.GetPayment(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		return p.Status
	}

	BeforeEach(func() {
		ctx = context.Background()
		base = time.Now().UTC()
		store = state.NewMemoryStore()
		aaaNode = aaatest.NewServer()
		notifier = &recordingNotifier{}

		Expect(store.CreateAccount(ctx, &state.Account{
			AccountNo: "ACC-1", Contact: "+15550100", Balance: dec("1500"),
			BillingStatus: state.BillingDisconnected, Username: "alice", Plan: "Fiber100 Unlimited",
		})).To(Succeed())
		Expect(store.CreateInvoice(ctx, &state.Invoice{AccountNo: "ACC-1", TotalAmount: dec("1000"), InvoiceDate: base.AddDate(0, -2, 0)})).To(Succeed())
		Expect(store.CreateInvoice(ctx, &state.Invoice{AccountNo: "ACC-1", TotalAmount: dec("500"), InvoiceDate: base.AddDate(0, -1, 0)})).To(Succeed())
		aaaNode.AddUser("alice", "Disconnected")
		aaaNode.AddSession(aaa.RemoteSession{ID: "*1", User: "alice"})

		worker = newWorker("w1")
	})

	AfterEach(func() {
		aaaNode.Close()
	})

	It("should settle a partial payment without reconnecting", func() {
		p := addPayment("R1", "ACC-1", "1200", state.PaymentQueued, `{"status":"SUCCESS","reference_no":"R1","amount":"1200"}`, time.Minute)

		report, err := worker.RunOnce(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Selected).To(Equal(1))
		Expect(report.Paid).To(Equal(1))
		Expect(paymentStatus(p.ID)).To(Equal(state.PaymentPaid))

		invoices, _ := store.ListInvoices(ctx, "ACC-1")
		Expect(invoices[0].Status).To(Equal(state.InvoicePaid))
		Expect(invoices[1].Status).To(Equal(state.InvoicePartial))
		Expect(invoices[1].ReceivedPayment.Equal(dec("200"))).To(BeTrue())

		acct, _ := store.GetAccount(ctx, "ACC-1")
		Expect(acct.Balance.Equal(dec("300"))).To(BeTrue())
		Expect(acct.BillingStatus).To(Equal(state.BillingDisconnected))

		res := report.Results[0]
		Expect(res.Reconnect).To(BeNil())
		Expect(res.Settlement.Lines).To(HaveLen(2))
		Expect(notifier.sent).To(HaveLen(1))
		Expect(notifier.sent[0].InvoicesPaid).To(HaveLen(1))
		Expect(aaaNode.CountRequests(http.MethodPatch)).To(BeZero())
	})

	It("should reconnect once the balance is settled", func() {
		addPayment("R1", "ACC-1", "1500", state.PaymentPending, `{"status":"completed"}`, time.Minute)

		report, err := worker.RunOnce(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Paid).To(Equal(1))

		res := report.Results[0]
		Expect(res.Reconnect).NotTo(BeNil())
		Expect(res.Reconnect.Reason).To(Equal(settlement.ReasonEligible))
		Expect(res.Reconnect.Session.Patched).To(BeTrue())
		Expect(res.Reconnect.Session.Killed).To(BeTrue())

		u, _ := aaaNode.User("alice")
		Expect(u.Group).To(Equal("Fiber100"))
		acct, _ := store.GetAccount(ctx, "ACC-1")
		Expect(acct.BillingStatus).To(Equal(state.BillingActive))
		Expect(notifier.sent).To(HaveLen(2))
	})

	It("should fail a callback with a non-whitelisted status", func() {
		p := addPayment("R1", "ACC-1", "1000", state.PaymentQueued, `{"status":"EXPIRED"}`, time.Minute)

		report, err := worker.RunOnce(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Failed).To(Equal(1))
		Expect(report.Results[0].Reason).To(Equal(settlement.ReasonStatusRejected))
		Expect(paymentStatus(p.ID)).To(Equal(state.PaymentFailed))

		invoices, _ := store.ListInvoices(ctx, "ACC-1")
		for _, inv := range invoices {
			Expect(inv.ReceivedPayment.IsZero()).To(BeTrue())
			Expect(inv.Status).To(Equal(state.InvoiceUnpaid))
		}
		acct, _ := store.GetAccount(ctx, "ACC-1")
		Expect(acct.Balance.Equal(dec("1500"))).To(BeTrue())
	})

	It("should fail on reference or amount mismatch", func() {
		ref := addPayment("R1", "ACC-1", "100", state.PaymentQueued, `{"status":"SUCCESS","reference_no":"OTHER"}`, 2*time.Minute)
		amt := addPayment("R2", "ACC-1", "100", state.PaymentQueued, `{"status":"SUCCESS","amount":99.99}`, time.Minute)

		report, err := worker.RunOnce(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Failed).To(Equal(2))
		p, _ := store.GetPayment(ctx, ref.ID)
		Expect(p.FailureReason).To(Equal(settlement.ReasonReferenceMismatch))
		p, _ = store.GetPayment(ctx, amt.ID)
		Expect(p.FailureReason).To(Equal(settlement.ReasonAmountMismatch))
	})

	It("should ignore pending payments without a success callback", func() {
		p := addPayment("R1", "ACC-1", "100", state.PaymentPending, `{"status":"PENDING"}`, time.Minute)
		q := addPayment("R2", "ACC-1", "100", state.PaymentPending, "", time.Minute)

		report, err := worker.RunOnce(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Selected).To(BeZero())
		Expect(paymentStatus(p.ID)).To(Equal(state.PaymentPending))
		Expect(paymentStatus(q.ID)).To(Equal(state.PaymentPending))
	})

	It("should fail a payment for an unknown account", func() {
		p := addPayment("R1", "NOPE", "100", state.PaymentQueued, `{"status":"SUCCESS"}`, time.Minute)

		report, err := worker.RunOnce(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Failed).To(Equal(1))
		got, _ := store.GetPayment(ctx, p.ID)
		Expect(got.Status).To(Equal(state.PaymentFailed))
		Expect(got.FailureReason).To(Equal(settlement.ReasonAccountNotFound))
	})

	It("should process oldest first and continue after a failure", func() {
		newer := addPayment("R2", "ACC-1", "500", state.PaymentQueued, `{"status":"SUCCESS"}`, time.Minute)
		bad := addPayment("R0", "ACC-1", "1", state.PaymentQueued, `not json`, 3*time.Minute)
		older := addPayment("R1", "ACC-1", "1000", state.PaymentQueued, `{"status":"SUCCESS"}`, 2*time.Minute)

		report, err := worker.RunOnce(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Results).To(HaveLen(3))
		Expect(report.Results[0].PaymentID).To(Equal(bad.ID))
		Expect(report.Results[0].Reason).To(Equal(settlement.ReasonInvalidCallback))
		Expect(report.Results[1].PaymentID).To(Equal(older.ID))
		Expect(report.Results[2].PaymentID).To(Equal(newer.ID))

		records, _ := store.ListSettlementRecords(ctx, "ACC-1")
		Expect(records).To(HaveLen(2))
		Expect(records[0].Lines[0].Status).To(Equal(state.InvoicePaid))
		Expect(records[1].BalanceAfter.IsZero()).To(BeTrue())
	})

	It("should keep the ledger consistent for every paid payment", func() {
		addPayment("R1", "ACC-1", "300", state.PaymentQueued, `{"status":"SUCCESS"}`, 3*time.Minute)
		addPayment("R2", "ACC-1", "900", state.PaymentQueued, `{"status":"SUCCESS"}`, 2*time.Minute)
		addPayment("R3", "ACC-1", "700", state.PaymentQueued, `{"status":"SUCCESS"}`, time.Minute)

		_, err := worker.RunOnce(ctx)
		Expect(err).NotTo(HaveOccurred())

		records, _ := store.ListSettlementRecords(ctx, "ACC-1")
		Expect(records).To(HaveLen(3))
		total := decimal.Zero
		for _, rec := range records {
			applied := decimal.Zero
			for _, line := range rec.Lines {
				applied = applied.Add(line.Applied)
			}
			Expect(applied.Add(rec.Credit).Equal(rec.Amount)).To(BeTrue())
			Expect(rec.BalanceBefore.Sub(rec.Amount).Equal(rec.BalanceAfter)).To(BeTrue())
			total = total.Add(rec.Amount)
		}

		acct, _ := store.GetAccount(ctx, "ACC-1")
		Expect(acct.Balance.Equal(dec("1500").Sub(total))).To(BeTrue())
		invoices, _ := store.ListInvoices(ctx, "ACC-1")
		for _, inv := range invoices {
			Expect(inv.ReceivedPayment.Sub(inv.TotalAmount).LessThanOrEqual(dec("0.01"))).To(BeTrue())
		}
	})

	It("should refuse to run while another worker holds the lease", func() {
		other := lease.NewManager(store, "other", nil)
		_, err := other.Acquire(ctx, "settlement-worker", time.Minute)
		Expect(err).NotTo(HaveOccurred())
		p := addPayment("R1", "ACC-1", "100", state.PaymentQueued, `{"status":"SUCCESS"}`, time.Minute)

		_, err = worker.RunOnce(ctx)
		Expect(err).To(MatchError(settlement.ErrLeaseUnavailable))
		Expect(paymentStatus(p.ID)).To(Equal(state.PaymentQueued))
	})

	It("should release the lease after a run", func() {
		_, err := worker.RunOnce(ctx)
		Expect(err).NotTo(HaveOccurred())
		_, err = store.GetLease(ctx, "settlement-worker")
		Expect(err).To(MatchError(state.ErrNotFound))
	})

	It("should settle a payment exactly once across workers", func() {
		p := addPayment("R1", "ACC-1", "100", state.PaymentQueued, `{"status":"SUCCESS"}`, time.Minute)
		second := newWorker("w2")

		_, err := worker.RunOnce(ctx)
		Expect(err).NotTo(HaveOccurred())
		report, err := second.RunOnce(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Selected).To(BeZero())

		Expect(paymentStatus(p.ID)).To(Equal(state.PaymentPaid))
		records, _ := store.ListSettlementRecords(ctx, "ACC-1")
		Expect(records).To(HaveLen(1))
	})

	Describe("Sweep", func() {
		It("should requeue old retries and reclaim stale processing rows", func() {
			retry := addPayment("R1", "ACC-1", "100", state.PaymentAPIRetry, `{"status":"SUCCESS"}`, time.Hour)
			stale := addPayment("R2", "ACC-1", "100", state.PaymentProcessing, `{"status":"SUCCESS"}`, time.Hour)
			fresh := addPayment("R3", "ACC-1", "100", state.PaymentAPIRetry, `{"status":"SUCCESS"}`, time.Hour)
			_, err := store.TransitionPayment(ctx, retry.ID, []state.PaymentStatus{state.PaymentAPIRetry}, state.PaymentAPIRetry, "", base.Add(-10*time.Minute))
			Expect(err).NotTo(HaveOccurred())
			_, err = store.TransitionPayment(ctx, stale.ID, []state.PaymentStatus{state.PaymentProcessing}, state.PaymentProcessing, "", base.Add(-20*time.Minute))
			Expect(err).NotTo(HaveOccurred())
			_, err = store.TransitionPayment(ctx, fresh.ID, []state.PaymentStatus{state.PaymentAPIRetry}, state.PaymentAPIRetry, "", base)
			Expect(err).NotTo(HaveOccurred())

			report, err := worker.RunSweep(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Requeued).To(Equal(1))
			Expect(report.Reclaimed).To(Equal(1))
			Expect(paymentStatus(retry.ID)).To(Equal(state.PaymentQueued))
			Expect(paymentStatus(stale.ID)).To(Equal(state.PaymentAPIRetry))
			Expect(paymentStatus(fresh.ID)).To(Equal(state.PaymentAPIRetry))

			_, err = store.GetLease(ctx, "settlement-worker")
			Expect(err).To(MatchError(state.ErrNotFound))
		})
	})

	Describe("Rollback", func() {
		newStoreWorker := func(store state.Store) *settlement.Worker {
			cfg := settlement.DefaultConfig()
			cfg.BatchSize = 10
			return settlement.NewWorker(store, lease.NewManager(store, "w1", nil), nil, &recordingNotifier{}, cfg, nil)
		}

		DescribeTable("should park a payment for retry and leave the ledger untouched when the transaction fails",
			func(open func() state.Store) {
				store := open()
				Expect(store.CreateAccount(ctx, &state.Account{
					AccountNo: "ACC-9", Balance: dec("1500"), Username: "bob", Plan: "Fiber100",
				})).To(Succeed())
				Expect(store.CreateInvoice(ctx, &state.Invoice{AccountNo: "ACC-9", TotalAmount: dec("1000"), InvoiceDate: base.AddDate(0, -2, 0)})).To(Succeed())
				Expect(store.CreateInvoice(ctx, &state.Invoice{AccountNo: "ACC-9", TotalAmount: dec("500"), InvoiceDate: base.AddDate(0, -1, 0)})).To(Succeed())
				p := &state.PendingPayment{
					ReferenceNo: "R9", AccountNo: "ACC-9", Amount: dec("1200"),
					Status: state.PaymentQueued, CallbackPayload: `{"status":"SUCCESS"}`, CreatedAt: base.Add(-time.Minute),
				}
				Expect(store.CreatePayment(ctx, p)).To(Succeed())

				report, err := newStoreWorker(failingBalanceStore{store}).RunOnce(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(report.Results).To(HaveLen(1))
				Expect(report.Results[0].Outcome).To(Equal(settlement.OutcomeRetry))
				Expect(report.Retried).To(Equal(1))

				got, err := store.GetPayment(ctx, p.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(got.Status).To(Equal(state.PaymentAPIRetry))

				invoices, err := store.ListInvoices(ctx, "ACC-9")
				Expect(err).NotTo(HaveOccurred())
				Expect(invoices).To(HaveLen(2))
				for _, inv := range invoices {
					Expect(inv.ReceivedPayment.IsZero()).To(BeTrue())
					Expect(inv.Status).To(Equal(state.InvoiceUnpaid))
				}
				acct, err := store.GetAccount(ctx, "ACC-9")
				Expect(err).NotTo(HaveOccurred())
				Expect(acct.Balance.Equal(dec("1500"))).To(BeTrue())
				records, err := store.ListSettlementRecords(ctx, "ACC-9")
				Expect(err).NotTo(HaveOccurred())
				Expect(records).To(BeEmpty())

				ok, err := store.TransitionPayment(ctx, p.ID, []state.PaymentStatus{state.PaymentAPIRetry}, state.PaymentQueued, "", base)
				Expect(err).NotTo(HaveOccurred())
				Expect(ok).To(BeTrue())

				report, err = newStoreWorker(store).RunOnce(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(report.Paid).To(Equal(1))

				got, _ = store.GetPayment(ctx, p.ID)
				Expect(got.Status).To(Equal(state.PaymentPaid))
				invoices, _ = store.ListInvoices(ctx, "ACC-9")
				Expect(invoices[0].Status).To(Equal(state.InvoicePaid))
				Expect(invoices[0].ReceivedPayment.Equal(dec("1000"))).To(BeTrue())
				Expect(invoices[1].Status).To(Equal(state.InvoicePartial))
				Expect(invoices[1].ReceivedPayment.Equal(dec("200"))).To(BeTrue())
				acct, _ = store.GetAccount(ctx, "ACC-9")
				Expect(acct.Balance.Equal(dec("300"))).To(BeTrue())
			},
			Entry("memory store", func() state.Store { return state.NewMemoryStore() }),
			Entry("sqlite store", func() state.Store {
				s, err := state.OpenSQLite(":memory:")
				Expect(err).NotTo(HaveOccurred())
				DeferCleanup(s.Close)
				return s
			}),
		)
	})
})
