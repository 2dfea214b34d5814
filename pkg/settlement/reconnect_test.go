package settlement_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/codelaboratoryltd/settlement/pkg/session"
	"github.com/codelaboratoryltd/settlement/pkg/settlement"
	"github.com/codelaboratoryltd/settlement/pkg/state"
)

type fakeController struct {
	calls []session.ReconnectRequest
	// statusAtCall captures the local billing status seen by the controller.
	statusAtCall state.BillingStatus
	store        *state.MemoryStore
	err          error
}

func (f *fakeController) Reconnect(ctx context.Context, req session.ReconnectRequest) (*session.Result, error) {
	f.calls = append(f.calls, req)
	if acct, err := f.store.GetAccount(ctx, req.AccountNo); err == nil {
		f.statusAtCall = acct.BillingStatus
	}
	if f.err != nil {
		return nil, f.err
	}
	return &session.Result{Action: session.ActionReconnect, Patched: true}, nil
}

var _ = Describe("Decider", func() {
	var (
		ctx        context.Context
		store      *state.MemoryStore
		controller *fakeController
		notifier   *recordingNotifier
		decider    *settlement.Decider
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = state.NewMemoryStore()
		controller = &fakeController{store: store}
		notifier = &recordingNotifier{}
		policy := session.NewPolicyResolver(session.Policy{PlanGroups: map[string]string{"Home": "Res"}}, nil)
		decider = settlement.NewDecider(store, controller, policy, notifier, "reconnected", nil)
	})

	DescribeTable("Evaluate",
		func(acct state.Account, eligible bool, reason string) {
			d := decider.Evaluate(&acct)
			Expect(d.Eligible).To(Equal(eligible))
			Expect(d.Reason).To(Equal(reason))
		},
		Entry("balance positive", state.Account{Balance: dec("0.01"), BillingStatus: state.BillingDisconnected, Username: "u", Plan: "Home"},
			false, settlement.ReasonBalancePositive),
		Entry("already active", state.Account{Balance: dec("-50"), BillingStatus: state.BillingActive, Username: "u", Plan: "Home"},
			false, settlement.ReasonStatusAlreadyActive),
		Entry("no username", state.Account{Balance: dec("0"), BillingStatus: state.BillingDisconnected, Plan: "Home"},
			false, settlement.ReasonNoUsername),
		Entry("unmapped plan", state.Account{Balance: dec("0"), BillingStatus: state.BillingDisconnected, Username: "u", Plan: "Biz 200"},
			false, settlement.ReasonNoPlan),
		Entry("eligible", state.Account{Balance: dec("-10"), BillingStatus: state.BillingPullout, Username: "u", Plan: "Home"},
			true, settlement.ReasonEligible),
	)

	It("should stop at status_already_active without a remote call", func() {
		Expect(store.CreateAccount(ctx, &state.Account{
			AccountNo: "A1", Balance: dec("-50"), BillingStatus: state.BillingActive, Username: "u", Plan: "Home",
		})).To(Succeed())

		outcome, err := decider.Reconnect(ctx, "A1")
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome.Eligible).To(BeFalse())
		Expect(outcome.Reason).To(Equal(settlement.ReasonStatusAlreadyActive))
		Expect(controller.calls).To(BeEmpty())
		Expect(notifier.sent).To(BeEmpty())
	})

	It("should flip local status before calling the controller", func() {
		Expect(store.CreateAccount(ctx, &state.Account{
			AccountNo: "A1", Contact: "a@example.com", Balance: dec("0"),
			BillingStatus: state.BillingDisconnected, Username: "u", Plan: "Home",
		})).To(Succeed())

		outcome, err := decider.Reconnect(ctx, "A1")
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome.Eligible).To(BeTrue())
		Expect(controller.calls).To(HaveLen(1))
		Expect(controller.statusAtCall).To(Equal(state.BillingActive))
		Expect(outcome.Notified).To(BeTrue())
	})

	It("should keep the local intent when the controller fails", func() {
		controller.err = errors.New("store down")
		Expect(store.CreateAccount(ctx, &state.Account{
			AccountNo: "A1", Balance: dec("0"), BillingStatus: state.BillingDisconnected, Username: "u", Plan: "Home",
		})).To(Succeed())

		_, err := decider.Reconnect(ctx, "A1")
		Expect(err).To(HaveOccurred())
		acct, _ := store.GetAccount(ctx, "A1")
		Expect(acct.BillingStatus).To(Equal(state.BillingActive))
	})

	It("should skip notification when contact is missing", func() {
		Expect(store.CreateAccount(ctx, &state.Account{
			AccountNo: "A1", Balance: dec("0"), BillingStatus: state.BillingDisconnected, Username: "u", Plan: "Home",
		})).To(Succeed())

		outcome, err := decider.Reconnect(ctx, "A1")
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome.Notified).To(BeFalse())
		Expect(notifier.sent).To(BeEmpty())
	})
})

var _ = Describe("Whitelist", func() {
	It("should verify callbacks", func() {
		w := settlement.NewWhitelist(nil)
		p := &state.PendingPayment{ReferenceNo: "R1", Amount: dec("10.50")}

		p.CallbackPayload = `{"status":" success ","reference_no":"R1","amount":"10.5"}`
		Expect(w.Verify(p)).To(BeEmpty())

		p.CallbackPayload = `{"status":"FAILED"}`
		Expect(w.Verify(p)).To(Equal(settlement.ReasonStatusRejected))

		p.CallbackPayload = ``
		Expect(w.Verify(p)).To(Equal(settlement.ReasonInvalidCallback))

		custom := settlement.NewWhitelist([]string{"ok"})
		Expect(custom.Allows("OK")).To(BeTrue())
		Expect(custom.Allows("SUCCESS")).To(BeFalse())
	})
})
