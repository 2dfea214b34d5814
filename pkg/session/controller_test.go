package session_test

import (
	"context"
	"errors"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/codelaboratoryltd/settlement/pkg/aaa"
	"github.com/codelaboratoryltd/settlement/pkg/aaa/aaatest"
	"github.com/codelaboratoryltd/settlement/pkg/session"
	"github.com/codelaboratoryltd/settlement/pkg/state"
)

type fakeDisconnector struct {
	calls []string
	err   error
}

func (f *fakeDisconnector) Disconnect(ctx context.Context, nas string, s *aaa.RemoteSession) error {
	f.calls = append(f.calls, nas+"/"+s.ID)
	return f.err
}

type countingRecorder struct {
	outcomes map[string]int
}

func (r *countingRecorder) ObserveSessionAction(action, outcome string) {
	r.outcomes[action+":"+outcome]++
}

var _ = Describe("Controller", func() {
	var (
		ctx        context.Context
		primary    *aaatest.Server
		secondary  *aaatest.Server
		store      *state.MemoryStore
		recorder   *countingRecorder
		controller *session.Controller
	)

	newController := func(opts ...session.ControllerOption) *session.Controller {
		cfg := aaa.ClientConfig{Timeout: time.Second, Retries: 1, RetryDelay: time.Millisecond}
		d, err := aaa.NewDispatcherFromConfig(
			[]aaa.EndpointConfig{primary.Endpoint("primary"), secondary.Endpoint("secondary")}, cfg, nil)
		Expect(err).NotTo(HaveOccurred())
		policy := session.NewPolicyResolver(session.Policy{
			DisconnectGroup: "Disconnected",
			PulloutGroup:    "Pullout",
			PlanGroups:      map[string]string{"Fiber 100 Mbps": "Fiber100"},
		}, nil)
		opts = append(opts, session.WithRecorder(recorder))
		return session.NewController(d, store, policy, nil, opts...)
	}

	BeforeEach(func() {
		ctx = context.Background()
		primary = aaatest.NewServer()
		secondary = aaatest.NewServer()
		store = state.NewMemoryStore()
		recorder = &countingRecorder{outcomes: map[string]int{}}
		Expect(store.CreateAccount(ctx, &state.Account{
			AccountNo: "ACC-1", Username: "alice", Plan: "Fiber 100 Mbps", BillingStatus: state.BillingActive,
		})).To(Succeed())
		controller = newController()
	})

	AfterEach(func() {
		primary.Close()
		secondary.Close()
	})

	billingStatus := func() state.BillingStatus {
		acct, err := store.GetAccount(ctx, "ACC-1")
		Expect(err).NotTo(HaveOccurred())
		return acct.BillingStatus
	}

	Describe("Disconnect", func() {
		It("should patch every endpoint and kill the session", func() {
			primary.AddUser("alice", "Fiber100")
			secondary.AddUser("alice", "Fiber100")
			secondary.AddSession(aaa.RemoteSession{ID: "*9", User: "alice"})

			result, err := controller.Disconnect(ctx, session.DisconnectRequest{AccountNo: "ACC-1", Username: "alice"})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.RemoteErr).NotTo(HaveOccurred())
			Expect(result.Patched).To(BeTrue())
			Expect(result.PreviousGroup).To(Equal("Fiber100"))
			Expect(result.Killed).To(BeTrue())
			Expect(result.KilledVia).To(Equal("secondary"))

			u, _ := primary.User("alice")
			Expect(u.Group).To(Equal("Disconnected"))
			u, _ = secondary.User("alice")
			Expect(u.Group).To(Equal("Disconnected"))
			Expect(secondary.HasSession("alice")).To(BeFalse())
			Expect(billingStatus()).To(Equal(state.BillingDisconnected))
			Expect(recorder.outcomes["disconnect:applied"]).To(Equal(1))
		})

		It("should kill the session even when the group is already set", func() {
			primary.AddUser("alice", "Disconnected")
			primary.AddSession(aaa.RemoteSession{ID: "*1", User: "alice"})

			result, err := controller.Disconnect(ctx, session.DisconnectRequest{AccountNo: "ACC-1", Username: "alice"})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Skipped).To(BeTrue())
			Expect(result.Patched).To(BeFalse())
			Expect(result.Killed).To(BeTrue())
			Expect(primary.CountRequests(http.MethodPatch)).To(BeZero())
		})

		It("should use the pullout group and status", func() {
			primary.AddUser("alice", "Fiber100")

			result, err := controller.Disconnect(ctx, session.DisconnectRequest{AccountNo: "ACC-1", Username: "alice", Pullout: true})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.TargetGroup).To(Equal("Pullout"))
			Expect(billingStatus()).To(Equal(state.BillingPullout))
		})

		It("should still record local intent when every endpoint is down", func() {
			primary.Down = true
			secondary.Down = true

			result, err := controller.Disconnect(ctx, session.DisconnectRequest{AccountNo: "ACC-1", Username: "alice"})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.RemoteErr).To(HaveOccurred())
			Expect(errors.Is(result.RemoteErr, aaa.ErrAllEndpointsFailed)).To(BeTrue())
			Expect(result.FailedEndpoints).To(ConsistOf("primary", "secondary"))
			Expect(result.Killed).To(BeFalse())
			Expect(result.LocalUpdated).To(BeTrue())
			Expect(billingStatus()).To(Equal(state.BillingDisconnected))
			Expect(recorder.outcomes["disconnect:remote_failed"]).To(Equal(1))
		})

		It("should fall back to a Disconnect-Message when the API delete fails", func() {
			dm := &fakeDisconnector{}
			controller = newController(session.WithDisconnector(dm, "192.0.2.1"))
			primary.AddUser("alice", "Fiber100")
			primary.AddSession(aaa.RemoteSession{ID: "*4", User: "alice"})
			primary.FailDelete = true

			result, err := controller.Disconnect(ctx, session.DisconnectRequest{AccountNo: "ACC-1", Username: "alice"})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Killed).To(BeTrue())
			Expect(result.KilledVia).To(Equal("nas"))
			Expect(dm.calls).To(Equal([]string{"192.0.2.1/*4"}))
		})

		It("should return an error when the account is unknown", func() {
			primary.AddUser("bob", "Fiber100")
			_, err := controller.Disconnect(ctx, session.DisconnectRequest{AccountNo: "nope", Username: "bob"})
			Expect(err).To(MatchError(state.ErrNotFound))
		})
	})

	Describe("Reconnect", func() {
		BeforeEach(func() {
			Expect(store.SetBillingStatus(ctx, "ACC-1", state.BillingDisconnected)).To(Succeed())
		})

		It("should patch to the plan group and kill the old session", func() {
			primary.AddUser("alice", "Disconnected")
			primary.AddSession(aaa.RemoteSession{ID: "*2", User: "alice"})

			result, err := controller.Reconnect(ctx, session.ReconnectRequest{AccountNo: "ACC-1", Username: "alice", Plan: "Fiber 100 Mbps"})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.TargetGroup).To(Equal("Fiber100"))
			Expect(result.Patched).To(BeTrue())
			Expect(result.Killed).To(BeTrue())
			Expect(billingStatus()).To(Equal(state.BillingActive))
		})

		It("should leave the session alone when nothing changed", func() {
			primary.AddUser("alice", "Fiber100")
			primary.AddSession(aaa.RemoteSession{ID: "*2", User: "alice"})

			result, err := controller.Reconnect(ctx, session.ReconnectRequest{AccountNo: "ACC-1", Username: "alice", Plan: "Fiber 100 Mbps"})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Skipped).To(BeTrue())
			Expect(result.Killed).To(BeFalse())
			Expect(primary.HasSession("alice")).To(BeTrue())
			Expect(primary.CountRequests(http.MethodDelete)).To(BeZero())
			Expect(result.Outcome()).To(Equal("noop"))
		})

		It("should not kill the session when every patch failed", func() {
			primary.AddUser("alice", "Disconnected")
			primary.AddSession(aaa.RemoteSession{ID: "*2", User: "alice"})
			primary.FailPatch = true
			secondary.FailPatch = true

			result, err := controller.Reconnect(ctx, session.ReconnectRequest{AccountNo: "ACC-1", Username: "alice", Plan: "Fiber 100 Mbps"})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Patched).To(BeFalse())
			Expect(result.Killed).To(BeFalse())
			Expect(result.RemoteErr).To(HaveOccurred())
			Expect(primary.HasSession("alice")).To(BeTrue())
		})
	})

	Describe("UpdateCredentials", func() {
		It("should rename everywhere and kill the old session", func() {
			primary.AddUser("alice", "Fiber100")
			secondary.AddUser("alice", "Fiber100")
			primary.AddSession(aaa.RemoteSession{ID: "*3", User: "alice"})

			result, err := controller.UpdateCredentials(ctx, session.CredentialsRequest{
				AccountNo: "ACC-1", OldUsername: "alice", NewUsername: "alice2", Password: "pw",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Patched).To(BeTrue())
			Expect(result.Killed).To(BeTrue())

			_, found := primary.User("alice2")
			Expect(found).To(BeTrue())
			_, found = secondary.User("alice2")
			Expect(found).To(BeTrue())
			Expect(primary.HasSession("alice")).To(BeFalse())

			acct, err := store.GetAccount(ctx, "ACC-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(acct.Username).To(Equal("alice2"))
		})

		It("should require a new username", func() {
			_, err := controller.UpdateCredentials(ctx, session.CredentialsRequest{AccountNo: "ACC-1", OldUsername: "alice"})
			Expect(err).To(HaveOccurred())
		})
	})
})

var _ = Describe("PolicyResolver", func() {
	It("should prefer the explicit mapping", func() {
		r := session.NewPolicyResolver(session.Policy{
			PlanGroups:        map[string]string{"Home 50": "Res50"},
			InferFromPlanName: true,
		}, nil)
		Expect(r.GroupForPlan("Home 50")).To(Equal("Res50"))
		Expect(r.GroupForPlan("Biz200 Unlimited")).To(Equal("Biz200"))
	})

	It("should refuse to infer when disabled", func() {
		r := session.NewPolicyResolver(session.Policy{}, nil)
		_, err := r.GroupForPlan("Biz200 Unlimited")
		Expect(err).To(MatchError(session.ErrNoGroup))
		_, err = r.GroupForPlan("  ")
		Expect(err).To(MatchError(session.ErrNoGroup))
	})

	It("should default the pullout group to the disconnect group", func() {
		r := session.NewPolicyResolver(session.Policy{DisconnectGroup: "Blocked"}, nil)
		Expect(r.DisconnectGroup(true)).To(Equal("Blocked"))
		Expect(r.BlockedGroups()).To(Equal([]string{"Blocked"}))
	})
})
