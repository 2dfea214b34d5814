package session

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/settlement/pkg/aaa"
	"github.com/codelaboratoryltd/settlement/pkg/state"
)

// Action is a session control operation.
type Action string

const (
	ActionDisconnect        Action = "disconnect"
	ActionReconnect         Action = "reconnect"
	ActionUpdateCredentials Action = "update_credentials"
)

// Remote is the multi-endpoint AAA surface used by the controller.
type Remote interface {
	LookupUser(ctx context.Context, username string) (*aaa.RemoteUser, string, error)
	PatchUser(ctx context.Context, id string, patch aaa.UserPatch) *aaa.FanoutResult
	KillSession(ctx context.Context, username string) (*aaa.RemoteSession, string, error)
}

// Disconnector terminates a session directly at the NAS.
type Disconnector interface {
	Disconnect(ctx context.Context, nasAddress string, session *aaa.RemoteSession) error
}

// AccountStore is the local state the controller writes.
type AccountStore interface {
	SetBillingStatus(ctx context.Context, accountNo string, status state.BillingStatus) error
	SetUsername(ctx context.Context, accountNo, username string) error
}

// Recorder observes controller outcomes.
type Recorder interface {
	ObserveSessionAction(action, outcome string)
}

// DisconnectRequest asks for an account to be cut off.
type DisconnectRequest struct {
	AccountNo string
	Username  string
	Pullout   bool
	// Group overrides the policy target group.
	Group string
}

// ReconnectRequest asks for an account's access to be restored.
type ReconnectRequest struct {
	AccountNo string
	Username  string
	Plan      string
}

// CredentialsRequest renames a user and optionally sets a new password.
type CredentialsRequest struct {
	AccountNo   string
	OldUsername string
	NewUsername string
	Password    string
}

// Result describes what a controller operation did.
type Result struct {
	Action        Action
	Username      string
	TargetGroup   string
	PreviousGroup string

	// Patched is true if at least one endpoint accepted the group change.
	Patched bool
	// Skipped is true if the user was already in the target group.
	Skipped bool
	// Killed is true if the live session was terminated.
	Killed    bool
	SessionID string
	// KilledVia is the endpoint name, or "nas" for a Disconnect-Message.
	KilledVia string

	LocalStatus  state.BillingStatus
	LocalUpdated bool

	// Endpoints lists endpoints that failed during the operation.
	FailedEndpoints []string
	// RemoteErr is set when the remote half did not fully apply.
	RemoteErr error
}

// Outcome summarizes the result for metrics and logs.
func (r *Result) Outcome() string {
	switch {
	case r.RemoteErr != nil:
		return "remote_failed"
	case r.Skipped && !r.Killed:
		return "noop"
	default:
		return "applied"
	}
}

// Controller drives disconnect, reconnect and credential changes for one
// subscriber against the AAA cluster and the local account.
type Controller struct {
	remote   Remote
	store    AccountStore
	policy   *PolicyResolver
	dm       Disconnector
	nas      string
	recorder Recorder
	logger   *zap.Logger
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithDisconnector enables the Disconnect-Message fallback. defaultNAS is
// used when the session does not report its NAS address.
func WithDisconnector(dm Disconnector, defaultNAS string) ControllerOption {
	return func(c *Controller) {
		c.dm = dm
		c.nas = defaultNAS
	}
}

// WithRecorder installs an outcome recorder.
func WithRecorder(r Recorder) ControllerOption {
	return func(c *Controller) {
		c.recorder = r
	}
}

// NewController creates a session controller.
func NewController(remote Remote, store AccountStore, policy *PolicyResolver, logger *zap.Logger, opts ...ControllerOption) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		remote: remote,
		store:  store,
		policy: policy,
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Policy returns the controller's policy resolver.
func (c *Controller) Policy() *PolicyResolver {
	return c.policy
}

// Disconnect moves the user into the disconnect group and kills any live
// session. The local billing status is set even if the remote half fails.
func (c *Controller) Disconnect(ctx context.Context, req DisconnectRequest) (*Result, error) {
	target := req.Group
	if target == "" {
		target = c.policy.DisconnectGroup(req.Pullout)
	}
	local := state.BillingDisconnected
	if req.Pullout {
		local = state.BillingPullout
	}

	result := &Result{Action: ActionDisconnect, Username: req.Username, TargetGroup: target, LocalStatus: local}
	c.applyGroup(ctx, result)

	return c.finish(ctx, req.AccountNo, result)
}

// Reconnect moves the user into the plan's group. The session is killed
// only when the group actually changed.
func (c *Controller) Reconnect(ctx context.Context, req ReconnectRequest) (*Result, error) {
	result := &Result{Action: ActionReconnect, Username: req.Username, LocalStatus: state.BillingActive}

	target, err := c.policy.GroupForPlan(req.Plan)
	if err != nil {
		result.RemoteErr = err
	} else {
		result.TargetGroup = target
		c.applyGroup(ctx, result)
	}

	return c.finish(ctx, req.AccountNo, result)
}

// UpdateCredentials renames the remote user, kills the old identity's
// session and updates the local username.
func (c *Controller) UpdateCredentials(ctx context.Context, req CredentialsRequest) (*Result, error) {
	if req.NewUsername == "" {
		return nil, fmt.Errorf("new username required")
	}
	result := &Result{Action: ActionUpdateCredentials, Username: req.OldUsername}

	user, _, err := c.remote.LookupUser(ctx, req.OldUsername)
	if err != nil {
		c.remoteFailed(result, "lookup user", err)
	} else {
		result.PreviousGroup = user.Group
		fan := c.remote.PatchUser(ctx, user.ID, aaa.UserPatch{Name: req.NewUsername, Password: req.Password})
		result.Patched = fan.Applied()
		for _, a := range fan.Failed {
			result.FailedEndpoints = appendUnique(result.FailedEndpoints, a.Endpoint)
		}
		if err := fan.Err(); err != nil {
			c.remoteFailed(result, "patch user", err)
		}
	}

	// The old identity is stale whether or not the rename applied.
	c.kill(ctx, result, req.OldUsername)

	if err := c.store.SetUsername(ctx, req.AccountNo, req.NewUsername); err != nil {
		c.record(result, "local_failed")
		return result, fmt.Errorf("set username for %s: %w", req.AccountNo, err)
	}
	result.LocalUpdated = true
	result.Username = req.NewUsername

	c.logResult(req.AccountNo, result)
	c.record(result, result.Outcome())
	return result, nil
}

// applyGroup looks up the user, patches the group on every endpoint when
// it differs and kills the session when required.
func (c *Controller) applyGroup(ctx context.Context, result *Result) {
	if result.Username == "" {
		result.RemoteErr = fmt.Errorf("no AAA username")
		return
	}

	user, _, err := c.remote.LookupUser(ctx, result.Username)
	if err != nil {
		c.remoteFailed(result, "lookup user", err)
		return
	}
	result.PreviousGroup = user.Group

	if user.Group == result.TargetGroup {
		result.Skipped = true
	} else {
		fan := c.remote.PatchUser(ctx, user.ID, aaa.UserPatch{Group: result.TargetGroup})
		result.Patched = fan.Applied()
		for _, a := range fan.Failed {
			result.FailedEndpoints = appendUnique(result.FailedEndpoints, a.Endpoint)
		}
		if err := fan.Err(); err != nil {
			c.remoteFailed(result, "patch group", err)
		}
	}

	if result.Action == ActionDisconnect || result.Patched {
		c.kill(ctx, result, result.Username)
	}
}

// kill terminates the user's session, falling back to a Disconnect-Message
// when the API cannot delete it.
func (c *Controller) kill(ctx context.Context, result *Result, username string) {
	session, endpoint, err := c.remote.KillSession(ctx, username)
	if err == nil {
		result.Killed = true
		result.SessionID = session.ID
		result.KilledVia = endpoint
		return
	}
	if errors.Is(err, aaa.ErrNotFound) {
		// No live session.
		return
	}

	if session != nil && c.dm != nil {
		nas := session.NASAddress
		if nas == "" {
			nas = c.nas
		}
		if nas != "" {
			dmErr := c.dm.Disconnect(ctx, nas, session)
			if dmErr == nil {
				result.Killed = true
				result.SessionID = session.ID
				result.KilledVia = "nas"
				return
			}
			err = fmt.Errorf("%w; disconnect-message: %v", err, dmErr)
		}
	}
	c.remoteFailed(result, "kill session", err)
}

func (c *Controller) remoteFailed(result *Result, step string, err error) {
	var dispatchErr *aaa.DispatchError
	if errors.As(err, &dispatchErr) {
		for _, a := range dispatchErr.Attempts {
			if !errors.Is(a.Err, aaa.ErrNotFound) {
				result.FailedEndpoints = appendUnique(result.FailedEndpoints, a.Endpoint)
			}
		}
	}
	wrapped := fmt.Errorf("%s: %w", step, err)
	if result.RemoteErr == nil {
		result.RemoteErr = wrapped
	} else {
		result.RemoteErr = fmt.Errorf("%v; %w", result.RemoteErr, wrapped)
	}
}

// finish records the local intent and logs the outcome.
func (c *Controller) finish(ctx context.Context, accountNo string, result *Result) (*Result, error) {
	if accountNo != "" {
		if err := c.store.SetBillingStatus(ctx, accountNo, result.LocalStatus); err != nil {
			c.record(result, "local_failed")
			return result, fmt.Errorf("set billing status for %s: %w", accountNo, err)
		}
		result.LocalUpdated = true
	}

	c.logResult(accountNo, result)
	c.record(result, result.Outcome())
	return result, nil
}

func (c *Controller) logResult(accountNo string, result *Result) {
	fields := []zap.Field{
		zap.String("action", string(result.Action)),
		zap.String("account_no", accountNo),
		zap.String("username", result.Username),
		zap.String("target_group", result.TargetGroup),
		zap.String("previous_group", result.PreviousGroup),
		zap.Bool("patched", result.Patched),
		zap.Bool("killed", result.Killed),
		zap.String("local_status", string(result.LocalStatus)),
	}
	if result.RemoteErr != nil {
		fields = append(fields,
			zap.Strings("failed_endpoints", result.FailedEndpoints),
			zap.Error(result.RemoteErr),
		)
		c.logger.Warn("Session change not fully applied", fields...)
		return
	}
	c.logger.Info("Session change applied", fields...)
}

func (c *Controller) record(result *Result, outcome string) {
	if c.recorder != nil {
		c.recorder.ObserveSessionAction(string(result.Action), outcome)
	}
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
