package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ErrNoGroup is returned when a plan does not resolve to an AAA group.
var ErrNoGroup = errors.New("no AAA group for plan")

// Policy maps billing intent to AAA groups.
type Policy struct {
	DisconnectGroup string
	PulloutGroup    string

	// PlanGroups is the explicit plan name -> AAA group mapping.
	PlanGroups map[string]string
	// InferFromPlanName falls back to the first word of the plan name
	// when the plan has no explicit mapping.
	InferFromPlanName bool
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		DisconnectGroup:   "Disconnected",
		PulloutGroup:      "Pullout",
		PlanGroups:        map[string]string{},
		InferFromPlanName: true,
	}
}

// PolicyResolver resolves groups and warns once per inferred plan.
type PolicyResolver struct {
	policy Policy
	logger *zap.Logger

	mu     sync.Mutex
	warned map[string]bool
}

// NewPolicyResolver creates a resolver for policy.
func NewPolicyResolver(policy Policy, logger *zap.Logger) *PolicyResolver {
	if policy.DisconnectGroup == "" {
		policy.DisconnectGroup = "Disconnected"
	}
	if policy.PulloutGroup == "" {
		policy.PulloutGroup = policy.DisconnectGroup
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PolicyResolver{
		policy: policy,
		logger: logger,
		warned: make(map[string]bool),
	}
}

// Policy returns the effective policy.
func (r *PolicyResolver) Policy() Policy {
	return r.policy
}

// BlockedGroups returns the groups that deny access.
func (r *PolicyResolver) BlockedGroups() []string {
	if r.policy.PulloutGroup == r.policy.DisconnectGroup {
		return []string{r.policy.DisconnectGroup}
	}
	return []string{r.policy.DisconnectGroup, r.policy.PulloutGroup}
}

// DisconnectGroup returns the target group for a disconnect.
func (r *PolicyResolver) DisconnectGroup(pullout bool) string {
	if pullout {
		return r.policy.PulloutGroup
	}
	return r.policy.DisconnectGroup
}

// GroupForPlan resolves the AAA group for a plan.
func (r *PolicyResolver) GroupForPlan(plan string) (string, error) {
	plan = strings.TrimSpace(plan)
	if plan == "" {
		return "", fmt.Errorf("empty plan: %w", ErrNoGroup)
	}
	if group, ok := r.policy.PlanGroups[plan]; ok && group != "" {
		return group, nil
	}
	if !r.policy.InferFromPlanName {
		return "", fmt.Errorf("plan %q: %w", plan, ErrNoGroup)
	}

	group := strings.Fields(plan)[0]

	r.mu.Lock()
	if !r.warned[plan] {
		r.warned[plan] = true
		r.logger.Warn("Inferring AAA group from plan name",
			zap.String("plan", plan),
			zap.String("group", group),
		)
	}
	r.mu.Unlock()

	return group, nil
}
