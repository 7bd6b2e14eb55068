// Package engine evaluates authorization decisions with OPA Rego.
package engine

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/v1/rego"

	"cassette-repair-tracker/backend/internal/security"
)

// Actions checked against the policy.
const (
	ActionRevokeSessions = "sessions.revoke"
	ActionReadSessions   = "sessions.read"
	ActionReadAuditLogs  = "audit.read"
)

const decisionQuery = "data.cassette.authz.allow"

// DefaultPolicy lets internal SUPER_ADMIN and ADMIN principals run every admin action.
const DefaultPolicy = `package cassette.authz

default allow := false

admin_actions := {"sessions.revoke", "sessions.read", "audit.read"}

admin_roles := {"SUPER_ADMIN", "ADMIN"}

allow if {
	input.action in admin_actions
	input.principal.domain == "internal"
	input.principal.role in admin_roles
}
`

// Authorizer answers allow/deny for a principal and action using a compiled Rego policy.
type Authorizer struct {
	query rego.PreparedEvalQuery
}

// NewAuthorizer compiles policy. An empty policy uses DefaultPolicy.
func NewAuthorizer(ctx context.Context, policy string) (*Authorizer, error) {
	if policy == "" {
		policy = DefaultPolicy
	}
	q, err := rego.New(
		rego.Query(decisionQuery),
		rego.Module("authz.rego", policy),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile authz policy: %w", err)
	}
	return &Authorizer{query: q}, nil
}

// LoadAuthorizer reads the policy from path, or uses DefaultPolicy when path is empty.
func LoadAuthorizer(ctx context.Context, path string) (*Authorizer, error) {
	if path == "" {
		return NewAuthorizer(ctx, "")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read authz policy: %w", err)
	}
	return NewAuthorizer(ctx, string(b))
}

// Allow reports whether p may perform action. A policy without a boolean decision denies.
func (a *Authorizer) Allow(ctx context.Context, p security.Principal, action string) (bool, error) {
	input := map[string]any{
		"action": action,
		"principal": map[string]any{
			"id":     p.ID,
			"domain": p.Domain,
			"role":   p.Role,
		},
	}
	rs, err := a.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("eval authz policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil
	}
	allowed, ok := rs[0].Expressions[0].Value.(bool)
	return ok && allowed, nil
}

// HealthCheck evaluates the prepared policy against a minimal input.
func (a *Authorizer) HealthCheck(ctx context.Context) error {
	if _, err := a.Allow(ctx, security.Principal{}, "health"); err != nil {
		return err
	}
	return nil
}
