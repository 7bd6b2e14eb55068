package rbac

import (
	"context"
	"fmt"

	"cassette-repair-tracker/backend/internal/platform/apperr"
	"cassette-repair-tracker/backend/internal/security"
	"cassette-repair-tracker/backend/internal/server/middleware"
)

// Authorizer decides whether a principal may perform an action.
type Authorizer interface {
	Allow(ctx context.Context, p security.Principal, action string) (bool, error)
}

// RequirePrincipal returns the caller's principal or an authentication error.
func RequirePrincipal(ctx context.Context) (security.Principal, error) {
	p, ok := middleware.GetPrincipal(ctx)
	if !ok {
		return security.Principal{}, apperr.Authentication("no principal in context")
	}
	return p, nil
}

// RequireAction returns the caller's principal if authz allows it to perform action.
// Returns an authentication error without a principal, forbidden on deny, and a plain error
// when the policy cannot be evaluated.
func RequireAction(ctx context.Context, authz Authorizer, action string) (security.Principal, error) {
	p, err := RequirePrincipal(ctx)
	if err != nil {
		return security.Principal{}, err
	}
	ok, err := authz.Allow(ctx, p, action)
	if err != nil {
		return security.Principal{}, fmt.Errorf("authorizing %s: %w", action, err)
	}
	if !ok {
		return security.Principal{}, apperr.Forbidden("insufficient role")
	}
	return p, nil
}
