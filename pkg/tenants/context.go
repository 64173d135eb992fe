package tenants

import (
	"context"
	"fmt"

	"github.com/strataplane/warrant/pkg/contracts"
)

// NewRequestContext builds a validated request context. There is no
// ambient "current tenant" anywhere in the core: callers construct one of
// these at the boundary and pass it by value through every call.
func NewRequestContext(tenantID, actorID, sessionID string) (contracts.RequestContext, error) {
	if tenantID == "" {
		return contracts.RequestContext{}, fmt.Errorf("%w: tenant id is required", ErrInvalidContext)
	}
	if actorID == "" {
		return contracts.RequestContext{}, fmt.Errorf("%w: actor id is required", ErrInvalidContext)
	}
	return contracts.RequestContext{TenantID: tenantID, ActorID: actorID, SessionID: sessionID}, nil
}

// ContextProvider is the seam to whatever authentication layer sits in
// front of the core. Implementations resolve the caller's identity once
// per request; the result is then passed explicitly.
type ContextProvider interface {
	Current(ctx context.Context) (contracts.RequestContext, error)
}

// StaticProvider always returns a fixed context. Used by tests and
// single-tenant tooling.
type StaticProvider struct {
	Context contracts.RequestContext
}

func (p StaticProvider) Current(ctx context.Context) (contracts.RequestContext, error) {
	_ = ctx
	if p.Context.TenantID == "" || p.Context.ActorID == "" {
		return contracts.RequestContext{}, ErrInvalidContext
	}
	return p.Context, nil
}
