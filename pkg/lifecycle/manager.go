// Package lifecycle provides the Authority Lifecycle Manager: the
// append-only grant/revocation ledger with time-travel edge resolution.
//
// Grants and revocations are never mutated after creation. Every state
// change is a new record plus a change event appended in the same store
// transaction. For any asOf, the effective edge set is derivable purely by
// filtering grants and revocations by timestamp.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/strataplane/warrant/pkg/audit"
	"github.com/strataplane/warrant/pkg/contracts"
	"github.com/strataplane/warrant/pkg/store"
)

// EmergencyGrantTTL is the default validity window for emergency grants
// that carry no explicit ValidUntil.
const EmergencyGrantTTL = time.Hour

var (
	// ErrInvalidGrant indicates a grant request with missing or
	// inconsistent fields.
	ErrInvalidGrant = errors.New("invalid grant request")
	// ErrUnmappedIntent indicates an intent with no permission mapping.
	// Granting such an intent would create an edge the snapshot resolver
	// can never surface, so the manager refuses it up front.
	ErrUnmappedIntent = errors.New("intent has no permission mapping")
)

// GrantRequest carries all parameters of one authority grant. The json
// tags are the HTTP wire format; TenantID and ActorID are overwritten
// from the request context at the API boundary.
type GrantRequest struct {
	TenantID    string                 `json:"tenant_id"`
	FromNodeID  string                 `json:"from_node_id"`
	ToNodeID    string                 `json:"to_node_id"`
	Kind        contracts.EdgeKind     `json:"kind,omitempty"`
	Intent      contracts.IntentType   `json:"intent"`
	Scope       *contracts.Scope       `json:"scope,omitempty"`
	Constraints *contracts.Constraints `json:"constraints,omitempty"`
	ActorID     string                 `json:"actor_id"`
	IsEmergency bool                   `json:"is_emergency,omitempty"`
	ValidUntil  *time.Time             `json:"valid_until,omitempty"`
}

// Manager maintains the authority ledger on an injected store.
type Manager struct {
	store        store.LedgerStore
	audit        audit.Logger
	emergencyTTL func(tenantID string) time.Duration
	clock        func() time.Time
}

// NewManager creates a lifecycle manager on the given ledger store.
func NewManager(st store.LedgerStore) *Manager {
	return &Manager{
		store: st,
		audit: audit.Nop{},
		clock: time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// WithAudit attaches an audit logger for grant/revoke events.
func (m *Manager) WithAudit(logger audit.Logger) *Manager {
	m.audit = logger
	return m
}

// WithEmergencyTTL attaches a per-tenant emergency-grant lifetime
// resolver. A resolver returning zero or less falls back to
// EmergencyGrantTTL.
func (m *Manager) WithEmergencyTTL(resolve func(tenantID string) time.Duration) *Manager {
	m.emergencyTTL = resolve
	return m
}

// GrantAuthority appends a new grant to the ledger. Emergency grants
// default to a one hour validity window unless ValidUntil is supplied.
func (m *Manager) GrantAuthority(ctx context.Context, req GrantRequest) (*contracts.AuthorityGrant, error) {
	if req.FromNodeID == "" || req.ToNodeID == "" {
		return nil, fmt.Errorf("%w: from and to node ids are required", ErrInvalidGrant)
	}
	if req.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", ErrInvalidGrant)
	}
	if _, ok := contracts.PermissionForIntent(req.Intent); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnmappedIntent, req.Intent)
	}

	kind := req.Kind
	if kind == "" {
		kind = contracts.EdgeDirect
	}

	now := m.clock()
	validUntil := req.ValidUntil
	if req.IsEmergency && validUntil == nil {
		ttl := EmergencyGrantTTL
		if m.emergencyTTL != nil {
			if d := m.emergencyTTL(req.TenantID); d > 0 {
				ttl = d
			}
		}
		t := now.Add(ttl)
		validUntil = &t
	}

	grant := &contracts.AuthorityGrant{
		GrantID:     "grant-" + uuid.New().String(),
		TenantID:    req.TenantID,
		FromNodeID:  req.FromNodeID,
		ToNodeID:    req.ToNodeID,
		Kind:        kind,
		Intent:      req.Intent,
		Scope:       req.Scope,
		Constraints: req.Constraints,
		GrantedBy:   req.ActorID,
		GrantedAt:   now,
		ValidFrom:   now,
		ValidUntil:  validUntil,
		IsEmergency: req.IsEmergency,
	}

	event := &contracts.ChangeEvent{
		EventID:     "evt-" + uuid.New().String(),
		EventType:   contracts.ChangeGrant,
		ReferenceID: grant.GrantID,
		OccurredAt:  now,
		ActorID:     req.ActorID,
		Metadata: map[string]any{
			"from_node_id": grant.FromNodeID,
			"to_node_id":   grant.ToNodeID,
			"intent":       string(grant.Intent),
			"kind":         string(grant.Kind),
			"is_emergency": grant.IsEmergency,
		},
	}

	if err := m.store.AppendGrant(ctx, grant, event); err != nil {
		return nil, fmt.Errorf("append grant: %w", err)
	}

	m.audit.Record(contracts.RequestContext{TenantID: req.TenantID, ActorID: req.ActorID},
		audit.EventGrant, "grant_authority", grant.GrantID, event.Metadata)

	return grant, nil
}

// RevokeAuthority appends a revocation for a grant. The grant record is
// untouched; historical queries before RevokedAt still see it as active.
func (m *Manager) RevokeAuthority(ctx context.Context, grantID, reason, actorID string) (*contracts.AuthorityRevocation, error) {
	grant, err := m.store.GetGrant(ctx, grantID)
	if err != nil {
		return nil, fmt.Errorf("revoke %s: %w", grantID, err)
	}

	now := m.clock()
	rev := &contracts.AuthorityRevocation{
		RevocationID: "rev-" + uuid.New().String(),
		GrantID:      grantID,
		Reason:       reason,
		RevokedBy:    actorID,
		RevokedAt:    now,
	}

	event := &contracts.ChangeEvent{
		EventID:     "evt-" + uuid.New().String(),
		EventType:   contracts.ChangeRevoke,
		ReferenceID: grantID,
		OccurredAt:  now,
		ActorID:     actorID,
		Metadata: map[string]any{
			"revocation_id": rev.RevocationID,
			"reason":        reason,
		},
	}

	if err := m.store.AppendRevocation(ctx, rev, event); err != nil {
		return nil, fmt.Errorf("append revocation: %w", err)
	}

	m.audit.Record(contracts.RequestContext{TenantID: grant.TenantID, ActorID: actorID},
		audit.EventRevoke, "revoke_authority", grantID, event.Metadata)

	return rev, nil
}

// IncomingEdges returns the edges pointing into toNodeID that are valid at
// asOf. Filtering order: target match, validFrom <= asOf, validUntil
// absent or after asOf, constraints.expiresAt absent or after asOf, no
// revocation at-or-before asOf. Querying a past asOf reproduces exactly
// the authority state that existed then.
func (m *Manager) IncomingEdges(ctx context.Context, toNodeID string, asOf time.Time) ([]*contracts.AuthorityEdge, error) {
	return m.activeEdges(ctx, asOf, func(g *contracts.AuthorityGrant) bool {
		return g.ToNodeID == toNodeID
	})
}

// OutgoingEdges returns the edges leaving fromNodeID that are valid at
// asOf. The graph evaluator traverses these.
func (m *Manager) OutgoingEdges(ctx context.Context, fromNodeID string, asOf time.Time) ([]*contracts.AuthorityEdge, error) {
	return m.activeEdges(ctx, asOf, func(g *contracts.AuthorityGrant) bool {
		return g.FromNodeID == fromNodeID
	})
}

// ActiveEdges returns every edge valid at asOf for a tenant. An empty
// tenantID means all tenants.
func (m *Manager) ActiveEdges(ctx context.Context, tenantID string, asOf time.Time) ([]*contracts.AuthorityEdge, error) {
	return m.activeEdges(ctx, asOf, func(g *contracts.AuthorityGrant) bool {
		return tenantID == "" || g.TenantID == tenantID
	})
}

func (m *Manager) activeEdges(ctx context.Context, asOf time.Time, match func(*contracts.AuthorityGrant) bool) ([]*contracts.AuthorityEdge, error) {
	if asOf.IsZero() {
		asOf = m.clock()
	}

	grants, err := m.store.ListGrants(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}

	var edges []*contracts.AuthorityEdge
	for _, g := range grants {
		if !match(g) {
			continue
		}
		if g.ValidFrom.After(asOf) {
			continue
		}
		if g.ValidUntil != nil && !g.ValidUntil.After(asOf) {
			continue
		}
		if g.Constraints != nil && g.Constraints.ExpiresAt != nil && !g.Constraints.ExpiresAt.After(asOf) {
			continue
		}

		revs, err := m.store.ListRevocations(ctx, g.GrantID)
		if err != nil {
			return nil, fmt.Errorf("list revocations for %s: %w", g.GrantID, err)
		}
		revoked := false
		var revokedAt *time.Time
		for _, r := range revs {
			if !r.RevokedAt.After(asOf) {
				revoked = true
				break
			}
			t := r.RevokedAt
			if revokedAt == nil || t.Before(*revokedAt) {
				revokedAt = &t
			}
		}
		if revoked {
			continue
		}

		edges = append(edges, &contracts.AuthorityEdge{
			EdgeID:      g.GrantID,
			TenantID:    g.TenantID,
			FromNodeID:  g.FromNodeID,
			ToNodeID:    g.ToNodeID,
			Kind:        g.Kind,
			Intent:      g.Intent,
			Scope:       g.Scope,
			Constraints: effectiveConstraints(g),
			GrantedAt:   g.GrantedAt,
			GrantedBy:   g.GrantedBy,
			RevokedAt:   revokedAt,
		})
	}
	return edges, nil
}

// effectiveConstraints folds the grant's ValidUntil into the edge's
// ExpiresAt so snapshot expiry tracking sees the tighter bound.
func effectiveConstraints(g *contracts.AuthorityGrant) *contracts.Constraints {
	if g.ValidUntil == nil {
		return g.Constraints
	}
	var c contracts.Constraints
	if g.Constraints != nil {
		c = *g.Constraints
	}
	if c.ExpiresAt == nil || g.ValidUntil.Before(*c.ExpiresAt) {
		c.ExpiresAt = g.ValidUntil
	}
	return &c
}

// Events returns change events for a grant id, or all events when
// referenceID is empty.
func (m *Manager) Events(ctx context.Context, referenceID string) ([]*contracts.ChangeEvent, error) {
	return m.store.ListEvents(ctx, referenceID)
}

// EventsByActor returns change events recorded by one actor.
func (m *Manager) EventsByActor(ctx context.Context, actorID string) ([]*contracts.ChangeEvent, error) {
	return m.store.ListEventsByActor(ctx, actorID)
}
