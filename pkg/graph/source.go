// Package graph provides the Authority Graph Evaluator: depth-bounded
// path-finding over explicit grant edges, breadth-first snapshot
// resolution, and coverage analysis.
//
// Direction convention (applied consistently across both traversals): a
// DELEGATED edge points from the delegate to the delegator, and every
// traversal follows outgoing edges. `USER → LEAD (DELEGATED)` lets an
// evaluation starting at USER continue from LEAD; a DIRECT edge
// `LEAD → SCENARIO-B` is the terminal, proof-bearing grant.
package graph

import (
	"context"
	"sync"
	"time"

	"github.com/strataplane/warrant/pkg/contracts"
)

// EdgeSource supplies the active edge set the evaluator traverses. The
// lifecycle manager is the ledger-backed implementation; StaticEdgeSet
// serves tests and pre-loaded in-memory evaluation.
type EdgeSource interface {
	// OutgoingEdges returns edges with FromNodeID == nodeID valid at asOf.
	OutgoingEdges(ctx context.Context, nodeID string, asOf time.Time) ([]*contracts.AuthorityEdge, error)
	// ActiveEdges returns every edge valid at asOf for a tenant; empty
	// tenantID means all tenants.
	ActiveEdges(ctx context.Context, tenantID string, asOf time.Time) ([]*contracts.AuthorityEdge, error)
}

// StaticEdgeSet is an in-memory EdgeSource holding edges in adjacency
// lists keyed by node id.
type StaticEdgeSet struct {
	mu       sync.RWMutex
	byFrom   map[string][]*contracts.AuthorityEdge
	allEdges []*contracts.AuthorityEdge
}

// NewStaticEdgeSet creates an empty edge set.
func NewStaticEdgeSet() *StaticEdgeSet {
	return &StaticEdgeSet{byFrom: make(map[string][]*contracts.AuthorityEdge)}
}

// Add inserts an edge into the set.
func (s *StaticEdgeSet) Add(edge *contracts.AuthorityEdge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *edge
	s.byFrom[c.FromNodeID] = append(s.byFrom[c.FromNodeID], &c)
	s.allEdges = append(s.allEdges, &c)
}

func (s *StaticEdgeSet) OutgoingEdges(ctx context.Context, nodeID string, asOf time.Time) ([]*contracts.AuthorityEdge, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*contracts.AuthorityEdge
	for _, e := range s.byFrom[nodeID] {
		if edgeActiveAt(e, asOf) {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *StaticEdgeSet) ActiveEdges(ctx context.Context, tenantID string, asOf time.Time) ([]*contracts.AuthorityEdge, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*contracts.AuthorityEdge
	for _, e := range s.allEdges {
		if tenantID != "" && e.TenantID != tenantID {
			continue
		}
		if edgeActiveAt(e, asOf) {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

func edgeActiveAt(e *contracts.AuthorityEdge, asOf time.Time) bool {
	if e.GrantedAt.After(asOf) {
		return false
	}
	if e.RevokedAt != nil && !e.RevokedAt.After(asOf) {
		return false
	}
	if e.Constraints != nil && e.Constraints.ExpiresAt != nil && !e.Constraints.ExpiresAt.After(asOf) {
		return false
	}
	return true
}
