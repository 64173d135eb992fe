package graph

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/strataplane/warrant/pkg/contracts"
)

// ExpiryHorizon is the look-ahead window for coverage gap analysis.
const ExpiryHorizon = 24 * time.Hour

// ResolveSnapshot computes the full permission set reachable from actorID
// at asOf via any delegation depth. Breadth-first: every dequeued node's
// outgoing edges contribute permissions, and DELEGATED edges enqueue the
// delegator so the actor's effective identity expands outward through
// group membership. A visited set terminates cyclic membership graphs.
//
// The snapshot's ExpiresAt is the minimum expiration across every
// contributing edge: it is only valid until its weakest link expires.
func (e *Evaluator) ResolveSnapshot(ctx context.Context, actorID, tenantID string, asOf time.Time) (*contracts.AuthoritySnapshot, error) {
	if asOf.IsZero() {
		asOf = e.clock()
	}

	snapshot := &contracts.AuthoritySnapshot{
		ID:          "snap-" + uuid.New().String(),
		ActorID:     actorID,
		TenantID:    tenantID,
		ValidAt:     asOf,
		Permissions: []contracts.ResolvedPermission{},
	}

	queue := []string{actorID}
	visited := map[string]bool{actorID: true}

	for len(queue) > 0 {
		nodeID := queue[0]
		queue = queue[1:]

		edges, err := e.edges.OutgoingEdges(ctx, nodeID, asOf)
		if err != nil {
			return nil, fmt.Errorf("outgoing edges of %s: %w", nodeID, err)
		}

		for _, edge := range edges {
			if tenantID != "" && edge.TenantID != "" && edge.TenantID != tenantID {
				continue
			}

			permType, ok := contracts.PermissionForIntent(edge.Intent)
			if ok {
				snapshot.Permissions = append(snapshot.Permissions, contracts.ResolvedPermission{
					Type:            permType,
					Scope:           edge.Scope,
					Constraints:     edge.Constraints,
					GrantedByEdgeID: edge.EdgeID,
				})
				if edge.Constraints != nil && edge.Constraints.ExpiresAt != nil {
					if snapshot.ExpiresAt == nil || edge.Constraints.ExpiresAt.Before(*snapshot.ExpiresAt) {
						t := *edge.Constraints.ExpiresAt
						snapshot.ExpiresAt = &t
					}
				}
			}

			if edge.Kind == contracts.EdgeDelegated && !visited[edge.ToNodeID] {
				visited[edge.ToNodeID] = true
				queue = append(queue, edge.ToNodeID)
			}
		}
	}

	return snapshot, nil
}

// ResolveCoverage reports which entity ids are targets of at least one
// active edge at asOf, and which of those lose all coverage within the
// expiry horizon. GapEntityIDs is returned empty: the caller completes it
// by intersecting against the full entity universe, which this component
// does not know.
func (e *Evaluator) ResolveCoverage(ctx context.Context, tenantID string, asOf time.Time) (*contracts.CoverageReport, error) {
	if asOf.IsZero() {
		asOf = e.clock()
	}

	edges, err := e.edges.ActiveEdges(ctx, tenantID, asOf)
	if err != nil {
		return nil, fmt.Errorf("active edges: %w", err)
	}

	counts := make(map[string]int)
	// Latest expiry per entity: an entity is expiring soon only if every
	// covering edge runs out inside the horizon.
	latestExpiry := make(map[string]*time.Time)

	record := func(entityID string, expiresAt *time.Time) {
		counts[entityID]++
		current, seen := latestExpiry[entityID]
		if !seen {
			latestExpiry[entityID] = expiresAt
			return
		}
		if current == nil {
			return // already covered by a non-expiring edge
		}
		if expiresAt == nil || expiresAt.After(*current) {
			latestExpiry[entityID] = expiresAt
		}
	}

	for _, edge := range edges {
		var expiresAt *time.Time
		if edge.Constraints != nil {
			expiresAt = edge.Constraints.ExpiresAt
		}
		if edge.Kind == contracts.EdgeDirect {
			record(edge.ToNodeID, expiresAt)
		}
		if edge.Scope != nil {
			for _, id := range edge.Scope.TargetIDs {
				record(id, expiresAt)
			}
		}
	}

	report := &contracts.CoverageReport{
		AsOf:             asOf,
		CoveredEntityIDs: make([]string, 0, len(counts)),
		ExpiringSoon:     []string{},
		GapEntityIDs:     []string{},
		EdgeCounts:       counts,
	}

	horizon := asOf.Add(ExpiryHorizon)
	for entityID := range counts {
		report.CoveredEntityIDs = append(report.CoveredEntityIDs, entityID)
		if exp := latestExpiry[entityID]; exp != nil && exp.Before(horizon) {
			report.ExpiringSoon = append(report.ExpiringSoon, entityID)
		}
	}
	sort.Strings(report.CoveredEntityIDs)
	sort.Strings(report.ExpiringSoon)

	return report, nil
}
