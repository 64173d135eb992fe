package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/strataplane/warrant/pkg/contracts"
)

// Version is the evaluator version stamped into every proof. Must parse as
// semver; NewEvaluator enforces this at construction.
const Version = "1.2.0"

// proofVersionRange is the evaluator version range whose proofs this
// build accepts as evidence. Proofs travel through the decision journal
// and the attempt log and may be read back by a different binary than the
// one that produced them.
const proofVersionRange = "^1.0"

// ErrIncompatibleProof indicates a proof stamped by an evaluator version
// outside the supported range.
var ErrIncompatibleProof = errors.New("incompatible authority proof")

var proofConstraint = mustConstraint(proofVersionRange)

func mustConstraint(expr string) *semver.Constraints {
	c, err := semver.NewConstraint(expr)
	if err != nil {
		panic(err)
	}
	return c
}

// ProofCompatible reports whether a stored authority proof was produced
// by an evaluator version this build can interpret.
func ProofCompatible(proof *contracts.AuthorityProof) error {
	if proof == nil {
		return fmt.Errorf("%w: missing proof", ErrIncompatibleProof)
	}
	v, err := semver.NewVersion(proof.EvaluatorVersion)
	if err != nil {
		return fmt.Errorf("%w: evaluator version %q is not semver", ErrIncompatibleProof, proof.EvaluatorVersion)
	}
	if !proofConstraint.Check(v) {
		return fmt.Errorf("%w: evaluator version %s outside supported range %s", ErrIncompatibleProof, v, proofVersionRange)
	}
	return nil
}

// DefaultMaxDepth bounds delegation chain traversal. Exceeding it denies
// with NO_AUTHORITY_PATH rather than looping.
const DefaultMaxDepth = 5

// Evaluator answers "may this actor perform this intent on this target"
// by depth-bounded DFS over the active edge set.
type Evaluator struct {
	edges    EdgeSource
	maxDepth int
	depthFor func(tenantID string) int
	version  string
	clock    func() time.Time
}

// NewEvaluator creates an evaluator over the given edge source.
func NewEvaluator(edges EdgeSource) (*Evaluator, error) {
	if _, err := semver.NewVersion(Version); err != nil {
		return nil, fmt.Errorf("evaluator version %q is not semver: %w", Version, err)
	}
	return &Evaluator{
		edges:    edges,
		maxDepth: DefaultMaxDepth,
		version:  Version,
		clock:    time.Now,
	}, nil
}

// WithMaxDepth overrides the delegation depth bound.
func (e *Evaluator) WithMaxDepth(depth int) *Evaluator {
	if depth > 0 {
		e.maxDepth = depth
	}
	return e
}

// WithDepthResolver attaches a per-tenant depth override. A resolver
// returning zero or less falls back to the evaluator-wide bound.
func (e *Evaluator) WithDepthResolver(resolve func(tenantID string) int) *Evaluator {
	e.depthFor = resolve
	return e
}

// WithClock overrides the clock for deterministic testing.
func (e *Evaluator) WithClock(clock func() time.Time) *Evaluator {
	e.clock = clock
	return e
}

func (e *Evaluator) depthBound(tenantID string) int {
	if e.depthFor != nil {
		if d := e.depthFor(tenantID); d > 0 {
			return d
		}
	}
	return e.maxDepth
}

// diagnostics accumulates why edges were rejected along the way, so a
// denial carries the most specific reason available.
type diagnostics struct {
	constraintViolated bool
	scopeMismatch      bool
	detail             string
}

// Evaluate finds a valid direct-or-delegated authority path from actorID
// to the requested intent and target. Store errors surface as errors; a
// missing path is a structured denial, not an error.
func (e *Evaluator) Evaluate(ctx context.Context, actorID string, intent contracts.IntentType, targetEntityID string, ec contracts.EvaluationContext) (contracts.EvaluationResult, error) {
	asOf := ec.AsOf
	if asOf.IsZero() {
		asOf = e.clock()
	}

	diag := &diagnostics{}
	visited := make(map[string]bool)

	matched, chain, checked, err := e.findPath(ctx, actorID, intent, targetEntityID, ec, asOf, 0, e.depthBound(ec.TenantID), visited, diag)
	if err != nil {
		return contracts.EvaluationResult{}, err
	}
	if matched == "" {
		reason := contracts.DenialNoAuthorityPath
		detail := fmt.Sprintf("no authority path from %s for %s", actorID, intent)
		switch {
		case diag.constraintViolated:
			reason = contracts.DenialConstraintViolation
			detail = diag.detail
		case diag.scopeMismatch:
			reason = contracts.DenialScopeMismatch
			detail = diag.detail
		}
		return contracts.EvaluationResult{Allowed: false, Reason: reason, Detail: detail}, nil
	}

	return contracts.EvaluationResult{
		Allowed: true,
		Proof: &contracts.AuthorityProof{
			EvaluatedAt:        asOf,
			EvaluatorVersion:   e.version,
			MatchedEdgeID:      matched,
			DelegationChainIDs: chain,
			ConstraintsChecked: checked,
		},
	}, nil
}

// findPath returns the terminal edge id, the delegation chain root-to-leaf,
// and the constraints checked on the terminal edge. An empty edge id means
// no path was found at this depth.
func (e *Evaluator) findPath(ctx context.Context, nodeID string, intent contracts.IntentType, targetEntityID string, ec contracts.EvaluationContext, asOf time.Time, depth, limit int, visited map[string]bool, diag *diagnostics) (string, []string, []string, error) {
	if depth > limit {
		return "", nil, nil, nil
	}
	if visited[nodeID] {
		return "", nil, nil, nil
	}
	visited[nodeID] = true

	edges, err := e.edges.OutgoingEdges(ctx, nodeID, asOf)
	if err != nil {
		return "", nil, nil, fmt.Errorf("outgoing edges of %s: %w", nodeID, err)
	}

	// Direct edges first: a terminal match succeeds immediately.
	for _, edge := range edges {
		if edge.Kind != contracts.EdgeDirect || edge.Intent != intent {
			continue
		}
		if ec.TenantID != "" && edge.TenantID != "" && edge.TenantID != ec.TenantID {
			continue
		}
		if !matchScope(edge, targetEntityID, ec, diag) {
			continue
		}
		checked, ok := checkConstraints(edge, ec, asOf, diag)
		if !ok {
			continue
		}
		return edge.EdgeID, nil, checked, nil
	}

	// No direct match: follow delegation.
	for _, edge := range edges {
		if edge.Kind != contracts.EdgeDelegated || edge.Intent != intent {
			continue
		}
		if ec.TenantID != "" && edge.TenantID != "" && edge.TenantID != ec.TenantID {
			continue
		}
		if !matchDelegationScope(edge, targetEntityID, ec, diag) {
			continue
		}
		if _, ok := checkConstraints(edge, ec, asOf, diag); !ok {
			continue
		}

		matched, chain, checked, err := e.findPath(ctx, edge.ToNodeID, intent, targetEntityID, ec, asOf, depth+1, limit, visited, diag)
		if err != nil {
			return "", nil, nil, err
		}
		if matched != "" {
			return matched, append([]string{edge.EdgeID}, chain...), checked, nil
		}
	}

	return "", nil, nil, nil
}

// matchScope applies the direct-edge scope rule: an exact target id match
// on ToNodeID always succeeds regardless of declared scope; otherwise
// every declared scope dimension must independently include the request's
// value, and a missing scope object means the edge does not apply.
func matchScope(edge *contracts.AuthorityEdge, targetEntityID string, ec contracts.EvaluationContext, diag *diagnostics) bool {
	if targetEntityID != "" && edge.ToNodeID == targetEntityID {
		return true
	}
	if edge.Scope == nil {
		diag.scopeMismatch = true
		diag.detail = fmt.Sprintf("edge %s has no scope and no direct target match", edge.EdgeID)
		return false
	}
	return scopeDimensionsMatch(edge, targetEntityID, ec, diag)
}

// matchDelegationScope is the delegated-edge variant: the edge's target is
// the delegator, not the entity, so a missing scope means unconstrained
// delegation rather than "does not apply".
func matchDelegationScope(edge *contracts.AuthorityEdge, targetEntityID string, ec contracts.EvaluationContext, diag *diagnostics) bool {
	if edge.Scope == nil {
		return true
	}
	return scopeDimensionsMatch(edge, targetEntityID, ec, diag)
}

func scopeDimensionsMatch(edge *contracts.AuthorityEdge, targetEntityID string, ec contracts.EvaluationContext, diag *diagnostics) bool {
	scope := edge.Scope
	if len(scope.TargetIDs) > 0 && !containsString(scope.TargetIDs, targetEntityID) {
		diag.scopeMismatch = true
		diag.detail = fmt.Sprintf("edge %s scope does not include target %q", edge.EdgeID, targetEntityID)
		return false
	}
	if len(scope.EntityTypes) > 0 && !containsString(scope.EntityTypes, ec.EntityType) {
		diag.scopeMismatch = true
		diag.detail = fmt.Sprintf("edge %s scope does not include entity type %q", edge.EdgeID, ec.EntityType)
		return false
	}
	if len(scope.Regions) > 0 && !containsString(scope.Regions, ec.Region) {
		diag.scopeMismatch = true
		diag.detail = fmt.Sprintf("edge %s scope does not include region %q", edge.EdgeID, ec.Region)
		return false
	}
	if len(scope.Operations) > 0 && !containsString(scope.Operations, ec.Operation) {
		diag.scopeMismatch = true
		diag.detail = fmt.Sprintf("edge %s scope does not include operation %q", edge.EdgeID, ec.Operation)
		return false
	}
	return true
}

// checkConstraints verifies edge constraints against the request context.
// Unset bounds always pass. Returns the names of constraints checked.
func checkConstraints(edge *contracts.AuthorityEdge, ec contracts.EvaluationContext, asOf time.Time, diag *diagnostics) ([]string, bool) {
	c := edge.Constraints
	if c == nil {
		return nil, true
	}

	var checked []string
	if c.MaxCost != nil {
		checked = append(checked, "max_cost")
		if ec.Cost != nil && *ec.Cost > *c.MaxCost {
			diag.constraintViolated = true
			diag.detail = fmt.Sprintf("edge %s: cost %.2f exceeds max %.2f", edge.EdgeID, *ec.Cost, *c.MaxCost)
			return nil, false
		}
	}
	if c.MaxRisk != nil {
		checked = append(checked, "max_risk")
		if ec.Risk != nil && *ec.Risk > *c.MaxRisk {
			diag.constraintViolated = true
			diag.detail = fmt.Sprintf("edge %s: risk %.2f exceeds max %.2f", edge.EdgeID, *ec.Risk, *c.MaxRisk)
			return nil, false
		}
	}
	if c.TimeWindow != nil {
		checked = append(checked, "time_window")
		if !c.TimeWindow.Contains(asOf) {
			diag.constraintViolated = true
			diag.detail = fmt.Sprintf("edge %s: %s outside allowed time window", edge.EdgeID, asOf.Format(time.RFC3339))
			return nil, false
		}
	}
	if c.ExpiresAt != nil {
		checked = append(checked, "expires_at")
		if !c.ExpiresAt.After(asOf) {
			diag.constraintViolated = true
			diag.detail = fmt.Sprintf("edge %s expired at %s", edge.EdgeID, c.ExpiresAt.Format(time.RFC3339))
			return nil, false
		}
	}
	return checked, true
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
