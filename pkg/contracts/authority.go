// Package contracts defines the shared domain types exchanged between the
// authority graph, the lifecycle ledger, the policy evaluator, and the
// controlled execution engine.
//
// Delegation direction convention: a DELEGATED edge points from the
// delegate to the delegator — `USER → LEAD (DELEGATED)` means USER may
// exercise LEAD's authority for the edge's intent. Path evaluation follows
// outgoing DELEGATED edges from the actor; snapshot resolution walks the
// same edges in reverse (see pkg/graph).
package contracts

import "time"

// NodeKind classifies an identity participating in the authority graph.
type NodeKind string

const (
	NodeHuman  NodeKind = "HUMAN"
	NodeAI     NodeKind = "AI"
	NodeSystem NodeKind = "SYSTEM"
	NodeGroup  NodeKind = "GROUP"
)

// AuthorityNode is an identity referenced by the graph. The graph does not
// own node lifecycle; nodes are opaque identifiers plus a kind.
type AuthorityNode struct {
	NodeID string   `json:"node_id"`
	Kind   NodeKind `json:"kind"`
	Label  string   `json:"label,omitempty"`
}

// IntentType enumerates the authority intents an edge can grant.
type IntentType string

const (
	IntentRequestExecution IntentType = "REQUEST_EXECUTION"
	IntentApproveExecution IntentType = "APPROVE_EXECUTION"
	IntentApproveBudget    IntentType = "APPROVE_BUDGET"
	IntentDecideScenario   IntentType = "DECIDE_SCENARIO"
	IntentViewSensitive    IntentType = "VIEW_SENSITIVE"
)

// PermissionType is the coarse permission class a resolved snapshot exposes.
type PermissionType string

const (
	PermissionView    PermissionType = "VIEW"
	PermissionExecute PermissionType = "EXECUTE"
	PermissionApprove PermissionType = "APPROVE"
)

// PermissionForIntent is the total mapping from intent to permission class.
// Every IntentType constant must appear in the switch; an unmapped intent
// returns ok=false so callers are forced to decide how to treat it.
func PermissionForIntent(intent IntentType) (PermissionType, bool) {
	switch intent {
	case IntentApproveExecution, IntentApproveBudget:
		return PermissionApprove, true
	case IntentRequestExecution, IntentDecideScenario:
		return PermissionExecute, true
	case IntentViewSensitive:
		return PermissionView, true
	default:
		return "", false
	}
}

// EdgeKind distinguishes terminal grants from delegation links.
type EdgeKind string

const (
	EdgeDirect    EdgeKind = "DIRECT"
	EdgeDelegated EdgeKind = "DELEGATED"
)

// Scope restricts where an edge applies. A nil list means no constraint on
// that dimension. A nil *Scope on an edge means the edge applies only via a
// direct target-id match (see pkg/graph for the exact matching rule).
type Scope struct {
	TargetIDs   []string `json:"target_ids,omitempty"`
	EntityTypes []string `json:"entity_types,omitempty"`
	Regions     []string `json:"regions,omitempty"`
	Operations  []string `json:"operations,omitempty"`
}

// TimeWindow bounds applicability to hours of day and days of week.
// Hours are half-open [StartHour, EndHour) in UTC.
type TimeWindow struct {
	StartHour int            `json:"start_hour"`
	EndHour   int            `json:"end_hour"`
	Days      []time.Weekday `json:"days,omitempty"`
}

// Contains reports whether t falls inside the window.
func (w *TimeWindow) Contains(t time.Time) bool {
	hour := t.UTC().Hour()
	if hour < w.StartHour || hour >= w.EndHour {
		return false
	}
	if len(w.Days) == 0 {
		return true
	}
	day := t.UTC().Weekday()
	for _, d := range w.Days {
		if d == day {
			return true
		}
	}
	return false
}

// Constraints bound an edge's applicability beyond scope.
type Constraints struct {
	MaxCost    *float64    `json:"max_cost,omitempty"`
	MaxRisk    *float64    `json:"max_risk,omitempty"`
	TimeWindow *TimeWindow `json:"time_window,omitempty"`
	ExpiresAt  *time.Time  `json:"expires_at,omitempty"`
}

// AuthorityEdge is a directed, typed grant of an intent between two nodes.
// An edge is authoritative only while GrantedAt <= asOf, ExpiresAt (if set)
// is after asOf, and no revocation applies at-or-before asOf.
type AuthorityEdge struct {
	EdgeID      string       `json:"edge_id"`
	TenantID    string       `json:"tenant_id,omitempty"`
	FromNodeID  string       `json:"from_node_id"`
	ToNodeID    string       `json:"to_node_id"`
	Kind        EdgeKind     `json:"kind"`
	Intent      IntentType   `json:"intent"`
	Scope       *Scope       `json:"scope,omitempty"`
	Constraints *Constraints `json:"constraints,omitempty"`
	GrantedAt   time.Time    `json:"granted_at"`
	GrantedBy   string       `json:"granted_by"`
	RevokedAt   *time.Time   `json:"revoked_at,omitempty"`
}

// AuthorityGrant is the durable, append-only record underlying an edge.
// Grants are never mutated or deleted; revocation is a separate record.
type AuthorityGrant struct {
	GrantID     string       `json:"grant_id"`
	TenantID    string       `json:"tenant_id"`
	FromNodeID  string       `json:"from_node_id"`
	ToNodeID    string       `json:"to_node_id"`
	Kind        EdgeKind     `json:"kind"`
	Intent      IntentType   `json:"intent"`
	Scope       *Scope       `json:"scope,omitempty"`
	Constraints *Constraints `json:"constraints,omitempty"`
	GrantedBy   string       `json:"granted_by"`
	GrantedAt   time.Time    `json:"granted_at"`
	ValidFrom   time.Time    `json:"valid_from"`
	ValidUntil  *time.Time   `json:"valid_until,omitempty"`
	IsEmergency bool         `json:"is_emergency,omitempty"`
}

// AuthorityRevocation withdraws a grant from a point in time forward.
// The grant record itself is untouched; historical queries before RevokedAt
// still see the grant as active.
type AuthorityRevocation struct {
	RevocationID string    `json:"revocation_id"`
	GrantID      string    `json:"grant_id"`
	Reason       string    `json:"reason"`
	RevokedBy    string    `json:"revoked_by"`
	RevokedAt    time.Time `json:"revoked_at"`
}

// ChangeEventType categorizes ledger change events.
type ChangeEventType string

const (
	ChangeGrant  ChangeEventType = "GRANT"
	ChangeRevoke ChangeEventType = "REVOKE"
)

// ChangeEvent records one append to the authority ledger.
type ChangeEvent struct {
	EventID     string          `json:"event_id"`
	EventType   ChangeEventType `json:"event_type"`
	ReferenceID string          `json:"reference_id"`
	OccurredAt  time.Time       `json:"occurred_at"`
	ActorID     string          `json:"actor_id"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// AuthorityProof is the evidence attached to an ALLOWED decision.
type AuthorityProof struct {
	EvaluatedAt        time.Time `json:"evaluated_at"`
	EvaluatorVersion   string    `json:"evaluator_version"`
	MatchedEdgeID      string    `json:"matched_edge_id"`
	DelegationChainIDs []string  `json:"delegation_chain_ids,omitempty"`
	ConstraintsChecked []string  `json:"constraints_checked,omitempty"`
}

// DenialReason is a closed set of structured denial codes. Callers render
// "why" from these; a denial is never a bare boolean.
type DenialReason string

const (
	DenialNoAuthorityPath     DenialReason = "NO_AUTHORITY_PATH"
	DenialScopeMismatch       DenialReason = "SCOPE_MISMATCH"
	DenialConstraintViolation DenialReason = "CONSTRAINT_VIOLATION"
)

// EvaluationResult is the outcome of one authority path evaluation.
type EvaluationResult struct {
	Allowed bool            `json:"allowed"`
	Proof   *AuthorityProof `json:"proof,omitempty"`
	Reason  DenialReason    `json:"reason,omitempty"`
	Detail  string          `json:"detail,omitempty"`
}

// ResolvedPermission is one permission contributed by a reachable edge.
type ResolvedPermission struct {
	Type            PermissionType `json:"type"`
	Scope           *Scope         `json:"scope,omitempty"`
	Constraints     *Constraints   `json:"constraints,omitempty"`
	GrantedByEdgeID string         `json:"granted_by_edge_id"`
}

// AuthoritySnapshot is the full permission set of one actor at one instant.
// ExpiresAt is the minimum expiration across every contributing edge; the
// snapshot is only valid until its weakest link expires.
type AuthoritySnapshot struct {
	ID          string               `json:"id"`
	ActorID     string               `json:"actor_id"`
	TenantID    string               `json:"tenant_id"`
	ValidAt     time.Time            `json:"valid_at"`
	Permissions []ResolvedPermission `json:"permissions"`
	ExpiresAt   *time.Time           `json:"expires_at,omitempty"`
}

// CoverageReport is the gap-analysis view over active edges. GapEntityIDs
// is a placeholder the caller completes by intersecting CoveredEntityIDs
// against the full entity universe, which this core does not know.
type CoverageReport struct {
	AsOf             time.Time      `json:"as_of"`
	CoveredEntityIDs []string       `json:"covered_entity_ids"`
	ExpiringSoon     []string       `json:"expiring_soon"`
	GapEntityIDs     []string       `json:"gap_entity_ids"`
	EdgeCounts       map[string]int `json:"edge_counts,omitempty"`
}
