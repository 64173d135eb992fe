package contracts

import "time"

// RequestContext is the explicit per-call identity context. It replaces
// ambient "current tenant/user" lookups: every call boundary that needs to
// know who is acting receives one of these by value.
type RequestContext struct {
	TenantID  string `json:"tenant_id"`
	ActorID   string `json:"actor_id"`
	SessionID string `json:"session_id,omitempty"`
}

// EvaluationContext carries the request-side facts an authority evaluation
// is checked against. AsOf anchors all temporal filtering; a zero AsOf
// means "now" from the evaluator's clock.
type EvaluationContext struct {
	TenantID   string     `json:"tenant_id"`
	AsOf       time.Time  `json:"as_of,omitzero"`
	Cost       *float64   `json:"cost,omitempty"`
	Risk       *float64   `json:"risk,omitempty"`
	Region     string     `json:"region,omitempty"`
	EntityType string     `json:"entity_type,omitempty"`
	Operation  string     `json:"operation,omitempty"`
}

// DecisionInput is what the core hands to the external decision journal
// whenever a human or AI approval or rejection occurs.
type DecisionInput struct {
	DecisionID string          `json:"decision_id"`
	TenantID   string          `json:"tenant_id"`
	ActorID    string          `json:"actor_id"`
	SessionID  string          `json:"session_id,omitempty"`
	IntentID   string          `json:"intent_id"`
	Outcome    string          `json:"outcome"` // "approved" or "rejected"
	Reason     string          `json:"reason,omitempty"`
	Proof      *AuthorityProof `json:"proof,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}
