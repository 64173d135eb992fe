package contracts

import "time"

// PolicySeverity controls how a failing policy manifests.
type PolicySeverity string

const (
	SeverityInfo     PolicySeverity = "INFO"
	SeverityWarning  PolicySeverity = "WARNING"
	SeverityBlocking PolicySeverity = "BLOCKING"
)

// ConditionType enumerates the supported policy condition kinds.
type ConditionType string

const (
	ConditionMaxCost    ConditionType = "MAX_COST"
	ConditionMaxRisk    ConditionType = "MAX_RISK"
	ConditionTimeWindow ConditionType = "TIME_WINDOW"
	ConditionRegion     ConditionType = "REGION"
	ConditionEntityType ConditionType = "ENTITY_TYPE"
	ConditionCELExpr    ConditionType = "CEL_EXPR"
)

// PolicyCondition is one declarative check inside a policy. Exactly which
// fields apply depends on Type: Limit for MAX_COST/MAX_RISK, Window for
// TIME_WINDOW, Values for REGION/ENTITY_TYPE, Expression for CEL_EXPR.
type PolicyCondition struct {
	Type       ConditionType `json:"type"`
	Limit      *float64      `json:"limit,omitempty"`
	Window     *TimeWindow   `json:"window,omitempty"`
	Values     []string      `json:"values,omitempty"`
	Expression string        `json:"expression,omitempty"`
	Message    string        `json:"message,omitempty"`
}

// PolicyScope restricts which proposals a policy applies to.
type PolicyScope struct {
	TenantID          string   `json:"tenant_id"`
	TargetEntityTypes []string `json:"target_entity_types,omitempty"`
	Regions           []string `json:"regions,omitempty"`
}

// PolicyDefinition is a stateless declarative constraint on proposed
// actions. It has no relation to authority nodes.
type PolicyDefinition struct {
	PolicyID             string            `json:"policy_id"`
	Description          string            `json:"description,omitempty"`
	AppliesToIntentTypes []string          `json:"applies_to_intent_types,omitempty"`
	Scope                PolicyScope       `json:"scope"`
	Conditions           []PolicyCondition `json:"conditions"`
	Severity             PolicySeverity    `json:"severity"`
}

// PolicyProposal is the sanitized view of a proposed action handed to the
// policy evaluator. It deliberately has no field capable of carrying actor
// identity: policies constrain what may happen, never who may do it.
type PolicyProposal struct {
	ActionType     string         `json:"action_type"`
	TargetEntityID string         `json:"target_entity_id,omitempty"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	TenantID       string         `json:"tenant_id"`
	Cost           *float64       `json:"cost,omitempty"`
	Risk           *float64       `json:"risk,omitempty"`
	Region         string         `json:"region,omitempty"`
	EntityType     string         `json:"entity_type,omitempty"`
}

// PolicyStatus is the per-policy evaluation outcome.
type PolicyStatus string

const (
	PolicyPass  PolicyStatus = "PASS"
	PolicyWarn  PolicyStatus = "WARN"
	PolicyBlock PolicyStatus = "BLOCK"
)

// PolicyEvaluationResult is the outcome of evaluating one policy against
// one proposal. FailedCondition indexes into the policy's condition list
// when Status is not PASS.
type PolicyEvaluationResult struct {
	PolicyID        string         `json:"policy_id"`
	Status          PolicyStatus   `json:"status"`
	Severity        PolicySeverity `json:"severity"`
	FailedCondition int            `json:"failed_condition,omitempty"`
	Message         string         `json:"message,omitempty"`
	EvaluatedAt     time.Time      `json:"evaluated_at"`
}
