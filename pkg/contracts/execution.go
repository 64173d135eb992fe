package contracts

import "time"

// IntentStatus is the finite state of an execution intent.
//
// PENDING → DRY_RUN_COMPLETED → APPROVED → EXECUTED | FAILED
//
// DRY_RUN_COMPLETED is re-enterable from PENDING and from itself; repeated
// dry runs before approval are legal. EXECUTED and FAILED are terminal.
type IntentStatus string

const (
	IntentPending         IntentStatus = "PENDING"
	IntentDryRunCompleted IntentStatus = "DRY_RUN_COMPLETED"
	IntentApproved        IntentStatus = "APPROVED"
	IntentExecuted        IntentStatus = "EXECUTED"
	IntentFailed          IntentStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s IntentStatus) Terminal() bool {
	return s == IntentExecuted || s == IntentFailed
}

// StatusChange records one transition in an intent's history.
type StatusChange struct {
	From    IntentStatus `json:"from"`
	To      IntentStatus `json:"to"`
	At      time.Time    `json:"at"`
	ActorID string       `json:"actor_id"`
	Reason  string       `json:"reason,omitempty"`
}

// ExecutionIntent is a requested, not-yet-final action awaiting
// dry-run, approval, and real execution.
type ExecutionIntent struct {
	IntentID            string         `json:"intent_id"`
	TenantID            string         `json:"tenant_id"`
	DecisionID          string         `json:"decision_id"`
	ActionType          string         `json:"action_type"`
	TargetEntities      []string       `json:"target_entities"`
	Parameters          map[string]any `json:"parameters,omitempty"`
	IdempotencyKey      string         `json:"idempotency_key"`
	RequestedBy         string         `json:"requested_by"`
	AuthoritySnapshotID string         `json:"authority_snapshot_id,omitempty"`
	TargetScenarioID    string         `json:"target_scenario_id,omitempty"`
	Status              IntentStatus   `json:"status"`
	StatusHistory       []StatusChange `json:"status_history"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// AttemptMode distinguishes simulation from real effect.
type AttemptMode string

const (
	ModeDryRun  AttemptMode = "DRY_RUN"
	ModeRealRun AttemptMode = "REAL_RUN"
)

// AttemptResult is the recorded outcome of one executor invocation.
type AttemptResult struct {
	Success bool           `json:"success"`
	Output  map[string]any `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// ExecutionAttempt is one execution of one mode against an intent. Multiple
// attempts may exist per intent; only one successful real run is expected
// to have lasting effect.
type ExecutionAttempt struct {
	AttemptID   string          `json:"attempt_id"`
	IntentID    string          `json:"intent_id"`
	Mode        AttemptMode     `json:"mode"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
	Result      AttemptResult   `json:"result"`
	Proof       *AuthorityProof `json:"authority_proof,omitempty"`
	SessionID   string          `json:"session_id,omitempty"`
}
