// Package execution provides the Controlled Execution Engine: an
// idempotent, authority-gated state machine that separates simulation
// from real effect.
//
// Authority is checked three times on the way to a real effect: when the
// intent is created, when a distinct approver approves it, and again
// immediately before real execution — approval and execution are separated
// in time, and authority may have been revoked in between.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/strataplane/warrant/pkg/audit"
	"github.com/strataplane/warrant/pkg/contracts"
	"github.com/strataplane/warrant/pkg/graph"
	"github.com/strataplane/warrant/pkg/observability"
	"github.com/strataplane/warrant/pkg/policy"
	"github.com/strataplane/warrant/pkg/store"
	"github.com/strataplane/warrant/pkg/tenants"
)

// revokedSinceApproval is the failure reason distinguishing a lost
// authority re-check from an executor failure.
const revokedSinceApproval = "authority revoked since approval"

// CreateIntentRequest carries everything needed to open an execution
// intent. The evaluation fields (Cost, Risk, Region, EntityType) feed the
// authority and policy checks. The json tags are the HTTP wire format.
type CreateIntentRequest struct {
	DecisionID       string         `json:"decision_id"`
	ActionType       string         `json:"action_type"`
	TargetEntities   []string       `json:"target_entities"`
	Parameters       map[string]any `json:"parameters,omitempty"`
	TargetScenarioID string         `json:"target_scenario_id,omitempty"`
	Cost             *float64       `json:"cost,omitempty"`
	Risk             *float64       `json:"risk,omitempty"`
	Region           string         `json:"region,omitempty"`
	EntityType       string         `json:"entity_type,omitempty"`
}

// Engine orchestrates the intent lifecycle over an injected intent store,
// the authority evaluator, and pluggable executors.
type Engine struct {
	intents       store.IntentStore
	evaluator     *graph.Evaluator
	policies      *policy.Evaluator
	sim           Executor
	real          Executor
	locker        Locker
	lockTTL       func(tenantID string) time.Duration
	regionAllowed func(tenantID, region string) bool
	journal       DecisionJournal
	guard         *tenants.Guard
	audit         audit.Logger
	metrics       *observability.Metrics
	logger        *slog.Logger
	clock         func() time.Time
}

// NewEngine creates an engine with a simulation executor and an
// in-process locker. The real executor must be attached before
// ExecuteRealRun can succeed.
func NewEngine(intents store.IntentStore, evaluator *graph.Evaluator) *Engine {
	return &Engine{
		intents:   intents,
		evaluator: evaluator,
		sim:       SimulationExecutor{},
		locker:    NewMemoryLocker(),
		guard:     tenants.NewGuard(audit.Nop{}),
		audit:     audit.Nop{},
		logger:    slog.Default().With("component", "execution"),
		clock:     time.Now,
	}
}

// WithPolicies attaches a policy evaluator consulted at intent creation.
func (e *Engine) WithPolicies(p *policy.Evaluator) *Engine { e.policies = p; return e }

// WithRealExecutor attaches the executor that causes real effects.
func (e *Engine) WithRealExecutor(x Executor) *Engine { e.real = x; return e }

// WithSimulationExecutor overrides the dry-run executor.
func (e *Engine) WithSimulationExecutor(x Executor) *Engine { e.sim = x; return e }

// WithLocker overrides the per-key execution lock.
func (e *Engine) WithLocker(l Locker) *Engine { e.locker = l; return e }

// WithLockTTL attaches a per-tenant execution-lock lifetime resolver. A
// resolver returning zero or less leaves the locker's own default.
func (e *Engine) WithLockTTL(resolve func(tenantID string) time.Duration) *Engine {
	e.lockTTL = resolve
	return e
}

// WithRegionPolicy attaches a per-tenant region gate consulted at intent
// creation for requests that name a region.
func (e *Engine) WithRegionPolicy(allowed func(tenantID, region string) bool) *Engine {
	e.regionAllowed = allowed
	return e
}

// WithJournal attaches the external decision journal.
func (e *Engine) WithJournal(j DecisionJournal) *Engine { e.journal = j; return e }

// WithAudit attaches an audit logger.
func (e *Engine) WithAudit(logger audit.Logger) *Engine {
	e.audit = logger
	e.guard = tenants.NewGuard(logger)
	return e
}

// WithMetrics attaches telemetry instruments.
func (e *Engine) WithMetrics(m *observability.Metrics) *Engine { e.metrics = m; return e }

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine { e.clock = clock; return e }

// CreateIntent opens a new execution intent. The requester must hold an
// EXECUTE permission whose scope names the action type or is unscoped.
// If an intent with the same idempotency key already exists for the
// tenant, that intent is returned as-is: an idempotency collision is
// expected, not a fault.
func (e *Engine) CreateIntent(ctx context.Context, rc contracts.RequestContext, req CreateIntentRequest) (*contracts.ExecutionIntent, error) {
	now := e.clock()

	snapshot, err := e.evaluator.ResolveSnapshot(ctx, rc.ActorID, rc.TenantID, now)
	if err != nil {
		return nil, fmt.Errorf("resolve authority snapshot: %w", err)
	}
	if !hasExecutePermission(snapshot, req.ActionType) {
		e.metrics.RecordEvaluation(ctx, false, string(contracts.DenialNoAuthorityPath), 0)
		return nil, &AuthorizationError{
			Reason: contracts.DenialNoAuthorityPath,
			Detail: fmt.Sprintf("actor %s holds no EXECUTE permission for action %s", rc.ActorID, req.ActionType),
		}
	}

	if e.regionAllowed != nil && req.Region != "" && !e.regionAllowed(rc.TenantID, req.Region) {
		return nil, fmt.Errorf("%w: region %q is not allowed for tenant %s", ErrRegionNotAllowed, req.Region, rc.TenantID)
	}

	if e.policies != nil {
		proposal := contracts.PolicyProposal{
			ActionType: req.ActionType,
			TenantID:   rc.TenantID,
			Parameters: req.Parameters,
			Cost:       req.Cost,
			Risk:       req.Risk,
			Region:     req.Region,
			EntityType: req.EntityType,
		}
		if len(req.TargetEntities) > 0 {
			proposal.TargetEntityID = req.TargetEntities[0]
		}
		for _, result := range e.policies.Evaluate(proposal, snapshot, now) {
			if result.Status == contracts.PolicyBlock {
				return nil, fmt.Errorf("%w: policy %s: %s", ErrPolicyBlocked, result.PolicyID, result.Message)
			}
			if result.Status == contracts.PolicyWarn {
				e.logger.Warn("policy warning on intent creation",
					"policy_id", result.PolicyID,
					"action_type", req.ActionType,
					"message", result.Message,
				)
			}
		}
	}

	key, err := IdempotencyKey(req.DecisionID, req.ActionType, req.TargetEntities, req.Parameters)
	if err != nil {
		return nil, err
	}

	if existing, err := e.intents.FindByIdempotencyKey(ctx, rc.TenantID, key); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}

	intent := &contracts.ExecutionIntent{
		IntentID:            "intent-" + uuid.New().String(),
		TenantID:            rc.TenantID,
		DecisionID:          req.DecisionID,
		ActionType:          req.ActionType,
		TargetEntities:      append([]string(nil), req.TargetEntities...),
		Parameters:          req.Parameters,
		IdempotencyKey:      key,
		RequestedBy:         rc.ActorID,
		AuthoritySnapshotID: snapshot.ID,
		TargetScenarioID:    req.TargetScenarioID,
		Status:              contracts.IntentPending,
		StatusHistory: []contracts.StatusChange{{
			From: "", To: contracts.IntentPending, At: now, ActorID: rc.ActorID, Reason: "created",
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := e.intents.CreateIntent(ctx, intent); err != nil {
		return nil, fmt.Errorf("create intent: %w", err)
	}

	e.audit.Record(rc, audit.EventTransition, "create_intent", intent.IntentID, map[string]any{
		"action_type":     intent.ActionType,
		"idempotency_key": intent.IdempotencyKey,
	})
	return intent, nil
}

// GetIntent returns an intent after re-validating the caller's tenant.
func (e *Engine) GetIntent(ctx context.Context, rc contracts.RequestContext, intentID string) (*contracts.ExecutionIntent, error) {
	intent, err := e.intents.GetIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if _, err := e.guard.CheckIntentAccess(rc, intent); err != nil {
		return nil, err
	}
	return intent, nil
}

// GetAttempts returns the attempt history of an intent.
func (e *Engine) GetAttempts(ctx context.Context, rc contracts.RequestContext, intentID string) ([]*contracts.ExecutionAttempt, error) {
	if _, err := e.GetIntent(ctx, rc, intentID); err != nil {
		return nil, err
	}
	return e.intents.ListAttempts(ctx, intentID)
}

// RunDryRun executes the simulation executor against the intent. Legal
// from PENDING or DRY_RUN_COMPLETED; repeated dry runs are allowed before
// approval. Dry runs have no side effects and need no coordination.
func (e *Engine) RunDryRun(ctx context.Context, rc contracts.RequestContext, intentID string) (*contracts.ExecutionAttempt, error) {
	intent, err := e.GetIntent(ctx, rc, intentID)
	if err != nil {
		return nil, err
	}
	if intent.Status != contracts.IntentPending && intent.Status != contracts.IntentDryRunCompleted {
		return nil, lifecycleError("dry run", intent.Status, contracts.IntentPending, contracts.IntentDryRunCompleted)
	}

	attempt, err := e.runAttempt(ctx, rc, intent, contracts.ModeDryRun, e.sim, nil)
	if err != nil {
		return nil, err
	}
	if !attempt.Result.Success {
		if err := e.transition(ctx, rc, intent, contracts.IntentFailed, "dry run failed: "+attempt.Result.Error); err != nil {
			return attempt, err
		}
		return attempt, fmt.Errorf("dry run: %s", attempt.Result.Error)
	}
	if err := e.transition(ctx, rc, intent, contracts.IntentDryRunCompleted, "dry run succeeded"); err != nil {
		return attempt, err
	}
	return attempt, nil
}

// ApproveExecution moves a dry-run-completed intent to APPROVED after a
// fresh APPROVE_EXECUTION authority check against the approver — who is
// not necessarily the requester — for the intent's first target entity.
func (e *Engine) ApproveExecution(ctx context.Context, rc contracts.RequestContext, intentID string) (*contracts.ExecutionIntent, error) {
	intent, err := e.GetIntent(ctx, rc, intentID)
	if err != nil {
		return nil, err
	}
	if intent.Status != contracts.IntentDryRunCompleted {
		return nil, lifecycleError("approve", intent.Status, contracts.IntentDryRunCompleted)
	}

	result, err := e.checkApproveAuthority(ctx, rc, intent)
	if err != nil {
		return nil, err
	}
	if !result.Allowed {
		e.submitDecision(ctx, rc, intent, "rejected", string(result.Reason), nil)
		return nil, &AuthorizationError{Reason: result.Reason, Detail: result.Detail}
	}

	if err := e.transition(ctx, rc, intent, contracts.IntentApproved, "approved"); err != nil {
		return nil, err
	}
	e.submitDecision(ctx, rc, intent, "approved", "", result.Proof)

	return e.intents.GetIntent(ctx, intentID)
}

// ExecuteRealRun causes the intent's real effect. Legal only from
// APPROVED. Authority is re-validated a third time first: a failed
// re-check fails the intent with a reason distinct from an executor
// failure. Real execution is serialized per idempotency key.
func (e *Engine) ExecuteRealRun(ctx context.Context, rc contracts.RequestContext, intentID string) (*contracts.ExecutionAttempt, error) {
	intent, err := e.GetIntent(ctx, rc, intentID)
	if err != nil {
		return nil, err
	}
	if intent.Status != contracts.IntentApproved {
		return nil, lifecycleError("real run", intent.Status, contracts.IntentApproved)
	}
	if e.real == nil {
		return nil, fmt.Errorf("no real executor configured")
	}

	approver := approverOf(intent)
	approverCtx := contracts.RequestContext{TenantID: rc.TenantID, ActorID: approver, SessionID: rc.SessionID}
	result, err := e.checkApproveAuthority(ctx, approverCtx, intent)
	if err != nil {
		return nil, err
	}
	if !result.Allowed {
		if err := e.transition(ctx, rc, intent, contracts.IntentFailed, revokedSinceApproval); err != nil {
			return nil, err
		}
		e.metrics.RecordExecution(ctx, string(contracts.ModeRealRun), "revoked")
		return nil, &AuthorizationError{Reason: result.Reason, Detail: revokedSinceApproval}
	}

	var ttl time.Duration
	if e.lockTTL != nil {
		ttl = e.lockTTL(intent.TenantID)
	}
	release, err := e.locker.Acquire(ctx, intent.IdempotencyKey, ttl)
	if err != nil {
		return nil, fmt.Errorf("serialize real run: %w", err)
	}
	defer release()

	attempt, err := e.runAttempt(ctx, rc, intent, contracts.ModeRealRun, e.real, result.Proof)
	if err != nil {
		return nil, err
	}
	if !attempt.Result.Success {
		if err := e.transition(ctx, rc, intent, contracts.IntentFailed, "real run failed: "+attempt.Result.Error); err != nil {
			return attempt, err
		}
		return attempt, fmt.Errorf("real run: %s", attempt.Result.Error)
	}
	if err := e.transition(ctx, rc, intent, contracts.IntentExecuted, "executed"); err != nil {
		return attempt, err
	}
	return attempt, nil
}

func (e *Engine) checkApproveAuthority(ctx context.Context, rc contracts.RequestContext, intent *contracts.ExecutionIntent) (contracts.EvaluationResult, error) {
	target := ""
	if len(intent.TargetEntities) > 0 {
		target = intent.TargetEntities[0]
	}
	ec := contracts.EvaluationContext{
		TenantID:  rc.TenantID,
		AsOf:      e.clock(),
		Operation: intent.ActionType,
	}

	start := e.clock()
	result, err := e.evaluator.Evaluate(ctx, rc.ActorID, contracts.IntentApproveExecution, target, ec)
	if err != nil {
		return contracts.EvaluationResult{}, fmt.Errorf("evaluate approve authority: %w", err)
	}
	e.metrics.RecordEvaluation(ctx, result.Allowed, string(result.Reason), e.clock().Sub(start))
	if !result.Allowed {
		e.audit.Record(rc, audit.EventDenial, "approve_execution", intent.IntentID, map[string]any{
			"reason": string(result.Reason),
			"detail": result.Detail,
		})
	}
	return result, nil
}

// runAttempt executes one attempt and records it. The executor's outcome
// is carried in attempt.Result, never in the error return: a non-nil
// error means the attempt could not be recorded, and the intent's status
// must not advance on it.
func (e *Engine) runAttempt(ctx context.Context, rc contracts.RequestContext, intent *contracts.ExecutionIntent, mode contracts.AttemptMode, executor Executor, proof *contracts.AuthorityProof) (*contracts.ExecutionAttempt, error) {
	attempt := &contracts.ExecutionAttempt{
		AttemptID: "att-" + uuid.New().String(),
		IntentID:  intent.IntentID,
		Mode:      mode,
		StartedAt: e.clock(),
		Proof:     proof,
		SessionID: rc.SessionID,
	}

	output, runErr := executor.Run(ctx, intent)
	attempt.CompletedAt = e.clock()
	if runErr != nil {
		attempt.Result = contracts.AttemptResult{Success: false, Error: runErr.Error()}
		e.metrics.RecordExecution(ctx, string(mode), "failed")
	} else {
		attempt.Result = contracts.AttemptResult{Success: true, Output: output}
		e.metrics.RecordExecution(ctx, string(mode), "succeeded")
	}

	if err := e.intents.AppendAttempt(ctx, attempt); err != nil {
		return nil, fmt.Errorf("record attempt: %w", err)
	}
	e.audit.Record(rc, audit.EventExecution, string(mode), intent.IntentID, map[string]any{
		"attempt_id": attempt.AttemptID,
		"success":    attempt.Result.Success,
	})
	return attempt, nil
}

// transition applies an optimistic check-and-set from the intent's
// currently loaded status. A losing racer observes ErrStaleStatus.
func (e *Engine) transition(ctx context.Context, rc contracts.RequestContext, intent *contracts.ExecutionIntent, to contracts.IntentStatus, reason string) error {
	change := contracts.StatusChange{
		From:    intent.Status,
		To:      to,
		At:      e.clock(),
		ActorID: rc.ActorID,
		Reason:  reason,
	}
	if err := e.intents.TransitionStatus(ctx, intent.IntentID, change); err != nil {
		return fmt.Errorf("transition %s %s→%s: %w", intent.IntentID, intent.Status, to, err)
	}
	intent.Status = to
	intent.StatusHistory = append(intent.StatusHistory, change)

	e.audit.Record(rc, audit.EventTransition, "status_change", intent.IntentID, map[string]any{
		"from":   string(change.From),
		"to":     string(change.To),
		"reason": reason,
	})
	return nil
}

func (e *Engine) submitDecision(ctx context.Context, rc contracts.RequestContext, intent *contracts.ExecutionIntent, outcome, reason string, proof *contracts.AuthorityProof) {
	if e.journal == nil {
		return
	}
	// The journal is external evidence storage; never hand it a proof a
	// compatible evaluator could not re-interpret.
	if proof != nil {
		if err := graph.ProofCompatible(proof); err != nil {
			e.logger.Warn("dropping authority proof from journal submission",
				"intent_id", intent.IntentID,
				"error", err,
			)
			proof = nil
		}
	}
	input := contracts.DecisionInput{
		DecisionID: intent.DecisionID,
		TenantID:   rc.TenantID,
		ActorID:    rc.ActorID,
		SessionID:  rc.SessionID,
		IntentID:   intent.IntentID,
		Outcome:    outcome,
		Reason:     reason,
		Proof:      proof,
		RecordedAt: e.clock(),
	}
	if err := e.journal.SubmitDecision(ctx, input); err != nil {
		e.logger.Warn("decision journal submit failed",
			"intent_id", intent.IntentID,
			"outcome", outcome,
			"error", err,
		)
	}
}

// hasExecutePermission reports whether the snapshot carries an EXECUTE
// permission naming the action type in its operations scope, or one with
// no operations scope at all.
func hasExecutePermission(snapshot *contracts.AuthoritySnapshot, actionType string) bool {
	for _, perm := range snapshot.Permissions {
		if perm.Type != contracts.PermissionExecute {
			continue
		}
		if perm.Scope == nil || len(perm.Scope.Operations) == 0 {
			return true
		}
		for _, op := range perm.Scope.Operations {
			if op == actionType {
				return true
			}
		}
	}
	return false
}

// approverOf extracts the actor who moved the intent to APPROVED from its
// status history.
func approverOf(intent *contracts.ExecutionIntent) string {
	for i := len(intent.StatusHistory) - 1; i >= 0; i-- {
		if intent.StatusHistory[i].To == contracts.IntentApproved {
			return intent.StatusHistory[i].ActorID
		}
	}
	return ""
}
