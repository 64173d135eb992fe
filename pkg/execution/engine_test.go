package execution_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/strataplane/warrant/pkg/contracts"
	"github.com/strataplane/warrant/pkg/execution"
	"github.com/strataplane/warrant/pkg/graph"
	"github.com/strataplane/warrant/pkg/lifecycle"
	"github.com/strataplane/warrant/pkg/policy"
	"github.com/strataplane/warrant/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var engineTime = time.Date(2025, 6, 16, 12, 0, 0, 0, time.UTC)

// fixture wires a full engine over in-memory stores: a requester with an
// EXECUTE grant, an approver with an APPROVE_EXECUTION grant, and a
// scenario store so real runs stay sandboxed.
type fixture struct {
	engine    *execution.Engine
	manager   *lifecycle.Manager
	evaluator *graph.Evaluator
	intents   *store.MemoryIntentStore
	scenarios *execution.MemoryScenarioStore
	registry  *recordingRegistry
	now       time.Time
	requester contracts.RequestContext
	approver  contracts.RequestContext
	grants    map[string]string // role -> grant id
}

type recordingRegistry struct {
	calls []string
	err   error
}

func (r *recordingRegistry) ExecuteAction(ctx context.Context, actionName string, req execution.ActionRequest) error {
	r.calls = append(r.calls, actionName)
	return r.err
}

type recordingJournal struct {
	decisions []contracts.DecisionInput
}

func (j *recordingJournal) SubmitDecision(ctx context.Context, input contracts.DecisionInput) error {
	j.decisions = append(j.decisions, input)
	return nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		now:       engineTime,
		requester: contracts.RequestContext{TenantID: "t1", ActorID: "user-1", SessionID: "sess-1"},
		approver:  contracts.RequestContext{TenantID: "t1", ActorID: "lead-1", SessionID: "sess-2"},
		grants:    make(map[string]string),
	}
	clock := func() time.Time { return f.now }

	ledger := store.NewMemoryLedgerStore()
	f.manager = lifecycle.NewManager(ledger).WithClock(clock)

	ctx := context.Background()
	g, err := f.manager.GrantAuthority(ctx, lifecycle.GrantRequest{
		TenantID:   "t1",
		FromNodeID: "user-1",
		ToNodeID:   "scenario-a",
		Kind:       contracts.EdgeDirect,
		Intent:     contracts.IntentRequestExecution,
		ActorID:    "admin",
	})
	require.NoError(t, err)
	f.grants["requester"] = g.GrantID

	g, err = f.manager.GrantAuthority(ctx, lifecycle.GrantRequest{
		TenantID:   "t1",
		FromNodeID: "lead-1",
		ToNodeID:   "scenario-a",
		Kind:       contracts.EdgeDirect,
		Intent:     contracts.IntentApproveExecution,
		ActorID:    "admin",
	})
	require.NoError(t, err)
	f.grants["approver"] = g.GrantID

	evaluator, err := graph.NewEvaluator(f.manager)
	require.NoError(t, err)
	f.evaluator = evaluator.WithClock(clock)

	f.scenarios = execution.NewMemoryScenarioStore()
	f.registry = &recordingRegistry{}
	real := execution.NewRealExecutor(f.registry, f.scenarios).WithClock(clock)

	f.intents = store.NewMemoryIntentStore()
	f.engine = execution.NewEngine(f.intents, f.evaluator).
		WithRealExecutor(real).
		WithClock(clock)
	return f
}

func (f *fixture) createRequest() execution.CreateIntentRequest {
	return execution.CreateIntentRequest{
		DecisionID:     "dec-1",
		ActionType:     "scale_service",
		TargetEntities: []string{"scenario-a"},
		Parameters:     map[string]any{"replicas": 3.0},
	}
}

// advance through the lifecycle up to APPROVED.
func (f *fixture) approvedIntent(t *testing.T) *contracts.ExecutionIntent {
	t.Helper()
	ctx := context.Background()
	intent, err := f.engine.CreateIntent(ctx, f.requester, f.createRequest())
	require.NoError(t, err)
	_, err = f.engine.RunDryRun(ctx, f.requester, intent.IntentID)
	require.NoError(t, err)
	intent, err = f.engine.ApproveExecution(ctx, f.approver, intent.IntentID)
	require.NoError(t, err)
	return intent
}

// TestCreateIntent verifies a requester with an EXECUTE grant opens a
// PENDING intent carrying a snapshot reference and idempotency key.
func TestCreateIntent(t *testing.T) {
	f := newFixture(t)

	intent, err := f.engine.CreateIntent(context.Background(), f.requester, f.createRequest())

	require.NoError(t, err)
	assert.Contains(t, intent.IntentID, "intent-")
	assert.Equal(t, contracts.IntentPending, intent.Status)
	assert.Equal(t, "user-1", intent.RequestedBy)
	assert.Contains(t, intent.AuthoritySnapshotID, "snap-")
	assert.Contains(t, intent.IdempotencyKey, "sha256:")
	require.Len(t, intent.StatusHistory, 1)
	assert.Equal(t, contracts.IntentPending, intent.StatusHistory[0].To)
}

// TestCreateIntent_DeniedWithoutAuthority verifies an unknown actor is
// refused with a structured denial.
func TestCreateIntent_DeniedWithoutAuthority(t *testing.T) {
	f := newFixture(t)
	stranger := contracts.RequestContext{TenantID: "t1", ActorID: "stranger"}

	_, err := f.engine.CreateIntent(context.Background(), stranger, f.createRequest())

	require.Error(t, err)
	assert.True(t, execution.IsAuthorizationDenied(err))
	var authzErr *execution.AuthorizationError
	require.ErrorAs(t, err, &authzErr)
	assert.Equal(t, contracts.DenialNoAuthorityPath, authzErr.Reason)
}

// TestCreateIntent_Idempotent verifies the same logical request returns
// the existing intent instead of creating a duplicate.
func TestCreateIntent_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.engine.CreateIntent(ctx, f.requester, f.createRequest())
	require.NoError(t, err)

	// Same payload with targets reordered and a fresh parameters map.
	req := f.createRequest()
	req.TargetEntities = append([]string{}, req.TargetEntities...)
	second, err := f.engine.CreateIntent(ctx, f.requester, req)
	require.NoError(t, err)

	assert.Equal(t, first.IntentID, second.IntentID)
}

// TestCreateIntent_PolicyBlocked verifies a BLOCKING policy failure stops
// intent creation, and that the policy sees no actor identity.
func TestCreateIntent_PolicyBlocked(t *testing.T) {
	f := newFixture(t)
	policies, err := policy.NewEvaluator()
	require.NoError(t, err)
	limit := 10.0
	require.NoError(t, policies.LoadPolicy(&contracts.PolicyDefinition{
		PolicyID: "cost-ceiling",
		Scope:    contracts.PolicyScope{TenantID: "t1"},
		Severity: contracts.SeverityBlocking,
		Conditions: []contracts.PolicyCondition{
			{Type: contracts.ConditionMaxCost, Limit: &limit},
		},
	}))
	f.engine.WithPolicies(policies)

	cost := 50.0
	req := f.createRequest()
	req.Cost = &cost
	_, err = f.engine.CreateIntent(context.Background(), f.requester, req)

	assert.ErrorIs(t, err, execution.ErrPolicyBlocked)
}

// TestRunDryRun verifies a successful dry run records a DRY_RUN attempt
// and moves the intent to DRY_RUN_COMPLETED without touching the registry
// or scenario store.
func TestRunDryRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent, err := f.engine.CreateIntent(ctx, f.requester, f.createRequest())
	require.NoError(t, err)

	attempt, err := f.engine.RunDryRun(ctx, f.requester, intent.IntentID)

	require.NoError(t, err)
	assert.Equal(t, contracts.ModeDryRun, attempt.Mode)
	assert.True(t, attempt.Result.Success)
	assert.Empty(t, f.registry.calls)

	got, err := f.engine.GetIntent(ctx, f.requester, intent.IntentID)
	require.NoError(t, err)
	assert.Equal(t, contracts.IntentDryRunCompleted, got.Status)
}

// TestRunDryRun_Repeatable verifies dry runs may repeat before approval.
func TestRunDryRun_Repeatable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent, err := f.engine.CreateIntent(ctx, f.requester, f.createRequest())
	require.NoError(t, err)

	_, err = f.engine.RunDryRun(ctx, f.requester, intent.IntentID)
	require.NoError(t, err)
	_, err = f.engine.RunDryRun(ctx, f.requester, intent.IntentID)
	require.NoError(t, err)

	attempts, err := f.engine.GetAttempts(ctx, f.requester, intent.IntentID)
	require.NoError(t, err)
	assert.Len(t, attempts, 2)
}

// TestApproveExecution verifies approval requires a completed dry run and
// a fresh APPROVE_EXECUTION evaluation of the approver.
func TestApproveExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent, err := f.engine.CreateIntent(ctx, f.requester, f.createRequest())
	require.NoError(t, err)

	// Approving before the dry run is an ordering violation.
	_, err = f.engine.ApproveExecution(ctx, f.approver, intent.IntentID)
	assert.ErrorIs(t, err, execution.ErrLifecycleViolation)

	_, err = f.engine.RunDryRun(ctx, f.requester, intent.IntentID)
	require.NoError(t, err)

	approved, err := f.engine.ApproveExecution(ctx, f.approver, intent.IntentID)
	require.NoError(t, err)
	assert.Equal(t, contracts.IntentApproved, approved.Status)

	last := approved.StatusHistory[len(approved.StatusHistory)-1]
	assert.Equal(t, "lead-1", last.ActorID)
}

// TestApproveExecution_DeniedApprover verifies an actor without
// APPROVE_EXECUTION authority cannot approve, and the rejection reaches
// the decision journal.
func TestApproveExecution_DeniedApprover(t *testing.T) {
	f := newFixture(t)
	journal := &recordingJournal{}
	f.engine.WithJournal(journal)
	ctx := context.Background()

	intent, err := f.engine.CreateIntent(ctx, f.requester, f.createRequest())
	require.NoError(t, err)
	_, err = f.engine.RunDryRun(ctx, f.requester, intent.IntentID)
	require.NoError(t, err)

	// The requester holds EXECUTE, not APPROVE.
	_, err = f.engine.ApproveExecution(ctx, f.requester, intent.IntentID)

	assert.True(t, execution.IsAuthorizationDenied(err))
	require.Len(t, journal.decisions, 1)
	assert.Equal(t, "rejected", journal.decisions[0].Outcome)

	got, err := f.engine.GetIntent(ctx, f.requester, intent.IntentID)
	require.NoError(t, err)
	assert.Equal(t, contracts.IntentDryRunCompleted, got.Status)
}

// TestExecuteRealRun verifies the happy path end to end: the sandboxed
// real run lands in the scenario mutation log, the attempt carries the
// approver's proof, and the intent finishes EXECUTED.
func TestExecuteRealRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := f.createRequest()
	req.TargetScenarioID = "scn-42"
	intent, err := f.engine.CreateIntent(ctx, f.requester, req)
	require.NoError(t, err)
	_, err = f.engine.RunDryRun(ctx, f.requester, intent.IntentID)
	require.NoError(t, err)
	_, err = f.engine.ApproveExecution(ctx, f.approver, intent.IntentID)
	require.NoError(t, err)

	attempt, err := f.engine.ExecuteRealRun(ctx, f.requester, intent.IntentID)

	require.NoError(t, err)
	assert.Equal(t, contracts.ModeRealRun, attempt.Mode)
	assert.True(t, attempt.Result.Success)
	require.NotNil(t, attempt.Proof)
	assert.NotEmpty(t, attempt.Proof.MatchedEdgeID)

	got, err := f.engine.GetIntent(ctx, f.requester, intent.IntentID)
	require.NoError(t, err)
	assert.Equal(t, contracts.IntentExecuted, got.Status)

	mutations := f.scenarios.Mutations("scn-42")
	require.Len(t, mutations, 1)
	assert.Equal(t, intent.IntentID, mutations[0].IntentID)
	assert.Empty(t, f.registry.calls)
}

// TestExecuteRealRun_OrderingEnforced verifies every shortcut around the
// state machine is rejected.
func TestExecuteRealRun_OrderingEnforced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent, err := f.engine.CreateIntent(ctx, f.requester, f.createRequest())
	require.NoError(t, err)

	// PENDING -> execute: refused.
	_, err = f.engine.ExecuteRealRun(ctx, f.requester, intent.IntentID)
	assert.ErrorIs(t, err, execution.ErrLifecycleViolation)

	_, err = f.engine.RunDryRun(ctx, f.requester, intent.IntentID)
	require.NoError(t, err)

	// DRY_RUN_COMPLETED -> execute: still refused.
	_, err = f.engine.ExecuteRealRun(ctx, f.requester, intent.IntentID)
	assert.ErrorIs(t, err, execution.ErrLifecycleViolation)
}

// TestExecuteRealRun_RevokedSinceApproval verifies the third authority
// check: revoking the approver's grant between approval and execution
// fails the intent with a revocation reason, distinct from an executor
// failure, and nothing reaches the outside world.
func TestExecuteRealRun_RevokedSinceApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent := f.approvedIntent(t)

	f.now = f.now.Add(time.Minute)
	_, err := f.manager.RevokeAuthority(ctx, f.grants["approver"], "offboarded", "admin")
	require.NoError(t, err)
	f.now = f.now.Add(time.Minute)

	_, err = f.engine.ExecuteRealRun(ctx, f.requester, intent.IntentID)

	assert.True(t, execution.IsAuthorizationDenied(err))

	got, err := f.engine.GetIntent(ctx, f.requester, intent.IntentID)
	require.NoError(t, err)
	assert.Equal(t, contracts.IntentFailed, got.Status)
	last := got.StatusHistory[len(got.StatusHistory)-1]
	assert.Contains(t, last.Reason, "revoked")

	assert.Empty(t, f.registry.calls)
	assert.Empty(t, f.scenarios.Mutations("scn-42"))
}

// TestExecuteRealRun_ExecutorFailure verifies an executor error fails the
// intent with the executor's reason and records a failed attempt.
func TestExecuteRealRun_ExecutorFailure(t *testing.T) {
	f := newFixture(t)
	f.registry.err = errors.New("upstream unavailable")
	ctx := context.Background()
	intent := f.approvedIntent(t) // no scenario id: goes through the registry

	_, err := f.engine.ExecuteRealRun(ctx, f.requester, intent.IntentID)

	require.Error(t, err)
	assert.False(t, execution.IsAuthorizationDenied(err))

	got, err := f.engine.GetIntent(ctx, f.requester, intent.IntentID)
	require.NoError(t, err)
	assert.Equal(t, contracts.IntentFailed, got.Status)

	attempts, err := f.engine.GetAttempts(ctx, f.requester, intent.IntentID)
	require.NoError(t, err)
	last := attempts[len(attempts)-1]
	assert.Equal(t, contracts.ModeRealRun, last.Mode)
	assert.False(t, last.Result.Success)
	assert.Contains(t, last.Result.Error, "upstream unavailable")
}

// TestExecuteRealRun_Terminal verifies terminal intents reject every
// further operation.
func TestExecuteRealRun_Terminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent := f.approvedIntent(t)

	_, err := f.engine.ExecuteRealRun(ctx, f.requester, intent.IntentID)
	require.NoError(t, err)

	got, err := f.engine.GetIntent(ctx, f.requester, intent.IntentID)
	require.NoError(t, err)
	require.Equal(t, contracts.IntentExecuted, got.Status)
	require.True(t, got.Status.Terminal())

	_, err = f.engine.RunDryRun(ctx, f.requester, intent.IntentID)
	assert.ErrorIs(t, err, execution.ErrLifecycleViolation)
	_, err = f.engine.ApproveExecution(ctx, f.approver, intent.IntentID)
	assert.ErrorIs(t, err, execution.ErrLifecycleViolation)
	_, err = f.engine.ExecuteRealRun(ctx, f.requester, intent.IntentID)
	assert.ErrorIs(t, err, execution.ErrLifecycleViolation)
}

// TestTenantIsolation verifies another tenant's context cannot read or
// advance an intent.
func TestTenantIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent, err := f.engine.CreateIntent(ctx, f.requester, f.createRequest())
	require.NoError(t, err)

	intruder := contracts.RequestContext{TenantID: "t2", ActorID: "user-1"}

	_, err = f.engine.GetIntent(ctx, intruder, intent.IntentID)
	assert.Error(t, err)
	_, err = f.engine.RunDryRun(ctx, intruder, intent.IntentID)
	assert.Error(t, err)
}

// TestCreateIntent_RegionNotAllowed verifies the per-tenant region gate
// rejects a request naming a disallowed region before any policy runs.
func TestCreateIntent_RegionNotAllowed(t *testing.T) {
	f := newFixture(t)
	f.engine = f.engine.WithRegionPolicy(func(tenantID, region string) bool {
		return tenantID == "t1" && region == "us-east"
	})

	req := f.createRequest()
	req.Region = "ap-south"
	_, err := f.engine.CreateIntent(context.Background(), f.requester, req)
	require.ErrorIs(t, err, execution.ErrRegionNotAllowed)
	assert.Contains(t, err.Error(), "ap-south")

	req.Region = "us-east"
	intent, err := f.engine.CreateIntent(context.Background(), f.requester, req)
	require.NoError(t, err)
	assert.Equal(t, contracts.IntentPending, intent.Status)
}

// recordingLocker captures the keys and lifetimes the engine asks for.
type recordingLocker struct {
	keys []string
	ttls []time.Duration
}

func (l *recordingLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	l.keys = append(l.keys, key)
	l.ttls = append(l.ttls, ttl)
	return func() {}, nil
}

// TestExecuteRealRun_LockTTLResolver verifies the tenant's lock lifetime
// reaches the locker on real execution.
func TestExecuteRealRun_LockTTLResolver(t *testing.T) {
	f := newFixture(t)
	locker := &recordingLocker{}
	f.engine = f.engine.
		WithLocker(locker).
		WithLockTTL(func(tenantID string) time.Duration {
			if tenantID == "t1" {
				return 90 * time.Second
			}
			return 0
		})
	intent := f.approvedIntent(t)

	_, err := f.engine.ExecuteRealRun(context.Background(), f.requester, intent.IntentID)
	require.NoError(t, err)

	require.Len(t, locker.keys, 1)
	assert.Equal(t, intent.IdempotencyKey, locker.keys[0])
	assert.Equal(t, []time.Duration{90 * time.Second}, locker.ttls)
}

// failingAppendStore fails attempt bookkeeping while delegating the rest.
type failingAppendStore struct {
	store.IntentStore
	err error
}

func (s *failingAppendStore) AppendAttempt(ctx context.Context, attempt *contracts.ExecutionAttempt) error {
	return s.err
}

// TestRunDryRun_AttemptStoreError verifies a bookkeeping failure is not an
// execution outcome: the error surfaces and the intent does not advance.
func TestRunDryRun_AttemptStoreError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent, err := f.engine.CreateIntent(ctx, f.requester, f.createRequest())
	require.NoError(t, err)

	flaky := execution.NewEngine(&failingAppendStore{IntentStore: f.intents, err: errors.New("disk full")}, f.evaluator).
		WithClock(func() time.Time { return f.now })

	_, err = flaky.RunDryRun(ctx, f.requester, intent.IntentID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record attempt")
	assert.False(t, execution.IsAuthorizationDenied(err))

	got, err := f.engine.GetIntent(ctx, f.requester, intent.IntentID)
	require.NoError(t, err)
	assert.Equal(t, contracts.IntentPending, got.Status, "status must not advance on a bookkeeping failure")
}

// TestCreateIntentRequestWireFormat verifies the snake_case JSON form
// accepted at the HTTP boundary decodes into a CreateIntentRequest.
func TestCreateIntentRequestWireFormat(t *testing.T) {
	doc := []byte(`{
		"decision_id": "dec-1",
		"action_type": "scale_service",
		"target_entities": ["scenario-a", "scenario-b"],
		"parameters": {"replicas": 3},
		"target_scenario_id": "scn-42",
		"cost": 12.5,
		"region": "us-east"
	}`)

	var req execution.CreateIntentRequest
	require.NoError(t, json.Unmarshal(doc, &req))
	assert.Equal(t, "dec-1", req.DecisionID)
	assert.Equal(t, "scale_service", req.ActionType)
	assert.Equal(t, []string{"scenario-a", "scenario-b"}, req.TargetEntities)
	assert.Equal(t, 3.0, req.Parameters["replicas"])
	assert.Equal(t, "scn-42", req.TargetScenarioID)
	require.NotNil(t, req.Cost)
	assert.Equal(t, 12.5, *req.Cost)
	assert.Equal(t, "us-east", req.Region)
}
