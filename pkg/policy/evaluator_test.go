package policy_test

import (
	"reflect"
	"testing"
	"time"

	"github.com/strataplane/warrant/pkg/contracts"
	"github.com/strataplane/warrant/pkg/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var policyTime = time.Date(2025, 6, 16, 14, 0, 0, 0, time.UTC) // a Monday

func newPolicyEvaluator(t *testing.T) *policy.Evaluator {
	t.Helper()
	e, err := policy.NewEvaluator()
	require.NoError(t, err)
	return e.WithClock(func() time.Time { return policyTime })
}

func floatPtr(v float64) *float64 { return &v }

func costPolicy(id string, severity contracts.PolicySeverity, limit float64) *contracts.PolicyDefinition {
	return &contracts.PolicyDefinition{
		PolicyID: id,
		Scope:    contracts.PolicyScope{TenantID: "t1"},
		Severity: severity,
		Conditions: []contracts.PolicyCondition{
			{Type: contracts.ConditionMaxCost, Limit: floatPtr(limit)},
		},
	}
}

func proposal() contracts.PolicyProposal {
	return contracts.PolicyProposal{
		ActionType: "scale_service",
		TenantID:   "t1",
		Cost:       floatPtr(50),
		Region:     "us-east",
		EntityType: "service",
	}
}

// TestEvaluate_Pass verifies a proposal inside every bound passes.
func TestEvaluate_Pass(t *testing.T) {
	e := newPolicyEvaluator(t)
	require.NoError(t, e.LoadPolicy(costPolicy("p1", contracts.SeverityBlocking, 100)))

	results := e.Evaluate(proposal(), nil, policyTime)

	require.Len(t, results, 1)
	assert.Equal(t, contracts.PolicyPass, results[0].Status)
}

// TestEvaluate_SeverityMapping verifies a failing condition yields BLOCK
// only for BLOCKING policies and WARN otherwise.
func TestEvaluate_SeverityMapping(t *testing.T) {
	e := newPolicyEvaluator(t)
	require.NoError(t, e.LoadPolicy(costPolicy("blocking", contracts.SeverityBlocking, 10)))
	require.NoError(t, e.LoadPolicy(costPolicy("warning", contracts.SeverityWarning, 10)))
	require.NoError(t, e.LoadPolicy(costPolicy("info", contracts.SeverityInfo, 10)))

	results := e.Evaluate(proposal(), nil, policyTime)

	require.Len(t, results, 3)
	byID := map[string]contracts.PolicyStatus{}
	for _, r := range results {
		byID[r.PolicyID] = r.Status
	}
	assert.Equal(t, contracts.PolicyBlock, byID["blocking"])
	assert.Equal(t, contracts.PolicyWarn, byID["warning"])
	assert.Equal(t, contracts.PolicyWarn, byID["info"])
}

// TestEvaluate_FirstFailingConditionWins verifies condition order matters
// and the failing index is recorded.
func TestEvaluate_FirstFailingConditionWins(t *testing.T) {
	e := newPolicyEvaluator(t)
	def := &contracts.PolicyDefinition{
		PolicyID: "ordered",
		Scope:    contracts.PolicyScope{TenantID: "t1"},
		Severity: contracts.SeverityBlocking,
		Conditions: []contracts.PolicyCondition{
			{Type: contracts.ConditionMaxCost, Limit: floatPtr(1000)},                                    // passes
			{Type: contracts.ConditionRegion, Values: []string{"eu-west"}, Message: "region restricted"}, // fails
			{Type: contracts.ConditionMaxRisk, Limit: floatPtr(0)},                                       // would also fail
		},
	}
	require.NoError(t, e.LoadPolicy(def))

	p := proposal()
	p.Risk = floatPtr(5)
	results := e.Evaluate(p, nil, policyTime)

	require.Len(t, results, 1)
	assert.Equal(t, contracts.PolicyBlock, results[0].Status)
	assert.Equal(t, 1, results[0].FailedCondition)
	assert.Equal(t, "region restricted", results[0].Message)
}

// TestEvaluate_ScopeFiltering verifies tenant, intent-type, entity-type,
// and region scoping all gate applicability.
func TestEvaluate_ScopeFiltering(t *testing.T) {
	e := newPolicyEvaluator(t)
	require.NoError(t, e.LoadPolicy(&contracts.PolicyDefinition{
		PolicyID:             "scoped",
		AppliesToIntentTypes: []string{"delete_service"},
		Scope:                contracts.PolicyScope{TenantID: "t1"},
		Severity:             contracts.SeverityBlocking,
		Conditions:           []contracts.PolicyCondition{{Type: contracts.ConditionMaxCost, Limit: floatPtr(0)}},
	}))

	// Different action type: not applicable, no result at all.
	results := e.Evaluate(proposal(), nil, policyTime)
	assert.Empty(t, results)

	// Different tenant: also not applicable.
	p := proposal()
	p.ActionType = "delete_service"
	p.TenantID = "t2"
	assert.Empty(t, e.Evaluate(p, nil, policyTime))

	p.TenantID = "t1"
	results = e.Evaluate(p, nil, policyTime)
	require.Len(t, results, 1)
	assert.Equal(t, contracts.PolicyBlock, results[0].Status)
}

// TestEvaluate_TimeWindow verifies TIME_WINDOW conditions use the asOf
// instant, not wall time.
func TestEvaluate_TimeWindow(t *testing.T) {
	e := newPolicyEvaluator(t)
	require.NoError(t, e.LoadPolicy(&contracts.PolicyDefinition{
		PolicyID: "business-hours",
		Scope:    contracts.PolicyScope{TenantID: "t1"},
		Severity: contracts.SeverityBlocking,
		Conditions: []contracts.PolicyCondition{{
			Type:   contracts.ConditionTimeWindow,
			Window: &contracts.TimeWindow{StartHour: 9, EndHour: 17},
		}},
	}))

	results := e.Evaluate(proposal(), nil, policyTime) // 14:00 UTC
	require.Len(t, results, 1)
	assert.Equal(t, contracts.PolicyPass, results[0].Status)

	night := time.Date(2025, 6, 16, 3, 0, 0, 0, time.UTC)
	results = e.Evaluate(proposal(), nil, night)
	require.Len(t, results, 1)
	assert.Equal(t, contracts.PolicyBlock, results[0].Status)
}

// TestEvaluate_CELExpression verifies CEL conditions see the proposal
// fields and fail closed on evaluation errors.
func TestEvaluate_CELExpression(t *testing.T) {
	e := newPolicyEvaluator(t)
	require.NoError(t, e.LoadPolicy(&contracts.PolicyDefinition{
		PolicyID: "cel-cost-region",
		Scope:    contracts.PolicyScope{TenantID: "t1"},
		Severity: contracts.SeverityBlocking,
		Conditions: []contracts.PolicyCondition{{
			Type:       contracts.ConditionCELExpr,
			Expression: `cost < 100.0 && region == "us-east"`,
		}},
	}))

	results := e.Evaluate(proposal(), nil, policyTime)
	require.Len(t, results, 1)
	assert.Equal(t, contracts.PolicyPass, results[0].Status)

	p := proposal()
	p.Region = "ap-south"
	results = e.Evaluate(p, nil, policyTime)
	require.Len(t, results, 1)
	assert.Equal(t, contracts.PolicyBlock, results[0].Status)
}

// TestLoadPolicy_Validation covers rejected definitions: missing id,
// missing tenant scope, unknown severity, malformed conditions, and CEL
// expressions that do not compile.
func TestLoadPolicy_Validation(t *testing.T) {
	e := newPolicyEvaluator(t)

	cases := []*contracts.PolicyDefinition{
		{Scope: contracts.PolicyScope{TenantID: "t1"}, Severity: contracts.SeverityInfo},
		{PolicyID: "no-tenant", Severity: contracts.SeverityInfo},
		{PolicyID: "bad-sev", Scope: contracts.PolicyScope{TenantID: "t1"}, Severity: "FATAL"},
		{
			PolicyID: "no-limit", Scope: contracts.PolicyScope{TenantID: "t1"}, Severity: contracts.SeverityInfo,
			Conditions: []contracts.PolicyCondition{{Type: contracts.ConditionMaxCost}},
		},
		{
			PolicyID: "bad-window", Scope: contracts.PolicyScope{TenantID: "t1"}, Severity: contracts.SeverityInfo,
			Conditions: []contracts.PolicyCondition{{
				Type:   contracts.ConditionTimeWindow,
				Window: &contracts.TimeWindow{StartHour: 20, EndHour: 8},
			}},
		},
		{
			PolicyID: "bad-cel", Scope: contracts.PolicyScope{TenantID: "t1"}, Severity: contracts.SeverityInfo,
			Conditions: []contracts.PolicyCondition{{Type: contracts.ConditionCELExpr, Expression: "cost <<< 1"}},
		},
	}
	for _, def := range cases {
		assert.ErrorIs(t, e.LoadPolicy(def), policy.ErrInvalidPolicy, "policy %q", def.PolicyID)
	}
}

// TestLoadPolicy_Replace verifies reloading an id replaces the definition
// in place.
func TestLoadPolicy_Replace(t *testing.T) {
	e := newPolicyEvaluator(t)
	require.NoError(t, e.LoadPolicy(costPolicy("p1", contracts.SeverityBlocking, 10)))
	require.NoError(t, e.LoadPolicy(costPolicy("p1", contracts.SeverityBlocking, 1000)))

	assert.Len(t, e.Policies(), 1)
	results := e.Evaluate(proposal(), nil, policyTime)
	require.Len(t, results, 1)
	assert.Equal(t, contracts.PolicyPass, results[0].Status)
}

// TestProposalCarriesNoIdentity pins the structural guarantee that the
// proposal type cannot smuggle an actor id into policy logic.
func TestProposalCarriesNoIdentity(t *testing.T) {
	typ := reflect.TypeOf(contracts.PolicyProposal{})
	for i := 0; i < typ.NumField(); i++ {
		name := typ.Field(i).Name
		assert.NotContains(t, name, "Actor", "proposal field %s", name)
		assert.NotContains(t, name, "User", "proposal field %s", name)
		assert.NotContains(t, name, "Session", "proposal field %s", name)
		assert.NotContains(t, name, "RequestedBy", "proposal field %s", name)
	}
}

// TestEvaluate_Deterministic verifies same proposal, same policies, same
// asOf produce identical results.
func TestEvaluate_Deterministic(t *testing.T) {
	e := newPolicyEvaluator(t)
	require.NoError(t, e.LoadPolicy(costPolicy("p1", contracts.SeverityBlocking, 10)))

	first := e.Evaluate(proposal(), nil, policyTime)
	second := e.Evaluate(proposal(), nil, policyTime)

	assert.Equal(t, first, second)
}
