// Package policy provides the stateless, identity-blind policy evaluator.
// Policies constrain what may happen — cost, risk, time windows, regions,
// entity types — never who may do it. The proposal type has no field
// capable of carrying an actor id, which keeps policy logic from becoming
// a shadow permission system.
package policy

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/strataplane/warrant/pkg/contracts"
)

var (
	// ErrInvalidPolicy indicates a definition that cannot be loaded.
	ErrInvalidPolicy = errors.New("invalid policy definition")
)

// Evaluator holds loaded policy definitions and their precompiled CEL
// programs. Evaluation itself is stateless: same proposal, same policies,
// same asOf — same results.
type Evaluator struct {
	mu       sync.RWMutex
	policies []*contracts.PolicyDefinition
	byID     map[string]*contracts.PolicyDefinition
	cel      *celConditions
	clock    func() time.Time
}

// NewEvaluator creates an evaluator with an empty policy set.
func NewEvaluator() (*Evaluator, error) {
	cc, err := newCELConditions()
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		byID:  make(map[string]*contracts.PolicyDefinition),
		cel:   cc,
		clock: time.Now,
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (e *Evaluator) WithClock(clock func() time.Time) *Evaluator {
	e.clock = clock
	return e
}

// LoadPolicy validates and registers one policy definition. CEL_EXPR
// conditions are compiled here so malformed expressions fail at load time,
// not at evaluation time. Reloading an existing id replaces it.
func (e *Evaluator) LoadPolicy(def *contracts.PolicyDefinition) error {
	if def.PolicyID == "" {
		return fmt.Errorf("%w: policy id is required", ErrInvalidPolicy)
	}
	if def.Scope.TenantID == "" {
		return fmt.Errorf("%w: %s has no tenant scope", ErrInvalidPolicy, def.PolicyID)
	}
	switch def.Severity {
	case contracts.SeverityInfo, contracts.SeverityWarning, contracts.SeverityBlocking:
	default:
		return fmt.Errorf("%w: %s has unknown severity %q", ErrInvalidPolicy, def.PolicyID, def.Severity)
	}
	for i, cond := range def.Conditions {
		if err := validateCondition(cond); err != nil {
			return fmt.Errorf("%w: %s condition %d: %v", ErrInvalidPolicy, def.PolicyID, i, err)
		}
		if cond.Type == contracts.ConditionCELExpr {
			if err := e.cel.compile(cond.Expression); err != nil {
				return fmt.Errorf("%w: %s condition %d: %v", ErrInvalidPolicy, def.PolicyID, i, err)
			}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.byID[def.PolicyID]; exists {
		for i, p := range e.policies {
			if p.PolicyID == def.PolicyID {
				e.policies[i] = def
				break
			}
		}
	} else {
		e.policies = append(e.policies, def)
	}
	e.byID[def.PolicyID] = def
	return nil
}

// Policies returns the loaded definitions in load order.
func (e *Evaluator) Policies() []*contracts.PolicyDefinition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*contracts.PolicyDefinition, len(e.policies))
	copy(out, e.policies)
	return out
}

// Evaluate checks the proposal against every applicable policy. The
// snapshot parameter is accepted for interface parity with the execution
// engine's call site; the evaluator never reads identity from it.
//
// Within one policy, conditions run in declaration order and the first
// failing condition sets the result — BLOCK for BLOCKING severity,
// otherwise WARN — and stops that policy's evaluation. No failing
// condition means PASS.
func (e *Evaluator) Evaluate(proposal contracts.PolicyProposal, snapshot *contracts.AuthoritySnapshot, asOf time.Time) []contracts.PolicyEvaluationResult {
	_ = snapshot
	if asOf.IsZero() {
		asOf = e.clock()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	var results []contracts.PolicyEvaluationResult
	for _, def := range e.policies {
		if !e.applies(def, proposal) {
			continue
		}
		results = append(results, e.evaluatePolicy(def, proposal, asOf))
	}
	return results
}

func (e *Evaluator) applies(def *contracts.PolicyDefinition, proposal contracts.PolicyProposal) bool {
	if def.Scope.TenantID != proposal.TenantID {
		return false
	}
	if len(def.AppliesToIntentTypes) > 0 && !containsString(def.AppliesToIntentTypes, proposal.ActionType) {
		return false
	}
	if len(def.Scope.TargetEntityTypes) > 0 && !containsString(def.Scope.TargetEntityTypes, proposal.EntityType) {
		return false
	}
	if len(def.Scope.Regions) > 0 && !containsString(def.Scope.Regions, proposal.Region) {
		return false
	}
	return true
}

func (e *Evaluator) evaluatePolicy(def *contracts.PolicyDefinition, proposal contracts.PolicyProposal, asOf time.Time) contracts.PolicyEvaluationResult {
	result := contracts.PolicyEvaluationResult{
		PolicyID:    def.PolicyID,
		Status:      contracts.PolicyPass,
		Severity:    def.Severity,
		EvaluatedAt: asOf,
	}

	for i, cond := range def.Conditions {
		ok, msg := e.checkCondition(cond, proposal, asOf)
		if ok {
			continue
		}
		if def.Severity == contracts.SeverityBlocking {
			result.Status = contracts.PolicyBlock
		} else {
			result.Status = contracts.PolicyWarn
		}
		result.FailedCondition = i
		result.Message = msg
		if cond.Message != "" {
			result.Message = cond.Message
		}
		break
	}
	return result
}

func (e *Evaluator) checkCondition(cond contracts.PolicyCondition, proposal contracts.PolicyProposal, asOf time.Time) (bool, string) {
	switch cond.Type {
	case contracts.ConditionMaxCost:
		if cond.Limit != nil && proposal.Cost != nil && *proposal.Cost > *cond.Limit {
			return false, fmt.Sprintf("cost %.2f exceeds limit %.2f", *proposal.Cost, *cond.Limit)
		}
		return true, ""
	case contracts.ConditionMaxRisk:
		if cond.Limit != nil && proposal.Risk != nil && *proposal.Risk > *cond.Limit {
			return false, fmt.Sprintf("risk %.2f exceeds limit %.2f", *proposal.Risk, *cond.Limit)
		}
		return true, ""
	case contracts.ConditionTimeWindow:
		if cond.Window != nil && !cond.Window.Contains(asOf) {
			return false, fmt.Sprintf("%s is outside the allowed time window", asOf.Format(time.RFC3339))
		}
		return true, ""
	case contracts.ConditionRegion:
		if len(cond.Values) > 0 && !containsString(cond.Values, proposal.Region) {
			return false, fmt.Sprintf("region %q is not allowed", proposal.Region)
		}
		return true, ""
	case contracts.ConditionEntityType:
		if len(cond.Values) > 0 && !containsString(cond.Values, proposal.EntityType) {
			return false, fmt.Sprintf("entity type %q is not allowed", proposal.EntityType)
		}
		return true, ""
	case contracts.ConditionCELExpr:
		ok, err := e.cel.eval(cond.Expression, proposal, asOf)
		if err != nil {
			// Fail closed: an unevaluable condition is a failing condition.
			return false, fmt.Sprintf("expression error: %v", err)
		}
		if !ok {
			return false, "expression evaluated to false"
		}
		return true, ""
	default:
		return false, fmt.Sprintf("unknown condition type %q", cond.Type)
	}
}

func validateCondition(cond contracts.PolicyCondition) error {
	switch cond.Type {
	case contracts.ConditionMaxCost, contracts.ConditionMaxRisk:
		if cond.Limit == nil {
			return fmt.Errorf("%s requires a limit", cond.Type)
		}
	case contracts.ConditionTimeWindow:
		if cond.Window == nil {
			return fmt.Errorf("TIME_WINDOW requires a window")
		}
		if cond.Window.StartHour < 0 || cond.Window.EndHour > 24 || cond.Window.StartHour >= cond.Window.EndHour {
			return fmt.Errorf("window hours [%d, %d) are invalid", cond.Window.StartHour, cond.Window.EndHour)
		}
	case contracts.ConditionRegion, contracts.ConditionEntityType:
		if len(cond.Values) == 0 {
			return fmt.Errorf("%s requires values", cond.Type)
		}
	case contracts.ConditionCELExpr:
		if cond.Expression == "" {
			return fmt.Errorf("CEL_EXPR requires an expression")
		}
	default:
		return fmt.Errorf("unknown condition type %q", cond.Type)
	}
	return nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
