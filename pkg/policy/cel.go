package policy

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/strataplane/warrant/pkg/contracts"
)

// celConditions compiles and caches CEL programs for CEL_EXPR conditions.
// The environment exposes only proposal fields — no identity variables
// exist, so an expression cannot reference an actor even by accident.
type celConditions struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

func newCELConditions() (*celConditions, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.StringType),
		cel.Variable("target", cel.StringType),
		cel.Variable("tenant", cel.StringType),
		cel.Variable("region", cel.StringType),
		cel.Variable("entity_type", cel.StringType),
		cel.Variable("cost", cel.DoubleType),
		cel.Variable("risk", cel.DoubleType),
		cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("timestamp", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &celConditions{env: env, cache: make(map[string]cel.Program)}, nil
}

// compile builds and caches the program for an expression.
func (c *celConditions) compile(expr string) error {
	c.mu.RLock()
	_, hit := c.cache[expr]
	c.mu.RUnlock()
	if hit {
		return nil
	}

	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := c.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return fmt.Errorf("program: %w", err)
	}

	c.mu.Lock()
	c.cache[expr] = prg
	c.mu.Unlock()
	return nil
}

// eval runs a previously compiled expression against a proposal.
func (c *celConditions) eval(expr string, proposal contracts.PolicyProposal, asOf time.Time) (bool, error) {
	c.mu.RLock()
	prg, hit := c.cache[expr]
	c.mu.RUnlock()
	if !hit {
		if err := c.compile(expr); err != nil {
			return false, err
		}
		c.mu.RLock()
		prg = c.cache[expr]
		c.mu.RUnlock()
	}

	cost := 0.0
	if proposal.Cost != nil {
		cost = *proposal.Cost
	}
	risk := 0.0
	if proposal.Risk != nil {
		risk = *proposal.Risk
	}
	params := proposal.Parameters
	if params == nil {
		params = map[string]any{}
	}

	input := map[string]any{
		"action":      proposal.ActionType,
		"target":      proposal.TargetEntityID,
		"tenant":      proposal.TenantID,
		"region":      proposal.Region,
		"entity_type": proposal.EntityType,
		"cost":        cost,
		"risk":        risk,
		"params":      params,
		"timestamp":   asOf.Unix(),
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression result is not a bool")
	}
	return val, nil
}
