package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/strataplane/warrant/pkg/contracts"
)

// Executor carries out an intent's effect in one mode. The engine decides
// which executor runs; executors never check authority themselves.
type Executor interface {
	Run(ctx context.Context, intent *contracts.ExecutionIntent) (map[string]any, error)
}

// ActionRequest is what the real executor hands to the external action
// registry.
type ActionRequest struct {
	TenantID   string         `json:"tenant_id"`
	UserID     string         `json:"user_id"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ActionRegistry is the external collaborator that knows what an action
// actually does. Invoked only by the real executor, never by dry runs.
type ActionRegistry interface {
	ExecuteAction(ctx context.Context, actionName string, req ActionRequest) error
}

// ScenarioMutation is one redirected effect recorded against a scenario
// instead of shared truth.
type ScenarioMutation struct {
	IntentID   string         `json:"intent_id"`
	ActionType string         `json:"action_type"`
	Targets    []string       `json:"targets"`
	Parameters map[string]any `json:"parameters,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// ScenarioStore is the seam to the external scenario/ontology layer: an
// isolated branch of mutations overlaying shared truth.
type ScenarioStore interface {
	AppendMutation(ctx context.Context, scenarioID string, mutation ScenarioMutation) error
}

// DecisionJournal is the external journal that receives every human/AI
// approval or rejection, carrying the authority proof as evidence.
type DecisionJournal interface {
	SubmitDecision(ctx context.Context, input contracts.DecisionInput) error
}

// SimulationExecutor computes what would happen without causing any
// external effect. Safe to run concurrently and repeatedly.
type SimulationExecutor struct{}

func (SimulationExecutor) Run(ctx context.Context, intent *contracts.ExecutionIntent) (map[string]any, error) {
	_ = ctx
	return map[string]any{
		"simulated":   true,
		"action_type": intent.ActionType,
		"targets":     len(intent.TargetEntities),
	}, nil
}

// RealExecutor causes the actual effect via the action registry. If the
// intent carries a target scenario id, the effect is redirected into that
// scenario's mutation log instead of mutating shared truth.
type RealExecutor struct {
	registry  ActionRegistry
	scenarios ScenarioStore
	clock     func() time.Time
}

// NewRealExecutor creates a real executor. scenarios may be nil when the
// deployment has no scenario store; sandboxed intents then fail rather
// than leak into shared truth.
func NewRealExecutor(registry ActionRegistry, scenarios ScenarioStore) *RealExecutor {
	return &RealExecutor{registry: registry, scenarios: scenarios, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (e *RealExecutor) WithClock(clock func() time.Time) *RealExecutor {
	e.clock = clock
	return e
}

func (e *RealExecutor) Run(ctx context.Context, intent *contracts.ExecutionIntent) (map[string]any, error) {
	if intent.TargetScenarioID != "" {
		if e.scenarios == nil {
			return nil, fmt.Errorf("intent %s targets scenario %s but no scenario store is configured", intent.IntentID, intent.TargetScenarioID)
		}
		mutation := ScenarioMutation{
			IntentID:   intent.IntentID,
			ActionType: intent.ActionType,
			Targets:    intent.TargetEntities,
			Parameters: intent.Parameters,
			RecordedAt: e.clock(),
		}
		if err := e.scenarios.AppendMutation(ctx, intent.TargetScenarioID, mutation); err != nil {
			return nil, fmt.Errorf("append scenario mutation: %w", err)
		}
		return map[string]any{"sandboxed": true, "scenario_id": intent.TargetScenarioID}, nil
	}

	if e.registry == nil {
		return nil, fmt.Errorf("no action registry configured")
	}
	req := ActionRequest{
		TenantID:   intent.TenantID,
		UserID:     intent.RequestedBy,
		Parameters: intent.Parameters,
	}
	if err := e.registry.ExecuteAction(ctx, intent.ActionType, req); err != nil {
		return nil, fmt.Errorf("execute action %s: %w", intent.ActionType, err)
	}
	return map[string]any{"executed": true, "action_type": intent.ActionType}, nil
}

// MemoryScenarioStore is an in-memory ScenarioStore for tests and demos.
type MemoryScenarioStore struct {
	mu        sync.Mutex
	mutations map[string][]ScenarioMutation
}

func NewMemoryScenarioStore() *MemoryScenarioStore {
	return &MemoryScenarioStore{mutations: make(map[string][]ScenarioMutation)}
}

func (s *MemoryScenarioStore) AppendMutation(ctx context.Context, scenarioID string, mutation ScenarioMutation) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mutations[scenarioID] = append(s.mutations[scenarioID], mutation)
	return nil
}

// Mutations returns the recorded mutations for a scenario.
func (s *MemoryScenarioStore) Mutations(scenarioID string) []ScenarioMutation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ScenarioMutation(nil), s.mutations[scenarioID]...)
}
