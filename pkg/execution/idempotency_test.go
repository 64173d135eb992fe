package execution_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/strataplane/warrant/pkg/execution"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestIdempotencyKey_Format verifies the key shape.
func TestIdempotencyKey_Format(t *testing.T) {
	key, err := execution.IdempotencyKey("dec-1", "scale_service", []string{"svc-a"}, nil)

	require.NoError(t, err)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, key)
}

// TestIdempotencyKey_TargetOrderIrrelevant verifies target order does not
// change the key, and the input slice is not mutated.
func TestIdempotencyKey_TargetOrderIrrelevant(t *testing.T) {
	targets := []string{"svc-b", "svc-a", "svc-c"}
	k1, err := execution.IdempotencyKey("dec-1", "scale_service", targets, nil)
	require.NoError(t, err)
	k2, err := execution.IdempotencyKey("dec-1", "scale_service", []string{"svc-c", "svc-a", "svc-b"}, nil)
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.Equal(t, []string{"svc-b", "svc-a", "svc-c"}, targets)
}

// TestIdempotencyKey_SensitiveToEachField verifies any changed field
// produces a different key.
func TestIdempotencyKey_SensitiveToEachField(t *testing.T) {
	base, err := execution.IdempotencyKey("dec-1", "scale_service", []string{"svc-a"}, map[string]any{"n": 1.0})
	require.NoError(t, err)

	variants := []struct {
		decisionID string
		actionType string
		targets    []string
		params     map[string]any
	}{
		{"dec-2", "scale_service", []string{"svc-a"}, map[string]any{"n": 1.0}},
		{"dec-1", "delete_service", []string{"svc-a"}, map[string]any{"n": 1.0}},
		{"dec-1", "scale_service", []string{"svc-b"}, map[string]any{"n": 1.0}},
		{"dec-1", "scale_service", []string{"svc-a"}, map[string]any{"n": 2.0}},
	}
	for i, v := range variants {
		key, err := execution.IdempotencyKey(v.decisionID, v.actionType, v.targets, v.params)
		require.NoError(t, err)
		assert.NotEqual(t, base, key, "variant %d", i)
	}
}

// TestIdempotencyKey_Properties drives the determinism and permutation
// invariance claims with generated inputs.
func TestIdempotencyKey_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("same input, same key", prop.ForAll(
		func(decisionID, actionType string, targets []string) bool {
			k1, err1 := execution.IdempotencyKey(decisionID, actionType, targets, nil)
			k2, err2 := execution.IdempotencyKey(decisionID, actionType, targets, nil)
			return err1 == nil && err2 == nil && k1 == k2
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.SliceOf(gen.Identifier()),
	))

	properties.Property("reversed targets, same key", prop.ForAll(
		func(decisionID string, targets []string) bool {
			reversed := make([]string, len(targets))
			for i, s := range targets {
				reversed[len(targets)-1-i] = s
			}
			k1, err1 := execution.IdempotencyKey(decisionID, "act", targets, nil)
			k2, err2 := execution.IdempotencyKey(decisionID, "act", reversed, nil)
			return err1 == nil && err2 == nil && k1 == k2
		},
		gen.Identifier(),
		gen.SliceOf(gen.Identifier()),
	))

	properties.Property("distinct decision ids, distinct keys", prop.ForAll(
		func(a, b string) bool {
			if a == b {
				return true
			}
			k1, err1 := execution.IdempotencyKey(a, "act", nil, nil)
			k2, err2 := execution.IdempotencyKey(b, "act", nil, nil)
			return err1 == nil && err2 == nil && k1 != k2
		},
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}
