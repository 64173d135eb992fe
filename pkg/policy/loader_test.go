package policy_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/strataplane/warrant/pkg/contracts"
	"github.com/strataplane/warrant/pkg/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validBundle = `
version: "1"
name: production-guardrails
policies:
  - policy_id: cost-ceiling
    description: Block anything over budget
    severity: BLOCKING
    applies_to_intent_types: [scale_service]
    scope:
      tenant_id: t1
    conditions:
      - type: MAX_COST
        limit: 500
        message: over budget
  - policy_id: business-hours
    severity: WARNING
    scope:
      tenant_id: t1
      regions: [us-east]
    conditions:
      - type: TIME_WINDOW
        window:
          start_hour: 9
          end_hour: 17
          days: [1, 2, 3, 4, 5]
`

func writeBundle(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func newLoader(t *testing.T, dir string) (*policy.Loader, *policy.Evaluator) {
	t.Helper()
	e, err := policy.NewEvaluator()
	require.NoError(t, err)
	l, err := policy.NewLoader(dir, e)
	require.NoError(t, err)
	return l, e
}

// TestLoadFile verifies a valid bundle registers its policies on the
// evaluator and is retrievable by name.
func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := writeBundle(t, dir, "guardrails.yaml", validBundle)
	l, e := newLoader(t, dir)

	require.NoError(t, l.LoadFile(path))

	bundle, ok := l.Bundle("production-guardrails")
	require.True(t, ok)
	assert.Equal(t, "1", bundle.Version)
	assert.Len(t, bundle.Policies, 2)
	assert.Len(t, e.Policies(), 2)

	// The loaded window decodes into weekdays.
	var hours *contracts.PolicyDefinition
	for _, p := range e.Policies() {
		if p.PolicyID == "business-hours" {
			hours = p
		}
	}
	require.NotNil(t, hours)
	require.NotNil(t, hours.Conditions[0].Window)
	assert.Contains(t, hours.Conditions[0].Window.Days, time.Monday)
}

// TestLoadAll verifies directory loading picks up .yaml and .yml files
// and skips everything else.
func TestLoadAll(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, "a.yaml", validBundle)
	writeBundle(t, dir, "notes.txt", "not a bundle")
	l, e := newLoader(t, dir)

	require.NoError(t, l.LoadAll())

	assert.Len(t, e.Policies(), 2)
}

// TestLoadFile_SchemaRejection verifies malformed bundles fail validation
// before any policy registers.
func TestLoadFile_SchemaRejection(t *testing.T) {
	dir := t.TempDir()
	l, e := newLoader(t, dir)

	cases := map[string]string{
		"missing-name.yaml": `
version: "1"
policies: []
`,
		"bad-severity.yaml": `
version: "1"
name: b
policies:
  - policy_id: p1
    severity: FATAL
    scope: {tenant_id: t1}
    conditions: []
`,
		"bad-condition-type.yaml": `
version: "1"
name: c
policies:
  - policy_id: p1
    severity: INFO
    scope: {tenant_id: t1}
    conditions:
      - type: ROCKET_LAUNCH
`,
	}
	for name, body := range cases {
		path := writeBundle(t, dir, name, body)
		assert.Error(t, l.LoadFile(path), "bundle %s", name)
	}
	assert.Empty(t, e.Policies())
}

// TestOnReload verifies the reload callback fires with the loaded bundle.
func TestOnReload(t *testing.T) {
	dir := t.TempDir()
	path := writeBundle(t, dir, "guardrails.yaml", validBundle)
	l, _ := newLoader(t, dir)

	var reloaded *policy.Bundle
	l.OnReload(func(b *policy.Bundle) { reloaded = b })

	require.NoError(t, l.LoadFile(path))

	require.NotNil(t, reloaded)
	assert.Equal(t, "production-guardrails", reloaded.Name)
}
