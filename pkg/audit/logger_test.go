package audit_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strataplane/warrant/pkg/audit"
	"github.com/strataplane/warrant/pkg/contracts"
)

func TestRecordWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf)

	rc := contracts.RequestContext{TenantID: "t1", ActorID: "user-1", SessionID: "sess-7"}
	logger.Record(rc, audit.EventGrant, "grant_authority", "grant-1", map[string]any{
		"to_node_id": "role-operator",
	})
	logger.Record(rc, audit.EventDenial, "evaluate", "scenario-a", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	for _, line := range lines {
		assert.True(t, strings.HasPrefix(line, "AUDIT: "))
	}

	var first audit.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[0], "AUDIT: ")), &first))
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, "t1", first.TenantID)
	assert.Equal(t, "user-1", first.ActorID)
	assert.Equal(t, "sess-7", first.SessionID)
	assert.Equal(t, audit.EventGrant, first.Type)
	assert.Equal(t, "grant_authority", first.Action)
	assert.Equal(t, "grant-1", first.Resource)
	assert.False(t, first.Timestamp.IsZero())
	assert.Equal(t, "role-operator", first.Metadata["to_node_id"])

	var second audit.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "AUDIT: ")), &second))
	assert.Equal(t, audit.EventDenial, second.Type)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestRecordOmitsEmptySession(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf)

	logger.Record(contracts.RequestContext{TenantID: "t1", ActorID: "user-1"}, audit.EventRevoke, "revoke_authority", "rev-1", nil)

	assert.NotContains(t, buf.String(), "session_id")
	assert.NotContains(t, buf.String(), "metadata")
}

func TestNilWriterFallsBackToStdout(t *testing.T) {
	// Must not panic on record.
	logger := audit.NewLoggerWithWriter(nil)
	assert.NotPanics(t, func() {
		logger.Record(contracts.RequestContext{TenantID: "t1", ActorID: "a"}, audit.EventTransition, "transition", "intent-1", nil)
	})
}

func TestNopDiscards(t *testing.T) {
	assert.NotPanics(t, func() {
		audit.Nop{}.Record(contracts.RequestContext{}, audit.EventExecution, "execute", "intent-1", map[string]any{"mode": "REAL_RUN"})
	})
}
