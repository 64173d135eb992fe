package tenants_test

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strataplane/warrant/pkg/audit"
	"github.com/strataplane/warrant/pkg/contracts"
	"github.com/strataplane/warrant/pkg/tenants"
)

var guardTime = time.Date(2025, 5, 20, 8, 0, 0, 0, time.UTC)

type recordingLogger struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	eventType audit.EventType
	action    string
	resource  string
	metadata  map[string]any
}

func (l *recordingLogger) Record(rc contracts.RequestContext, eventType audit.EventType, action, resource string, metadata map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, recordedEvent{eventType, action, resource, metadata})
}

func TestCheckIntentAccess_SameTenant(t *testing.T) {
	logger := &recordingLogger{}
	guard := tenants.NewGuard(logger).WithClock(func() time.Time { return guardTime })

	rc := contracts.RequestContext{TenantID: "t1", ActorID: "user-1"}
	intent := &contracts.ExecutionIntent{IntentID: "intent-1", TenantID: "t1"}

	receipt, err := guard.CheckIntentAccess(rc, intent)
	require.NoError(t, err)
	require.NotNil(t, receipt)

	assert.True(t, receipt.Isolated)
	assert.True(t, strings.HasPrefix(receipt.ReceiptID, "iso-"))
	assert.Equal(t, "t1", receipt.TenantID)
	assert.Equal(t, "intent-1", receipt.ResourceID)
	assert.Equal(t, "t1", receipt.OwnerTenantID)
	assert.True(t, strings.HasPrefix(receipt.ContentHash, "sha256:"))
	assert.Equal(t, guardTime, receipt.Timestamp)

	assert.Empty(t, logger.events, "clean access must not produce audit events")
}

func TestCheckIntentAccess_CrossTenant(t *testing.T) {
	logger := &recordingLogger{}
	guard := tenants.NewGuard(logger).WithClock(func() time.Time { return guardTime })

	rc := contracts.RequestContext{TenantID: "t2", ActorID: "user-9"}
	intent := &contracts.ExecutionIntent{IntentID: "intent-1", TenantID: "t1"}

	receipt, err := guard.CheckIntentAccess(rc, intent)
	require.ErrorIs(t, err, tenants.ErrTenantMismatch)
	require.NotNil(t, receipt, "violations still produce a receipt")
	assert.False(t, receipt.Isolated)
	assert.Equal(t, "t1", receipt.OwnerTenantID)

	require.Len(t, logger.events, 1)
	evt := logger.events[0]
	assert.Equal(t, audit.EventIsolation, evt.eventType)
	assert.Equal(t, "cross_tenant_intent_access", evt.action)
	assert.Equal(t, "intent-1", evt.resource)
	assert.Equal(t, "t1", evt.metadata["owner_tenant_id"])
	assert.Equal(t, receipt.ReceiptID, evt.metadata["receipt_id"])
}

func TestReceiptIDsAreSequential(t *testing.T) {
	guard := tenants.NewGuard(nil)
	rc := contracts.RequestContext{TenantID: "t1", ActorID: "user-1"}

	first, err := guard.CheckIntentAccess(rc, &contracts.ExecutionIntent{IntentID: "intent-a", TenantID: "t1"})
	require.NoError(t, err)
	second, err := guard.CheckIntentAccess(rc, &contracts.ExecutionIntent{IntentID: "intent-b", TenantID: "t1"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ReceiptID, second.ReceiptID)
}

func TestNewRequestContext(t *testing.T) {
	rc, err := tenants.NewRequestContext("t1", "user-1", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "t1", rc.TenantID)
	assert.Equal(t, "user-1", rc.ActorID)
	assert.Equal(t, "sess-1", rc.SessionID)

	_, err = tenants.NewRequestContext("", "user-1", "")
	assert.ErrorIs(t, err, tenants.ErrInvalidContext)

	_, err = tenants.NewRequestContext("t1", "", "")
	assert.ErrorIs(t, err, tenants.ErrInvalidContext)

	// Session is optional.
	_, err = tenants.NewRequestContext("t1", "user-1", "")
	assert.NoError(t, err)
}

func TestStaticProvider(t *testing.T) {
	provider := tenants.StaticProvider{
		Context: contracts.RequestContext{TenantID: "t1", ActorID: "svc-1"},
	}
	rc, err := provider.Current(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "svc-1", rc.ActorID)

	empty := tenants.StaticProvider{}
	_, err = empty.Current(t.Context())
	assert.ErrorIs(t, err, tenants.ErrInvalidContext)
}
