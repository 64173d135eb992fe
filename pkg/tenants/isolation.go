// Package tenants enforces the tenant isolation boundary. Every read of an
// execution intent re-validates that the caller's tenant matches the
// intent's stored tenant; a mismatch is a hard failure, never a silent
// filter, and every check produces a receipt for the audit trail.
package tenants

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/strataplane/warrant/pkg/audit"
	"github.com/strataplane/warrant/pkg/contracts"
)

var (
	// ErrTenantMismatch indicates a cross-tenant access attempt. Fatal
	// and non-recoverable within the current call.
	ErrTenantMismatch = errors.New("tenant mismatch")
	// ErrInvalidContext indicates a request context missing tenant or
	// actor identity.
	ErrInvalidContext = errors.New("invalid request context")
)

// IsolationReceipt proves a tenant boundary check happened and how it went.
type IsolationReceipt struct {
	ReceiptID     string    `json:"receipt_id"`
	TenantID      string    `json:"tenant_id"`
	ResourceID    string    `json:"resource_id"`
	OwnerTenantID string    `json:"owner_tenant_id"`
	Isolated      bool      `json:"isolated"`
	ContentHash   string    `json:"content_hash"`
	Timestamp     time.Time `json:"timestamp"`
}

// Guard performs tenant boundary checks.
type Guard struct {
	mu    sync.Mutex
	seq   int64
	audit audit.Logger
	clock func() time.Time
}

// NewGuard creates a guard recording violations to the given logger.
func NewGuard(logger audit.Logger) *Guard {
	if logger == nil {
		logger = audit.Nop{}
	}
	return &Guard{audit: logger, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (g *Guard) WithClock(clock func() time.Time) *Guard {
	g.clock = clock
	return g
}

// CheckIntentAccess verifies the caller's tenant owns the intent. Returns
// ErrTenantMismatch (with a receipt) on violation.
func (g *Guard) CheckIntentAccess(rc contracts.RequestContext, intent *contracts.ExecutionIntent) (*IsolationReceipt, error) {
	receipt := g.receipt(rc.TenantID, intent.IntentID, intent.TenantID)
	if !receipt.Isolated {
		g.audit.Record(rc, audit.EventIsolation, "cross_tenant_intent_access", intent.IntentID, map[string]any{
			"owner_tenant_id": intent.TenantID,
			"receipt_id":      receipt.ReceiptID,
		})
		return receipt, fmt.Errorf("%w: intent %s belongs to another tenant", ErrTenantMismatch, intent.IntentID)
	}
	return receipt, nil
}

func (g *Guard) receipt(callerTenant, resourceID, ownerTenant string) *IsolationReceipt {
	g.mu.Lock()
	g.seq++
	seq := g.seq
	g.mu.Unlock()

	r := &IsolationReceipt{
		ReceiptID:     fmt.Sprintf("iso-%d", seq),
		TenantID:      callerTenant,
		ResourceID:    resourceID,
		OwnerTenantID: ownerTenant,
		Isolated:      callerTenant == ownerTenant,
		Timestamp:     g.clock(),
	}
	hashInput := fmt.Sprintf("%s:%s:%s:%t", r.TenantID, r.ResourceID, r.OwnerTenantID, r.Isolated)
	h := sha256.Sum256([]byte(hashInput))
	r.ContentHash = "sha256:" + hex.EncodeToString(h[:])
	return r
}
