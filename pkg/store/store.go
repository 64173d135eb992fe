// Package store defines the injected persistence abstraction behind the
// authority ledger and the execution engine. All collections are logically
// append-only and keyed by generated unique ids; the only in-place update
// anywhere is the guarded status transition on execution intents.
//
// Implementations: an in-memory store for tests and single-process use, a
// SQLite store, and a Postgres store. Every append runs inside one write
// transaction so concurrent revocations of the same grant cannot produce
// inconsistent reads.
package store

import (
	"context"
	"errors"

	"github.com/strataplane/warrant/pkg/contracts"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate indicates an append collided with an existing id.
	ErrDuplicate = errors.New("record already exists")
	// ErrStaleStatus indicates a status CAS lost: the intent's current
	// status no longer matches the expected one. Losing racers observe
	// this error; they never silently double-apply.
	ErrStaleStatus = errors.New("stale intent status")
)

// LedgerStore persists the append-only authority ledger. Grants and
// revocations are never mutated after creation; each append carries its
// change event inside the same transaction.
type LedgerStore interface {
	AppendGrant(ctx context.Context, grant *contracts.AuthorityGrant, event *contracts.ChangeEvent) error
	AppendRevocation(ctx context.Context, rev *contracts.AuthorityRevocation, event *contracts.ChangeEvent) error

	GetGrant(ctx context.Context, grantID string) (*contracts.AuthorityGrant, error)
	// ListGrants returns every grant for a tenant in append order.
	// Temporal filtering is the lifecycle manager's job, not the store's:
	// time-travel queries need the full ledger.
	ListGrants(ctx context.Context, tenantID string) ([]*contracts.AuthorityGrant, error)
	ListRevocations(ctx context.Context, grantID string) ([]*contracts.AuthorityRevocation, error)

	ListEvents(ctx context.Context, referenceID string) ([]*contracts.ChangeEvent, error)
	ListEventsByActor(ctx context.Context, actorID string) ([]*contracts.ChangeEvent, error)
}

// IntentStore persists execution intents and their attempts.
type IntentStore interface {
	// CreateIntent appends a new intent. Returns ErrDuplicate on id reuse.
	CreateIntent(ctx context.Context, intent *contracts.ExecutionIntent) error
	GetIntent(ctx context.Context, intentID string) (*contracts.ExecutionIntent, error)
	// FindByIdempotencyKey returns the existing intent for a key, or
	// ErrNotFound. Keys are scoped per tenant.
	FindByIdempotencyKey(ctx context.Context, tenantID, key string) (*contracts.ExecutionIntent, error)

	// TransitionStatus performs an optimistic check-and-set: the update
	// applies only if the stored status equals change.From, otherwise
	// ErrStaleStatus. The change is appended to the intent's history.
	TransitionStatus(ctx context.Context, intentID string, change contracts.StatusChange) error

	AppendAttempt(ctx context.Context, attempt *contracts.ExecutionAttempt) error
	ListAttempts(ctx context.Context, intentID string) ([]*contracts.ExecutionAttempt, error)
}
