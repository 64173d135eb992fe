package store

import (
	"context"
	"sync"

	"github.com/strataplane/warrant/pkg/contracts"
)

// MemoryLedgerStore is the in-memory LedgerStore used by tests and
// single-process deployments. Safe for concurrent readers with a
// serialized writer.
type MemoryLedgerStore struct {
	mu          sync.RWMutex
	grants      []*contracts.AuthorityGrant
	grantsByID  map[string]*contracts.AuthorityGrant
	revocations map[string][]*contracts.AuthorityRevocation // grantID → revocations
	events      []*contracts.ChangeEvent
}

// NewMemoryLedgerStore creates an empty in-memory ledger store.
func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{
		grantsByID:  make(map[string]*contracts.AuthorityGrant),
		revocations: make(map[string][]*contracts.AuthorityRevocation),
	}
}

func (s *MemoryLedgerStore) AppendGrant(ctx context.Context, grant *contracts.AuthorityGrant, event *contracts.ChangeEvent) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.grantsByID[grant.GrantID]; exists {
		return ErrDuplicate
	}
	g := *grant
	s.grants = append(s.grants, &g)
	s.grantsByID[g.GrantID] = &g
	if event != nil {
		e := *event
		s.events = append(s.events, &e)
	}
	return nil
}

func (s *MemoryLedgerStore) AppendRevocation(ctx context.Context, rev *contracts.AuthorityRevocation, event *contracts.ChangeEvent) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.grantsByID[rev.GrantID]; !exists {
		return ErrNotFound
	}
	r := *rev
	s.revocations[r.GrantID] = append(s.revocations[r.GrantID], &r)
	if event != nil {
		e := *event
		s.events = append(s.events, &e)
	}
	return nil
}

func (s *MemoryLedgerStore) GetGrant(ctx context.Context, grantID string) (*contracts.AuthorityGrant, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.grantsByID[grantID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *g
	return &out, nil
}

func (s *MemoryLedgerStore) ListGrants(ctx context.Context, tenantID string) ([]*contracts.AuthorityGrant, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*contracts.AuthorityGrant
	for _, g := range s.grants {
		if tenantID != "" && g.TenantID != tenantID {
			continue
		}
		c := *g
		out = append(out, &c)
	}
	return out, nil
}

func (s *MemoryLedgerStore) ListRevocations(ctx context.Context, grantID string) ([]*contracts.AuthorityRevocation, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*contracts.AuthorityRevocation
	for _, r := range s.revocations[grantID] {
		c := *r
		out = append(out, &c)
	}
	return out, nil
}

func (s *MemoryLedgerStore) ListEvents(ctx context.Context, referenceID string) ([]*contracts.ChangeEvent, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*contracts.ChangeEvent
	for _, e := range s.events {
		if referenceID == "" || e.ReferenceID == referenceID {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *MemoryLedgerStore) ListEventsByActor(ctx context.Context, actorID string) ([]*contracts.ChangeEvent, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*contracts.ChangeEvent
	for _, e := range s.events {
		if e.ActorID == actorID {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

// MemoryIntentStore is the in-memory IntentStore.
type MemoryIntentStore struct {
	mu       sync.RWMutex
	intents  map[string]*contracts.ExecutionIntent
	byKey    map[string]string // tenantID+"\x00"+idempotencyKey → intentID
	attempts map[string][]*contracts.ExecutionAttempt
}

// NewMemoryIntentStore creates an empty in-memory intent store.
func NewMemoryIntentStore() *MemoryIntentStore {
	return &MemoryIntentStore{
		intents:  make(map[string]*contracts.ExecutionIntent),
		byKey:    make(map[string]string),
		attempts: make(map[string][]*contracts.ExecutionAttempt),
	}
}

func intentKeyIndex(tenantID, key string) string {
	return tenantID + "\x00" + key
}

func (s *MemoryIntentStore) CreateIntent(ctx context.Context, intent *contracts.ExecutionIntent) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.intents[intent.IntentID]; exists {
		return ErrDuplicate
	}
	c := cloneIntent(intent)
	s.intents[c.IntentID] = c
	s.byKey[intentKeyIndex(c.TenantID, c.IdempotencyKey)] = c.IntentID
	return nil
}

func (s *MemoryIntentStore) GetIntent(ctx context.Context, intentID string) (*contracts.ExecutionIntent, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, ok := s.intents[intentID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneIntent(in), nil
}

func (s *MemoryIntentStore) FindByIdempotencyKey(ctx context.Context, tenantID, key string) (*contracts.ExecutionIntent, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byKey[intentKeyIndex(tenantID, key)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneIntent(s.intents[id]), nil
}

func (s *MemoryIntentStore) TransitionStatus(ctx context.Context, intentID string, change contracts.StatusChange) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.intents[intentID]
	if !ok {
		return ErrNotFound
	}
	if in.Status != change.From {
		return ErrStaleStatus
	}
	in.Status = change.To
	in.StatusHistory = append(in.StatusHistory, change)
	in.UpdatedAt = change.At
	return nil
}

func (s *MemoryIntentStore) AppendAttempt(ctx context.Context, attempt *contracts.ExecutionAttempt) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.intents[attempt.IntentID]; !ok {
		return ErrNotFound
	}
	c := *attempt
	s.attempts[attempt.IntentID] = append(s.attempts[attempt.IntentID], &c)
	return nil
}

func (s *MemoryIntentStore) ListAttempts(ctx context.Context, intentID string) ([]*contracts.ExecutionAttempt, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*contracts.ExecutionAttempt
	for _, a := range s.attempts[intentID] {
		c := *a
		out = append(out, &c)
	}
	return out, nil
}

func cloneIntent(in *contracts.ExecutionIntent) *contracts.ExecutionIntent {
	c := *in
	c.TargetEntities = append([]string(nil), in.TargetEntities...)
	c.StatusHistory = append([]contracts.StatusChange(nil), in.StatusHistory...)
	if in.Parameters != nil {
		c.Parameters = make(map[string]any, len(in.Parameters))
		for k, v := range in.Parameters {
			c.Parameters[k] = v
		}
	}
	return &c
}
