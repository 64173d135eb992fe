package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/strataplane/warrant/pkg/contracts"

	_ "github.com/lib/pq"
)

// PostgresLedgerStore is the production LedgerStore. Schema is the same
// shape as the SQLite store; timestamps use native timestamptz.
type PostgresLedgerStore struct {
	db *sql.DB
}

// NewPostgresLedgerStore creates the store and applies migrations.
func NewPostgresLedgerStore(db *sql.DB) (*PostgresLedgerStore, error) {
	s := &PostgresLedgerStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresLedgerStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS authority_grants (
		grant_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		from_node_id TEXT NOT NULL,
		to_node_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		intent TEXT NOT NULL,
		scope JSONB,
		constraints JSONB,
		granted_by TEXT NOT NULL,
		granted_at TEXT NOT NULL,
		valid_from TEXT NOT NULL,
		valid_until TEXT,
		is_emergency INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_grants_tenant ON authority_grants(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_grants_to_node ON authority_grants(to_node_id);

	CREATE TABLE IF NOT EXISTS authority_revocations (
		revocation_id TEXT PRIMARY KEY,
		grant_id TEXT NOT NULL,
		reason TEXT,
		revoked_by TEXT NOT NULL,
		revoked_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_revocations_grant ON authority_revocations(grant_id);

	CREATE TABLE IF NOT EXISTS change_events (
		event_id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		reference_id TEXT NOT NULL,
		occurred_at TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		metadata JSONB
	);
	CREATE INDEX IF NOT EXISTS idx_events_reference ON change_events(reference_id);
	CREATE INDEX IF NOT EXISTS idx_events_actor ON change_events(actor_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *PostgresLedgerStore) AppendGrant(ctx context.Context, grant *contracts.AuthorityGrant, event *contracts.ChangeEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin grant tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	scopeJSON, _ := json.Marshal(grant.Scope)
	constraintsJSON, _ := json.Marshal(grant.Constraints)

	_, err = tx.ExecContext(ctx, `INSERT INTO authority_grants (
		grant_id, tenant_id, from_node_id, to_node_id, kind, intent, scope, constraints,
		granted_by, granted_at, valid_from, valid_until, is_emergency
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		grant.GrantID, grant.TenantID, grant.FromNodeID, grant.ToNodeID, string(grant.Kind),
		string(grant.Intent), string(scopeJSON), string(constraintsJSON), grant.GrantedBy,
		formatTime(grant.GrantedAt), formatTime(grant.ValidFrom), formatTimePtr(grant.ValidUntil),
		boolToInt(grant.IsEmergency),
	)
	if err != nil {
		return fmt.Errorf("insert grant: %w", err)
	}
	if err := s.insertEvent(ctx, tx, event); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresLedgerStore) AppendRevocation(ctx context.Context, rev *contracts.AuthorityRevocation, event *contracts.ChangeEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin revocation tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM authority_grants WHERE grant_id = $1`, rev.GrantID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO authority_revocations (
		revocation_id, grant_id, reason, revoked_by, revoked_at
	) VALUES ($1, $2, $3, $4, $5)`,
		rev.RevocationID, rev.GrantID, rev.Reason, rev.RevokedBy, formatTime(rev.RevokedAt),
	)
	if err != nil {
		return fmt.Errorf("insert revocation: %w", err)
	}
	if err := s.insertEvent(ctx, tx, event); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresLedgerStore) insertEvent(ctx context.Context, tx *sql.Tx, event *contracts.ChangeEvent) error {
	if event == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(event.Metadata)
	_, err := tx.ExecContext(ctx, `INSERT INTO change_events (
		event_id, event_type, reference_id, occurred_at, actor_id, metadata
	) VALUES ($1, $2, $3, $4, $5, $6)`,
		event.EventID, string(event.EventType), event.ReferenceID,
		formatTime(event.OccurredAt), event.ActorID, string(metaJSON),
	)
	if err != nil {
		return fmt.Errorf("insert change event: %w", err)
	}
	return nil
}

func (s *PostgresLedgerStore) GetGrant(ctx context.Context, grantID string) (*contracts.AuthorityGrant, error) {
	row := s.db.QueryRowContext(ctx, grantSelect+` WHERE grant_id = $1`, grantID)
	g, err := scanGrant(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return g, err
}

func (s *PostgresLedgerStore) ListGrants(ctx context.Context, tenantID string) ([]*contracts.AuthorityGrant, error) {
	query := grantSelect + ` WHERE tenant_id = $1 OR $1 = '' ORDER BY granted_at, grant_id`
	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var grants []*contracts.AuthorityGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

func (s *PostgresLedgerStore) ListRevocations(ctx context.Context, grantID string) ([]*contracts.AuthorityRevocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT revocation_id, grant_id, reason, revoked_by, revoked_at
		FROM authority_revocations WHERE grant_id = $1 ORDER BY revoked_at`, grantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var revs []*contracts.AuthorityRevocation
	for rows.Next() {
		var r contracts.AuthorityRevocation
		var revokedAt string
		if err := rows.Scan(&r.RevocationID, &r.GrantID, &r.Reason, &r.RevokedBy, &revokedAt); err != nil {
			return nil, err
		}
		r.RevokedAt = parseTime(revokedAt)
		revs = append(revs, &r)
	}
	return revs, rows.Err()
}

func (s *PostgresLedgerStore) ListEvents(ctx context.Context, referenceID string) ([]*contracts.ChangeEvent, error) {
	return s.queryEvents(ctx, `SELECT event_id, event_type, reference_id, occurred_at, actor_id, metadata
		FROM change_events WHERE reference_id = $1 OR $1 = '' ORDER BY occurred_at`, referenceID)
}

func (s *PostgresLedgerStore) ListEventsByActor(ctx context.Context, actorID string) ([]*contracts.ChangeEvent, error) {
	return s.queryEvents(ctx, `SELECT event_id, event_type, reference_id, occurred_at, actor_id, metadata
		FROM change_events WHERE actor_id = $1 ORDER BY occurred_at`, actorID)
}

func (s *PostgresLedgerStore) queryEvents(ctx context.Context, query string, args ...any) ([]*contracts.ChangeEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []*contracts.ChangeEvent
	for rows.Next() {
		var e contracts.ChangeEvent
		var eventType, occurredAt string
		var metaJSON sql.NullString
		if err := rows.Scan(&e.EventID, &eventType, &e.ReferenceID, &occurredAt, &e.ActorID, &metaJSON); err != nil {
			return nil, err
		}
		e.EventType = contracts.ChangeEventType(eventType)
		e.OccurredAt = parseTime(occurredAt)
		if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
			_ = json.Unmarshal([]byte(metaJSON.String), &e.Metadata)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}
