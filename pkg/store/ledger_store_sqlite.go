package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/strataplane/warrant/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteLedgerStore is a transactional LedgerStore backed by SQLite.
// Each append (grant or revocation plus its change event) runs inside one
// write transaction.
type SQLiteLedgerStore struct {
	db *sql.DB
}

// NewSQLiteLedgerStore creates the store and applies migrations.
func NewSQLiteLedgerStore(db *sql.DB) (*SQLiteLedgerStore, error) {
	s := &SQLiteLedgerStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteLedgerStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS authority_grants (
		grant_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		from_node_id TEXT NOT NULL,
		to_node_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		intent TEXT NOT NULL,
		scope JSON,
		constraints JSON,
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
		metadata JSON
	);
	CREATE INDEX IF NOT EXISTS idx_events_reference ON change_events(reference_id);
	CREATE INDEX IF NOT EXISTS idx_events_actor ON change_events(actor_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteLedgerStore) AppendGrant(ctx context.Context, grant *contracts.AuthorityGrant, event *contracts.ChangeEvent) error {
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
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		grant.GrantID, grant.TenantID, grant.FromNodeID, grant.ToNodeID, string(grant.Kind),
		string(grant.Intent), string(scopeJSON), string(constraintsJSON), grant.GrantedBy,
		formatTime(grant.GrantedAt), formatTime(grant.ValidFrom), formatTimePtr(grant.ValidUntil),
		boolToInt(grant.IsEmergency),
	)
	if err != nil {
		return fmt.Errorf("insert grant: %w", err)
	}
	if err := insertEvent(ctx, tx, event); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteLedgerStore) AppendRevocation(ctx context.Context, rev *contracts.AuthorityRevocation, event *contracts.ChangeEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin revocation tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM authority_grants WHERE grant_id = ?`, rev.GrantID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO authority_revocations (
		revocation_id, grant_id, reason, revoked_by, revoked_at
	) VALUES (?, ?, ?, ?, ?)`,
		rev.RevocationID, rev.GrantID, rev.Reason, rev.RevokedBy, formatTime(rev.RevokedAt),
	)
	if err != nil {
		return fmt.Errorf("insert revocation: %w", err)
	}
	if err := insertEvent(ctx, tx, event); err != nil {
		return err
	}
	return tx.Commit()
}

func insertEvent(ctx context.Context, tx *sql.Tx, event *contracts.ChangeEvent) error {
	if event == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(event.Metadata)
	_, err := tx.ExecContext(ctx, `INSERT INTO change_events (
		event_id, event_type, reference_id, occurred_at, actor_id, metadata
	) VALUES (?, ?, ?, ?, ?, ?)`,
		event.EventID, string(event.EventType), event.ReferenceID,
		formatTime(event.OccurredAt), event.ActorID, string(metaJSON),
	)
	if err != nil {
		return fmt.Errorf("insert change event: %w", err)
	}
	return nil
}

func (s *SQLiteLedgerStore) GetGrant(ctx context.Context, grantID string) (*contracts.AuthorityGrant, error) {
	row := s.db.QueryRowContext(ctx, grantSelect+` WHERE grant_id = ?`, grantID)
	g, err := scanGrant(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return g, err
}

func (s *SQLiteLedgerStore) ListGrants(ctx context.Context, tenantID string) ([]*contracts.AuthorityGrant, error) {
	query := grantSelect + ` WHERE tenant_id = ? OR ? = '' ORDER BY granted_at, grant_id`
	rows, err := s.db.QueryContext(ctx, query, tenantID, tenantID)
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

func (s *SQLiteLedgerStore) ListRevocations(ctx context.Context, grantID string) ([]*contracts.AuthorityRevocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT revocation_id, grant_id, reason, revoked_by, revoked_at
		FROM authority_revocations WHERE grant_id = ? ORDER BY revoked_at`, grantID)
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

func (s *SQLiteLedgerStore) ListEvents(ctx context.Context, referenceID string) ([]*contracts.ChangeEvent, error) {
	return s.queryEvents(ctx, `SELECT event_id, event_type, reference_id, occurred_at, actor_id, metadata
		FROM change_events WHERE reference_id = ? OR ? = '' ORDER BY occurred_at`, referenceID, referenceID)
}

func (s *SQLiteLedgerStore) ListEventsByActor(ctx context.Context, actorID string) ([]*contracts.ChangeEvent, error) {
	return s.queryEvents(ctx, `SELECT event_id, event_type, reference_id, occurred_at, actor_id, metadata
		FROM change_events WHERE actor_id = ? ORDER BY occurred_at`, actorID)
}

func (s *SQLiteLedgerStore) queryEvents(ctx context.Context, query string, args ...any) ([]*contracts.ChangeEvent, error) {
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

const grantSelect = `SELECT grant_id, tenant_id, from_node_id, to_node_id, kind, intent,
	scope, constraints, granted_by, granted_at, valid_from, valid_until, is_emergency
	FROM authority_grants`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrant(row rowScanner) (*contracts.AuthorityGrant, error) {
	var g contracts.AuthorityGrant
	var kind, intent, grantedAt, validFrom string
	var scopeJSON, constraintsJSON, validUntil sql.NullString
	var isEmergency int

	err := row.Scan(&g.GrantID, &g.TenantID, &g.FromNodeID, &g.ToNodeID, &kind, &intent,
		&scopeJSON, &constraintsJSON, &g.GrantedBy, &grantedAt, &validFrom, &validUntil, &isEmergency)
	if err != nil {
		return nil, err
	}

	g.Kind = contracts.EdgeKind(kind)
	g.Intent = contracts.IntentType(intent)
	g.GrantedAt = parseTime(grantedAt)
	g.ValidFrom = parseTime(validFrom)
	g.IsEmergency = isEmergency != 0
	if validUntil.Valid && validUntil.String != "" {
		t := parseTime(validUntil.String)
		g.ValidUntil = &t
	}
	if scopeJSON.Valid && scopeJSON.String != "" && scopeJSON.String != "null" {
		g.Scope = &contracts.Scope{}
		_ = json.Unmarshal([]byte(scopeJSON.String), g.Scope)
	}
	if constraintsJSON.Valid && constraintsJSON.String != "" && constraintsJSON.String != "null" {
		g.Constraints = &contracts.Constraints{}
		_ = json.Unmarshal([]byte(constraintsJSON.String), g.Constraints)
	}
	return &g, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
