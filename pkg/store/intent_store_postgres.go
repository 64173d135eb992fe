package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/strataplane/warrant/pkg/contracts"

	_ "github.com/lib/pq"
)

// PostgresIntentStore is a transactional IntentStore backed by Postgres.
// Same optimistic check-and-set transition semantics as the SQLite store.
type PostgresIntentStore struct {
	db *sql.DB
}

// NewPostgresIntentStore creates the store and applies migrations.
func NewPostgresIntentStore(db *sql.DB) (*PostgresIntentStore, error) {
	s := &PostgresIntentStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresIntentStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS execution_intents (
		intent_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		decision_id TEXT NOT NULL,
		action_type TEXT NOT NULL,
		target_entities JSONB NOT NULL,
		parameters JSONB,
		idempotency_key TEXT NOT NULL,
		requested_by TEXT NOT NULL,
		authority_snapshot_id TEXT,
		target_scenario_id TEXT,
		status TEXT NOT NULL,
		status_history JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE(tenant_id, idempotency_key)
	);

	CREATE TABLE IF NOT EXISTS execution_attempts (
		attempt_id TEXT PRIMARY KEY,
		intent_id TEXT NOT NULL,
		mode TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ NOT NULL,
		result JSONB NOT NULL,
		authority_proof JSONB,
		session_id TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_attempts_intent ON execution_attempts(intent_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *PostgresIntentStore) CreateIntent(ctx context.Context, intent *contracts.ExecutionIntent) error {
	targetsJSON, _ := json.Marshal(intent.TargetEntities)
	paramsJSON, _ := json.Marshal(intent.Parameters)
	historyJSON, _ := json.Marshal(intent.StatusHistory)

	_, err := s.db.ExecContext(ctx, `INSERT INTO execution_intents (
		intent_id, tenant_id, decision_id, action_type, target_entities, parameters,
		idempotency_key, requested_by, authority_snapshot_id, target_scenario_id,
		status, status_history, created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		intent.IntentID, intent.TenantID, intent.DecisionID, intent.ActionType,
		string(targetsJSON), string(paramsJSON), intent.IdempotencyKey, intent.RequestedBy,
		intent.AuthoritySnapshotID, intent.TargetScenarioID, string(intent.Status),
		string(historyJSON), intent.CreatedAt, intent.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert intent: %w", err)
	}
	return nil
}

const pgIntentSelect = `SELECT intent_id, tenant_id, decision_id, action_type, target_entities,
	parameters, idempotency_key, requested_by, authority_snapshot_id, target_scenario_id,
	status, status_history, created_at, updated_at
	FROM execution_intents`

func (s *PostgresIntentStore) GetIntent(ctx context.Context, intentID string) (*contracts.ExecutionIntent, error) {
	row := s.db.QueryRowContext(ctx, pgIntentSelect+` WHERE intent_id = $1`, intentID)
	in, err := scanPgIntent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return in, err
}

func (s *PostgresIntentStore) FindByIdempotencyKey(ctx context.Context, tenantID, key string) (*contracts.ExecutionIntent, error) {
	row := s.db.QueryRowContext(ctx, pgIntentSelect+` WHERE tenant_id = $1 AND idempotency_key = $2`, tenantID, key)
	in, err := scanPgIntent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return in, err
}

func (s *PostgresIntentStore) TransitionStatus(ctx context.Context, intentID string, change contracts.StatusChange) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var historyJSON string
	err = tx.QueryRowContext(ctx, `SELECT status_history FROM execution_intents WHERE intent_id = $1 AND status = $2 FOR UPDATE`,
		intentID, string(change.From)).Scan(&historyJSON)
	if err == sql.ErrNoRows {
		// Either the intent is missing or its status moved under us.
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM execution_intents WHERE intent_id = $1`, intentID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrStaleStatus
	}
	if err != nil {
		return err
	}

	var history []contracts.StatusChange
	_ = json.Unmarshal([]byte(historyJSON), &history)
	history = append(history, change)
	newHistoryJSON, _ := json.Marshal(history)

	res, err := tx.ExecContext(ctx, `UPDATE execution_intents
		SET status = $1, status_history = $2, updated_at = $3
		WHERE intent_id = $4 AND status = $5`,
		string(change.To), string(newHistoryJSON), change.At,
		intentID, string(change.From),
	)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrStaleStatus
	}
	return tx.Commit()
}

func (s *PostgresIntentStore) AppendAttempt(ctx context.Context, attempt *contracts.ExecutionAttempt) error {
	resultJSON, _ := json.Marshal(attempt.Result)
	proofJSON, _ := json.Marshal(attempt.Proof)

	_, err := s.db.ExecContext(ctx, `INSERT INTO execution_attempts (
		attempt_id, intent_id, mode, started_at, completed_at, result, authority_proof, session_id
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		attempt.AttemptID, attempt.IntentID, string(attempt.Mode),
		attempt.StartedAt, attempt.CompletedAt,
		string(resultJSON), string(proofJSON), attempt.SessionID,
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

func (s *PostgresIntentStore) ListAttempts(ctx context.Context, intentID string) ([]*contracts.ExecutionAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT attempt_id, intent_id, mode, started_at,
		completed_at, result, authority_proof, session_id
		FROM execution_attempts WHERE intent_id = $1 ORDER BY started_at`, intentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var attempts []*contracts.ExecutionAttempt
	for rows.Next() {
		var a contracts.ExecutionAttempt
		var mode, resultJSON string
		var proofJSON, sessionID sql.NullString
		if err := rows.Scan(&a.AttemptID, &a.IntentID, &mode, &a.StartedAt, &a.CompletedAt, &resultJSON, &proofJSON, &sessionID); err != nil {
			return nil, err
		}
		a.Mode = contracts.AttemptMode(mode)
		a.SessionID = sessionID.String
		_ = json.Unmarshal([]byte(resultJSON), &a.Result)
		if proofJSON.Valid && proofJSON.String != "" && proofJSON.String != "null" {
			a.Proof = &contracts.AuthorityProof{}
			_ = json.Unmarshal([]byte(proofJSON.String), a.Proof)
		}
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}

func scanPgIntent(row rowScanner) (*contracts.ExecutionIntent, error) {
	var in contracts.ExecutionIntent
	var targetsJSON, historyJSON, status string
	var paramsJSON, snapshotID, scenarioID sql.NullString

	err := row.Scan(&in.IntentID, &in.TenantID, &in.DecisionID, &in.ActionType,
		&targetsJSON, &paramsJSON, &in.IdempotencyKey, &in.RequestedBy,
		&snapshotID, &scenarioID, &status, &historyJSON, &in.CreatedAt, &in.UpdatedAt)
	if err != nil {
		return nil, err
	}

	in.Status = contracts.IntentStatus(status)
	in.AuthoritySnapshotID = snapshotID.String
	in.TargetScenarioID = scenarioID.String
	_ = json.Unmarshal([]byte(targetsJSON), &in.TargetEntities)
	_ = json.Unmarshal([]byte(historyJSON), &in.StatusHistory)
	if paramsJSON.Valid && paramsJSON.String != "" && paramsJSON.String != "null" {
		_ = json.Unmarshal([]byte(paramsJSON.String), &in.Parameters)
	}
	return &in, nil
}
