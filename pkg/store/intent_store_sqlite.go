package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/strataplane/warrant/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteIntentStore is a transactional IntentStore backed by SQLite.
// Status transitions are an optimistic check-and-set on the stored status
// column, so two racing transitions cannot both apply.
type SQLiteIntentStore struct {
	db *sql.DB
}

// NewSQLiteIntentStore creates the store and applies migrations.
func NewSQLiteIntentStore(db *sql.DB) (*SQLiteIntentStore, error) {
	s := &SQLiteIntentStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteIntentStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS execution_intents (
		intent_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		decision_id TEXT NOT NULL,
		action_type TEXT NOT NULL,
		target_entities JSON NOT NULL,
		parameters JSON,
		idempotency_key TEXT NOT NULL,
		requested_by TEXT NOT NULL,
		authority_snapshot_id TEXT,
		target_scenario_id TEXT,
		status TEXT NOT NULL,
		status_history JSON NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(tenant_id, idempotency_key)
	);

	CREATE TABLE IF NOT EXISTS execution_attempts (
		attempt_id TEXT PRIMARY KEY,
		intent_id TEXT NOT NULL,
		mode TEXT NOT NULL,
		started_at TEXT NOT NULL,
		completed_at TEXT NOT NULL,
		result JSON NOT NULL,
		authority_proof JSON,
		session_id TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_attempts_intent ON execution_attempts(intent_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteIntentStore) CreateIntent(ctx context.Context, intent *contracts.ExecutionIntent) error {
	targetsJSON, _ := json.Marshal(intent.TargetEntities)
	paramsJSON, _ := json.Marshal(intent.Parameters)
	historyJSON, _ := json.Marshal(intent.StatusHistory)

	_, err := s.db.ExecContext(ctx, `INSERT INTO execution_intents (
		intent_id, tenant_id, decision_id, action_type, target_entities, parameters,
		idempotency_key, requested_by, authority_snapshot_id, target_scenario_id,
		status, status_history, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		intent.IntentID, intent.TenantID, intent.DecisionID, intent.ActionType,
		string(targetsJSON), string(paramsJSON), intent.IdempotencyKey, intent.RequestedBy,
		intent.AuthoritySnapshotID, intent.TargetScenarioID, string(intent.Status),
		string(historyJSON), formatTime(intent.CreatedAt), formatTime(intent.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert intent: %w", err)
	}
	return nil
}

const intentSelect = `SELECT intent_id, tenant_id, decision_id, action_type, target_entities,
	parameters, idempotency_key, requested_by, authority_snapshot_id, target_scenario_id,
	status, status_history, created_at, updated_at
	FROM execution_intents`

func (s *SQLiteIntentStore) GetIntent(ctx context.Context, intentID string) (*contracts.ExecutionIntent, error) {
	row := s.db.QueryRowContext(ctx, intentSelect+` WHERE intent_id = ?`, intentID)
	in, err := scanIntent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return in, err
}

func (s *SQLiteIntentStore) FindByIdempotencyKey(ctx context.Context, tenantID, key string) (*contracts.ExecutionIntent, error) {
	row := s.db.QueryRowContext(ctx, intentSelect+` WHERE tenant_id = ? AND idempotency_key = ?`, tenantID, key)
	in, err := scanIntent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return in, err
}

func (s *SQLiteIntentStore) TransitionStatus(ctx context.Context, intentID string, change contracts.StatusChange) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var historyJSON string
	err = tx.QueryRowContext(ctx, `SELECT status_history FROM execution_intents WHERE intent_id = ? AND status = ?`,
		intentID, string(change.From)).Scan(&historyJSON)
	if err == sql.ErrNoRows {
		// Either the intent is missing or its status moved under us.
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM execution_intents WHERE intent_id = ?`, intentID).Scan(&exists); err != nil {
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
		SET status = ?, status_history = ?, updated_at = ?
		WHERE intent_id = ? AND status = ?`,
		string(change.To), string(newHistoryJSON), formatTime(change.At),
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

func (s *SQLiteIntentStore) AppendAttempt(ctx context.Context, attempt *contracts.ExecutionAttempt) error {
	resultJSON, _ := json.Marshal(attempt.Result)
	proofJSON, _ := json.Marshal(attempt.Proof)

	_, err := s.db.ExecContext(ctx, `INSERT INTO execution_attempts (
		attempt_id, intent_id, mode, started_at, completed_at, result, authority_proof, session_id
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.AttemptID, attempt.IntentID, string(attempt.Mode),
		formatTime(attempt.StartedAt), formatTime(attempt.CompletedAt),
		string(resultJSON), string(proofJSON), attempt.SessionID,
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

func (s *SQLiteIntentStore) ListAttempts(ctx context.Context, intentID string) ([]*contracts.ExecutionAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT attempt_id, intent_id, mode, started_at,
		completed_at, result, authority_proof, session_id
		FROM execution_attempts WHERE intent_id = ? ORDER BY started_at`, intentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var attempts []*contracts.ExecutionAttempt
	for rows.Next() {
		var a contracts.ExecutionAttempt
		var mode, startedAt, completedAt, resultJSON string
		var proofJSON, sessionID sql.NullString
		if err := rows.Scan(&a.AttemptID, &a.IntentID, &mode, &startedAt, &completedAt, &resultJSON, &proofJSON, &sessionID); err != nil {
			return nil, err
		}
		a.Mode = contracts.AttemptMode(mode)
		a.StartedAt = parseTime(startedAt)
		a.CompletedAt = parseTime(completedAt)
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

func scanIntent(row rowScanner) (*contracts.ExecutionIntent, error) {
	var in contracts.ExecutionIntent
	var targetsJSON, historyJSON, status, createdAt, updatedAt string
	var paramsJSON, snapshotID, scenarioID sql.NullString

	err := row.Scan(&in.IntentID, &in.TenantID, &in.DecisionID, &in.ActionType,
		&targetsJSON, &paramsJSON, &in.IdempotencyKey, &in.RequestedBy,
		&snapshotID, &scenarioID, &status, &historyJSON, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	in.Status = contracts.IntentStatus(status)
	in.AuthoritySnapshotID = snapshotID.String
	in.TargetScenarioID = scenarioID.String
	in.CreatedAt = parseTime(createdAt)
	in.UpdatedAt = parseTime(updatedAt)
	_ = json.Unmarshal([]byte(targetsJSON), &in.TargetEntities)
	_ = json.Unmarshal([]byte(historyJSON), &in.StatusHistory)
	if paramsJSON.Valid && paramsJSON.String != "" && paramsJSON.String != "null" {
		_ = json.Unmarshal([]byte(paramsJSON.String), &in.Parameters)
	}
	return &in, nil
}
