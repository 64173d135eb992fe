package execution

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/gowebpki/jcs"
)

// IdempotencyKey is a pure function of the logical request: identical
// (decisionID, actionType, targetEntities, parameters) always collide onto
// the same key, regardless of target order or map iteration order. The
// payload is canonicalized with JCS (RFC 8785) before hashing so
// semantically equal parameter maps hash identically.
func IdempotencyKey(decisionID, actionType string, targetEntities []string, parameters map[string]any) (string, error) {
	targets := append([]string(nil), targetEntities...)
	sort.Strings(targets)

	payload := struct {
		DecisionID string         `json:"decision_id"`
		ActionType string         `json:"action_type"`
		Targets    []string       `json:"targets"`
		Parameters map[string]any `json:"parameters"`
	}{decisionID, actionType, targets, parameters}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal idempotency payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize idempotency payload: %w", err)
	}

	h := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}
