package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq" // Postgres driver
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/strataplane/warrant/pkg/audit"
	"github.com/strataplane/warrant/pkg/config"
	"github.com/strataplane/warrant/pkg/contracts"
	"github.com/strataplane/warrant/pkg/execution"
	"github.com/strataplane/warrant/pkg/graph"
	"github.com/strataplane/warrant/pkg/lifecycle"
	"github.com/strataplane/warrant/pkg/observability"
	"github.com/strataplane/warrant/pkg/policy"
	"github.com/strataplane/warrant/pkg/store"
	"github.com/strataplane/warrant/pkg/tenants"
)

// server holds the wired components behind the HTTP surface.
type server struct {
	lifecycle *lifecycle.Manager
	evaluator *graph.Evaluator
	engine    *execution.Engine
}

func runServer(cfg *config.Config, stderr io.Writer) int {
	ctx := context.Background()

	ledger, intents, closeDB, err := openStores(ctx, cfg.DatabaseURL)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "storage init: %v\n", err)
		return 1
	}
	defer closeDB()

	auditLog := audit.NewLogger()
	if cfg.AuditLogPath != "" {
		f, err := os.OpenFile(cfg.AuditLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "audit log open: %v\n", err)
			return 1
		}
		defer f.Close()
		auditLog = audit.NewLoggerWithWriter(f)
	}

	var profiles config.Profiles
	if cfg.TenantProfilesDir != "" {
		profiles, err = config.LoadAllProfiles(cfg.TenantProfilesDir)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "tenant profiles: %v\n", err)
			return 1
		}
		log.Printf("[warrantd] tenant profiles: loaded %d from %s", len(profiles), cfg.TenantProfilesDir)
	}

	manager := lifecycle.NewManager(ledger).
		WithAudit(auditLog).
		WithEmergencyTTL(profiles.EmergencyTTLFor)

	evaluator, err := graph.NewEvaluator(manager)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "evaluator init: %v\n", err)
		return 1
	}
	evaluator = evaluator.
		WithMaxDepth(cfg.MaxDelegationDepth).
		WithDepthResolver(profiles.MaxDepthFor)

	policies, err := policy.NewEvaluator()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "policy init: %v\n", err)
		return 1
	}
	if cfg.PolicyBundleDir != "" {
		loader, err := policy.NewLoader(cfg.PolicyBundleDir, policies)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "policy loader init: %v\n", err)
			return 1
		}
		if err := loader.LoadAll(); err != nil {
			_, _ = fmt.Fprintf(stderr, "policy bundles: %v\n", err)
			return 1
		}
		log.Printf("[warrantd] policy bundles: loaded from %s", cfg.PolicyBundleDir)
	}

	metrics, err := observability.NewNoopMetrics()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "metrics init: %v\n", err)
		return 1
	}

	// Real effects go through the sandbox redirect only; attach a real
	// ActionRegistry to reach external systems.
	scenarios := execution.NewMemoryScenarioStore()
	real := execution.NewRealExecutor(sandboxOnlyRegistry{}, scenarios)

	engine := execution.NewEngine(intents, evaluator).
		WithPolicies(policies).
		WithRealExecutor(real).
		WithAudit(auditLog).
		WithMetrics(metrics).
		WithLockTTL(profiles.LockTTLFor).
		WithRegionPolicy(profiles.RegionAllowedFor)

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		engine = engine.WithLocker(execution.NewRedisLocker(client, 5*time.Minute))
		log.Printf("[warrantd] execution lock: redis %s", cfg.RedisAddr)
	}

	s := &server{lifecycle: manager, evaluator: evaluator, engine: engine}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("POST /v1/grants", s.handleGrant)
	mux.HandleFunc("POST /v1/grants/{id}/revoke", s.handleRevoke)
	mux.HandleFunc("POST /v1/authority/evaluate", s.handleEvaluate)
	mux.HandleFunc("GET /v1/authority/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /v1/authority/coverage", s.handleCoverage)
	mux.HandleFunc("POST /v1/intents", s.handleCreateIntent)
	mux.HandleFunc("GET /v1/intents/{id}", s.handleGetIntent)
	mux.HandleFunc("GET /v1/intents/{id}/attempts", s.handleAttempts)
	mux.HandleFunc("POST /v1/intents/{id}/dry-run", s.handleDryRun)
	mux.HandleFunc("POST /v1/intents/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /v1/intents/{id}/execute", s.handleExecute)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("[warrantd] ready: http://localhost:%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[warrantd] server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("[warrantd] shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return 0
}

func runDoctor(cfg *config.Config, stdout, stderr io.Writer) int {
	ctx := context.Background()
	_, _, closeDB, err := openStores(ctx, cfg.DatabaseURL)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "storage: FAIL (%v)\n", err)
		return 1
	}
	defer closeDB()
	_, _ = fmt.Fprintln(stdout, "storage: OK")

	if cfg.PolicyBundleDir != "" {
		policies, err := policy.NewEvaluator()
		if err == nil {
			var loader *policy.Loader
			if loader, err = policy.NewLoader(cfg.PolicyBundleDir, policies); err == nil {
				err = loader.LoadAll()
			}
		}
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "policy bundles: FAIL (%v)\n", err)
			return 1
		}
		_, _ = fmt.Fprintln(stdout, "policy bundles: OK")
	}
	return 0
}

// openStores opens the ledger and intent stores over the configured
// database. A postgres:// URL selects lib/pq; anything else is opened as
// a sqlite file.
func openStores(ctx context.Context, databaseURL string) (store.LedgerStore, store.IntentStore, func(), error) {
	driver := "sqlite"
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		driver = "postgres"
	}

	db, err := sql.Open(driver, databaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, nil, fmt.Errorf("ping database: %w", err)
	}
	closeDB := func() { _ = db.Close() }

	if driver == "postgres" {
		ledger, err := store.NewPostgresLedgerStore(db)
		if err != nil {
			closeDB()
			return nil, nil, nil, err
		}
		intents, err := store.NewPostgresIntentStore(db)
		if err != nil {
			closeDB()
			return nil, nil, nil, err
		}
		return ledger, intents, closeDB, nil
	}

	ledger, err := store.NewSQLiteLedgerStore(db)
	if err != nil {
		closeDB()
		return nil, nil, nil, err
	}
	intents, err := store.NewSQLiteIntentStore(db)
	if err != nil {
		closeDB()
		return nil, nil, nil, err
	}
	return ledger, intents, closeDB, nil
}

// sandboxOnlyRegistry refuses direct external effects. Intents must name
// a target scenario so real runs land in the sandbox mutation log.
type sandboxOnlyRegistry struct{}

func (sandboxOnlyRegistry) ExecuteAction(ctx context.Context, actionType string, req execution.ActionRequest) error {
	return fmt.Errorf("no action registry configured: action %s requires a target scenario", actionType)
}

func requestContext(r *http.Request) (contracts.RequestContext, error) {
	return tenants.NewRequestContext(
		r.Header.Get("X-Tenant-ID"),
		r.Header.Get("X-Actor-ID"),
		r.Header.Get("X-Session-ID"),
	)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var authzErr *execution.AuthorizationError
	switch {
	case errors.As(err, &authzErr):
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":  authzErr.Detail,
			"reason": string(authzErr.Reason),
		})
	case errors.Is(err, execution.ErrPolicyBlocked), errors.Is(err, execution.ErrRegionNotAllowed):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error()})
	case errors.Is(err, execution.ErrLifecycleViolation):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
	case errors.Is(err, store.ErrStaleStatus):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
	case errors.Is(err, tenants.ErrTenantMismatch):
		writeJSON(w, http.StatusForbidden, map[string]any{"error": err.Error()})
	case errors.Is(err, tenants.ErrInvalidContext):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
	}
}

func (s *server) handleGrant(w http.ResponseWriter, r *http.Request) {
	rc, err := requestContext(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req lifecycle.GrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	req.TenantID = rc.TenantID
	req.ActorID = rc.ActorID
	grant, err := s.lifecycle.GrantAuthority(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, grant)
}

func (s *server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	rc, err := requestContext(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	rev, err := s.lifecycle.RevokeAuthority(r.Context(), r.PathValue("id"), body.Reason, rc.ActorID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rev)
}

func (s *server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	rc, err := requestContext(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		ActorID        string                      `json:"actor_id"`
		Intent         contracts.IntentType        `json:"intent"`
		TargetEntityID string                      `json:"target_entity_id"`
		Context        contracts.EvaluationContext `json:"context"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if body.ActorID == "" {
		body.ActorID = rc.ActorID
	}
	body.Context.TenantID = rc.TenantID
	if body.Context.AsOf.IsZero() {
		body.Context.AsOf = time.Now().UTC()
	}
	result, err := s.evaluator.Evaluate(r.Context(), body.ActorID, body.Intent, body.TargetEntityID, body.Context)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	rc, err := requestContext(r)
	if err != nil {
		writeError(w, err)
		return
	}
	actorID := r.URL.Query().Get("actor_id")
	if actorID == "" {
		actorID = rc.ActorID
	}
	asOf := time.Now().UTC()
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		if asOf, err = time.Parse(time.RFC3339, raw); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "as_of: " + err.Error()})
			return
		}
	}
	snapshot, err := s.evaluator.ResolveSnapshot(r.Context(), actorID, rc.TenantID, asOf)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *server) handleCoverage(w http.ResponseWriter, r *http.Request) {
	rc, err := requestContext(r)
	if err != nil {
		writeError(w, err)
		return
	}
	report, err := s.evaluator.ResolveCoverage(r.Context(), rc.TenantID, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *server) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	rc, err := requestContext(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req execution.CreateIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	intent, err := s.engine.CreateIntent(r.Context(), rc, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, intent)
}

func (s *server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	rc, err := requestContext(r)
	if err != nil {
		writeError(w, err)
		return
	}
	intent, err := s.engine.GetIntent(r.Context(), rc, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

func (s *server) handleAttempts(w http.ResponseWriter, r *http.Request) {
	rc, err := requestContext(r)
	if err != nil {
		writeError(w, err)
		return
	}
	attempts, err := s.engine.GetAttempts(r.Context(), rc, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (s *server) handleDryRun(w http.ResponseWriter, r *http.Request) {
	rc, err := requestContext(r)
	if err != nil {
		writeError(w, err)
		return
	}
	attempt, err := s.engine.RunDryRun(r.Context(), rc, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

func (s *server) handleApprove(w http.ResponseWriter, r *http.Request) {
	rc, err := requestContext(r)
	if err != nil {
		writeError(w, err)
		return
	}
	intent, err := s.engine.ApproveExecution(r.Context(), rc, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

func (s *server) handleExecute(w http.ResponseWriter, r *http.Request) {
	rc, err := requestContext(r)
	if err != nil {
		writeError(w, err)
		return
	}
	attempt, err := s.engine.ExecuteRealRun(r.Context(), rc, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}
