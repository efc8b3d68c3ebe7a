// Copyright 2025 Nooterra
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package coordinator

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"nooterra/coordinator/shared/logger"
)

// Package-level components, wired once by initializeComponents.
var (
	cfg          *Config
	db           *sql.DB
	store        *Store
	directory    *DirectoryClient
	selector     *Selector
	eventBus     *EventBus
	reputation   *ReputationEngine
	orchestrator *Orchestrator
	dispatcher   *Dispatcher
	limiter      RateLimiter
	appLogger    *logger.Logger

	startTime = time.Now()
)

func initializeComponents() error {
	var err error
	cfg, err = LoadConfig()
	if err != nil {
		return err
	}
	appLogger = logger.New("coordinator")

	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	db, err = sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return err
	}
	store = NewStore(db)
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	directory = NewDirectoryClient(cfg.DirectoryURL, cfg.SchemaFailOpen)
	selector = NewSelector(store, directory, cfg)
	eventBus = NewEventBus(cfg.WebhookSecret)
	reputation = NewReputationEngine(store)
	orchestrator = NewOrchestrator(store, selector, directory, eventBus, reputation, cfg)
	dispatcher = NewDispatcher(store, orchestrator, cfg)

	if cfg.RedisURL != "" {
		limiter, err = NewRedisLimiter(cfg.RedisURL, cfg.RateLimitPerMinute)
		if err != nil {
			log.Printf("[Coordinator] redis limiter unavailable, falling back to memory: %v", err)
			limiter = NewMemoryLimiter(cfg.RateLimitPerMinute)
		}
	} else {
		limiter = NewMemoryLimiter(cfg.RateLimitPerMinute)
	}
	return nil
}

func buildRouter() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", handleHealth).Methods("GET")
	r.Handle("/prometheus", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/metrics", handleMetricsSummary).Methods("GET")

	r.HandleFunc("/v1/workflows", bearerGuard(cfg.APIKey, cfg.JWTSecret, handlePublishWorkflow)).Methods("POST")
	r.HandleFunc("/v1/workflows/{id}", handleGetWorkflow).Methods("GET")
	r.HandleFunc("/v1/workflows/{id}/budget", handleGetBudget).Methods("GET")
	r.HandleFunc("/v1/workflows/{id}/nodes/{name}/result", handleNodeResult).Methods("POST")

	r.HandleFunc("/v1/agents/heartbeat", handleHeartbeat).Methods("POST")
	r.HandleFunc("/v1/agents/{did}/reputation", handleGetReputation).Methods("GET")
	r.HandleFunc("/v1/agents/{did}/feedback", bearerGuard(cfg.APIKey, cfg.JWTSecret, handleFeedback)).Methods("POST")
	r.HandleFunc("/v1/agents/{did}/keys", apiGuard(cfg.APIKey, handleRegisterKey)).Methods("POST")

	r.HandleFunc("/v1/reputation/recompute", apiGuard(cfg.APIKey, handleRecompute)).Methods("POST")
	r.HandleFunc("/v1/deadletters", apiGuard(cfg.APIKey, handleDeadLetters)).Methods("GET")

	r.HandleFunc("/v1/ledger/deposit", apiGuard(cfg.APIKey, handleDeposit)).Methods("POST")
	r.HandleFunc("/v1/ledger/{did}/balance", handleGetBalance).Methods("GET")

	r.HandleFunc("/v1/events", eventBus.ServeSSE).Methods("GET")
	r.HandleFunc("/v1/auth/token", apiGuard(cfg.APIKey, handleMintToken)).Methods("POST")

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "x-api-key", signatureHeader},
	})
	return c.Handler(rateLimitMiddleware(limiter, r))
}

// Run starts the coordinator API service, with the embedded delivery worker
// unless DISPATCHER_EMBEDDED=false.
func Run() error {
	if err := initializeComponents(); err != nil {
		return err
	}
	if cfg.DispatcherEmbedded {
		dispatcher.Start()
		defer dispatcher.Stop()
	}
	if err := reputation.StartSchedule(cfg.RecomputeCron); err != nil {
		return err
	}
	defer reputation.StopSchedule()

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      buildRouter(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE connections are long-lived
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLogger.Info("coordinator listening", map[string]any{"port": cfg.Port})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Printf("[Coordinator] received %s, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// RunDispatcher starts a standalone delivery worker for deployments that
// scale dispatch separately from the API.
func RunDispatcher() error {
	if err := initializeComponents(); err != nil {
		return err
	}
	dispatcher.Start()
	appLogger.Info("standalone dispatcher running", nil)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("[Dispatcher] received %s, shutting down", sig)
	dispatcher.Stop()
	return nil
}

// --- handlers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]string{"error": reason})
}

// statusForError maps the stable error sentinels onto HTTP statuses.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidGraph):
		return http.StatusBadRequest, "invalid_graph"
	case errors.Is(err, ErrWorkflowNotFound):
		return http.StatusNotFound, "workflow_not_found"
	case errors.Is(err, ErrNodeNotFound):
		return http.StatusNotFound, "node_not_found"
	case errors.Is(err, ErrDuplicateResult):
		return http.StatusConflict, "duplicate_result"
	case errors.Is(err, ErrNotDispatched):
		return http.StatusConflict, "node_not_dispatched"
	case errors.Is(err, ErrMissingSignature):
		return http.StatusUnauthorized, "missing_signature"
	case errors.Is(err, ErrInvalidSignature):
		return http.StatusUnauthorized, "invalid_signature"
	case errors.Is(err, ErrSchemaInvalid):
		return http.StatusUnprocessableEntity, "schema_invalid"
	case errors.Is(err, ErrBudgetExceeded):
		return http.StatusPaymentRequired, "budget_exceeded"
	case errors.Is(err, ErrNoAgent):
		return http.StatusConflict, "no_agent"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	dbStatus := "ok"
	if err := db.PingContext(r.Context()); err != nil {
		dbStatus = "down"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"database":      dbStatus,
		"uptimeSeconds": int(time.Since(startTime).Seconds()),
	})
}

func handleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	summary := map[string]any{"uptimeSeconds": int(time.Since(startTime).Seconds())}

	rows, err := db.QueryContext(ctx, `SELECT status, count(*) FROM workflows GROUP BY status`)
	if err == nil {
		byStatus := map[string]int64{}
		for rows.Next() {
			var status string
			var count int64
			if rows.Scan(&status, &count) == nil {
				byStatus[status] = count
			}
		}
		rows.Close()
		summary["workflows"] = byStatus
	}
	var pending, dead int64
	db.QueryRowContext(ctx, `SELECT count(*) FROM dispatch_jobs WHERE status = 'pending'`).Scan(&pending)
	db.QueryRowContext(ctx, `SELECT count(*) FROM dead_letters`).Scan(&dead)
	summary["pendingJobs"] = pending
	summary["deadLetters"] = dead
	writeJSON(w, http.StatusOK, summary)
}

func handlePublishWorkflow(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_graph")
		return
	}
	if req.PayerDID == "" {
		req.PayerDID = r.Header.Get("x-auth-subject")
	}
	wf, err := orchestrator.Publish(r.Context(), req)
	if err != nil {
		status, reason := statusForError(err)
		log.Printf("[API] publish rejected: %v", err)
		writeError(w, status, reason)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"workflowId": wf.ID,
		"taskId":     wf.ID,
	})
}

func handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	wf, err := store.GetWorkflow(r.Context(), id)
	if err != nil {
		status, reason := statusForError(err)
		writeError(w, status, reason)
		return
	}
	nodes, err := store.GetNodes(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflow": wf, "nodes": nodes})
}

func handleGetBudget(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	wf, err := store.GetWorkflow(r.Context(), id)
	if err != nil {
		status, reason := statusForError(err)
		writeError(w, status, reason)
		return
	}
	resp := map[string]any{
		"payerId":   wf.PayerDID,
		"maxCost":   wf.MaxCost,
		"spentCost": wf.SpentCost,
	}
	if wf.MaxCost != nil {
		resp["remainingCost"] = *wf.MaxCost - wf.SpentCost
	}
	writeJSON(w, http.StatusOK, resp)
}

func handleNodeResult(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var sub ResultSubmission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	outcome, err := orchestrator.IngestResult(r.Context(), vars["id"], vars["name"], sub)
	if err != nil {
		status, reason := statusForError(err)
		writeError(w, status, reason)
		return
	}
	resp := map[string]any{"ok": true, "status": outcome.Status}
	if outcome.Idempotent {
		resp["idempotent"] = true
	}
	writeJSON(w, http.StatusOK, resp)
}

func handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DID        string  `json:"did"`
		Load       float64 `json:"load"`
		LatencyMs  int     `json:"latencyMs"`
		QueueDepth int     `json:"queueDepth"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DID == "" {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	availability, err := orchestrator.RecordHeartbeat(r.Context(), &Heartbeat{
		AgentDID:   body.DID,
		Load:       body.Load,
		LatencyMs:  body.LatencyMs,
		QueueDepth: body.QueueDepth,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "availability": availability})
}

func handleGetReputation(w http.ResponseWriter, r *http.Request) {
	did := mux.Vars(r)["did"]
	trust, err := store.GetTrust(r.Context(), did)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, trust)
}

func handleFeedback(w http.ResponseWriter, r *http.Request) {
	did := mux.Vars(r)["did"]
	var body struct {
		Quality *float64 `json:"quality"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	if body.Quality != nil && (*body.Quality < -1 || *body.Quality > 1) {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	// Anonymous feedback is allowed; the recompute attributes it to the
	// system node.
	from := r.Header.Get("x-auth-subject")
	if err := store.InsertFeedback(r.Context(), FeedbackEdge{
		AgentDID: did,
		FromDID:  from,
		Quality:  body.Quality,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]bool{"ok": true})
}

func handleRegisterKey(w http.ResponseWriter, r *http.Request) {
	did := mux.Vars(r)["did"]
	var body struct {
		PublicKey string `json:"publicKey"` // hex-encoded ed25519 key
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	key, err := hex.DecodeString(body.PublicKey)
	if err != nil || len(key) != 32 {
		writeError(w, http.StatusBadRequest, "invalid_key")
		return
	}
	if err := store.UpsertAgentKey(r.Context(), did, key); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func handleRecompute(w http.ResponseWriter, r *http.Request) {
	ranks, err := reputation.Recompute(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ranks": ranks})
}

func handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	letters, err := store.ListDeadLetters(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deadLetters": letters})
}

func handleDeposit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OwnerDID string          `json:"ownerDid"`
		Amount   int64           `json:"amount"`
		Meta     json.RawMessage `json:"meta"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.OwnerDID == "" || body.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	if err := store.Deposit(r.Context(), body.OwnerDID, body.Amount, body.Meta); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	balance, _ := store.Balance(r.Context(), body.OwnerDID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "balance": balance})
}

func handleGetBalance(w http.ResponseWriter, r *http.Request) {
	did := mux.Vars(r)["did"]
	balance, err := store.Balance(r.Context(), did)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ownerDid": did, "balance": balance})
}

func handleMintToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Subject string `json:"subject"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Subject == "" {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	if cfg.JWTSecret == "" {
		writeError(w, http.StatusServiceUnavailable, "jwt_disabled")
		return
	}
	token, err := mintToken(cfg.JWTSecret, body.Subject)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}
