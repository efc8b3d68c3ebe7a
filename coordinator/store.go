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
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"
)

// Store wraps the coordinator's Postgres access. All coordination-critical
// writes go through explicit transactions with row locks; two coordinator
// processes against one database stay consistent without any leader election.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for callers that open their own
// transactions (ingestion, dispatch enqueue).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate creates the coordinator tables. Statements are idempotent so every
// boot runs the full list.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			intent TEXT NOT NULL DEFAULT '',
			payer_did TEXT NOT NULL DEFAULT '',
			max_cost BIGINT,
			spent_cost BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			webhook_url TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_nodes (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL REFERENCES workflows(id),
			name TEXT NOT NULL,
			capability_id TEXT NOT NULL,
			depends_on TEXT[] NOT NULL DEFAULT '{}',
			payload JSONB,
			status TEXT NOT NULL DEFAULT 'pending',
			agent_did TEXT NOT NULL DEFAULT '',
			price BIGINT NOT NULL DEFAULT 0,
			attempts INT NOT NULL DEFAULT 0,
			max_attempts INT NOT NULL DEFAULT 4,
			result JSONB,
			result_hash TEXT NOT NULL DEFAULT '',
			result_id TEXT NOT NULL DEFAULT '',
			deadline TIMESTAMPTZ NOT NULL DEFAULT now() + interval '5 minutes',
			requires_verification BOOLEAN NOT NULL DEFAULT false,
			verification_status TEXT NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (workflow_id, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_nodes_status ON workflow_nodes(status)`,
		`CREATE TABLE IF NOT EXISTS dispatch_jobs (
			workflow_id TEXT NOT NULL,
			node_name TEXT NOT NULL,
			attempt INT NOT NULL,
			target_url TEXT NOT NULL,
			payload JSONB NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			retries INT NOT NULL DEFAULT 0,
			next_attempt TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (workflow_id, node_name, attempt)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dispatch_jobs_pending ON dispatch_jobs(next_attempt) WHERE status = 'pending'`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id SERIAL PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			node_name TEXT NOT NULL,
			target_url TEXT NOT NULL,
			payload JSONB NOT NULL,
			attempts INT NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_accounts (
			owner_did TEXT PRIMARY KEY,
			balance BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_events (
			id SERIAL PRIMARY KEY,
			owner_did TEXT NOT NULL,
			workflow_id TEXT NOT NULL DEFAULT '',
			node_name TEXT NOT NULL DEFAULT '',
			delta BIGINT NOT NULL,
			reason TEXT NOT NULL,
			meta JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS agent_trust (
			agent_did TEXT PRIMARY KEY,
			success_count BIGINT NOT NULL DEFAULT 0,
			fail_count BIGINT NOT NULL DEFAULT 0,
			avg_latency_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
			latency_samples BIGINT NOT NULL DEFAULT 0,
			reputation DOUBLE PRECISION NOT NULL DEFAULT 0.5,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS endorsements (
			id SERIAL PRIMARY KEY,
			from_did TEXT NOT NULL,
			to_did TEXT NOT NULL,
			weight DOUBLE PRECISION NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS feedback (
			id SERIAL PRIMARY KEY,
			agent_did TEXT NOT NULL,
			from_did TEXT NOT NULL DEFAULT '',
			quality DOUBLE PRECISION,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS heartbeats (
			agent_did TEXT PRIMARY KEY,
			last_seen TIMESTAMPTZ NOT NULL DEFAULT now(),
			load DOUBLE PRECISION NOT NULL DEFAULT 0,
			latency_ms INT NOT NULL DEFAULT 0,
			queue_depth INT NOT NULL DEFAULT 0,
			availability DOUBLE PRECISION NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS agent_keys (
			agent_did TEXT PRIMARY KEY,
			public_key BYTEA NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	log.Printf("[Store] migrations complete (%d statements)", len(stmts))
	return nil
}

// --- workflows & nodes ---

func (s *Store) InsertWorkflow(ctx context.Context, tx *sql.Tx, wf *Workflow) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO workflows (id, intent, payer_did, max_cost, spent_cost, status, webhook_url)
		 VALUES ($1, $2, $3, $4, 0, $5, $6)`,
		wf.ID, wf.Intent, wf.PayerDID, wf.MaxCost, wf.Status, wf.WebhookURL)
	return err
}

func (s *Store) InsertNode(ctx context.Context, tx *sql.Tx, n *Node) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO workflow_nodes
		 (id, workflow_id, name, capability_id, depends_on, payload, status,
		  max_attempts, deadline, requires_verification)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		n.ID, n.WorkflowID, n.Name, n.CapabilityID, pq.Array(n.DependsOn),
		nullableJSON(n.Payload), n.Status, n.MaxAttempts, n.Deadline, n.RequiresVerification)
	return err
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, intent, payer_did, max_cost, spent_cost, status, webhook_url, created_at, updated_at
		 FROM workflows WHERE id = $1`, id)
	wf := &Workflow{}
	err := row.Scan(&wf.ID, &wf.Intent, &wf.PayerDID, &wf.MaxCost, &wf.SpentCost,
		&wf.Status, &wf.WebhookURL, &wf.CreatedAt, &wf.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWorkflowNotFound
	}
	return wf, err
}

const nodeColumns = `id, workflow_id, name, capability_id, depends_on, payload, status,
	agent_did, price, attempts, max_attempts, result, result_hash, result_id,
	deadline, requires_verification, verification_status, failure_reason, created_at, updated_at`

func scanNode(row interface{ Scan(...any) error }) (*Node, error) {
	n := &Node{}
	var payload, result []byte
	err := row.Scan(&n.ID, &n.WorkflowID, &n.Name, &n.CapabilityID, pq.Array(&n.DependsOn),
		&payload, &n.Status, &n.AgentDID, &n.Price, &n.Attempts, &n.MaxAttempts,
		&result, &n.ResultHash, &n.ResultID, &n.Deadline, &n.RequiresVerification,
		&n.VerificationStatus, &n.FailureReason, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	n.Payload = json.RawMessage(payload)
	n.Result = json.RawMessage(result)
	return n, nil
}

func (s *Store) GetNodes(ctx context.Context, workflowID string) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM workflow_nodes WHERE workflow_id = $1 ORDER BY name`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

func (s *Store) GetNode(ctx context.Context, workflowID, name string) (*Node, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM workflow_nodes WHERE workflow_id = $1 AND name = $2`,
		workflowID, name)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, ErrNodeNotFound
	}
	return n, err
}

// LockNode reads a node row FOR UPDATE inside tx.
func (s *Store) LockNode(ctx context.Context, tx *sql.Tx, workflowID, name string) (*Node, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM workflow_nodes WHERE workflow_id = $1 AND name = $2 FOR UPDATE`,
		workflowID, name)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, ErrNodeNotFound
	}
	return n, err
}

func (s *Store) MarkNodeReady(ctx context.Context, workflowID, name string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflow_nodes SET status = $3, updated_at = now()
		 WHERE workflow_id = $1 AND name = $2 AND status = $4`,
		workflowID, name, NodeReady, NodePending)
	return err
}

// MarkNodeDispatched moves a pending or ready node to dispatched without
// binding an agent. The verification fail-open path uses it so ingestion
// still sees the node walk its normal edge.
func (s *Store) MarkNodeDispatched(ctx context.Context, workflowID, name string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflow_nodes SET status = $3, updated_at = now()
		 WHERE workflow_id = $1 AND name = $2 AND status IN ('pending','ready')`,
		workflowID, name, NodeDispatched)
	return err
}

// FailNode moves a node to a terminal failed state with a stable reason.
func (s *Store) FailNode(ctx context.Context, workflowID, name, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflow_nodes SET status = $3, failure_reason = $4, updated_at = now()
		 WHERE workflow_id = $1 AND name = $2 AND status NOT IN ('success','failed','failed_timeout')`,
		workflowID, name, NodeFailed, reason)
	return err
}

func (s *Store) SetWorkflowStatus(ctx context.Context, id string, status WorkflowStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET status = $2, updated_at = now()
		 WHERE id = $1 AND status NOT IN ('success','failed')`, id, status)
	return err
}

// --- dispatch queue ---

// DispatchJob is one pending delivery. The (workflow, node, attempt) key makes
// re-enqueueing the same attempt a no-op.
type DispatchJob struct {
	WorkflowID  string          `json:"workflowId"`
	NodeName    string          `json:"nodeName"`
	Attempt     int             `json:"attempt"`
	TargetURL   string          `json:"targetUrl"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	Retries     int             `json:"retries"`
	NextAttempt time.Time       `json:"nextAttempt"`
	LastError   string          `json:"lastError,omitempty"`
}

// EnqueueDispatch binds an agent to a ready node and inserts the delivery job
// in one transaction. Price is captured on the node row at bind time so
// settlement later charges what the agent quoted when selected.
func (s *Store) EnqueueDispatch(ctx context.Context, workflowID, nodeName, agentDID string, price int64, targetURL string, payload json.RawMessage, deadline time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE workflow_nodes
		 SET status = $4, agent_did = $5, price = $6, attempts = attempts + 1,
		     deadline = $7, updated_at = now()
		 WHERE workflow_id = $1 AND name = $2 AND status = $3`,
		workflowID, nodeName, NodeReady, NodeDispatched, agentDID, price, deadline)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		// Another worker already dispatched it.
		return nil
	}
	var attempt int
	if err := tx.QueryRowContext(ctx,
		`SELECT attempts FROM workflow_nodes WHERE workflow_id = $1 AND name = $2`,
		workflowID, nodeName).Scan(&attempt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO dispatch_jobs (workflow_id, node_name, attempt, target_url, payload, status, next_attempt)
		 VALUES ($1, $2, $3, $4, $5, 'pending', now())
		 ON CONFLICT (workflow_id, node_name, attempt) DO NOTHING`,
		workflowID, nodeName, attempt, targetURL, []byte(payload)); err != nil {
		return err
	}
	return tx.Commit()
}

// ClaimJobs marks up to limit due jobs as sending and returns them. SKIP
// LOCKED keeps concurrent workers from claiming the same row.
func (s *Store) ClaimJobs(ctx context.Context, limit int) ([]DispatchJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT workflow_id, node_name, attempt, target_url, payload, retries, next_attempt, last_error
		 FROM dispatch_jobs
		 WHERE status = 'pending' AND next_attempt <= now()
		 ORDER BY next_attempt ASC
		 LIMIT $1
		 FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, err
	}
	var jobs []DispatchJob
	for rows.Next() {
		var j DispatchJob
		var payload []byte
		if err := rows.Scan(&j.WorkflowID, &j.NodeName, &j.Attempt, &j.TargetURL,
			&payload, &j.Retries, &j.NextAttempt, &j.LastError); err != nil {
			rows.Close()
			return nil, err
		}
		j.Payload = json.RawMessage(payload)
		j.Status = "sending"
		jobs = append(jobs, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, j := range jobs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE dispatch_jobs SET status = 'sending'
			 WHERE workflow_id = $1 AND node_name = $2 AND attempt = $3`,
			j.WorkflowID, j.NodeName, j.Attempt); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *Store) DeleteJob(ctx context.Context, j DispatchJob) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM dispatch_jobs WHERE workflow_id = $1 AND node_name = $2 AND attempt = $3`,
		j.WorkflowID, j.NodeName, j.Attempt)
	return err
}

// RescheduleJob records the delivery error, bumps the retry counter and
// pushes the job back to pending at nextAttempt.
func (s *Store) RescheduleJob(ctx context.Context, j DispatchJob, retries int, lastError string, nextAttempt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE dispatch_jobs SET status = 'pending', retries = $4, last_error = $5, next_attempt = $6
		 WHERE workflow_id = $1 AND node_name = $2 AND attempt = $3`,
		j.WorkflowID, j.NodeName, j.Attempt, retries, lastError, nextAttempt)
	return err
}

// DeadLetter copies an exhausted job to dead_letters and deletes it from the
// queue in one transaction, matching the insert-then-delete order so a crash
// between the two duplicates rather than loses.
func (s *Store) DeadLetter(ctx context.Context, j DispatchJob, attempts int, lastError string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO dead_letters (workflow_id, node_name, target_url, payload, attempts, last_error)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		j.WorkflowID, j.NodeName, j.TargetURL, []byte(j.Payload), attempts, lastError); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM dispatch_jobs WHERE workflow_id = $1 AND node_name = $2 AND attempt = $3`,
		j.WorkflowID, j.NodeName, j.Attempt); err != nil {
		return err
	}
	return tx.Commit()
}

// DeadLetterRecord is the durable form kept for manual replay.
type DeadLetterRecord struct {
	ID         int64           `json:"id"`
	WorkflowID string          `json:"workflowId"`
	NodeName   string          `json:"nodeName"`
	TargetURL  string          `json:"targetUrl"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"lastError"`
	CreatedAt  time.Time       `json:"createdAt"`
}

func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetterRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, node_name, target_url, payload, attempts, last_error, created_at
		 FROM dead_letters ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DeadLetterRecord
	for rows.Next() {
		var r DeadLetterRecord
		var payload []byte
		if err := rows.Scan(&r.ID, &r.WorkflowID, &r.NodeName, &r.TargetURL,
			&payload, &r.Attempts, &r.LastError, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Payload = json.RawMessage(payload)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SweepTimeouts fails dispatched nodes past their deadline and clears their
// queued jobs. Returns the affected (workflow, node) pairs so the caller can
// recompute workflow status.
func (s *Store) SweepTimeouts(ctx context.Context) ([][2]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE workflow_nodes
		 SET status = $1, failure_reason = 'timeout', updated_at = now()
		 WHERE status = $2 AND deadline < now()
		 RETURNING workflow_id, name`,
		NodeFailedTimeout, NodeDispatched)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var pairs [][2]string
	for rows.Next() {
		var p [2]string
		if err := rows.Scan(&p[0], &p[1]); err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, p := range pairs {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM dispatch_jobs WHERE workflow_id = $1 AND node_name = $2`,
			p[0], p[1]); err != nil {
			return nil, err
		}
	}
	return pairs, nil
}

// --- ledger ---

// LedgerEvent mirrors one ledger_events row.
type LedgerEvent struct {
	OwnerDID   string          `json:"ownerDid"`
	WorkflowID string          `json:"workflowId,omitempty"`
	NodeName   string          `json:"nodeName,omitempty"`
	Delta      int64           `json:"delta"`
	Reason     string          `json:"reason"`
	Meta       json.RawMessage `json:"meta,omitempty"`
}

// ApplyLedger upserts the account balance and appends the event inside tx.
func (s *Store) ApplyLedger(ctx context.Context, tx *sql.Tx, ev LedgerEvent) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_accounts (owner_did, balance) VALUES ($1, $2)
		 ON CONFLICT (owner_did) DO UPDATE SET balance = ledger_accounts.balance + $2`,
		ev.OwnerDID, ev.Delta); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_events (owner_did, workflow_id, node_name, delta, reason, meta)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.OwnerDID, ev.WorkflowID, ev.NodeName, ev.Delta, ev.Reason, nullableJSON(ev.Meta))
	return err
}

func (s *Store) Balance(ctx context.Context, ownerDID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM ledger_accounts WHERE owner_did = $1`, ownerDID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return balance, err
}

// Deposit credits an account outside any workflow, recording a crypto_deposit
// event.
func (s *Store) Deposit(ctx context.Context, ownerDID string, amount int64, meta json.RawMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.ApplyLedger(ctx, tx, LedgerEvent{
		OwnerDID: ownerDID, Delta: amount, Reason: "crypto_deposit", Meta: meta,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// --- trust / endorsements / feedback ---

// TrustRecord mirrors one agent_trust row.
type TrustRecord struct {
	AgentDID       string  `json:"agentDid"`
	SuccessCount   int64   `json:"successCount"`
	FailCount      int64   `json:"failCount"`
	AvgLatencyMs   float64 `json:"avgLatencyMs"`
	LatencySamples int64   `json:"latencySamples"`
	Reputation     float64 `json:"reputation"`
}

func (s *Store) GetTrust(ctx context.Context, agentDID string) (*TrustRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT agent_did, success_count, fail_count, avg_latency_ms, latency_samples, reputation
		 FROM agent_trust WHERE agent_did = $1`, agentDID)
	t := &TrustRecord{}
	err := row.Scan(&t.AgentDID, &t.SuccessCount, &t.FailCount, &t.AvgLatencyMs, &t.LatencySamples, &t.Reputation)
	if err == sql.ErrNoRows {
		return &TrustRecord{AgentDID: agentDID, Reputation: 0.5}, nil
	}
	return t, err
}

func (s *Store) UpsertTrust(ctx context.Context, t *TrustRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_trust (agent_did, success_count, fail_count, avg_latency_ms, latency_samples, reputation, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())
		 ON CONFLICT (agent_did) DO UPDATE SET
		   success_count = $2, fail_count = $3, avg_latency_ms = $4, latency_samples = $5, reputation = $6, updated_at = now()`,
		t.AgentDID, t.SuccessCount, t.FailCount, t.AvgLatencyMs, t.LatencySamples, t.Reputation)
	return err
}

func (s *Store) ListTrustedAgents(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT agent_did FROM agent_trust`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var did string
		if err := rows.Scan(&did); err != nil {
			return nil, err
		}
		out = append(out, did)
	}
	return out, rows.Err()
}

// SaveReputation writes a recomputed rank value for one agent, preserving the
// counters.
func (s *Store) SaveReputation(ctx context.Context, agentDID string, reputation float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_trust (agent_did, reputation, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (agent_did) DO UPDATE SET reputation = $2, updated_at = now()`,
		agentDID, reputation)
	return err
}

// Endorsement is one directed trust edge.
type Endorsement struct {
	FromDID string
	ToDID   string
	Weight  float64
}

func (s *Store) InsertEndorsement(ctx context.Context, e Endorsement) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO endorsements (from_did, to_did, weight) VALUES ($1, $2, $3)`,
		e.FromDID, e.ToDID, e.Weight)
	return err
}

func (s *Store) ListEndorsements(ctx context.Context) ([]Endorsement, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT from_did, to_did, weight FROM endorsements`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Endorsement
	for rows.Next() {
		var e Endorsement
		if err := rows.Scan(&e.FromDID, &e.ToDID, &e.Weight); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// FeedbackEdge is an implicit trust edge from requester feedback. Quality nil
// means the submitter gave no score.
type FeedbackEdge struct {
	AgentDID string
	FromDID  string
	Quality  *float64
}

func (s *Store) InsertFeedback(ctx context.Context, f FeedbackEdge) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback (agent_did, from_did, quality) VALUES ($1, $2, $3)`,
		f.AgentDID, f.FromDID, f.Quality)
	return err
}

func (s *Store) ListFeedback(ctx context.Context) ([]FeedbackEdge, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT agent_did, from_did, quality FROM feedback`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FeedbackEdge
	for rows.Next() {
		var f FeedbackEdge
		if err := rows.Scan(&f.AgentDID, &f.FromDID, &f.Quality); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// --- heartbeats & keys ---

// Heartbeat mirrors one heartbeats row.
type Heartbeat struct {
	AgentDID     string    `json:"agentDid"`
	LastSeen     time.Time `json:"lastSeen"`
	Load         float64   `json:"load"`
	LatencyMs    int       `json:"latencyMs"`
	QueueDepth   int       `json:"queueDepth"`
	Availability float64   `json:"availability"`
}

func (s *Store) UpsertHeartbeat(ctx context.Context, hb *Heartbeat) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO heartbeats (agent_did, last_seen, load, latency_ms, queue_depth, availability)
		 VALUES ($1, now(), $2, $3, $4, $5)
		 ON CONFLICT (agent_did) DO UPDATE SET
		   last_seen = now(), load = $2, latency_ms = $3, queue_depth = $4, availability = $5`,
		hb.AgentDID, hb.Load, hb.LatencyMs, hb.QueueDepth, hb.Availability)
	return err
}

func (s *Store) GetHeartbeat(ctx context.Context, agentDID string) (*Heartbeat, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT agent_did, last_seen, load, latency_ms, queue_depth, availability
		 FROM heartbeats WHERE agent_did = $1`, agentDID)
	hb := &Heartbeat{}
	err := row.Scan(&hb.AgentDID, &hb.LastSeen, &hb.Load, &hb.LatencyMs, &hb.QueueDepth, &hb.Availability)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return hb, err
}

func (s *Store) GetAgentKey(ctx context.Context, agentDID string) ([]byte, error) {
	var key []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT public_key FROM agent_keys WHERE agent_did = $1`, agentDID).Scan(&key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return key, err
}

func (s *Store) UpsertAgentKey(ctx context.Context, agentDID string, publicKey []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_keys (agent_did, public_key) VALUES ($1, $2)
		 ON CONFLICT (agent_did) DO UPDATE SET public_key = $2`,
		agentDID, publicKey)
	return err
}

// nullableJSON maps empty raw messages to SQL NULL instead of invalid ''.
func nullableJSON(m json.RawMessage) any {
	if len(m) == 0 {
		return nil
	}
	return []byte(m)
}
