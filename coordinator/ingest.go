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
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
)

// ResultSubmission is the body of the result callback. Agents that registered
// an ed25519 key must sign the canonical result document.
type ResultSubmission struct {
	ResultID  string          `json:"resultId"`
	Signature string          `json:"signature"`
	Result    json.RawMessage `json:"result"`
	Error     string          `json:"error"`
	Metrics   struct {
		LatencyMs float64 `json:"latencyMs"`
	} `json:"metrics"`
}

// IngestOutcome reports what a result submission did to the node.
type IngestOutcome struct {
	Status     NodeStatus `json:"status"`
	Idempotent bool       `json:"idempotent,omitempty"`
}

// IngestResult applies one result submission in a single transaction with the
// node row locked. Settlement for priced nodes runs inside the same
// transaction; the budget check rolls everything back, so a failed charge
// leaves no partial ledger writes. Redelivery of the same resultId is
// acknowledged without side effects.
func (o *Orchestrator) IngestResult(ctx context.Context, workflowID, nodeName string, sub ResultSubmission) (*IngestOutcome, error) {
	resultID := sub.ResultID
	if resultID == "" {
		resultID = uuid.NewString()
	}

	tx, err := o.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	n, err := o.store.LockNode(ctx, tx, workflowID, nodeName)
	if err != nil {
		return nil, err
	}

	if n.ResultID != "" || n.Status.Terminal() {
		if sub.ResultID != "" && sub.ResultID == n.ResultID {
			return &IngestOutcome{Status: n.Status, Idempotent: true}, nil
		}
		return nil, fmt.Errorf("%w: node %s already holds result %s", ErrDuplicateResult, nodeName, n.ResultID)
	}

	// Only dispatched nodes accept results. A pending or ready node has no
	// agent bound yet, so accepting here would both skip the FSM's only edge
	// to success and bypass the signature check.
	if n.Status != NodeDispatched {
		return nil, fmt.Errorf("%w: node %s is %s", ErrNotDispatched, nodeName, n.Status)
	}

	// A registered key makes the signature mandatory. Rejection leaves the
	// node dispatched so the agent can resubmit correctly.
	if n.AgentDID != "" {
		key, err := o.store.GetAgentKey(ctx, n.AgentDID)
		if err != nil {
			return nil, err
		}
		if key != nil {
			if sub.Signature == "" {
				return nil, ErrMissingSignature
			}
			if err := verifyResultSignature(key, sub.Result, sub.Signature); err != nil {
				return nil, err
			}
		}
	}

	status := NodeSuccess
	failureReason := ""
	switch {
	case sub.Error != "":
		status = NodeFailed
		failureReason = truncate(sub.Error, 500)
	default:
		if err := o.directory.ValidateResult(ctx, n.CapabilityID, sub.Result); err != nil {
			if !errors.Is(err, ErrSchemaInvalid) {
				return nil, err
			}
			status = NodeFailed
			failureReason = "schema_invalid"
		}
	}

	resultHash := ""
	if len(sub.Result) > 0 {
		resultHash = hashResult(sub.Result)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE workflow_nodes
		 SET status = $3, result = $4, result_hash = $5, result_id = $6,
		     failure_reason = $7, updated_at = now()
		 WHERE workflow_id = $1 AND name = $2`,
		workflowID, nodeName, status, nullableJSON(sub.Result), resultHash, resultID, failureReason); err != nil {
		return nil, err
	}

	if status == NodeSuccess && n.Price > 0 {
		if err := o.settleNode(ctx, tx, n); err != nil {
			if errors.Is(err, ErrBudgetExceeded) {
				// Roll back the whole submission, then record the failure
				// outside the transaction.
				tx.Rollback()
				o.failOverBudget(ctx, workflowID, nodeName)
				return nil, err
			}
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	resultsIngested.WithLabelValues(string(status)).Inc()
	o.afterIngest(ctx, workflowID, nodeName, status, failureReason, sub.Metrics.LatencyMs)
	return &IngestOutcome{Status: status}, nil
}

// settleNode charges the payer and credits agent and protocol sink for one
// successful priced node, all inside the caller's transaction. The workflow
// row is locked first so concurrent node completions serialize the budget
// check.
func (o *Orchestrator) settleNode(ctx context.Context, tx *sql.Tx, n *Node) error {
	var payerDID string
	var maxCost sql.NullInt64
	var spent int64
	err := tx.QueryRowContext(ctx,
		`SELECT payer_did, max_cost, spent_cost FROM workflows WHERE id = $1 FOR UPDATE`,
		n.WorkflowID).Scan(&payerDID, &maxCost, &spent)
	if err != nil {
		return err
	}
	if maxCost.Valid && spent+n.Price > maxCost.Int64 {
		return fmt.Errorf("%w: spent %d + price %d exceeds budget %d",
			ErrBudgetExceeded, spent, n.Price, maxCost.Int64)
	}

	payout, fee := SplitFee(n.Price, o.cfg.ProtocolFeeBps)
	legs := []LedgerEvent{
		{OwnerDID: payerDID, WorkflowID: n.WorkflowID, NodeName: n.Name, Delta: -n.Price, Reason: "node_charge"},
		{OwnerDID: n.AgentDID, WorkflowID: n.WorkflowID, NodeName: n.Name, Delta: payout, Reason: "node_credit"},
	}
	if fee > 0 {
		legs = append(legs, LedgerEvent{
			OwnerDID: o.cfg.ProtocolSinkDID, WorkflowID: n.WorkflowID, NodeName: n.Name,
			Delta: fee, Reason: "protocol_fee",
		})
	}
	for _, leg := range legs {
		if err := o.store.ApplyLedger(ctx, tx, leg); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE workflows SET spent_cost = spent_cost + $2, updated_at = now() WHERE id = $1`,
		n.WorkflowID, n.Price); err != nil {
		return err
	}
	settledAmount.WithLabelValues("payout").Add(float64(payout))
	settledAmount.WithLabelValues("fee").Add(float64(fee))
	return nil
}

// failOverBudget records a budget rejection: the node fails with a stable
// reason and the workflow fails with it.
func (o *Orchestrator) failOverBudget(ctx context.Context, workflowID, nodeName string) {
	if err := o.store.FailNode(ctx, workflowID, nodeName, "budget_exceeded"); err != nil {
		log.Printf("[Ingest] budget fail mark %s/%s: %v", workflowID, nodeName, err)
	}
	if err := o.store.SetWorkflowStatus(ctx, workflowID, WorkflowFailed); err != nil {
		log.Printf("[Ingest] budget fail workflow %s: %v", workflowID, err)
	}
	workflowsCompleted.WithLabelValues(string(WorkflowFailed)).Inc()
	o.events.Publish(Event{Type: "node.failed", WorkflowID: workflowID, NodeName: nodeName, Reason: "budget_exceeded"})
	o.events.Publish(Event{Type: "workflow.completed", WorkflowID: workflowID, Status: string(WorkflowFailed)})
}

// afterIngest runs the best-effort side effects of a committed result:
// events, trust update, verification bookkeeping, readiness advancement.
// Failures here never affect the stored result.
func (o *Orchestrator) afterIngest(ctx context.Context, workflowID, nodeName string, status NodeStatus, reason string, latencyMs float64) {
	n, err := o.store.GetNode(ctx, workflowID, nodeName)
	if err != nil {
		log.Printf("[Ingest] post-commit reload %s/%s: %v", workflowID, nodeName, err)
		return
	}
	success := status == NodeSuccess

	evType := "node.succeeded"
	if !success {
		evType = "node.failed"
	}
	o.events.Publish(Event{Type: evType, WorkflowID: workflowID, NodeName: nodeName, Status: string(status), Reason: reason})

	if n.AgentDID != "" {
		if err := o.reputation.RecordOutcome(ctx, n.AgentDID, success, latencyMs); err != nil {
			log.Printf("[Ingest] trust update %s: %v", n.AgentDID, err)
		}
	}
	o.recordVerificationEdge(ctx, n, success)

	wf, err := o.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		log.Printf("[Ingest] post-commit workflow load %s: %v", workflowID, err)
		return
	}
	if success && n.RequiresVerification {
		o.injectVerificationNode(ctx, wf, n)
	}
	if err := o.recomputeWorkflowStatus(ctx, workflowID); err != nil {
		log.Printf("[Ingest] status recompute %s: %v", workflowID, err)
	}
	if err := o.Advance(ctx, workflowID); err != nil {
		log.Printf("[Ingest] advance %s: %v", workflowID, err)
	}
}
