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
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	st := NewStore(db)
	testCfg := &Config{
		ProtocolFeeBps:     250,
		ProtocolSinkDID:    "did:noot:protocol",
		HeartbeatTTL:       time.Minute,
		DefaultMaxAttempts: 4,
		DefaultNodeTimeout: 5 * time.Minute,
		SchemaFailOpen:     true,
		VerifyFailOpen:     true,
	}
	dir := NewDirectoryClient("", true) // no directory: schema validation is a no-op
	bus := NewEventBus("")
	rep := NewReputationEngine(st)
	sel := NewSelector(st, dir, testCfg)
	return NewOrchestrator(st, sel, dir, bus, rep, testCfg), mock
}

var nodeTestColumns = []string{
	"id", "workflow_id", "name", "capability_id", "depends_on", "payload", "status",
	"agent_did", "price", "attempts", "max_attempts", "result", "result_hash", "result_id",
	"deadline", "requires_verification", "verification_status", "failure_reason",
	"created_at", "updated_at",
}

func nodeRow(status NodeStatus, agentDID, resultID string, price int64) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(nodeTestColumns).AddRow(
		"node-1", "wf-1", "fetch", "cap.fetch.v1", []byte("{}"), []byte(`{}`), string(status),
		agentDID, price, 1, 4, nil, "", resultID,
		now.Add(5*time.Minute), false, "", "", now, now,
	)
}

func TestIngestResultNodeNotFound(t *testing.T) {
	orch, mock := newTestOrchestrator(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM workflow_nodes WHERE (.+) FOR UPDATE").
		WillReturnRows(sqlmock.NewRows(nodeTestColumns))
	mock.ExpectRollback()

	_, err := orch.IngestResult(context.Background(), "wf-1", "ghost", ResultSubmission{})
	if !errors.Is(err, ErrNodeNotFound) {
		t.Fatalf("want ErrNodeNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestIngestResultIdempotentRedelivery(t *testing.T) {
	orch, mock := newTestOrchestrator(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM workflow_nodes WHERE (.+) FOR UPDATE").
		WillReturnRows(nodeRow(NodeSuccess, "did:noot:agent", "result-1", 0))
	mock.ExpectRollback()

	outcome, err := orch.IngestResult(context.Background(), "wf-1", "fetch", ResultSubmission{ResultID: "result-1"})
	if err != nil {
		t.Fatal(err)
	}
	if !outcome.Idempotent || outcome.Status != NodeSuccess {
		t.Fatalf("outcome = %+v, want idempotent success", outcome)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestIngestResultConflictingResultID(t *testing.T) {
	orch, mock := newTestOrchestrator(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM workflow_nodes WHERE (.+) FOR UPDATE").
		WillReturnRows(nodeRow(NodeSuccess, "did:noot:agent", "result-1", 0))
	mock.ExpectRollback()

	_, err := orch.IngestResult(context.Background(), "wf-1", "fetch", ResultSubmission{ResultID: "result-2"})
	if !errors.Is(err, ErrDuplicateResult) {
		t.Fatalf("want ErrDuplicateResult, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestIngestResultLateArrivalAfterTimeout(t *testing.T) {
	orch, mock := newTestOrchestrator(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM workflow_nodes WHERE (.+) FOR UPDATE").
		WillReturnRows(nodeRow(NodeFailedTimeout, "did:noot:agent", "", 0))
	mock.ExpectRollback()

	_, err := orch.IngestResult(context.Background(), "wf-1", "fetch", ResultSubmission{
		Result: json.RawMessage(`{"late":true}`),
	})
	if !errors.Is(err, ErrDuplicateResult) {
		t.Fatalf("terminal node must reject a late result, got %v", err)
	}
}

func TestIngestResultRejectsUndispatchedNode(t *testing.T) {
	orch, mock := newTestOrchestrator(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM workflow_nodes WHERE (.+) FOR UPDATE").
		WillReturnRows(nodeRow(NodeReady, "", "", 0))
	mock.ExpectRollback()

	// A node that was never dispatched has no agent bound; a submission for
	// it must roll back without touching the row.
	_, err := orch.IngestResult(context.Background(), "wf-1", "fetch", ResultSubmission{
		Result: json.RawMessage(`{"answer":1}`),
	})
	if !errors.Is(err, ErrNotDispatched) {
		t.Fatalf("want ErrNotDispatched, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestIngestResultRequiresSignatureWhenKeyRegistered(t *testing.T) {
	orch, mock := newTestOrchestrator(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM workflow_nodes WHERE (.+) FOR UPDATE").
		WillReturnRows(nodeRow(NodeDispatched, "did:noot:agent", "", 0))
	mock.ExpectQuery("SELECT public_key FROM agent_keys").
		WillReturnRows(sqlmock.NewRows([]string{"public_key"}).AddRow(make([]byte, 32)))
	mock.ExpectRollback()

	_, err := orch.IngestResult(context.Background(), "wf-1", "fetch", ResultSubmission{
		Result: json.RawMessage(`{"answer":1}`),
	})
	if !errors.Is(err, ErrMissingSignature) {
		t.Fatalf("want ErrMissingSignature, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSettleNodeBudgetExceeded(t *testing.T) {
	orch, mock := newTestOrchestrator(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT payer_did, max_cost, spent_cost FROM workflows").
		WillReturnRows(sqlmock.NewRows([]string{"payer_did", "max_cost", "spent_cost"}).
			AddRow("did:noot:payer", int64(100), int64(50)))

	tx, err := orch.store.DB().Begin()
	if err != nil {
		t.Fatal(err)
	}
	n := &Node{WorkflowID: "wf-1", Name: "fetch", AgentDID: "did:noot:agent", Price: 60}
	err = orch.settleNode(context.Background(), tx, n)
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("50 spent + 60 price over 100 budget: want ErrBudgetExceeded, got %v", err)
	}
}

func TestSettleNodeWritesZeroSumLegs(t *testing.T) {
	orch, mock := newTestOrchestrator(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT payer_did, max_cost, spent_cost FROM workflows").
		WillReturnRows(sqlmock.NewRows([]string{"payer_did", "max_cost", "spent_cost"}).
			AddRow("did:noot:payer", nil, int64(0)))

	// price 100 at 250 bps: payer -100, agent +98, protocol +2.
	mock.ExpectExec("INSERT INTO ledger_accounts").
		WithArgs("did:noot:payer", int64(-100)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ledger_events").
		WithArgs("did:noot:payer", "wf-1", "fetch", int64(-100), "node_charge", nil).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO ledger_accounts").
		WithArgs("did:noot:agent", int64(98)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ledger_events").
		WithArgs("did:noot:agent", "wf-1", "fetch", int64(98), "node_credit", nil).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectExec("INSERT INTO ledger_accounts").
		WithArgs("did:noot:protocol", int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ledger_events").
		WithArgs("did:noot:protocol", "wf-1", "fetch", int64(2), "protocol_fee", nil).
		WillReturnResult(sqlmock.NewResult(3, 1))
	mock.ExpectExec("UPDATE workflows SET spent_cost").
		WithArgs("wf-1", int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	tx, err := orch.store.DB().Begin()
	if err != nil {
		t.Fatal(err)
	}
	n := &Node{WorkflowID: "wf-1", Name: "fetch", AgentDID: "did:noot:agent", Price: 100}
	if err := orch.settleNode(context.Background(), tx, n); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
