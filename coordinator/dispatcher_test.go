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
	"database/sql/driver"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, sqlmock.Sqlmock) {
	t.Helper()
	orch, mock := newTestOrchestrator(t)
	return &Dispatcher{
		store:  orch.store,
		orch:   orch,
		cfg:    orch.cfg,
		client: &http.Client{Timeout: time.Second},
	}, mock
}

// timeWithin matches a time argument inside [lo, hi].
type timeWithin struct {
	lo, hi time.Time
}

func (m timeWithin) Match(v driver.Value) bool {
	ts, ok := v.(time.Time)
	return ok && !ts.Before(m.lo) && !ts.After(m.hi)
}

func TestRetryBackoffSchedule(t *testing.T) {
	want := []time.Duration{0, time.Second, 5 * time.Second, 30 * time.Second}
	if len(retryBackoffs) != len(want) {
		t.Fatalf("schedule length %d, want %d", len(retryBackoffs), len(want))
	}
	for i := range want {
		if retryBackoffs[i] != want[i] {
			t.Errorf("backoff[%d] = %s, want %s", i, retryBackoffs[i], want[i])
		}
	}
}

func TestHandleFailureWalksScheduleThenDeadLetters(t *testing.T) {
	d, mock := newTestDispatcher(t)
	job := DispatchJob{
		WorkflowID: "wf-1", NodeName: "fetch", Attempt: 1,
		TargetURL: "http://agent.example/hook", Payload: json.RawMessage(`{}`),
	}
	n := &Node{WorkflowID: "wf-1", Name: "fetch", CapabilityID: "cap.fetch.v1", MaxAttempts: 4}
	deliverErr := errors.New("connection refused")

	// Each failure bumps the retry counter and pushes next_attempt out by
	// the matching backoff.
	for retry := 1; retry < len(retryBackoffs); retry++ {
		start := time.Now()
		mock.ExpectExec("UPDATE dispatch_jobs SET status = 'pending'").
			WithArgs("wf-1", "fetch", 1, retry, "connection refused", timeWithin{
				lo: start.Add(retryBackoffs[retry]),
				hi: start.Add(retryBackoffs[retry] + 5*time.Second),
			}).
			WillReturnResult(sqlmock.NewResult(0, 1))
		d.handleFailure(context.Background(), job, n, deliverErr)
		job.Retries = retry
	}

	// Schedule exhausted: the job moves to dead_letters and leaves the
	// queue in one transaction.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO dead_letters").
		WithArgs("wf-1", "fetch", "http://agent.example/hook", []byte(`{}`),
			len(retryBackoffs), "connection refused").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("DELETE FROM dispatch_jobs").
		WithArgs("wf-1", "fetch", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	d.handleFailure(context.Background(), job, n, deliverErr)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestHandleFailureHonorsNodeMaxAttempts(t *testing.T) {
	d, mock := newTestDispatcher(t)
	job := DispatchJob{
		WorkflowID: "wf-1", NodeName: "fetch", Attempt: 1,
		TargetURL: "http://agent.example/hook", Payload: json.RawMessage(`{}`),
	}
	// maxAttempts 1 caps delivery below the default schedule: the first
	// failure dead-letters instead of rescheduling.
	n := &Node{WorkflowID: "wf-1", Name: "fetch", CapabilityID: "cap.fetch.v1", MaxAttempts: 1}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO dead_letters").
		WithArgs("wf-1", "fetch", "http://agent.example/hook", []byte(`{}`), 1, "boom").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("DELETE FROM dispatch_jobs").
		WithArgs("wf-1", "fetch", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	d.handleFailure(context.Background(), job, n, errors.New("boom"))
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestHandleFailureVerifierFailsOpen(t *testing.T) {
	d, mock := newTestDispatcher(t)
	job := DispatchJob{
		WorkflowID: "wf-1", NodeName: "verify_fetch", Attempt: 1,
		Retries:   len(retryBackoffs) - 1,
		TargetURL: "http://verifier.example/hook", Payload: json.RawMessage(`{}`),
	}
	n := &Node{WorkflowID: "wf-1", Name: "verify_fetch", CapabilityID: verifyCapability, MaxAttempts: 4}

	// An unreachable verifier never dead-letters: the job is dropped and
	// the node completes with a synthetic approval.
	mock.ExpectExec("DELETE FROM dispatch_jobs").
		WithArgs("wf-1", "verify_fetch", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM workflow_nodes WHERE (.+) FOR UPDATE").
		WillReturnRows(nodeRow(NodeDispatched, "", "", 0))
	mock.ExpectExec("UPDATE workflow_nodes").
		WithArgs("wf-1", "verify_fetch", "success", []byte(`{"verified":true}`),
			sqlmock.AnyArg(), sqlmock.AnyArg(), "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	d.handleFailure(context.Background(), job, n, errors.New("verifier down"))
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestDeliverWebhookSignsAndPosts(t *testing.T) {
	var gotSig, gotEvent string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(signatureHeader)
		gotEvent = r.Header.Get(eventHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := &Dispatcher{
		cfg:    &Config{WebhookSecret: "dispatch-secret"},
		client: srv.Client(),
	}
	payload := json.RawMessage(`{"workflowId":"wf-1","nodeName":"fetch"}`)
	job := DispatchJob{WorkflowID: "wf-1", NodeName: "fetch", Attempt: 1, TargetURL: srv.URL, Payload: payload}

	if err := d.deliverWebhook(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	if gotEvent != "node.dispatch" {
		t.Fatalf("event header = %q", gotEvent)
	}
	if !verifyPayloadSignature("dispatch-secret", gotBody, gotSig) {
		t.Fatal("delivery signature does not verify")
	}
}

func TestDeliverWebhookTreatsNon2xxAsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "agent busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := &Dispatcher{cfg: &Config{}, client: srv.Client()}
	job := DispatchJob{TargetURL: srv.URL, Payload: json.RawMessage(`{}`)}
	if err := d.deliverWebhook(context.Background(), job); err == nil {
		t.Fatal("503 from the agent should be a delivery failure")
	}
}

func TestDeliverWebhookUnreachableEndpoint(t *testing.T) {
	d := &Dispatcher{
		cfg:    &Config{},
		client: &http.Client{Timeout: 200 * time.Millisecond},
	}
	job := DispatchJob{TargetURL: "http://127.0.0.1:1/nope", Payload: json.RawMessage(`{}`)}
	if err := d.deliverWebhook(context.Background(), job); err == nil {
		t.Fatal("unreachable endpoint should be a delivery failure")
	}
}
