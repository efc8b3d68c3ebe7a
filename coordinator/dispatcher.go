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
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"
)

// retryBackoffs[r] is the delay before retry r. Index 0 is the initial
// immediate delivery; a job whose retry count reaches len(retryBackoffs)
// dead-letters.
var retryBackoffs = []time.Duration{
	0,
	1 * time.Second,
	5 * time.Second,
	30 * time.Second,
}

// Dispatcher is the delivery worker. Every interval it fails timed-out
// nodes, claims a batch of due jobs and delivers each: native webhook agents
// get a signed POST and report back through the result callback; recognized
// provider endpoints are driven synchronously through an adapter.
//
// Multiple dispatchers may run against one database; the claim uses
// FOR UPDATE SKIP LOCKED so a job is only ever held by one worker.
type Dispatcher struct {
	store  *Store
	orch   *Orchestrator
	cfg    *Config
	client *http.Client

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewDispatcher(store *Store, orch *Orchestrator, cfg *Config) *Dispatcher {
	return &Dispatcher{
		store:  store,
		orch:   orch,
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		stop:   make(chan struct{}),
	}
}

func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.cfg.DispatchInterval)
		defer ticker.Stop()
		log.Printf("[Dispatcher] started (interval %s, batch %d)", d.cfg.DispatchInterval, d.cfg.DispatchBatchSize)
		for {
			select {
			case <-d.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), d.cfg.DispatchInterval*10)
				d.runOnce(ctx)
				cancel()
			}
		}
	}()
}

func (d *Dispatcher) Stop() {
	close(d.stop)
	d.wg.Wait()
	log.Printf("[Dispatcher] stopped")
}

// runOnce is one worker pass: timeout sweep, claim, deliver.
func (d *Dispatcher) runOnce(ctx context.Context) {
	timedOut, err := d.store.SweepTimeouts(ctx)
	if err != nil {
		log.Printf("[Dispatcher] timeout sweep: %v", err)
	}
	for _, pair := range timedOut {
		log.Printf("[Dispatcher] node %s/%s timed out", pair[0], pair[1])
		d.orch.events.Publish(Event{Type: "node.failed", WorkflowID: pair[0], NodeName: pair[1], Reason: "timeout"})
		if err := d.orch.recomputeWorkflowStatus(ctx, pair[0]); err != nil {
			log.Printf("[Dispatcher] recompute after timeout %s: %v", pair[0], err)
		}
	}

	jobs, err := d.store.ClaimJobs(ctx, d.cfg.DispatchBatchSize)
	if err != nil {
		log.Printf("[Dispatcher] claim: %v", err)
		return
	}
	dispatchQueueDepth.Set(float64(len(jobs)))
	for _, job := range jobs {
		d.deliver(ctx, job)
	}
}

// deliver handles one claimed job end to end.
func (d *Dispatcher) deliver(ctx context.Context, job DispatchJob) {
	n, err := d.store.GetNode(ctx, job.WorkflowID, job.NodeName)
	if err != nil {
		// Node gone or already terminal: the job has nothing to deliver.
		log.Printf("[Dispatcher] dropping job %s/%s#%d: %v", job.WorkflowID, job.NodeName, job.Attempt, err)
		d.store.DeleteJob(ctx, job)
		return
	}
	if n.Status != NodeDispatched {
		d.store.DeleteJob(ctx, job)
		return
	}

	var deliverErr error
	if kind := DetectAdapter(job.TargetURL); kind != AdapterWebhook {
		deliverErr = d.deliverAdapter(ctx, job, n, kind)
	} else {
		deliverErr = d.deliverWebhook(ctx, job)
	}

	if deliverErr == nil {
		deliveries.WithLabelValues("ok").Inc()
		d.store.DeleteJob(ctx, job)
		return
	}
	deliveries.WithLabelValues("error").Inc()
	d.handleFailure(ctx, job, n, deliverErr)
}

// deliverWebhook POSTs the signed job payload to the agent endpoint. The
// agent acknowledges with 2xx and reports its result later through the
// callback; non-2xx or transport errors count as delivery failures.
func (d *Dispatcher) deliverWebhook(ctx context.Context, job DispatchJob) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.TargetURL, bytes.NewReader(job.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(eventHeader, "node.dispatch")
	if d.cfg.WebhookSecret != "" {
		req.Header.Set(signatureHeader, signPayload(d.cfg.WebhookSecret, job.Payload))
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("agent returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	return nil
}

// deliverAdapter drives a hosted provider synchronously and ingests the
// outcome as if the provider had called back. The generated resultId keeps
// the ingest path's idempotency intact.
func (d *Dispatcher) deliverAdapter(ctx context.Context, job DispatchJob, n *Node, kind AdapterKind) error {
	result, err := callAdapter(ctx, d.client, kind, job.TargetURL, n.Payload)
	if err != nil {
		return err
	}
	if _, err := d.orch.IngestResult(ctx, job.WorkflowID, job.NodeName, ResultSubmission{
		Result: result,
	}); err != nil {
		log.Printf("[Dispatcher] adapter ingest %s/%s: %v", job.WorkflowID, job.NodeName, err)
	}
	return nil
}

// handleFailure applies the retry schedule: reschedule with backoff until the
// schedule is exhausted, then dead-letter. Verification deliveries fail open
// when configured, so an unreachable verifier never wedges a workflow.
func (d *Dispatcher) handleFailure(ctx context.Context, job DispatchJob, n *Node, deliverErr error) {
	retries := job.Retries + 1
	errMsg := truncate(deliverErr.Error(), 500)
	log.Printf("[Dispatcher] delivery %s/%s#%d failed (retry %d): %v",
		job.WorkflowID, job.NodeName, job.Attempt, retries, deliverErr)

	// The node's maxAttempts caps delivery attempts below the default schedule.
	limit := len(retryBackoffs)
	if n.MaxAttempts > 0 && n.MaxAttempts < limit {
		limit = n.MaxAttempts
	}
	if retries < limit {
		next := time.Now().Add(retryBackoffs[retries])
		if err := d.store.RescheduleJob(ctx, job, retries, errMsg, next); err != nil {
			log.Printf("[Dispatcher] reschedule %s/%s#%d: %v", job.WorkflowID, job.NodeName, job.Attempt, err)
		}
		return
	}

	if n.CapabilityID == verifyCapability && d.cfg.VerifyFailOpen {
		log.Printf("[Dispatcher] verifier unreachable for %s/%s, failing open", job.WorkflowID, job.NodeName)
		if err := d.store.DeleteJob(ctx, job); err != nil {
			log.Printf("[Dispatcher] delete verify job: %v", err)
		}
		if _, err := d.orch.IngestResult(ctx, job.WorkflowID, job.NodeName, ResultSubmission{
			Result: []byte(`{"verified":true}`),
		}); err != nil {
			log.Printf("[Dispatcher] fail-open ingest %s/%s: %v", job.WorkflowID, job.NodeName, err)
		}
		return
	}

	deadLettered.Inc()
	if err := d.store.DeadLetter(ctx, job, retries, errMsg); err != nil {
		log.Printf("[Dispatcher] dead letter %s/%s#%d: %v", job.WorkflowID, job.NodeName, job.Attempt, err)
	}
	// The node stays dispatched; the timeout sweep makes it terminal.
	d.orch.events.Publish(Event{
		Type: "node.deadlettered", WorkflowID: job.WorkflowID, NodeName: job.NodeName, Reason: errMsg,
	})
}
