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
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// verifyCapability is the capability id of verification agents. Synthetic
// verification nodes target it, and its deliveries get the fail-open
// treatment in the dispatcher.
const verifyCapability = "cap.verify.v1"

// Orchestrator owns the workflow lifecycle: publish, readiness advancement,
// result ingestion and workflow status aggregation.
type Orchestrator struct {
	store      *Store
	selector   *Selector
	directory  *DirectoryClient
	events     *EventBus
	reputation *ReputationEngine
	cfg        *Config
}

func NewOrchestrator(store *Store, selector *Selector, directory *DirectoryClient, events *EventBus, reputation *ReputationEngine, cfg *Config) *Orchestrator {
	return &Orchestrator{
		store:      store,
		selector:   selector,
		directory:  directory,
		events:     events,
		reputation: reputation,
		cfg:        cfg,
	}
}

// PublishRequest is the body of POST /v1/workflows.
type PublishRequest struct {
	Intent     string              `json:"intent"`
	PayerDID   string              `json:"payerDid"`
	MaxCost    *int64              `json:"maxCost"`
	WebhookURL string              `json:"webhookUrl"`
	Nodes      map[string]NodeSpec `json:"nodes"`
}

// Publish validates the graph, persists workflow and nodes atomically, then
// runs the first readiness pass. Nothing is persisted when validation fails.
func (o *Orchestrator) Publish(ctx context.Context, req PublishRequest) (*Workflow, error) {
	if err := ValidateGraph(req.Nodes); err != nil {
		return nil, err
	}

	wf := &Workflow{
		ID:         uuid.NewString(),
		Intent:     req.Intent,
		PayerDID:   req.PayerDID,
		MaxCost:    req.MaxCost,
		Status:     WorkflowRunning,
		WebhookURL: req.WebhookURL,
	}

	tx, err := o.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := o.store.InsertWorkflow(ctx, tx, wf); err != nil {
		return nil, err
	}
	for name, spec := range req.Nodes {
		timeout := o.cfg.DefaultNodeTimeout
		if spec.TimeoutMs > 0 {
			timeout = time.Duration(spec.TimeoutMs) * time.Millisecond
		}
		maxAttempts := o.cfg.DefaultMaxAttempts
		if spec.MaxAttempts > 0 {
			maxAttempts = spec.MaxAttempts
		}
		n := &Node{
			ID:                   uuid.NewString(),
			WorkflowID:           wf.ID,
			Name:                 name,
			CapabilityID:         spec.CapabilityID,
			DependsOn:            spec.DependsOn,
			Payload:              spec.Payload,
			Status:               initialStatus(spec),
			MaxAttempts:          maxAttempts,
			Deadline:             time.Now().Add(timeout),
			RequiresVerification: spec.RequiresVerification,
		}
		if n.DependsOn == nil {
			n.DependsOn = []string{}
		}
		if err := o.store.InsertNode(ctx, tx, n); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	workflowsPublished.Inc()
	log.Printf("[Orchestrator] published workflow %s (%d nodes)", wf.ID, len(req.Nodes))
	o.events.Publish(Event{Type: "workflow.published", WorkflowID: wf.ID, Status: string(wf.Status)})

	if err := o.Advance(ctx, wf.ID); err != nil {
		log.Printf("[Orchestrator] initial advance for %s: %v", wf.ID, err)
	}
	return wf, nil
}

// Advance marks every node whose dependencies have all succeeded as ready and
// enqueues a dispatch for each. Redundant calls are harmless: a node that is
// already dispatched or terminal is skipped, and the job insert dedupes on
// its attempt key.
func (o *Orchestrator) Advance(ctx context.Context, workflowID string) error {
	wf, err := o.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Status.Terminal() {
		return nil
	}
	nodes, err := o.store.GetNodes(ctx, workflowID)
	if err != nil {
		return err
	}
	byName := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		byName[n.Name] = n
	}
	for _, name := range readySet(nodes) {
		n := byName[name]
		if n.Status == NodePending {
			if err := o.store.MarkNodeReady(ctx, workflowID, name); err != nil {
				return err
			}
		}
		if err := o.dispatchNode(ctx, wf, &n); err != nil {
			return err
		}
	}
	return nil
}

// dispatchNode selects an agent for a ready node and enqueues delivery. No
// eligible agent is a terminal node failure, not a retry.
func (o *Orchestrator) dispatchNode(ctx context.Context, wf *Workflow, n *Node) error {
	candidate, err := o.selector.Select(ctx, n.CapabilityID)
	if err != nil {
		if errors.Is(err, ErrNoAgent) {
			if n.CapabilityID == verifyCapability && o.cfg.VerifyFailOpen {
				log.Printf("[Orchestrator] no verifier for %s/%s, failing open", wf.ID, n.Name)
				return o.failOpenVerification(ctx, wf.ID, n.Name)
			}
			log.Printf("[Orchestrator] no agent for %s/%s (%s)", wf.ID, n.Name, n.CapabilityID)
			if err := o.store.FailNode(ctx, wf.ID, n.Name, "no_agent"); err != nil {
				return err
			}
			o.events.Publish(Event{Type: "node.failed", WorkflowID: wf.ID, NodeName: n.Name, Reason: "no_agent"})
			return o.recomputeWorkflowStatus(ctx, wf.ID)
		}
		return err
	}

	payload, err := json.Marshal(map[string]any{
		"workflowId":   wf.ID,
		"nodeName":     n.Name,
		"capabilityId": n.CapabilityID,
		"payload":      n.Payload,
	})
	if err != nil {
		return err
	}

	timeout := n.Deadline.Sub(n.CreatedAt)
	if timeout <= 0 {
		timeout = o.cfg.DefaultNodeTimeout
	}
	deadline := time.Now().Add(timeout)

	if err := o.store.EnqueueDispatch(ctx, wf.ID, n.Name, candidate.DID, candidate.Price, candidate.Endpoint, payload, deadline); err != nil {
		return err
	}
	nodesDispatched.Inc()
	o.events.Publish(Event{Type: "node.dispatched", WorkflowID: wf.ID, NodeName: n.Name, Status: string(NodeDispatched)})
	return nil
}

// failOpenVerification completes a verification node that no verifier can
// serve. The node walks its normal dispatched edge first so ingestion accepts
// the synthetic approval, and the workflow keeps moving.
func (o *Orchestrator) failOpenVerification(ctx context.Context, workflowID, name string) error {
	if err := o.store.MarkNodeDispatched(ctx, workflowID, name); err != nil {
		return err
	}
	if _, err := o.IngestResult(ctx, workflowID, name, ResultSubmission{
		Result: json.RawMessage(`{"verified":true}`),
	}); err != nil && !errors.Is(err, ErrDuplicateResult) {
		return err
	}
	return nil
}

// recomputeWorkflowStatus derives the workflow status from its nodes and, on
// a terminal transition, emits the completion event and webhook.
func (o *Orchestrator) recomputeWorkflowStatus(ctx context.Context, workflowID string) error {
	wf, err := o.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Status.Terminal() {
		return nil
	}
	nodes, err := o.store.GetNodes(ctx, workflowID)
	if err != nil {
		return err
	}
	status := aggregateStatus(nodes)
	if status == wf.Status || !status.Terminal() {
		return nil
	}
	if err := o.store.SetWorkflowStatus(ctx, workflowID, status); err != nil {
		return err
	}
	workflowsCompleted.WithLabelValues(string(status)).Inc()
	ev := Event{Type: "workflow.completed", WorkflowID: workflowID, Status: string(status)}
	o.events.Publish(ev)
	go o.events.NotifyWebhook(wf.WebhookURL, ev)
	log.Printf("[Orchestrator] workflow %s -> %s", workflowID, status)
	return nil
}

// injectVerificationNode appends a synthetic verify_<name> node depending on
// the verified node, when no verifier-shaped sibling exists yet and the
// directory knows at least one verifier. Best effort.
func (o *Orchestrator) injectVerificationNode(ctx context.Context, wf *Workflow, verified *Node) {
	verifyName := "verify_" + verified.Name
	if _, err := o.store.GetNode(ctx, wf.ID, verifyName); err == nil {
		return
	} else if !errors.Is(err, ErrNodeNotFound) {
		log.Printf("[Orchestrator] verification lookup %s/%s: %v", wf.ID, verifyName, err)
		return
	}
	verifiers, err := o.directory.Agents(ctx, verifyCapability)
	if err != nil || len(verifiers) == 0 {
		log.Printf("[Orchestrator] no verifier available for %s/%s", wf.ID, verified.Name)
		return
	}

	payload, err := json.Marshal(map[string]any{
		"targetNode": verified.Name,
		"resultHash": verified.ResultHash,
		"result":     verified.Result,
	})
	if err != nil {
		return
	}
	tx, err := o.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	n := &Node{
		ID:           uuid.NewString(),
		WorkflowID:   wf.ID,
		Name:         verifyName,
		CapabilityID: verifyCapability,
		DependsOn:    []string{verified.Name},
		Payload:      payload,
		Status:       NodeReady,
		MaxAttempts:  o.cfg.DefaultMaxAttempts,
		Deadline:     time.Now().Add(o.cfg.DefaultNodeTimeout),
	}
	if err := o.store.InsertNode(ctx, tx, n); err != nil {
		log.Printf("[Orchestrator] inject verification %s/%s: %v", wf.ID, verifyName, err)
		return
	}
	if err := tx.Commit(); err != nil {
		return
	}
	log.Printf("[Orchestrator] injected %s for workflow %s", verifyName, wf.ID)
}

// recordVerificationEdge turns a finished verification node into a trust edge
// from the verifier to the verified node's agent: +1 when the verifier agreed,
// -1 when it did not.
func (o *Orchestrator) recordVerificationEdge(ctx context.Context, n *Node, success bool) {
	if n.CapabilityID != verifyCapability || n.AgentDID == "" {
		return
	}
	targetName := ""
	if len(n.DependsOn) > 0 {
		targetName = n.DependsOn[0]
	}
	if targetName == "" {
		return
	}
	target, err := o.store.GetNode(ctx, n.WorkflowID, targetName)
	if err != nil || target.AgentDID == "" {
		return
	}
	weight := 1.0
	verified := false
	if success && len(n.Result) > 0 {
		var body struct {
			Verified bool `json:"verified"`
		}
		if json.Unmarshal(n.Result, &body) == nil {
			verified = body.Verified
		}
	}
	if !verified {
		weight = -1.0
	}
	if err := o.store.InsertEndorsement(ctx, Endorsement{
		FromDID: n.AgentDID,
		ToDID:   target.AgentDID,
		Weight:  weight,
	}); err != nil {
		log.Printf("[Orchestrator] endorsement insert: %v", err)
	}
}

// RecordHeartbeat stores the agent's load report with its derived
// availability and returns the score.
func (o *Orchestrator) RecordHeartbeat(ctx context.Context, hb *Heartbeat) (float64, error) {
	if hb.AgentDID == "" {
		return 0, fmt.Errorf("heartbeat missing did")
	}
	hb.LastSeen = time.Now()
	hb.Availability = AvailabilityScore(hb, hb.LastSeen, o.cfg.HeartbeatTTL)
	if err := o.store.UpsertHeartbeat(ctx, hb); err != nil {
		return 0, err
	}
	return hb.Availability, nil
}
