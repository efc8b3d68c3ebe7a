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
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// WorkflowStatus is the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowPending WorkflowStatus = "pending"
	WorkflowRunning WorkflowStatus = "running"
	WorkflowSuccess WorkflowStatus = "success"
	WorkflowFailed  WorkflowStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowSuccess || s == WorkflowFailed
}

// NodeStatus is the lifecycle state of a single workflow node.
//
// The machine is: pending -> ready -> dispatched -> {success|failed|failed_timeout}.
// A node never re-enters pending once ready, and the three end states are final.
type NodeStatus string

const (
	NodePending       NodeStatus = "pending"
	NodeReady         NodeStatus = "ready"
	NodeDispatched    NodeStatus = "dispatched"
	NodeSuccess       NodeStatus = "success"
	NodeFailed        NodeStatus = "failed"
	NodeFailedTimeout NodeStatus = "failed_timeout"
)

// Terminal reports whether the node can never be dispatched again.
func (s NodeStatus) Terminal() bool {
	return s == NodeSuccess || s == NodeFailed || s == NodeFailedTimeout
}

// Stable failure reasons surfaced to API clients.
var (
	ErrInvalidGraph     = errors.New("invalid_graph")
	ErrNodeNotFound     = errors.New("node_not_found")
	ErrWorkflowNotFound = errors.New("workflow_not_found")
	ErrDuplicateResult  = errors.New("duplicate_result")
	ErrNotDispatched    = errors.New("node_not_dispatched")
	ErrMissingSignature = errors.New("missing_signature")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrSchemaInvalid    = errors.New("schema_invalid")
	ErrBudgetExceeded   = errors.New("budget_exceeded")
	ErrNoAgent          = errors.New("no_agent")
)

// NodeSpec is the client-supplied definition of one node in a workflow graph.
type NodeSpec struct {
	CapabilityID         string          `json:"capabilityId"`
	DependsOn            []string        `json:"dependsOn,omitempty"`
	Payload              json.RawMessage `json:"payload,omitempty"`
	MaxAttempts          int             `json:"maxAttempts,omitempty"`
	TimeoutMs            int64           `json:"timeoutMs,omitempty"`
	RequiresVerification bool            `json:"requiresVerification,omitempty"`
}

// Workflow is a persisted workflow row.
type Workflow struct {
	ID         string         `json:"workflowId"`
	Intent     string         `json:"intent,omitempty"`
	PayerDID   string         `json:"payerDid"`
	MaxCost    *int64         `json:"maxCost,omitempty"`
	SpentCost  int64          `json:"spentCost"`
	Status     WorkflowStatus `json:"status"`
	WebhookURL string         `json:"webhookUrl,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Node is a persisted workflow node row.
type Node struct {
	ID                   string          `json:"id"`
	WorkflowID           string          `json:"workflowId"`
	Name                 string          `json:"name"`
	CapabilityID         string          `json:"capabilityId"`
	DependsOn            []string        `json:"dependsOn"`
	Payload              json.RawMessage `json:"payload,omitempty"`
	Status               NodeStatus      `json:"status"`
	AgentDID             string          `json:"agentDid,omitempty"`
	Price                int64           `json:"price"`
	Attempts             int             `json:"attempts"`
	MaxAttempts          int             `json:"maxAttempts"`
	Result               json.RawMessage `json:"result,omitempty"`
	ResultHash           string          `json:"resultHash,omitempty"`
	ResultID             string          `json:"resultId,omitempty"`
	Deadline             time.Time       `json:"deadline"`
	RequiresVerification bool            `json:"requiresVerification"`
	VerificationStatus   string          `json:"verificationStatus,omitempty"`
	FailureReason        string          `json:"failureReason,omitempty"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

type nodeColor uint8

const (
	colorWhite nodeColor = iota // unvisited
	colorGray                   // on the traversal stack
	colorBlack                  // fully explored
)

// ValidateGraph checks a node map for dangling dependencies, self-dependencies
// and cycles. It returns an error wrapping ErrInvalidGraph naming the first
// offending node; nothing is persisted by callers on failure.
//
// Cycle detection is an iterative three-color DFS with an explicit stack so
// that very large graphs cannot exhaust the call stack.
func ValidateGraph(nodes map[string]NodeSpec) error {
	if len(nodes) == 0 {
		return fmt.Errorf("%w: workflow has no nodes", ErrInvalidGraph)
	}

	names := make([]string, 0, len(nodes))
	for name := range nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		spec := nodes[name]
		if spec.CapabilityID == "" {
			return fmt.Errorf("%w: node %q has no capability", ErrInvalidGraph, name)
		}
		for _, dep := range spec.DependsOn {
			if dep == name {
				return fmt.Errorf("%w: node %q depends on itself", ErrInvalidGraph, name)
			}
			if _, ok := nodes[dep]; !ok {
				return fmt.Errorf("%w: node %q depends on unknown node %q", ErrInvalidGraph, name, dep)
			}
		}
	}

	type frame struct {
		name string
		next int // index into DependsOn of the next edge to explore
	}

	color := make(map[string]nodeColor, len(nodes))
	for _, root := range names {
		if color[root] != colorWhite {
			continue
		}
		stack := []frame{{name: root}}
		color[root] = colorGray
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := nodes[top.name].DependsOn
			if top.next >= len(deps) {
				color[top.name] = colorBlack
				stack = stack[:len(stack)-1]
				continue
			}
			dep := deps[top.next]
			top.next++
			switch color[dep] {
			case colorGray:
				return fmt.Errorf("%w: cycle through node %q", ErrInvalidGraph, dep)
			case colorWhite:
				color[dep] = colorGray
				stack = append(stack, frame{name: dep})
			}
		}
	}
	return nil
}

// initialStatus returns the status a freshly published node starts in.
// Nodes without dependencies skip straight to ready.
func initialStatus(spec NodeSpec) NodeStatus {
	if len(spec.DependsOn) == 0 {
		return NodeReady
	}
	return NodePending
}

// readySet returns the names of nodes that are pending or ready and whose
// every dependency is in the success set, in deterministic order.
func readySet(nodes []Node) []string {
	success := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if n.Status == NodeSuccess {
			success[n.Name] = true
		}
	}
	var out []string
	for _, n := range nodes {
		if n.Status != NodePending && n.Status != NodeReady {
			continue
		}
		ok := true
		for _, dep := range n.DependsOn {
			if !success[dep] {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, n.Name)
		}
	}
	sort.Strings(out)
	return out
}

// aggregateStatus derives a workflow status from its node rows: any failed
// node forces failed, all-success forces success, otherwise the workflow is
// still running.
func aggregateStatus(nodes []Node) WorkflowStatus {
	if len(nodes) == 0 {
		return WorkflowPending
	}
	allSuccess := true
	for _, n := range nodes {
		switch n.Status {
		case NodeFailed, NodeFailedTimeout:
			return WorkflowFailed
		case NodeSuccess:
		default:
			allSuccess = false
		}
	}
	if allSuccess {
		return WorkflowSuccess
	}
	return WorkflowRunning
}
