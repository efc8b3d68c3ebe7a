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
	"github.com/prometheus/client_golang/prometheus"
)

var (
	workflowsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nooterra_coordinator_workflows_published_total",
		Help: "Workflows accepted by the publish endpoint",
	})
	workflowsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nooterra_coordinator_workflows_completed_total",
		Help: "Workflows reaching a terminal status",
	}, []string{"status"})
	nodesDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nooterra_coordinator_nodes_dispatched_total",
		Help: "Nodes bound to an agent and enqueued for delivery",
	})
	resultsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nooterra_coordinator_results_ingested_total",
		Help: "Result submissions by outcome",
	}, []string{"outcome"})
	deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nooterra_coordinator_deliveries_total",
		Help: "Dispatch delivery attempts by outcome",
	}, []string{"outcome"})
	deadLettered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nooterra_coordinator_dead_letters_total",
		Help: "Jobs moved to the dead letter table",
	})
	settledAmount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nooterra_coordinator_settled_credits_total",
		Help: "Credits moved by settlement, by leg",
	}, []string{"leg"})
	eventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nooterra_coordinator_events_published_total",
		Help: "Status events published on the bus",
	}, []string{"type"})
	requestsLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nooterra_coordinator_requests_limited_total",
		Help: "Requests rejected by the rate limiter",
	})
	dispatchQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nooterra_coordinator_dispatch_queue_depth",
		Help: "Pending jobs observed at the last worker pass",
	})
)

func init() {
	prometheus.MustRegister(
		workflowsPublished,
		workflowsCompleted,
		nodesDispatched,
		resultsIngested,
		deliveries,
		deadLettered,
		settledAmount,
		eventsPublished,
		requestsLimited,
		dispatchQueueDepth,
	)
}
