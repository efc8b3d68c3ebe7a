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
	"math"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

var trustTestColumns = []string{
	"agent_did", "success_count", "fail_count", "avg_latency_ms", "latency_samples", "reputation",
}

func TestRecordOutcomeLatencyMeanCountsOnlyReportedSamples(t *testing.T) {
	orch, mock := newTestOrchestrator(t)

	// First outcome reports 100ms: one sample, mean 100.
	mock.ExpectQuery("SELECT (.+) FROM agent_trust").
		WithArgs("did:noot:agent").
		WillReturnRows(sqlmock.NewRows(trustTestColumns).
			AddRow("did:noot:agent", int64(0), int64(0), float64(0), int64(0), 0.5))
	mock.ExpectExec("INSERT INTO agent_trust").
		WithArgs("did:noot:agent", int64(1), int64(0), float64(100), int64(1), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := orch.reputation.RecordOutcome(context.Background(), "did:noot:agent", true, 100); err != nil {
		t.Fatal(err)
	}

	// Second outcome reports no latency: counters move, the mean and the
	// sample count do not.
	mock.ExpectQuery("SELECT (.+) FROM agent_trust").
		WithArgs("did:noot:agent").
		WillReturnRows(sqlmock.NewRows(trustTestColumns).
			AddRow("did:noot:agent", int64(1), int64(0), float64(100), int64(1), 0.8))
	mock.ExpectExec("INSERT INTO agent_trust").
		WithArgs("did:noot:agent", int64(2), int64(0), float64(100), int64(1), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := orch.reputation.RecordOutcome(context.Background(), "did:noot:agent", true, 0); err != nil {
		t.Fatal(err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestScoreTrustNewAgentIsNeutral(t *testing.T) {
	// Laplace smoothing: zero history means a 0.5 success rate, not 0 or 1.
	score := scoreTrust(0, 0, 0)
	if score <= 0 || score > 1 {
		t.Fatalf("new agent score out of range: %f", score)
	}
	rate := float64(0+1) / float64(0+0+2)
	if rate != 0.5 {
		t.Fatalf("smoothed rate for empty history should be 0.5, got %f", rate)
	}
}

func TestScoreTrustOrdersByOutcomes(t *testing.T) {
	good := scoreTrust(99, 1, 100)
	bad := scoreTrust(1, 99, 100)
	if good <= bad {
		t.Fatalf("good agent %f should outrank bad agent %f", good, bad)
	}
	fast := scoreTrust(50, 50, 10)
	slow := scoreTrust(50, 50, 10000)
	if fast <= slow {
		t.Fatalf("fast agent %f should outrank slow agent %f", fast, slow)
	}
}

func TestScoreTrustClamped(t *testing.T) {
	for _, args := range [][3]float64{{0, 0, 0}, {1000000, 0, 0}, {0, 1000000, 1e9}} {
		score := scoreTrust(int64(args[0]), int64(args[1]), args[2])
		if score < 0 || score > 1 {
			t.Errorf("scoreTrust(%v) = %f out of [0,1]", args, score)
		}
	}
}

func TestPageRankEmptyGraph(t *testing.T) {
	ranks := pageRank(nil, nil)
	if len(ranks) != 0 {
		t.Fatalf("empty graph should produce no ranks, got %v", ranks)
	}
}

func TestPageRankIsolatedAgentsShareRank(t *testing.T) {
	ranks := pageRank([]string{"a", "b", "c"}, nil)
	for did, r := range ranks {
		if math.Abs(r-1.0/3.0) > 1e-9 {
			t.Errorf("isolated agent %s rank %f, want 1/3", did, r)
		}
	}
}

func TestPageRankFavorsEndorsed(t *testing.T) {
	agents := []string{"hub", "endorsed", "other"}
	edges := []Endorsement{
		{FromDID: "hub", ToDID: "endorsed", Weight: 1},
		{FromDID: "other", ToDID: "endorsed", Weight: 1},
	}
	ranks := pageRank(agents, edges)
	if ranks["endorsed"] <= ranks["other"] {
		t.Fatalf("endorsed %f should outrank other %f", ranks["endorsed"], ranks["other"])
	}
}

func TestPageRankNegativeWeightsDoNotPropagate(t *testing.T) {
	agents := []string{"a", "b"}
	edges := []Endorsement{{FromDID: "a", ToDID: "b", Weight: -1}}
	ranks := pageRank(agents, edges)
	// A source with only negative out-weight is dangling; both agents fall
	// back to teleport mass.
	if math.Abs(ranks["a"]-ranks["b"]) > 1e-9 {
		t.Fatalf("negative-only edge should not move rank: %v", ranks)
	}
}

func TestPageRankBounds(t *testing.T) {
	agents := []string{"a", "b", "c", "d"}
	edges := []Endorsement{
		{FromDID: "a", ToDID: "b", Weight: 3},
		{FromDID: "b", ToDID: "c", Weight: 0.2},
		{FromDID: "c", ToDID: "a", Weight: 1},
		{FromDID: "d", ToDID: "a", Weight: 5},
	}
	ranks := pageRank(agents, edges)
	for did, r := range ranks {
		if r < pageRankFloor || r > 1 {
			t.Errorf("rank %s = %f outside [%f, 1]", did, r, pageRankFloor)
		}
	}
}

func TestAvailabilityScore(t *testing.T) {
	now := time.Now()
	ttl := 60 * time.Second

	idle := &Heartbeat{LastSeen: now, Load: 0, LatencyMs: 0, QueueDepth: 0}
	if got := AvailabilityScore(idle, now, ttl); got != 1 {
		t.Errorf("idle agent availability = %f, want 1", got)
	}

	loaded := &Heartbeat{LastSeen: now, Load: 1, LatencyMs: 2000, QueueDepth: 5}
	if got := AvailabilityScore(loaded, now, ttl); got != 0 {
		t.Errorf("saturated agent availability = %f, want 0", got)
	}

	half := &Heartbeat{LastSeen: now, Load: 0.5, LatencyMs: 500, QueueDepth: 1}
	want := clamp01(1 - 0.4*0.5 - 0.2*1 - 0.4*0.5)
	if got := AvailabilityScore(half, now, ttl); math.Abs(got-want) > 1e-9 {
		t.Errorf("availability = %f, want %f", got, want)
	}

	stale := &Heartbeat{LastSeen: now.Add(-3 * ttl), Load: 0}
	if got := AvailabilityScore(stale, now, ttl); got != 0 {
		t.Errorf("stale heartbeat availability = %f, want 0", got)
	}

	if got := AvailabilityScore(nil, now, ttl); got != 0 {
		t.Errorf("missing heartbeat availability = %f, want 0", got)
	}

	// Exactly at the 2x boundary still counts as fresh.
	edge := &Heartbeat{LastSeen: now.Add(-2 * ttl), Load: 0}
	if got := AvailabilityScore(edge, now, ttl); got != 1 {
		t.Errorf("boundary heartbeat availability = %f, want 1", got)
	}
}
