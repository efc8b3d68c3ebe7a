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
	"log"
	"math"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	pageRankDamping   = 0.85
	pageRankTolerance = 1e-4
	pageRankMaxIters  = 20
	pageRankFloor     = 0.01
	systemTrustDID    = "did:noot:system"
	defaultEdgeWeight = 0.5
)

// ReputationEngine maintains per-agent trust. Two write paths feed it: the
// cheap exponential update after every ingested result, and the periodic
// PageRank recompute over the endorsement graph, whose ranks overwrite the
// incremental estimate.
type ReputationEngine struct {
	store *Store
	cron  *cron.Cron
}

func NewReputationEngine(store *Store) *ReputationEngine {
	return &ReputationEngine{store: store}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// RecordOutcome updates the agent's counters and derived reputation after one
// node completes. The latency mean is incremental so no history is kept.
func (r *ReputationEngine) RecordOutcome(ctx context.Context, agentDID string, success bool, latencyMs float64) error {
	t, err := r.store.GetTrust(ctx, agentDID)
	if err != nil {
		return err
	}
	if success {
		t.SuccessCount++
	} else {
		t.FailCount++
	}
	// Only outcomes that reported a latency enter the mean; dividing by the
	// overall outcome count would drag the average toward zero.
	if latencyMs > 0 {
		t.LatencySamples++
		t.AvgLatencyMs += (latencyMs - t.AvgLatencyMs) / float64(t.LatencySamples)
	}
	t.Reputation = scoreTrust(t.SuccessCount, t.FailCount, t.AvgLatencyMs)
	return r.store.UpsertTrust(ctx, t)
}

// scoreTrust blends a Laplace-smoothed success rate with a latency score.
// A brand-new agent scores 0.5 on the rate term instead of an extreme.
func scoreTrust(successes, failures int64, avgLatencyMs float64) float64 {
	successRate := float64(successes+1) / float64(successes+failures+2)
	latencyScore := 1.0 / math.Log10(avgLatencyMs+10)
	return clamp01(0.7*successRate + 0.3*latencyScore)
}

// Recompute runs PageRank over the endorsement + feedback graph and persists
// the resulting ranks. Returns the rank vector for the admin endpoint.
func (r *ReputationEngine) Recompute(ctx context.Context) (map[string]float64, error) {
	agents, err := r.store.ListTrustedAgents(ctx)
	if err != nil {
		return nil, err
	}
	endorsements, err := r.store.ListEndorsements(ctx)
	if err != nil {
		return nil, err
	}
	feedback, err := r.store.ListFeedback(ctx)
	if err != nil {
		return nil, err
	}

	edges := make([]Endorsement, 0, len(endorsements)+len(feedback))
	edges = append(edges, endorsements...)
	for _, f := range feedback {
		w := defaultEdgeWeight
		if f.Quality != nil {
			w = *f.Quality
		}
		from := f.FromDID
		if from == "" {
			from = systemTrustDID
		}
		edges = append(edges, Endorsement{FromDID: from, ToDID: f.AgentDID, Weight: w})
	}

	ranks := pageRank(agents, edges)
	for did, rank := range ranks {
		if err := r.store.SaveReputation(ctx, did, rank); err != nil {
			return nil, err
		}
	}
	log.Printf("[Reputation] recompute complete: %d agents, %d edges", len(ranks), len(edges))
	return ranks, nil
}

// pageRank runs power iteration over the weighted endorsement graph. Node set
// is the union of known agents and every endpoint of an edge; sources with no
// positive out-weight act as dangling nodes (their mass teleports).
func pageRank(agents []string, edges []Endorsement) map[string]float64 {
	nodeSet := make(map[string]bool, len(agents))
	for _, a := range agents {
		nodeSet[a] = true
	}
	for _, e := range edges {
		nodeSet[e.FromDID] = true
		nodeSet[e.ToDID] = true
	}
	if len(nodeSet) == 0 {
		return map[string]float64{}
	}
	nodes := make([]string, 0, len(nodeSet))
	for n := range nodeSet {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	idx := make(map[string]int, len(nodes))
	for i, n := range nodes {
		idx[n] = i
	}
	n := len(nodes)

	outWeight := make([]float64, n)
	for _, e := range edges {
		if e.Weight > 0 {
			outWeight[idx[e.FromDID]] += e.Weight
		}
	}

	rank := make([]float64, n)
	for i := range rank {
		rank[i] = 1.0 / float64(n)
	}
	teleport := (1 - pageRankDamping) / float64(n)

	for iter := 0; iter < pageRankMaxIters; iter++ {
		next := make([]float64, n)
		for i := range next {
			next[i] = teleport
		}
		for _, e := range edges {
			from := idx[e.FromDID]
			if e.Weight <= 0 || outWeight[from] <= 0 {
				continue
			}
			next[idx[e.ToDID]] += pageRankDamping * rank[from] * (e.Weight / outWeight[from])
		}
		// Renormalize so dangling mass doesn't leak out of the vector.
		var sum float64
		for _, v := range next {
			sum += v
		}
		if sum > 0 {
			for i := range next {
				next[i] /= sum
			}
		}
		var delta float64
		for i := range next {
			delta += math.Abs(next[i] - rank[i])
		}
		rank = next
		if delta < pageRankTolerance {
			break
		}
	}

	out := make(map[string]float64, n)
	for i, name := range nodes {
		out[name] = math.Max(pageRankFloor, math.Min(1, rank[i]))
	}
	return out
}

// StartSchedule begins the periodic recompute. An empty spec disables it.
func (r *ReputationEngine) StartSchedule(spec string) error {
	if spec == "" {
		log.Printf("[Reputation] scheduled recompute disabled")
		return nil
	}
	r.cron = cron.New()
	_, err := r.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if _, err := r.Recompute(ctx); err != nil {
			log.Printf("[Reputation] scheduled recompute failed: %v", err)
		}
	})
	if err != nil {
		return err
	}
	r.cron.Start()
	log.Printf("[Reputation] scheduled recompute: %s", spec)
	return nil
}

func (r *ReputationEngine) StopSchedule() {
	if r.cron != nil {
		r.cron.Stop()
	}
}

// AvailabilityScore maps a heartbeat's load figures into [0,1]. A stale
// heartbeat (older than 2x the TTL) scores 0 without being deleted.
func AvailabilityScore(hb *Heartbeat, now time.Time, ttl time.Duration) float64 {
	if hb == nil || now.Sub(hb.LastSeen) > 2*ttl {
		return 0
	}
	latencyPenalty := math.Min(1, float64(hb.LatencyMs)/1000.0)
	return clamp01(1 - 0.4*hb.Load - 0.2*float64(hb.QueueDepth) - 0.4*latencyPenalty)
}
