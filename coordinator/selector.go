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
	"fmt"
	"sort"
	"time"
)

// Candidate is an agent eligible for a node, scored for ranking.
type Candidate struct {
	DID          string  `json:"did"`
	Endpoint     string  `json:"endpoint"`
	Price        int64   `json:"price"`
	Reputation   float64 `json:"reputation"`
	Availability float64 `json:"availability"`
}

// Selector picks the agent for a capability: directory candidates filtered by
// heartbeat freshness and reputation floor, ranked by reputation then
// availability.
type Selector struct {
	store     *Store
	directory *DirectoryClient
	cfg       *Config
	now       func() time.Time
}

func NewSelector(store *Store, directory *DirectoryClient, cfg *Config) *Selector {
	return &Selector{store: store, directory: directory, cfg: cfg, now: time.Now}
}

// Select returns the best candidate for capabilityID or ErrNoAgent when the
// filtered set is empty.
func (s *Selector) Select(ctx context.Context, capabilityID string) (*Candidate, error) {
	agents, err := s.directory.Agents(ctx, capabilityID)
	if err != nil {
		return nil, fmt.Errorf("selector: %w", err)
	}
	floor := s.cfg.ReputationFloors[capabilityID]
	now := s.now()

	var candidates []Candidate
	for _, a := range agents {
		hb, err := s.store.GetHeartbeat(ctx, a.DID)
		if err != nil {
			return nil, err
		}
		availability := AvailabilityScore(hb, now, s.cfg.HeartbeatTTL)
		if availability <= 0 {
			continue
		}
		trust, err := s.store.GetTrust(ctx, a.DID)
		if err != nil {
			return nil, err
		}
		if trust.Reputation < floor {
			continue
		}
		candidates = append(candidates, Candidate{
			DID:          a.DID,
			Endpoint:     a.Endpoint,
			Price:        a.Price,
			Reputation:   trust.Reputation,
			Availability: availability,
		})
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no candidate for %s", ErrNoAgent, capabilityID)
	}
	rankCandidates(candidates)
	best := candidates[0]
	return &best, nil
}

// rankCandidates orders by reputation desc, then availability desc, then DID
// for a stable tiebreak.
func rankCandidates(c []Candidate) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].Reputation != c[j].Reputation {
			return c[i].Reputation > c[j].Reputation
		}
		if c[i].Availability != c[j].Availability {
			return c[i].Availability > c[j].Availability
		}
		return c[i].DID < c[j].DID
	})
}
