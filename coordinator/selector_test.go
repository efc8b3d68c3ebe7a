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

import "testing"

func TestRankCandidatesByReputationThenAvailability(t *testing.T) {
	c := []Candidate{
		{DID: "low", Reputation: 0.2, Availability: 1.0},
		{DID: "high-busy", Reputation: 0.9, Availability: 0.1},
		{DID: "high-free", Reputation: 0.9, Availability: 0.8},
		{DID: "mid", Reputation: 0.5, Availability: 0.5},
	}
	rankCandidates(c)
	want := []string{"high-free", "high-busy", "mid", "low"}
	for i, did := range want {
		if c[i].DID != did {
			t.Fatalf("rank[%d] = %s, want %s (full order %v)", i, c[i].DID, did, c)
		}
	}
}

func TestRankCandidatesStableTiebreak(t *testing.T) {
	c := []Candidate{
		{DID: "did:noot:b", Reputation: 0.5, Availability: 0.5},
		{DID: "did:noot:a", Reputation: 0.5, Availability: 0.5},
	}
	rankCandidates(c)
	if c[0].DID != "did:noot:a" {
		t.Fatalf("equal scores should tiebreak on DID, got %s first", c[0].DID)
	}
}
