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

// SplitFee divides a node price into the agent payout and the protocol fee.
// The fee floors, so the payout absorbs the rounding remainder and
// payout + fee == price always holds.
func SplitFee(price, feeBps int64) (payout, fee int64) {
	if price <= 0 {
		return 0, 0
	}
	fee = price * feeBps / 10000
	return price - fee, fee
}
