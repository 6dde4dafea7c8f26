// Copyright 2025 AgentGate
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

package gateway

import (
	"hash/fnv"
	"sync"
	"time"
)

const rateLimiterShards = 32

// rateLimiter is an in-memory sliding-window counter keyed by
// (agent_name, action_type). The key deliberately omits the tenant: tenants
// that need isolated counters configure distinct agent names. Counters are
// node-local and best-effort; there is no persistent form.
type rateLimiter struct {
	shards      [rateLimiterShards]*rateLimiterShard
	maxPerShard int
}

type rateLimiterShard struct {
	mu      sync.Mutex
	buckets map[string][]time.Time
}

// newRateLimiter creates a limiter whose table holds at most maxKeys
// distinct (agent, action) keys across all shards.
func newRateLimiter(maxKeys int) *rateLimiter {
	if maxKeys <= 0 {
		maxKeys = 10000
	}
	perShard := maxKeys / rateLimiterShards
	if perShard < 1 {
		perShard = 1
	}
	rl := &rateLimiter{maxPerShard: perShard}
	for i := range rl.shards {
		rl.shards[i] = &rateLimiterShard{buckets: make(map[string][]time.Time)}
	}
	return rl
}

func (rl *rateLimiter) shardFor(key string) *rateLimiterShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return rl.shards[h.Sum32()%rateLimiterShards]
}

// Check applies the sliding window for one rule. Rejected attempts are not
// recorded, so a burst of rejections does not poison the counter; once the
// window slides past old entries the key recovers on its own. When record is
// false (simulation) the check is read-only.
func (rl *rateLimiter) Check(agentName, actionType string, limit *RateLimitSpec, now time.Time, record bool) ValidationResult {
	maxRequests := limit.MaxRequests
	if maxRequests <= 0 {
		maxRequests = 100
	}
	windowSeconds := limit.WindowSeconds
	if windowSeconds <= 0 {
		windowSeconds = 3600
	}

	key := agentName + ":" + actionType
	cutoff := now.Add(-time.Duration(windowSeconds) * time.Second)

	shard := rl.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	timestamps, exists := shard.buckets[key]
	if !exists && len(shard.buckets) >= rl.maxPerShard {
		shard.evictOne()
	}

	// Prune everything that fell out of the window.
	kept := timestamps[:0]
	for _, ts := range timestamps {
		if !ts.Before(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= maxRequests {
		shard.buckets[key] = kept
		return reject("Rate limit exceeded: %d per %ds", maxRequests, windowSeconds)
	}

	if record {
		kept = append(kept, now)
	}
	if len(kept) > 0 {
		shard.buckets[key] = kept
	} else if exists {
		delete(shard.buckets, key)
	}
	return allow()
}

// Count reports the current number of recorded events for a key within the
// window.
func (rl *rateLimiter) Count(agentName, actionType string, windowSeconds int, now time.Time) int {
	key := agentName + ":" + actionType
	cutoff := now.Add(-time.Duration(windowSeconds) * time.Second)

	shard := rl.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	count := 0
	for _, ts := range shard.buckets[key] {
		if !ts.Before(cutoff) {
			count++
		}
	}
	return count
}

// Reset clears all counters.
func (rl *rateLimiter) Reset() {
	for _, shard := range rl.shards {
		shard.mu.Lock()
		shard.buckets = make(map[string][]time.Time)
		shard.mu.Unlock()
	}
}

// evictOne drops an arbitrary key to honor the table size cap. The evicted
// key's window restarts from empty, which errs on the side of admitting.
func (s *rateLimiterShard) evictOne() {
	for key := range s.buckets {
		delete(s.buckets, key)
		return
	}
}
