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
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"
)

// Aggregate scope and measure values as they appear on the wire.
const (
	ScopeAgent   = "agent"
	ScopeAction  = "action"
	ScopeProject = "project"

	MeasureSum   = "sum"
	MeasureCount = "count"
)

const rollingWindowPrefix = "rolling_hours:"

// Aggregator computes cumulative totals ("no more than $50,000 transferred
// per day per agent") from the audit log, with a cache in front for the
// calendar windows. The cache is a derived index and may be discarded at any
// time; a miss recomputes from the store.
type Aggregator struct {
	store *Store
	cache Cache
	now   func() time.Time
}

func NewAggregator(store *Store, cache Cache) *Aggregator {
	return &Aggregator{store: store, cache: cache, now: time.Now}
}

// normalizeScope maps wire values (and their spec aliases) onto the three
// scope dimensions. Unknown scopes default to agent, the narrowest.
func normalizeScope(scope string) string {
	switch scope {
	case ScopeAction:
		return ScopeAction
	case ScopeProject, "tenant":
		return ScopeProject
	case ScopeAgent, "principal", "":
		return ScopeAgent
	default:
		return ScopeAgent
	}
}

// windowStart computes the beginning of the current window in UTC.
// Calendar windows snap to the hour, day, or most recent Monday; rolling
// windows trail now continuously.
func windowStart(window string, now time.Time) time.Time {
	now = now.UTC()

	switch {
	case window == "hourly":
		return now.Truncate(time.Hour)
	case window == "daily":
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	case window == "weekly":
		daysSinceMonday := (int(now.Weekday()) + 6) % 7
		monday := now.AddDate(0, 0, -daysSinceMonday)
		return time.Date(monday.Year(), monday.Month(), monday.Day(), 0, 0, 0, 0, time.UTC)
	case strings.HasPrefix(window, rollingWindowPrefix):
		hours, err := strconv.Atoi(strings.TrimPrefix(window, rollingWindowPrefix))
		if err != nil || hours <= 0 {
			log.Printf("Invalid rolling window %q, using daily", window)
			return windowStart("daily", now)
		}
		return now.Add(-time.Duration(hours) * time.Hour)
	default:
		log.Printf("Unknown aggregate window %q, using daily", window)
		return windowStart("daily", now)
	}
}

// isRollingWindow reports whether the window moves continuously. Rolling
// totals are never cached: the window boundary shifts with every call.
func isRollingWindow(window string) bool {
	return strings.HasPrefix(window, rollingWindowPrefix)
}

// bucketID is the calendar identifier of the current window, used in cache
// keys so an expired window naturally falls out of use.
func bucketID(window string, now time.Time) string {
	start := windowStart(window, now)
	switch window {
	case "hourly":
		return start.Format("2006010215")
	case "weekly":
		year, week := start.ISOWeek()
		return fmt.Sprintf("%04d%02d", year, week)
	default:
		return start.Format("20060102")
	}
}

// cacheKey builds agg:{tenant}:{scope-key}:{bucket}. The scope key narrows
// with the scope: project totals key on the tenant alone, action totals add
// the action, agent totals add agent and action.
func (a *Aggregator) cacheKey(tenantID, agentName, actionType, window, scope string, now time.Time) string {
	bucket := bucketID(window, now)
	switch scope {
	case ScopeProject:
		return fmt.Sprintf("agg:%s:%s", tenantID, bucket)
	case ScopeAction:
		return fmt.Sprintf("agg:%s:%s:%s", tenantID, actionType, bucket)
	default:
		return fmt.Sprintf("agg:%s:%s:%s:%s", tenantID, agentName, actionType, bucket)
	}
}

// CurrentTotal returns the aggregate total for the window described by the
// spec, consulting the cache for calendar windows and recomputing from the
// audit log on a miss.
func (a *Aggregator) CurrentTotal(ctx context.Context, tenantID, agentName, actionType string, spec *AggregateLimitSpec) (float64, error) {
	window := spec.Window
	if window == "" {
		window = "daily"
	}
	scope := normalizeScope(spec.Scope)
	now := a.now()

	var key string
	if !isRollingWindow(window) {
		key = a.cacheKey(tenantID, agentName, actionType, window, scope, now)
		if cached, ok := a.cache.Get(ctx, key); ok {
			if total, err := strconv.ParseFloat(cached, 64); err == nil {
				return total, nil
			}
			// Invalid cache bytes are a miss, never corruption.
		}
	}

	total, err := a.computeFromStore(ctx, tenantID, agentName, actionType, windowStart(window, now), scope, spec)
	if err != nil {
		return 0, err
	}

	if key != "" {
		ttl := 5 * time.Minute
		if window == "hourly" {
			ttl = time.Minute
		}
		a.cache.Set(ctx, key, strconv.FormatFloat(total, 'f', -1, 64), ttl)
	}
	return total, nil
}

func (a *Aggregator) computeFromStore(ctx context.Context, tenantID, agentName, actionType string, start time.Time, scope string, spec *AggregateLimitSpec) (float64, error) {
	if spec.Measure == MeasureCount {
		return a.store.AggregateCount(ctx, tenantID, agentName, actionType, start, scope)
	}

	paramPath := spec.ParamPath
	if paramPath == "" {
		paramPath = "amount"
	}

	payloads, err := a.store.AggregateParams(ctx, tenantID, agentName, actionType, start, scope)
	if err != nil {
		return 0, err
	}

	total := 0.0
	for _, payload := range payloads {
		if value, ok := extractParamValue(payload, paramPath); ok {
			total += value
		}
	}
	return total, nil
}

// extractParamValue resolves a dot path inside a persisted params payload
// and coerces it to a number. Absent or non-numeric values contribute
// nothing to a sum.
func extractParamValue(paramsJSON, path string) (float64, bool) {
	var params map[string]interface{}
	if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
		return 0, false
	}
	value, found := resolveParam(path, params)
	if !found || value == nil {
		return 0, false
	}
	return toNumber(value)
}

// Invalidate evicts every aggregate entry for a tenant. Coarser than
// strictly necessary, but cheap and correct; the next check recomputes from
// the audit log.
func (a *Aggregator) Invalidate(ctx context.Context, tenantID string) {
	a.cache.DeletePattern(ctx, aggregatePattern(tenantID))
}
