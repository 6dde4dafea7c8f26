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
	"strings"
	"time"

	"github.com/google/uuid"

	"agentgate/shared/logger"
)

// Decision is the outcome of one validation, returned to the caller only
// after its audit record is durable (flush-then-return). Simulated
// decisions carry no ActionID because nothing was persisted.
type Decision struct {
	Allowed        bool   `json:"allowed"`
	Reason         string `json:"reason,omitempty"`
	MatchedRule    string `json:"matched_rule,omitempty"`
	ActionID       string `json:"action_id,omitempty"`
	PolicyVersion  string `json:"policy_version,omitempty"`
	EvalDurationMS int64  `json:"eval_duration_ms"`
	Simulated      bool   `json:"simulated,omitempty"`
}

// Validator runs the full decision pipeline: active policy lookup, rule
// evaluation, aggregate limits, audit persistence and blocked-action
// notification.
type Validator struct {
	store      *Store
	cache      Cache
	engine     *PolicyEngine
	aggregator *Aggregator
	notifier   *WebhookNotifier
	cfg        *Config
	logger     *logger.Logger
	now        func() time.Time
}

func NewValidator(store *Store, cache Cache, engine *PolicyEngine, aggregator *Aggregator, notifier *WebhookNotifier, cfg *Config) *Validator {
	return &Validator{
		store:      store,
		cache:      cache,
		engine:     engine,
		aggregator: aggregator,
		notifier:   notifier,
		cfg:        cfg,
		logger:     logger.New("gateway"),
		now:        time.Now,
	}
}

// Validate decides whether the agent may perform the action. With simulate
// set the same policy path runs but nothing is recorded anywhere: no audit
// record, no rate-limit tick, no cache mutation, no webhook.
func (v *Validator) Validate(ctx context.Context, tenant *Tenant, agentName, actionType string, params map[string]interface{}, simulate bool) (*Decision, error) {
	start := v.now()

	doc, version, err := v.activePolicy(ctx, tenant.ID)
	if err != nil {
		return v.failClosed(tenant, agentName, actionType, simulate, start, err)
	}

	result := v.engine.Evaluate(doc, agentName, actionType, params, simulate)

	if result.Allowed {
		aggResult, aggErr := v.checkAggregates(ctx, tenant.ID, agentName, actionType, params, doc)
		if aggErr != nil {
			return v.failClosed(tenant, agentName, actionType, simulate, start, aggErr)
		}
		if aggResult != nil {
			result = *aggResult
		}
	}

	elapsed := v.now().Sub(start)
	decision := &Decision{
		Allowed:        result.Allowed,
		Reason:         result.Reason,
		MatchedRule:    result.MatchedRule,
		PolicyVersion:  version,
		EvalDurationMS: elapsed.Milliseconds(),
		Simulated:      simulate,
	}
	observeDecision(decision.Allowed, elapsed)

	if simulate {
		return decision, nil
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		paramsJSON = []byte("{}")
	}
	rec := &AuditRecord{
		TenantID:       tenant.ID,
		AgentName:      agentName,
		ActionType:     actionType,
		Params:         string(paramsJSON),
		Allowed:        decision.Allowed,
		Reason:         decision.Reason,
		PolicyVersion:  version,
		EvalDurationMS: decision.EvalDurationMS,
	}
	if err := v.store.InsertAuditRecord(ctx, rec); err != nil {
		return v.failClosed(tenant, agentName, actionType, simulate, start, err)
	}
	decision.ActionID = rec.ActionID

	message := "Action allowed"
	if !decision.Allowed {
		message = "Action blocked"
	}
	v.logger.InfoWithDuration(tenant.ID, decision.ActionID, message,
		float64(decision.EvalDurationMS), map[string]interface{}{
			"agent_name":   agentName,
			"action_type":  actionType,
			"reason":       decision.Reason,
			"matched_rule": decision.MatchedRule,
		})

	// Every persisted allow changes the totals the aggregate cache
	// reflects. Project- and action-scope entries cover actions other
	// than this one, so invalidation cannot be narrowed to rules that
	// matched here.
	if decision.Allowed {
		v.aggregator.Invalidate(ctx, tenant.ID)
	}

	if !decision.Allowed && tenant.NotifyEnabled && tenant.NotifyEndpoint != "" {
		event := BlockedEvent{
			TenantID:    tenant.ID,
			ActionID:    decision.ActionID,
			AgentName:   agentName,
			ActionType:  actionType,
			Params:      json.RawMessage(paramsJSON),
			Reason:      decision.Reason,
			MatchedRule: decision.MatchedRule,
		}
		endpoint := tenant.NotifyEndpoint
		go func() {
			notifyCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			v.notifier.NotifyBlocked(notifyCtx, endpoint, event)
		}()
	}

	return decision, nil
}

// activePolicy loads the tenant's active policy through the cache. A tenant
// without one gets the empty document, which allows everything.
func (v *Validator) activePolicy(ctx context.Context, tenantID string) (*PolicyDocument, string, error) {
	key := policyCacheKey(tenantID)
	if raw, ok := v.cache.Get(ctx, key); ok {
		var cached cachedPolicy
		if err := json.Unmarshal([]byte(raw), &cached); err == nil {
			doc, err := ParsePolicyDocument(cached.Rules)
			if err == nil {
				return doc, cached.Version, nil
			}
			// Corrupt cached rules: fall through to the store.
		}
	}

	policy, err := v.store.GetActivePolicy(ctx, tenantID)
	if err != nil {
		return nil, "", err
	}
	if policy == nil {
		return emptyPolicyDocument(), "", nil
	}

	doc, err := ParsePolicyDocument(policy.Rules)
	if err != nil {
		// A stored policy that cannot be parsed is an unexpected fault,
		// not a decision.
		return nil, "", fmt.Errorf("active policy for tenant %s is invalid: %w", tenantID, err)
	}

	if raw, err := json.Marshal(cachedPolicy{Version: policy.Version, Rules: policy.Rules}); err == nil {
		v.cache.Set(ctx, key, string(raw), v.cfg.PolicyCacheTTL)
	}
	return doc, policy.Version, nil
}

type cachedPolicy struct {
	Version string `json:"version"`
	Rules   string `json:"rules"`
}

// checkAggregates runs the aggregate limits of every matching rule, in
// declaration order. The projected total (current plus this action's
// increment) must stay at or under the limit; reaching it exactly is
// allowed.
func (v *Validator) checkAggregates(ctx context.Context, tenantID, agentName, actionType string, params map[string]interface{}, doc *PolicyDocument) (*ValidationResult, error) {
	for _, rule := range doc.Rules {
		if !ruleMatches(rule, actionType) {
			continue
		}
		spec := rule.AggregateLimit
		if spec == nil || spec.MaxValue == nil {
			continue
		}

		total, err := v.aggregator.CurrentTotal(ctx, tenantID, agentName, actionType, spec)
		if err != nil {
			return nil, err
		}

		projected := total + aggregateIncrement(spec, params)
		if projected > *spec.MaxValue {
			window := spec.Window
			if window == "" {
				window = "daily"
			}
			return &ValidationResult{
				Allowed: false,
				Reason: fmt.Sprintf("Aggregate limit exceeded: %.2f > %.2f (window=%s, scope=%s)",
					projected, *spec.MaxValue, window, normalizeScope(spec.Scope)),
				MatchedRule: ruleActionType(rule),
			}, nil
		}
	}
	return nil, nil
}

// aggregateIncrement is this action's contribution to the total: 1 for
// count measures, the measured parameter's value for sums. An absent or
// non-numeric value contributes zero, matching how persisted records are
// summed.
func aggregateIncrement(spec *AggregateLimitSpec, params map[string]interface{}) float64 {
	if spec.Measure == MeasureCount {
		return 1
	}
	paramPath := spec.ParamPath
	if paramPath == "" {
		paramPath = "amount"
	}
	value, found := resolveParam(paramPath, params)
	if !found || value == nil {
		return 0
	}
	if n, ok := toNumber(value); ok {
		return n
	}
	return 0
}

// failClosed converts an unexpected fault into a reject verdict when
// configured. The sentinel action id marks the verdict as synthetic:
// nothing is persisted, since the store is the likely fault. With
// fail-closed off, the fault surfaces to the caller as an error.
func (v *Validator) failClosed(tenant *Tenant, agentName, actionType string, simulate bool, start time.Time, cause error) (*Decision, error) {
	if !v.cfg.FailClosed {
		return nil, cause
	}

	log.Printf("Fail-closed verdict for tenant %s agent %s action %s: %v",
		tenant.ID, agentName, actionType, cause)

	elapsed := v.now().Sub(start)
	observeDecision(false, elapsed)
	return &Decision{
		Allowed:        false,
		Reason:         v.cfg.FailClosedReason,
		ActionID:       "fail-closed-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
		EvalDurationMS: elapsed.Milliseconds(),
		Simulated:      simulate,
	}, nil
}

func observeDecision(allowed bool, elapsed time.Duration) {
	if allowed {
		validationsTotal.WithLabelValues("allowed").Inc()
	} else {
		validationsTotal.WithLabelValues("blocked").Inc()
		blockedTotal.Inc()
	}
	validationDuration.Observe(float64(elapsed.Milliseconds()))
}
