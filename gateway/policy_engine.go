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
	"time"
)

// PolicyEngine evaluates a policy document against one action. It owns the
// rate-limit table; everything else it touches is pure. Aggregate limits are
// not evaluated here because they need persistent state and the increment
// value of the incoming request; the validator runs them after the engine
// reports a clean pass.
type PolicyEngine struct {
	limiter   *rateLimiter
	evaluator *constraintEvaluator
	now       func() time.Time
}

// NewPolicyEngine creates an engine with its own rate-limit table.
func NewPolicyEngine(regexTimeout time.Duration, rateLimitMaxKeys int) *PolicyEngine {
	return &PolicyEngine{
		limiter:   newRateLimiter(rateLimitMaxKeys),
		evaluator: newConstraintEvaluator(regexTimeout),
		now:       time.Now,
	}
}

// Evaluate runs the matching rules of a policy, in order, against the
// action. Rules express defenses in depth: every matching rule must pass,
// and a later rule cannot grant what an earlier one denied. When dryRun is
// set (simulation) the rate limiter is consulted without recording, so a
// simulated validation leaves no trace in any counter.
func (e *PolicyEngine) Evaluate(doc *PolicyDocument, agentName, actionType string, params map[string]interface{}, dryRun bool) ValidationResult {
	matching := MatchingRules(doc, actionType)

	if len(matching) == 0 {
		if doc.Default == DefaultBlock {
			return reject("action '%s' not allowed by policy (no matching rules)", actionType)
		}
		return allow()
	}

	for _, rule := range matching {
		if result := e.evaluateRule(rule, agentName, actionType, params, dryRun); !result.Allowed {
			return result
		}
	}
	return allow()
}

// MatchingRules selects the rules that apply to an action type: literal
// matches first, then wildcards, declaration order preserved within each
// group. A rule without an action_type is a wildcard.
func MatchingRules(doc *PolicyDocument, actionType string) []PolicyRule {
	var literal, wildcard []PolicyRule
	for _, rule := range doc.Rules {
		switch ruleActionType(rule) {
		case actionType:
			literal = append(literal, rule)
		case "*":
			wildcard = append(wildcard, rule)
		}
	}
	return append(literal, wildcard...)
}

func ruleActionType(rule PolicyRule) string {
	if rule.ActionType == "" {
		return "*"
	}
	return rule.ActionType
}

func ruleMatches(rule PolicyRule, actionType string) bool {
	name := ruleActionType(rule)
	return name == actionType || name == "*"
}

// evaluateRule applies one rule's checks in the contract order, stopping at
// the first reject so later checks with side effects never run.
func (e *PolicyEngine) evaluateRule(rule PolicyRule, agentName, actionType string, params map[string]interface{}, dryRun bool) ValidationResult {
	ruleName := ruleActionType(rule)

	// An empty allowed_agents list means no restriction.
	if len(rule.AllowedAgents) > 0 && !containsString(rule.AllowedAgents, agentName) {
		return ValidationResult{
			Allowed:     false,
			Reason:      "Agent '" + agentName + "' not in allowed agents list",
			MatchedRule: ruleName,
		}
	}

	if containsString(rule.BlockedAgents, agentName) || containsString(rule.BlockedAgents, "*") {
		return ValidationResult{
			Allowed:     false,
			Reason:      "Agent '" + agentName + "' is blocked",
			MatchedRule: ruleName,
		}
	}

	if rule.RateLimit != nil {
		result := e.limiter.Check(agentName, actionType, rule.RateLimit, e.now(), !dryRun)
		if !result.Allowed {
			result.MatchedRule = ruleName
			return result
		}
	}

	for _, path := range rule.Constraints.Paths() {
		result := e.evaluator.Check(path, rule.Constraints.Get(path), params)
		if !result.Allowed {
			result.MatchedRule = ruleName
			return result
		}
	}

	return ValidationResult{Allowed: true, MatchedRule: ruleName}
}

// RateLimitCount exposes the current counter for a key.
func (e *PolicyEngine) RateLimitCount(agentName, actionType string, windowSeconds int) int {
	return e.limiter.Count(agentName, actionType, windowSeconds, e.now())
}

// ClearRateLimits drops all rate-limit counters.
func (e *PolicyEngine) ClearRateLimits() {
	e.limiter.Reset()
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
