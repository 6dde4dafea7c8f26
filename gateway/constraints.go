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
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Constraint operators run in this fixed order so reject reasons are
// deterministic no matter how the policy JSON declared them.
var constraintOrder = []string{
	"max", "min", "in", "not_in", "pattern", "not_pattern", "equals",
	"contains", "not_contains",
}

// Operators that require the parameter to be present. not_pattern,
// contains and not_contains on an absent value simply pass.
var requiredValueOps = []string{"max", "min", "in", "not_in", "pattern", "equals"}

var errRegexTimeout = errors.New("regex evaluation timeout")

// constraintEvaluator checks one parameter path against its constraint
// object. Pure except for the regex timeout clock.
type constraintEvaluator struct {
	regexTimeout time.Duration
}

func newConstraintEvaluator(regexTimeout time.Duration) *constraintEvaluator {
	if regexTimeout <= 0 {
		regexTimeout = time.Second
	}
	return &constraintEvaluator{regexTimeout: regexTimeout}
}

func allow() ValidationResult {
	return ValidationResult{Allowed: true}
}

func reject(format string, args ...interface{}) ValidationResult {
	return ValidationResult{Allowed: false, Reason: fmt.Sprintf(format, args...)}
}

// Check evaluates every operator in the constraint against the value the
// path resolves to, short-circuiting on the first reject.
func (e *constraintEvaluator) Check(path string, constraint Constraint, params map[string]interface{}) ValidationResult {
	value, found := resolveParam(path, params)

	// Absent (or explicit null) fails any constraint that needs a value.
	if !found || value == nil {
		for _, op := range requiredValueOps {
			if _, has := constraint[op]; has {
				return reject("required parameter %s is missing", path)
			}
		}
		return allow()
	}

	for _, op := range constraintOrder {
		arg, has := constraint[op]
		if !has {
			continue
		}
		if result := e.checkOp(path, op, arg, value, constraint); !result.Allowed {
			return result
		}
	}
	return allow()
}

func (e *constraintEvaluator) checkOp(path, op string, arg, value interface{}, constraint Constraint) ValidationResult {
	switch op {
	case "max":
		v, okV := toNumber(value)
		limit, okL := toNumber(arg)
		if !okV || !okL {
			return reject("parameter %s cannot be compared numerically", path)
		}
		if v > limit {
			return reject("%s value %v exceeds maximum %v", path, value, arg)
		}

	case "min":
		v, okV := toNumber(value)
		limit, okL := toNumber(arg)
		if !okV || !okL {
			return reject("parameter %s cannot be compared numerically", path)
		}
		if v < limit {
			return reject("%s value %v is below minimum %v", path, value, arg)
		}

	case "in":
		allowed := asList(arg)
		if !containsValue(allowed, value) {
			return reject("%s value '%v' not in allowed values [%s]", path, value, formatList(allowed))
		}

	case "not_in":
		if containsValue(asList(arg), value) {
			return reject("%s value '%v' is blocked", path, value)
		}

	case "pattern":
		pattern := stringify(arg)
		matched, err := e.match(pattern, stringify(value), true)
		if err != nil {
			return e.regexFailure(path, pattern, err)
		}
		if !matched {
			return reject("%s value '%v' does not match pattern '%s'", path, value, pattern)
		}

	case "not_pattern":
		pattern := stringify(arg)
		matched, err := e.match(pattern, stringify(value), false)
		if err != nil {
			return e.regexFailure(path, pattern, err)
		}
		if matched {
			if custom, ok := constraint["reason"].(string); ok && custom != "" {
				return reject("%s: %s", path, custom)
			}
			return reject("%s contains forbidden pattern", path)
		}

	case "equals":
		if !equalValues(value, arg) {
			return reject("%s must equal '%v'", path, arg)
		}

	case "contains":
		if !strings.Contains(stringify(value), stringify(arg)) {
			return reject("%s must contain '%v'", path, arg)
		}

	case "not_contains":
		if strings.Contains(stringify(value), stringify(arg)) {
			return reject("%s must not contain '%v'", path, arg)
		}
	}
	return allow()
}

func (e *constraintEvaluator) regexFailure(path, pattern string, err error) ValidationResult {
	if errors.Is(err, errRegexTimeout) {
		return ValidationResult{Allowed: false, Reason: "regex evaluation timeout"}
	}
	return reject("%s pattern '%s' is invalid", path, pattern)
}

// match runs a regex with a wall-clock bound so a pathological pattern
// cannot turn policy evaluation into a denial of service. "pattern" checks
// anchor at the start of the value; "not_pattern" searches anywhere.
func (e *constraintEvaluator) match(pattern, value string, anchored bool) (bool, error) {
	expr := pattern
	if anchored {
		expr = "^(?:" + pattern + ")"
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return false, err
	}

	done := make(chan bool, 1)
	go func() {
		done <- re.MatchString(value)
	}()

	select {
	case matched := <-done:
		return matched, nil
	case <-time.After(e.regexTimeout):
		return false, errRegexTimeout
	}
}

// asList normalizes an in/not_in argument. A scalar is treated as a
// single-element list rather than a malformed policy.
func asList(arg interface{}) []interface{} {
	if list, ok := arg.([]interface{}); ok {
		return list
	}
	return []interface{}{arg}
}

func containsValue(list []interface{}, value interface{}) bool {
	for _, item := range list {
		if equalValues(item, value) {
			return true
		}
	}
	return false
}

func formatList(list []interface{}) string {
	parts := make([]string, len(list))
	for i, item := range list {
		parts[i] = fmt.Sprintf("%v", item)
	}
	return strings.Join(parts, ",")
}
