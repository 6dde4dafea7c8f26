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
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// resolveParam walks a dot-separated path through the params map. The
// optional "params." prefix is stripped. The second return value reports
// whether the path resolved at all, so an absent value is distinguishable
// from an explicit null.
func resolveParam(path string, params map[string]interface{}) (interface{}, bool) {
	path = strings.TrimPrefix(path, "params.")

	var current interface{} = params
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		current = v
	}
	return current, true
}

// toNumber coerces a resolved value for ordered comparisons. Integers and
// floats pass through; strings are accepted only if they parse as a finite
// number.
func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// stringify renders a value for regex and substring checks.
func stringify(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// equalValues compares two JSON-decoded values structurally, treating all
// numeric representations of the same quantity as equal.
func equalValues(a, b interface{}) bool {
	if na, ok := toNumberStrict(a); ok {
		if nb, ok := toNumberStrict(b); ok {
			return na == nb
		}
		return false
	}

	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equalValues(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, ok := bv[k]
			if !ok || !equalValues(v, bvv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// toNumberStrict is toNumber without the string coercion: "5" and 5 are not
// structurally equal even though both compare numerically under min/max.
func toNumberStrict(v interface{}) (float64, bool) {
	if _, isString := v.(string); isString {
		return 0, false
	}
	return toNumber(v)
}
