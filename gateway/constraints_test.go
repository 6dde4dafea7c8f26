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
	"testing"
	"time"
)

func TestConstraintCheck(t *testing.T) {
	eval := newConstraintEvaluator(time.Second)

	tests := []struct {
		name        string
		path        string
		constraint  Constraint
		params      map[string]interface{}
		wantAllowed bool
		wantReason  string
	}{
		{
			name:        "max within limit",
			path:        "params.amount",
			constraint:  Constraint{"max": 500.0},
			params:      map[string]interface{}{"amount": 500.0},
			wantAllowed: true,
		},
		{
			name:        "max exceeded",
			path:        "params.amount",
			constraint:  Constraint{"max": 500.0},
			params:      map[string]interface{}{"amount": 600.0},
			wantAllowed: false,
			wantReason:  "params.amount value 600 exceeds maximum 500",
		},
		{
			name:        "max with numeric string value",
			path:        "params.amount",
			constraint:  Constraint{"max": 500.0},
			params:      map[string]interface{}{"amount": "600"},
			wantAllowed: false,
			wantReason:  "params.amount value 600 exceeds maximum 500",
		},
		{
			name:        "max with non-numeric value",
			path:        "params.amount",
			constraint:  Constraint{"max": 500.0},
			params:      map[string]interface{}{"amount": "a lot"},
			wantAllowed: false,
			wantReason:  "parameter params.amount cannot be compared numerically",
		},
		{
			name:        "min below limit",
			path:        "params.amount",
			constraint:  Constraint{"min": 10.0},
			params:      map[string]interface{}{"amount": 5.0},
			wantAllowed: false,
			wantReason:  "params.amount value 5 is below minimum 10",
		},
		{
			name:        "in allowed",
			path:        "params.currency",
			constraint:  Constraint{"in": []interface{}{"USD", "EUR"}},
			params:      map[string]interface{}{"currency": "EUR"},
			wantAllowed: true,
		},
		{
			name:        "in rejected",
			path:        "params.currency",
			constraint:  Constraint{"in": []interface{}{"USD", "EUR"}},
			params:      map[string]interface{}{"currency": "JPY"},
			wantAllowed: false,
			wantReason:  "params.currency value 'JPY' not in allowed values [USD,EUR]",
		},
		{
			name:        "in with scalar argument",
			path:        "params.env",
			constraint:  Constraint{"in": "production"},
			params:      map[string]interface{}{"env": "staging"},
			wantAllowed: false,
			wantReason:  "params.env value 'staging' not in allowed values [production]",
		},
		{
			name:        "not_in blocked",
			path:        "params.country",
			constraint:  Constraint{"not_in": []interface{}{"KP", "IR"}},
			params:      map[string]interface{}{"country": "KP"},
			wantAllowed: false,
			wantReason:  "params.country value 'KP' is blocked",
		},
		{
			name:        "not_in passes",
			path:        "params.country",
			constraint:  Constraint{"not_in": []interface{}{"KP", "IR"}},
			params:      map[string]interface{}{"country": "US"},
			wantAllowed: true,
		},
		{
			name:        "pattern matches at start",
			path:        "params.account",
			constraint:  Constraint{"pattern": "ACC-\\d+"},
			params:      map[string]interface{}{"account": "ACC-12345"},
			wantAllowed: true,
		},
		{
			name:        "pattern anchored at start",
			path:        "params.account",
			constraint:  Constraint{"pattern": "ACC-\\d+"},
			params:      map[string]interface{}{"account": "xACC-12345"},
			wantAllowed: false,
			wantReason:  "params.account value 'xACC-12345' does not match pattern 'ACC-\\d+'",
		},
		{
			name:        "pattern invalid regex",
			path:        "params.account",
			constraint:  Constraint{"pattern": "("},
			params:      map[string]interface{}{"account": "x"},
			wantAllowed: false,
			wantReason:  "params.account pattern '(' is invalid",
		},
		{
			name:        "not_pattern searches anywhere",
			path:        "params.body",
			constraint:  Constraint{"not_pattern": "\\d{3}-\\d{2}-\\d{4}"},
			params:      map[string]interface{}{"body": "my ssn is 123-45-6789 thanks"},
			wantAllowed: false,
			wantReason:  "params.body contains forbidden pattern",
		},
		{
			name: "not_pattern custom reason",
			path: "params.body",
			constraint: Constraint{
				"not_pattern": "\\d{3}-\\d{2}-\\d{4}",
				"reason":      "message contains a Social Security number",
			},
			params:      map[string]interface{}{"body": "123-45-6789"},
			wantAllowed: false,
			wantReason:  "params.body: message contains a Social Security number",
		},
		{
			name:        "not_pattern clean value passes",
			path:        "params.body",
			constraint:  Constraint{"not_pattern": "\\d{3}-\\d{2}-\\d{4}"},
			params:      map[string]interface{}{"body": "hello"},
			wantAllowed: true,
		},
		{
			name:        "equals mismatch",
			path:        "params.mode",
			constraint:  Constraint{"equals": "read_only"},
			params:      map[string]interface{}{"mode": "read_write"},
			wantAllowed: false,
			wantReason:  "params.mode must equal 'read_only'",
		},
		{
			name:        "equals numeric cross-type",
			path:        "params.version",
			constraint:  Constraint{"equals": 2},
			params:      map[string]interface{}{"version": 2.0},
			wantAllowed: true,
		},
		{
			name:        "contains",
			path:        "params.subject",
			constraint:  Constraint{"contains": "[invoice]"},
			params:      map[string]interface{}{"subject": "re: [invoice] march"},
			wantAllowed: true,
		},
		{
			name:        "not_contains rejected",
			path:        "params.command",
			constraint:  Constraint{"not_contains": "rm -rf"},
			params:      map[string]interface{}{"command": "rm -rf /"},
			wantAllowed: false,
			wantReason:  "params.command must not contain 'rm -rf'",
		},
		{
			name:        "missing required parameter",
			path:        "params.amount",
			constraint:  Constraint{"max": 500.0},
			params:      map[string]interface{}{},
			wantAllowed: false,
			wantReason:  "required parameter params.amount is missing",
		},
		{
			name:        "explicit null is missing",
			path:        "params.amount",
			constraint:  Constraint{"max": 500.0},
			params:      map[string]interface{}{"amount": nil},
			wantAllowed: false,
			wantReason:  "required parameter params.amount is missing",
		},
		{
			name:        "absent value passes not_pattern",
			path:        "params.body",
			constraint:  Constraint{"not_pattern": "secret"},
			params:      map[string]interface{}{},
			wantAllowed: true,
		},
		{
			name:        "absent value passes not_contains",
			path:        "params.body",
			constraint:  Constraint{"not_contains": "secret"},
			params:      map[string]interface{}{},
			wantAllowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := eval.Check(tt.path, tt.constraint, tt.params)
			if result.Allowed != tt.wantAllowed {
				t.Fatalf("Check() allowed = %v, want %v (reason: %s)", result.Allowed, tt.wantAllowed, result.Reason)
			}
			if !tt.wantAllowed && result.Reason != tt.wantReason {
				t.Errorf("Check() reason = %q, want %q", result.Reason, tt.wantReason)
			}
		})
	}
}

// Operators run in a fixed order, so the reported reason is the same no
// matter how the policy declared them.
func TestConstraintCheckDeterministicOrder(t *testing.T) {
	eval := newConstraintEvaluator(time.Second)

	// Both max and in are violated; max runs first.
	constraint := Constraint{
		"in":  []interface{}{100.0, 200.0},
		"max": 500.0,
	}
	params := map[string]interface{}{"amount": 600.0}

	want := "params.amount value 600 exceeds maximum 500"
	for i := 0; i < 20; i++ {
		result := eval.Check("params.amount", constraint, params)
		if result.Allowed {
			t.Fatal("expected reject")
		}
		if result.Reason != want {
			t.Fatalf("run %d: reason = %q, want %q", i, result.Reason, want)
		}
	}
}

func TestRegexTimeoutReason(t *testing.T) {
	eval := newConstraintEvaluator(time.Second)
	result := eval.regexFailure("params.body", "a+", errRegexTimeout)
	if result.Allowed {
		t.Fatal("expected reject")
	}
	if result.Reason != "regex evaluation timeout" {
		t.Errorf("reason = %q, want %q", result.Reason, "regex evaluation timeout")
	}
}
