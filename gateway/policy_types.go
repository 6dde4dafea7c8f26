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
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Verdict defaults for a policy document.
const (
	DefaultAllow = "allow"
	DefaultBlock = "block"
)

// ValidationResult is the outcome of a single policy check. Policy decisions
// are values, never errors; errors are reserved for unexpected faults.
type ValidationResult struct {
	Allowed     bool
	Reason      string
	MatchedRule string
}

// RateLimitSpec configures a sliding-window rate limit on a rule.
type RateLimitSpec struct {
	MaxRequests   int `json:"max_requests"`
	WindowSeconds int `json:"window_seconds"`
}

// AggregateLimitSpec configures a cumulative limit over a time window.
// Window is one of "hourly", "daily", "weekly" or "rolling_hours:N".
// Scope is one of "agent", "action" or "project".
type AggregateLimitSpec struct {
	MaxValue  *float64 `json:"max_value"`
	Window    string   `json:"window"`
	ParamPath string   `json:"param_path"`
	Measure   string   `json:"measure"`
	Scope     string   `json:"scope"`
}

// Constraint is the set of operators applied to one parameter path.
// Operators are evaluated in a fixed order regardless of declaration order
// so that reject reasons are deterministic.
type Constraint map[string]interface{}

// ConstraintSet preserves the declaration order of parameter paths in the
// policy document. encoding/json maps lose ordering, and the evaluation
// contract requires constraints to run in declared order.
type ConstraintSet struct {
	paths       []string
	constraints map[string]Constraint
}

// Paths returns the parameter paths in declaration order.
func (cs *ConstraintSet) Paths() []string {
	if cs == nil {
		return nil
	}
	return cs.paths
}

// Get returns the constraint for a path.
func (cs *ConstraintSet) Get(path string) Constraint {
	if cs == nil {
		return nil
	}
	return cs.constraints[path]
}

// Len returns the number of constrained paths.
func (cs *ConstraintSet) Len() int {
	if cs == nil {
		return 0
	}
	return len(cs.paths)
}

// UnmarshalJSON decodes the constraints object while recording key order.
func (cs *ConstraintSet) UnmarshalJSON(data []byte) error {
	cs.paths = nil
	cs.constraints = make(map[string]Constraint)

	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("constraints must be a JSON object")
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		path, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("constraint key must be a string")
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		var c Constraint
		if err := json.Unmarshal(raw, &c); err != nil {
			return fmt.Errorf("constraint for %q must be an object: %w", path, err)
		}

		if _, seen := cs.constraints[path]; !seen {
			cs.paths = append(cs.paths, path)
		}
		cs.constraints[path] = c
	}
	return nil
}

// MarshalJSON re-serializes constraints in declaration order.
func (cs *ConstraintSet) MarshalJSON() ([]byte, error) {
	if cs == nil || len(cs.paths) == 0 {
		return []byte("{}"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, path := range cs.paths {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(path)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(cs.constraints[path])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// PolicyRule scopes a set of checks to one action type (or the wildcard "*").
type PolicyRule struct {
	ActionType     string              `json:"action_type"`
	Constraints    *ConstraintSet      `json:"constraints,omitempty"`
	AllowedAgents  []string            `json:"allowed_agents,omitempty"`
	BlockedAgents  []string            `json:"blocked_agents,omitempty"`
	RateLimit      *RateLimitSpec      `json:"rate_limit,omitempty"`
	AggregateLimit *AggregateLimitSpec `json:"aggregate_limit,omitempty"`
}

// PolicyDocument is the wire format of a policy's rules. Unknown fields are
// ignored so that persisted policies keep parsing across releases.
type PolicyDocument struct {
	Name    string       `json:"name,omitempty"`
	Version string       `json:"version,omitempty"`
	Default string       `json:"default"`
	Rules   []PolicyRule `json:"rules"`
}

// ParsePolicyDocument parses a policy rules payload. The default verdict
// falls back to "allow" when omitted, matching stored policies that predate
// the field.
func ParsePolicyDocument(raw string) (*PolicyDocument, error) {
	var doc PolicyDocument
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("invalid policy document: %w", err)
	}
	if doc.Default == "" {
		doc.Default = DefaultAllow
	}
	if doc.Default != DefaultAllow && doc.Default != DefaultBlock {
		return nil, fmt.Errorf("invalid policy default %q", doc.Default)
	}
	return &doc, nil
}

// emptyPolicyDocument is used when a tenant has no active policy.
func emptyPolicyDocument() *PolicyDocument {
	return &PolicyDocument{Default: DefaultAllow}
}

// Tenant is a customer-facing isolation unit owning a policy, a credential
// and an audit log.
type Tenant struct {
	ID             string    `json:"tenant_id"`
	DisplayName    string    `json:"display_name"`
	Credential     string    `json:"credential,omitempty"`
	Active         bool      `json:"active"`
	NotifyEndpoint string    `json:"notify_endpoint,omitempty"`
	NotifyEnabled  bool      `json:"notify_enabled"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Policy is a persisted policy version. Rules holds the raw JSON document;
// the engine interprets it on each evaluation.
type Policy struct {
	ID        int64     `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	Rules     string    `json:"rules"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AuditRecord is the immutable record of one non-simulated decision.
type AuditRecord struct {
	ID             int64     `json:"-"`
	ActionID       string    `json:"action_id"`
	TenantID       string    `json:"tenant_id"`
	AgentName      string    `json:"agent_name"`
	ActionType     string    `json:"action_type"`
	Params         string    `json:"params"`
	Allowed        bool      `json:"allowed"`
	Reason         string    `json:"reason,omitempty"`
	PolicyVersion  string    `json:"policy_version,omitempty"`
	EvalDurationMS int64     `json:"eval_duration_ms"`
	Timestamp      time.Time `json:"timestamp"`
}
