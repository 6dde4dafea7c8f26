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

/*
Package logger provides structured JSON logging with multi-tenant support
for AgentGate.

# Overview

The logger outputs single-line JSON to stdout, making logs easily
consumable by CloudWatch, ELK stack, or other log aggregation systems.

Each log entry includes:
  - Timestamp (RFC3339Nano format)
  - Log level (DEBUG, INFO, WARN, ERROR)
  - Component name
  - Instance ID and container name (for distributed tracing)
  - Tenant ID (for multi-tenant isolation)
  - Action ID (correlates a decision with its audit record)
  - Custom fields

# Usage

Create a logger for your component:

	log := logger.New("gateway")

Log decisions with tenant and action context:

	log.Info("acme", "act_1a2b3c4d", "Action blocked", map[string]interface{}{
	    "agent_name":  "payment-bot",
	    "action_type": "transfer_funds",
	})

Log errors with status codes:

	log.ErrorWithCode("acme", "act_1a2b3c4d", "Validation failed", 500, err, nil)

Log with duration tracking:

	start := time.Now()
	// ... validate ...
	log.InfoWithDuration("acme", "act_1a2b3c4d", "Validation complete",
	    float64(time.Since(start).Milliseconds()), nil)

# Output Format

Log entries are output as single-line JSON:

	{"timestamp":"2025-01-15T10:30:00.123456789Z","level":"INFO",
	 "component":"gateway","instance_id":"i-abc123","container":"gw-xyz",
	 "tenant_id":"acme","action_id":"act_1a2b3c4d",
	 "message":"Action blocked","fields":{"agent_name":"payment-bot"}}

# Environment Variables

The logger reads these environment variables:

  - INSTANCE_ID: Deployment instance identifier
  - HOSTNAME: Container hostname (auto-detected)

# Thread Safety

Logger instances are safe for concurrent use from multiple goroutines.
*/
package logger
