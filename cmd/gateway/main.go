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

// Package main is the entry point for the AgentGate gateway service.
//
// The gateway is the policy decision point for autonomous agent actions:
// - Validates proposed actions against tenant policies
// - Enforces parameter constraints, rate limits and aggregate limits
// - Writes a durable audit record for every decision
// - Notifies tenant webhooks when actions are blocked
//
// Usage:
//
//	./gateway
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8080)
//	DATABASE_URL - PostgreSQL connection string
//	REDIS_URL - Redis connection string (optional; runs uncached without it)
//	FAIL_CLOSED - Block on internal faults instead of erroring (default: false)
package main

import (
	"log"

	"agentgate/gateway"
)

func main() {
	if err := gateway.Run(); err != nil {
		log.Fatalf("gateway exited: %v", err)
	}
}
