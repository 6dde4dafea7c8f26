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
	"os"
	"strconv"
	"time"
)

// Config carries process-wide settings, loaded once from the environment.
type Config struct {
	Port string

	RedisURL     string
	CacheEnabled bool

	// FailClosed converts unexpected faults during validation into
	// synthetic reject verdicts instead of surfacing errors.
	FailClosed       bool
	FailClosedReason string

	RegexTimeout     time.Duration
	DrainDeadline    time.Duration
	RateLimitMaxKeys int

	PolicyCacheTTL     time.Duration
	CredentialCacheTTL time.Duration

	WebhookTimeout time.Duration
}

const defaultFailClosedReason = "Validation temporarily unavailable; action blocked by fail-closed policy"

// LoadConfig reads settings from environment variables with defaults.
func LoadConfig() *Config {
	return &Config{
		Port:         getEnv("PORT", "8080"),
		RedisURL:     os.Getenv("REDIS_URL"),
		CacheEnabled: getEnvBool("CACHE_ENABLED", true),

		FailClosed:       getEnvBool("FAIL_CLOSED", false),
		FailClosedReason: getEnv("FAIL_CLOSED_REASON", defaultFailClosedReason),

		RegexTimeout:     time.Duration(getEnvInt("REGEX_TIMEOUT_MS", 1000)) * time.Millisecond,
		DrainDeadline:    time.Duration(getEnvInt("DRAIN_DEADLINE_SECONDS", 30)) * time.Second,
		RateLimitMaxKeys: getEnvInt("RATE_LIMIT_MAX_KEYS", 10000),

		PolicyCacheTTL:     time.Duration(getEnvInt("CACHE_TTL_POLICY_SECONDS", 300)) * time.Second,
		CredentialCacheTTL: time.Duration(getEnvInt("CACHE_TTL_CREDENTIAL_SECONDS", 300)) * time.Second,

		WebhookTimeout: time.Duration(getEnvInt("WEBHOOK_TIMEOUT_SECONDS", 10)) * time.Second,
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	switch os.Getenv(key) {
	case "true", "1":
		return true
	case "false", "0":
		return false
	default:
		return fallback
	}
}
