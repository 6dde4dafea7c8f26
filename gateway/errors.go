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
	"net/http"
)

// APIError is the uniform error body. Authorization failures keep their
// distinct codes; they are decisions about the caller, not about the
// action, and are never folded into a fail-closed verdict.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	status  int
}

var (
	errMissingAPIKey  = APIError{Code: "missing_api_key", Message: "X-API-Key header is required", status: http.StatusUnauthorized}
	errInvalidAPIKey  = APIError{Code: "invalid_api_key", Message: "Invalid API key", status: http.StatusForbidden}
	errTenantInactive = APIError{Code: "tenant_inactive", Message: "Tenant is deactivated", status: http.StatusForbidden}
	errDraining       = APIError{Code: "shutting_down", Message: "Gateway is shutting down", status: http.StatusServiceUnavailable}
)

func badRequest(message string) APIError {
	return APIError{Code: "bad_request", Message: message, status: http.StatusBadRequest}
}

func notFound(message string) APIError {
	return APIError{Code: "not_found", Message: message, status: http.StatusNotFound}
}

func conflict(message string) APIError {
	return APIError{Code: "conflict", Message: message, status: http.StatusConflict}
}

func internalError(message string) APIError {
	return APIError{Code: "internal_error", Message: message, status: http.StatusInternalServerError}
}

func writeError(w http.ResponseWriter, apiErr APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": apiErr,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
