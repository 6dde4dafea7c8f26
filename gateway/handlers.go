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
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type contextKey string

const tenantContextKey contextKey = "tenant"

// Server wires the HTTP surface to the core. Tenant-scoped routes
// authenticate with the X-API-Key header; admin routes (tenant management)
// are expected to sit behind the deployment's own access control.
type Server struct {
	store      *Store
	resolver   *CredentialResolver
	validator  *Validator
	aggregator *Aggregator
	templates  map[string]PolicyTemplate
	drain      *DrainState
}

func NewServer(store *Store, resolver *CredentialResolver, validator *Validator, aggregator *Aggregator, templates map[string]PolicyTemplate, drain *DrainState) *Server {
	return &Server{
		store:      store,
		resolver:   resolver,
		validator:  validator,
		aggregator: aggregator,
		templates:  templates,
		drain:      drain,
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/ready", s.handleReady).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/tenants", s.handleCreateTenant).Methods("POST")
	api.HandleFunc("/tenants/{id}", s.handleGetTenant).Methods("GET")
	api.HandleFunc("/tenants/{id}/activate", s.handleSetTenantActive(true)).Methods("POST")
	api.HandleFunc("/tenants/{id}/deactivate", s.handleSetTenantActive(false)).Methods("POST")

	api.HandleFunc("/templates", s.handleListTemplates).Methods("GET")
	api.HandleFunc("/templates/{name}", s.handleGetTemplate).Methods("GET")

	authed := api.NewRoute().Subrouter()
	authed.Use(s.authMiddleware)
	authed.HandleFunc("/validate", s.handleValidate).Methods("POST")
	authed.HandleFunc("/policies", s.handleCreatePolicy).Methods("POST")
	authed.HandleFunc("/policies/active", s.handleGetActivePolicy).Methods("GET")
	authed.HandleFunc("/logs", s.handleListLogs).Methods("GET")
	authed.HandleFunc("/templates/{name}/apply", s.handleApplyTemplate).Methods("POST")

	return r
}

// authMiddleware resolves X-API-Key to a tenant and stores it on the
// request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential := r.Header.Get("X-API-Key")
		if credential == "" {
			writeError(w, errMissingAPIKey)
			return
		}

		tenant, err := s.resolver.Resolve(r.Context(), credential)
		switch {
		case errors.Is(err, ErrInvalidCredential):
			writeError(w, errInvalidAPIKey)
			return
		case errors.Is(err, ErrTenantInactive):
			writeError(w, errTenantInactive)
			return
		case err != nil:
			log.Printf("Credential resolution error: %v", err)
			writeError(w, internalError("authentication unavailable"))
			return
		}

		ctx := context.WithValue(r.Context(), tenantContextKey, tenant)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func tenantFrom(r *http.Request) *Tenant {
	tenant, _ := r.Context().Value(tenantContextKey).(*Tenant)
	return tenant
}

type validateRequest struct {
	AgentName  string                 `json:"agent_name"`
	ActionType string                 `json:"action_type"`
	Params     map[string]interface{} `json:"params"`
	Simulate   bool                   `json:"simulate"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	if !s.drain.Begin() {
		writeError(w, errDraining)
		return
	}
	defer s.drain.End()

	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, badRequest("invalid JSON body"))
		return
	}
	if req.AgentName == "" || req.ActionType == "" {
		writeError(w, badRequest("agent_name and action_type are required"))
		return
	}
	if req.Params == nil {
		req.Params = map[string]interface{}{}
	}

	decision, err := s.validator.Validate(r.Context(), tenantFrom(r), req.AgentName, req.ActionType, req.Params, req.Simulate)
	if err != nil {
		log.Printf("Validation error: %v", err)
		writeError(w, internalError("validation failed"))
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

type createTenantRequest struct {
	ID             string `json:"id"`
	DisplayName    string `json:"display_name"`
	NotifyEndpoint string `json:"notify_endpoint"`
	NotifyEnabled  bool   `json:"notify_enabled"`
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, badRequest("invalid JSON body"))
		return
	}
	if req.ID == "" || req.DisplayName == "" {
		writeError(w, badRequest("id and display_name are required"))
		return
	}

	tenant, err := s.store.CreateTenant(r.Context(), req.ID, req.DisplayName, req.NotifyEndpoint, req.NotifyEnabled)
	if err != nil {
		log.Printf("Failed to create tenant %s: %v", req.ID, err)
		writeError(w, conflict("tenant could not be created"))
		return
	}
	// The credential appears in this response and nowhere else.
	writeJSON(w, http.StatusCreated, tenant)
}

func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	tenant, err := s.store.GetTenant(r.Context(), id)
	if err != nil {
		log.Printf("Failed to load tenant %s: %v", id, err)
		writeError(w, internalError("tenant lookup failed"))
		return
	}
	if tenant == nil {
		writeError(w, notFound("tenant not found"))
		return
	}
	writeJSON(w, http.StatusOK, tenant)
}

func (s *Server) handleSetTenantActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := s.store.SetTenantActive(r.Context(), id, active); err != nil {
			writeError(w, notFound("tenant not found"))
			return
		}
		// Drop the cached identity so the change applies immediately.
		if credential, err := s.store.TenantCredential(r.Context(), id); err == nil {
			s.resolver.Invalidate(r.Context(), credential)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "active": active})
	}
}

type createPolicyRequest struct {
	Name    string          `json:"name"`
	Version string          `json:"version"`
	Rules   json.RawMessage `json:"rules"`
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)

	var req createPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, badRequest("invalid JSON body"))
		return
	}

	rules := string(req.Rules)
	if _, err := ParsePolicyDocument(rules); err != nil {
		writeError(w, badRequest("invalid policy rules: "+err.Error()))
		return
	}

	policy, err := s.store.CreatePolicy(r.Context(), tenant.ID, req.Name, req.Version, rules)
	if err != nil {
		log.Printf("Failed to create policy for %s: %v", tenant.ID, err)
		writeError(w, internalError("policy could not be created"))
		return
	}

	// The old policy may still be cached; the new one takes effect for
	// every validation after this delete.
	s.validator.cache.Delete(r.Context(), policyCacheKey(tenant.ID))
	s.aggregator.Invalidate(r.Context(), tenant.ID)

	writeJSON(w, http.StatusCreated, policy)
}

func (s *Server) handleGetActivePolicy(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)
	policy, err := s.store.GetActivePolicy(r.Context(), tenant.ID)
	if err != nil {
		log.Printf("Failed to load policy for %s: %v", tenant.ID, err)
		writeError(w, internalError("policy lookup failed"))
		return
	}
	if policy == nil {
		writeError(w, notFound("no active policy"))
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)

	filter := AuditFilter{
		AgentName:  r.URL.Query().Get("agent_name"),
		ActionType: r.URL.Query().Get("action_type"),
	}
	if raw := r.URL.Query().Get("allowed"); raw != "" {
		allowed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, badRequest("allowed must be true or false"))
			return
		}
		filter.Allowed = &allowed
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, badRequest("limit must be an integer"))
			return
		}
		filter.Limit = limit
	}

	records, err := s.store.ListAuditRecords(r.Context(), tenant.ID, filter)
	if err != nil {
		log.Printf("Failed to list logs for %s: %v", tenant.ID, err)
		writeError(w, internalError("log query failed"))
		return
	}
	if records == nil {
		records = []AuditRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": records, "count": len(records)})
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	summaries := make([]map[string]string, 0, len(s.templates))
	for _, name := range TemplateNames(s.templates) {
		summaries = append(summaries, map[string]string{
			"name":        name,
			"description": s.templates[name].Description,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"templates": summaries})
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	tmpl, ok := s.templates[name]
	if !ok {
		writeError(w, notFound("template not found"))
		return
	}
	writeJSON(w, http.StatusOK, tmpl)
}

// handleApplyTemplate installs a template as the tenant's active policy.
func (s *Server) handleApplyTemplate(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)
	name := mux.Vars(r)["name"]

	tmpl, ok := s.templates[name]
	if !ok {
		writeError(w, notFound("template not found"))
		return
	}

	policy, err := s.store.CreatePolicy(r.Context(), tenant.ID, tmpl.Name, "1.0", tmpl.Rules)
	if err != nil {
		log.Printf("Failed to apply template %s for %s: %v", name, tenant.ID, err)
		writeError(w, internalError("template could not be applied"))
		return
	}

	s.validator.cache.Delete(r.Context(), policyCacheKey(tenant.ID))
	s.aggregator.Invalidate(r.Context(), tenant.ID)

	writeJSON(w, http.StatusCreated, policy)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleReady reports unready once draining so load balancers stop
// routing new work here while in-flight validations finish.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.drain.Draining() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
