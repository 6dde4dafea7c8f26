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
	"time"
)

// Authorization failures are distinct error kinds: the fail-closed envelope
// must never mask them.
var (
	ErrInvalidCredential = errors.New("invalid or unknown credential")
	ErrTenantInactive    = errors.New("tenant is deactivated")
)

// cachedIdentity is what we persist in the credential cache. The secret
// itself is only ever part of the key.
type cachedIdentity struct {
	TenantID       string `json:"tenant_id"`
	DisplayName    string `json:"display_name"`
	Active         bool   `json:"active"`
	NotifyEndpoint string `json:"notify_endpoint,omitempty"`
	NotifyEnabled  bool   `json:"notify_enabled"`
}

// CredentialResolver maps an opaque credential to a tenant identity,
// caching hits. Tenant mutations elsewhere must call Invalidate for the
// tenant's credential.
type CredentialResolver struct {
	store *Store
	cache Cache
	ttl   time.Duration
}

func NewCredentialResolver(store *Store, cache Cache, ttl time.Duration) *CredentialResolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CredentialResolver{store: store, cache: cache, ttl: ttl}
}

// Resolve returns the active tenant owning the credential.
// ErrInvalidCredential and ErrTenantInactive are authorization failures;
// any other error is a store fault.
func (r *CredentialResolver) Resolve(ctx context.Context, credential string) (*Tenant, error) {
	if credential == "" {
		return nil, ErrInvalidCredential
	}

	key := credentialCacheKey(credential)
	if raw, ok := r.cache.Get(ctx, key); ok {
		var ident cachedIdentity
		if err := json.Unmarshal([]byte(raw), &ident); err == nil && ident.TenantID != "" {
			return &Tenant{
				ID:             ident.TenantID,
				DisplayName:    ident.DisplayName,
				Active:         ident.Active,
				NotifyEndpoint: ident.NotifyEndpoint,
				NotifyEnabled:  ident.NotifyEnabled,
			}, nil
		}
		// Undecodable cache bytes are treated as a miss.
	}

	tenant, err := r.store.GetTenantByCredential(ctx, credential)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, ErrInvalidCredential
	}
	if !tenant.Active {
		return nil, ErrTenantInactive
	}

	ident := cachedIdentity{
		TenantID:       tenant.ID,
		DisplayName:    tenant.DisplayName,
		Active:         tenant.Active,
		NotifyEndpoint: tenant.NotifyEndpoint,
		NotifyEnabled:  tenant.NotifyEnabled,
	}
	if raw, err := json.Marshal(ident); err == nil {
		r.cache.Set(ctx, key, string(raw), r.ttl)
	}

	tenant.Credential = ""
	return tenant, nil
}

// Invalidate drops the cache entry for a credential. Called whenever the
// owning tenant is modified.
func (r *CredentialResolver) Invalidate(ctx context.Context, credential string) {
	if credential != "" {
		r.cache.Delete(ctx, credentialCacheKey(credential))
	}
}
