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
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
)

// Run assembles the gateway and serves until SIGINT/SIGTERM. On shutdown
// it drains: new validations are refused, in-flight ones complete with
// their audit writes, then the listener closes.
func Run() error {
	cfg := LoadConfig()

	db, err := OpenDatabase()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	store := NewStore(db)
	if err := store.EnsureSchema(context.Background()); err != nil {
		return err
	}
	log.Printf("Database schema ready")

	var cache Cache = NoopCache{}
	var redisCache *RedisCache
	if cfg.CacheEnabled && cfg.RedisURL != "" {
		redisCache, err = NewRedisCache(cfg.RedisURL)
		if err != nil {
			// The store remains the source of truth; the gateway runs
			// without a cache rather than refusing to start.
			log.Printf("Redis unavailable, running without cache: %v", err)
		} else {
			cache = redisCache
			log.Printf("Redis cache connected")
		}
	}

	templates, err := LoadTemplates()
	if err != nil {
		return err
	}
	log.Printf("Loaded %d policy templates", len(templates))

	engine := NewPolicyEngine(cfg.RegexTimeout, cfg.RateLimitMaxKeys)
	aggregator := NewAggregator(store, cache)
	notifier := NewWebhookNotifier(cfg.WebhookTimeout)
	validator := NewValidator(store, cache, engine, aggregator, notifier, cfg)
	resolver := NewCredentialResolver(store, cache, cfg.CredentialCacheTTL)
	drain := NewDrainState()

	server := NewServer(store, resolver, validator, aggregator, templates, drain)

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-API-Key"},
	}).Handler(server.Router())

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("AgentGate listening on port %s (fail_closed=%v)", cfg.Port, cfg.FailClosed)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Printf("Received %v, draining", sig)
	}

	drained := make(chan struct{})
	go func() {
		drain.Drain()
		close(drained)
	}()
	select {
	case <-drained:
		log.Printf("All in-flight validations complete")
	case <-time.After(cfg.DrainDeadline):
		log.Printf("Drain deadline %s reached, shutting down anyway", cfg.DrainDeadline)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainDeadline)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}

	if redisCache != nil {
		_ = redisCache.Close()
	}
	log.Printf("Shutdown complete")
	return nil
}
