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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopCache(t *testing.T) {
	ctx := context.Background()
	var cache Cache = NoopCache{}

	assert.False(t, cache.Set(ctx, "k", "v", time.Minute))
	_, ok := cache.Get(ctx, "k")
	assert.False(t, ok)
	assert.False(t, cache.Delete(ctx, "k"))
	assert.Equal(t, 0, cache.DeletePattern(ctx, "*"))
}

func TestRedisCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	cache, err := NewRedisCache("redis://" + mr.Addr())
	require.NoError(t, err)
	defer cache.Close()

	ctx := context.Background()

	_, ok := cache.Get(ctx, "missing")
	assert.False(t, ok)

	assert.True(t, cache.Set(ctx, "policy:acme", `{"version":"1.0"}`, time.Minute))
	value, ok := cache.Get(ctx, "policy:acme")
	require.True(t, ok)
	assert.Equal(t, `{"version":"1.0"}`, value)

	assert.True(t, cache.Delete(ctx, "policy:acme"))
	_, ok = cache.Get(ctx, "policy:acme")
	assert.False(t, ok)
}

func TestRedisCacheTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	cache, err := NewRedisCache("redis://" + mr.Addr())
	require.NoError(t, err)
	defer cache.Close()

	ctx := context.Background()
	cache.Set(ctx, "k", "v", time.Minute)

	mr.FastForward(2 * time.Minute)
	_, ok := cache.Get(ctx, "k")
	assert.False(t, ok, "entry should expire")
}

func TestRedisCacheDeletePattern(t *testing.T) {
	mr := miniredis.RunT(t)
	cache, err := NewRedisCache("redis://" + mr.Addr())
	require.NoError(t, err)
	defer cache.Close()

	ctx := context.Background()
	cache.Set(ctx, "agg:acme:a:x:1", "1", time.Minute)
	cache.Set(ctx, "agg:acme:b:y:2", "2", time.Minute)
	cache.Set(ctx, "agg:globex:a:x:1", "3", time.Minute)

	deleted := cache.DeletePattern(ctx, "agg:acme:*")
	assert.Equal(t, 2, deleted)
	assert.True(t, mr.Exists("agg:globex:a:x:1"))

	assert.Equal(t, 0, cache.DeletePattern(ctx, "agg:acme:*"))
}

// A dead Redis behaves like an empty cache rather than failing requests.
func TestRedisCacheDegradesWhenDown(t *testing.T) {
	mr := miniredis.RunT(t)
	cache, err := NewRedisCache("redis://" + mr.Addr())
	require.NoError(t, err)
	defer cache.Close()

	mr.Close()

	ctx := context.Background()
	_, ok := cache.Get(ctx, "k")
	assert.False(t, ok)
	assert.False(t, cache.Set(ctx, "k", "v", time.Minute))
	assert.False(t, cache.Delete(ctx, "k"))
	assert.Equal(t, 0, cache.DeletePattern(ctx, "*"))
}

func TestNewRedisCacheBadURL(t *testing.T) {
	_, err := NewRedisCache("not-a-url")
	assert.Error(t, err)
}

func TestCacheKeySchemas(t *testing.T) {
	assert.Equal(t, "policy:acme", policyCacheKey("acme"))
	assert.Equal(t, "credential:ag_abc", credentialCacheKey("ag_abc"))
	assert.Equal(t, "agg:acme:*", aggregatePattern("acme"))
}
