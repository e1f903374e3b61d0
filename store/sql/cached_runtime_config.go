package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/goliatone/go-iap/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const runtimeConfigCacheKeyPrefix = "go-iap::runtime_config::v1"

// CachedRuntimeConfigProvider caches exact (game, environment) rows, misses
// included, and resolves the shared fallback from the cache as well.
type CachedRuntimeConfigProvider struct {
	base  RuntimeConfigSource
	cache repositorycache.CacheService
}

type cachedRuntimeConfig struct {
	Config core.RuntimeConfig
	Found  bool
}

func NewCachedRuntimeConfigProvider(
	base RuntimeConfigSource,
	cacheService repositorycache.CacheService,
) (*CachedRuntimeConfigProvider, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base runtime config source is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: runtime config cache service is required")
	}
	return &CachedRuntimeConfigProvider{base: base, cache: cacheService}, nil
}

// RuntimeConfigCacheKey returns go-iap::runtime_config::v1::<game>::<environment>
// with each segment URL-path escaped.
func RuntimeConfigCacheKey(gameID string, environment string) string {
	return strings.Join([]string{
		runtimeConfigCacheKeyPrefix,
		url.PathEscape(strings.TrimSpace(gameID)),
		url.PathEscape(normalizeEnvironment(environment)),
	}, "::")
}

func (p *CachedRuntimeConfigProvider) Load(ctx context.Context, gameID string, environment string) (core.RuntimeConfig, error) {
	if p == nil || p.base == nil || p.cache == nil {
		return core.RuntimeConfig{}, fmt.Errorf("sqlstore: cached runtime config provider is not configured")
	}
	return loadWithFallback(ctx, p, gameID, environment)
}

func (p *CachedRuntimeConfigProvider) Get(ctx context.Context, gameID string, environment string) (core.RuntimeConfig, bool, error) {
	if p == nil || p.base == nil || p.cache == nil {
		return core.RuntimeConfig{}, false, fmt.Errorf("sqlstore: cached runtime config provider is not configured")
	}
	key := RuntimeConfigCacheKey(gameID, environment)
	entry, err := repositorycache.GetOrFetch(ctx, p.cache, key, func(ctx context.Context) (cachedRuntimeConfig, error) {
		cfg, found, fetchErr := p.base.Get(ctx, gameID, environment)
		if fetchErr != nil {
			return cachedRuntimeConfig{}, fetchErr
		}
		return cachedRuntimeConfig{Config: cfg, Found: found}, nil
	})
	if err != nil {
		return core.RuntimeConfig{}, false, err
	}
	return core.RuntimeConfig{
		Catalog:   copyAnyMap(entry.Config.Catalog),
		Providers: copyProviders(entry.Config.Providers),
	}, entry.Found, nil
}

func (p *CachedRuntimeConfigProvider) Save(ctx context.Context, gameID string, environment string, cfg core.RuntimeConfig) error {
	if p == nil || p.base == nil || p.cache == nil {
		return fmt.Errorf("sqlstore: cached runtime config provider is not configured")
	}
	if err := p.base.Save(ctx, gameID, environment, cfg); err != nil {
		return err
	}
	return p.cache.Delete(ctx, RuntimeConfigCacheKey(gameID, environment))
}

var (
	_ core.RuntimeConfigProvider = (*CachedRuntimeConfigProvider)(nil)
	_ RuntimeConfigSource        = (*CachedRuntimeConfigProvider)(nil)
)
