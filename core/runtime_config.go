package core

import (
	"context"
	"strings"
	"sync"
)

// StaticRuntimeConfigProvider serves per-game runtime config from memory.
// Games without an entry resolve to an empty config.
type StaticRuntimeConfigProvider struct {
	mu      sync.RWMutex
	configs map[string]RuntimeConfig
}

func NewStaticRuntimeConfigProvider(configs map[string]RuntimeConfig) *StaticRuntimeConfigProvider {
	provider := &StaticRuntimeConfigProvider{configs: map[string]RuntimeConfig{}}
	for key, cfg := range configs {
		provider.configs[runtimeConfigKey(key, "")] = cloneRuntimeConfig(cfg)
	}
	return provider
}

// Set stores cfg for a game; an empty environment applies to every environment.
func (p *StaticRuntimeConfigProvider) Set(gameID string, environment string, cfg RuntimeConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.configs[runtimeConfigKey(gameID, environment)] = cloneRuntimeConfig(cfg)
}

func (p *StaticRuntimeConfigProvider) Load(_ context.Context, gameID string, environment string) (RuntimeConfig, error) {
	if p == nil {
		return RuntimeConfig{}, nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cfg, ok := p.configs[runtimeConfigKey(gameID, environment)]; ok {
		return cloneRuntimeConfig(cfg), nil
	}
	if cfg, ok := p.configs[runtimeConfigKey(gameID, "")]; ok {
		return cloneRuntimeConfig(cfg), nil
	}
	return RuntimeConfig{}, nil
}

func runtimeConfigKey(gameID, environment string) string {
	return strings.TrimSpace(gameID) + "|" + strings.ToLower(strings.TrimSpace(environment))
}

// MergeProviderConfig overlays runtime settings on static defaults.
func MergeProviderConfig(defaults ProviderConfig, override ProviderConfig) ProviderConfig {
	out := ProviderConfig{}
	for key, value := range defaults {
		out[key] = value
	}
	for key, value := range override {
		if strings.TrimSpace(value) == "" {
			continue
		}
		out[key] = value
	}
	return out
}

func cloneRuntimeConfig(cfg RuntimeConfig) RuntimeConfig {
	out := RuntimeConfig{
		Catalog:   copyAnyMap(cfg.Catalog),
		Providers: make(map[string]ProviderConfig, len(cfg.Providers)),
	}
	for provider, values := range cfg.Providers {
		out.Providers[provider] = MergeProviderConfig(nil, values)
	}
	return out
}

func runtimeProviderConfig(cfg RuntimeConfig, provider string) ProviderConfig {
	for key, values := range cfg.Providers {
		canonical, err := NormalizeProvider(key)
		if err == nil && canonical == provider {
			return values
		}
	}
	return nil
}

var _ RuntimeConfigProvider = (*StaticRuntimeConfigProvider)(nil)
