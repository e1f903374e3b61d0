package core

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "IAP_"

var envConfigKeys = map[string][]string{
	"SERVICE_NAME":                 {"service_name"},
	"ENVIRONMENT":                  {"environment"},
	"VERIFICATION_TIMEOUT":         {"verification_timeout"},
	"CATALOG_PATH":                 {"catalog_path"},
	"STORE_A_ISSUER_ID":            {"providers", "store_a", "issuer_id"},
	"STORE_A_KEY_ID":               {"providers", "store_a", "key_id"},
	"STORE_A_PRIVATE_KEY":          {"providers", "store_a", "private_key"},
	"STORE_A_BUNDLE_ID":            {"providers", "store_a", "bundle_id"},
	"STORE_A_DISABLE_SANDBOX":      {"providers", "store_a", "disable_sandbox_fallback"},
	"STORE_B_PACKAGE_NAME":         {"providers", "store_b", "package_name"},
	"STORE_B_SERVICE_ACCOUNT_JSON": {"providers", "store_b", "service_account_json"},
	"STORE_B_PUSH_TOKEN":           {"providers", "store_b", "push_token"},
	"WEB_WALLET_CLIENT_ID":         {"providers", "web_wallet", "client_id"},
	"WEB_WALLET_CLIENT_SECRET":     {"providers", "web_wallet", "client_secret"},
	"WEB_WALLET_BASE_URL":          {"providers", "web_wallet", "base_url"},
	"WEB_WALLET_WEBHOOK_ID":        {"providers", "web_wallet", "webhook_id"},
}

// EnvConfigLoader reads IAP_* variables from the process environment,
// optionally seeded from dotenv files. Process variables win over files.
type EnvConfigLoader struct {
	Files  []string
	Lookup func(key string) (string, bool)
}

func (l EnvConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	values := map[string]string{}
	if len(l.Files) > 0 {
		fromFiles, err := godotenv.Read(l.Files...)
		if err != nil {
			return nil, fmt.Errorf("core: read dotenv: %w", err)
		}
		for key, value := range fromFiles {
			values[key] = value
		}
	}
	lookup := l.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for suffix := range envConfigKeys {
		if value, ok := lookup(envPrefix + suffix); ok {
			values[envPrefix+suffix] = value
		}
	}

	raw := map[string]any{}
	for suffix, path := range envConfigKeys {
		value, ok := values[envPrefix+suffix]
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		typed, err := typedConfigValue(path[len(path)-1], value)
		if err != nil {
			return nil, err
		}
		setNested(raw, path, typed)
	}
	return raw, nil
}

// FileConfigLoader reads a YAML (or JSON) config document.
type FileConfigLoader struct {
	Path string
}

func (l FileConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	path := strings.TrimSpace(l.Path)
	if path == "" {
		return map[string]any{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("core: read config file: %w", err)
	}
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("core: parse config file %s: %w", path, err)
	}
	if value, ok := raw["verification_timeout"].(string); ok {
		timeout, err := time.ParseDuration(value)
		if err != nil {
			return nil, fmt.Errorf("core: verification_timeout is invalid: %w", err)
		}
		raw["verification_timeout"] = timeout
	}
	return raw, nil
}

// ChainConfigLoader merges loaders in order; later loaders win per key.
type ChainConfigLoader []RawConfigLoader

func (c ChainConfigLoader) LoadRaw(ctx context.Context) (map[string]any, error) {
	merged := map[string]any{}
	for _, loader := range c {
		if loader == nil {
			continue
		}
		raw, err := loader.LoadRaw(ctx)
		if err != nil {
			return nil, err
		}
		mergeNested(merged, raw)
	}
	return merged, nil
}

func typedConfigValue(key, value string) (any, error) {
	value = strings.TrimSpace(value)
	switch key {
	case "verification_timeout":
		timeout, err := time.ParseDuration(value)
		if err != nil {
			return nil, fmt.Errorf("core: verification_timeout is invalid: %w", err)
		}
		return timeout, nil
	case "disable_sandbox_fallback":
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("core: disable_sandbox_fallback is invalid: %w", err)
		}
		return enabled, nil
	}
	return value, nil
}

func setNested(target map[string]any, path []string, value any) {
	current := target
	for _, key := range path[:len(path)-1] {
		next, ok := current[key].(map[string]any)
		if !ok {
			next = map[string]any{}
			current[key] = next
		}
		current = next
	}
	current[path[len(path)-1]] = value
}

func mergeNested(dst, src map[string]any) {
	for key, value := range src {
		srcMap, srcIsMap := value.(map[string]any)
		dstMap, dstIsMap := dst[key].(map[string]any)
		if srcIsMap && dstIsMap {
			mergeNested(dstMap, srcMap)
			continue
		}
		if srcIsMap {
			copied := map[string]any{}
			mergeNested(copied, srcMap)
			dst[key] = copied
			continue
		}
		dst[key] = value
	}
}
