package core

import (
	"fmt"
	"strings"
	"time"
)

const (
	EnvironmentProduction = "production"
	EnvironmentSandbox    = "sandbox"

	defaultVerificationTimeout = 15 * time.Second
)

type StoreAConfig struct {
	IssuerID   string `koanf:"issuer_id" mapstructure:"issuer_id"`
	KeyID      string `koanf:"key_id" mapstructure:"key_id"`
	PrivateKey string `koanf:"private_key" mapstructure:"private_key"`
	BundleID   string `koanf:"bundle_id" mapstructure:"bundle_id"`

	// DisableSandboxFallback stops retrying a production 404 against the
	// sandbox environment.
	DisableSandboxFallback bool `koanf:"disable_sandbox_fallback" mapstructure:"disable_sandbox_fallback"`
}

type StoreBConfig struct {
	PackageName        string `koanf:"package_name" mapstructure:"package_name"`
	ServiceAccountJSON string `koanf:"service_account_json" mapstructure:"service_account_json"`
	// PushToken is the shared token the push subscription appends to
	// real-time developer notification deliveries.
	PushToken string `koanf:"push_token" mapstructure:"push_token"`
}

type WebWalletConfig struct {
	ClientID     string `koanf:"client_id" mapstructure:"client_id"`
	ClientSecret string `koanf:"client_secret" mapstructure:"client_secret"`
	BaseURL      string `koanf:"base_url" mapstructure:"base_url"`
	WebhookID    string `koanf:"webhook_id" mapstructure:"webhook_id"`
}

type ProvidersConfig struct {
	StoreA    StoreAConfig    `koanf:"store_a" mapstructure:"store_a"`
	StoreB    StoreBConfig    `koanf:"store_b" mapstructure:"store_b"`
	WebWallet WebWalletConfig `koanf:"web_wallet" mapstructure:"web_wallet"`
}

type Config struct {
	ServiceName         string          `koanf:"service_name" mapstructure:"service_name"`
	Environment         string          `koanf:"environment" mapstructure:"environment"`
	VerificationTimeout time.Duration   `koanf:"verification_timeout" mapstructure:"verification_timeout"`
	CatalogPath         string          `koanf:"catalog_path" mapstructure:"catalog_path"`
	Providers           ProvidersConfig `koanf:"providers" mapstructure:"providers"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName:         "iap",
		Environment:         EnvironmentProduction,
		VerificationTimeout: defaultVerificationTimeout,
		Providers: ProvidersConfig{
			WebWallet: WebWalletConfig{
				BaseURL: "https://api-m.paypal.com",
			},
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "", EnvironmentProduction, EnvironmentSandbox:
	default:
		return fmt.Errorf("core: environment %q is invalid", c.Environment)
	}
	if c.VerificationTimeout < 0 {
		return fmt.Errorf("core: verification_timeout must not be negative")
	}
	return nil
}

// StaticProviderConfig flattens the static credentials of provider into the
// same key space runtime config uses.
func (c Config) StaticProviderConfig(provider string) ProviderConfig {
	out := ProviderConfig{}
	set := func(key, value string) {
		if value = strings.TrimSpace(value); value != "" {
			out[key] = value
		}
	}
	switch provider {
	case ProviderStoreA:
		set("issuer_id", c.Providers.StoreA.IssuerID)
		set("key_id", c.Providers.StoreA.KeyID)
		set("private_key", c.Providers.StoreA.PrivateKey)
		set("bundle_id", c.Providers.StoreA.BundleID)
		if c.Providers.StoreA.DisableSandboxFallback {
			out["sandbox_fallback"] = "false"
		}
	case ProviderStoreB:
		set("package_name", c.Providers.StoreB.PackageName)
		set("service_account_json", c.Providers.StoreB.ServiceAccountJSON)
	case ProviderWebWallet:
		set("client_id", c.Providers.WebWallet.ClientID)
		set("client_secret", c.Providers.WebWallet.ClientSecret)
		set("base_url", c.Providers.WebWallet.BaseURL)
		set("webhook_id", c.Providers.WebWallet.WebhookID)
	}
	set("environment", strings.ToLower(c.Environment))
	return out
}
