package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	opts "github.com/goliatone/go-options"
)

type ErrorFactory func(message string, category ...goerrors.Category) *goerrors.Error

type ErrorMapper func(err error) *goerrors.Error

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type verifierBinding struct {
	provider string
	verifier PurchaseVerifier
}

type serviceBuilder struct {
	runtimeConfig   Config
	logger          Logger
	loggerProvider  LoggerProvider
	metricsRecorder MetricsRecorder
	errorFactory    ErrorFactory
	errorMapper     ErrorMapper
	configProvider  ConfigProvider
	optionsResolver OptionsResolver
	ledgerStore     LedgerStore
	registry        VerifierRegistry
	verifiers       []verifierBinding
	runtimeProvider RuntimeConfigProvider
	catalog         *Catalog
	clock           Clock
	webhookDecoders map[string]WebhookDecoder
}

type Option func(*serviceBuilder)

func WithLogger(logger Logger) Option {
	return func(b *serviceBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *serviceBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *serviceBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithErrorFactory(factory ErrorFactory) Option {
	return func(b *serviceBuilder) {
		b.errorFactory = factory
	}
}

func WithErrorMapper(mapper ErrorMapper) Option {
	return func(b *serviceBuilder) {
		b.errorMapper = mapper
	}
}

func WithConfigProvider(provider ConfigProvider) Option {
	return func(b *serviceBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver OptionsResolver) Option {
	return func(b *serviceBuilder) {
		b.optionsResolver = resolver
	}
}

func WithLedgerStore(store LedgerStore) Option {
	return func(b *serviceBuilder) {
		b.ledgerStore = store
	}
}

func WithVerifierRegistry(registry VerifierRegistry) Option {
	return func(b *serviceBuilder) {
		b.registry = registry
	}
}

// WithVerifier registers verifier for provider on the service registry.
func WithVerifier(provider string, verifier PurchaseVerifier) Option {
	return func(b *serviceBuilder) {
		b.verifiers = append(b.verifiers, verifierBinding{provider: provider, verifier: verifier})
	}
}

func WithRuntimeConfigProvider(provider RuntimeConfigProvider) Option {
	return func(b *serviceBuilder) {
		b.runtimeProvider = provider
	}
}

// WithCatalog sets the base catalog. Without it the catalog is read from
// Config.CatalogPath.
func WithCatalog(catalog Catalog) Option {
	return func(b *serviceBuilder) {
		copied := cloneCatalog(catalog)
		b.catalog = &copied
	}
}

func WithClock(clock Clock) Option {
	return func(b *serviceBuilder) {
		b.clock = clock
	}
}

func WithWebhookDecoder(provider string, decoder WebhookDecoder) Option {
	return func(b *serviceBuilder) {
		if b.webhookDecoders == nil {
			b.webhookDecoders = map[string]WebhookDecoder{}
		}
		b.webhookDecoders[webhookDecoderKey(provider)] = decoder
	}
}

func webhookDecoderKey(provider string) string {
	if canonical, err := NormalizeProvider(provider); err == nil {
		provider = canonical
	}
	return strings.ToLower(strings.TrimSpace(provider))
}

func defaultServiceBuilder(runtime Config) serviceBuilder {
	loggerProvider, logger := glog.Resolve("iap", nil, nil)
	return serviceBuilder{
		runtimeConfig:   runtime,
		loggerProvider:  loggerProvider,
		logger:          logger,
		metricsRecorder: NopMetricsRecorder{},
		errorFactory:    goerrors.New,
		errorMapper:     defaultErrorMapper,
		configProvider:  NewCfgxConfigProvider(nil),
		optionsResolver: GoOptionsResolver{},
		registry:        NewVerifierRegistry(),
	}
}

func defaultErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	return serviceErrorMapper(err)
}

type staticRawConfigLoader struct {
	Values map[string]any
}

func (l staticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	return copyAnyMap(l.Values), nil
}

// StaticConfigLoader returns values unchanged on every load.
func StaticConfigLoader(values map[string]any) RawConfigLoader {
	return staticRawConfigLoader{Values: values}
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = staticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	defaultLayer := configToLayerMap(defaults, true)
	loadedLayer := configToLayerMap(loaded, false)
	runtimeLayer := configToLayerMap(runtime, false)

	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			defaultLayer,
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			loadedLayer,
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			runtimeLayer,
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	setString := func(target map[string]any, key, value string) {
		if includeZero || strings.TrimSpace(value) != "" {
			target[key] = value
		}
	}
	setString(layer, "service_name", cfg.ServiceName)
	setString(layer, "environment", cfg.Environment)
	setString(layer, "catalog_path", cfg.CatalogPath)
	if includeZero || cfg.VerificationTimeout > 0 {
		layer["verification_timeout"] = cfg.VerificationTimeout
	}

	storeA := map[string]any{}
	setString(storeA, "issuer_id", cfg.Providers.StoreA.IssuerID)
	setString(storeA, "key_id", cfg.Providers.StoreA.KeyID)
	setString(storeA, "private_key", cfg.Providers.StoreA.PrivateKey)
	setString(storeA, "bundle_id", cfg.Providers.StoreA.BundleID)
	if includeZero || cfg.Providers.StoreA.DisableSandboxFallback {
		storeA["disable_sandbox_fallback"] = cfg.Providers.StoreA.DisableSandboxFallback
	}

	storeB := map[string]any{}
	setString(storeB, "package_name", cfg.Providers.StoreB.PackageName)
	setString(storeB, "service_account_json", cfg.Providers.StoreB.ServiceAccountJSON)
	setString(storeB, "push_token", cfg.Providers.StoreB.PushToken)

	webWallet := map[string]any{}
	setString(webWallet, "client_id", cfg.Providers.WebWallet.ClientID)
	setString(webWallet, "client_secret", cfg.Providers.WebWallet.ClientSecret)
	setString(webWallet, "base_url", cfg.Providers.WebWallet.BaseURL)
	setString(webWallet, "webhook_id", cfg.Providers.WebWallet.WebhookID)

	providers := map[string]any{}
	for key, section := range map[string]map[string]any{
		"store_a":    storeA,
		"store_b":    storeB,
		"web_wallet": webWallet,
	} {
		if includeZero || len(section) > 0 {
			providers[key] = section
		}
	}
	if len(providers) > 0 {
		layer["providers"] = providers
	}
	return layer
}
