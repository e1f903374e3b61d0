package providers

import (
	"fmt"
	"net/http"

	"github.com/goliatone/go-iap/core"
	"github.com/goliatone/go-iap/providers/storea"
	"github.com/goliatone/go-iap/providers/storeb"
	"github.com/goliatone/go-iap/providers/webwallet"
	"github.com/goliatone/go-iap/ratelimit"
	"github.com/goliatone/go-iap/webhooks"
)

type Config struct {
	StoreA    storea.Config
	StoreB    storeb.Config
	WebWallet webwallet.Config
}

func DefaultConfig() Config {
	return Config{
		StoreA:    storea.DefaultConfig(),
		StoreB:    storeb.DefaultConfig(),
		WebWallet: webwallet.DefaultConfig(),
	}
}

// WithHTTPClient points every built-in verifier at client.
func (c Config) WithHTTPClient(client *http.Client) Config {
	c.StoreA.HTTPClient = client
	c.StoreB.HTTPClient = client
	c.WebWallet.HTTPClient = client
	return c
}

// WithThrottle routes store API traffic through policy. Store B is wrapped
// only when it already has an explicit client; with service account
// credentials the publisher library owns its transport.
func (c Config) WithThrottle(policy *ratelimit.AdaptivePolicy) Config {
	if policy == nil {
		return c
	}
	c.StoreA.HTTPClient = ratelimit.WrapClient(c.StoreA.HTTPClient, core.ProviderStoreA, policy)
	c.WebWallet.HTTPClient = ratelimit.WrapClient(c.WebWallet.HTTPClient, core.ProviderWebWallet, policy)
	if c.StoreB.HTTPClient != nil {
		c.StoreB.HTTPClient = ratelimit.WrapClient(c.StoreB.HTTPClient, core.ProviderStoreB, policy)
	}
	return c
}

type Builtin struct {
	StoreA    *storea.Verifier
	StoreB    *storeb.Verifier
	WebWallet *webwallet.Verifier
}

func NewBuiltin(cfg Config) (*Builtin, error) {
	storeA, err := storea.New(cfg.StoreA)
	if err != nil {
		return nil, err
	}
	storeB, err := storeb.New(cfg.StoreB)
	if err != nil {
		return nil, err
	}
	webWallet, err := webwallet.New(cfg.WebWallet)
	if err != nil {
		return nil, err
	}
	return &Builtin{StoreA: storeA, StoreB: storeB, WebWallet: webWallet}, nil
}

// Verifiers returns the verifiers keyed by canonical provider id.
func (b *Builtin) Verifiers() map[string]core.PurchaseVerifier {
	if b == nil {
		return nil
	}
	return map[string]core.PurchaseVerifier{
		core.ProviderStoreA:    b.StoreA,
		core.ProviderStoreB:    b.StoreB,
		core.ProviderWebWallet: b.WebWallet,
	}
}

// WebhookDecoders returns the store notification decoders keyed by provider.
func (b *Builtin) WebhookDecoders() map[string]core.WebhookDecoder {
	if b == nil {
		return nil
	}
	return map[string]core.WebhookDecoder{
		core.ProviderStoreA:    b.StoreA.WebhookDecoder(),
		core.ProviderStoreB:    storeb.WebhookDecoder(),
		core.ProviderWebWallet: webwallet.WebhookDecoder(),
	}
}

// ServiceOptions registers the verifiers and decoders on a core.Service.
func (b *Builtin) ServiceOptions() []core.Option {
	if b == nil {
		return nil
	}
	decoders := b.WebhookDecoders()
	opts := make([]core.Option, 0, 6)
	for _, provider := range []string{core.ProviderStoreA, core.ProviderStoreB, core.ProviderWebWallet} {
		opts = append(opts,
			core.WithVerifier(provider, b.Verifiers()[provider]),
			core.WithWebhookDecoder(provider, decoders[provider]),
		)
	}
	return opts
}

// WebhookTemplates builds the per-provider verification and delivery id
// rules from the static service configuration.
func (b *Builtin) WebhookTemplates(cfg core.Config) (*webhooks.TemplateSet, error) {
	if b == nil {
		return nil, fmt.Errorf("providers: builtin verifiers are not configured")
	}
	return webhooks.NewTemplateSet(
		b.StoreA.NewWebhookTemplate(cfg.Providers.StoreA.BundleID),
		storeb.NewWebhookTemplate(cfg.Providers.StoreB.PushToken),
		b.WebWallet.NewWebhookTemplate(cfg.StaticProviderConfig(core.ProviderWebWallet)),
	)
}
