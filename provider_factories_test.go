package iap

import (
	"testing"

	"github.com/goliatone/go-iap/core"
	"github.com/goliatone/go-iap/providers"
	"github.com/goliatone/go-iap/providers/storea"
	"github.com/goliatone/go-iap/providers/storeb"
	"github.com/goliatone/go-iap/providers/webwallet"
	"github.com/goliatone/go-iap/webhooks"
)

func TestBuiltInVerifierFactories(t *testing.T) {
	cases := []struct {
		name string
		fn   func() (core.PurchaseVerifier, error)
	}{
		{name: "storea", fn: func() (core.PurchaseVerifier, error) { return StoreAVerifier(storea.DefaultConfig()) }},
		{name: "storeb", fn: func() (core.PurchaseVerifier, error) { return StoreBVerifier(storeb.DefaultConfig()) }},
		{name: "webwallet", fn: func() (core.PurchaseVerifier, error) { return WebWalletVerifier(webwallet.DefaultConfig()) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verifier, err := tc.fn()
			if err != nil {
				t.Fatalf("build verifier: %v", err)
			}
			if verifier == nil {
				t.Fatalf("expected verifier")
			}
		})
	}
}

func TestBuiltinProviders_RegistersEveryStore(t *testing.T) {
	builtin, opts, err := BuiltinProviders(providers.DefaultConfig())
	if err != nil {
		t.Fatalf("builtin providers: %v", err)
	}
	if builtin == nil || len(opts) != 6 {
		t.Fatalf("expected verifier and decoder options for three stores, got %d", len(opts))
	}
	svc, err := NewService(DefaultConfig(), opts...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	registered := svc.Dependencies().VerifierRegistry.Providers()
	if len(registered) != 3 {
		t.Fatalf("expected three registered providers, got %v", registered)
	}
}

func TestNewWebhookProcessor_Validates(t *testing.T) {
	templates, err := webhooks.NewTemplateSet(webhooks.NewStoreBWebhookTemplate("push-token"))
	if err != nil {
		t.Fatalf("new template set: %v", err)
	}
	if _, err := NewWebhookProcessor(nil, templates, nil); err == nil {
		t.Fatalf("expected missing service error")
	}
	if _, err := NewWebhookProcessor(stubEntitlementService{}, nil, nil); err == nil {
		t.Fatalf("expected missing templates error")
	}
	processor, err := NewWebhookProcessor(stubEntitlementService{}, templates, nil)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	if processor.Ledger == nil || processor.ExtractID == nil {
		t.Fatalf("expected default ledger and template extractor")
	}
}
