package iap

import (
	"fmt"

	"github.com/goliatone/go-iap/core"
	"github.com/goliatone/go-iap/providers"
	"github.com/goliatone/go-iap/providers/storea"
	"github.com/goliatone/go-iap/providers/storeb"
	"github.com/goliatone/go-iap/providers/webwallet"
	"github.com/goliatone/go-iap/webhooks"
)

func StoreAVerifier(cfg storea.Config) (core.PurchaseVerifier, error) {
	return storea.New(cfg)
}

func StoreBVerifier(cfg storeb.Config) (core.PurchaseVerifier, error) {
	return storeb.New(cfg)
}

func WebWalletVerifier(cfg webwallet.Config) (core.PurchaseVerifier, error) {
	return webwallet.New(cfg)
}

// BuiltinProviders builds the store verifiers and returns the service options
// that register them with their webhook decoders.
func BuiltinProviders(cfg providers.Config) (*providers.Builtin, []Option, error) {
	builtin, err := providers.NewBuiltin(cfg)
	if err != nil {
		return nil, nil, err
	}
	return builtin, builtin.ServiceOptions(), nil
}

// NewWebhookProcessor wires provider templates, a delivery ledger and the
// entitlement service into one webhook pipeline.
func NewWebhookProcessor(
	service core.EntitlementService,
	templates *webhooks.TemplateSet,
	ledger webhooks.DeliveryLedger,
) (*webhooks.Processor, error) {
	if service == nil {
		return nil, fmt.Errorf("iap: entitlement service is required")
	}
	if templates == nil {
		return nil, fmt.Errorf("iap: webhook templates are required")
	}
	if ledger == nil {
		ledger = webhooks.NewMemoryDeliveryLedger()
	}
	processor := webhooks.NewProcessor(templates, ledger, webhooks.NewServiceHandler(service))
	processor.ExtractID = templates.ExtractDeliveryID
	return processor, nil
}
