package core

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type PurchaseInput struct {
	Provider  string
	ProductID string
	GameID    string
	Payload   PurchasePayload
}

// Normalizer validates routing policy, resolves the catalog entry and runs
// the provider verifier for one purchase.
type Normalizer struct {
	Config        Config
	Catalog       Catalog
	Verifiers     VerifierRegistry
	RuntimeConfig RuntimeConfigProvider
	Now           Clock
}

func (n Normalizer) Normalize(ctx context.Context, input PurchaseInput) (NormalizedPurchase, error) {
	provider, err := NormalizeProvider(input.Provider)
	if err != nil {
		return NormalizedPurchase{}, err
	}
	exportTarget, err := ResolveExportTarget(provider, input.Payload.ExportTarget)
	if err != nil {
		return NormalizedPurchase{}, err
	}
	productID := NormalizeProductID(input.ProductID)
	if productID == "" {
		return NormalizedPurchase{}, badInput("product_id", "product id is required")
	}
	gameID := strings.TrimSpace(input.GameID)

	runtime := RuntimeConfig{}
	if gameID != "" && n.RuntimeConfig != nil {
		runtime, err = n.RuntimeConfig.Load(ctx, gameID, n.Config.Environment)
		if err != nil {
			return NormalizedPurchase{}, WrapStorageError(err, "core: runtime config load failed")
		}
	}

	catalog := MergeCatalog(n.Catalog, runtime.Catalog)
	entry, ok := ResolveCatalogEntry(catalog, productID)
	if !ok {
		return NormalizedPurchase{}, fmt.Errorf("%w: %s", ErrUnknownProduct, productID)
	}
	if entry.IsConsumable() {
		if gameID != "" && entry.GameID != "" && !strings.EqualFold(entry.GameID, gameID) {
			return NormalizedPurchase{}, fmt.Errorf("%w: product does not belong to game %s", ErrPolicyViolation, gameID)
		}
		if gameID == "" && entry.GameID == "" {
			return NormalizedPurchase{}, badInput("game_id", "game id is required for consumable products")
		}
	}

	if n.Verifiers == nil {
		return NormalizedPurchase{}, fmt.Errorf("%w: %s", ErrVerifierNotFound, provider)
	}
	verifier, ok := n.Verifiers.Get(provider)
	if !ok {
		return NormalizedPurchase{}, fmt.Errorf("%w: %s", ErrVerifierNotFound, provider)
	}

	providerConfig := MergeProviderConfig(n.Config.StaticProviderConfig(provider), runtimeProviderConfig(runtime, provider))
	verified, err := n.verify(ctx, verifier, VerifyRequest{
		Provider:       provider,
		ProductID:      productID,
		GameID:         gameID,
		Payload:        input.Payload,
		CatalogEntry:   entry,
		NowSeconds:     n.now().Unix(),
		ProviderConfig: providerConfig,
	})
	if err != nil {
		return NormalizedPurchase{}, err
	}

	purchase := NormalizedPurchase{
		Provider:              provider,
		ExternalTransactionID: strings.TrimSpace(verified.ExternalTransactionID),
		Type:                  entry.Type,
		ProductID:             productID,
		ExportTarget:          exportTarget,
	}
	if verified.Type != "" && verified.Type != entry.Type {
		return NormalizedPurchase{}, NewVerificationError(provider, fmt.Sprintf("verified type %s does not match catalog type %s", verified.Type, entry.Type))
	}
	if purchase.ExternalTransactionID == "" {
		purchase.ExternalTransactionID = DeriveTransactionID(provider, productID, input.Payload)
	}

	switch entry.Type {
	case ProductTypeConsumable:
		purchase.GameID = firstNonEmpty(verified.GameID, entry.GameID, gameID)
		purchase.CoinsDelta = verified.CoinsDelta
		if purchase.CoinsDelta <= 0 {
			purchase.CoinsDelta = entry.Coins
		}
	case ProductTypeSubscription:
		if verified.Subscription == nil {
			return NormalizedPurchase{}, NewVerificationError(provider, "subscription state missing from verification")
		}
		state := cloneSubscription(verified.Subscription)
		if state.Provider == "" {
			state.Provider = provider
		}
		if state.ExternalSubscriptionID == "" {
			state.ExternalSubscriptionID = purchase.ExternalTransactionID
		}
		if state.Status == "" {
			if state.Active {
				state.Status = SubscriptionStatusActive
			} else {
				state.Status = SubscriptionStatusExpired
			}
		}
		purchase.GameID = firstNonEmpty(verified.GameID, gameID)
		purchase.Subscription = state
	}
	return purchase, nil
}

func (n Normalizer) verify(ctx context.Context, verifier PurchaseVerifier, req VerifyRequest) (VerifiedPurchase, error) {
	if n.Config.VerificationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.Config.VerificationTimeout)
		defer cancel()
	}
	type outcome struct {
		verified VerifiedPurchase
		err      error
	}
	done := make(chan outcome, 1)
	go func() {
		verified, err := verifier.VerifyPurchase(ctx, req)
		done <- outcome{verified: verified, err: err}
	}()
	select {
	case <-ctx.Done():
		return VerifiedPurchase{}, WrapVerificationError(req.Provider, ctx.Err())
	case result := <-done:
		if result.err != nil {
			return VerifiedPurchase{}, WrapVerificationError(req.Provider, result.err)
		}
		return result.verified, nil
	}
}

func (n Normalizer) now() time.Time {
	if n.Now != nil {
		return n.Now()
	}
	return time.Now().UTC()
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
