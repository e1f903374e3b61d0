package core

import (
	"strings"
	"time"
)

const (
	ProviderStoreA    = "storeA"
	ProviderStoreB    = "storeB"
	ProviderWebWallet = "webwallet"

	// ProviderInternal tags ledger entries written by AdjustCoins.
	ProviderInternal = "internal"
)

const (
	ExportTargetIOS     = "ios"
	ExportTargetAndroid = "android"
	ExportTargetWeb     = "web"
)

type ProductType string

const (
	ProductTypeConsumable   ProductType = "consumable"
	ProductTypeSubscription ProductType = "subscription"
)

const (
	SubscriptionStatusActive   = "active"
	SubscriptionStatusExpired  = "expired"
	SubscriptionStatusCanceled = "canceled"
	SubscriptionStatusPending  = "pending"
	SubscriptionStatusRevoked  = "revoked"
	SubscriptionStatusMerged   = "merged"
	SubscriptionStatusNone     = "none"
)

type LedgerRecordKind string

const (
	LedgerRecordPurchase   LedgerRecordKind = "purchase"
	LedgerRecordAdjustment LedgerRecordKind = "adjustment"
)

type CatalogEntry struct {
	Type      ProductType `json:"type" yaml:"type"`
	ProductID string      `json:"product_id" yaml:"product_id"`

	GameID   string `json:"game_id,omitempty" yaml:"game_id,omitempty"`
	Coins    int64  `json:"coins,omitempty" yaml:"coins,omitempty"`
	Price    string `json:"price,omitempty" yaml:"price,omitempty"`
	Currency string `json:"currency,omitempty" yaml:"currency,omitempty"`

	EntitlementKey string `json:"entitlement_key,omitempty" yaml:"entitlement_key,omitempty"`
	Plan           string `json:"plan,omitempty" yaml:"plan,omitempty"`
}

func (e CatalogEntry) IsConsumable() bool {
	return e.Type == ProductTypeConsumable
}

func (e CatalogEntry) IsSubscription() bool {
	return e.Type == ProductTypeSubscription
}

// Catalog is keyed by lowercase product id.
type Catalog struct {
	Consumables   map[string]CatalogEntry `json:"consumables" yaml:"consumables"`
	Subscriptions map[string]CatalogEntry `json:"subscriptions" yaml:"subscriptions"`
}

// PurchasePayload carries the provider specific proof of purchase. Only the
// fields relevant to the selected provider are read.
type PurchasePayload struct {
	Receipt        string         `json:"receipt,omitempty"`
	PurchaseToken  string         `json:"purchase_token,omitempty"`
	OrderID        string         `json:"order_id,omitempty"`
	TransactionID  string         `json:"transaction_id,omitempty"`
	SubscriptionID string         `json:"subscription_id,omitempty"`
	ExportTarget   string         `json:"export_target,omitempty"`
	Fields         map[string]any `json:"fields,omitempty"`
}

type SubscriptionState struct {
	Provider               string `json:"provider"`
	ExternalSubscriptionID string `json:"external_subscription_id"`
	Status                 string `json:"status"`
	Active                 bool   `json:"active"`
	ExpiresAt              *int64 `json:"expires_at,omitempty"`
}

// VerifiedPurchase is the result of a successful provider verification.
type VerifiedPurchase struct {
	Provider              string             `json:"provider"`
	ExternalTransactionID string             `json:"external_transaction_id"`
	Type                  ProductType        `json:"type"`
	GameID                string             `json:"game_id,omitempty"`
	CoinsDelta            int64              `json:"coins_delta,omitempty"`
	Subscription          *SubscriptionState `json:"subscription,omitempty"`
}

type NormalizedPurchase struct {
	Provider              string             `json:"provider"`
	ExternalTransactionID string             `json:"external_transaction_id"`
	Type                  ProductType        `json:"type"`
	ProductID             string             `json:"product_id"`
	GameID                string             `json:"game_id,omitempty"`
	CoinsDelta            int64              `json:"coins_delta"`
	Subscription          *SubscriptionState `json:"subscription,omitempty"`
	ExportTarget          string             `json:"export_target"`
}

type CoinAdjustment struct {
	GameID         string `json:"game_id"`
	Delta          int64  `json:"delta"`
	IdempotencyKey string `json:"idempotency_key"`
	Reason         string `json:"reason,omitempty"`
}

// LedgerRecord proves that an external transaction (or internal adjustment)
// has been applied. Exactly one of Purchase or Adjustment is set.
type LedgerRecord struct {
	Provider              string              `json:"provider"`
	ExternalTransactionID string              `json:"external_transaction_id"`
	Kind                  LedgerRecordKind    `json:"kind"`
	ProfileID             string              `json:"profile_id"`
	Purchase              *NormalizedPurchase `json:"purchase,omitempty"`
	Adjustment            *CoinAdjustment     `json:"adjustment,omitempty"`
	CreatedAt             time.Time           `json:"created_at"`
}

type RecordResult struct {
	IsNew  bool
	Record LedgerRecord
}

type MergeResult struct {
	Merged bool `json:"merged"`
}

type NoAdsEntitlement struct {
	Active    bool   `json:"active"`
	Status    string `json:"status"`
	ExpiresAt *int64 `json:"expires_at,omitempty"`
}

type CoinBalanceView struct {
	Balance int64 `json:"balance"`
}

type Entitlements struct {
	ProfileID string                     `json:"profile_id"`
	NoAds     NoAdsEntitlement           `json:"no_ads"`
	Coins     map[string]CoinBalanceView `json:"coins"`
}

type VerifyPurchaseRequest struct {
	ProfileID string
	Provider  string
	ProductID string
	GameID    string
	Payload   PurchasePayload
}

type VerifyPurchaseResult struct {
	Entitlements Entitlements       `json:"entitlements"`
	Purchase     NormalizedPurchase `json:"purchase"`
	Deduplicated bool               `json:"deduplicated"`
}

type AdjustCoinsRequest struct {
	ProfileID      string
	GameID         string
	Delta          int64
	IdempotencyKey string
	Reason         string
}

type AdjustCoinsResult struct {
	Entitlements Entitlements `json:"entitlements"`
	Balance      int64        `json:"balance"`
	Deduplicated bool         `json:"deduplicated"`
}

// WebhookEvent is an asynchronous provider callback. Body is the raw JSON
// payload; ProfileID and ProductID override what the body carries.
type WebhookEvent struct {
	Provider   string
	DeliveryID string
	ProfileID  string
	ProductID  string
	GameID     string
	Body       []byte
	Headers    map[string]string
}

// ProviderConfig is a flat set of provider credentials and settings.
type ProviderConfig map[string]string

func (c ProviderConfig) Get(keys ...string) string {
	for _, key := range keys {
		if value := strings.TrimSpace(c[key]); value != "" {
			return value
		}
	}
	return ""
}

type RuntimeConfig struct {
	Catalog   map[string]any            `json:"catalog"`
	Providers map[string]ProviderConfig `json:"providers"`
}

func ledgerKey(provider, externalTransactionID string) string {
	return strings.ToLower(strings.TrimSpace(provider)) + "|" + strings.ToLower(strings.TrimSpace(externalTransactionID))
}

func coinKey(profileID, gameID string) string {
	return profileID + "|" + gameID
}

func cloneSubscription(state *SubscriptionState) *SubscriptionState {
	if state == nil {
		return nil
	}
	out := *state
	if state.ExpiresAt != nil {
		value := *state.ExpiresAt
		out.ExpiresAt = &value
	}
	return &out
}

// CloneSubscription returns a deep copy of state.
func CloneSubscription(state *SubscriptionState) *SubscriptionState {
	return cloneSubscription(state)
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
