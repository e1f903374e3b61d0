package sqlstore

import (
	"time"

	"github.com/goliatone/go-iap/core"
	"github.com/uptrace/bun"
)

type ledgerEntryRecord struct {
	bun.BaseModel `bun:"table:iap_ledger_entries,alias:ile"`

	ID                    string    `bun:"id,pk"`
	Provider              string    `bun:"provider,notnull"`
	ExternalTransactionID string    `bun:"external_transaction_id,notnull"`
	Kind                  string    `bun:"kind,notnull"`
	ProfileID             string    `bun:"profile_id,notnull"`
	Purchase              *string   `bun:"purchase"`
	Adjustment            *string   `bun:"adjustment"`
	CreatedAt             time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type coinBalanceRecord struct {
	bun.BaseModel `bun:"table:iap_coin_balances,alias:icb"`

	ProfileID string    `bun:"profile_id,pk"`
	GameID    string    `bun:"game_id,pk"`
	Balance   int64     `bun:"balance,notnull"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type subscriptionRecord struct {
	bun.BaseModel `bun:"table:iap_subscriptions,alias:isub"`

	ID                     string    `bun:"id,pk"`
	ProfileID              string    `bun:"profile_id,notnull"`
	Provider               string    `bun:"provider,notnull"`
	ExternalSubscriptionID string    `bun:"external_subscription_id,notnull"`
	Status                 string    `bun:"status,notnull"`
	Active                 bool      `bun:"active,notnull"`
	ExpiresAt              *int64    `bun:"expires_at"`
	CreatedAt              time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt              time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type runtimeConfigRecord struct {
	bun.BaseModel `bun:"table:iap_runtime_configs,alias:irc"`

	ID          string                         `bun:"id,pk"`
	GameID      string                         `bun:"game_id,notnull"`
	Environment string                         `bun:"environment,notnull"`
	Catalog     map[string]any                 `bun:"catalog,type:jsonb,notnull"`
	Providers   map[string]core.ProviderConfig `bun:"providers,type:jsonb,notnull"`
	CreatedAt   time.Time                      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt   time.Time                      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type webhookDeliveryRecord struct {
	bun.BaseModel `bun:"table:iap_webhook_deliveries,alias:iwd"`

	ID             string     `bun:"id,pk"`
	ClaimID        *string    `bun:"claim_id"`
	Provider       string     `bun:"provider,notnull"`
	DeliveryID     string     `bun:"delivery_id,notnull"`
	Status         string     `bun:"status,notnull"`
	Attempts       int        `bun:"attempts,notnull"`
	LastError      string     `bun:"last_error,notnull"`
	LastStatusCode int        `bun:"last_status_code,notnull"`
	LastErrorCode  string     `bun:"last_error_code,notnull"`
	NextAttemptAt  *time.Time `bun:"next_attempt_at,nullzero"`
	Payload        []byte     `bun:"payload"`
	CreatedAt      time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}
