// Package iap verifies store purchases and keeps a deduplicated ledger of
// the coins and no-ads entitlements they grant.
package iap

import "github.com/goliatone/go-iap/core"

type Config = core.Config

type ProvidersConfig = core.ProvidersConfig

type Option = core.Option

type Service = core.Service

type ServiceDependencies = core.ServiceDependencies

type EntitlementService = core.EntitlementService
type LedgerStore = core.LedgerStore
type TransactionalLedgerStore = core.TransactionalLedgerStore
type LedgerRecordFinder = core.LedgerRecordFinder
type PurchaseVerifier = core.PurchaseVerifier
type WebhookDecoder = core.WebhookDecoder
type RuntimeConfigProvider = core.RuntimeConfigProvider

type Catalog = core.Catalog
type CatalogEntry = core.CatalogEntry
type PurchasePayload = core.PurchasePayload
type Entitlements = core.Entitlements

type VerifyPurchaseRequest = core.VerifyPurchaseRequest
type VerifyPurchaseResult = core.VerifyPurchaseResult
type AdjustCoinsRequest = core.AdjustCoinsRequest
type AdjustCoinsResult = core.AdjustCoinsResult
type MergeResult = core.MergeResult
type WebhookEvent = core.WebhookEvent

var (
	WithLogger                = core.WithLogger
	WithLoggerProvider        = core.WithLoggerProvider
	WithMetricsRecorder       = core.WithMetricsRecorder
	WithErrorFactory          = core.WithErrorFactory
	WithErrorMapper           = core.WithErrorMapper
	WithConfigProvider        = core.WithConfigProvider
	WithOptionsResolver       = core.WithOptionsResolver
	WithLedgerStore           = core.WithLedgerStore
	WithVerifierRegistry      = core.WithVerifierRegistry
	WithVerifier              = core.WithVerifier
	WithRuntimeConfigProvider = core.WithRuntimeConfigProvider
	WithCatalog               = core.WithCatalog
	WithClock                 = core.WithClock
	WithWebhookDecoder        = core.WithWebhookDecoder
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	return core.NewService(cfg, opts...)
}

func Setup(cfg Config, opts ...Option) (*Service, error) {
	return core.Setup(cfg, opts...)
}
