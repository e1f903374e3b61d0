package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type Clock func() time.Time

// VerifyRequest is everything a provider adapter needs to check one purchase.
type VerifyRequest struct {
	Provider       string
	ProductID      string
	GameID         string
	Payload        PurchasePayload
	CatalogEntry   CatalogEntry
	NowSeconds     int64
	ProviderConfig ProviderConfig
}

// PurchaseVerifier turns a raw payload into a verified purchase fact or fails.
type PurchaseVerifier interface {
	VerifyPurchase(ctx context.Context, req VerifyRequest) (VerifiedPurchase, error)
}

type PurchaseVerifierFunc func(ctx context.Context, req VerifyRequest) (VerifiedPurchase, error)

func (f PurchaseVerifierFunc) VerifyPurchase(ctx context.Context, req VerifyRequest) (VerifiedPurchase, error) {
	return f(ctx, req)
}

type VerifierRegistry interface {
	Register(provider string, verifier PurchaseVerifier) error
	Get(provider string) (PurchaseVerifier, bool)
	Providers() []string
}

type LedgerStore interface {
	RecordTransaction(ctx context.Context, provider string, externalTransactionID string, record LedgerRecord) (RecordResult, error)
	AddCoins(ctx context.Context, profileID string, gameID string, delta int64) (int64, error)
	GetCoins(ctx context.Context, profileID string) (map[string]int64, error)
	GetSubscription(ctx context.Context, profileID string) (*SubscriptionState, error)
	UpsertSubscription(ctx context.Context, profileID string, state SubscriptionState) error
	MergeProfiles(ctx context.Context, primaryProfileID string, secondaryProfileID string) (MergeResult, error)
}

// LedgerRecordFinder looks up a ledger record without inserting.
type LedgerRecordFinder interface {
	FindTransaction(ctx context.Context, provider string, externalTransactionID string) (LedgerRecord, bool, error)
}

// LedgerEffects is the subset of LedgerStore available inside a
// transactional record-and-apply callback.
type LedgerEffects interface {
	AddCoins(ctx context.Context, profileID string, gameID string, delta int64) (int64, error)
	UpsertSubscription(ctx context.Context, profileID string, state SubscriptionState) error
}

// TransactionalLedgerStore can commit a ledger insert together with its
// effect. apply runs only when the record is new; an apply error rolls the
// insert back.
type TransactionalLedgerStore interface {
	LedgerStore
	RecordAndApply(
		ctx context.Context,
		provider string,
		externalTransactionID string,
		record LedgerRecord,
		apply func(ctx context.Context, effects LedgerEffects) error,
	) (RecordResult, error)
}

type RuntimeConfigProvider interface {
	Load(ctx context.Context, gameID string, environment string) (RuntimeConfig, error)
}

// WebhookDecoder extracts purchase fields from a provider callback body.
type WebhookDecoder interface {
	DecodeWebhook(ctx context.Context, event WebhookEvent) (VerifyPurchaseRequest, error)
}

type WebhookDecoderFunc func(ctx context.Context, event WebhookEvent) (VerifyPurchaseRequest, error)

func (f WebhookDecoderFunc) DecodeWebhook(ctx context.Context, event WebhookEvent) (VerifyPurchaseRequest, error) {
	return f(ctx, event)
}

type EntitlementService interface {
	VerifyPurchase(ctx context.Context, req VerifyPurchaseRequest) (VerifyPurchaseResult, error)
	ApplyWebhookEvent(ctx context.Context, event WebhookEvent) (VerifyPurchaseResult, error)
	AdjustCoins(ctx context.Context, req AdjustCoinsRequest) (AdjustCoinsResult, error)
	MergeProfiles(ctx context.Context, primaryProfileID string, secondaryProfileID string) (MergeResult, error)
	GetEntitlements(ctx context.Context, profileID string) (Entitlements, error)
}

// JobIDWebhookRetry names the job that redelivers a failed webhook.
const JobIDWebhookRetry = "iap.webhook.retry"

type JobExecutionMessage struct {
	JobID          string
	ScriptPath     string
	Parameters     map[string]any
	IdempotencyKey string
	DedupPolicy    string
}

type JobNackOptions struct {
	Delay      time.Duration
	Requeue    bool
	DeadLetter bool
	Reason     string
}

type JobEnqueuer interface {
	Enqueue(ctx context.Context, msg *JobExecutionMessage) error
}

type JobDelivery interface {
	Message() *JobExecutionMessage
	Ack(ctx context.Context) error
	Nack(ctx context.Context, opts JobNackOptions) error
}

type JobDequeuer interface {
	Dequeue(ctx context.Context) (JobDelivery, error)
}
