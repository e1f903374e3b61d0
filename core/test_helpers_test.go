package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const testGameID = "g"

func testCatalog() Catalog {
	return Catalog{
		Consumables: map[string]CatalogEntry{
			"coins_500_x": {
				Type:      ProductTypeConsumable,
				ProductID: "coins_500_x",
				GameID:    testGameID,
				Coins:     500,
				Price:     "4.99",
				Currency:  "USD",
			},
			"coins_100_y": {
				Type:      ProductTypeConsumable,
				ProductID: "coins_100_y",
				GameID:    "other",
				Coins:     100,
				Price:     "0.99",
				Currency:  "USD",
			},
		},
		Subscriptions: map[string]CatalogEntry{
			"noads_monthly": {
				Type:           ProductTypeSubscription,
				ProductID:      "noads_monthly",
				EntitlementKey: "no_ads",
				Plan:           "monthly",
			},
		},
	}
}

// fakeVerifier trusts the payload and returns its transaction id.
type fakeVerifier struct {
	calls     atomic.Int64
	err       error
	expiresAt *int64
	delay     time.Duration
	lastReq   atomic.Value
}

func (v *fakeVerifier) VerifyPurchase(ctx context.Context, req VerifyRequest) (VerifiedPurchase, error) {
	v.calls.Add(1)
	v.lastReq.Store(req)
	if v.delay > 0 {
		select {
		case <-time.After(v.delay):
		case <-ctx.Done():
			return VerifiedPurchase{}, ctx.Err()
		}
	}
	if v.err != nil {
		return VerifiedPurchase{}, v.err
	}
	verified := VerifiedPurchase{
		Provider:              req.Provider,
		ExternalTransactionID: req.Payload.TransactionID,
		Type:                  req.CatalogEntry.Type,
	}
	if req.CatalogEntry.IsConsumable() {
		verified.GameID = req.CatalogEntry.GameID
		verified.CoinsDelta = req.CatalogEntry.Coins
		return verified, nil
	}
	verified.Subscription = &SubscriptionState{
		Provider:               req.Provider,
		ExternalSubscriptionID: req.Payload.SubscriptionID,
		Status:                 SubscriptionStatusActive,
		Active:                 true,
		ExpiresAt:              v.expiresAt,
	}
	return verified, nil
}

func (v *fakeVerifier) lastRequest() VerifyRequest {
	req, _ := v.lastReq.Load().(VerifyRequest)
	return req
}

func newTestService(t interface {
	Fatalf(format string, args ...any)
}, store LedgerStore, opts ...Option) (*Service, map[string]*fakeVerifier) {
	verifiers := map[string]*fakeVerifier{
		ProviderStoreA:    {},
		ProviderStoreB:    {},
		ProviderWebWallet: {},
	}
	base := []Option{
		WithCatalog(testCatalog()),
		WithLedgerStore(store),
		WithClock(func() time.Time { return time.Unix(1_700_000_000, 0).UTC() }),
	}
	for provider, verifier := range verifiers {
		base = append(base, WithVerifier(provider, verifier))
	}
	svc, err := NewService(DefaultConfig(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, verifiers
}

func int64Ptr(value int64) *int64 {
	return &value
}

type stubLogger struct{}

func (stubLogger) Trace(string, ...any) {}
func (stubLogger) Debug(string, ...any) {}
func (stubLogger) Info(string, ...any)  {}
func (stubLogger) Warn(string, ...any)  {}
func (stubLogger) Error(string, ...any) {}
func (stubLogger) Fatal(string, ...any) {}
func (s stubLogger) WithContext(context.Context) Logger {
	return s
}

type stubLoggerProvider struct {
	logger Logger
}

func (s stubLoggerProvider) GetLogger(string) Logger {
	return s.logger
}

type mapRawLoader struct {
	values map[string]any
}

func (l mapRawLoader) LoadRaw(context.Context) (map[string]any, error) {
	return copyAnyMap(l.values), nil
}

// flakyStore fails the configured operation once and delegates otherwise.
type flakyStore struct {
	*MemoryLedgerStore
	mu       sync.Mutex
	failNext map[string]error
}

func newFlakyStore() *flakyStore {
	return &flakyStore{MemoryLedgerStore: NewMemoryLedgerStore(), failNext: map[string]error{}}
}

func (s *flakyStore) fail(operation string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[operation] = err
}

func (s *flakyStore) take(operation string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.failNext[operation]
	delete(s.failNext, operation)
	return err
}

func (s *flakyStore) RecordTransaction(ctx context.Context, provider string, externalTransactionID string, record LedgerRecord) (RecordResult, error) {
	if err := s.take("record"); err != nil {
		return RecordResult{}, err
	}
	return s.MemoryLedgerStore.RecordTransaction(ctx, provider, externalTransactionID, record)
}

func (s *flakyStore) RecordAndApply(
	ctx context.Context,
	provider string,
	externalTransactionID string,
	record LedgerRecord,
	apply func(ctx context.Context, effects LedgerEffects) error,
) (RecordResult, error) {
	if err := s.take("record"); err != nil {
		return RecordResult{}, err
	}
	return s.MemoryLedgerStore.RecordAndApply(ctx, provider, externalTransactionID, record, apply)
}

func (s *flakyStore) GetCoins(ctx context.Context, profileID string) (map[string]int64, error) {
	if err := s.take("get_coins"); err != nil {
		return nil, err
	}
	return s.MemoryLedgerStore.GetCoins(ctx, profileID)
}

// plainStore hides the transactional and finder capabilities of the memory
// store so the non transactional path is exercised.
type plainStore struct {
	inner *MemoryLedgerStore
}

func (s plainStore) RecordTransaction(ctx context.Context, provider string, externalTransactionID string, record LedgerRecord) (RecordResult, error) {
	return s.inner.RecordTransaction(ctx, provider, externalTransactionID, record)
}

func (s plainStore) AddCoins(ctx context.Context, profileID string, gameID string, delta int64) (int64, error) {
	return s.inner.AddCoins(ctx, profileID, gameID, delta)
}

func (s plainStore) GetCoins(ctx context.Context, profileID string) (map[string]int64, error) {
	return s.inner.GetCoins(ctx, profileID)
}

func (s plainStore) GetSubscription(ctx context.Context, profileID string) (*SubscriptionState, error) {
	return s.inner.GetSubscription(ctx, profileID)
}

func (s plainStore) UpsertSubscription(ctx context.Context, profileID string, state SubscriptionState) error {
	return s.inner.UpsertSubscription(ctx, profileID, state)
}

func (s plainStore) MergeProfiles(ctx context.Context, primaryProfileID string, secondaryProfileID string) (MergeResult, error) {
	return s.inner.MergeProfiles(ctx, primaryProfileID, secondaryProfileID)
}
