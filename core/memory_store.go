package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryLedgerStore keeps the ledger in process. A single mutex serializes
// every operation, which gives compare-and-insert semantics for free.
type MemoryLedgerStore struct {
	mu            sync.Mutex
	now           Clock
	records       map[string]LedgerRecord
	coins         map[string]int64
	profileGames  map[string]map[string]struct{}
	subscriptions map[string]SubscriptionState
}

func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{
		now:           func() time.Time { return time.Now().UTC() },
		records:       map[string]LedgerRecord{},
		coins:         map[string]int64{},
		profileGames:  map[string]map[string]struct{}{},
		subscriptions: map[string]SubscriptionState{},
	}
}

func (s *MemoryLedgerStore) RecordTransaction(
	ctx context.Context,
	provider string,
	externalTransactionID string,
	record LedgerRecord,
) (RecordResult, error) {
	return s.RecordAndApply(ctx, provider, externalTransactionID, record, nil)
}

func (s *MemoryLedgerStore) RecordAndApply(
	ctx context.Context,
	provider string,
	externalTransactionID string,
	record LedgerRecord,
	apply func(ctx context.Context, effects LedgerEffects) error,
) (RecordResult, error) {
	if s == nil {
		return RecordResult{}, fmt.Errorf("core: memory ledger store is nil")
	}
	key, err := recordKey(provider, externalTransactionID)
	if err != nil {
		return RecordResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[key]; ok {
		return RecordResult{IsNew: false, Record: cloneLedgerRecord(existing)}, nil
	}

	record = normalizeLedgerRecord(record, provider, externalTransactionID, s.now())
	s.records[key] = cloneLedgerRecord(record)
	if apply != nil {
		effects := &memoryEffects{store: s}
		if applyErr := apply(ctx, effects); applyErr != nil {
			effects.rollback()
			delete(s.records, key)
			return RecordResult{}, applyErr
		}
	}
	return RecordResult{IsNew: true, Record: cloneLedgerRecord(record)}, nil
}

func (s *MemoryLedgerStore) FindTransaction(_ context.Context, provider string, externalTransactionID string) (LedgerRecord, bool, error) {
	if s == nil {
		return LedgerRecord{}, false, fmt.Errorf("core: memory ledger store is nil")
	}
	key, err := recordKey(provider, externalTransactionID)
	if err != nil {
		return LedgerRecord{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[key]
	if !ok {
		return LedgerRecord{}, false, nil
	}
	return cloneLedgerRecord(record), true, nil
}

func (s *MemoryLedgerStore) AddCoins(_ context.Context, profileID string, gameID string, delta int64) (int64, error) {
	if s == nil {
		return 0, fmt.Errorf("core: memory ledger store is nil")
	}
	if err := requireCoinKey(profileID, gameID); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addCoinsLocked(profileID, gameID, delta), nil
}

func (s *MemoryLedgerStore) GetCoins(_ context.Context, profileID string) (map[string]int64, error) {
	if s == nil {
		return nil, fmt.Errorf("core: memory ledger store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]int64{}
	for gameID := range s.profileGames[profileID] {
		out[gameID] = s.coins[coinKey(profileID, gameID)]
	}
	return out, nil
}

func (s *MemoryLedgerStore) GetSubscription(_ context.Context, profileID string) (*SubscriptionState, error) {
	if s == nil {
		return nil, fmt.Errorf("core: memory ledger store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.subscriptions[profileID]
	if !ok {
		return nil, nil
	}
	return cloneSubscription(&state), nil
}

func (s *MemoryLedgerStore) UpsertSubscription(_ context.Context, profileID string, state SubscriptionState) error {
	if s == nil {
		return fmt.Errorf("core: memory ledger store is nil")
	}
	if strings.TrimSpace(profileID) == "" {
		return badInput("profile_id", "profile id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[profileID] = *cloneSubscription(&state)
	return nil
}

func (s *MemoryLedgerStore) MergeProfiles(_ context.Context, primaryProfileID string, secondaryProfileID string) (MergeResult, error) {
	if s == nil {
		return MergeResult{}, fmt.Errorf("core: memory ledger store is nil")
	}
	if !ShouldMergeProfiles(primaryProfileID, secondaryProfileID) {
		return MergeResult{Merged: false}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for gameID := range s.profileGames[secondaryProfileID] {
		balance := s.coins[coinKey(secondaryProfileID, gameID)]
		if balance <= 0 {
			continue
		}
		s.addCoinsLocked(primaryProfileID, gameID, balance)
		s.coins[coinKey(secondaryProfileID, gameID)] = 0
	}

	var primary, secondary *SubscriptionState
	if state, ok := s.subscriptions[primaryProfileID]; ok {
		primary = &state
	}
	if state, ok := s.subscriptions[secondaryProfileID]; ok {
		secondary = &state
	}
	survivor, loser := MergeSubscriptions(primary, secondary)
	if survivor != nil {
		s.subscriptions[primaryProfileID] = *survivor
	}
	if loser != nil {
		s.subscriptions[secondaryProfileID] = *loser
	}
	return MergeResult{Merged: true}, nil
}

func (s *MemoryLedgerStore) addCoinsLocked(profileID, gameID string, delta int64) int64 {
	key := coinKey(profileID, gameID)
	next := s.coins[key] + delta
	if next < 0 {
		next = 0
	}
	s.coins[key] = next
	games, ok := s.profileGames[profileID]
	if !ok {
		games = map[string]struct{}{}
		s.profileGames[profileID] = games
	}
	games[gameID] = struct{}{}
	return next
}

// memoryEffects runs against the already locked store and remembers how to
// undo each write.
type memoryEffects struct {
	store *MemoryLedgerStore
	undo  []func()
}

func (e *memoryEffects) AddCoins(_ context.Context, profileID string, gameID string, delta int64) (int64, error) {
	if err := requireCoinKey(profileID, gameID); err != nil {
		return 0, err
	}
	key := coinKey(profileID, gameID)
	previous, existed := e.store.coins[key]
	_, hadGame := e.store.profileGames[profileID][gameID]
	e.undo = append(e.undo, func() {
		if existed {
			e.store.coins[key] = previous
		} else {
			delete(e.store.coins, key)
		}
		if !hadGame {
			delete(e.store.profileGames[profileID], gameID)
		}
	})
	return e.store.addCoinsLocked(profileID, gameID, delta), nil
}

func (e *memoryEffects) UpsertSubscription(_ context.Context, profileID string, state SubscriptionState) error {
	if strings.TrimSpace(profileID) == "" {
		return badInput("profile_id", "profile id is required")
	}
	previous, existed := e.store.subscriptions[profileID]
	e.undo = append(e.undo, func() {
		if existed {
			e.store.subscriptions[profileID] = previous
		} else {
			delete(e.store.subscriptions, profileID)
		}
	})
	e.store.subscriptions[profileID] = *cloneSubscription(&state)
	return nil
}

func (e *memoryEffects) rollback() {
	for i := len(e.undo) - 1; i >= 0; i-- {
		e.undo[i]()
	}
	e.undo = nil
}

// ShouldMergeProfiles reports whether two profile ids describe a real merge.
func ShouldMergeProfiles(primaryProfileID, secondaryProfileID string) bool {
	primary := strings.TrimSpace(primaryProfileID)
	secondary := strings.TrimSpace(secondaryProfileID)
	return primary != "" && secondary != "" && primary != secondary
}

func recordKey(provider, externalTransactionID string) (string, error) {
	if strings.TrimSpace(provider) == "" {
		return "", badInput("provider", "provider is required")
	}
	if strings.TrimSpace(externalTransactionID) == "" {
		return "", badInput("external_transaction_id", "external transaction id is required")
	}
	return ledgerKey(provider, externalTransactionID), nil
}

func requireCoinKey(profileID, gameID string) error {
	if strings.TrimSpace(profileID) == "" {
		return badInput("profile_id", "profile id is required")
	}
	if strings.TrimSpace(gameID) == "" {
		return badInput("game_id", "game id is required")
	}
	return nil
}

// NormalizeLedgerRecord fills the key fields and timestamp of record.
func NormalizeLedgerRecord(record LedgerRecord, provider, externalTransactionID string, now time.Time) LedgerRecord {
	return normalizeLedgerRecord(record, provider, externalTransactionID, now)
}

func normalizeLedgerRecord(record LedgerRecord, provider, externalTransactionID string, now time.Time) LedgerRecord {
	record.Provider = strings.ToLower(strings.TrimSpace(provider))
	record.ExternalTransactionID = strings.ToLower(strings.TrimSpace(externalTransactionID))
	if record.Kind == "" {
		if record.Adjustment != nil {
			record.Kind = LedgerRecordAdjustment
		} else {
			record.Kind = LedgerRecordPurchase
		}
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now.UTC()
	}
	return record
}

func cloneLedgerRecord(record LedgerRecord) LedgerRecord {
	out := record
	if record.Purchase != nil {
		purchase := *record.Purchase
		purchase.Subscription = cloneSubscription(record.Purchase.Subscription)
		out.Purchase = &purchase
	}
	if record.Adjustment != nil {
		adjustment := *record.Adjustment
		out.Adjustment = &adjustment
	}
	return out
}

// CloneLedgerRecord returns a deep copy of record.
func CloneLedgerRecord(record LedgerRecord) LedgerRecord {
	return cloneLedgerRecord(record)
}

// LedgerKey is the case-insensitive dedup key used by every backend.
func LedgerKey(provider, externalTransactionID string) (string, error) {
	return recordKey(provider, externalTransactionID)
}

var (
	_ LedgerStore              = (*MemoryLedgerStore)(nil)
	_ TransactionalLedgerStore = (*MemoryLedgerStore)(nil)
	_ LedgerRecordFinder       = (*MemoryLedgerStore)(nil)
)
