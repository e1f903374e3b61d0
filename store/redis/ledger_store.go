// Package redisstore keeps the entitlement ledger in Redis. Dedup uses SETNX
// semantics inside Lua scripts, balances live in one hash per profile and
// profile merges run under WATCH/MULTI.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-iap/core"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultKeyPrefix = "iap"
	defaultMaxRetry  = 8
)

// addCoinsScript increments a balance and clamps it at zero atomically.
var addCoinsScript = redis.NewScript(`
local balance = redis.call('HINCRBY', KEYS[1], ARGV[1], ARGV[2])
if balance < 0 then
	redis.call('HSET', KEYS[1], ARGV[1], 0)
	return 0
end
return balance
`)

// recordAndApplyScript inserts the ledger record when absent and applies the
// staged effects in the same script. KEYS: ledger key, coin hashes,
// subscription keys. ARGV: record, coin op count, (game, delta) pairs,
// subscription values. Returns the stored record on conflict, nil otherwise.
var recordAndApplyScript = redis.NewScript(`
if redis.call('SETNX', KEYS[1], ARGV[1]) == 0 then
	return redis.call('GET', KEYS[1])
end
local ncoins = tonumber(ARGV[2])
for i = 1, ncoins do
	local key = KEYS[1 + i]
	local field = ARGV[1 + i * 2]
	local balance = redis.call('HINCRBY', key, field, ARGV[2 + i * 2])
	if balance < 0 then
		redis.call('HSET', key, field, 0)
	end
end
local base = 2 + ncoins * 2
for j = 2 + ncoins, #KEYS do
	redis.call('SET', KEYS[j], ARGV[base + j - 1 - ncoins])
end
return false
`)

type LedgerStore struct {
	client   redis.UniversalClient
	prefix   string
	now      func() time.Time
	maxRetry int
}

type Option func(*LedgerStore)

func WithKeyPrefix(prefix string) Option {
	return func(s *LedgerStore) {
		if prefix = strings.TrimSpace(prefix); prefix != "" {
			s.prefix = prefix
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *LedgerStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewLedgerStore(client redis.UniversalClient, opts ...Option) (*LedgerStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redisstore: redis client is required")
	}
	store := &LedgerStore{
		client:   client,
		prefix:   DefaultKeyPrefix,
		now:      func() time.Time { return time.Now().UTC() },
		maxRetry: defaultMaxRetry,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

// NewClient builds a client from a redis:// URL.
func NewClient(url string) (*redis.Client, error) {
	options, err := redis.ParseURL(strings.TrimSpace(url))
	if err != nil {
		return nil, fmt.Errorf("redisstore: parse redis url: %w", err)
	}
	return redis.NewClient(options), nil
}

func (s *LedgerStore) RecordTransaction(
	ctx context.Context,
	provider string,
	externalTransactionID string,
	record core.LedgerRecord,
) (core.RecordResult, error) {
	return s.RecordAndApply(ctx, provider, externalTransactionID, record, nil)
}

func (s *LedgerStore) RecordAndApply(
	ctx context.Context,
	provider string,
	externalTransactionID string,
	record core.LedgerRecord,
	apply func(ctx context.Context, effects core.LedgerEffects) error,
) (core.RecordResult, error) {
	if s == nil || s.client == nil {
		return core.RecordResult{}, fmt.Errorf("redisstore: ledger store is not configured")
	}
	key, err := core.LedgerKey(provider, externalTransactionID)
	if err != nil {
		return core.RecordResult{}, err
	}
	record = core.NormalizeLedgerRecord(record, provider, externalTransactionID, s.now())

	staged := &stagedEffects{store: s}
	if apply != nil {
		if err := apply(ctx, staged); err != nil {
			return core.RecordResult{}, err
		}
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return core.RecordResult{}, fmt.Errorf("redisstore: encode ledger record: %w", err)
	}
	keys, args, err := staged.scriptArgs(s.ledgerKey(key), string(encoded))
	if err != nil {
		return core.RecordResult{}, err
	}

	existing, err := recordAndApplyScript.Run(ctx, s.client, keys, args...).Text()
	if errors.Is(err, redis.Nil) {
		return core.RecordResult{IsNew: true, Record: core.CloneLedgerRecord(record)}, nil
	}
	if err != nil {
		return core.RecordResult{}, err
	}
	stored, err := decodeRecord(existing)
	if err != nil {
		return core.RecordResult{}, err
	}
	return core.RecordResult{IsNew: false, Record: stored}, nil
}

func (s *LedgerStore) FindTransaction(ctx context.Context, provider string, externalTransactionID string) (core.LedgerRecord, bool, error) {
	if s == nil || s.client == nil {
		return core.LedgerRecord{}, false, fmt.Errorf("redisstore: ledger store is not configured")
	}
	key, err := core.LedgerKey(provider, externalTransactionID)
	if err != nil {
		return core.LedgerRecord{}, false, err
	}
	raw, err := s.client.Get(ctx, s.ledgerKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return core.LedgerRecord{}, false, nil
	}
	if err != nil {
		return core.LedgerRecord{}, false, err
	}
	record, err := decodeRecord(raw)
	if err != nil {
		return core.LedgerRecord{}, false, err
	}
	return record, true, nil
}

func (s *LedgerStore) AddCoins(ctx context.Context, profileID string, gameID string, delta int64) (int64, error) {
	if s == nil || s.client == nil {
		return 0, fmt.Errorf("redisstore: ledger store is not configured")
	}
	if strings.TrimSpace(profileID) == "" || strings.TrimSpace(gameID) == "" {
		return 0, fmt.Errorf("redisstore: profile id and game id are required")
	}
	return addCoinsScript.Run(ctx, s.client, []string{s.coinsKey(profileID)}, gameID, delta).Int64()
}

func (s *LedgerStore) GetCoins(ctx context.Context, profileID string) (map[string]int64, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("redisstore: ledger store is not configured")
	}
	raw, err := s.client.HGetAll(ctx, s.coinsKey(profileID)).Result()
	if err != nil {
		return nil, err
	}
	return parseBalances(raw)
}

func (s *LedgerStore) GetSubscription(ctx context.Context, profileID string) (*core.SubscriptionState, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("redisstore: ledger store is not configured")
	}
	raw, err := s.client.Get(ctx, s.subscriptionKey(profileID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeSubscription(raw)
}

func (s *LedgerStore) UpsertSubscription(ctx context.Context, profileID string, state core.SubscriptionState) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redisstore: ledger store is not configured")
	}
	if strings.TrimSpace(profileID) == "" {
		return fmt.Errorf("redisstore: profile id is required")
	}
	encoded, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("redisstore: encode subscription: %w", err)
	}
	return s.client.Set(ctx, s.subscriptionKey(profileID), encoded, 0).Err()
}

// MergeProfiles watches both profiles' balances and subscriptions and
// retries when a concurrent write invalidates the read.
func (s *LedgerStore) MergeProfiles(ctx context.Context, primaryProfileID string, secondaryProfileID string) (core.MergeResult, error) {
	if s == nil || s.client == nil {
		return core.MergeResult{}, fmt.Errorf("redisstore: ledger store is not configured")
	}
	if !core.ShouldMergeProfiles(primaryProfileID, secondaryProfileID) {
		return core.MergeResult{Merged: false}, nil
	}
	primaryCoins := s.coinsKey(primaryProfileID)
	secondaryCoins := s.coinsKey(secondaryProfileID)
	primarySub := s.subscriptionKey(primaryProfileID)
	secondarySub := s.subscriptionKey(secondaryProfileID)

	merge := func(tx *redis.Tx) error {
		rawBalances, err := tx.HGetAll(ctx, secondaryCoins).Result()
		if err != nil {
			return err
		}
		balances, err := parseBalances(rawBalances)
		if err != nil {
			return err
		}
		primary, err := readSubscription(ctx, tx, primarySub)
		if err != nil {
			return err
		}
		secondary, err := readSubscription(ctx, tx, secondarySub)
		if err != nil {
			return err
		}
		survivor, loser := core.MergeSubscriptions(primary, secondary)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for gameID, balance := range balances {
				if balance <= 0 {
					continue
				}
				pipe.HIncrBy(ctx, primaryCoins, gameID, balance)
				pipe.HSet(ctx, secondaryCoins, gameID, 0)
			}
			if survivor != nil {
				encoded, encErr := json.Marshal(survivor)
				if encErr != nil {
					return encErr
				}
				pipe.Set(ctx, primarySub, encoded, 0)
			}
			if loser != nil {
				encoded, encErr := json.Marshal(loser)
				if encErr != nil {
					return encErr
				}
				pipe.Set(ctx, secondarySub, encoded, 0)
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < s.maxRetry; attempt++ {
		err := s.client.Watch(ctx, merge, primaryCoins, secondaryCoins, primarySub, secondarySub)
		if err == nil {
			return core.MergeResult{Merged: true}, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return core.MergeResult{}, err
		}
	}
	return core.MergeResult{}, fmt.Errorf("redisstore: merge of %q into %q kept conflicting", secondaryProfileID, primaryProfileID)
}

func (s *LedgerStore) ledgerKey(key string) string {
	return s.prefix + ":ledger:" + key
}

func (s *LedgerStore) coinsKey(profileID string) string {
	return s.prefix + ":coins:" + profileID
}

func (s *LedgerStore) subscriptionKey(profileID string) string {
	return s.prefix + ":subscription:" + profileID
}

// stagedEffects collects effects so the record script can apply them with
// the insert. Returned balances are projections from the current state.
type stagedEffects struct {
	store *LedgerStore
	coins []stagedCoins
	subs  []stagedSubscription
}

type stagedCoins struct {
	profileID string
	gameID    string
	delta     int64
}

type stagedSubscription struct {
	profileID string
	state     core.SubscriptionState
}

func (e *stagedEffects) AddCoins(ctx context.Context, profileID string, gameID string, delta int64) (int64, error) {
	if strings.TrimSpace(profileID) == "" || strings.TrimSpace(gameID) == "" {
		return 0, fmt.Errorf("redisstore: profile id and game id are required")
	}
	e.coins = append(e.coins, stagedCoins{profileID: profileID, gameID: gameID, delta: delta})
	current, err := e.store.client.HGet(ctx, e.store.coinsKey(profileID), gameID).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}
	for _, staged := range e.coins {
		if staged.profileID == profileID && staged.gameID == gameID {
			current += staged.delta
			if current < 0 {
				current = 0
			}
		}
	}
	return current, nil
}

func (e *stagedEffects) UpsertSubscription(_ context.Context, profileID string, state core.SubscriptionState) error {
	if strings.TrimSpace(profileID) == "" {
		return fmt.Errorf("redisstore: profile id is required")
	}
	e.subs = append(e.subs, stagedSubscription{profileID: profileID, state: *core.CloneSubscription(&state)})
	return nil
}

func (e *stagedEffects) scriptArgs(ledgerKey string, record string) ([]string, []any, error) {
	keys := make([]string, 0, 1+len(e.coins)+len(e.subs))
	args := make([]any, 0, 2+len(e.coins)*2+len(e.subs))
	keys = append(keys, ledgerKey)
	args = append(args, record, len(e.coins))
	for _, staged := range e.coins {
		keys = append(keys, e.store.coinsKey(staged.profileID))
		args = append(args, staged.gameID, staged.delta)
	}
	for _, staged := range e.subs {
		encoded, err := json.Marshal(staged.state)
		if err != nil {
			return nil, nil, fmt.Errorf("redisstore: encode subscription: %w", err)
		}
		keys = append(keys, e.store.subscriptionKey(staged.profileID))
		args = append(args, string(encoded))
	}
	return keys, args, nil
}

func readSubscription(ctx context.Context, tx *redis.Tx, key string) (*core.SubscriptionState, error) {
	raw, err := tx.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeSubscription(raw)
}

func decodeRecord(raw string) (core.LedgerRecord, error) {
	var record core.LedgerRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return core.LedgerRecord{}, fmt.Errorf("redisstore: decode ledger record: %w", err)
	}
	return record, nil
}

func decodeSubscription(raw string) (*core.SubscriptionState, error) {
	var state core.SubscriptionState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("redisstore: decode subscription: %w", err)
	}
	return &state, nil
}

func parseBalances(raw map[string]string) (map[string]int64, error) {
	out := make(map[string]int64, len(raw))
	for gameID, value := range raw {
		balance, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redisstore: balance for game %q is not an integer: %w", gameID, err)
		}
		out[gameID] = balance
	}
	return out, nil
}

var (
	_ core.LedgerStore              = (*LedgerStore)(nil)
	_ core.TransactionalLedgerStore = (*LedgerStore)(nil)
	_ core.LedgerRecordFinder       = (*LedgerStore)(nil)
	_ core.LedgerEffects            = (*stagedEffects)(nil)
)
