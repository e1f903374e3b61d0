package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-iap/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// addCoinsQuery applies a delta and clamps the stored balance at zero in a
// single statement so concurrent adjustments never lose an update.
const addCoinsQuery = `
INSERT INTO iap_coin_balances (profile_id, game_id, balance, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (profile_id, game_id) DO UPDATE SET
	balance = CASE
		WHEN iap_coin_balances.balance + ? < 0 THEN 0
		ELSE iap_coin_balances.balance + ?
	END,
	updated_at = excluded.updated_at
RETURNING balance`

// LedgerStore persists the ledger, coin balances and subscriptions in SQL.
// Record-and-apply runs in one transaction.
type LedgerStore struct {
	db      *bun.DB
	entries repository.Repository[*ledgerEntryRecord]
	subs    repository.Repository[*subscriptionRecord]
	now     func() time.Time
}

func NewLedgerStore(db *bun.DB) (*LedgerStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	entries := repository.NewRepository[*ledgerEntryRecord](db, ledgerEntryHandlers())
	if validator, ok := entries.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid ledger entry repository wiring: %w", err)
		}
	}
	subs := repository.NewRepository[*subscriptionRecord](db, subscriptionHandlers())
	if validator, ok := subs.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid subscription repository wiring: %w", err)
		}
	}
	return &LedgerStore{
		db:      db,
		entries: entries,
		subs:    subs,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}, nil
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
	if s == nil || s.db == nil {
		return core.RecordResult{}, fmt.Errorf("sqlstore: ledger store is not configured")
	}
	if _, err := core.LedgerKey(provider, externalTransactionID); err != nil {
		return core.RecordResult{}, err
	}
	record = core.NormalizeLedgerRecord(record, provider, externalTransactionID, s.now())
	row, err := newLedgerEntryRecord(record)
	if err != nil {
		return core.RecordResult{}, err
	}

	var out core.RecordResult
	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, insertErr := tx.NewInsert().
			Model(row).
			On("CONFLICT (provider, external_transaction_id) DO NOTHING").
			Exec(ctx)
		if insertErr != nil {
			return insertErr
		}
		affected, affectedErr := res.RowsAffected()
		if affectedErr != nil {
			return core.WrapStorageError(affectedErr, "record ledger entry")
		}
		if affected == 0 {
			existing, found, findErr := findLedgerEntry(ctx, tx, record.Provider, record.ExternalTransactionID)
			if findErr != nil {
				return findErr
			}
			if !found {
				return fmt.Errorf("sqlstore: ledger entry %s/%s vanished after conflict", record.Provider, record.ExternalTransactionID)
			}
			out = core.RecordResult{IsNew: false, Record: existing}
			return nil
		}
		if apply != nil {
			if applyErr := apply(ctx, &txEffects{store: s, idb: tx}); applyErr != nil {
				return applyErr
			}
		}
		out = core.RecordResult{IsNew: true, Record: core.CloneLedgerRecord(record)}
		return nil
	})
	if err != nil {
		return core.RecordResult{}, err
	}
	return out, nil
}

func (s *LedgerStore) FindTransaction(ctx context.Context, provider string, externalTransactionID string) (core.LedgerRecord, bool, error) {
	if s == nil || s.db == nil {
		return core.LedgerRecord{}, false, fmt.Errorf("sqlstore: ledger store is not configured")
	}
	if _, err := core.LedgerKey(provider, externalTransactionID); err != nil {
		return core.LedgerRecord{}, false, err
	}
	if s.entries == nil {
		return findLedgerEntry(ctx, s.db,
			strings.ToLower(strings.TrimSpace(provider)),
			strings.ToLower(strings.TrimSpace(externalTransactionID)),
		)
	}
	records, _, err := s.entries.List(ctx,
		repository.SelectBy("provider", "=", strings.ToLower(strings.TrimSpace(provider))),
		repository.SelectBy("external_transaction_id", "=", strings.ToLower(strings.TrimSpace(externalTransactionID))),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.LedgerRecord{}, false, err
	}
	if len(records) == 0 {
		return core.LedgerRecord{}, false, nil
	}
	domain, err := records[0].toDomain()
	if err != nil {
		return core.LedgerRecord{}, false, err
	}
	return domain, true, nil
}

func (s *LedgerStore) AddCoins(ctx context.Context, profileID string, gameID string, delta int64) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: ledger store is not configured")
	}
	return addCoins(ctx, s.db, profileID, gameID, delta, s.now())
}

func (s *LedgerStore) GetCoins(ctx context.Context, profileID string) (map[string]int64, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: ledger store is not configured")
	}
	return getCoins(ctx, s.db, profileID)
}

func (s *LedgerStore) GetSubscription(ctx context.Context, profileID string) (*core.SubscriptionState, error) {
	if s == nil || s.subs == nil {
		return nil, fmt.Errorf("sqlstore: ledger store is not configured")
	}
	records, _, err := s.subs.List(ctx,
		repository.SelectBy("profile_id", "=", strings.TrimSpace(profileID)),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0].toDomain(), nil
}

func (s *LedgerStore) UpsertSubscription(ctx context.Context, profileID string, state core.SubscriptionState) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: ledger store is not configured")
	}
	return upsertSubscription(ctx, s.db, profileID, state, s.now())
}

func (s *LedgerStore) MergeProfiles(ctx context.Context, primaryProfileID string, secondaryProfileID string) (core.MergeResult, error) {
	if s == nil || s.db == nil {
		return core.MergeResult{}, fmt.Errorf("sqlstore: ledger store is not configured")
	}
	if !core.ShouldMergeProfiles(primaryProfileID, secondaryProfileID) {
		return core.MergeResult{Merged: false}, nil
	}
	primaryProfileID = strings.TrimSpace(primaryProfileID)
	secondaryProfileID = strings.TrimSpace(secondaryProfileID)

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		now := s.now()
		balances, err := getCoins(ctx, tx, secondaryProfileID)
		if err != nil {
			return err
		}
		for gameID, balance := range balances {
			if balance <= 0 {
				continue
			}
			if _, err := addCoins(ctx, tx, primaryProfileID, gameID, balance, now); err != nil {
				return err
			}
			if _, err := tx.NewUpdate().
				Model((*coinBalanceRecord)(nil)).
				Set("balance = 0").
				Set("updated_at = ?", now).
				Where("profile_id = ?", secondaryProfileID).
				Where("game_id = ?", gameID).
				Exec(ctx); err != nil {
				return err
			}
		}

		primary, err := findSubscription(ctx, tx, primaryProfileID)
		if err != nil {
			return err
		}
		secondary, err := findSubscription(ctx, tx, secondaryProfileID)
		if err != nil {
			return err
		}
		survivor, loser := core.MergeSubscriptions(primary, secondary)
		if survivor != nil {
			if err := upsertSubscription(ctx, tx, primaryProfileID, *survivor, now); err != nil {
				return err
			}
		}
		if loser != nil {
			if err := upsertSubscription(ctx, tx, secondaryProfileID, *loser, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return core.MergeResult{}, err
	}
	return core.MergeResult{Merged: true}, nil
}

// txEffects applies ledger effects inside the record-and-apply transaction.
type txEffects struct {
	store *LedgerStore
	idb   bun.IDB
}

func (e *txEffects) AddCoins(ctx context.Context, profileID string, gameID string, delta int64) (int64, error) {
	return addCoins(ctx, e.idb, profileID, gameID, delta, e.store.now())
}

func (e *txEffects) UpsertSubscription(ctx context.Context, profileID string, state core.SubscriptionState) error {
	return upsertSubscription(ctx, e.idb, profileID, state, e.store.now())
}

func addCoins(ctx context.Context, idb bun.IDB, profileID string, gameID string, delta int64, now time.Time) (int64, error) {
	profileID = strings.TrimSpace(profileID)
	gameID = strings.TrimSpace(gameID)
	if profileID == "" || gameID == "" {
		return 0, fmt.Errorf("sqlstore: profile id and game id are required")
	}
	initial := delta
	if initial < 0 {
		initial = 0
	}
	var balance int64
	if err := idb.NewRaw(addCoinsQuery, profileID, gameID, initial, now, delta, delta).Scan(ctx, &balance); err != nil {
		return 0, err
	}
	return balance, nil
}

func getCoins(ctx context.Context, idb bun.IDB, profileID string) (map[string]int64, error) {
	var rows []coinBalanceRecord
	if err := idb.NewSelect().
		Model(&rows).
		Where("?TableAlias.profile_id = ?", strings.TrimSpace(profileID)).
		Scan(ctx); err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.GameID] = row.Balance
	}
	return out, nil
}

func findSubscription(ctx context.Context, idb bun.IDB, profileID string) (*core.SubscriptionState, error) {
	record := &subscriptionRecord{}
	err := idb.NewSelect().
		Model(record).
		Where("?TableAlias.profile_id = ?", profileID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return record.toDomain(), nil
}

func upsertSubscription(ctx context.Context, idb bun.IDB, profileID string, state core.SubscriptionState, now time.Time) error {
	profileID = strings.TrimSpace(profileID)
	if profileID == "" {
		return fmt.Errorf("sqlstore: profile id is required")
	}
	record := newSubscriptionRecord(profileID, state, now)
	_, err := idb.NewInsert().
		Model(record).
		On("CONFLICT (profile_id) DO UPDATE").
		Set("provider = excluded.provider").
		Set("external_subscription_id = excluded.external_subscription_id").
		Set("status = excluded.status").
		Set("active = excluded.active").
		Set("expires_at = excluded.expires_at").
		Set("updated_at = excluded.updated_at").
		Exec(ctx)
	return err
}

func findLedgerEntry(ctx context.Context, idb bun.IDB, provider string, externalTransactionID string) (core.LedgerRecord, bool, error) {
	record := &ledgerEntryRecord{}
	err := idb.NewSelect().
		Model(record).
		Where("?TableAlias.provider = ?", provider).
		Where("?TableAlias.external_transaction_id = ?", externalTransactionID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.LedgerRecord{}, false, nil
		}
		return core.LedgerRecord{}, false, err
	}
	domain, err := record.toDomain()
	if err != nil {
		return core.LedgerRecord{}, false, err
	}
	return domain, true, nil
}

func newLedgerEntryRecord(record core.LedgerRecord) (*ledgerEntryRecord, error) {
	row := &ledgerEntryRecord{
		ID:                    uuid.NewString(),
		Provider:              record.Provider,
		ExternalTransactionID: record.ExternalTransactionID,
		Kind:                  string(record.Kind),
		ProfileID:             record.ProfileID,
		CreatedAt:             record.CreatedAt.UTC(),
	}
	if record.Purchase != nil {
		encoded, err := json.Marshal(record.Purchase)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: encode purchase: %w", err)
		}
		value := string(encoded)
		row.Purchase = &value
	}
	if record.Adjustment != nil {
		encoded, err := json.Marshal(record.Adjustment)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: encode adjustment: %w", err)
		}
		value := string(encoded)
		row.Adjustment = &value
	}
	return row, nil
}

func (r *ledgerEntryRecord) toDomain() (core.LedgerRecord, error) {
	out := core.LedgerRecord{
		Provider:              r.Provider,
		ExternalTransactionID: r.ExternalTransactionID,
		Kind:                  core.LedgerRecordKind(r.Kind),
		ProfileID:             r.ProfileID,
		CreatedAt:             r.CreatedAt.UTC(),
	}
	if r.Purchase != nil && strings.TrimSpace(*r.Purchase) != "" {
		purchase := &core.NormalizedPurchase{}
		if err := json.Unmarshal([]byte(*r.Purchase), purchase); err != nil {
			return core.LedgerRecord{}, fmt.Errorf("sqlstore: decode purchase: %w", err)
		}
		out.Purchase = purchase
	}
	if r.Adjustment != nil && strings.TrimSpace(*r.Adjustment) != "" {
		adjustment := &core.CoinAdjustment{}
		if err := json.Unmarshal([]byte(*r.Adjustment), adjustment); err != nil {
			return core.LedgerRecord{}, fmt.Errorf("sqlstore: decode adjustment: %w", err)
		}
		out.Adjustment = adjustment
	}
	return out, nil
}

func newSubscriptionRecord(profileID string, state core.SubscriptionState, now time.Time) *subscriptionRecord {
	record := &subscriptionRecord{
		ID:                     uuid.NewString(),
		ProfileID:              profileID,
		Provider:               state.Provider,
		ExternalSubscriptionID: state.ExternalSubscriptionID,
		Status:                 state.Status,
		Active:                 state.Active,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if state.ExpiresAt != nil {
		value := *state.ExpiresAt
		record.ExpiresAt = &value
	}
	return record
}

func (r *subscriptionRecord) toDomain() *core.SubscriptionState {
	if r == nil {
		return nil
	}
	state := &core.SubscriptionState{
		Provider:               r.Provider,
		ExternalSubscriptionID: r.ExternalSubscriptionID,
		Status:                 r.Status,
		Active:                 r.Active,
	}
	if r.ExpiresAt != nil {
		value := *r.ExpiresAt
		state.ExpiresAt = &value
	}
	return state
}
