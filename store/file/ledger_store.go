// Package filestore persists the entitlement ledger as an append-only JSON
// lines file. Every committed change is one line, so a crash can at most lose
// a trailing partial line, which is ignored on open.
package filestore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-iap/core"
)

type coinChange struct {
	ProfileID string `json:"profile_id"`
	GameID    string `json:"game_id"`
	Balance   int64  `json:"balance"`
}

type subscriptionChange struct {
	ProfileID string                 `json:"profile_id"`
	State     core.SubscriptionState `json:"state"`
}

// entry is one committed line in the ledger file.
type entry struct {
	Seq           int64                `json:"seq"`
	At            time.Time            `json:"at"`
	Record        *core.LedgerRecord   `json:"record,omitempty"`
	Coins         []coinChange         `json:"coins,omitempty"`
	Subscriptions []subscriptionChange `json:"subscriptions,omitempty"`
}

// ledgerFile is the append handle; *os.File in production.
type ledgerFile interface {
	io.WriteCloser
	Sync() error
	Stat() (os.FileInfo, error)
	Truncate(size int64) error
}

// LedgerStore is a core.TransactionalLedgerStore backed by a single file.
// State is rebuilt in memory on open; writes append before they apply.
type LedgerStore struct {
	mu            sync.Mutex
	path          string
	file          ledgerFile
	broken        error
	seq           int64
	now           func() time.Time
	records       map[string]core.LedgerRecord
	coins         map[string]map[string]int64
	subscriptions map[string]core.SubscriptionState
}

// Open loads path, creating it and its directory when missing.
func Open(path string) (*LedgerStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("filestore: ledger path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("filestore: create ledger directory: %w", err)
	}
	store := &LedgerStore{
		path:          path,
		now:           func() time.Time { return time.Now().UTC() },
		records:       map[string]core.LedgerRecord{},
		coins:         map[string]map[string]int64{},
		subscriptions: map[string]core.SubscriptionState{},
	}
	if err := store.replay(); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("filestore: open ledger file: %w", err)
	}
	store.file = file
	return store, nil
}

func (s *LedgerStore) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *LedgerStore) Path() string {
	if s == nil {
		return ""
	}
	return s.path
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
	if s == nil {
		return core.RecordResult{}, fmt.Errorf("filestore: ledger store is nil")
	}
	key, err := core.LedgerKey(provider, externalTransactionID)
	if err != nil {
		return core.RecordResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[key]; ok {
		return core.RecordResult{IsNew: false, Record: core.CloneLedgerRecord(existing)}, nil
	}

	record = core.NormalizeLedgerRecord(record, provider, externalTransactionID, s.now())
	pending := &stagedEffects{store: s}
	if apply != nil {
		if err := apply(ctx, pending); err != nil {
			return core.RecordResult{}, err
		}
	}
	stored := core.CloneLedgerRecord(record)
	if err := s.commitLocked(entry{
		Record:        &stored,
		Coins:         pending.coinOrder,
		Subscriptions: pending.subscriptions,
	}); err != nil {
		return core.RecordResult{}, err
	}
	return core.RecordResult{IsNew: true, Record: core.CloneLedgerRecord(record)}, nil
}

func (s *LedgerStore) FindTransaction(_ context.Context, provider string, externalTransactionID string) (core.LedgerRecord, bool, error) {
	if s == nil {
		return core.LedgerRecord{}, false, fmt.Errorf("filestore: ledger store is nil")
	}
	key, err := core.LedgerKey(provider, externalTransactionID)
	if err != nil {
		return core.LedgerRecord{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[key]
	if !ok {
		return core.LedgerRecord{}, false, nil
	}
	return core.CloneLedgerRecord(record), true, nil
}

func (s *LedgerStore) AddCoins(_ context.Context, profileID string, gameID string, delta int64) (int64, error) {
	if s == nil {
		return 0, fmt.Errorf("filestore: ledger store is nil")
	}
	if strings.TrimSpace(profileID) == "" || strings.TrimSpace(gameID) == "" {
		return 0, fmt.Errorf("filestore: profile id and game id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	balance := clampBalance(s.coins[profileID][gameID] + delta)
	if err := s.commitLocked(entry{
		Coins: []coinChange{{ProfileID: profileID, GameID: gameID, Balance: balance}},
	}); err != nil {
		return 0, err
	}
	return balance, nil
}

func (s *LedgerStore) GetCoins(_ context.Context, profileID string) (map[string]int64, error) {
	if s == nil {
		return nil, fmt.Errorf("filestore: ledger store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.coins[profileID]))
	for gameID, balance := range s.coins[profileID] {
		out[gameID] = balance
	}
	return out, nil
}

func (s *LedgerStore) GetSubscription(_ context.Context, profileID string) (*core.SubscriptionState, error) {
	if s == nil {
		return nil, fmt.Errorf("filestore: ledger store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.subscriptions[profileID]
	if !ok {
		return nil, nil
	}
	return core.CloneSubscription(&state), nil
}

func (s *LedgerStore) UpsertSubscription(_ context.Context, profileID string, state core.SubscriptionState) error {
	if s == nil {
		return fmt.Errorf("filestore: ledger store is nil")
	}
	if strings.TrimSpace(profileID) == "" {
		return fmt.Errorf("filestore: profile id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(entry{
		Subscriptions: []subscriptionChange{{ProfileID: profileID, State: *core.CloneSubscription(&state)}},
	})
}

func (s *LedgerStore) MergeProfiles(_ context.Context, primaryProfileID string, secondaryProfileID string) (core.MergeResult, error) {
	if s == nil {
		return core.MergeResult{}, fmt.Errorf("filestore: ledger store is nil")
	}
	if !core.ShouldMergeProfiles(primaryProfileID, secondaryProfileID) {
		return core.MergeResult{Merged: false}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var change entry
	for gameID, balance := range s.coins[secondaryProfileID] {
		if balance <= 0 {
			continue
		}
		change.Coins = append(change.Coins,
			coinChange{ProfileID: primaryProfileID, GameID: gameID, Balance: s.coins[primaryProfileID][gameID] + balance},
			coinChange{ProfileID: secondaryProfileID, GameID: gameID, Balance: 0},
		)
	}

	var primary, secondary *core.SubscriptionState
	if state, ok := s.subscriptions[primaryProfileID]; ok {
		primary = &state
	}
	if state, ok := s.subscriptions[secondaryProfileID]; ok {
		secondary = &state
	}
	survivor, loser := core.MergeSubscriptions(primary, secondary)
	if survivor != nil {
		change.Subscriptions = append(change.Subscriptions, subscriptionChange{ProfileID: primaryProfileID, State: *survivor})
	}
	if loser != nil {
		change.Subscriptions = append(change.Subscriptions, subscriptionChange{ProfileID: secondaryProfileID, State: *loser})
	}
	if err := s.commitLocked(change); err != nil {
		return core.MergeResult{}, err
	}
	return core.MergeResult{Merged: true}, nil
}

// commitLocked appends the entry and fsyncs before touching memory. A failed
// append is cut back to the previous size so the next line starts clean.
func (s *LedgerStore) commitLocked(change entry) error {
	if s.file == nil {
		return fmt.Errorf("filestore: ledger store is closed")
	}
	if s.broken != nil {
		return fmt.Errorf("filestore: ledger file needs reopening: %w", s.broken)
	}
	change.Seq = s.seq + 1
	change.At = s.now()
	line, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("filestore: encode ledger entry: %w", err)
	}
	line = append(line, '\n')
	info, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("filestore: stat ledger file: %w", err)
	}
	size := info.Size()
	if _, err := s.file.Write(line); err != nil {
		return s.rollbackLocked(size, fmt.Errorf("filestore: append ledger entry: %w", err))
	}
	if err := s.file.Sync(); err != nil {
		return s.rollbackLocked(size, fmt.Errorf("filestore: sync ledger file: %w", err))
	}
	s.applyLocked(change)
	return nil
}

// rollbackLocked truncates a failed append. If that fails too the store
// refuses further writes, since replay would reject a torn middle line.
func (s *LedgerStore) rollbackLocked(size int64, cause error) error {
	if err := s.file.Truncate(size); err != nil {
		s.broken = errors.Join(cause, fmt.Errorf("filestore: truncate failed append: %w", err))
		return s.broken
	}
	return cause
}

func (s *LedgerStore) applyLocked(change entry) {
	s.seq = change.Seq
	if change.Record != nil {
		key, err := core.LedgerKey(change.Record.Provider, change.Record.ExternalTransactionID)
		if err == nil {
			s.records[key] = core.CloneLedgerRecord(*change.Record)
		}
	}
	for _, coins := range change.Coins {
		games, ok := s.coins[coins.ProfileID]
		if !ok {
			games = map[string]int64{}
			s.coins[coins.ProfileID] = games
		}
		games[coins.GameID] = coins.Balance
	}
	for _, sub := range change.Subscriptions {
		s.subscriptions[sub.ProfileID] = *core.CloneSubscription(&sub.State)
	}
}

// replay rebuilds state from disk. A malformed final line is a torn write
// and is truncated away; a malformed line anywhere else is corruption.
func (s *LedgerStore) replay() error {
	content, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("filestore: read ledger file: %w", err)
	}
	reader := bufio.NewReader(bytes.NewReader(content))
	var offset int64
	for lineNo := 1; ; lineNo++ {
		line, readErr := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var change entry
			if err := json.Unmarshal(line, &change); err != nil {
				if readErr == io.EOF {
					return s.truncate(offset)
				}
				return fmt.Errorf("filestore: corrupt ledger entry at line %d: %w", lineNo, err)
			}
			if readErr == io.EOF {
				// complete JSON without a newline; keep it and terminate the line
				s.applyLocked(change)
				return s.terminateLastLine()
			}
			s.applyLocked(change)
		}
		offset += int64(len(line))
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("filestore: read ledger file: %w", readErr)
		}
	}
}

func (s *LedgerStore) truncate(size int64) error {
	if err := os.Truncate(s.path, size); err != nil {
		return fmt.Errorf("filestore: truncate torn ledger entry: %w", err)
	}
	return nil
}

func (s *LedgerStore) terminateLastLine() error {
	file, err := os.OpenFile(s.path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("filestore: open ledger file: %w", err)
	}
	defer func() { _ = file.Close() }()
	if _, err := file.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("filestore: terminate ledger entry: %w", err)
	}
	return nil
}

// stagedEffects collects effects for a record-and-apply call so they can be
// written in the same line as the record.
type stagedEffects struct {
	store         *LedgerStore
	coins         map[string]map[string]int64
	coinOrder     []coinChange
	subscriptions []subscriptionChange
}

func (e *stagedEffects) AddCoins(_ context.Context, profileID string, gameID string, delta int64) (int64, error) {
	if strings.TrimSpace(profileID) == "" || strings.TrimSpace(gameID) == "" {
		return 0, fmt.Errorf("filestore: profile id and game id are required")
	}
	current := e.store.coins[profileID][gameID]
	if staged, ok := e.coins[profileID][gameID]; ok {
		current = staged
	}
	balance := clampBalance(current + delta)
	if e.coins == nil {
		e.coins = map[string]map[string]int64{}
	}
	if e.coins[profileID] == nil {
		e.coins[profileID] = map[string]int64{}
	}
	e.coins[profileID][gameID] = balance
	e.coinOrder = append(e.coinOrder, coinChange{ProfileID: profileID, GameID: gameID, Balance: balance})
	return balance, nil
}

func (e *stagedEffects) UpsertSubscription(_ context.Context, profileID string, state core.SubscriptionState) error {
	if strings.TrimSpace(profileID) == "" {
		return fmt.Errorf("filestore: profile id is required")
	}
	e.subscriptions = append(e.subscriptions, subscriptionChange{ProfileID: profileID, State: *core.CloneSubscription(&state)})
	return nil
}

func clampBalance(balance int64) int64 {
	if balance < 0 {
		return 0
	}
	return balance
}

var (
	_ core.LedgerStore              = (*LedgerStore)(nil)
	_ core.TransactionalLedgerStore = (*LedgerStore)(nil)
	_ core.LedgerRecordFinder       = (*LedgerStore)(nil)
	_ core.LedgerEffects            = (*stagedEffects)(nil)
)
