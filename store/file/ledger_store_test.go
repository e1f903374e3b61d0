package filestore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/goliatone/go-iap/core"
)

func TestLedgerStore_RecordTransactionSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger", "iap.jsonl")
	store := mustOpen(t, path)

	record := core.LedgerRecord{
		ProfileID: "p1",
		Purchase:  &core.NormalizedPurchase{GameID: "g", CoinsDelta: 500, Type: core.ProductTypeConsumable},
	}
	first, err := store.RecordAndApply(ctx, core.ProviderStoreB, "tx1", record, func(ctx context.Context, effects core.LedgerEffects) error {
		_, err := effects.AddCoins(ctx, "p1", "g", 500)
		return err
	})
	if err != nil || !first.IsNew {
		t.Fatalf("record first: new=%v err=%v", first.IsNew, err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := mustOpen(t, path)
	defer func() { _ = reopened.Close() }()
	replay, err := reopened.RecordAndApply(ctx, "google", "TX1", record, func(context.Context, core.LedgerEffects) error {
		t.Fatalf("effect must not run for a recorded transaction")
		return nil
	})
	if err != nil {
		t.Fatalf("record replay: %v", err)
	}
	if replay.IsNew {
		t.Fatalf("expected replay after reopen to be deduplicated")
	}
	coins, err := reopened.GetCoins(ctx, "p1")
	if err != nil {
		t.Fatalf("get coins: %v", err)
	}
	if coins["g"] != 500 {
		t.Fatalf("expected balance 500 after reopen, got %d", coins["g"])
	}
}

func TestLedgerStore_RecordAndApplyDiscardsFailedEffects(t *testing.T) {
	ctx := context.Background()
	store := mustOpen(t, filepath.Join(t.TempDir(), "iap.jsonl"))
	defer func() { _ = store.Close() }()

	boom := errors.New("boom")
	_, err := store.RecordAndApply(ctx, core.ProviderInternal, "adj-1", core.LedgerRecord{ProfileID: "p1"},
		func(ctx context.Context, effects core.LedgerEffects) error {
			if _, err := effects.AddCoins(ctx, "p1", "g", 10); err != nil {
				return err
			}
			return boom
		})
	if !errors.Is(err, boom) {
		t.Fatalf("expected apply error, got %v", err)
	}
	if _, ok, err := store.FindTransaction(ctx, core.ProviderInternal, "adj-1"); err != nil || ok {
		t.Fatalf("expected no ledger record, ok=%v err=%v", ok, err)
	}
	coins, _ := store.GetCoins(ctx, "p1")
	if len(coins) != 0 {
		t.Fatalf("expected no balance change, got %v", coins)
	}
	content, err := os.ReadFile(store.Path())
	if err != nil {
		t.Fatalf("read ledger file: %v", err)
	}
	if len(content) != 0 {
		t.Fatalf("expected nothing appended, got %q", content)
	}
}

func TestLedgerStore_StagedEffectsSeeEarlierStagedWrites(t *testing.T) {
	ctx := context.Background()
	store := mustOpen(t, filepath.Join(t.TempDir(), "iap.jsonl"))
	defer func() { _ = store.Close() }()

	if _, err := store.AddCoins(ctx, "p1", "g", 5); err != nil {
		t.Fatalf("seed coins: %v", err)
	}
	_, err := store.RecordAndApply(ctx, core.ProviderInternal, "adj-2", core.LedgerRecord{ProfileID: "p1"},
		func(ctx context.Context, effects core.LedgerEffects) error {
			if balance, err := effects.AddCoins(ctx, "p1", "g", 10); err != nil || balance != 15 {
				t.Fatalf("first staged add: balance=%d err=%v", balance, err)
			}
			if balance, err := effects.AddCoins(ctx, "p1", "g", -20); err != nil || balance != 0 {
				t.Fatalf("second staged add: balance=%d err=%v", balance, err)
			}
			return nil
		})
	if err != nil {
		t.Fatalf("record and apply: %v", err)
	}
	coins, _ := store.GetCoins(ctx, "p1")
	if coins["g"] != 0 {
		t.Fatalf("expected clamped balance 0, got %d", coins["g"])
	}
}

func TestLedgerStore_ConcurrentRecordsApplyOnce(t *testing.T) {
	ctx := context.Background()
	store := mustOpen(t, filepath.Join(t.TempDir(), "iap.jsonl"))
	defer func() { _ = store.Close() }()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		newCount int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := store.RecordAndApply(ctx, core.ProviderStoreA, "tx", core.LedgerRecord{ProfileID: "p1"},
				func(ctx context.Context, effects core.LedgerEffects) error {
					_, err := effects.AddCoins(ctx, "p1", "g", 100)
					return err
				})
			if err != nil {
				t.Errorf("record and apply: %v", err)
				return
			}
			if result.IsNew {
				mu.Lock()
				newCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if newCount != 1 {
		t.Fatalf("expected one new record, got %d", newCount)
	}
	coins, _ := store.GetCoins(ctx, "p1")
	if coins["g"] != 100 {
		t.Fatalf("expected balance 100, got %d", coins["g"])
	}
}

func TestLedgerStore_MergeProfilesPersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "iap.jsonl")
	store := mustOpen(t, path)

	mustAdd(t, store, "a", "g", 100)
	mustAdd(t, store, "b", "g", 50)
	expires := int64(2_000_000_000)
	if err := store.UpsertSubscription(ctx, "b", core.SubscriptionState{
		Provider:  core.ProviderStoreA,
		Status:    core.SubscriptionStatusActive,
		Active:    true,
		ExpiresAt: &expires,
	}); err != nil {
		t.Fatalf("upsert subscription: %v", err)
	}
	result, err := store.MergeProfiles(ctx, "a", "b")
	if err != nil || !result.Merged {
		t.Fatalf("merge: merged=%v err=%v", result.Merged, err)
	}
	_ = store.Close()

	reopened := mustOpen(t, path)
	defer func() { _ = reopened.Close() }()
	a, _ := reopened.GetCoins(ctx, "a")
	b, _ := reopened.GetCoins(ctx, "b")
	if a["g"] != 150 || b["g"] != 0 {
		t.Fatalf("expected 150/0 after merge, got %d/%d", a["g"], b["g"])
	}
	sub, err := reopened.GetSubscription(ctx, "a")
	if err != nil || sub == nil || !sub.Active {
		t.Fatalf("expected primary to inherit active subscription, got %#v err=%v", sub, err)
	}
	loser, _ := reopened.GetSubscription(ctx, "b")
	if loser == nil || loser.Status != core.SubscriptionStatusMerged || loser.Active {
		t.Fatalf("expected secondary subscription marked merged, got %#v", loser)
	}

	noop, err := reopened.MergeProfiles(ctx, "a", " ")
	if err != nil || noop.Merged {
		t.Fatalf("expected blank merge to be a no-op, merged=%v err=%v", noop.Merged, err)
	}
}

func TestOpen_TruncatesTornTrailingLine(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "iap.jsonl")
	store := mustOpen(t, path)
	mustAdd(t, store, "p1", "g", 10)
	_ = store.Close()

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatalf("open for tear: %v", err)
	}
	if _, err := file.WriteString(`{"seq":2,"coins":[{"profile_id":"p1","ga`); err != nil {
		t.Fatalf("write torn line: %v", err)
	}
	_ = file.Close()

	reopened := mustOpen(t, path)
	coins, _ := reopened.GetCoins(ctx, "p1")
	if coins["g"] != 10 {
		t.Fatalf("expected torn entry to be ignored, got %d", coins["g"])
	}
	mustAdd(t, reopened, "p1", "g", 5)
	_ = reopened.Close()

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two committed lines, got %d: %q", len(lines), content)
	}
}

func TestOpen_RejectsCorruptMiddleLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iap.jsonl")
	if err := os.WriteFile(path, []byte("not json\n{\"seq\":1}\n"), 0o600); err != nil {
		t.Fatalf("write ledger: %v", err)
	}
	if _, err := Open(path); err == nil {
		t.Fatalf("expected corrupt ledger to fail")
	}
	if _, err := Open(" "); err == nil {
		t.Fatalf("expected empty path to fail")
	}
}

func TestLedgerStore_ClosedStoreRejectsWrites(t *testing.T) {
	store := mustOpen(t, filepath.Join(t.TempDir(), "iap.jsonl"))
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := store.AddCoins(context.Background(), "p1", "g", 1); err == nil {
		t.Fatalf("expected write on closed store to fail")
	}
}

func TestLedgerStore_FailedAppendIsTruncated(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "iap.jsonl")
	store := mustOpen(t, path)
	mustAdd(t, store, "p1", "g", 10)

	flaky := &flakyFile{File: store.file.(*os.File), failWrite: true}
	store.file = flaky
	if _, err := store.AddCoins(ctx, "p1", "g", 5); err == nil {
		t.Fatalf("expected short write to fail")
	}
	flaky.failWrite = false
	flaky.failSync = true
	if _, err := store.AddCoins(ctx, "p1", "g", 7); err == nil {
		t.Fatalf("expected sync failure to fail")
	}
	flaky.failSync = false
	mustAdd(t, store, "p1", "g", 1)

	coins, err := store.GetCoins(ctx, "p1")
	if err != nil || coins["g"] != 11 {
		t.Fatalf("expected balance 11 after failed appends, got %v err=%v", coins, err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := mustOpen(t, path)
	defer func() { _ = reopened.Close() }()
	coins, err = reopened.GetCoins(ctx, "p1")
	if err != nil || coins["g"] != 11 {
		t.Fatalf("expected reopened balance 11, got %v err=%v", coins, err)
	}
}

func TestLedgerStore_FailedTruncateStopsWrites(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "iap.jsonl")
	store := mustOpen(t, path)
	mustAdd(t, store, "p1", "g", 10)

	flaky := &flakyFile{File: store.file.(*os.File), failWrite: true, failTruncate: true}
	store.file = flaky
	if _, err := store.AddCoins(ctx, "p1", "g", 5); err == nil {
		t.Fatalf("expected short write to fail")
	}
	flaky.failWrite = false
	flaky.failTruncate = false
	_, err := store.AddCoins(ctx, "p1", "g", 1)
	if err == nil || !strings.Contains(err.Error(), "reopening") {
		t.Fatalf("expected store to refuse writes after failed truncate, got %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := mustOpen(t, path)
	defer func() { _ = reopened.Close() }()
	coins, err := reopened.GetCoins(ctx, "p1")
	if err != nil || coins["g"] != 10 {
		t.Fatalf("expected torn tail dropped on reopen, got %v err=%v", coins, err)
	}
}

func TestLedgerStore_DrivesService(t *testing.T) {
	ctx := context.Background()
	store := mustOpen(t, filepath.Join(t.TempDir(), "iap.jsonl"))
	defer func() { _ = store.Close() }()

	svc, err := core.NewService(core.DefaultConfig(), core.WithLedgerStore(store))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	first, err := svc.AdjustCoins(ctx, core.AdjustCoinsRequest{ProfileID: "p1", GameID: "g", Delta: 40, IdempotencyKey: "grant-1"})
	if err != nil {
		t.Fatalf("adjust coins: %v", err)
	}
	if first.Balance != 40 || first.Deduplicated {
		t.Fatalf("unexpected first adjustment: %#v", first)
	}
	again, err := svc.AdjustCoins(ctx, core.AdjustCoinsRequest{ProfileID: "p1", GameID: "g", Delta: 40, IdempotencyKey: "grant-1"})
	if err != nil {
		t.Fatalf("replay adjustment: %v", err)
	}
	if again.Balance != 40 || !again.Deduplicated {
		t.Fatalf("unexpected replayed adjustment: %#v", again)
	}
}

type flakyFile struct {
	*os.File
	failWrite    bool
	failSync     bool
	failTruncate bool
}

func (f *flakyFile) Write(p []byte) (int, error) {
	if f.failWrite {
		n, _ := f.File.Write(p[:len(p)/2])
		return n, errors.New("disk full")
	}
	return f.File.Write(p)
}

func (f *flakyFile) Sync() error {
	if f.failSync {
		return errors.New("io error")
	}
	return f.File.Sync()
}

func (f *flakyFile) Truncate(size int64) error {
	if f.failTruncate {
		return errors.New("read-only filesystem")
	}
	return f.File.Truncate(size)
}

func mustOpen(t *testing.T, path string) *LedgerStore {
	t.Helper()
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	return store
}

func mustAdd(t *testing.T, store *LedgerStore, profileID string, gameID string, delta int64) {
	t.Helper()
	if _, err := store.AddCoins(context.Background(), profileID, gameID, delta); err != nil {
		t.Fatalf("add coins: %v", err)
	}
}
