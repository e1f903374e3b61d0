package redisstore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goliatone/go-iap/core"
	"github.com/redis/go-redis/v9"
)

func TestStagedEffects_ScriptArgsLayout(t *testing.T) {
	store := &LedgerStore{prefix: "t"}
	staged := &stagedEffects{
		store: store,
		coins: []stagedCoins{
			{profileID: "p1", gameID: "g", delta: 10},
			{profileID: "p1", gameID: "h", delta: -3},
		},
		subs: []stagedSubscription{
			{profileID: "p1", state: core.SubscriptionState{Status: core.SubscriptionStatusActive, Active: true}},
		},
	}
	keys, args, err := staged.scriptArgs("t:ledger:storea|tx", `{"kind":"purchase"}`)
	if err != nil {
		t.Fatalf("script args: %v", err)
	}
	wantKeys := []string{"t:ledger:storea|tx", "t:coins:p1", "t:coins:p1", "t:subscription:p1"}
	if fmt.Sprint(keys) != fmt.Sprint(wantKeys) {
		t.Fatalf("unexpected keys %v", keys)
	}
	if len(args) != 7 {
		t.Fatalf("expected 7 args, got %d: %v", len(args), args)
	}
	if args[1] != 2 || args[2] != "g" || args[3] != int64(10) || args[4] != "h" || args[5] != int64(-3) {
		t.Fatalf("unexpected coin args %v", args)
	}
	if _, ok := args[6].(string); !ok {
		t.Fatalf("expected encoded subscription as the last arg, got %T", args[6])
	}
}

func TestParseBalances_RejectsNonIntegers(t *testing.T) {
	balances, err := parseBalances(map[string]string{"g": "15", "h": "0"})
	if err != nil {
		t.Fatalf("parse balances: %v", err)
	}
	if balances["g"] != 15 || balances["h"] != 0 {
		t.Fatalf("unexpected balances %v", balances)
	}
	if _, err := parseBalances(map[string]string{"g": "x"}); err == nil {
		t.Fatalf("expected non-integer balance to fail")
	}
}

func TestNewLedgerStore_RequiresClient(t *testing.T) {
	if _, err := NewLedgerStore(nil); err == nil {
		t.Fatalf("expected nil client to fail")
	}
	store, err := NewLedgerStore(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), WithKeyPrefix(" game "))
	if err != nil {
		t.Fatalf("new ledger store: %v", err)
	}
	if got := store.coinsKey("p1"); got != "game:coins:p1" {
		t.Fatalf("unexpected coins key %q", got)
	}
}

func TestLedgerStore_RecordAndApplyAgainstRedis(t *testing.T) {
	ctx := context.Background()
	store := newRedisLedgerStore(t)

	applied := 0
	apply := func(ctx context.Context, effects core.LedgerEffects) error {
		applied++
		_, err := effects.AddCoins(ctx, "p1", "g", 500)
		return err
	}
	first, err := store.RecordAndApply(ctx, core.ProviderStoreB, "tx1", core.LedgerRecord{ProfileID: "p1"}, apply)
	if err != nil || !first.IsNew {
		t.Fatalf("record first: new=%v err=%v", first.IsNew, err)
	}
	second, err := store.RecordAndApply(ctx, "google", "TX1", core.LedgerRecord{ProfileID: "p2"}, apply)
	if err != nil {
		t.Fatalf("record replay: %v", err)
	}
	if second.IsNew || second.Record.ProfileID != "p1" {
		t.Fatalf("expected replay to return the stored record, got %#v", second)
	}
	coins, err := store.GetCoins(ctx, "p1")
	if err != nil {
		t.Fatalf("get coins: %v", err)
	}
	if coins["g"] != 500 {
		t.Fatalf("expected balance 500, got %d", coins["g"])
	}
	if _, ok, err := store.FindTransaction(ctx, core.ProviderStoreB, "tx1"); err != nil || !ok {
		t.Fatalf("find transaction: ok=%v err=%v", ok, err)
	}
}

func TestLedgerStore_AddCoinsClampsAgainstRedis(t *testing.T) {
	ctx := context.Background()
	store := newRedisLedgerStore(t)

	for _, tc := range []struct {
		delta int64
		want  int64
	}{
		{delta: 100, want: 100},
		{delta: -250, want: 0},
		{delta: 7, want: 7},
	} {
		got, err := store.AddCoins(ctx, "p1", "g", tc.delta)
		if err != nil {
			t.Fatalf("add coins %d: %v", tc.delta, err)
		}
		if got != tc.want {
			t.Fatalf("add coins %d: expected %d, got %d", tc.delta, tc.want, got)
		}
	}
}

func TestLedgerStore_ConcurrentRecordsAgainstRedis(t *testing.T) {
	ctx := context.Background()
	store := newRedisLedgerStore(t)

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
					_, err := effects.AddCoins(ctx, "p1", "g", 10)
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
	if coins["g"] != 10 {
		t.Fatalf("expected balance 10, got %d", coins["g"])
	}
}

func TestLedgerStore_MergeProfilesAgainstRedis(t *testing.T) {
	ctx := context.Background()
	store := newRedisLedgerStore(t)

	if _, err := store.AddCoins(ctx, "a", "g", 100); err != nil {
		t.Fatalf("seed a: %v", err)
	}
	if _, err := store.AddCoins(ctx, "b", "g", 50); err != nil {
		t.Fatalf("seed b: %v", err)
	}
	if err := store.UpsertSubscription(ctx, "b", core.SubscriptionState{
		Provider: core.ProviderStoreB,
		Status:   core.SubscriptionStatusActive,
		Active:   true,
	}); err != nil {
		t.Fatalf("upsert subscription: %v", err)
	}
	result, err := store.MergeProfiles(ctx, "a", "b")
	if err != nil || !result.Merged {
		t.Fatalf("merge: merged=%v err=%v", result.Merged, err)
	}
	a, _ := store.GetCoins(ctx, "a")
	b, _ := store.GetCoins(ctx, "b")
	if a["g"] != 150 || b["g"] != 0 {
		t.Fatalf("expected 150/0, got %d/%d", a["g"], b["g"])
	}
	sub, err := store.GetSubscription(ctx, "a")
	if err != nil || sub == nil || !sub.Active {
		t.Fatalf("expected primary to inherit subscription, got %#v err=%v", sub, err)
	}
	loser, _ := store.GetSubscription(ctx, "b")
	if loser == nil || loser.Status != core.SubscriptionStatusMerged {
		t.Fatalf("expected loser to be merged, got %#v", loser)
	}
}

// newRedisLedgerStore runs against an in-process miniredis, or against
// IAP_TEST_REDIS_URL when set, under a unique prefix.
func newRedisLedgerStore(t *testing.T) *LedgerStore {
	t.Helper()
	url := os.Getenv("IAP_TEST_REDIS_URL")
	if url == "" {
		server := miniredis.RunT(t)
		url = "redis://" + server.Addr()
	}
	client, err := NewClient(url)
	if err != nil {
		t.Fatalf("new redis client: %v", err)
	}
	prefix := fmt.Sprintf("iap-test-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+":*", 100).Iterator()
		for iter.Next(ctx) {
			_ = client.Del(ctx, iter.Val()).Err()
		}
		_ = client.Close()
	})
	store, err := NewLedgerStore(client, WithKeyPrefix(prefix))
	if err != nil {
		t.Fatalf("new ledger store: %v", err)
	}
	return store
}
