package iap

import (
	"context"
	"testing"

	gocmd "github.com/goliatone/go-command"
	iapcommand "github.com/goliatone/go-iap/command"
	"github.com/goliatone/go-iap/core"
	iapquery "github.com/goliatone/go-iap/query"
)

func TestNewFacade_WiresCommandsAndQueries(t *testing.T) {
	facade, err := NewFacade(newTestService(t))
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}

	commands := facade.Commands()
	if commands.VerifyPurchase == nil || commands.ApplyWebhookEvent == nil || commands.AdjustCoins == nil || commands.MergeProfiles == nil {
		t.Fatalf("expected command handlers to be wired")
	}
	queries := facade.Queries()
	if queries.GetEntitlements == nil {
		t.Fatalf("expected entitlements query to be wired")
	}
	if queries.FindLedgerRecord == nil {
		t.Fatalf("expected ledger query to resolve from the service ledger store")
	}
}

func TestFacade_CommandAndQueryDelegation(t *testing.T) {
	facade, err := NewFacade(newTestService(t))
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}
	ctx := context.Background()

	collector := gocmd.NewResult[core.VerifyPurchaseResult]()
	if err := facade.Commands().VerifyPurchase.Execute(gocmd.ContextWithResult(ctx, collector), iapcommand.VerifyPurchaseMessage{
		Request: core.VerifyPurchaseRequest{
			ProfileID: "p1",
			Provider:  "google",
			ProductID: "coins_500_x",
			Payload:   core.PurchasePayload{PurchaseToken: "tok-1"},
		},
	}); err != nil {
		t.Fatalf("execute verify purchase: %v", err)
	}
	verified, ok := collector.Load()
	if !ok || verified.Entitlements.Coins["x"].Balance != 500 {
		t.Fatalf("unexpected verify result %#v", verified)
	}

	if err := facade.Commands().AdjustCoins.Execute(ctx, iapcommand.AdjustCoinsMessage{
		Request: core.AdjustCoinsRequest{ProfileID: "p1", GameID: "x", Delta: -200, IdempotencyKey: "spend-1"},
	}); err != nil {
		t.Fatalf("execute adjust coins: %v", err)
	}

	entitlements, err := facade.Queries().GetEntitlements.Query(ctx, iapquery.GetEntitlementsMessage{ProfileID: "p1"})
	if err != nil {
		t.Fatalf("query entitlements: %v", err)
	}
	if entitlements.Coins["x"].Balance != 300 {
		t.Fatalf("expected balance 300, got %#v", entitlements.Coins)
	}

	lookup, err := facade.Queries().FindLedgerRecord.Query(ctx, iapquery.FindLedgerRecordMessage{
		Provider:              core.ProviderStoreB,
		ExternalTransactionID: "tok-1",
	})
	if err != nil {
		t.Fatalf("query ledger record: %v", err)
	}
	if !lookup.Found || lookup.Record.ProfileID != "p1" {
		t.Fatalf("unexpected ledger lookup %#v", lookup)
	}
}

func TestNewFacade_ExplicitFinderWins(t *testing.T) {
	store := core.NewMemoryLedgerStore()
	facade, err := NewFacade(stubEntitlementService{}, WithLedgerRecordFinder(store))
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}
	if facade.Queries().FindLedgerRecord == nil {
		t.Fatalf("expected ledger query from explicit finder")
	}

	bare, err := NewFacade(stubEntitlementService{})
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}
	if bare.Queries().FindLedgerRecord != nil {
		t.Fatalf("expected no ledger query without a finder")
	}
}

func TestNewFacade_RequiresService(t *testing.T) {
	facade, err := NewFacade(nil)
	if err == nil {
		t.Fatalf("expected nil service error")
	}
	if facade != nil {
		t.Fatalf("expected nil facade on error")
	}
}

func TestFacade_NilReceiver(t *testing.T) {
	var facade *Facade
	if facade.Commands().VerifyPurchase != nil || facade.Queries().GetEntitlements != nil || facade.Service() != nil {
		t.Fatalf("expected zero values from nil facade")
	}
}

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	catalog := core.NewCatalog()
	catalog.Consumables["coins_500_x"] = core.CatalogEntry{
		Type:      core.ProductTypeConsumable,
		ProductID: "coins_500_x",
		GameID:    "x",
		Coins:     500,
	}
	base := []Option{
		WithCatalog(catalog),
		WithVerifier(core.ProviderStoreB, core.PurchaseVerifierFunc(func(_ context.Context, req core.VerifyRequest) (core.VerifiedPurchase, error) {
			return core.VerifiedPurchase{
				Provider:              core.ProviderStoreB,
				ExternalTransactionID: req.Payload.PurchaseToken,
				Type:                  core.ProductTypeConsumable,
				GameID:                req.CatalogEntry.GameID,
				CoinsDelta:            req.CatalogEntry.Coins,
			}, nil
		})),
	}
	svc, err := NewService(DefaultConfig(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

type stubEntitlementService struct{}

func (stubEntitlementService) VerifyPurchase(context.Context, core.VerifyPurchaseRequest) (core.VerifyPurchaseResult, error) {
	return core.VerifyPurchaseResult{}, nil
}

func (stubEntitlementService) ApplyWebhookEvent(context.Context, core.WebhookEvent) (core.VerifyPurchaseResult, error) {
	return core.VerifyPurchaseResult{}, nil
}

func (stubEntitlementService) AdjustCoins(context.Context, core.AdjustCoinsRequest) (core.AdjustCoinsResult, error) {
	return core.AdjustCoinsResult{}, nil
}

func (stubEntitlementService) MergeProfiles(context.Context, string, string) (core.MergeResult, error) {
	return core.MergeResult{}, nil
}

func (stubEntitlementService) GetEntitlements(_ context.Context, profileID string) (core.Entitlements, error) {
	return core.Entitlements{ProfileID: profileID}, nil
}
