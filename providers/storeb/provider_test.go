package storeb

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-iap/core"
)

const testPackage = "com.example.game"

type fakePublisher struct {
	server        *httptest.Server
	products      map[string]map[string]any
	subscriptions map[string]map[string]any

	mu           sync.Mutex
	acknowledged []string
}

func newFakePublisher(t *testing.T) *fakePublisher {
	t.Helper()
	publisher := &fakePublisher{
		products:      map[string]map[string]any{},
		subscriptions: map[string]map[string]any{},
	}
	prefix := "/androidpublisher/v3/applications/" + testPackage + "/purchases/"
	publisher.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, prefix)
		if path == r.URL.Path {
			http.NotFound(w, r)
			return
		}
		if strings.HasSuffix(path, ":acknowledge") && r.Method == http.MethodPost {
			publisher.mu.Lock()
			publisher.acknowledged = append(publisher.acknowledged, strings.TrimSuffix(path, ":acknowledge"))
			publisher.mu.Unlock()
			w.WriteHeader(http.StatusOK)
			return
		}
		var source map[string]map[string]any
		switch {
		case strings.HasPrefix(path, "products/"):
			source = publisher.products
		case strings.HasPrefix(path, "subscriptions/"):
			source = publisher.subscriptions
		}
		body, ok := source[path]
		if !ok {
			http.Error(w, `{"error":{"code":404,"message":"not found"}}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(publisher.server.Close)
	return publisher
}

func (p *fakePublisher) verifier(t *testing.T) *Verifier {
	t.Helper()
	verifier, err := New(Config{Endpoint: p.server.URL, HTTPClient: p.server.Client()})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return verifier
}

func TestVerifier_ConsumablePurchase(t *testing.T) {
	publisher := newFakePublisher(t)
	publisher.products["products/coins_500_x/tokens/tok-1"] = map[string]any{
		"orderId":              "GPA.1",
		"purchaseState":        0,
		"acknowledgementState": 0,
		"quantity":             1,
	}
	verified, err := publisher.verifier(t).VerifyPurchase(context.Background(), core.VerifyRequest{
		Provider:       ProviderID,
		ProductID:      "coins_500_x",
		Payload:        core.PurchasePayload{PurchaseToken: "tok-1"},
		CatalogEntry:   core.CatalogEntry{Type: core.ProductTypeConsumable, ProductID: "coins_500_x", GameID: "x", Coins: 500},
		ProviderConfig: core.ProviderConfig{KeyPackageName: testPackage, KeyAcknowledge: "true"},
	})
	if err != nil {
		t.Fatalf("verify purchase: %v", err)
	}
	if verified.ExternalTransactionID != "GPA.1" || verified.CoinsDelta != 500 || verified.GameID != "x" {
		t.Fatalf("unexpected verified purchase %#v", verified)
	}
	if len(publisher.acknowledged) != 1 || publisher.acknowledged[0] != "products/coins_500_x/tokens/tok-1" {
		t.Fatalf("expected purchase acknowledgement, got %v", publisher.acknowledged)
	}
}

func TestVerifier_RejectsIncompleteProductPurchases(t *testing.T) {
	publisher := newFakePublisher(t)
	publisher.products["products/coins_500_x/tokens/pending"] = map[string]any{"orderId": "GPA.2", "purchaseState": 2}
	publisher.products["products/coins_500_x/tokens/canceled"] = map[string]any{"orderId": "GPA.3", "purchaseState": 1}
	verifier := publisher.verifier(t)

	for _, tc := range []struct {
		name   string
		token  string
		config core.ProviderConfig
		want   string
	}{
		{name: "pending", token: "pending", config: core.ProviderConfig{KeyPackageName: testPackage}, want: "pending"},
		{name: "canceled", token: "canceled", config: core.ProviderConfig{KeyPackageName: testPackage}, want: "canceled"},
		{name: "unknown token", token: "missing", config: core.ProviderConfig{KeyPackageName: testPackage}, want: "products.get"},
		{name: "missing package", token: "pending", want: "package_name"},
		{name: "missing token", config: core.ProviderConfig{KeyPackageName: testPackage}, want: "purchase_token"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := verifier.VerifyPurchase(context.Background(), core.VerifyRequest{
				ProductID:      "coins_500_x",
				Payload:        core.PurchasePayload{PurchaseToken: tc.token},
				CatalogEntry:   core.CatalogEntry{Type: core.ProductTypeConsumable, ProductID: "coins_500_x", Coins: 500},
				ProviderConfig: tc.config,
			})
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestVerifier_SubscriptionStates(t *testing.T) {
	publisher := newFakePublisher(t)
	now := time.Now().Unix()
	future := strconv.FormatInt((now+3600)*1000, 10)
	past := strconv.FormatInt((now-3600)*1000, 10)
	publisher.subscriptions["subscriptions/no_ads_monthly/tokens/active"] = map[string]any{
		"orderId": "GPA.10", "expiryTimeMillis": future, "autoRenewing": true, "paymentState": 1,
	}
	publisher.subscriptions["subscriptions/no_ads_monthly/tokens/canceled"] = map[string]any{
		"orderId": "GPA.11", "expiryTimeMillis": future, "autoRenewing": false, "paymentState": 1,
	}
	publisher.subscriptions["subscriptions/no_ads_monthly/tokens/expired"] = map[string]any{
		"orderId": "GPA.12", "expiryTimeMillis": past, "autoRenewing": false, "paymentState": 1,
	}
	publisher.subscriptions["subscriptions/no_ads_monthly/tokens/pending"] = map[string]any{
		"orderId": "GPA.13", "expiryTimeMillis": future, "paymentState": 0,
	}
	verifier := publisher.verifier(t)

	for _, tc := range []struct {
		token      string
		wantActive bool
		wantStatus string
		wantErr    bool
	}{
		{token: "active", wantActive: true, wantStatus: core.SubscriptionStatusActive},
		{token: "canceled", wantActive: true, wantStatus: core.SubscriptionStatusCanceled},
		{token: "expired", wantActive: false, wantStatus: core.SubscriptionStatusExpired},
		{token: "pending", wantErr: true},
	} {
		t.Run(tc.token, func(t *testing.T) {
			verified, err := verifier.VerifyPurchase(context.Background(), core.VerifyRequest{
				ProductID:      "no_ads_monthly",
				Payload:        core.PurchasePayload{PurchaseToken: tc.token},
				CatalogEntry:   core.CatalogEntry{Type: core.ProductTypeSubscription, ProductID: "no_ads_monthly"},
				ProviderConfig: core.ProviderConfig{KeyPackageName: testPackage},
				NowSeconds:     now,
			})
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected pending payment to fail")
				}
				return
			}
			if err != nil {
				t.Fatalf("verify subscription: %v", err)
			}
			sub := verified.Subscription
			if sub == nil || sub.Active != tc.wantActive || sub.Status != tc.wantStatus || sub.ExpiresAt == nil {
				t.Fatalf("unexpected subscription state %#v", sub)
			}
			if verified.Type != core.ProductTypeSubscription || verified.ExternalTransactionID == "" {
				t.Fatalf("unexpected verified purchase %#v", verified)
			}
		})
	}
}

func TestVerifier_RequiresCredentialsWithoutClient(t *testing.T) {
	verifier, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	_, err = verifier.VerifyPurchase(context.Background(), core.VerifyRequest{
		ProductID:      "coins_500_x",
		Payload:        core.PurchasePayload{PurchaseToken: "tok"},
		CatalogEntry:   core.CatalogEntry{Type: core.ProductTypeConsumable, Coins: 500},
		ProviderConfig: core.ProviderConfig{KeyPackageName: testPackage},
	})
	if err == nil || !strings.Contains(err.Error(), "service_account_json") {
		t.Fatalf("expected missing credentials error, got %v", err)
	}
}

func TestWebhookDecoder_DeveloperNotifications(t *testing.T) {
	encode := func(notification DeveloperNotification, attributes map[string]string) []byte {
		raw, _ := json.Marshal(notification)
		body, _ := json.Marshal(map[string]any{
			"message": map[string]any{
				"data":       base64.StdEncoding.EncodeToString(raw),
				"messageId":  "m-1",
				"attributes": attributes,
			},
		})
		return body
	}
	decoder := WebhookDecoder()

	product, err := decoder.DecodeWebhook(context.Background(), core.WebhookEvent{
		Provider: ProviderID,
		Body: encode(DeveloperNotification{
			PackageName:                testPackage,
			OneTimeProductNotification: &OneTimeProductNotification{NotificationType: 1, PurchaseToken: "tok-1", SKU: "coins_500_x"},
		}, map[string]string{"profile_id": "p1", "game_id": "x"}),
	})
	if err != nil {
		t.Fatalf("decode product notification: %v", err)
	}
	if product.ProfileID != "p1" || product.GameID != "x" || product.ProductID != "coins_500_x" || product.Payload.PurchaseToken != "tok-1" {
		t.Fatalf("unexpected product request %#v", product)
	}

	subscription, err := decoder.DecodeWebhook(context.Background(), core.WebhookEvent{
		Provider:  ProviderID,
		ProfileID: "p2",
		Body: encode(DeveloperNotification{
			PackageName:              testPackage,
			SubscriptionNotification: &SubscriptionNotification{NotificationType: 2, PurchaseToken: "tok-2", SubscriptionID: "no_ads_monthly"},
		}, nil),
	})
	if err != nil {
		t.Fatalf("decode subscription notification: %v", err)
	}
	if subscription.ProfileID != "p2" || subscription.Payload.SubscriptionID != "no_ads_monthly" || subscription.Payload.ExportTarget != core.ExportTargetAndroid {
		t.Fatalf("unexpected subscription request %#v", subscription)
	}

	if _, err := decoder.DecodeWebhook(context.Background(), core.WebhookEvent{
		Body: encode(DeveloperNotification{PackageName: testPackage}, nil),
	}); err == nil {
		t.Fatalf("expected test notification without purchase to fail")
	}
	if _, err := decoder.DecodeWebhook(context.Background(), core.WebhookEvent{Body: []byte(`{"message":{}}`)}); err == nil {
		t.Fatalf("expected empty push data to fail")
	}
}
