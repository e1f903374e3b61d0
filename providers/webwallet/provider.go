package webwallet

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-iap/core"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	ProviderID = core.ProviderWebWallet

	DefaultBaseURL = "https://api-m.paypal.com"
	tokenPath      = "/v1/oauth2/token"
)

// Provider config keys read from core.ProviderConfig.
const (
	KeyClientID     = "client_id"
	KeyClientSecret = "client_secret"
	KeyBaseURL      = "base_url"
)

const (
	statusCompleted = "COMPLETED"
	statusActive    = "ACTIVE"
)

type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Now        func() time.Time
}

func DefaultConfig() Config {
	return Config{
		BaseURL:    DefaultBaseURL,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Verifier checks web wallet orders and subscriptions with an app token
// minted through the client credentials grant.
type Verifier struct {
	baseURL    string
	httpClient *http.Client
	now        func() time.Time

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

func New(cfg Config) (*Verifier, error) {
	defaults := DefaultConfig()
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaults.BaseURL
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("providers/webwallet: invalid base url %q: %w", baseURL, err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = defaults.HTTPClient
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Verifier{
		baseURL:    baseURL,
		httpClient: httpClient,
		now:        now,
		sources:    map[string]oauth2.TokenSource{},
	}, nil
}

func (v *Verifier) VerifyPurchase(ctx context.Context, req core.VerifyRequest) (core.VerifiedPurchase, error) {
	if v == nil {
		return core.VerifiedPurchase{}, fmt.Errorf("providers/webwallet: verifier is not configured")
	}
	if req.CatalogEntry.IsSubscription() {
		return v.verifySubscription(ctx, req)
	}
	return v.verifyOrder(ctx, req)
}

func (v *Verifier) verifyOrder(ctx context.Context, req core.VerifyRequest) (core.VerifiedPurchase, error) {
	orderID := strings.TrimSpace(req.Payload.OrderID)
	if orderID == "" {
		return core.VerifiedPurchase{}, fmt.Errorf("providers/webwallet: order_id is required")
	}
	var order Order
	if err := v.get(ctx, req.ProviderConfig, "/v2/checkout/orders/"+url.PathEscape(orderID), &order); err != nil {
		return core.VerifiedPurchase{}, err
	}
	if !strings.EqualFold(order.Status, statusCompleted) {
		return core.VerifiedPurchase{}, fmt.Errorf("providers/webwallet: order %s is %s", orderID, order.Status)
	}
	capture, ok := order.completedCapture()
	if !ok {
		return core.VerifiedPurchase{}, fmt.Errorf("providers/webwallet: order %s has no completed capture", orderID)
	}

	entry := req.CatalogEntry
	if entry.Price != "" && !core.PriceMatches(entry.Price, capture.Amount.Value) {
		return core.VerifiedPurchase{}, fmt.Errorf("providers/webwallet: captured amount %s does not match price %s", capture.Amount.Value, entry.Price)
	}
	if entry.Currency != "" && !strings.EqualFold(entry.Currency, capture.Amount.CurrencyCode) {
		return core.VerifiedPurchase{}, fmt.Errorf("providers/webwallet: captured currency %s does not match %s", capture.Amount.CurrencyCode, entry.Currency)
	}

	return core.VerifiedPurchase{
		Provider:              ProviderID,
		ExternalTransactionID: firstNonEmpty(capture.ID, order.ID),
		Type:                  core.ProductTypeConsumable,
		GameID:                entry.GameID,
		CoinsDelta:            entry.Coins,
	}, nil
}

func (v *Verifier) verifySubscription(ctx context.Context, req core.VerifyRequest) (core.VerifiedPurchase, error) {
	subscriptionID := firstNonEmpty(req.Payload.SubscriptionID, req.Payload.OrderID)
	if subscriptionID == "" {
		return core.VerifiedPurchase{}, fmt.Errorf("providers/webwallet: subscription_id is required")
	}
	var subscription Subscription
	if err := v.get(ctx, req.ProviderConfig, "/v1/billing/subscriptions/"+url.PathEscape(subscriptionID), &subscription); err != nil {
		return core.VerifiedPurchase{}, err
	}
	if plan := strings.TrimSpace(req.CatalogEntry.Plan); plan != "" && subscription.PlanID != plan {
		return core.VerifiedPurchase{}, fmt.Errorf("providers/webwallet: subscription plan %s does not match %s", subscription.PlanID, plan)
	}

	state := core.SubscriptionState{
		Provider:               ProviderID,
		ExternalSubscriptionID: subscription.ID,
	}
	switch strings.ToUpper(subscription.Status) {
	case statusActive:
		state.Status = core.SubscriptionStatusActive
		state.Active = true
	case "APPROVAL_PENDING", "APPROVED":
		return core.VerifiedPurchase{}, fmt.Errorf("providers/webwallet: subscription %s is not yet active", subscription.ID)
	case "SUSPENDED":
		state.Status = core.SubscriptionStatusPending
	case "CANCELLED":
		state.Status = core.SubscriptionStatusCanceled
	default:
		state.Status = core.SubscriptionStatusExpired
	}
	if next, err := time.Parse(time.RFC3339, subscription.BillingInfo.NextBillingTime); err == nil {
		expiresAt := next.Unix()
		state.ExpiresAt = &expiresAt
		now := req.NowSeconds
		if now <= 0 {
			now = v.now().Unix()
		}
		if state.Active && expiresAt <= now {
			state.Active = false
			state.Status = core.SubscriptionStatusExpired
		}
	}

	// Each billing cycle is a separate ledger entry.
	externalID := subscription.ID
	if paid := strings.TrimSpace(subscription.BillingInfo.LastPayment.Time); paid != "" {
		externalID += ":" + paid
	}
	return core.VerifiedPurchase{
		Provider:              ProviderID,
		ExternalTransactionID: externalID,
		Type:                  core.ProductTypeSubscription,
		Subscription:          &state,
	}, nil
}

func (v *Verifier) get(ctx context.Context, cfg core.ProviderConfig, path string, out any) error {
	base := v.baseFor(cfg)
	client, err := v.client(ctx, cfg, base)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("providers/webwallet: GET %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("providers/webwallet: GET %s: %s (%s)", path, resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("providers/webwallet: decode %s: %w", path, err)
	}
	return nil
}

// client returns an HTTP client that carries a cached app token for the
// credential set.
func (v *Verifier) client(ctx context.Context, cfg core.ProviderConfig, base string) (*http.Client, error) {
	clientID := cfg.Get(KeyClientID)
	clientSecret := cfg.Get(KeyClientSecret)
	if clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("providers/webwallet: client_id and client_secret are required")
	}
	key := base + "|" + clientID + "|" + clientSecret

	v.mu.Lock()
	source, ok := v.sources[key]
	if !ok {
		credentials := clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     base + tokenPath,
			AuthStyle:    oauth2.AuthStyleInHeader,
		}
		tokenCtx := context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, v.httpClient)
		source = credentials.TokenSource(tokenCtx)
		v.sources[key] = source
	}
	v.mu.Unlock()

	transport := v.httpClient.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &http.Client{
		Timeout: v.httpClient.Timeout,
		Transport: &oauth2.Transport{
			Source: source,
			Base:   transport,
		},
	}, nil
}

func (v *Verifier) baseFor(cfg core.ProviderConfig) string {
	if base := strings.TrimRight(cfg.Get(KeyBaseURL), "/"); base != "" {
		return base
	}
	return v.baseURL
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
