package storeb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/goliatone/go-iap/core"
	androidpublisher "google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/option"
)

const ProviderID = core.ProviderStoreB

// Provider config keys read from core.ProviderConfig.
const (
	KeyPackageName        = "package_name"
	KeyServiceAccountJSON = "service_account_json"
	KeyAcknowledge        = "acknowledge"
)

// Product purchase states reported by products.get.
const (
	purchaseStatePurchased = 0
	purchaseStateCanceled  = 1
	purchaseStatePending   = 2
)

const paymentStatePending = 0

type Config struct {
	// Endpoint overrides the API base URL; it must end with a slash.
	Endpoint string
	// HTTPClient, when set, is used as is and service account credentials
	// are not required.
	HTTPClient *http.Client
}

func DefaultConfig() Config {
	return Config{}
}

// Verifier checks Google Play purchases through the Android Publisher API.
type Verifier struct {
	endpoint   string
	httpClient *http.Client

	mu       sync.Mutex
	services map[string]*androidpublisher.Service
}

func New(cfg Config) (*Verifier, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint != "" && !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}
	return &Verifier{
		endpoint:   endpoint,
		httpClient: cfg.HTTPClient,
		services:   map[string]*androidpublisher.Service{},
	}, nil
}

func (v *Verifier) VerifyPurchase(ctx context.Context, req core.VerifyRequest) (core.VerifiedPurchase, error) {
	if v == nil {
		return core.VerifiedPurchase{}, fmt.Errorf("providers/storeb: verifier is not configured")
	}
	packageName := req.ProviderConfig.Get(KeyPackageName)
	if packageName == "" {
		return core.VerifiedPurchase{}, fmt.Errorf("providers/storeb: package_name is required")
	}
	token := strings.TrimSpace(req.Payload.PurchaseToken)
	if token == "" {
		return core.VerifiedPurchase{}, fmt.Errorf("providers/storeb: purchase_token is required")
	}
	svc, err := v.service(ctx, req.ProviderConfig)
	if err != nil {
		return core.VerifiedPurchase{}, err
	}

	if req.CatalogEntry.IsSubscription() {
		subscriptionID := firstNonEmpty(req.Payload.SubscriptionID, req.CatalogEntry.ProductID, req.ProductID)
		return v.verifySubscription(ctx, svc, packageName, subscriptionID, token, req)
	}
	productID := firstNonEmpty(req.CatalogEntry.ProductID, req.ProductID)
	return v.verifyProduct(ctx, svc, packageName, productID, token, req)
}

func (v *Verifier) verifyProduct(
	ctx context.Context,
	svc *androidpublisher.Service,
	packageName string,
	productID string,
	token string,
	req core.VerifyRequest,
) (core.VerifiedPurchase, error) {
	purchase, err := svc.Purchases.Products.Get(packageName, productID, token).Context(ctx).Do()
	if err != nil {
		return core.VerifiedPurchase{}, fmt.Errorf("providers/storeb: products.get: %w", err)
	}
	switch purchase.PurchaseState {
	case purchaseStatePurchased:
	case purchaseStatePending:
		return core.VerifiedPurchase{}, fmt.Errorf("providers/storeb: purchase %s is pending", purchase.OrderId)
	case purchaseStateCanceled:
		return core.VerifiedPurchase{}, fmt.Errorf("providers/storeb: purchase %s was canceled", purchase.OrderId)
	default:
		return core.VerifiedPurchase{}, fmt.Errorf("providers/storeb: unknown purchase state %d", purchase.PurchaseState)
	}

	if purchase.AcknowledgementState == 0 && acknowledge(req.ProviderConfig) {
		if err := svc.Purchases.Products.Acknowledge(packageName, productID, token, &androidpublisher.ProductPurchasesAcknowledgeRequest{}).
			Context(ctx).
			Do(); err != nil {
			return core.VerifiedPurchase{}, fmt.Errorf("providers/storeb: products.acknowledge: %w", err)
		}
	}

	quantity := purchase.Quantity
	if quantity <= 0 {
		quantity = 1
	}
	return core.VerifiedPurchase{
		Provider:              ProviderID,
		ExternalTransactionID: firstNonEmpty(purchase.OrderId, tokenID(token)),
		Type:                  core.ProductTypeConsumable,
		GameID:                req.CatalogEntry.GameID,
		CoinsDelta:            req.CatalogEntry.Coins * quantity,
	}, nil
}

func (v *Verifier) verifySubscription(
	ctx context.Context,
	svc *androidpublisher.Service,
	packageName string,
	subscriptionID string,
	token string,
	req core.VerifyRequest,
) (core.VerifiedPurchase, error) {
	purchase, err := svc.Purchases.Subscriptions.Get(packageName, subscriptionID, token).Context(ctx).Do()
	if err != nil {
		return core.VerifiedPurchase{}, fmt.Errorf("providers/storeb: subscriptions.get: %w", err)
	}
	if purchase.PaymentState != nil && *purchase.PaymentState == paymentStatePending {
		return core.VerifiedPurchase{}, fmt.Errorf("providers/storeb: subscription payment for %s is pending", purchase.OrderId)
	}

	state := core.SubscriptionState{
		Provider:               ProviderID,
		ExternalSubscriptionID: tokenID(token),
	}
	if purchase.ExpiryTimeMillis > 0 {
		expiresAt := purchase.ExpiryTimeMillis / 1000
		state.ExpiresAt = &expiresAt
		state.Active = expiresAt > req.NowSeconds
	}
	switch {
	case !state.Active:
		state.Status = core.SubscriptionStatusExpired
	case !purchase.AutoRenewing:
		// Canceled but still inside the paid period.
		state.Status = core.SubscriptionStatusCanceled
	default:
		state.Status = core.SubscriptionStatusActive
	}

	return core.VerifiedPurchase{
		Provider:              ProviderID,
		ExternalTransactionID: firstNonEmpty(purchase.OrderId, tokenID(token)),
		Type:                  core.ProductTypeSubscription,
		Subscription:          &state,
	}, nil
}

// service builds one API client per credential set.
func (v *Verifier) service(ctx context.Context, cfg core.ProviderConfig) (*androidpublisher.Service, error) {
	credentials := cfg.Get(KeyServiceAccountJSON)
	if v.httpClient == nil && credentials == "" {
		return nil, fmt.Errorf("providers/storeb: service_account_json is required")
	}
	cacheKey := tokenID(credentials)

	v.mu.Lock()
	defer v.mu.Unlock()
	if svc, ok := v.services[cacheKey]; ok {
		return svc, nil
	}

	opts := []option.ClientOption{}
	if v.httpClient != nil {
		opts = append(opts, option.WithHTTPClient(v.httpClient))
	} else {
		opts = append(opts,
			option.WithCredentialsJSON([]byte(credentials)),
			option.WithScopes(androidpublisher.AndroidpublisherScope),
		)
	}
	if v.endpoint != "" {
		opts = append(opts, option.WithEndpoint(v.endpoint))
	}
	// The service outlives the request, so it is not bound to ctx cancellation.
	svc, err := androidpublisher.NewService(context.WithoutCancel(ctx), opts...)
	if err != nil {
		return nil, fmt.Errorf("providers/storeb: new android publisher service: %w", err)
	}
	v.services[cacheKey] = svc
	return svc, nil
}

func acknowledge(cfg core.ProviderConfig) bool {
	enabled, err := strconv.ParseBool(cfg.Get(KeyAcknowledge))
	return err == nil && enabled
}

// tokenID shortens a purchase token into a stable identifier.
func tokenID(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:16])
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
