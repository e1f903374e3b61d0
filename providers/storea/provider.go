package storea

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/goliatone/go-iap/core"
)

const (
	ProviderID = core.ProviderStoreA

	DefaultProductionURL = "https://api.storekit.itunes.apple.com"
	DefaultSandboxURL    = "https://api.storekit-sandbox.itunes.apple.com"

	tokenAudience = "appstoreconnect-v1"
	tokenTTL      = 10 * time.Minute
)

const (
	EnvironmentProduction = "production"
	EnvironmentSandbox    = "sandbox"
)

// Provider config keys read from core.ProviderConfig.
const (
	KeyIssuerID        = "issuer_id"
	KeyKeyID           = "key_id"
	KeyPrivateKey      = "private_key"
	KeyBundleID        = "bundle_id"
	KeySandboxFallback = "sandbox_fallback"
	KeyEnvironment     = "environment"
)

var ErrTransactionNotFound = errors.New("providers/storea: transaction not found")

type Config struct {
	ProductionURL string
	SandboxURL    string
	HTTPClient    *http.Client
	// Roots anchors the x5c chain of signed payloads. Nil pins the Apple
	// Root CA - G3.
	Roots *x509.CertPool
	Now   func() time.Time
}

func DefaultConfig() Config {
	return Config{
		ProductionURL: DefaultProductionURL,
		SandboxURL:    DefaultSandboxURL,
		HTTPClient:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Verifier checks App Store purchases through the App Store Server API or a
// signed transaction supplied by the client.
type Verifier struct {
	productionURL string
	sandboxURL    string
	client        *http.Client
	roots         *x509.CertPool
	now           func() time.Time

	mu   sync.Mutex
	keys map[string]*ecdsa.PrivateKey
}

func New(cfg Config) (*Verifier, error) {
	defaults := DefaultConfig()
	productionURL := strings.TrimRight(strings.TrimSpace(cfg.ProductionURL), "/")
	if productionURL == "" {
		productionURL = defaults.ProductionURL
	}
	sandboxURL := strings.TrimRight(strings.TrimSpace(cfg.SandboxURL), "/")
	if sandboxURL == "" {
		sandboxURL = defaults.SandboxURL
	}
	for _, raw := range []string{productionURL, sandboxURL} {
		if _, err := url.ParseRequestURI(raw); err != nil {
			return nil, fmt.Errorf("providers/storea: invalid api url %q: %w", raw, err)
		}
	}
	client := cfg.HTTPClient
	if client == nil {
		client = defaults.HTTPClient
	}
	roots := cfg.Roots
	if roots == nil {
		pool, err := AppleRootPool()
		if err != nil {
			return nil, err
		}
		roots = pool
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Verifier{
		productionURL: productionURL,
		sandboxURL:    sandboxURL,
		client:        client,
		roots:         roots,
		now:           now,
		keys:          map[string]*ecdsa.PrivateKey{},
	}, nil
}

func (v *Verifier) VerifyPurchase(ctx context.Context, req core.VerifyRequest) (core.VerifiedPurchase, error) {
	if v == nil {
		return core.VerifiedPurchase{}, fmt.Errorf("providers/storea: verifier is not configured")
	}

	var (
		txn Transaction
		err error
	)
	if signed := strings.TrimSpace(req.Payload.Receipt); isCompactJWS(signed) {
		txn, err = v.DecodeSignedTransaction(signed)
	} else {
		txn, err = v.LookupTransaction(ctx, req.ProviderConfig, transactionID(req.Payload))
	}
	if err != nil {
		return core.VerifiedPurchase{}, err
	}
	if err := checkTransaction(txn, req); err != nil {
		return core.VerifiedPurchase{}, err
	}

	out := core.VerifiedPurchase{
		Provider:              ProviderID,
		ExternalTransactionID: txn.TransactionID,
		Type:                  req.CatalogEntry.Type,
		GameID:                req.CatalogEntry.GameID,
	}
	if req.CatalogEntry.IsConsumable() {
		quantity := txn.Quantity
		if quantity <= 0 {
			quantity = 1
		}
		out.CoinsDelta = req.CatalogEntry.Coins * quantity
		return out, nil
	}

	expiresAt := txn.ExpiresDate / 1000
	active := txn.ExpiresDate > 0 && expiresAt > req.NowSeconds
	status := core.SubscriptionStatusExpired
	if active {
		status = core.SubscriptionStatusActive
	}
	out.Subscription = &core.SubscriptionState{
		Provider:               ProviderID,
		ExternalSubscriptionID: firstNonEmpty(txn.OriginalTransactionID, txn.TransactionID),
		Status:                 status,
		Active:                 active,
	}
	if txn.ExpiresDate > 0 {
		out.Subscription.ExpiresAt = &expiresAt
	}
	return out, nil
}

// LookupTransaction fetches signedTransactionInfo from the Server API. A
// production miss falls back to sandbox unless sandbox_fallback is "false".
func (v *Verifier) LookupTransaction(ctx context.Context, cfg core.ProviderConfig, id string) (Transaction, error) {
	if v == nil {
		return Transaction{}, fmt.Errorf("providers/storea: verifier is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Transaction{}, fmt.Errorf("providers/storea: transaction_id is required")
	}
	token, err := v.bearerToken(cfg)
	if err != nil {
		return Transaction{}, err
	}

	environments := []string{EnvironmentProduction}
	if strings.EqualFold(cfg.Get(KeyEnvironment), EnvironmentSandbox) {
		environments = []string{EnvironmentSandbox}
	} else if sandboxFallback(cfg) {
		environments = append(environments, EnvironmentSandbox)
	}

	var lastErr error
	for _, environment := range environments {
		signed, err := v.fetchSignedTransaction(ctx, token, environment, id)
		if errors.Is(err, ErrTransactionNotFound) {
			lastErr = err
			continue
		}
		if err != nil {
			return Transaction{}, err
		}
		txn, err := v.DecodeSignedTransaction(signed)
		if err != nil {
			return Transaction{}, err
		}
		if txn.TransactionID != id {
			return Transaction{}, fmt.Errorf("providers/storea: transaction id mismatch: expected %s got %s", id, txn.TransactionID)
		}
		if txn.Environment == "" {
			txn.Environment = environment
		}
		return txn, nil
	}
	return Transaction{}, lastErr
}

func (v *Verifier) fetchSignedTransaction(ctx context.Context, token string, environment string, id string) (string, error) {
	base := v.productionURL
	if environment == EnvironmentSandbox {
		base = v.sandboxURL
	}
	endpoint := fmt.Sprintf("%s/inApps/v1/transactions/%s", base, url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("providers/storea: %s lookup: %w", environment, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("%w in %s", ErrTransactionNotFound, environment)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("providers/storea: %s lookup: %s (%s)", environment, resp.Status, strings.TrimSpace(string(body)))
	}

	var body struct {
		SignedTransactionInfo string `json:"signedTransactionInfo"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("providers/storea: decode lookup response: %w", err)
	}
	if strings.TrimSpace(body.SignedTransactionInfo) == "" {
		return "", fmt.Errorf("providers/storea: empty signedTransactionInfo")
	}
	return body.SignedTransactionInfo, nil
}

func (v *Verifier) bearerToken(cfg core.ProviderConfig) (string, error) {
	issuerID := cfg.Get(KeyIssuerID)
	keyID := cfg.Get(KeyKeyID)
	if issuerID == "" || keyID == "" || cfg.Get(KeyPrivateKey) == "" {
		return "", fmt.Errorf("providers/storea: issuer_id, key_id and private_key are required")
	}
	key, err := v.signingKey(keyID, cfg.Get(KeyPrivateKey))
	if err != nil {
		return "", err
	}

	now := v.now().UTC()
	claims := jwt.MapClaims{
		"iss": issuerID,
		"iat": now.Unix(),
		"exp": now.Add(tokenTTL).Unix(),
		"aud": tokenAudience,
	}
	if bundleID := cfg.Get(KeyBundleID); bundleID != "" {
		claims["bid"] = bundleID
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = keyID
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("providers/storea: sign api token: %w", err)
	}
	return signed, nil
}

// signingKey parses each private key once per key id.
func (v *Verifier) signingKey(keyID string, pemKey string) (*ecdsa.PrivateKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	cacheKey := keyID + "|" + pemKey
	if key, ok := v.keys[cacheKey]; ok {
		return key, nil
	}
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(strings.ReplaceAll(pemKey, `\n`, "\n")))
	if err != nil {
		return nil, fmt.Errorf("providers/storea: parse private key: %w", err)
	}
	v.keys[cacheKey] = key
	return key, nil
}

func checkTransaction(txn Transaction, req core.VerifyRequest) error {
	if err := matchBundle(req.ProviderConfig.Get(KeyBundleID), txn.BundleID); err != nil {
		return err
	}
	if core.NormalizeProductID(txn.ProductID) != core.NormalizeProductID(req.ProductID) {
		return fmt.Errorf("providers/storea: product mismatch: expected %s got %s", req.ProductID, txn.ProductID)
	}
	if txn.RevocationDate > 0 {
		return fmt.Errorf("providers/storea: transaction %s was revoked", txn.TransactionID)
	}
	if strings.TrimSpace(txn.TransactionID) == "" {
		return fmt.Errorf("providers/storea: transaction id missing from signed payload")
	}
	return nil
}

// matchBundle fails closed: an unconfigured or absent bundle id is rejected.
func matchBundle(expected, actual string) error {
	expected = strings.TrimSpace(expected)
	if expected == "" {
		return fmt.Errorf("providers/storea: %s is required", KeyBundleID)
	}
	if actual = strings.TrimSpace(actual); actual != expected {
		return fmt.Errorf("providers/storea: bundle id mismatch: %q", actual)
	}
	return nil
}

func transactionID(payload core.PurchasePayload) string {
	if id := strings.TrimSpace(payload.TransactionID); id != "" {
		return id
	}
	if raw, ok := payload.Fields["transaction_id"]; ok {
		switch typed := raw.(type) {
		case string:
			return strings.TrimSpace(typed)
		case float64:
			return strconv.FormatFloat(typed, 'f', 0, 64)
		}
	}
	return strings.TrimSpace(payload.OrderID)
}

func sandboxFallback(cfg core.ProviderConfig) bool {
	raw := cfg.Get(KeySandboxFallback)
	if raw == "" {
		return true
	}
	enabled, err := strconv.ParseBool(raw)
	if err != nil {
		return true
	}
	return enabled
}

func isCompactJWS(value string) bool {
	return strings.Count(value, ".") == 2 && !strings.ContainsAny(value, " \n")
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
