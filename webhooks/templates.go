package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/goliatone/go-iap/core"
)

type ProviderWebhookTemplate struct {
	Provider  string
	Verifier  Verifier
	Extractor DeliveryIDExtractor
}

type HeaderHMACVerifier struct {
	Header   string
	Prefix   string
	Secret   string
	Encoding string // hex | base64
}

func (v HeaderHMACVerifier) Verify(_ context.Context, req Request) error {
	header := headerValue(req.Headers, v.Header)
	if header == "" {
		return fmt.Errorf("webhooks: %s signature header is required", strings.TrimSpace(v.Header))
	}
	secret := strings.TrimSpace(v.Secret)
	if secret == "" {
		return fmt.Errorf("webhooks: signature secret is required")
	}
	signature := strings.TrimSpace(strings.TrimPrefix(header, strings.TrimSpace(v.Prefix)))
	if signature == "" {
		return fmt.Errorf("webhooks: signature value is required")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(req.Body)
	expected := mac.Sum(nil)

	var (
		decoded []byte
		err     error
	)
	if strings.EqualFold(strings.TrimSpace(v.Encoding), "base64") {
		decoded, err = base64.StdEncoding.DecodeString(signature)
	} else {
		decoded, err = hex.DecodeString(signature)
	}
	if err != nil {
		return fmt.Errorf("webhooks: decode signature: %w", err)
	}
	if subtle.ConstantTimeCompare(decoded, expected) != 1 {
		return fmt.Errorf("webhooks: signature verification failed")
	}
	return nil
}

type HeaderTokenVerifier struct {
	Header string
	Token  string
}

func (v HeaderTokenVerifier) Verify(_ context.Context, req Request) error {
	expected := strings.TrimSpace(v.Token)
	if expected == "" {
		return fmt.Errorf("webhooks: verification token is required")
	}
	actual := headerValue(req.Headers, v.Header)
	if actual == "" {
		return fmt.Errorf("webhooks: %s verification header is required", strings.TrimSpace(v.Header))
	}
	if subtle.ConstantTimeCompare([]byte(actual), []byte(expected)) != 1 {
		return fmt.Errorf("webhooks: verification token mismatch")
	}
	return nil
}

func HeaderDeliveryIDExtractor(headers ...string) DeliveryIDExtractor {
	keys := append([]string(nil), headers...)
	return func(req Request) (string, error) {
		for _, key := range keys {
			if value := headerValue(req.Headers, key); value != "" {
				return value, nil
			}
		}
		return "", fmt.Errorf("webhooks: delivery id is required for dedupe")
	}
}

// BodyFieldExtractor reads a string or number at the dotted path of a JSON body.
func BodyFieldExtractor(path string) DeliveryIDExtractor {
	return func(req Request) (string, error) {
		var body map[string]any
		if err := json.Unmarshal(req.Body, &body); err != nil {
			return "", fmt.Errorf("webhooks: decode body: %w", err)
		}
		if value := lookupPath(body, path); value != "" {
			return value, nil
		}
		return "", fmt.Errorf("webhooks: body field %s is required for dedupe", path)
	}
}

// SignedPayloadFieldExtractor reads a field from the claims segment of a
// compact JWS carried in the JSON body. The signature is not checked here.
func SignedPayloadFieldExtractor(bodyField string, claim string) DeliveryIDExtractor {
	return func(req Request) (string, error) {
		var body map[string]any
		if err := json.Unmarshal(req.Body, &body); err != nil {
			return "", fmt.Errorf("webhooks: decode body: %w", err)
		}
		token := lookupPath(body, bodyField)
		parts := strings.Split(token, ".")
		if len(parts) != 3 {
			return "", fmt.Errorf("webhooks: %s is not a compact jws", bodyField)
		}
		raw, err := base64.RawURLEncoding.DecodeString(parts[1])
		if err != nil {
			return "", fmt.Errorf("webhooks: decode jws payload: %w", err)
		}
		var claims map[string]any
		if err := json.Unmarshal(raw, &claims); err != nil {
			return "", fmt.Errorf("webhooks: decode jws claims: %w", err)
		}
		if value := lookupPath(claims, claim); value != "" {
			return value, nil
		}
		return "", fmt.Errorf("webhooks: jws claim %s is required for dedupe", claim)
	}
}

func ChainDeliveryIDExtractors(extractors ...DeliveryIDExtractor) DeliveryIDExtractor {
	list := append([]DeliveryIDExtractor(nil), extractors...)
	return func(req Request) (string, error) {
		var lastErr error
		for _, extractor := range list {
			if extractor == nil {
				continue
			}
			deliveryID, err := extractor(req)
			if err == nil && strings.TrimSpace(deliveryID) != "" {
				return strings.TrimSpace(deliveryID), nil
			}
			if err != nil {
				lastErr = err
			}
		}
		if lastErr != nil {
			return "", lastErr
		}
		return "", fmt.Errorf("webhooks: delivery id is required for dedupe")
	}
}

// NewStoreAWebhookTemplate handles signed server notifications. The verifier
// checks the signedPayload chain and is supplied by the store A adapter.
func NewStoreAWebhookTemplate(verifier Verifier) ProviderWebhookTemplate {
	return ProviderWebhookTemplate{
		Provider:  core.ProviderStoreA,
		Verifier:  verifier,
		Extractor: SignedPayloadFieldExtractor("signedPayload", "notificationUUID"),
	}
}

// NewStoreBWebhookTemplate handles push subscription deliveries authenticated
// by a channel token.
func NewStoreBWebhookTemplate(channelToken string) ProviderWebhookTemplate {
	return ProviderWebhookTemplate{
		Provider: core.ProviderStoreB,
		Verifier: HeaderTokenVerifier{
			Header: "X-Goog-Channel-Token",
			Token:  strings.TrimSpace(channelToken),
		},
		Extractor: ChainDeliveryIDExtractors(
			BodyFieldExtractor("message.messageId"),
			HeaderDeliveryIDExtractor("X-Goog-Message-Number"),
		),
	}
}

func NewWebWalletWebhookTemplate(sharedToken string) ProviderWebhookTemplate {
	return ProviderWebhookTemplate{
		Provider: core.ProviderWebWallet,
		Verifier: HeaderTokenVerifier{
			Header: "X-Webhook-Token",
			Token:  strings.TrimSpace(sharedToken),
		},
		Extractor: ChainDeliveryIDExtractors(
			HeaderDeliveryIDExtractor("Paypal-Transmission-Id"),
			BodyFieldExtractor("id"),
		),
	}
}

// NewHMACWebhookTemplate expects a hex sha256 HMAC of the raw body in
// X-IAP-Signature, as sent by a relay that forwards store notifications.
func NewHMACWebhookTemplate(provider string, secret string) ProviderWebhookTemplate {
	return ProviderWebhookTemplate{
		Provider: strings.TrimSpace(provider),
		Verifier: HeaderHMACVerifier{
			Header:   "X-IAP-Signature",
			Prefix:   "sha256=",
			Secret:   strings.TrimSpace(secret),
			Encoding: "hex",
		},
		Extractor: HeaderDeliveryIDExtractor("X-Delivery-Id"),
	}
}

// TemplateSet routes verification and delivery id extraction by provider.
type TemplateSet struct {
	templates map[string]ProviderWebhookTemplate
}

func NewTemplateSet(templates ...ProviderWebhookTemplate) (*TemplateSet, error) {
	set := &TemplateSet{templates: map[string]ProviderWebhookTemplate{}}
	for _, template := range templates {
		provider, err := core.NormalizeProvider(template.Provider)
		if err != nil {
			return nil, err
		}
		if _, exists := set.templates[provider]; exists {
			return nil, fmt.Errorf("webhooks: duplicate template for %s", provider)
		}
		template.Provider = provider
		set.templates[provider] = template
	}
	return set, nil
}

func (s *TemplateSet) Verify(ctx context.Context, req Request) error {
	template, err := s.lookup(req.Provider)
	if err != nil {
		return err
	}
	if template.Verifier == nil {
		return nil
	}
	return template.Verifier.Verify(ctx, req)
}

func (s *TemplateSet) ExtractDeliveryID(req Request) (string, error) {
	template, err := s.lookup(req.Provider)
	if err != nil {
		return "", err
	}
	if template.Extractor == nil {
		return DefaultDeliveryIDExtractor(req)
	}
	return ChainDeliveryIDExtractors(DefaultDeliveryIDExtractor, template.Extractor)(req)
}

func (s *TemplateSet) lookup(provider string) (ProviderWebhookTemplate, error) {
	normalized, err := core.NormalizeProvider(provider)
	if err != nil {
		return ProviderWebhookTemplate{}, err
	}
	if s != nil {
		if template, ok := s.templates[normalized]; ok {
			return template, nil
		}
	}
	return ProviderWebhookTemplate{}, fmt.Errorf("webhooks: no template registered for %s", normalized)
}

func lookupPath(values map[string]any, path string) string {
	var current any = values
	for _, part := range strings.Split(strings.TrimSpace(path), ".") {
		object, ok := current.(map[string]any)
		if !ok {
			return ""
		}
		current = object[part]
	}
	switch typed := current.(type) {
	case string:
		return strings.TrimSpace(typed)
	case json.Number:
		return typed.String()
	case float64:
		return fmt.Sprintf("%.0f", typed)
	default:
		return ""
	}
}
