package webwallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goliatone/go-iap/core"
	"github.com/goliatone/go-iap/webhooks"
)

const KeyWebhookID = "webhook_id"

const verifySignaturePath = "/v1/notifications/verify-webhook-signature"

// Event is a web wallet webhook notification.
type Event struct {
	ID        string        `json:"id"`
	EventType string        `json:"event_type"`
	Resource  EventResource `json:"resource"`
}

type EventResource struct {
	ID                 string `json:"id"`
	Status             string `json:"status"`
	CustomID           string `json:"custom_id"`
	Custom             string `json:"custom"`
	PlanID             string `json:"plan_id"`
	BillingAgreementID string `json:"billing_agreement_id"`
	SupplementaryData  struct {
		RelatedIDs struct {
			OrderID string `json:"order_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
}

// CustomID is the purchase context the checkout attaches as custom_id, in
// the form profile|product|game. The game segment is optional.
type CustomID struct {
	ProfileID string
	ProductID string
	GameID    string
}

func ParseCustomID(raw string) (CustomID, error) {
	parts := strings.Split(strings.TrimSpace(raw), "|")
	if len(parts) < 2 || len(parts) > 3 {
		return CustomID{}, fmt.Errorf("providers/webwallet: custom_id must be profile|product|game")
	}
	out := CustomID{
		ProfileID: strings.TrimSpace(parts[0]),
		ProductID: strings.TrimSpace(parts[1]),
	}
	if len(parts) == 3 {
		out.GameID = strings.TrimSpace(parts[2])
	}
	if out.ProfileID == "" || out.ProductID == "" {
		return CustomID{}, fmt.Errorf("providers/webwallet: custom_id requires profile and product")
	}
	return out, nil
}

func (c CustomID) String() string {
	if c.GameID == "" {
		return c.ProfileID + "|" + c.ProductID
	}
	return c.ProfileID + "|" + c.ProductID + "|" + c.GameID
}

// WebhookDecoder maps capture and subscription events onto a purchase
// request using the custom_id the checkout attached.
func WebhookDecoder() core.WebhookDecoder {
	return core.WebhookDecoderFunc(func(_ context.Context, event core.WebhookEvent) (core.VerifyPurchaseRequest, error) {
		var payload Event
		if err := json.Unmarshal(event.Body, &payload); err != nil {
			return core.VerifyPurchaseRequest{}, fmt.Errorf("providers/webwallet: decode event: %w", err)
		}
		custom, err := ParseCustomID(firstNonEmpty(payload.Resource.CustomID, payload.Resource.Custom))
		if err != nil {
			return core.VerifyPurchaseRequest{}, err
		}
		req := core.VerifyPurchaseRequest{
			ProfileID: custom.ProfileID,
			Provider:  ProviderID,
			ProductID: custom.ProductID,
			GameID:    custom.GameID,
			Payload:   core.PurchasePayload{ExportTarget: core.ExportTargetWeb},
		}
		eventType := strings.ToUpper(strings.TrimSpace(payload.EventType))
		switch {
		case strings.HasPrefix(eventType, "PAYMENT.CAPTURE."):
			req.Payload.OrderID = payload.Resource.SupplementaryData.RelatedIDs.OrderID
			if req.Payload.OrderID == "" {
				return core.VerifyPurchaseRequest{}, fmt.Errorf("providers/webwallet: capture event %s has no order id", payload.ID)
			}
		case strings.HasPrefix(eventType, "BILLING.SUBSCRIPTION."):
			req.Payload.SubscriptionID = payload.Resource.ID
		case eventType == "PAYMENT.SALE.COMPLETED":
			req.Payload.SubscriptionID = payload.Resource.BillingAgreementID
			if req.Payload.SubscriptionID == "" {
				return core.VerifyPurchaseRequest{}, fmt.Errorf("providers/webwallet: sale event %s has no subscription", payload.ID)
			}
		default:
			return core.VerifyPurchaseRequest{}, fmt.Errorf("providers/webwallet: unsupported event type %s", payload.EventType)
		}
		return req, nil
	})
}

// WebhookVerifier confirms a delivery with the verify-webhook-signature API
// using the transmission headers and the configured webhook id.
func (v *Verifier) WebhookVerifier(cfg core.ProviderConfig) webhooks.Verifier {
	return webhooks.VerifierFunc(func(ctx context.Context, req webhooks.Request) error {
		webhookID := cfg.Get(KeyWebhookID)
		if webhookID == "" {
			return fmt.Errorf("providers/webwallet: webhook_id is required")
		}
		if !json.Valid(req.Body) {
			return fmt.Errorf("providers/webwallet: webhook body is not json")
		}
		header := func(name string) string {
			for key, value := range req.Headers {
				if strings.EqualFold(key, name) {
					return strings.TrimSpace(value)
				}
			}
			return ""
		}
		body, err := json.Marshal(map[string]any{
			"auth_algo":         header("Paypal-Auth-Algo"),
			"cert_url":          header("Paypal-Cert-Url"),
			"transmission_id":   header("Paypal-Transmission-Id"),
			"transmission_sig":  header("Paypal-Transmission-Sig"),
			"transmission_time": header("Paypal-Transmission-Time"),
			"webhook_id":        webhookID,
			"webhook_event":     json.RawMessage(req.Body),
		})
		if err != nil {
			return err
		}

		base := v.baseFor(cfg)
		client, err := v.client(ctx, cfg, base)
		if err != nil {
			return err
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+verifySignaturePath, bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("providers/webwallet: verify webhook signature: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= http.StatusBadRequest {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("providers/webwallet: verify webhook signature: %s (%s)", resp.Status, strings.TrimSpace(string(raw)))
		}
		var result struct {
			VerificationStatus string `json:"verification_status"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return fmt.Errorf("providers/webwallet: decode verification: %w", err)
		}
		if !strings.EqualFold(result.VerificationStatus, "SUCCESS") {
			return fmt.Errorf("providers/webwallet: webhook signature %s", strings.ToLower(result.VerificationStatus))
		}
		return nil
	})
}

// NewWebhookTemplate verifies deliveries through the API and dedupes on the
// transmission id.
func (v *Verifier) NewWebhookTemplate(cfg core.ProviderConfig) webhooks.ProviderWebhookTemplate {
	template := webhooks.NewWebWalletWebhookTemplate("")
	template.Verifier = v.WebhookVerifier(cfg)
	return template
}
