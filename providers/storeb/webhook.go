package storeb

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/goliatone/go-iap/core"
	"github.com/goliatone/go-iap/webhooks"
)

// pushEnvelope is a Pub/Sub push delivery of a developer notification.
type pushEnvelope struct {
	Message struct {
		Data       string            `json:"data"`
		MessageID  string            `json:"messageId"`
		Attributes map[string]string `json:"attributes"`
	} `json:"message"`
}

type DeveloperNotification struct {
	PackageName                string                      `json:"packageName"`
	OneTimeProductNotification *OneTimeProductNotification `json:"oneTimeProductNotification,omitempty"`
	SubscriptionNotification   *SubscriptionNotification   `json:"subscriptionNotification,omitempty"`
}

type OneTimeProductNotification struct {
	NotificationType int    `json:"notificationType"`
	PurchaseToken    string `json:"purchaseToken"`
	SKU              string `json:"sku"`
}

type SubscriptionNotification struct {
	NotificationType int    `json:"notificationType"`
	PurchaseToken    string `json:"purchaseToken"`
	SubscriptionID   string `json:"subscriptionId"`
}

func DecodeDeveloperNotification(body []byte) (DeveloperNotification, map[string]string, error) {
	var envelope pushEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return DeveloperNotification{}, nil, fmt.Errorf("providers/storeb: decode push envelope: %w", err)
	}
	data := strings.TrimSpace(envelope.Message.Data)
	if data == "" {
		return DeveloperNotification{}, nil, fmt.Errorf("providers/storeb: push message data is required")
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return DeveloperNotification{}, nil, fmt.Errorf("providers/storeb: decode push data: %w", err)
	}
	var notification DeveloperNotification
	if err := json.Unmarshal(raw, &notification); err != nil {
		return DeveloperNotification{}, nil, fmt.Errorf("providers/storeb: decode developer notification: %w", err)
	}
	return notification, envelope.Message.Attributes, nil
}

// WebhookDecoder maps a developer notification onto a purchase request. The
// profile comes from the event or the profile_id message attribute.
func WebhookDecoder() core.WebhookDecoder {
	return core.WebhookDecoderFunc(func(_ context.Context, event core.WebhookEvent) (core.VerifyPurchaseRequest, error) {
		notification, attributes, err := DecodeDeveloperNotification(event.Body)
		if err != nil {
			return core.VerifyPurchaseRequest{}, err
		}
		req := core.VerifyPurchaseRequest{
			ProfileID: firstNonEmpty(event.ProfileID, attributes["profile_id"]),
			Provider:  ProviderID,
			GameID:    firstNonEmpty(event.GameID, attributes["game_id"]),
			Payload:   core.PurchasePayload{ExportTarget: core.ExportTargetAndroid},
		}
		switch {
		case notification.OneTimeProductNotification != nil:
			req.ProductID = notification.OneTimeProductNotification.SKU
			req.Payload.PurchaseToken = notification.OneTimeProductNotification.PurchaseToken
		case notification.SubscriptionNotification != nil:
			req.ProductID = notification.SubscriptionNotification.SubscriptionID
			req.Payload.PurchaseToken = notification.SubscriptionNotification.PurchaseToken
			req.Payload.SubscriptionID = notification.SubscriptionNotification.SubscriptionID
		default:
			return core.VerifyPurchaseRequest{}, fmt.Errorf("providers/storeb: notification carries no purchase")
		}
		if strings.TrimSpace(event.ProductID) != "" {
			req.ProductID = event.ProductID
		}
		return req, nil
	})
}

func NewWebhookTemplate(channelToken string) webhooks.ProviderWebhookTemplate {
	return webhooks.NewStoreBWebhookTemplate(channelToken)
}
