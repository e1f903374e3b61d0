package storea

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/goliatone/go-iap/core"
	"github.com/goliatone/go-iap/webhooks"
)

type notificationBody struct {
	SignedPayload string `json:"signedPayload"`
}

// WebhookVerifier checks the signedPayload chain of a server notification
// and that it belongs to bundleID. An empty bundleID rejects every delivery.
func (v *Verifier) WebhookVerifier(bundleID string) webhooks.Verifier {
	bundleID = strings.TrimSpace(bundleID)
	return webhooks.VerifierFunc(func(_ context.Context, req webhooks.Request) error {
		notification, err := v.decodeNotificationBody(req.Body)
		if err != nil {
			return err
		}
		return matchBundle(bundleID, notification.Data.BundleID)
	})
}

func (v *Verifier) NewWebhookTemplate(bundleID string) webhooks.ProviderWebhookTemplate {
	return webhooks.NewStoreAWebhookTemplate(v.WebhookVerifier(bundleID))
}

// WebhookDecoder maps a server notification onto a purchase request. The
// profile defaults to the transaction appAccountToken.
func (v *Verifier) WebhookDecoder() core.WebhookDecoder {
	return core.WebhookDecoderFunc(func(_ context.Context, event core.WebhookEvent) (core.VerifyPurchaseRequest, error) {
		notification, err := v.decodeNotificationBody(event.Body)
		if err != nil {
			return core.VerifyPurchaseRequest{}, err
		}
		signed := strings.TrimSpace(notification.Data.SignedTransactionInfo)
		if signed == "" {
			return core.VerifyPurchaseRequest{}, fmt.Errorf("providers/storea: %s notification carries no transaction", notification.NotificationType)
		}
		txn, err := v.DecodeSignedTransaction(signed)
		if err != nil {
			return core.VerifyPurchaseRequest{}, err
		}
		return core.VerifyPurchaseRequest{
			ProfileID: firstNonEmpty(event.ProfileID, txn.AppAccountToken),
			Provider:  ProviderID,
			ProductID: firstNonEmpty(event.ProductID, txn.ProductID),
			GameID:    event.GameID,
			Payload: core.PurchasePayload{
				Receipt:       signed,
				TransactionID: txn.TransactionID,
				ExportTarget:  core.ExportTargetIOS,
			},
		}, nil
	})
}

func (v *Verifier) decodeNotificationBody(body []byte) (Notification, error) {
	var envelope notificationBody
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Notification{}, fmt.Errorf("providers/storea: decode notification body: %w", err)
	}
	if strings.TrimSpace(envelope.SignedPayload) == "" {
		return Notification{}, fmt.Errorf("providers/storea: signedPayload is required")
	}
	return v.DecodeNotification(envelope.SignedPayload)
}
