package webhooks

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/goliatone/go-iap/core"
)

// ServiceHandler applies a verified delivery to the entitlement service.
// Metadata keys profile_id, product_id and game_id override the body.
type ServiceHandler struct {
	Service core.EntitlementService
}

func NewServiceHandler(service core.EntitlementService) *ServiceHandler {
	return &ServiceHandler{Service: service}
}

func (h *ServiceHandler) Handle(ctx context.Context, req Request) (Result, error) {
	if h == nil || h.Service == nil {
		return Result{}, fmt.Errorf("webhooks: service handler requires an entitlement service")
	}
	event := core.WebhookEvent{
		Provider:   req.Provider,
		DeliveryID: metadataString(req.Metadata, "delivery_id"),
		ProfileID:  metadataString(req.Metadata, "profile_id"),
		ProductID:  metadataString(req.Metadata, "product_id"),
		GameID:     metadataString(req.Metadata, "game_id"),
		Body:       req.Body,
		Headers:    req.Headers,
	}
	applied, err := h.Service.ApplyWebhookEvent(ctx, event)
	if err != nil {
		return Result{StatusCode: statusCodeFor(err)}, err
	}
	return Result{
		Accepted:   true,
		StatusCode: http.StatusOK,
		Metadata: map[string]any{
			"profile_id":              applied.Entitlements.ProfileID,
			"product_id":              applied.Purchase.ProductID,
			"external_transaction_id": applied.Purchase.ExternalTransactionID,
			"deduplicated":            applied.Deduplicated,
		},
	}, nil
}

func metadataString(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	value, ok := metadata[key]
	if !ok || value == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(value))
}
