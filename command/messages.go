package command

import (
	"strings"

	"github.com/goliatone/go-iap/core"
)

const (
	TypeVerifyPurchase    = "iap.command.purchase.verify"
	TypeApplyWebhookEvent = "iap.command.webhook.apply"
	TypeAdjustCoins       = "iap.command.coins.adjust"
	TypeMergeProfiles     = "iap.command.profiles.merge"
)

type VerifyPurchaseMessage struct {
	Request core.VerifyPurchaseRequest
}

func (VerifyPurchaseMessage) Type() string { return TypeVerifyPurchase }

func (m VerifyPurchaseMessage) Validate() error {
	if strings.TrimSpace(m.Request.ProfileID) == "" {
		return commandValidationError("profile_id", "profile id is required")
	}
	if strings.TrimSpace(m.Request.Provider) == "" {
		return commandValidationError("provider", "provider is required")
	}
	if strings.TrimSpace(m.Request.ProductID) == "" {
		return commandValidationError("product_id", "product id is required")
	}
	return nil
}

type ApplyWebhookEventMessage struct {
	Event core.WebhookEvent
}

func (ApplyWebhookEventMessage) Type() string { return TypeApplyWebhookEvent }

func (m ApplyWebhookEventMessage) Validate() error {
	if strings.TrimSpace(m.Event.Provider) == "" {
		return commandValidationError("provider", "provider is required")
	}
	if len(m.Event.Body) == 0 && strings.TrimSpace(m.Event.ProductID) == "" {
		return commandValidationError("body", "webhook body or product id is required")
	}
	return nil
}

type AdjustCoinsMessage struct {
	Request core.AdjustCoinsRequest
}

func (AdjustCoinsMessage) Type() string { return TypeAdjustCoins }

func (m AdjustCoinsMessage) Validate() error {
	if strings.TrimSpace(m.Request.ProfileID) == "" {
		return commandValidationError("profile_id", "profile id is required")
	}
	if strings.TrimSpace(m.Request.GameID) == "" {
		return commandValidationError("game_id", "game id is required")
	}
	if m.Request.Delta == 0 {
		return commandValidationError("delta", "delta must not be zero")
	}
	if strings.TrimSpace(m.Request.IdempotencyKey) == "" {
		return commandValidationError("idempotency_key", "idempotency key is required")
	}
	return nil
}

type MergeProfilesMessage struct {
	PrimaryProfileID   string
	SecondaryProfileID string
}

func (MergeProfilesMessage) Type() string { return TypeMergeProfiles }

func (m MergeProfilesMessage) Validate() error {
	if strings.TrimSpace(m.PrimaryProfileID) == "" {
		return commandValidationError("primary_profile_id", "primary profile id is required")
	}
	if strings.TrimSpace(m.SecondaryProfileID) == "" {
		return commandValidationError("secondary_profile_id", "secondary profile id is required")
	}
	return nil
}
