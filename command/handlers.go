package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-iap/core"
)

type MutatingService interface {
	VerifyPurchase(ctx context.Context, req core.VerifyPurchaseRequest) (core.VerifyPurchaseResult, error)
	ApplyWebhookEvent(ctx context.Context, event core.WebhookEvent) (core.VerifyPurchaseResult, error)
	AdjustCoins(ctx context.Context, req core.AdjustCoinsRequest) (core.AdjustCoinsResult, error)
	MergeProfiles(ctx context.Context, primaryProfileID string, secondaryProfileID string) (core.MergeResult, error)
}

type VerifyPurchaseCommand struct {
	service MutatingService
}

func NewVerifyPurchaseCommand(service MutatingService) *VerifyPurchaseCommand {
	return &VerifyPurchaseCommand{service: service}
}

func (c *VerifyPurchaseCommand) Execute(ctx context.Context, msg VerifyPurchaseMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: purchase service is required")
	}
	out, err := c.service.VerifyPurchase(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type ApplyWebhookEventCommand struct {
	service MutatingService
}

func NewApplyWebhookEventCommand(service MutatingService) *ApplyWebhookEventCommand {
	return &ApplyWebhookEventCommand{service: service}
}

func (c *ApplyWebhookEventCommand) Execute(ctx context.Context, msg ApplyWebhookEventMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: webhook service is required")
	}
	out, err := c.service.ApplyWebhookEvent(ctx, msg.Event)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type AdjustCoinsCommand struct {
	service MutatingService
}

func NewAdjustCoinsCommand(service MutatingService) *AdjustCoinsCommand {
	return &AdjustCoinsCommand{service: service}
}

func (c *AdjustCoinsCommand) Execute(ctx context.Context, msg AdjustCoinsMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: coin service is required")
	}
	out, err := c.service.AdjustCoins(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type MergeProfilesCommand struct {
	service MutatingService
}

func NewMergeProfilesCommand(service MutatingService) *MergeProfilesCommand {
	return &MergeProfilesCommand{service: service}
}

func (c *MergeProfilesCommand) Execute(ctx context.Context, msg MergeProfilesMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: merge service is required")
	}
	out, err := c.service.MergeProfiles(ctx, msg.PrimaryProfileID, msg.SecondaryProfileID)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
