package command

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-iap/core"
)

var (
	_ gocmd.Commander[VerifyPurchaseMessage]    = (*VerifyPurchaseCommand)(nil)
	_ gocmd.Commander[ApplyWebhookEventMessage] = (*ApplyWebhookEventCommand)(nil)
	_ gocmd.Commander[AdjustCoinsMessage]       = (*AdjustCoinsCommand)(nil)
	_ gocmd.Commander[MergeProfilesMessage]     = (*MergeProfilesCommand)(nil)

	_ MutatingService = (*core.Service)(nil)
)
