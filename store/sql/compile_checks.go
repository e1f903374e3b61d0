package sqlstore

import (
	"github.com/goliatone/go-iap/core"
	"github.com/goliatone/go-iap/webhooks"
)

var (
	_ core.LedgerStore              = (*LedgerStore)(nil)
	_ core.TransactionalLedgerStore = (*LedgerStore)(nil)
	_ core.LedgerRecordFinder       = (*LedgerStore)(nil)
	_ core.LedgerEffects            = (*txEffects)(nil)
	_ core.RuntimeConfigProvider    = (*RuntimeConfigStore)(nil)
	_ RuntimeConfigSource           = (*RuntimeConfigStore)(nil)
	_ webhooks.DeliveryLedger       = (*WebhookDeliveryStore)(nil)
)
