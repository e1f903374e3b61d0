package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-iap/core"
)

var (
	_ gocmd.Querier[GetEntitlementsMessage, core.Entitlements]   = (*GetEntitlementsQuery)(nil)
	_ gocmd.Querier[FindLedgerRecordMessage, LedgerRecordLookup] = (*FindLedgerRecordQuery)(nil)

	_ EntitlementsReader      = (*core.Service)(nil)
	_ core.LedgerRecordFinder = (*core.MemoryLedgerStore)(nil)
)
