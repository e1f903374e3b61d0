package iap

import (
	"fmt"

	iapcommand "github.com/goliatone/go-iap/command"
	"github.com/goliatone/go-iap/core"
	iapquery "github.com/goliatone/go-iap/query"
)

type Commands struct {
	VerifyPurchase    *iapcommand.VerifyPurchaseCommand
	ApplyWebhookEvent *iapcommand.ApplyWebhookEventCommand
	AdjustCoins       *iapcommand.AdjustCoinsCommand
	MergeProfiles     *iapcommand.MergeProfilesCommand
}

type Queries struct {
	GetEntitlements *iapquery.GetEntitlementsQuery
	// FindLedgerRecord is nil when no finder is available.
	FindLedgerRecord *iapquery.FindLedgerRecordQuery
}

// Facade exposes the entitlement service as go-command handlers.
type Facade struct {
	service  core.EntitlementService
	commands Commands
	queries  Queries
}

type FacadeOption func(*facadeOptions)

type facadeOptions struct {
	finder core.LedgerRecordFinder
}

func WithLedgerRecordFinder(finder core.LedgerRecordFinder) FacadeOption {
	return func(options *facadeOptions) {
		options.finder = finder
	}
}

func NewFacade(service core.EntitlementService, opts ...FacadeOption) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("iap: entitlement service is required")
	}
	cfg := facadeOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}

	finder := cfg.finder
	if finder == nil {
		finder = resolveLedgerRecordFinder(service)
	}

	facade := &Facade{service: service}
	facade.commands = Commands{
		VerifyPurchase:    iapcommand.NewVerifyPurchaseCommand(service),
		ApplyWebhookEvent: iapcommand.NewApplyWebhookEventCommand(service),
		AdjustCoins:       iapcommand.NewAdjustCoinsCommand(service),
		MergeProfiles:     iapcommand.NewMergeProfilesCommand(service),
	}
	facade.queries = Queries{
		GetEntitlements: iapquery.NewGetEntitlementsQuery(service),
	}
	if finder != nil {
		facade.queries.FindLedgerRecord = iapquery.NewFindLedgerRecordQuery(finder)
	}
	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Service() core.EntitlementService {
	if f == nil {
		return nil
	}
	return f.service
}

// resolveLedgerRecordFinder uses the service's own ledger store when it can
// look records up.
func resolveLedgerRecordFinder(service core.EntitlementService) core.LedgerRecordFinder {
	if finder, ok := service.(core.LedgerRecordFinder); ok {
		return finder
	}
	provider, ok := service.(interface {
		Dependencies() core.ServiceDependencies
	})
	if !ok {
		return nil
	}
	finder, ok := provider.Dependencies().LedgerStore.(core.LedgerRecordFinder)
	if !ok {
		return nil
	}
	return finder
}
