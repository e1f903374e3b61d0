package gocommand

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	iapcommand "github.com/goliatone/go-iap/command"
	"github.com/goliatone/go-iap/core"
	"github.com/goliatone/go-iap/query"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
)

// ValidateMessageContract enforces Type() plus optional Validate() contract.
func ValidateMessageContract(msg any) error {
	if err := command.ValidateMessage(msg); err != nil {
		return err
	}
	m, ok := msg.(command.Message)
	if !ok {
		return fmt.Errorf("gocommand: message must implement Type() string")
	}
	if strings.TrimSpace(m.Type()) == "" {
		return fmt.Errorf("gocommand: message type is required")
	}
	return nil
}

type RegistryAdapter struct {
	registry *command.Registry
}

func NewRegistryAdapter(registry *command.Registry) *RegistryAdapter {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &RegistryAdapter{registry: registry}
}

func (a *RegistryAdapter) Registry() *command.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

func (a *RegistryAdapter) register(handler any) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.RegisterCommand(handler)
}

func (a *RegistryAdapter) AddResolver(key string, resolver command.Resolver) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.AddResolver(strings.TrimSpace(key), resolver)
}

// AddQueueResolver mirrors registered handlers into a go-job queue registry
// so they can also run as queued jobs.
func (a *RegistryAdapter) AddQueueResolver(key string, queueRegistry *jobqueuecommand.Registry) error {
	if queueRegistry == nil {
		return fmt.Errorf("gocommand: queue registry is required")
	}
	return a.AddResolver(key, jobqueuecommand.QueueResolver(queueRegistry))
}

func (a *RegistryAdapter) HasResolver(key string) bool {
	if a == nil || a.registry == nil {
		return false
	}
	return a.registry.HasResolver(strings.TrimSpace(key))
}

func (a *RegistryAdapter) Initialize() error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.Initialize()
}

// RegisterAndSubscribe registers cmd and subscribes it on the global
// dispatcher. The subscription is removed again if registration fails.
func RegisterAndSubscribe[T any](
	adapter *RegistryAdapter,
	cmd command.Commander[T],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	if cmd == nil {
		return nil, fmt.Errorf("gocommand: command is required")
	}
	subscription := commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
	if err := adapter.register(cmd); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

func RegisterAndSubscribeQuery[T any, R any](
	adapter *RegistryAdapter,
	qry command.Querier[T, R],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	if qry == nil {
		return nil, fmt.Errorf("gocommand: query is required")
	}
	subscription := commanddispatcher.SubscribeQuery(qry, runnerOpts...)
	if err := adapter.register(qry); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

// HandlerSet holds the dispatcher subscriptions for the entitlement
// commands and queries.
type HandlerSet struct {
	subscriptions []commanddispatcher.Subscription
}

func (h *HandlerSet) Len() int {
	if h == nil {
		return 0
	}
	return len(h.subscriptions)
}

func (h *HandlerSet) Unsubscribe() {
	if h == nil {
		return
	}
	for _, subscription := range h.subscriptions {
		if subscription != nil {
			subscription.Unsubscribe()
		}
	}
	h.subscriptions = nil
}

// RegisterEntitlementHandlers wires every entitlement command and query
// onto the dispatcher. finder is optional; without it the ledger lookup
// query is not registered.
func RegisterEntitlementHandlers(
	adapter *RegistryAdapter,
	service core.EntitlementService,
	finder core.LedgerRecordFinder,
	runnerOpts ...runner.Option,
) (*HandlerSet, error) {
	if service == nil {
		return nil, fmt.Errorf("gocommand: entitlement service is required")
	}
	set := &HandlerSet{}
	add := func(subscription commanddispatcher.Subscription, err error) error {
		if err != nil {
			set.Unsubscribe()
			return err
		}
		set.subscriptions = append(set.subscriptions, subscription)
		return nil
	}

	if err := add(RegisterAndSubscribe(adapter, iapcommand.NewVerifyPurchaseCommand(service), runnerOpts...)); err != nil {
		return nil, err
	}
	if err := add(RegisterAndSubscribe(adapter, iapcommand.NewApplyWebhookEventCommand(service), runnerOpts...)); err != nil {
		return nil, err
	}
	if err := add(RegisterAndSubscribe(adapter, iapcommand.NewAdjustCoinsCommand(service), runnerOpts...)); err != nil {
		return nil, err
	}
	if err := add(RegisterAndSubscribe(adapter, iapcommand.NewMergeProfilesCommand(service), runnerOpts...)); err != nil {
		return nil, err
	}
	if err := add(RegisterAndSubscribeQuery(adapter, query.NewGetEntitlementsQuery(service), runnerOpts...)); err != nil {
		return nil, err
	}
	if finder != nil {
		if err := add(RegisterAndSubscribeQuery(adapter, query.NewFindLedgerRecordQuery(finder), runnerOpts...)); err != nil {
			return nil, err
		}
	}
	return set, nil
}

func Dispatch[T any](ctx context.Context, msg T) error {
	return commanddispatcher.Dispatch(ctx, msg)
}

// DispatchForResult dispatches msg with a result collector attached and
// returns what the handler stored.
func DispatchForResult[T any, R any](ctx context.Context, msg T) (R, error) {
	var zero R
	if ctx == nil {
		ctx = context.Background()
	}
	collector := command.NewResult[R]()
	if err := commanddispatcher.Dispatch(command.ContextWithResult(ctx, collector), msg); err != nil {
		return zero, err
	}
	out, ok := collector.Load()
	if !ok {
		return zero, fmt.Errorf("gocommand: handler for %T stored no result", msg)
	}
	return out, nil
}

func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	return commanddispatcher.Query[T, R](ctx, msg)
}
