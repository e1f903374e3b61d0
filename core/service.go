package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	"golang.org/x/sync/errgroup"
)

type Service struct {
	config          Config
	logger          Logger
	loggerProvider  LoggerProvider
	metricsRecorder MetricsRecorder
	errorFactory    ErrorFactory
	errorMapper     ErrorMapper
	configProvider  ConfigProvider
	optionsResolver OptionsResolver
	ledgerStore     LedgerStore
	registry        VerifierRegistry
	runtimeProvider RuntimeConfigProvider
	catalog         Catalog
	clock           Clock
	webhookDecoders map[string]WebhookDecoder
}

type ServiceDependencies struct {
	Logger                Logger
	LoggerProvider        LoggerProvider
	MetricsRecorder       MetricsRecorder
	ErrorFactory          ErrorFactory
	ErrorMapper           ErrorMapper
	ConfigProvider        ConfigProvider
	OptionsResolver       OptionsResolver
	LedgerStore           LedgerStore
	VerifierRegistry      VerifierRegistry
	RuntimeConfigProvider RuntimeConfigProvider
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	builder := defaultServiceBuilder(cfg)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve("iap", builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger("iap"); named != nil {
			logger = glog.Ensure(named)
		}
	}

	if builder.errorFactory == nil {
		builder.errorFactory = goerrors.New
	}
	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = defaultErrorMapper
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}
	if builder.registry == nil {
		builder.registry = NewVerifierRegistry()
	}
	if builder.ledgerStore == nil {
		builder.ledgerStore = NewMemoryLedgerStore()
	}
	if builder.clock == nil {
		builder.clock = func() time.Time { return time.Now().UTC() }
	}

	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	for _, binding := range builder.verifiers {
		if err := builder.registry.Register(binding.provider, binding.verifier); err != nil {
			return nil, mapBuildError(builder.errorMapper, err)
		}
	}

	catalog := NewCatalog()
	if builder.catalog != nil {
		catalog = cloneCatalog(*builder.catalog)
	} else if strings.TrimSpace(finalConfig.CatalogPath) != "" {
		catalog, err = LoadCatalogFile(finalConfig.CatalogPath)
		if err != nil {
			return nil, mapBuildError(builder.errorMapper, err)
		}
	}

	return &Service{
		config:          finalConfig,
		logger:          logger,
		loggerProvider:  provider,
		metricsRecorder: builder.metricsRecorder,
		errorFactory:    builder.errorFactory,
		errorMapper:     builder.errorMapper,
		configProvider:  builder.configProvider,
		optionsResolver: builder.optionsResolver,
		ledgerStore:     builder.ledgerStore,
		registry:        builder.registry,
		runtimeProvider: builder.runtimeProvider,
		catalog:         catalog,
		clock:           builder.clock,
		webhookDecoders: builder.webhookDecoders,
	}, nil
}

func Setup(cfg Config, opts ...Option) (*Service, error) {
	return NewService(cfg, opts...)
}

func mapBuildError(mapper ErrorMapper, err error) error {
	if err == nil {
		return nil
	}
	if mapper == nil {
		return err
	}
	mapped := mapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}

func (s *Service) Config() Config {
	if s == nil {
		return Config{}
	}
	return s.config
}

func (s *Service) Catalog() Catalog {
	if s == nil {
		return NewCatalog()
	}
	return cloneCatalog(s.catalog)
}

func (s *Service) Dependencies() ServiceDependencies {
	if s == nil {
		return ServiceDependencies{}
	}
	return ServiceDependencies{
		Logger:                s.logger,
		LoggerProvider:        s.loggerProvider,
		MetricsRecorder:       s.metricsRecorder,
		ErrorFactory:          s.errorFactory,
		ErrorMapper:           s.errorMapper,
		ConfigProvider:        s.configProvider,
		OptionsResolver:       s.optionsResolver,
		LedgerStore:           s.ledgerStore,
		VerifierRegistry:      s.registry,
		RuntimeConfigProvider: s.runtimeProvider,
	}
}

func (s *Service) normalizer() Normalizer {
	return Normalizer{
		Config:        s.config,
		Catalog:       s.catalog,
		Verifiers:     s.registry,
		RuntimeConfig: s.runtimeProvider,
		Now:           s.clock,
	}
}

func (s *Service) VerifyPurchase(ctx context.Context, req VerifyPurchaseRequest) (result VerifyPurchaseResult, err error) {
	startedAt := s.now()
	fields := map[string]any{
		"profile_id":    req.ProfileID,
		"provider":      req.Provider,
		"product_id":    req.ProductID,
		"game_id":       req.GameID,
		"export_target": req.Payload.ExportTarget,
	}
	defer func() {
		s.observeOperation(ctx, startedAt, "verify_purchase", err, fields)
	}()

	result, err = s.verifyPurchase(ctx, req, fields)
	if err != nil {
		err = s.mapError(err)
		return VerifyPurchaseResult{}, err
	}
	return result, nil
}

func (s *Service) verifyPurchase(ctx context.Context, req VerifyPurchaseRequest, fields map[string]any) (VerifyPurchaseResult, error) {
	if s == nil || s.ledgerStore == nil {
		return VerifyPurchaseResult{}, fmt.Errorf("core: ledger store is required")
	}
	profileID := strings.TrimSpace(req.ProfileID)
	if profileID == "" {
		return VerifyPurchaseResult{}, badInput("profile_id", "profile id is required")
	}

	purchase, err := s.normalizer().Normalize(ctx, PurchaseInput{
		Provider:  req.Provider,
		ProductID: req.ProductID,
		GameID:    req.GameID,
		Payload:   req.Payload,
	})
	if err != nil {
		return VerifyPurchaseResult{}, err
	}
	fields["provider"] = purchase.Provider
	fields["export_target"] = purchase.ExportTarget
	fields["product_type"] = string(purchase.Type)
	fields["external_transaction_id"] = purchase.ExternalTransactionID
	if purchase.GameID != "" {
		fields["game_id"] = purchase.GameID
	}

	record := LedgerRecord{
		Kind:      LedgerRecordPurchase,
		ProfileID: profileID,
		Purchase:  &purchase,
		CreatedAt: s.now(),
	}
	apply := func(ctx context.Context, effects LedgerEffects) error {
		return applyPurchase(ctx, effects, profileID, purchase)
	}
	recorded, err := s.recordAndApply(ctx, purchase.Provider, purchase.ExternalTransactionID, record, apply)
	if err != nil {
		return VerifyPurchaseResult{}, err
	}
	fields["deduplicated"] = !recorded.IsNew

	entitlements, err := s.getEntitlements(ctx, profileID)
	if err != nil {
		return VerifyPurchaseResult{}, err
	}
	return VerifyPurchaseResult{
		Entitlements: entitlements,
		Purchase:     purchase,
		Deduplicated: !recorded.IsNew,
	}, nil
}

// recordAndApply gates an effect on the ledger insert. Stores that support it
// commit both in one transaction; otherwise the effect follows the insert.
func (s *Service) recordAndApply(
	ctx context.Context,
	provider string,
	externalTransactionID string,
	record LedgerRecord,
	apply func(ctx context.Context, effects LedgerEffects) error,
) (RecordResult, error) {
	if transactional, ok := s.ledgerStore.(TransactionalLedgerStore); ok {
		recorded, err := transactional.RecordAndApply(ctx, provider, externalTransactionID, record, apply)
		if err != nil {
			return RecordResult{}, WrapStorageError(err, "core: record transaction failed")
		}
		return recorded, nil
	}
	recorded, err := s.ledgerStore.RecordTransaction(ctx, provider, externalTransactionID, record)
	if err != nil {
		return RecordResult{}, WrapStorageError(err, "core: record transaction failed")
	}
	if !recorded.IsNew {
		return recorded, nil
	}
	if err := apply(ctx, s.ledgerStore); err != nil {
		return RecordResult{}, WrapStorageError(err, "core: apply ledger effect failed")
	}
	return recorded, nil
}

func applyPurchase(ctx context.Context, effects LedgerEffects, profileID string, purchase NormalizedPurchase) error {
	switch purchase.Type {
	case ProductTypeConsumable:
		if purchase.CoinsDelta <= 0 {
			return nil
		}
		_, err := effects.AddCoins(ctx, profileID, purchase.GameID, purchase.CoinsDelta)
		return err
	case ProductTypeSubscription:
		if purchase.Subscription == nil {
			return nil
		}
		return effects.UpsertSubscription(ctx, profileID, *purchase.Subscription)
	default:
		return fmt.Errorf("core: product type %q is invalid", purchase.Type)
	}
}

func (s *Service) ApplyWebhookEvent(ctx context.Context, event WebhookEvent) (result VerifyPurchaseResult, err error) {
	startedAt := s.now()
	fields := map[string]any{
		"provider":    event.Provider,
		"delivery_id": event.DeliveryID,
	}
	defer func() {
		s.observeOperation(ctx, startedAt, "apply_webhook_event", err, fields)
	}()

	req, err := s.decodeWebhook(ctx, event)
	if err != nil {
		err = s.mapError(err)
		return VerifyPurchaseResult{}, err
	}
	fields["profile_id"] = req.ProfileID
	fields["product_id"] = req.ProductID
	fields["game_id"] = req.GameID

	result, err = s.verifyPurchase(ctx, req, fields)
	if err != nil {
		err = s.mapError(err)
		return VerifyPurchaseResult{}, err
	}
	return result, nil
}

func (s *Service) decodeWebhook(ctx context.Context, event WebhookEvent) (VerifyPurchaseRequest, error) {
	provider, err := NormalizeProvider(event.Provider)
	if err != nil {
		return VerifyPurchaseRequest{}, err
	}
	event.Provider = provider

	var req VerifyPurchaseRequest
	if decoder, ok := s.webhookDecoders[webhookDecoderKey(provider)]; ok && decoder != nil {
		req, err = decoder.DecodeWebhook(ctx, event)
	} else {
		req, err = DecodeWebhookEvent(event)
	}
	if err != nil {
		return VerifyPurchaseRequest{}, err
	}
	if strings.TrimSpace(req.Provider) == "" {
		req.Provider = provider
	}
	if strings.TrimSpace(event.ProfileID) != "" {
		req.ProfileID = event.ProfileID
	}
	if strings.TrimSpace(event.ProductID) != "" {
		req.ProductID = event.ProductID
	}
	if strings.TrimSpace(event.GameID) != "" {
		req.GameID = event.GameID
	}
	if strings.TrimSpace(req.ProfileID) == "" {
		return VerifyPurchaseRequest{}, badInput("profile_id", "webhook profile id is required")
	}
	if strings.TrimSpace(req.ProductID) == "" {
		return VerifyPurchaseRequest{}, badInput("product_id", "webhook product id is required")
	}
	return req, nil
}

func (s *Service) AdjustCoins(ctx context.Context, req AdjustCoinsRequest) (result AdjustCoinsResult, err error) {
	startedAt := s.now()
	fields := map[string]any{
		"profile_id":      req.ProfileID,
		"game_id":         req.GameID,
		"delta":           req.Delta,
		"idempotency_key": req.IdempotencyKey,
		"provider":        ProviderInternal,
	}
	defer func() {
		s.observeOperation(ctx, startedAt, "adjust_coins", err, fields)
	}()

	result, err = s.adjustCoins(ctx, req)
	if err != nil {
		err = s.mapError(err)
		return AdjustCoinsResult{}, err
	}
	fields["deduplicated"] = result.Deduplicated
	fields["balance"] = result.Balance
	return result, nil
}

func (s *Service) adjustCoins(ctx context.Context, req AdjustCoinsRequest) (AdjustCoinsResult, error) {
	if s == nil || s.ledgerStore == nil {
		return AdjustCoinsResult{}, fmt.Errorf("core: ledger store is required")
	}
	profileID := strings.TrimSpace(req.ProfileID)
	gameID := strings.TrimSpace(req.GameID)
	key := strings.TrimSpace(req.IdempotencyKey)
	switch {
	case profileID == "":
		return AdjustCoinsResult{}, badInput("profile_id", "profile id is required")
	case gameID == "":
		return AdjustCoinsResult{}, badInput("game_id", "game id is required")
	case req.Delta == 0:
		return AdjustCoinsResult{}, badInput("delta", "delta must not be zero")
	case key == "":
		return AdjustCoinsResult{}, badInput("idempotency_key", "idempotency key is required")
	}

	if req.Delta < 0 {
		balances, err := s.ledgerStore.GetCoins(ctx, profileID)
		if err != nil {
			return AdjustCoinsResult{}, WrapStorageError(err, "core: read balance failed")
		}
		if balances[gameID]+req.Delta < 0 {
			// A replayed adjustment must still report success.
			if existing, ok, lookupErr := s.lookupAdjustment(ctx, key); lookupErr == nil && ok {
				return s.adjustmentResult(ctx, existing, true)
			}
			return AdjustCoinsResult{}, fmt.Errorf("%w: balance %d cannot cover %d", ErrInsufficientBalance, balances[gameID], req.Delta)
		}
	}

	record := LedgerRecord{
		Kind:      LedgerRecordAdjustment,
		ProfileID: profileID,
		Adjustment: &CoinAdjustment{
			GameID:         gameID,
			Delta:          req.Delta,
			IdempotencyKey: key,
			Reason:         strings.TrimSpace(req.Reason),
		},
		CreatedAt: s.now(),
	}
	apply := func(ctx context.Context, effects LedgerEffects) error {
		_, err := effects.AddCoins(ctx, profileID, gameID, req.Delta)
		return err
	}
	recorded, err := s.recordAndApply(ctx, ProviderInternal, key, record, apply)
	if err != nil {
		return AdjustCoinsResult{}, err
	}
	return s.adjustmentResult(ctx, recorded.Record, !recorded.IsNew)
}

// lookupAdjustment probes the ledger for an adjustment without inserting. Only
// stores exposing a lookup support it.
func (s *Service) lookupAdjustment(ctx context.Context, key string) (LedgerRecord, bool, error) {
	finder, ok := s.ledgerStore.(LedgerRecordFinder)
	if !ok {
		return LedgerRecord{}, false, nil
	}
	return finder.FindTransaction(ctx, ProviderInternal, key)
}

func (s *Service) adjustmentResult(ctx context.Context, record LedgerRecord, deduplicated bool) (AdjustCoinsResult, error) {
	profileID := record.ProfileID
	entitlements, err := s.getEntitlements(ctx, profileID)
	if err != nil {
		return AdjustCoinsResult{}, err
	}
	var balance int64
	if record.Adjustment != nil {
		balance = entitlements.Coins[record.Adjustment.GameID].Balance
	}
	return AdjustCoinsResult{
		Entitlements: entitlements,
		Balance:      balance,
		Deduplicated: deduplicated,
	}, nil
}

func (s *Service) MergeProfiles(ctx context.Context, primaryProfileID string, secondaryProfileID string) (result MergeResult, err error) {
	startedAt := s.now()
	fields := map[string]any{
		"primary_profile_id":   primaryProfileID,
		"secondary_profile_id": secondaryProfileID,
	}
	defer func() {
		s.observeOperation(ctx, startedAt, "merge_profiles", err, fields)
	}()

	if s == nil || s.ledgerStore == nil {
		err = s.mapError(fmt.Errorf("core: ledger store is required"))
		return MergeResult{}, err
	}
	result, err = s.ledgerStore.MergeProfiles(ctx, strings.TrimSpace(primaryProfileID), strings.TrimSpace(secondaryProfileID))
	if err != nil {
		err = s.mapError(WrapStorageError(err, "core: merge profiles failed"))
		return MergeResult{}, err
	}
	fields["merged"] = result.Merged
	return result, nil
}

func (s *Service) GetEntitlements(ctx context.Context, profileID string) (result Entitlements, err error) {
	startedAt := s.now()
	fields := map[string]any{"profile_id": profileID}
	defer func() {
		s.observeOperation(ctx, startedAt, "get_entitlements", err, fields)
	}()

	if strings.TrimSpace(profileID) == "" {
		err = s.mapError(badInput("profile_id", "profile id is required"))
		return Entitlements{}, err
	}
	result, err = s.getEntitlements(ctx, strings.TrimSpace(profileID))
	if err != nil {
		err = s.mapError(err)
		return Entitlements{}, err
	}
	return result, nil
}

func (s *Service) getEntitlements(ctx context.Context, profileID string) (Entitlements, error) {
	if s == nil || s.ledgerStore == nil {
		return Entitlements{}, fmt.Errorf("core: ledger store is required")
	}
	var (
		coins        map[string]int64
		subscription *SubscriptionState
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		coins, err = s.ledgerStore.GetCoins(groupCtx, profileID)
		return err
	})
	group.Go(func() error {
		var err error
		subscription, err = s.ledgerStore.GetSubscription(groupCtx, profileID)
		return err
	})
	if err := group.Wait(); err != nil {
		return Entitlements{}, WrapStorageError(err, "core: read entitlements failed")
	}
	return BuildEntitlements(profileID, coins, ExpireSubscription(subscription, s.now().Unix())), nil
}

// ExpireSubscription reports a stored active subscription whose expiry has
// passed as expired. The stored flag is not trusted past expires_at.
func ExpireSubscription(state *SubscriptionState, nowSeconds int64) *SubscriptionState {
	if state == nil || !state.Active || state.ExpiresAt == nil || *state.ExpiresAt > nowSeconds {
		return state
	}
	expired := CloneSubscription(state)
	expired.Active = false
	expired.Status = SubscriptionStatusExpired
	return expired
}

// BuildEntitlements assembles the snapshot returned to callers.
func BuildEntitlements(profileID string, coins map[string]int64, subscription *SubscriptionState) Entitlements {
	out := Entitlements{
		ProfileID: profileID,
		NoAds:     NoAdsEntitlement{Active: false, Status: SubscriptionStatusNone},
		Coins:     make(map[string]CoinBalanceView, len(coins)),
	}
	for gameID, balance := range coins {
		out.Coins[gameID] = CoinBalanceView{Balance: balance}
	}
	if subscription != nil {
		out.NoAds = NoAdsEntitlement{
			Active: subscription.Active,
			Status: subscription.Status,
		}
		if subscription.ExpiresAt != nil {
			value := *subscription.ExpiresAt
			out.NoAds.ExpiresAt = &value
		}
	}
	return out
}

// DecodeWebhookEvent reads the generic webhook body shape: top level
// profile_id, product_id and game_id plus the purchase payload fields, either
// inline or under "payload".
func DecodeWebhookEvent(event WebhookEvent) (VerifyPurchaseRequest, error) {
	if len(strings.TrimSpace(string(event.Body))) == 0 {
		return VerifyPurchaseRequest{Provider: event.Provider}, nil
	}
	var body struct {
		ProfileID string           `json:"profile_id"`
		ProductID string           `json:"product_id"`
		GameID    string           `json:"game_id"`
		Payload   *PurchasePayload `json:"payload"`
		PurchasePayload
	}
	if err := json.Unmarshal(event.Body, &body); err != nil {
		return VerifyPurchaseRequest{}, badInput("body", "webhook body is invalid json")
	}
	payload := body.PurchasePayload
	if body.Payload != nil {
		payload = *body.Payload
	}
	return VerifyPurchaseRequest{
		ProfileID: body.ProfileID,
		Provider:  event.Provider,
		ProductID: body.ProductID,
		GameID:    body.GameID,
		Payload:   payload,
	}, nil
}

func (s *Service) mapError(err error) error {
	if err == nil {
		return nil
	}
	if s == nil || s.errorMapper == nil {
		return err
	}
	mapped := s.errorMapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}

func (s *Service) now() time.Time {
	if s == nil || s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock()
}

var _ EntitlementService = (*Service)(nil)
