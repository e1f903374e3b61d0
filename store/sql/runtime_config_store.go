package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-iap/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// RuntimeConfigSource reads and writes one exact (game, environment) row.
// An empty environment is the shared row.
type RuntimeConfigSource interface {
	Get(ctx context.Context, gameID string, environment string) (core.RuntimeConfig, bool, error)
	Save(ctx context.Context, gameID string, environment string, cfg core.RuntimeConfig) error
}

type RuntimeConfigStore struct {
	db   *bun.DB
	repo repository.Repository[*runtimeConfigRecord]
}

func NewRuntimeConfigStore(db *bun.DB) (*RuntimeConfigStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*runtimeConfigRecord](db, runtimeConfigHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid runtime config repository wiring: %w", err)
		}
	}
	return &RuntimeConfigStore{db: db, repo: repo}, nil
}

// Load resolves the environment row, falling back to the shared row. A game
// without rows resolves to an empty config.
func (s *RuntimeConfigStore) Load(ctx context.Context, gameID string, environment string) (core.RuntimeConfig, error) {
	return loadWithFallback(ctx, s, gameID, environment)
}

func (s *RuntimeConfigStore) Get(ctx context.Context, gameID string, environment string) (core.RuntimeConfig, bool, error) {
	if s == nil || s.repo == nil {
		return core.RuntimeConfig{}, false, fmt.Errorf("sqlstore: runtime config store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("game_id", "=", strings.TrimSpace(gameID)),
		repository.SelectBy("environment", "=", normalizeEnvironment(environment)),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.RuntimeConfig{}, false, err
	}
	if len(records) == 0 {
		return core.RuntimeConfig{}, false, nil
	}
	return records[0].toDomain(), true, nil
}

func (s *RuntimeConfigStore) Save(ctx context.Context, gameID string, environment string, cfg core.RuntimeConfig) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: runtime config store is not configured")
	}
	gameID = strings.TrimSpace(gameID)
	if gameID == "" {
		return fmt.Errorf("sqlstore: game id is required")
	}
	now := time.Now().UTC()
	record := &runtimeConfigRecord{
		ID:          uuid.NewString(),
		GameID:      gameID,
		Environment: normalizeEnvironment(environment),
		Catalog:     copyAnyMap(cfg.Catalog),
		Providers:   copyProviders(cfg.Providers),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (game_id, environment) DO UPDATE").
		Set("catalog = excluded.catalog").
		Set("providers = excluded.providers").
		Set("updated_at = excluded.updated_at").
		Exec(ctx)
	return err
}

func loadWithFallback(ctx context.Context, source RuntimeConfigSource, gameID string, environment string) (core.RuntimeConfig, error) {
	if env := normalizeEnvironment(environment); env != "" {
		cfg, found, err := source.Get(ctx, gameID, env)
		if err != nil {
			return core.RuntimeConfig{}, err
		}
		if found {
			return cfg, nil
		}
	}
	cfg, _, err := source.Get(ctx, gameID, "")
	if err != nil {
		return core.RuntimeConfig{}, err
	}
	return cfg, nil
}

func (r *runtimeConfigRecord) toDomain() core.RuntimeConfig {
	if r == nil {
		return core.RuntimeConfig{}
	}
	return core.RuntimeConfig{
		Catalog:   copyAnyMap(r.Catalog),
		Providers: copyProviders(r.Providers),
	}
}

func normalizeEnvironment(environment string) string {
	return strings.ToLower(strings.TrimSpace(environment))
}

func copyAnyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func copyProviders(in map[string]core.ProviderConfig) map[string]core.ProviderConfig {
	out := make(map[string]core.ProviderConfig, len(in))
	for provider, values := range in {
		out[provider] = core.MergeProviderConfig(nil, values)
	}
	return out
}
