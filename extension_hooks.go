package iap

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-iap/core"
)

// VerifierPack bundles extra verifiers and webhook decoders, keyed by
// provider, that a host registers alongside the built-in stores.
type VerifierPack struct {
	Name      string
	Verifiers map[string]core.PurchaseVerifier
	Decoders  map[string]core.WebhookDecoder
}

type CommandQueryBundleFactory func(facade *Facade) (any, error)

type ExtensionHooks struct {
	mu sync.RWMutex

	verifierPacks map[string]VerifierPack
	bundles       map[string]CommandQueryBundleFactory
}

func NewExtensionHooks() *ExtensionHooks {
	return &ExtensionHooks{
		verifierPacks: map[string]VerifierPack{},
		bundles:       map[string]CommandQueryBundleFactory{},
	}
}

func (h *ExtensionHooks) RegisterVerifierPack(pack VerifierPack) error {
	if h == nil {
		return fmt.Errorf("iap: extension hooks are nil")
	}
	name := strings.TrimSpace(pack.Name)
	if name == "" {
		return fmt.Errorf("iap: verifier pack name is required")
	}
	if len(pack.Verifiers) == 0 && len(pack.Decoders) == 0 {
		return fmt.Errorf("iap: verifier pack %q is empty", name)
	}

	normalized := VerifierPack{
		Name:      name,
		Verifiers: map[string]core.PurchaseVerifier{},
		Decoders:  map[string]core.WebhookDecoder{},
	}
	for provider, verifier := range pack.Verifiers {
		if verifier == nil {
			return fmt.Errorf("iap: verifier pack %q contains nil verifier for %q", name, provider)
		}
		id, err := core.NormalizeProvider(provider)
		if err != nil {
			return fmt.Errorf("iap: verifier pack %q: %w", name, err)
		}
		normalized.Verifiers[id] = verifier
	}
	for provider, decoder := range pack.Decoders {
		if decoder == nil {
			return fmt.Errorf("iap: verifier pack %q contains nil decoder for %q", name, provider)
		}
		id, err := core.NormalizeProvider(provider)
		if err != nil {
			return fmt.Errorf("iap: verifier pack %q: %w", name, err)
		}
		normalized.Decoders[id] = decoder
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.verifierPacks[name]; exists {
		return fmt.Errorf("iap: verifier pack %q already registered", name)
	}
	h.verifierPacks[name] = normalized
	return nil
}

func (h *ExtensionHooks) RegisterCommandQueryBundle(
	name string,
	factory CommandQueryBundleFactory,
) error {
	if h == nil {
		return fmt.Errorf("iap: extension hooks are nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("iap: command/query bundle name is required")
	}
	if factory == nil {
		return fmt.Errorf("iap: command/query bundle %q factory is required", name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.bundles[name]; exists {
		return fmt.Errorf("iap: command/query bundle %q already registered", name)
	}
	h.bundles[name] = factory
	return nil
}

// ServiceOptions returns registration options for every pack, ordered by
// pack name then provider. Two packs binding the same provider fail at
// service construction.
func (h *ExtensionHooks) ServiceOptions() []Option {
	if h == nil {
		return nil
	}
	opts := []Option{}
	for _, pack := range h.VerifierPacks() {
		for _, provider := range sortedKeys(pack.Verifiers) {
			opts = append(opts, core.WithVerifier(provider, pack.Verifiers[provider]))
		}
		for _, provider := range sortedKeys(pack.Decoders) {
			opts = append(opts, core.WithWebhookDecoder(provider, pack.Decoders[provider]))
		}
	}
	return opts
}

func (h *ExtensionHooks) BuildCommandQueryBundles(facade *Facade) (map[string]any, error) {
	if h == nil {
		return map[string]any{}, nil
	}
	if facade == nil {
		return nil, fmt.Errorf("iap: facade is required")
	}

	h.mu.RLock()
	names := make([]string, 0, len(h.bundles))
	factories := make(map[string]CommandQueryBundleFactory, len(h.bundles))
	for name, factory := range h.bundles {
		names = append(names, name)
		factories[name] = factory
	}
	h.mu.RUnlock()
	sort.Strings(names)

	result := make(map[string]any, len(names))
	for _, name := range names {
		bundle, err := factories[name](facade)
		if err != nil {
			return nil, fmt.Errorf("iap: build bundle %q: %w", name, err)
		}
		result[name] = bundle
	}
	return result, nil
}

func (h *ExtensionHooks) VerifierPacks() []VerifierPack {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]VerifierPack, 0, len(h.verifierPacks))
	for _, name := range sortedKeys(h.verifierPacks) {
		pack := h.verifierPacks[name]
		out = append(out, VerifierPack{
			Name:      pack.Name,
			Verifiers: copyMap(pack.Verifiers),
			Decoders:  copyMap(pack.Decoders),
		})
	}
	return out
}

func (h *ExtensionHooks) BundleNames() []string {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return sortedKeys(h.bundles)
}

func sortedKeys[V any](values map[string]V) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func copyMap[V any](values map[string]V) map[string]V {
	out := make(map[string]V, len(values))
	for key, value := range values {
		out[key] = value
	}
	return out
}
