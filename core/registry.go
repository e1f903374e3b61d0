package core

import (
	"fmt"
	"sort"
	"sync"
)

type ProviderVerifierRegistry struct {
	mu        sync.RWMutex
	verifiers map[string]PurchaseVerifier
}

func NewVerifierRegistry() *ProviderVerifierRegistry {
	return &ProviderVerifierRegistry{verifiers: make(map[string]PurchaseVerifier)}
}

// Register binds verifier to the canonical id of provider; aliases resolve to
// the same slot.
func (r *ProviderVerifierRegistry) Register(provider string, verifier PurchaseVerifier) error {
	if verifier == nil {
		return fmt.Errorf("core: verifier is nil")
	}
	id, err := NormalizeProvider(provider)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.verifiers[id]; exists {
		return fmt.Errorf("core: verifier already registered: %s", id)
	}
	r.verifiers[id] = verifier
	return nil
}

func (r *ProviderVerifierRegistry) Get(provider string) (PurchaseVerifier, bool) {
	id, err := NormalizeProvider(provider)
	if err != nil {
		return nil, false
	}
	r.mu.RLock()
	verifier, ok := r.verifiers[id]
	r.mu.RUnlock()
	return verifier, ok
}

func (r *ProviderVerifierRegistry) Providers() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.verifiers))
	for id := range r.verifiers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
