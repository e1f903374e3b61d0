package core

import (
	"errors"
	"testing"
)

func TestVerifierRegistry_AliasesShareSlot(t *testing.T) {
	registry := NewVerifierRegistry()
	verifier := &fakeVerifier{}
	if err := registry.Register("apple", verifier); err != nil {
		t.Fatalf("register verifier: %v", err)
	}
	got, ok := registry.Get("storeA")
	if !ok || got != verifier {
		t.Fatalf("expected alias to resolve to the canonical slot")
	}
	if err := registry.Register("STOREA", &fakeVerifier{}); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
	if _, ok := registry.Get("steam"); ok {
		t.Fatalf("expected unknown provider to miss")
	}
}

func TestVerifierRegistry_ProvidersDeterministicOrder(t *testing.T) {
	registry := NewVerifierRegistry()
	for _, provider := range []string{"webwallet", "storeB", "storeA"} {
		if err := registry.Register(provider, &fakeVerifier{}); err != nil {
			t.Fatalf("register verifier: %v", err)
		}
	}
	got := registry.Providers()
	want := []string{ProviderStoreA, ProviderStoreB, ProviderWebWallet}
	if len(got) != len(want) {
		t.Fatalf("expected %d providers, got %v", len(want), got)
	}
	for idx := range want {
		if got[idx] != want[idx] {
			t.Fatalf("unexpected ordering at index %d: got %v want %v", idx, got, want)
		}
	}
}

func TestVerifierRegistry_RejectsInvalidRegistration(t *testing.T) {
	registry := NewVerifierRegistry()
	if err := registry.Register("storeA", nil); err == nil {
		t.Fatalf("expected nil verifier to fail")
	}
	if err := registry.Register("steam", &fakeVerifier{}); !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected unsupported provider, got %v", err)
	}
}
