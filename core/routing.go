package core

import (
	"fmt"
	"sort"
	"strings"
)

var providerAliases = map[string]string{
	"storea":     ProviderStoreA,
	"apple":      ProviderStoreA,
	"appstore":   ProviderStoreA,
	"storeb":     ProviderStoreB,
	"google":     ProviderStoreB,
	"googleplay": ProviderStoreB,
	"webwallet":  ProviderWebWallet,
	"web_wallet": ProviderWebWallet,
	"paypal":     ProviderWebWallet,
}

// exportTargetProviders is the channel allow-list: a build distributed
// through a target may only present receipts from its provider.
var exportTargetProviders = map[string]string{
	ExportTargetIOS:     ProviderStoreA,
	ExportTargetAndroid: ProviderStoreB,
	ExportTargetWeb:     ProviderWebWallet,
}

// NormalizeProvider maps provider ids and their aliases onto the canonical id.
func NormalizeProvider(provider string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(provider))
	if key == "" {
		return "", badInput("provider", "provider is required")
	}
	canonical, ok := providerAliases[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedProvider, strings.TrimSpace(provider))
	}
	return canonical, nil
}

// ResolveExportTarget derives the export target from provider when empty,
// then enforces the allow-list.
func ResolveExportTarget(provider string, exportTarget string) (string, error) {
	target := strings.ToLower(strings.TrimSpace(exportTarget))
	if target == "" {
		for candidate, owner := range exportTargetProviders {
			if owner == provider {
				return candidate, nil
			}
		}
		return "", fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}
	owner, ok := exportTargetProviders[target]
	if !ok {
		return "", badInput("export_target", fmt.Sprintf("export target %q is invalid", exportTarget))
	}
	if owner != provider {
		return "", fmt.Errorf("%w: export target %s requires provider %s, got %s", ErrPolicyViolation, target, owner, provider)
	}
	return target, nil
}

func SupportedProviders() []string {
	return []string{ProviderStoreA, ProviderStoreB, ProviderWebWallet}
}

func SupportedExportTargets() []string {
	targets := make([]string, 0, len(exportTargetProviders))
	for target := range exportTargetProviders {
		targets = append(targets, target)
	}
	sort.Strings(targets)
	return targets
}
