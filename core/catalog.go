package core

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	catalogSectionConsumables   = "consumables"
	catalogSectionSubscriptions = "subscriptions"
)

func NewCatalog() Catalog {
	return Catalog{
		Consumables:   map[string]CatalogEntry{},
		Subscriptions: map[string]CatalogEntry{},
	}
}

func NormalizeProductID(productID string) string {
	return strings.ToLower(strings.TrimSpace(productID))
}

// ResolveCatalogEntry looks up consumables first, then subscriptions.
func ResolveCatalogEntry(catalog Catalog, productID string) (CatalogEntry, bool) {
	key := NormalizeProductID(productID)
	if key == "" {
		return CatalogEntry{}, false
	}
	if entry, ok := catalog.Consumables[key]; ok {
		return entry, true
	}
	if entry, ok := catalog.Subscriptions[key]; ok {
		return entry, true
	}
	return CatalogEntry{}, false
}

// MergeCatalog overlays override onto a copy of base. Sections that are not
// objects are treated as empty and malformed entries are skipped.
func MergeCatalog(base Catalog, override map[string]any) Catalog {
	merged := cloneCatalog(base)
	if len(override) == 0 {
		return merged
	}
	for key, raw := range sectionMap(override[catalogSectionConsumables]) {
		entry, ok := decodeCatalogEntry(ProductTypeConsumable, key, raw)
		if !ok {
			continue
		}
		merged.Consumables[entry.ProductID] = entry
	}
	for key, raw := range sectionMap(override[catalogSectionSubscriptions]) {
		entry, ok := decodeCatalogEntry(ProductTypeSubscription, key, raw)
		if !ok {
			continue
		}
		merged.Subscriptions[entry.ProductID] = entry
	}
	return merged
}

// LoadCatalogFile reads a YAML or JSON catalog document with consumables and
// subscriptions sections.
func LoadCatalogFile(path string) (Catalog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return NewCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("core: read catalog: %w", err)
	}
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Catalog{}, fmt.Errorf("core: parse catalog %s: %w", path, err)
	}
	return MergeCatalog(NewCatalog(), raw), nil
}

// PriceMatches compares two decimal amounts exactly.
func PriceMatches(expected, actual string) bool {
	left, ok := new(big.Rat).SetString(strings.TrimSpace(expected))
	if !ok {
		return false
	}
	right, ok := new(big.Rat).SetString(strings.TrimSpace(actual))
	if !ok {
		return false
	}
	return left.Cmp(right) == 0
}

func cloneCatalog(in Catalog) Catalog {
	out := NewCatalog()
	for key, entry := range in.Consumables {
		out.Consumables[NormalizeProductID(key)] = entry
	}
	for key, entry := range in.Subscriptions {
		out.Subscriptions[NormalizeProductID(key)] = entry
	}
	return out
}

func sectionMap(raw any) map[string]any {
	switch typed := raw.(type) {
	case map[string]any:
		return typed
	case map[any]any:
		out := make(map[string]any, len(typed))
		for key, value := range typed {
			if name, ok := key.(string); ok {
				out[name] = value
			}
		}
		return out
	case map[string]CatalogEntry:
		out := make(map[string]any, len(typed))
		for key, entry := range typed {
			out[key] = entry
		}
		return out
	default:
		return nil
	}
}

func decodeCatalogEntry(kind ProductType, key string, raw any) (CatalogEntry, bool) {
	if typed, ok := raw.(CatalogEntry); ok {
		typed.Type = kind
		if strings.TrimSpace(typed.ProductID) == "" {
			typed.ProductID = key
		}
		typed.ProductID = NormalizeProductID(typed.ProductID)
		return typed, validCatalogEntry(typed)
	}
	fields := sectionMap(raw)
	if fields == nil {
		return CatalogEntry{}, false
	}
	entry := CatalogEntry{
		Type:           kind,
		ProductID:      NormalizeProductID(stringField(fields, "product_id", "productId")),
		GameID:         stringField(fields, "game_id", "gameId"),
		Price:          stringField(fields, "price"),
		Currency:       strings.ToUpper(stringField(fields, "currency")),
		EntitlementKey: stringField(fields, "entitlement_key", "entitlementKey"),
		Plan:           stringField(fields, "plan"),
	}
	if entry.ProductID == "" {
		entry.ProductID = NormalizeProductID(key)
	}
	coins, ok := int64Field(fields, "coins")
	if !ok && kind == ProductTypeConsumable {
		return CatalogEntry{}, false
	}
	entry.Coins = coins
	return entry, validCatalogEntry(entry)
}

func validCatalogEntry(entry CatalogEntry) bool {
	if entry.ProductID == "" {
		return false
	}
	if entry.Type == ProductTypeConsumable {
		return entry.Coins > 0
	}
	return true
}

func stringField(fields map[string]any, keys ...string) string {
	for _, key := range keys {
		switch typed := fields[key].(type) {
		case string:
			if value := strings.TrimSpace(typed); value != "" {
				return value
			}
		case json.Number:
			return typed.String()
		case float64:
			return strconv.FormatFloat(typed, 'f', -1, 64)
		case int:
			return strconv.Itoa(typed)
		case int64:
			return strconv.FormatInt(typed, 10)
		}
	}
	return ""
}

func int64Field(fields map[string]any, key string) (int64, bool) {
	switch typed := fields[key].(type) {
	case int:
		return int64(typed), true
	case int64:
		return typed, true
	case float64:
		if typed != math.Trunc(typed) {
			return 0, false
		}
		return int64(typed), true
	case json.Number:
		value, err := typed.Int64()
		return value, err == nil
	case string:
		value, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
		return value, err == nil
	default:
		return 0, false
	}
}
