package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// DeriveTransactionID builds a deterministic id for providers that do not
// return one. Identical inputs collide; any payload difference does not.
func DeriveTransactionID(provider string, productID string, payload PurchasePayload) string {
	// encoding/json sorts map keys, so the encoding is canonical.
	encoded, err := json.Marshal(payload)
	if err != nil {
		encoded = []byte(payload.Receipt + payload.PurchaseToken + payload.OrderID + payload.TransactionID + payload.SubscriptionID)
	}
	sum := sha256.New()
	sum.Write([]byte(strings.ToLower(strings.TrimSpace(provider))))
	sum.Write([]byte{'|'})
	sum.Write([]byte(NormalizeProductID(productID)))
	sum.Write([]byte{'|'})
	sum.Write(encoded)
	return hex.EncodeToString(sum.Sum(nil))
}
