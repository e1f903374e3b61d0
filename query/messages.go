package query

import (
	"strings"

	"github.com/goliatone/go-iap/core"
)

const (
	TypeGetEntitlements  = "iap.query.entitlements.get"
	TypeFindLedgerRecord = "iap.query.ledger.find"
)

type GetEntitlementsMessage struct {
	ProfileID string
}

func (GetEntitlementsMessage) Type() string { return TypeGetEntitlements }

func (m GetEntitlementsMessage) Validate() error {
	if strings.TrimSpace(m.ProfileID) == "" {
		return queryValidationError("profile_id", "profile id is required")
	}
	return nil
}

// FindLedgerRecordMessage looks up one applied transaction. Adjustments are
// stored under the internal provider with the idempotency key as id.
type FindLedgerRecordMessage struct {
	Provider              string
	ExternalTransactionID string
}

func (FindLedgerRecordMessage) Type() string { return TypeFindLedgerRecord }

func (m FindLedgerRecordMessage) Validate() error {
	if strings.TrimSpace(m.Provider) == "" {
		return queryValidationError("provider", "provider is required")
	}
	if strings.TrimSpace(m.ExternalTransactionID) == "" {
		return queryValidationError("external_transaction_id", "external transaction id is required")
	}
	return nil
}

type LedgerRecordLookup struct {
	Record core.LedgerRecord `json:"record"`
	Found  bool              `json:"found"`
}
