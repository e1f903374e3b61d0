package query

import (
	"context"
	"strings"

	"github.com/goliatone/go-iap/core"
)

type EntitlementsReader interface {
	GetEntitlements(ctx context.Context, profileID string) (core.Entitlements, error)
}

type GetEntitlementsQuery struct {
	reader EntitlementsReader
}

func NewGetEntitlementsQuery(reader EntitlementsReader) *GetEntitlementsQuery {
	return &GetEntitlementsQuery{reader: reader}
}

func (q *GetEntitlementsQuery) Query(ctx context.Context, msg GetEntitlementsMessage) (core.Entitlements, error) {
	if q == nil || q.reader == nil {
		return core.Entitlements{}, queryDependencyError("query: entitlements reader is required")
	}
	return q.reader.GetEntitlements(ctx, strings.TrimSpace(msg.ProfileID))
}

type FindLedgerRecordQuery struct {
	finder core.LedgerRecordFinder
}

func NewFindLedgerRecordQuery(finder core.LedgerRecordFinder) *FindLedgerRecordQuery {
	return &FindLedgerRecordQuery{finder: finder}
}

func (q *FindLedgerRecordQuery) Query(ctx context.Context, msg FindLedgerRecordMessage) (LedgerRecordLookup, error) {
	if q == nil || q.finder == nil {
		return LedgerRecordLookup{}, queryDependencyError("query: ledger record finder is required")
	}
	provider := strings.TrimSpace(msg.Provider)
	if normalized, err := core.NormalizeProvider(provider); err == nil {
		provider = normalized
	}
	record, found, err := q.finder.FindTransaction(ctx, provider, strings.TrimSpace(msg.ExternalTransactionID))
	if err != nil {
		return LedgerRecordLookup{}, core.WrapStorageError(err, "query: find ledger record failed")
	}
	return LedgerRecordLookup{Record: record, Found: found}, nil
}
