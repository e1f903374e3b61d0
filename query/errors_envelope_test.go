package query

import (
	"context"
	"testing"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-iap/core"
)

func TestGetEntitlementsMessage_ValidateReturnsRichError(t *testing.T) {
	err := (GetEntitlementsMessage{}).Validate()

	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryValidation {
		t.Fatalf("expected validation category, got %q", rich.Category)
	}
	if rich.TextCode != core.ErrorBadInput {
		t.Fatalf("expected %q text code, got %q", core.ErrorBadInput, rich.TextCode)
	}
}

func TestQueries_NilDependenciesReturnRichError(t *testing.T) {
	var entitlements *GetEntitlementsQuery
	if _, err := entitlements.Query(context.Background(), GetEntitlementsMessage{ProfileID: "p1"}); core.TextCode(err) != core.ErrorInternal {
		t.Fatalf("expected internal text code, got %v", err)
	}
	if _, err := NewFindLedgerRecordQuery(nil).Query(context.Background(), FindLedgerRecordMessage{}); core.TextCode(err) != core.ErrorInternal {
		t.Fatalf("expected internal text code, got %v", err)
	}
}
