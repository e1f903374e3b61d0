package webhooks

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-iap/core"
)

func TestProcessor_DedupesDeliveries(t *testing.T) {
	ledger := NewMemoryDeliveryLedger()
	handler := &stubWebhookHandler{result: Result{Accepted: true, StatusCode: http.StatusAccepted}}
	processor := NewProcessor(stubVerifier{}, ledger, handler)

	req := Request{
		Provider: "paypal",
		Metadata: map[string]any{"delivery_id": "delivery-1"},
	}

	first, err := processor.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("process first webhook: %v", err)
	}
	if !first.Accepted || first.Metadata["provider"] != core.ProviderWebWallet {
		t.Fatalf("expected first delivery accepted for canonical provider, got %#v", first)
	}

	second, err := processor.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("process duplicate webhook: %v", err)
	}
	if !second.Accepted || second.Metadata["deduped"] != true {
		t.Fatalf("expected duplicate to be accepted as deduped, got %#v", second)
	}
	if handler.calls != 1 {
		t.Fatalf("expected handler to run once, got %d", handler.calls)
	}
	if handler.lastReq.Metadata["delivery_id"] != "delivery-1" {
		t.Fatalf("expected delivery id passed to handler, got %#v", handler.lastReq.Metadata)
	}
}

func TestProcessor_RetryableFailureSchedulesRetry(t *testing.T) {
	now := time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)
	ledger := NewMemoryDeliveryLedger()
	handler := &stubWebhookHandler{err: errors.New("store unavailable")}
	enqueuer := &captureEnqueuer{}
	processor := NewProcessor(stubVerifier{}, ledger, handler)
	processor.RetryPolicy = ExponentialRetryPolicy{Initial: time.Second, Max: 4 * time.Second}
	processor.Retries = enqueuer
	processor.Now = func() time.Time { return now }

	req := Request{
		Provider: "google",
		Headers:  map[string]string{"X-Delivery-Id": "42"},
		Body:     []byte(`{"purchase_token":"t"}`),
	}
	result, err := processor.Process(context.Background(), req)
	if err == nil {
		t.Fatalf("expected handler failure")
	}
	if result.Accepted || result.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected non-accepted 500 result, got %#v", result)
	}
	if result.Metadata["retryable"] != true {
		t.Fatalf("expected retryable marker, got %#v", result.Metadata)
	}

	record, err := ledger.Get(context.Background(), core.ProviderStoreB, "42")
	if err != nil {
		t.Fatalf("load delivery record: %v", err)
	}
	if record.Status != DeliveryStatusRetryReady || record.Attempts != 1 {
		t.Fatalf("expected retry_ready after first attempt, got %#v", record)
	}
	if record.NextAttemptAt == nil || !record.NextAttemptAt.Equal(now.Add(time.Second)) {
		t.Fatalf("expected next attempt after initial delay, got %v", record.NextAttemptAt)
	}
	if record.LastError != "store unavailable" {
		t.Fatalf("expected last error recorded, got %q", record.LastError)
	}

	if len(enqueuer.messages) != 1 {
		t.Fatalf("expected one retry job, got %d", len(enqueuer.messages))
	}
	msg := enqueuer.messages[0]
	if msg.JobID != core.JobIDWebhookRetry || msg.Parameters["delivery_id"] != "42" {
		t.Fatalf("unexpected retry job %#v", msg)
	}
}

func TestProcessor_PermanentFailureGoesDead(t *testing.T) {
	ledger := NewMemoryDeliveryLedger()
	permanent := goerrors.New("unknown product coins_x", goerrors.CategoryValidation).
		WithTextCode(core.ErrorUnknownProduct)
	permanent.Code = http.StatusBadRequest
	handler := &stubWebhookHandler{err: permanent}
	enqueuer := &captureEnqueuer{}
	processor := NewProcessor(stubVerifier{}, ledger, handler)
	processor.Retries = enqueuer

	result, err := processor.Process(context.Background(), Request{
		Provider: "storeA",
		Metadata: map[string]any{"delivery_id": "n-1"},
	})
	if err == nil {
		t.Fatalf("expected permanent failure")
	}
	if result.StatusCode != http.StatusBadRequest || result.Metadata["retryable"] != false {
		t.Fatalf("expected final 400 result, got %#v", result)
	}
	record, _ := ledger.Get(context.Background(), core.ProviderStoreA, "n-1")
	if record.Status != DeliveryStatusDead {
		t.Fatalf("expected dead delivery, got %q", record.Status)
	}
	if len(enqueuer.messages) != 0 {
		t.Fatalf("expected no retry job for permanent failure")
	}

	again, err := processor.Process(context.Background(), Request{
		Provider: "storeA",
		Metadata: map[string]any{"delivery_id": "n-1"},
	})
	if !errors.Is(err, ErrDeliveryDead) {
		t.Fatalf("expected dead delivery error, got %v", err)
	}
	if again.Accepted || again.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected dead delivery to repeat its 400 failure, got %#v", again)
	}
	if again.Metadata["deduped"] != nil || again.Metadata["error_code"] != core.ErrorUnknownProduct {
		t.Fatalf("expected recorded error code without dedupe marker, got %#v", again.Metadata)
	}
	if handler.calls != 1 {
		t.Fatalf("expected dead delivery not to rerun handler")
	}
}

func TestProcessor_ExhaustedDeliveryRepeatsLastStatus(t *testing.T) {
	ledger := NewMemoryDeliveryLedger()
	handler := &stubWebhookHandler{err: errors.New("timeout")}
	processor := NewProcessor(stubVerifier{}, ledger, handler)
	processor.MaxAttempts = 1

	req := Request{Provider: "storeB", Metadata: map[string]any{"delivery_id": "x-1"}}
	if _, err := processor.Process(context.Background(), req); err == nil {
		t.Fatalf("expected first attempt to fail")
	}
	record, _ := ledger.Get(context.Background(), core.ProviderStoreB, "x-1")
	if record.Status != DeliveryStatusDead || record.LastStatusCode != http.StatusInternalServerError {
		t.Fatalf("expected dead record with last status, got %#v", record)
	}

	again, err := processor.Process(context.Background(), req)
	if !errors.Is(err, ErrDeliveryDead) || again.Accepted {
		t.Fatalf("expected dead redelivery to be refused, got %#v %v", again, err)
	}
	if again.StatusCode != http.StatusInternalServerError || again.Metadata["retryable"] != false {
		t.Fatalf("expected stored 500 status, got %#v", again)
	}
	if handler.calls != 1 {
		t.Fatalf("expected handler to run once, got %d", handler.calls)
	}
}

func TestProcessor_InFlightDeliveryIsNotAcknowledged(t *testing.T) {
	ledger := NewMemoryDeliveryLedger()
	handler := &stubWebhookHandler{result: Result{Accepted: true}}
	processor := NewProcessor(stubVerifier{}, ledger, handler)

	if _, claimed, err := ledger.Claim(context.Background(), core.ProviderStoreA, "f-1", nil, time.Minute); err != nil || !claimed {
		t.Fatalf("expected first claim, got %v %v", claimed, err)
	}
	result, err := processor.Process(context.Background(), Request{
		Provider: "storeA",
		Metadata: map[string]any{"delivery_id": "f-1"},
	})
	if !errors.Is(err, ErrDeliveryInFlight) {
		t.Fatalf("expected in-flight error, got %v", err)
	}
	if result.Accepted || result.StatusCode != http.StatusConflict || result.Metadata["retryable"] != true {
		t.Fatalf("expected retryable conflict, got %#v", result)
	}
	if handler.calls != 0 {
		t.Fatalf("expected handler not to run for in-flight delivery")
	}
}

func TestProcessor_ExhaustsAttempts(t *testing.T) {
	ledger := NewMemoryDeliveryLedger()
	handler := &stubWebhookHandler{err: errors.New("timeout")}
	processor := NewProcessor(stubVerifier{}, ledger, handler)
	processor.MaxAttempts = 2

	req := Request{Provider: "storeB", Metadata: map[string]any{"delivery_id": "m-1"}}
	for attempt := 1; attempt <= 2; attempt++ {
		if _, err := processor.Reprocess(context.Background(), req); err == nil {
			t.Fatalf("expected failure on attempt %d", attempt)
		}
	}
	record, _ := ledger.Get(context.Background(), core.ProviderStoreB, "m-1")
	if record.Status != DeliveryStatusDead || record.Attempts != 2 {
		t.Fatalf("expected dead after max attempts, got %#v", record)
	}
}

func TestProcessor_RejectsInvalidSignature(t *testing.T) {
	ledger := NewMemoryDeliveryLedger()
	handler := &stubWebhookHandler{}
	processor := NewProcessor(stubVerifier{err: errors.New("signature mismatch")}, ledger, handler)

	result, err := processor.Process(context.Background(), Request{
		Provider: "storeA",
		Metadata: map[string]any{"delivery_id": "delivery-2"},
	})
	if err == nil {
		t.Fatalf("expected verifier error")
	}
	if result.StatusCode != http.StatusUnauthorized || result.Accepted {
		t.Fatalf("expected unauthorized rejection, got %#v", result)
	}
	if handler.calls != 0 {
		t.Fatalf("expected handler not to run when verification fails")
	}
}

func TestProcessor_RejectsUnsupportedProvider(t *testing.T) {
	processor := NewProcessor(nil, NewMemoryDeliveryLedger(), &stubWebhookHandler{})
	result, err := processor.Process(context.Background(), Request{
		Provider: "steam",
		Metadata: map[string]any{"delivery_id": "d"},
	})
	if !errors.Is(err, core.ErrUnsupportedProvider) {
		t.Fatalf("expected unsupported provider, got %v", err)
	}
	if result.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d", result.StatusCode)
	}
}

func TestProcessor_HandlerNotAcceptedIsFailure(t *testing.T) {
	ledger := NewMemoryDeliveryLedger()
	handler := &stubWebhookHandler{result: Result{Accepted: false, StatusCode: http.StatusServiceUnavailable}}
	processor := NewProcessor(nil, ledger, handler)

	result, err := processor.Process(context.Background(), Request{
		Provider: "storeB",
		Metadata: map[string]any{"delivery_id": "d-9"},
	})
	if err == nil || result.Accepted {
		t.Fatalf("expected non-accepted handler result to fail, got %#v", result)
	}
	record, _ := ledger.Get(context.Background(), core.ProviderStoreB, "d-9")
	if record.Status != DeliveryStatusRetryReady {
		t.Fatalf("expected retry_ready, got %q", record.Status)
	}
}

func TestMemoryDeliveryLedger_LeaseBlocksConcurrentClaim(t *testing.T) {
	now := time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)
	ledger := NewMemoryDeliveryLedger()
	ledger.Now = func() time.Time { return now }
	ctx := context.Background()

	first, claimed, err := ledger.Claim(ctx, "storeA", "d", nil, time.Minute)
	if err != nil || !claimed {
		t.Fatalf("expected first claim, got %v %v", claimed, err)
	}
	if _, claimed, _ := ledger.Claim(ctx, "storeA", "d", nil, time.Minute); claimed {
		t.Fatalf("expected live lease to block second claim")
	}

	now = now.Add(2 * time.Minute)
	second, claimed, err := ledger.Claim(ctx, "storeA", "d", nil, time.Minute)
	if err != nil || !claimed {
		t.Fatalf("expected expired lease to be reclaimable, got %v %v", claimed, err)
	}
	if second.Attempts != 2 || second.ClaimID == first.ClaimID {
		t.Fatalf("expected new claim and attempt count, got %#v", second)
	}
	if err := ledger.Complete(ctx, first.ClaimID); err == nil {
		t.Fatalf("expected stale claim id to be rejected")
	}
	if err := ledger.Complete(ctx, second.ClaimID); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestExponentialRetryPolicy_Bounded(t *testing.T) {
	policy := ExponentialRetryPolicy{Initial: time.Second, Max: 5 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: time.Second},
		{attempt: 1, want: time.Second},
		{attempt: 2, want: 2 * time.Second},
		{attempt: 3, want: 4 * time.Second},
		{attempt: 4, want: 5 * time.Second},
		{attempt: 40, want: 5 * time.Second},
	}
	for _, tt := range tests {
		if got := policy.NextDelay(tt.attempt); got != tt.want {
			t.Fatalf("attempt %d: expected %s, got %s", tt.attempt, tt.want, got)
		}
	}
}

type stubVerifier struct {
	err error
}

func (v stubVerifier) Verify(context.Context, Request) error {
	return v.err
}

type stubWebhookHandler struct {
	result  Result
	err     error
	calls   int
	lastReq Request
}

func (h *stubWebhookHandler) Handle(_ context.Context, req Request) (Result, error) {
	h.calls++
	h.lastReq = req
	if h.err != nil {
		return Result{}, h.err
	}
	return h.result, nil
}

type captureEnqueuer struct {
	messages []*core.JobExecutionMessage
}

func (e *captureEnqueuer) Enqueue(_ context.Context, msg *core.JobExecutionMessage) error {
	e.messages = append(e.messages, msg)
	return nil
}
