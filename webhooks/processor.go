package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-iap/core"
)

const (
	DeliveryStatusPending    = "pending"
	DeliveryStatusProcessing = "processing"
	DeliveryStatusProcessed  = "processed"
	DeliveryStatusRetryReady = "retry_ready"
	DeliveryStatusDead       = "dead"
)

// Request is a raw provider callback as received by the host transport.
type Request struct {
	Provider string
	Headers  map[string]string
	Body     []byte
	Metadata map[string]any
}

var (
	ErrDeliveryDead     = errors.New("webhooks: delivery is dead")
	ErrDeliveryInFlight = errors.New("webhooks: delivery is being processed")
)

type Result struct {
	Accepted   bool
	StatusCode int
	Metadata   map[string]any
}

type DeliveryRecord struct {
	ID         string
	ClaimID    string
	Provider   string
	DeliveryID string
	Status     string
	Attempts   int
	LastError  string
	// LastStatusCode and LastErrorCode replay the failure of a dead delivery.
	LastStatusCode int
	LastErrorCode  string
	NextAttemptAt  *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DeliveryLedger tracks callback deliveries so a provider retry of an already
// processed delivery is acknowledged without reapplying it.
type DeliveryLedger interface {
	Claim(
		ctx context.Context,
		provider string,
		deliveryID string,
		payload []byte,
		lease time.Duration,
	) (DeliveryRecord, bool, error)
	Get(ctx context.Context, provider string, deliveryID string) (DeliveryRecord, error)
	Complete(ctx context.Context, claimID string) error
	Fail(ctx context.Context, claimID string, cause error, nextAttemptAt time.Time, maxAttempts int) error
}

type Verifier interface {
	Verify(ctx context.Context, req Request) error
}

type VerifierFunc func(ctx context.Context, req Request) error

func (f VerifierFunc) Verify(ctx context.Context, req Request) error {
	return f(ctx, req)
}

type DeliveryIDExtractor func(req Request) (string, error)

type RetryPolicy interface {
	NextDelay(attempt int) time.Duration
}

type Handler interface {
	Handle(ctx context.Context, req Request) (Result, error)
}

type HandlerFunc func(ctx context.Context, req Request) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

type ExponentialRetryPolicy struct {
	Initial time.Duration
	Max     time.Duration
}

func (p ExponentialRetryPolicy) NextDelay(attempt int) time.Duration {
	initial := p.Initial
	if initial <= 0 {
		initial = time.Second
	}
	maximum := p.Max
	if maximum <= 0 {
		maximum = 5 * time.Minute
	}
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maximum {
			return maximum
		}
	}
	if delay > maximum {
		return maximum
	}
	return delay
}

type Processor struct {
	Verifier    Verifier
	Ledger      DeliveryLedger
	Handler     Handler
	ExtractID   DeliveryIDExtractor
	RetryPolicy RetryPolicy
	// Retries receives an iap.webhook.retry job when a delivery fails with a
	// retryable error. Nil leaves redelivery to the provider.
	Retries     core.JobEnqueuer
	Retryable   func(err error) bool
	ClaimLease  time.Duration
	MaxAttempts int
	Now         func() time.Time
}

func NewProcessor(verifier Verifier, ledger DeliveryLedger, handler Handler) *Processor {
	return &Processor{
		Verifier:    verifier,
		Ledger:      ledger,
		Handler:     handler,
		ExtractID:   DefaultDeliveryIDExtractor,
		RetryPolicy: ExponentialRetryPolicy{},
		Retryable:   IsRetryable,
		ClaimLease:  30 * time.Second,
		MaxAttempts: 8,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Process runs a callback through verification, dedupe and the handler. A
// retryable failure schedules an iap.webhook.retry job when Retries is set.
func (p *Processor) Process(ctx context.Context, req Request) (Result, error) {
	return p.process(ctx, req, true)
}

// Reprocess is Process without scheduling a retry job; the retry worker uses
// it and relies on its own nack delay instead.
func (p *Processor) Reprocess(ctx context.Context, req Request) (Result, error) {
	return p.process(ctx, req, false)
}

func (p *Processor) process(ctx context.Context, req Request, scheduleRetry bool) (Result, error) {
	if p == nil || p.Handler == nil || p.Ledger == nil {
		return Result{}, fmt.Errorf("webhooks: processor requires handler and ledger")
	}

	provider, err := core.NormalizeProvider(req.Provider)
	if err != nil {
		return rejected(req.Provider, http.StatusBadRequest), err
	}
	req.Provider = provider

	if p.Verifier != nil {
		if err := p.Verifier.Verify(ctx, req); err != nil {
			return rejected(provider, http.StatusUnauthorized), err
		}
	}

	extractor := p.ExtractID
	if extractor == nil {
		extractor = DefaultDeliveryIDExtractor
	}
	deliveryID, err := extractor(req)
	if err != nil {
		return rejected(provider, http.StatusBadRequest), err
	}

	delivery, claimed, err := p.Ledger.Claim(ctx, provider, deliveryID, req.Body, p.claimLease())
	if err != nil {
		return Result{StatusCode: http.StatusServiceUnavailable}, err
	}
	if !claimed {
		return unclaimed(provider, delivery)
	}

	req.Metadata = withMetadata(req.Metadata, "delivery_id", deliveryID)
	result, err := p.Handler.Handle(ctx, req)
	if err == nil && !result.Accepted {
		err = fmt.Errorf("webhooks: delivery handler returned status %d", result.StatusCode)
	}
	if err != nil {
		retryable := p.retryable(err)
		maxAttempts := p.maxAttempts()
		if !retryable {
			maxAttempts = delivery.Attempts
		}
		nextAttemptAt := p.now().Add(p.retryPolicy().NextDelay(delivery.Attempts))
		if failErr := p.Ledger.Fail(ctx, delivery.ClaimID, err, nextAttemptAt, maxAttempts); failErr != nil {
			return Result{StatusCode: http.StatusServiceUnavailable}, failErr
		}
		final := !retryable || delivery.Attempts >= p.maxAttempts()
		if scheduleRetry && !final && p.Retries != nil {
			if enqueueErr := p.Retries.Enqueue(ctx, NewRetryMessage(req, deliveryID, delivery.Attempts)); enqueueErr != nil {
				return Result{StatusCode: http.StatusServiceUnavailable}, enqueueErr
			}
		}
		return Result{
			Accepted:   false,
			StatusCode: statusCodeFor(err),
			Metadata: map[string]any{
				"provider":    provider,
				"delivery_id": deliveryID,
				"attempts":    delivery.Attempts,
				"retryable":   !final,
			},
		}, err
	}

	if err := p.Ledger.Complete(ctx, delivery.ClaimID); err != nil {
		return Result{StatusCode: http.StatusServiceUnavailable}, err
	}
	if result.StatusCode == 0 {
		result.StatusCode = http.StatusOK
	}
	result.Metadata = withMetadata(result.Metadata, "provider", provider)
	result.Metadata["delivery_id"] = deliveryID
	return result, nil
}

// unclaimed answers a redelivery the ledger would not hand out. Only a
// processed delivery is acknowledged; a dead one repeats its recorded failure
// and an in-flight one asks the provider to come back later.
func unclaimed(provider string, delivery DeliveryRecord) (Result, error) {
	metadata := map[string]any{
		"provider":    provider,
		"delivery_id": delivery.DeliveryID,
		"status":      delivery.Status,
		"attempts":    delivery.Attempts,
	}
	switch delivery.Status {
	case DeliveryStatusProcessed:
		metadata["deduped"] = true
		return Result{Accepted: true, StatusCode: http.StatusOK, Metadata: metadata}, nil
	case DeliveryStatusDead:
		status := delivery.LastStatusCode
		if status < http.StatusBadRequest {
			status = http.StatusUnprocessableEntity
		}
		metadata["retryable"] = false
		if delivery.LastErrorCode != "" {
			metadata["error_code"] = delivery.LastErrorCode
		}
		return Result{Accepted: false, StatusCode: status, Metadata: metadata},
			fmt.Errorf("%w: %s", ErrDeliveryDead, delivery.LastError)
	default:
		metadata["retryable"] = true
		return Result{Accepted: false, StatusCode: http.StatusConflict, Metadata: metadata}, ErrDeliveryInFlight
	}
}

// FailureStatus is the HTTP status and text code a ledger records for a
// failed delivery.
func FailureStatus(err error) (int, string) {
	if err == nil {
		return 0, ""
	}
	return statusCodeFor(err), core.TextCode(err)
}

// IsRetryable reports whether a handler failure may succeed on redelivery.
// Caller-side faults are permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch core.TextCode(err) {
	case core.ErrorBadInput, core.ErrorUnsupportedProvider, core.ErrorUnknownProduct, core.ErrorPolicyViolation:
		return false
	}
	return true
}

func DefaultDeliveryIDExtractor(req Request) (string, error) {
	if req.Metadata != nil {
		if value := strings.TrimSpace(fmt.Sprint(req.Metadata["delivery_id"])); value != "" && value != "<nil>" {
			return value, nil
		}
	}
	if value := headerValue(req.Headers, "x-delivery-id"); value != "" {
		return value, nil
	}
	return "", fmt.Errorf("webhooks: delivery id is required for dedupe")
}

func statusCodeFor(err error) int {
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && richErr.Code >= http.StatusBadRequest {
		return richErr.Code
	}
	return http.StatusInternalServerError
}

func rejected(provider string, status int) Result {
	return Result{
		Accepted:   false,
		StatusCode: status,
		Metadata: map[string]any{
			"provider": strings.TrimSpace(provider),
			"rejected": true,
		},
	}
}

func (p *Processor) now() time.Time {
	if p != nil && p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p *Processor) retryPolicy() RetryPolicy {
	if p != nil && p.RetryPolicy != nil {
		return p.RetryPolicy
	}
	return ExponentialRetryPolicy{}
}

func (p *Processor) retryable(err error) bool {
	if p != nil && p.Retryable != nil {
		return p.Retryable(err)
	}
	return IsRetryable(err)
}

func (p *Processor) claimLease() time.Duration {
	if p != nil && p.ClaimLease > 0 {
		return p.ClaimLease
	}
	return 30 * time.Second
}

func (p *Processor) maxAttempts() int {
	if p != nil && p.MaxAttempts > 0 {
		return p.MaxAttempts
	}
	return 8
}

func withMetadata(metadata map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}
	out[key] = value
	return out
}

func headerValue(headers map[string]string, key string) string {
	if len(headers) == 0 {
		return ""
	}
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), strings.TrimSpace(key)) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
