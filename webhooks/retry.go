package webhooks

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-iap/core"
	glog "github.com/goliatone/go-logger/glog"
)

// NewRetryMessage packs a failed delivery into an iap.webhook.retry job.
func NewRetryMessage(req Request, deliveryID string, attempt int) *core.JobExecutionMessage {
	headers := make(map[string]any, len(req.Headers))
	for key, value := range req.Headers {
		headers[key] = value
	}
	return &core.JobExecutionMessage{
		JobID: core.JobIDWebhookRetry,
		Parameters: map[string]any{
			"provider":    req.Provider,
			"delivery_id": deliveryID,
			"body":        base64.StdEncoding.EncodeToString(req.Body),
			"headers":     headers,
			"attempt":     attempt,
		},
		IdempotencyKey: fmt.Sprintf("%s:%s:%d", req.Provider, deliveryID, attempt),
	}
}

// RequestFromRetryMessage restores the delivery carried by a retry job.
func RequestFromRetryMessage(msg *core.JobExecutionMessage) (Request, error) {
	if msg == nil {
		return Request{}, fmt.Errorf("webhooks: retry message is required")
	}
	if strings.TrimSpace(msg.JobID) != core.JobIDWebhookRetry {
		return Request{}, fmt.Errorf("webhooks: unexpected job %q", msg.JobID)
	}
	params := msg.Parameters
	provider := metadataString(params, "provider")
	deliveryID := metadataString(params, "delivery_id")
	if provider == "" || deliveryID == "" {
		return Request{}, fmt.Errorf("webhooks: retry message requires provider and delivery_id")
	}
	body, err := base64.StdEncoding.DecodeString(metadataString(params, "body"))
	if err != nil {
		return Request{}, fmt.Errorf("webhooks: decode retry body: %w", err)
	}

	headers := map[string]string{}
	switch typed := params["headers"].(type) {
	case map[string]string:
		for key, value := range typed {
			headers[key] = value
		}
	case map[string]any:
		for key, value := range typed {
			headers[key] = fmt.Sprint(value)
		}
	}
	return Request{
		Provider: provider,
		Headers:  headers,
		Body:     body,
		Metadata: map[string]any{"delivery_id": deliveryID},
	}, nil
}

// RetryWorker drains iap.webhook.retry jobs through a Processor.
type RetryWorker struct {
	Dequeuer     core.JobDequeuer
	Processor    *Processor
	RetryPolicy  RetryPolicy
	PollInterval time.Duration
	Logger       glog.Logger
}

func NewRetryWorker(dequeuer core.JobDequeuer, processor *Processor, logger glog.Logger) *RetryWorker {
	return &RetryWorker{
		Dequeuer:     dequeuer,
		Processor:    processor,
		RetryPolicy:  ExponentialRetryPolicy{},
		PollInterval: time.Second,
		Logger:       glog.Ensure(logger),
	}
}

// RunOnce handles at most one job. It reports false when the queue was empty.
func (w *RetryWorker) RunOnce(ctx context.Context) (bool, error) {
	if w == nil || w.Dequeuer == nil || w.Processor == nil {
		return false, fmt.Errorf("webhooks: retry worker requires dequeuer and processor")
	}
	delivery, err := w.Dequeuer.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if delivery == nil {
		return false, nil
	}

	req, err := RequestFromRetryMessage(delivery.Message())
	if err != nil {
		w.logger().Error("webhook retry rejected", "error", err)
		return true, delivery.Nack(ctx, core.JobNackOptions{DeadLetter: true, Reason: err.Error()})
	}
	deliveryID := metadataString(req.Metadata, "delivery_id")

	if _, procErr := w.Processor.Reprocess(ctx, req); procErr != nil {
		record, getErr := w.Processor.Ledger.Get(ctx, req.Provider, deliveryID)
		if getErr == nil && record.Status == DeliveryStatusDead {
			w.logger().Error("webhook retry exhausted",
				"provider", req.Provider, "delivery_id", deliveryID, "attempts", record.Attempts, "error", procErr)
			return true, delivery.Nack(ctx, core.JobNackOptions{DeadLetter: true, Reason: procErr.Error()})
		}
		delay := w.retryPolicy().NextDelay(record.Attempts)
		w.logger().Info("webhook retry rescheduled",
			"provider", req.Provider, "delivery_id", deliveryID, "delay", delay.String(), "error", procErr)
		return true, delivery.Nack(ctx, core.JobNackOptions{Delay: delay, Requeue: true, Reason: procErr.Error()})
	}

	w.logger().Debug("webhook retry processed", "provider", req.Provider, "delivery_id", deliveryID)
	return true, delivery.Ack(ctx)
}

// Run polls until ctx is cancelled.
func (w *RetryWorker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		handled, err := w.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger().Error("webhook retry worker failed", "error", err)
		}
		if handled && err == nil {
			continue
		}
		timer := time.NewTimer(w.pollInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (w *RetryWorker) retryPolicy() RetryPolicy {
	if w.RetryPolicy != nil {
		return w.RetryPolicy
	}
	return ExponentialRetryPolicy{}
}

func (w *RetryWorker) pollInterval() time.Duration {
	if w.PollInterval > 0 {
		return w.PollInterval
	}
	return time.Second
}

func (w *RetryWorker) logger() glog.Logger {
	return glog.Ensure(w.Logger)
}
