package webhooks

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryDeliveryLedger is a process-local DeliveryLedger for tests and single
// instance deployments.
type MemoryDeliveryLedger struct {
	mu      sync.Mutex
	records map[string]*DeliveryRecord
	claims  map[string]string
	Now     func() time.Time
}

func NewMemoryDeliveryLedger() *MemoryDeliveryLedger {
	return &MemoryDeliveryLedger{
		records: map[string]*DeliveryRecord{},
		claims:  map[string]string{},
	}
}

func (l *MemoryDeliveryLedger) Claim(
	_ context.Context,
	provider string,
	deliveryID string,
	_ []byte,
	lease time.Duration,
) (DeliveryRecord, bool, error) {
	provider = strings.TrimSpace(provider)
	deliveryID = strings.TrimSpace(deliveryID)
	if provider == "" || deliveryID == "" {
		return DeliveryRecord{}, false, fmt.Errorf("webhooks: provider and delivery id are required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	key := deliveryKey(provider, deliveryID)
	record, ok := l.records[key]
	if !ok {
		record = &DeliveryRecord{
			ID:         uuid.NewString(),
			Provider:   provider,
			DeliveryID: deliveryID,
			CreatedAt:  now,
		}
		l.records[key] = record
	} else {
		switch record.Status {
		case DeliveryStatusProcessed, DeliveryStatusDead:
			return *record, false, nil
		case DeliveryStatusProcessing:
			if record.NextAttemptAt != nil && now.Before(*record.NextAttemptAt) {
				return *record, false, nil
			}
		}
		delete(l.claims, record.ClaimID)
	}

	leaseUntil := now.Add(lease)
	record.ClaimID = uuid.NewString()
	record.Status = DeliveryStatusProcessing
	record.Attempts++
	record.NextAttemptAt = &leaseUntil
	record.UpdatedAt = now
	l.claims[record.ClaimID] = key
	return *record, true, nil
}

func (l *MemoryDeliveryLedger) Get(_ context.Context, provider string, deliveryID string) (DeliveryRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	record, ok := l.records[deliveryKey(strings.TrimSpace(provider), strings.TrimSpace(deliveryID))]
	if !ok {
		return DeliveryRecord{}, fmt.Errorf("webhooks: delivery %s/%s not found", provider, deliveryID)
	}
	return *record, nil
}

func (l *MemoryDeliveryLedger) Complete(_ context.Context, claimID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	record, err := l.claimed(claimID)
	if err != nil {
		return err
	}
	record.Status = DeliveryStatusProcessed
	record.NextAttemptAt = nil
	record.LastError = ""
	record.LastStatusCode = 0
	record.LastErrorCode = ""
	record.UpdatedAt = l.now()
	delete(l.claims, claimID)
	return nil
}

func (l *MemoryDeliveryLedger) Fail(_ context.Context, claimID string, cause error, nextAttemptAt time.Time, maxAttempts int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	record, err := l.claimed(claimID)
	if err != nil {
		return err
	}
	if cause != nil {
		record.LastError = cause.Error()
	}
	record.LastStatusCode, record.LastErrorCode = FailureStatus(cause)
	if maxAttempts > 0 && record.Attempts >= maxAttempts {
		record.Status = DeliveryStatusDead
		record.NextAttemptAt = nil
	} else {
		next := nextAttemptAt.UTC()
		record.Status = DeliveryStatusRetryReady
		record.NextAttemptAt = &next
	}
	record.UpdatedAt = l.now()
	delete(l.claims, claimID)
	return nil
}

func (l *MemoryDeliveryLedger) claimed(claimID string) (*DeliveryRecord, error) {
	key, ok := l.claims[strings.TrimSpace(claimID)]
	if !ok {
		return nil, fmt.Errorf("webhooks: claim %q not found", claimID)
	}
	return l.records[key], nil
}

func (l *MemoryDeliveryLedger) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

func deliveryKey(provider string, deliveryID string) string {
	return strings.ToLower(provider) + "\x00" + deliveryID
}
