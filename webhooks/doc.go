// Package webhooks ingests store notifications: it verifies the sender,
// dedupes deliveries and hands the payload to the entitlement service.
//
// Delivery processing is driven by a claim lifecycle:
// pending/retry_ready -> processing -> processed|dead.
// Caller faults (bad input, unknown product, policy) go straight to dead;
// other failures become retry_ready and may be redelivered by the
// iap.webhook.retry job.
package webhooks
