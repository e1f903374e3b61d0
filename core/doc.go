// Package core contains the purchase verification and entitlement ledger
// contracts, entities, and orchestration logic. Store backends and provider
// adapters depend on this package; core must not depend on them.
package core
