// Package providers bundles the built-in purchase verifiers.
//
// Each subpackage verifies one store against its server API:
//
//   - storea: signed transactions and the server API transaction lookup
//   - storeb: product and subscription purchase tokens
//   - webwallet: captured orders and billing subscriptions
//
// Builtin wires all three into a core.Service together with their webhook
// decoders and webhook verification templates.
package providers
