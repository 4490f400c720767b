// Package ws implements the hub side of the relay: a registry of live
// WebSocket connections keyed by router-assigned identities, and a router
// that moves identity-tagged frames between those connections and the local
// application.
//
// The package implements:
//   - Registry: identity allocation and the identity -> client map
//   - Client: one accepted connection with its bounded send queue
//   - Router: accept/close handling, inbound events, SendTo delivery
//   - HandleConnection: HTTP upgrade plus the per-connection read/write pumps
//
// Every accepted connection is served by its own read and write goroutines.
// The registry is the only state they share.
package ws
