// Package transport carries module packets over QUIC links.
//
// Ownership boundary:
// - per-instance handler registry (module -> Handler)
// - client link: connect, resolve, single poll loop, ordered send
// - server listener: accept, per-connection read loops, subscriptions
// - dispatch with silent drop of unmatched packets plus drop counters
//
// Every link uses one bidirectional stream. A frame carries one TLV
// payload {module, payload}; see internal/protocol/schema.
package transport
