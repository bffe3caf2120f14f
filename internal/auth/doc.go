// Package auth runs the Authentication module on top of transport.
//
// Ownership boundary:
// - credential verifiers keyed by AuthType
// - per-connection session table and its state transitions
// - server handshake: Hello, Authenticate, AuthResponse, ExtendSession, expiry
// - client handshake: credential provider, auto-extension, Await
//
// Other modules call Server.RequireSession before trusting a connection.
package auth
