// Package session owns the Authentication module wire contract and the
// link/session settings shared by client and server.
//
// Ownership boundary:
// - Hello/Authenticate/AuthResponse handshake packets
// - ExtendSession request/response packets
// - credential kinds carried inside Authenticate
// - keepalive, timeout, lifetime and backoff settings
// - transport security policy and TLS config builders
//
// Field numbers are listed in api/authentication.proto.
package session
