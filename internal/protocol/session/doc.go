// Package session owns the client<->gateway control helpers.
//
// Ownership boundary:
// - registration handshake and control message payloads (TLV)
// - relay session Open/Hup payloads
// - reliability config, retry/backoff primitives
// - transport security validation
package session
