// Package session owns the registration handshake and message shapes exchanged
// between a peer under test and the fake server.
//
// Ownership boundary:
// - registration tuple parsing and validation
// - inbound application message envelope
// - per-connection timeouts and end-of-stream retry policy
//
// Wire shape of the first frame on every inbound connection:
//
//	["register", <ignored>, replyPort, hears, speaks, <ignored>, protocolVersion]
package session
