// Package fakeserver impersonates the server peer of the length-prefixed JSON
// pub/sub protocol so a system under test can be exercised end to end.
//
// Ownership boundary:
// - accept loop and tracked client list (Server)
// - per-connection registration handshake and read loop (Client)
// - peer-initiated push channel opened back to each registered peer (Responder)
//
// Clients are never removed while the server runs. Closed clients are filtered
// out when the list is read and discarded on Stop.
package fakeserver
