// Package relay bridges browser websockets to SSH shell sessions.
//
// Clients exchange JSON [Frame] values. A socket becomes bound to a session
// the first time it sends input or resize for an existing session, and the
// most recent sender wins: shell output is delivered only to the bound socket
// and is dropped while no socket is bound. A close notice from a shell that
// has already been replaced does not touch the binding.
//
// Every socket has a bounded outbound queue drained by its own writer
// goroutine. A socket whose queue overflows is closed with a policy-violation
// status. A periodic sweep pings each socket and terminates those that did
// not answer the previous ping.
//
// Logs use the [relay] prefix.
package relay
