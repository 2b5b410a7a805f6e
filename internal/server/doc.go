// Package server is the connection lifecycle manager of the echo service.
//
// A Server binds a TCP listener, runs an accept loop, and hands every accepted
// connection to its own Client goroutine. A Client reads up to ReadBufferSize
// bytes, decodes them with the configured Codec, and writes the same message
// back, flushing after every reply. Undecodable reads are dropped and the
// session keeps going; any other I/O error ends that session only.
//
// # Shutdown
//
// Accept and session reads use short deadlines (AcceptPollInterval and
// ReadPollInterval), so both loops notice Stop within one interval. Stop
// cancels the sessions of the current run and wakes a pending Accept, but
// keeps the socket bound: Run may be called again. Shutdown and Close are
// final and release the socket; Shutdown also waits for sessions to drain.
//
// # Registry
//
// Connected peers are tracked in a Registry keyed by transport and remote
// address. The map is owned by one goroutine; callers talk to it over channels.
package server
