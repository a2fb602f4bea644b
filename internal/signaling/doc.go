// Package signaling implements both sides of the call signaling wire: the
// server hub (presence directory plus best-effort relay) and the client
// WebSocket transport.
package signaling
