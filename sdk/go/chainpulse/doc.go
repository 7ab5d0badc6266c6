// Package chainpulse is the Go client for a ChainPulse server. Conn speaks the
// WebSocket protocol (chat turns, broadcast groups, realtime pushes) and
// Client wraps the read-only HTTP endpoints.
package chainpulse
