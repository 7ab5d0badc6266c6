// Package transport terminates WebSocket clients, routes their chat, ping and
// group messages, keeps them alive with a heartbeat sweep and fans realtime
// broadcasts out to connected clients.
package transport
