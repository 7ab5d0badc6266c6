// Package api exposes the HTTP surface: health and stats probes, read-only
// mirrors of the cached realtime block and fee snapshots, Prometheus metrics
// and the WebSocket upgrade route.
package api
