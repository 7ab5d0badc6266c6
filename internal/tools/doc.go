// Package tools maps tool names requested by the model to handlers and runs
// them with per-attempt timeouts and bounded exponential backoff on
// transient failures.
package tools
