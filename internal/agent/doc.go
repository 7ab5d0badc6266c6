// Package agent contains the conversation orchestrator: it drives one user
// turn through the model stream, dispatches the tool calls the model asks
// for, runs a second model pass over the results and reports every phase
// as a typed event.
package agent
