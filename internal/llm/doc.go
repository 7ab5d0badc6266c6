// Package llm defines the conversation data model and the streaming model
// client boundary. Provider adapters live in sub-packages; every provider
// stream is passed through Guard so consumers always observe exactly one
// terminal event.
package llm
