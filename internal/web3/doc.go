// Package web3 defines the chain data interface consumed by the tool adapter
// and the realtime scheduler, plus the YAML chain definition format.
package web3
