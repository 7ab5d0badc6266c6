// Package redis provides the Redis backed cache used when cache.driver is
// "redis", so several ChainPulse processes can share polled chain data.
package redis
