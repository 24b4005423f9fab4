// Package redis implements the inbox on Redis.
//
// Redis cannot join the handler's transaction, so the inbox uses a
// compensating two-phase protocol: reserve the key with a lease, run the
// side effect, then confirm the key as done or release it on failure.
package redis
