// Package supervisor runs the long-lived parts of a cogbus process.
//
// This package includes:
//   - Supervisor: starts durable subscriptions from their saved cursors
//   - outbox relays run on an errgroup until shutdown
//   - graceful shutdown that drains subscriptions and persists cursors
package supervisor
