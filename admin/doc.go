// Package admin is the operator surface of a cogbus deployment: dead-letter
// listing, replay and discard, outbox backlog and consumer lag.
package admin
