// Package contracts defines the wire-level vocabulary shared by every service on the bus.
//
// This package defines:
//   - Envelope: the canonical wrapper carrying routing and causality metadata
//   - Kind: command, query or event
//   - Payload: the closed set of domain facts, expressed as tagged variants
//   - Acknowledgment: the explicit Ack / Nack result of an event handler
//   - The error taxonomy (NoHandlerError, HandlerError, TransportError,
//     PoisonMessageError and ErrDuplicateDelivery)
//
// Envelopes are values. Producers build them with NewEvent, NewCommand or
// NewQuery and chain causality with WithCausedBy:
//
//	created := contracts.NewEvent(contracts.TagArtifactCreated, artifactID, body)
//	indexed := contracts.NewEvent(contracts.TagKnowledgeItemIndexed, itemID, body,
//		contracts.WithCausedBy(created))
package contracts
