// Package memory provides an in-process broker for tests and single-process
// deployments.
//
// The broker keeps one ordered log. Every consumer group has its own read
// position and redelivers what it has not acknowledged, either after a nack
// or once the ack deadline passes. New groups start at the end of the log
// unless the consume request names a start cursor.
package memory
