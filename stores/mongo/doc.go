// Package mongo stores the inbox and dead letters in MongoDB.
//
// InboxStore runs the side effect and the inbox insert in one multi-document
// transaction, which needs a replica set. Handlers writing to the same
// cluster join the transaction by using the context they receive.
package mongo
