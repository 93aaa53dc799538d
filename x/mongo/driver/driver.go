// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package driver is intended for internal use only. It contains the driver's
// interfaces to deployments, servers, and connections, the retryable command
// executor, and the error taxonomy the executor classifies.
package driver

import (
	"context"
	"time"

	"github.com/bytev/mongo-go-core/x/bsonx/bsoncore"
	"github.com/bytev/mongo-go-core/x/mongo/driver/address"
	"github.com/bytev/mongo-go-core/x/mongo/driver/description"
)

// Deployment is implemented by types that can select a server from a
// deployment.
type Deployment interface {
	SelectServer(context.Context, description.ServerSelector) (Server, error)
	Kind() description.TopologyKind
}

// Subscription represents a subscription to topology updates. A subscriber
// can receive updates through the Updates field.
type Subscription struct {
	Updates <-chan description.Topology
	ID      uint64
}

// Subscriber represents a type to which another type can subscribe. A
// subscription contains a channel that is updated with topology
// descriptions.
type Subscriber interface {
	Subscribe() (*Subscription, error)
	Unsubscribe(*Subscription) error
}

// Server represents a MongoDB server. Implementations should pool
// connections and handle the retrieving and returning of connections.
type Server interface {
	Connection(context.Context) (Connection, error)

	// MinRTT returns the minimum round-trip time to the server observed over
	// the window period.
	MinRTT() time.Duration
}

// Connection represents a connection to a MongoDB server.
type Connection interface {
	WriteWireMessage(context.Context, []byte) error
	ReadWireMessage(ctx context.Context) ([]byte, error)
	Description() description.Server

	// Close closes any underlying connection and returns or frees any
	// resources held by the connection.
	Close() error

	// ID returns the ID of this connection.
	ID() string

	// ServerConnectionID returns the server's identifier for this connection
	// as reported by the handshake, or nil if the server did not report one.
	ServerConnectionID() *int64

	// Address returns the address of the server the connection is connected
	// to.
	Address() address.Address

	// Stale returns whether the connection is stale: its generation no
	// longer matches its pool's.
	Stale() bool
}

// PinnedConnection represents a Connection that can be pinned by one or more
// cursors or transactions. Implementations of this interface should maintain
// the following invariants:
//
// 1. Each Pin* call should increment the number of references for the
// connection.
// 2. Each Unpin* call should decrement the number of references for the
// connection.
// 3. Calls to Close() should be ignored until all resources have unpinned
// the connection.
type PinnedConnection interface {
	Connection
	PinToCursor() error
	PinToTransaction() error
	UnpinFromCursor() error
	UnpinFromTransaction() error
}

// The session.LoadBalancedTransactionConnection type is a copy of
// PinnedConnection that was introduced to avoid an import cycle.
var _ PinnedConnection = (LoadBalancedTransactionConnection)(nil)

// LoadBalancedTransactionConnection is an alias for PinnedConnection used by
// session-aware consumers.
type LoadBalancedTransactionConnection = PinnedConnection

// StreamerConnection represents a Connection that supports streaming wire
// protocol messages using the moreToCome and exhaustAllowed flags.
//
// The SetStreaming and CurrentlyStreaming functions correspond to the
// moreToCome flag on server responses. If a response has moreToCome set,
// SetStreaming(true) will be called and CurrentlyStreaming() should return
// true.
//
// CanStream corresponds to the exhaustAllowed flag. The operations layer
// will set exhaustAllowed on outgoing wire messages to inform the server
// that the driver supports streaming.
type StreamerConnection interface {
	Connection
	SetStreaming(bool)
	CurrentlyStreaming() bool
	SupportsStreaming() bool
}

// Expirable represents an expirable object.
type Expirable interface {
	Expire() error
	Alive() bool
}

// ErrorProcessor implementations can handle processing errors, which may
// modify their internal state. If this occurs, the error processor will
// return a reference to the new server description.
type ErrorProcessor interface {
	ProcessError(err error, conn Connection) ProcessErrorResult
}

// ProcessErrorResult represents the result of a ErrorProcessor.ProcessError
// call.
type ProcessErrorResult int

// These constants are the possible ProcessError results.
const (
	// NoChange indicates that the error did not affect the state of the
	// server.
	NoChange ProcessErrorResult = iota
	// ServerMarkedUnknown indicates that the error only resulted in the
	// server being marked as Unknown.
	ServerMarkedUnknown
	// ConnectionPoolCleared indicates that the error resulted in the server
	// being marked as Unknown and the connection pool being cleared.
	ConnectionPoolCleared
)

// HandshakeInformation contains information extracted from a MongoDB
// connection handshake.
type HandshakeInformation struct {
	Description             description.Server
	SpeculativeAuthenticate bsoncore.Document
	ServerConnectionID      *int64
	SaslSupportedMechs      []string
}

// Handshaker is the interface implemented by types that can perform a
// MongoDB handshake over a provided driver.Connection. This is used during
// connection initialization.
type Handshaker interface {
	GetHandshakeInformation(context.Context, address.Address, Connection) (HandshakeInformation, error)
	FinishHandshake(context.Context, Connection) error
}

// SingleServerDeployment is an implementation of Deployment that always
// returns a single server.
type SingleServerDeployment struct{ Server Server }

var _ Deployment = SingleServerDeployment{}

// SelectServer implements the Deployment interface. This method does not use
// the description.ServerSelector provided and instead returns the embedded
// Server.
func (ssd SingleServerDeployment) SelectServer(context.Context, description.ServerSelector) (Server, error) {
	return ssd.Server, nil
}

// Kind implements the Deployment interface. It always returns
// description.Single.
func (SingleServerDeployment) Kind() description.TopologyKind { return description.Single }

// SingleConnectionDeployment is an implementation of Deployment that always
// returns the same Connection. This implementation should only be used for
// connection handshakes and server heartbeats as it does not implement
// ErrorProcessor, which is necessary for application operations.
type SingleConnectionDeployment struct{ C Connection }

var _ Deployment = SingleConnectionDeployment{}
var _ Server = SingleConnectionDeployment{}

// SelectServer implements the Deployment interface. This method does not use
// the description.ServerSelector provided and instead returns itself. The
// Connection method returns the embedded Connection.
func (scd SingleConnectionDeployment) SelectServer(context.Context, description.ServerSelector) (Server, error) {
	return scd, nil
}

// Kind implements the Deployment interface. It always returns
// description.Single.
func (SingleConnectionDeployment) Kind() description.TopologyKind { return description.Single }

// Connection implements the Server interface. It always returns the embedded
// connection.
func (scd SingleConnectionDeployment) Connection(context.Context) (Connection, error) {
	return scd.C, nil
}

// MinRTT always returns 0. It implements the driver.Server interface.
func (scd SingleConnectionDeployment) MinRTT() time.Duration { return 0 }
