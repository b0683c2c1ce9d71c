// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package driver contains the interfaces that connect the topology layer to
// the transport and operation layers.
package driver

import (
	"context"
	"time"

	"github.com/ikmak/mongo-core/address"
	"github.com/ikmak/mongo-core/description"
)

// Deployment is implemented by types that can select a server from a deployment.
type Deployment interface {
	SelectServer(context.Context, description.ServerSelector) (Server, error)
	Description() description.Topology
}

// Server represents a database server. Implementations should pool connections and handle the
// retrieving and returning of connections.
type Server interface {
	Connection(context.Context) (Connection, error)
}

// Connection represents a connection to a database server.
type Connection interface {
	WriteMessage(context.Context, []byte) error
	ReadMessage(context.Context) ([]byte, error)
	Description() description.Server
	Close() error
	ID() string
	DriverConnectionID() uint64
	Address() address.Address
	Stale() bool
}

// Subscription represents a subscription to topology updates. A subscriber can receive updates
// through the Updates field.
type Subscription struct {
	Updates <-chan description.Topology
	ID      uint64
}

// Subscriber represents a type to which another type can subscribe. A subscription contains a
// channel that is updated with topology descriptions.
type Subscriber interface {
	Subscribe() (*Subscription, error)
	Unsubscribe(*Subscription) error
}

// ErrorProcessor implementations can handle processing errors, which may modify their internal
// state. If this type is implemented by a Server, operation execution will call its ProcessError
// method after an operation fails.
type ErrorProcessor interface {
	ProcessError(err error, conn Connection) ProcessErrorResult
}

// ProcessErrorResult represents the result of a ErrorProcessor.ProcessError() call. Exact values
// for this type can be checked directly (e.g. res == ServerMarkedUnknown), but it is recommended
// that applications use the SuccessfullyProcessed function instead.
type ProcessErrorResult int

const (
	// NoChange indicates that the error did not affect the state of the server.
	NoChange ProcessErrorResult = iota
	// ServerMarkedUnknown indicates that the error only resulted in the server being marked as
	// Unknown.
	ServerMarkedUnknown
	// ConnectionPoolCleared indicates that the error resulted in the server being marked as
	// Unknown and its connection pool being cleared.
	ConnectionPoolCleared
)

// SuccessfullyProcessed returns true if the ProcessErrorResult indicates that the error was
// processed and resulted in a state change.
func SuccessfullyProcessed(result ProcessErrorResult) bool {
	return result != NoChange
}

// HandshakeInformation contains information extracted from a connection handshake.
type HandshakeInformation struct {
	Description description.Server
	Hello       description.HelloResponse
}

// Handshaker is the interface implemented by types that can perform a handshake over a provided
// driver.Connection. Implementations are also responsible for executing the hello command used
// for health checks over connections they have handshaken.
type Handshaker interface {
	GetHandshakeInformation(context.Context, address.Address, Connection) (HandshakeInformation, error)
	FinishHandshake(context.Context, Connection) error
	Hello(ctx context.Context, conn Connection) (description.HelloResponse, error)
}

// StreamingHandshaker is a Handshaker that additionally supports the awaitable form of the hello
// command. AwaitHello blocks on the connection until the server reports a state newer than tv or
// maxAwaitTime elapses on the server side.
type StreamingHandshaker interface {
	Handshaker
	AwaitHello(ctx context.Context, conn Connection, tv *description.TopologyVersion, maxAwaitTime time.Duration) (description.HelloResponse, error)
}
