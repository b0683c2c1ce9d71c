// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ikmak/mongo-core/address"
	"github.com/ikmak/mongo-core/description"
	"github.com/ikmak/mongo-core/driver"
)

// Connection state constants.
const (
	connDisconnected int64 = iota
	connConnected
	connInitialized
)

var globalConnectionID uint64 = 1

func nextConnectionID() uint64 { return atomic.AddUint64(&globalConnectionID, 1) }

type connection struct {
	// state must be accessed using the atomic package and should be at the beginning of the
	// struct.
	// - atomic bug: https://pkg.go.dev/sync/atomic#pkg-note-BUG
	// - suggested layout: https://go101.org/article/memory-layout.html
	state int64

	id                   string
	nc                   net.Conn // When nil, the connection is closed.
	addr                 address.Address
	idleTimeout          time.Duration
	idleDeadline         atomic.Value // Stores a time.Time
	readTimeout          time.Duration
	writeTimeout         time.Duration
	desc                 description.Server
	helloRTT             time.Duration
	config               *connectionConfig
	cancelConnectContext context.CancelFunc
	connectContextMade   chan struct{}
	canStream            bool
	currentlyStreaming   bool
	connectContextMutex  sync.Mutex

	// pool related fields
	pool *pool

	driverConnectionID uint64
	generation         uint64
	serviceID          *uuid.UUID
}

// newConnection handles the creation of a connection. It does not connect the connection.
func newConnection(addr address.Address, opts ...ConnectionOption) *connection {
	cfg := newConnectionConfig(opts...)

	id := fmt.Sprintf("%s[-%d]", addr, nextConnectionID())

	c := &connection{
		id:                 id,
		addr:               addr,
		idleTimeout:        cfg.idleTimeout,
		readTimeout:        cfg.readTimeout,
		writeTimeout:       cfg.writeTimeout,
		connectContextMade: make(chan struct{}),
		config:             cfg,
	}
	atomic.StoreInt64(&c.state, connInitialized)

	return c
}

// connect handles the I/O for a connection. It will dial, configure TLS, and perform
// initialization handshakes. All errors returned by connect are considered "before the handshake
// completes" and must be handled by calling the appropriate SDAM handshake error handler.
func (c *connection) connect(ctx context.Context) (err error) {
	if !atomic.CompareAndSwapInt64(&c.state, connInitialized, connConnected) {
		return nil
	}

	defer close(c.connectContextMade)

	// Assign the result of the generationNumberFn directly to the connection's generation. For
	// deployments that are not behind a load balancer, the generation is known at connection
	// creation time. For load-balanced deployments, the generation is only known after the
	// initial handshake reports the service ID.
	if c.config.getGenerationFn != nil && !c.config.loadBalanced {
		c.generation = c.config.getGenerationFn(nil)
	}

	// Create separate contexts for dialing a connection and doing the handshake.
	//
	// handshakeCtx is simply a cancellable version of ctx because there's no default timeout that
	// needs to be applied to the whole handshake. The cancellation allows consumers to bail out
	// early when dialing a connection if it's no longer required.
	dialCtx, dialCancel := context.WithCancel(ctx)
	var handshakeCtx context.Context
	handshakeCtx, c.cancelConnectContext = context.WithCancel(ctx)

	defer func() {
		var cancelFn context.CancelFunc

		c.connectContextMutex.Lock()
		cancelFn = c.cancelConnectContext
		c.cancelConnectContext = nil
		c.connectContextMutex.Unlock()

		if cancelFn != nil {
			cancelFn()
		}
	}()

	// Apply the connect timeout to the dial if one is specified.
	if c.config.connectTimeout != 0 {
		var cancelFn context.CancelFunc
		dialCtx, cancelFn = context.WithTimeout(dialCtx, c.config.connectTimeout)
		defer cancelFn()
	}
	defer dialCancel()

	tempNc, err := c.config.dialer.DialContext(dialCtx, c.addr.Network(), c.addr.String())
	if err != nil {
		c.log(logrus.DebugLevel, "failed to dial server", err)
		return ConnectionError{Wrapped: err, init: true}
	}
	c.nc = tempNc

	// The handshake is skipped when there is no handshaker, e.g. for the RTT monitor's raw
	// connections.
	handshaker := c.config.handshaker
	if handshaker == nil {
		return nil
	}

	handshakeStartTime := time.Now()
	var info driver.HandshakeInformation
	info, err = handshaker.GetHandshakeInformation(handshakeCtx, c.addr, initConnection{c})
	if err == nil {
		c.desc = info.Description
		c.serviceID = info.Description.ServiceID
		c.helloRTT = time.Since(handshakeStartTime)

		// If the application has indicated that the cluster is load balanced, there should be a
		// service ID in the hello response.
		if c.config.loadBalanced && c.serviceID == nil {
			err = errors.New("driver attempted to initialize in load balancing mode, but the server does not support this mode")
		}
		if err == nil && c.config.loadBalanced && c.config.getGenerationFn != nil {
			c.generation = c.config.getGenerationFn(c.serviceID)
		}
	}
	if err == nil {
		err = handshaker.FinishHandshake(handshakeCtx, initConnection{c})
	}
	if err != nil {
		if c.nc != nil {
			_ = c.nc.Close()
		}
		atomic.StoreInt64(&c.state, connDisconnected)
		c.log(logrus.DebugLevel, "connection handshake failed", err)
		return ConnectionError{Wrapped: err, init: true}
	}

	if c.config.loadBalanced {
		// Connections behind a load balancer cannot stream; the server on the other side of a
		// check may differ between round trips.
		c.canStream = false
	} else {
		c.canStream = info.Description.TopologyVersion != nil
	}

	return nil
}

func (c *connection) log(level logrus.Level, msg string, err error) {
	if c.config.logger == nil {
		return
	}

	fields := logrus.Fields{
		"connection": c.id,
		"address":    c.addr.String(),
	}
	if err != nil {
		fields["error"] = err
	}
	c.config.logger.WithFields(fields).Log(level, msg)
}

func (c *connection) wait() {
	<-c.connectContextMade
}

func (c *connection) closeConnectContext() {
	c.connectContextMutex.Lock()
	cancelFn := c.cancelConnectContext
	c.cancelConnectContext = nil
	c.connectContextMutex.Unlock()

	if cancelFn != nil {
		cancelFn()
	}
}

func transformNetworkError(ctx context.Context, originalError error, contextDeadlineUsed bool) error {
	if originalError == nil {
		return nil
	}

	// If there was an error and the context was cancelled, we assume it happened due to the
	// cancellation.
	if errors.Is(ctx.Err(), context.Canceled) {
		return context.Canceled
	}

	// If there was a timeout error and the context deadline was used, we convert the error into
	// context.DeadlineExceeded.
	if !contextDeadlineUsed {
		return originalError
	}
	if netErr, ok := originalError.(net.Error); ok && netErr.Timeout() {
		return context.DeadlineExceeded
	}

	return originalError
}

// writeMessage writes a length-prefixed message to the underlying connection. The deadline is
// computed from the context deadline and the configured write timeout.
func (c *connection) writeMessage(ctx context.Context, msg []byte) error {
	if atomic.LoadInt64(&c.state) != connConnected {
		return ConnectionError{
			ConnectionID: c.id,
			message:      "connection is closed",
		}
	}

	var deadline time.Time
	if c.writeTimeout != 0 {
		deadline = time.Now().Add(c.writeTimeout)
	}

	var contextDeadlineUsed bool
	if dl, ok := ctx.Deadline(); ok && (deadline.IsZero() || dl.Before(deadline)) {
		contextDeadlineUsed = true
		deadline = dl
	}

	if err := c.nc.SetWriteDeadline(deadline); err != nil {
		return ConnectionError{ConnectionID: c.id, Wrapped: err, message: "failed to set write deadline"}
	}

	buf := make([]byte, 4+len(msg))
	binary.LittleEndian.PutUint32(buf, uint32(len(buf)))
	copy(buf[4:], msg)

	err := c.write(ctx, buf)
	if err != nil {
		c.close()
		return ConnectionError{
			ConnectionID: c.id,
			Wrapped:      transformNetworkError(ctx, err, contextDeadlineUsed),
			message:      "unable to write wire message to network",
		}
	}

	return nil
}

func (c *connection) write(ctx context.Context, buf []byte) (err error) {
	var errCh chan error

	if ctx.Done() != nil {
		errCh = make(chan error, 1)
		go func() {
			_, wErr := c.nc.Write(buf)
			errCh <- wErr
		}()

		select {
		case err = <-errCh:
		case <-ctx.Done():
			// Spin up a goroutine to drain the channel so the write goroutine doesn't leak.
			err = ctx.Err()
			go func() { <-errCh }()
		}
		return err
	}

	_, err = c.nc.Write(buf)
	return err
}

// readMessage reads a length-prefixed message from the underlying connection.
func (c *connection) readMessage(ctx context.Context) ([]byte, error) {
	if atomic.LoadInt64(&c.state) != connConnected {
		return nil, ConnectionError{
			ConnectionID: c.id,
			message:      "connection is closed",
		}
	}

	var deadline time.Time
	if c.readTimeout != 0 {
		deadline = time.Now().Add(c.readTimeout)
	}

	var contextDeadlineUsed bool
	if dl, ok := ctx.Deadline(); ok && (deadline.IsZero() || dl.Before(deadline)) {
		contextDeadlineUsed = true
		deadline = dl
	}

	if err := c.nc.SetReadDeadline(deadline); err != nil {
		return nil, ConnectionError{ConnectionID: c.id, Wrapped: err, message: "failed to set read deadline"}
	}

	var sizeBuf [4]byte
	if _, err := io.ReadFull(c.nc, sizeBuf[:]); err != nil {
		c.close()
		return nil, ConnectionError{
			ConnectionID: c.id,
			Wrapped:      transformNetworkError(ctx, err, contextDeadlineUsed),
			message:      "incomplete read of message header",
		}
	}

	size := binary.LittleEndian.Uint32(sizeBuf[:])
	if size < 4 {
		c.close()
		return nil, ConnectionError{
			ConnectionID: c.id,
			message:      "malformed message length header",
		}
	}

	dst := make([]byte, size-4)
	if _, err := io.ReadFull(c.nc, dst); err != nil {
		c.close()
		return nil, ConnectionError{
			ConnectionID: c.id,
			Wrapped:      transformNetworkError(ctx, err, contextDeadlineUsed),
			message:      "incomplete read of full message",
		}
	}

	return dst, nil
}

func (c *connection) close() error {
	// Overwrite the connection state as the first step so only the first close call will execute.
	if !atomic.CompareAndSwapInt64(&c.state, connConnected, connDisconnected) {
		return nil
	}

	var err error
	if c.nc != nil {
		err = c.nc.Close()
	}

	return err
}

// closed returns true if the connection has been closed by the driver.
func (c *connection) closed() bool {
	return atomic.LoadInt64(&c.state) == connDisconnected
}

// hasGenerationNumber returns true if the connection has set its generation number. If so, this
// indicates that the generationNumberFn provided via the connection options has been called
// exactly once.
func (c *connection) hasGenerationNumber() bool {
	if !c.config.loadBalanced {
		// The generation is known for non-LB deployments during connection initialization.
		return true
	}

	// For LB deployments, the generation is set after the initial handshake, so it is known if
	// the connection description has been updated to reflect that it's behind a load balancer.
	return c.desc.LoadBalanced()
}

func (c *connection) idleTimeoutExpired() bool {
	if c.idleTimeout == 0 {
		return false
	}

	now := time.Now()
	if deadline, ok := c.idleDeadline.Load().(time.Time); ok {
		return now.After(deadline)
	}

	return false
}

func (c *connection) bumpIdleDeadline() {
	if c.idleTimeout > 0 {
		c.idleDeadline.Store(time.Now().Add(c.idleTimeout))
	}
}

func (c *connection) setCanStream(canStream bool) {
	c.canStream = canStream
}

func (c *connection) setStreaming(streaming bool) {
	c.currentlyStreaming = streaming
}

func (c *connection) getCurrentlyStreaming() bool {
	return c.currentlyStreaming
}

func (c *connection) ID() string {
	return c.id
}

func (c *connection) DriverConnectionID() uint64 {
	return c.driverConnectionID
}

func (c *connection) ServiceID() *uuid.UUID {
	return c.serviceID
}

func (c *connection) Generation() uint64 {
	return c.generation
}

func (c *connection) Address() address.Address {
	return c.addr
}

func (c *connection) Description() description.Server {
	return c.desc
}

// initConnection is an adapter used during connection initialization. It has the minimum
// functionality necessary to implement the driver.Connection interface, which is required to pass
// the connection to a handshaker.
type initConnection struct{ *connection }

var _ driver.Connection = initConnection{}

func (c initConnection) Description() description.Server {
	if c.connection == nil {
		return description.Server{}
	}
	return c.connection.desc
}
func (c initConnection) Close() error   { return nil }
func (c initConnection) Stale() bool    { return false }
func (c initConnection) WriteMessage(ctx context.Context, msg []byte) error {
	return c.writeMessage(ctx, msg)
}
func (c initConnection) ReadMessage(ctx context.Context) ([]byte, error) {
	return c.readMessage(ctx)
}

// Connection implements the driver.Connection interface to allow reading and writing messages
// from an underlying topology.connection instance.
type Connection struct {
	mu            sync.RWMutex
	connection    *connection
	cleanupPoolFn func()
}

var _ driver.Connection = (*Connection)(nil)

// WriteMessage handles the writing of a message to the underlying connection.
func (c *Connection) WriteMessage(ctx context.Context, msg []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return ErrConnectionClosed
	}
	return c.connection.writeMessage(ctx, msg)
}

// ReadMessage handles the reading of a message from the underlying connection.
func (c *Connection) ReadMessage(ctx context.Context) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return nil, ErrConnectionClosed
	}
	return c.connection.readMessage(ctx)
}

// Description returns the server description of the server this connection is connected to.
func (c *Connection) Description() description.Server {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return description.Server{}
	}
	return c.connection.desc
}

// Close returns this connection to the connection pool. This method may not close the underlying
// socket.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connection == nil {
		return nil
	}

	err := c.cleanupReferences()
	return err
}

func (c *Connection) cleanupReferences() error {
	err := c.connection.pool.checkIn(c.connection)
	if c.cleanupPoolFn != nil {
		c.cleanupPoolFn()
		c.cleanupPoolFn = nil
	}
	c.connection = nil
	return err
}

// ID returns the ID of this connection.
func (c *Connection) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return "<closed>"
	}
	return c.connection.id
}

// DriverConnectionID returns the driver connection ID.
func (c *Connection) DriverConnectionID() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return 0
	}
	return c.connection.DriverConnectionID()
}

// Stale returns if the connection is stale.
func (c *Connection) Stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return true
	}
	return c.connection.pool.stale(c.connection)
}

// Address returns the address of this connection.
func (c *Connection) Address() address.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return address.Address("0.0.0.0")
	}
	return c.connection.addr
}

// ServiceID returns the ID of the server to which the connection is pinned by a load balancer,
// if any.
func (c *Connection) ServiceID() *uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return nil
	}
	return c.connection.serviceID
}
