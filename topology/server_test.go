// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikmak/mongo-core/address"
	"github.com/ikmak/mongo-core/description"
	"github.com/ikmak/mongo-core/driver"
)

// netErr implements net.Error with a configurable Timeout() result.
type netErr struct {
	timeout bool
}

func (n netErr) Error() string {
	return "error"
}

func (n netErr) Timeout() bool {
	return n.timeout
}

func (n netErr) Temporary() bool {
	return n.timeout
}

// processErrorTestConn is a driver.Connection implementation used by tests for Server.ProcessError.
// This type should not be used for other tests because it does not implement all of the methods of
// the interface.
type processErrorTestConn struct {
	// Embed a driver.Connection to quickly implement the interface without defining all methods.
	driver.Connection
	desc  description.Server
	stale bool
}

func (p *processErrorTestConn) Description() description.Server {
	return p.desc
}

func (p *processErrorTestConn) Stale() bool {
	return p.stale
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s := NewServer(address.Address("localhost:27017"), uuid.New(),
		WithConnectionPoolMaintainInterval(func(time.Duration) time.Duration { return math.MinInt64 }),
	)
	t.Cleanup(func() { s.pool.close(context.Background()) })
	return s
}

func serverGeneration(t *testing.T, s *Server) uint64 {
	t.Helper()
	generation, ok := s.pool.generation.getGeneration(nil)
	require.True(t, ok, "expected a pool generation")
	return generation
}

func TestServerPoolSizeDefaults(t *testing.T) {
	t.Parallel()

	t.Run("maxPoolSize defaults to 100", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)
		assert.Equal(t, uint64(100), s.pool.maxSize, "expected the default maximum pool size")
	})
	t.Run("explicit zero removes the limit", func(t *testing.T) {
		t.Parallel()

		s := NewServer(address.Address("localhost:27017"), uuid.New(),
			WithConnectionPoolMaintainInterval(func(time.Duration) time.Duration { return math.MinInt64 }),
			WithMaxConnections(func(uint64) uint64 { return 0 }),
		)
		t.Cleanup(func() { s.pool.close(context.Background()) })
		assert.Equal(t, uint64(0), s.pool.maxSize, "expected an unbounded pool")
	})
	t.Run("wait queue timeout is passed to the pool", func(t *testing.T) {
		t.Parallel()

		s := NewServer(address.Address("localhost:27017"), uuid.New(),
			WithConnectionPoolMaintainInterval(func(time.Duration) time.Duration { return math.MinInt64 }),
			WithWaitQueueTimeout(func(time.Duration) time.Duration { return 50 * time.Millisecond }),
		)
		t.Cleanup(func() { s.pool.close(context.Background()) })
		assert.Equal(t, 50*time.Millisecond, s.pool.waitQueueTimeout, "expected the configured wait queue timeout")
	})
}

func TestServerProcessError(t *testing.T) {
	processID := uuid.New()
	olderTV := &description.TopologyVersion{ProcessID: processID, Counter: 0}
	newerTV := &description.TopologyVersion{ProcessID: processID, Counter: 1}
	recentWire := &description.VersionRange{Min: 6, Max: 21}
	staleWire := &description.VersionRange{Min: 6, Max: 7}

	testCases := []struct {
		name string

		err        error
		serverDesc *description.Server
		connDesc   description.Server
		connStale  bool

		result         driver.ProcessErrorResult
		wantUnknown    bool
		wantGeneration uint64
	}{
		{
			name:   "nil error",
			err:    nil,
			result: driver.NoChange,
		},
		{
			name:      "stale connection",
			err:       driver.Error{Code: 10107},
			connStale: true,
			result:    driver.NoChange,
		},
		{
			name:        "not writable primary keeps pool",
			err:         driver.Error{Code: 10107},
			connDesc:    description.Server{WireVersion: recentWire},
			result:      driver.ServerMarkedUnknown,
			wantUnknown: true,
		},
		{
			name:           "node is shutting down clears pool",
			err:            driver.Error{Code: 91},
			connDesc:       description.Server{WireVersion: recentWire},
			result:         driver.ConnectionPoolCleared,
			wantUnknown:    true,
			wantGeneration: 1,
		},
		{
			name:           "not writable primary with stale wire version clears pool",
			err:            driver.Error{Code: 10107},
			connDesc:       description.Server{WireVersion: staleWire},
			result:         driver.ConnectionPoolCleared,
			wantUnknown:    true,
			wantGeneration: 1,
		},
		{
			name: "error from stale topology version is ignored",
			err:  driver.Error{Code: 10107, TopologyVersion: olderTV},
			serverDesc: &description.Server{
				Addr:            address.Address("localhost:27017"),
				Kind:            description.RSPrimary,
				TopologyVersion: newerTV,
			},
			connDesc: description.Server{WireVersion: recentWire},
			result:   driver.NoChange,
		},
		{
			name: "error with newer topology version marks server unknown",
			err:  driver.Error{Code: 10107, TopologyVersion: newerTV},
			serverDesc: &description.Server{
				Addr:            address.Address("localhost:27017"),
				Kind:            description.RSPrimary,
				TopologyVersion: olderTV,
			},
			connDesc:    description.Server{WireVersion: recentWire},
			result:      driver.ServerMarkedUnknown,
			wantUnknown: true,
		},
		{
			name: "write concern shutdown error clears pool",
			err: driver.WriteCommandError{
				WriteConcernError: &driver.WriteConcernError{Code: 91},
			},
			connDesc:       description.Server{WireVersion: recentWire},
			result:         driver.ConnectionPoolCleared,
			wantUnknown:    true,
			wantGeneration: 1,
		},
		{
			name: "write concern recovering error keeps pool",
			err: driver.WriteCommandError{
				WriteConcernError: &driver.WriteConcernError{Code: 11602},
			},
			connDesc:    description.Server{WireVersion: recentWire},
			result:      driver.ServerMarkedUnknown,
			wantUnknown: true,
		},
		{
			name:     "non state change command error",
			err:      driver.Error{Code: 1},
			connDesc: description.Server{WireVersion: recentWire},
			result:   driver.NoChange,
		},
		{
			name:   "network timeout error",
			err:    ConnectionError{Wrapped: netErr{timeout: true}},
			result: driver.NoChange,
		},
		{
			name:   "context canceled error",
			err:    ConnectionError{Wrapped: context.Canceled},
			result: driver.NoChange,
		},
		{
			name:           "non-timeout network error clears pool",
			err:            ConnectionError{Wrapped: netErr{timeout: false}},
			result:         driver.ConnectionPoolCleared,
			wantUnknown:    true,
			wantGeneration: 1,
		},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			server := newTestServer(t)
			if tc.serverDesc != nil {
				server.desc.Store(*tc.serverDesc)
			}
			originalDesc := server.Description()

			conn := &processErrorTestConn{desc: tc.connDesc, stale: tc.connStale}
			result := server.ProcessError(tc.err, conn)
			assert.Equal(t, tc.result, result, "expected ProcessError result %v, got %v", tc.result, result)

			desc := server.Description()
			if tc.wantUnknown {
				assert.Equal(t, description.Unknown, desc.Kind, "expected server to be marked Unknown")
				assert.Equal(t, tc.err, desc.LastError, "expected the error to be recorded on the description")
			} else {
				assert.True(t, originalDesc.Equal(desc), "expected server description to be unchanged")
			}

			generation := serverGeneration(t, server)
			assert.Equal(t, tc.wantGeneration, generation,
				"expected pool generation %d, got %d", tc.wantGeneration, generation)
		})
	}
}

func TestServerProcessHandshakeError(t *testing.T) {
	t.Parallel()

	t.Run("nil error is ignored", func(t *testing.T) {
		t.Parallel()

		server := newTestServer(t)
		server.ProcessHandshakeError(nil, 0, nil)
		assert.Equal(t, uint64(0), serverGeneration(t, server), "expected pool generation to be unchanged")
	})
	t.Run("non-connection error is ignored", func(t *testing.T) {
		t.Parallel()

		server := newTestServer(t)
		server.ProcessHandshakeError(errors.New("command error"), 0, nil)
		assert.Equal(t, uint64(0), serverGeneration(t, server), "expected pool generation to be unchanged")
		assert.Nil(t, server.Description().LastError, "expected no error on the server description")
	})
	t.Run("stale generation error is ignored", func(t *testing.T) {
		t.Parallel()

		server := newTestServer(t)
		server.pool.generation.clear(nil)
		require.Equal(t, uint64(1), serverGeneration(t, server))

		server.ProcessHandshakeError(ConnectionError{Wrapped: netErr{timeout: false}}, 0, nil)
		assert.Equal(t, uint64(1), serverGeneration(t, server), "expected pool generation to be unchanged")
		assert.Nil(t, server.Description().LastError, "expected no error on the server description")
	})
	t.Run("connection error marks server unknown and clears pool", func(t *testing.T) {
		t.Parallel()

		server := newTestServer(t)
		wrapped := netErr{timeout: false}
		server.ProcessHandshakeError(ConnectionError{Wrapped: wrapped}, 0, nil)

		desc := server.Description()
		assert.Equal(t, description.Unknown, desc.Kind, "expected server to be marked Unknown")
		assert.Equal(t, wrapped, desc.LastError, "expected the wrapped error on the description")
		assert.Equal(t, uint64(1), serverGeneration(t, server), "expected pool generation to be incremented")
	})
}

func TestServerUpdateDescription(t *testing.T) {
	t.Parallel()

	t.Run("readies the pool for a known description", func(t *testing.T) {
		t.Parallel()

		server := newTestServer(t)
		require.Equal(t, poolPaused, server.pool.getState(), "expected a new pool to be paused")

		server.updateDescription(description.Server{
			Addr: server.address,
			Kind: description.Standalone,
		})
		assert.Equal(t, poolReady, server.pool.getState(), "expected the pool to be ready")
		assert.Equal(t, description.Standalone, server.Description().Kind)
	})
	t.Run("does not ready the pool for an unknown description", func(t *testing.T) {
		t.Parallel()

		server := newTestServer(t)
		server.updateDescription(description.NewServerFromError(server.address, errors.New("heartbeat error"), nil))
		assert.Equal(t, poolPaused, server.pool.getState(), "expected the pool to remain paused")
	})
	t.Run("applies the topology callback", func(t *testing.T) {
		t.Parallel()

		server := newTestServer(t)
		var received description.Server
		server.updateTopologyCallback.Store(updateTopologyCallback(func(desc description.Server) description.Server {
			received = desc
			return desc
		}))

		server.updateDescription(description.Server{Addr: server.address, Kind: description.RSPrimary})
		assert.Equal(t, description.RSPrimary, received.Kind, "expected the callback to receive the new description")
	})
}

func TestServerLifecycle(t *testing.T) {
	t.Parallel()

	t.Run("connect and disconnect", func(t *testing.T) {
		t.Parallel()

		server := NewServer(address.Address("localhost:27017"), uuid.New(),
			withMonitoringDisabled(func(bool) bool { return true }),
			WithConnectionPoolMaintainInterval(func(time.Duration) time.Duration { return math.MinInt64 }),
		)
		err := server.Connect(nil)
		noerr(t, err)

		err = server.Connect(nil)
		assert.ErrorIs(t, err, ErrServerConnected, "expected ErrServerConnected on a second Connect call")

		err = server.Disconnect(context.Background())
		noerr(t, err)

		err = server.Disconnect(context.Background())
		assert.ErrorIs(t, err, ErrServerClosed, "expected ErrServerClosed on a second Disconnect call")
	})
	t.Run("checking out a connection from a disconnected server fails", func(t *testing.T) {
		t.Parallel()

		server := NewServer(address.Address("localhost:27017"), uuid.New(),
			withMonitoringDisabled(func(bool) bool { return true }),
			WithConnectionPoolMaintainInterval(func(time.Duration) time.Duration { return math.MinInt64 }),
		)
		_, err := server.Connection(context.Background())
		assert.ErrorIs(t, err, ErrServerClosed, "expected ErrServerClosed")
		server.pool.close(context.Background())
	})
	t.Run("subscribe after disconnect fails", func(t *testing.T) {
		t.Parallel()

		server := newTestServer(t)
		_, err := server.Subscribe()
		assert.ErrorIs(t, err, ErrSubscribeAfterClosed, "expected ErrSubscribeAfterClosed")
	})
}
