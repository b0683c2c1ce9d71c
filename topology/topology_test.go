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
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikmak/mongo-core/address"
	"github.com/ikmak/mongo-core/description"
	"github.com/ikmak/mongo-core/event"
)

// newTestTopology returns a topology whose servers do not run monitoring or
// connection maintenance goroutines, so no network traffic is generated.
func newTestTopology(t *testing.T, opts ...ConfigOption) *Topology {
	t.Helper()

	opts = append([]ConfigOption{
		WithTopologyServerOptions(
			withMonitoringDisabled(func(bool) bool { return true }),
			WithConnectionPoolMaintainInterval(func(time.Duration) time.Duration { return math.MinInt64 }),
		),
	}, opts...)

	cfg, err := NewConfig(opts...)
	require.NoError(t, err, "error constructing topology config")

	topo, err := New(cfg)
	require.NoError(t, err, "error constructing topology")
	return topo
}

func TestTopologyConfig(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()

		cfg, err := NewConfig()
		require.NoError(t, err)
		assert.Equal(t, []string{"localhost:27017"}, cfg.SeedList)
		assert.Equal(t, defaultServerSelectionTimeout, cfg.ServerSelectionTimeout)
		assert.Equal(t, defaultLocalThreshold, cfg.LocalThreshold)
		assert.NotNil(t, cfg.Logger, "expected a default logger")
	})
	t.Run("validation", func(t *testing.T) {
		t.Parallel()

		testCases := []struct {
			name string
			opts []ConfigOption
		}{
			{
				name: "empty seed list",
				opts: []ConfigOption{WithSeedList()},
			},
			{
				name: "load balanced with multiple hosts",
				opts: []ConfigOption{
					WithLoadBalanced(true),
					WithSeedList("a:27017", "b:27017"),
				},
			},
			{
				name: "load balanced with direct connection",
				opts: []ConfigOption{
					WithLoadBalanced(true),
					WithMode(SingleMode),
					WithSeedList("a:27017"),
				},
			},
			{
				name: "load balanced with replica set name",
				opts: []ConfigOption{
					WithLoadBalanced(true),
					WithReplicaSetName("repl0"),
					WithSeedList("a:27017"),
				},
			},
			{
				name: "direct connection with multiple hosts",
				opts: []ConfigOption{
					WithMode(SingleMode),
					WithSeedList("a:27017", "b:27017"),
				},
			},
			{
				name: "negative local threshold",
				opts: []ConfigOption{WithLocalThreshold(-1 * time.Millisecond)},
			},
		}
		for _, tc := range testCases {
			tc := tc
			t.Run(tc.name, func(t *testing.T) {
				t.Parallel()

				_, err := NewConfig(tc.opts...)
				assert.Error(t, err, "expected a config validation error")
			})
		}
	})
}

func TestTopologyConnect(t *testing.T) {
	t.Parallel()

	t.Run("seeds the topology from the host list", func(t *testing.T) {
		t.Parallel()

		topo := newTestTopology(t, WithSeedList("a:27017", "b:27017"))
		err := topo.Connect()
		noerr(t, err)
		defer func() { _ = topo.Disconnect(context.Background()) }()

		desc := topo.Description()
		assert.Equal(t, description.Unknown, desc.Kind, "expected an unknown topology kind during discovery")
		assert.Equal(t, 2, len(desc.Servers), "expected one description per seed")
		assert.Equal(t, 2, len(topo.servers), "expected one monitor per seed")
	})
	t.Run("direct connection starts in Single", func(t *testing.T) {
		t.Parallel()

		topo := newTestTopology(t, WithMode(SingleMode), WithSeedList("a:27017"))
		err := topo.Connect()
		noerr(t, err)
		defer func() { _ = topo.Disconnect(context.Background()) }()

		assert.Equal(t, description.Single, topo.Kind(), "expected a Single topology kind")
	})
	t.Run("replica set name starts in ReplicaSetNoPrimary", func(t *testing.T) {
		t.Parallel()

		topo := newTestTopology(t, WithReplicaSetName("repl0"), WithSeedList("a:27017", "b:27017"))
		err := topo.Connect()
		noerr(t, err)
		defer func() { _ = topo.Disconnect(context.Background()) }()

		assert.Equal(t, description.ReplicaSetNoPrimary, topo.Kind())
		assert.Equal(t, "repl0", topo.fsm.SetName, "expected the configured set name")
	})
	t.Run("connecting twice fails", func(t *testing.T) {
		t.Parallel()

		topo := newTestTopology(t, WithSeedList("a:27017"))
		err := topo.Connect()
		noerr(t, err)
		defer func() { _ = topo.Disconnect(context.Background()) }()

		err = topo.Connect()
		assert.ErrorIs(t, err, ErrTopologyConnected, "expected ErrTopologyConnected")
	})
	t.Run("disconnecting twice fails", func(t *testing.T) {
		t.Parallel()

		topo := newTestTopology(t, WithSeedList("a:27017"))
		err := topo.Connect()
		noerr(t, err)

		err = topo.Disconnect(context.Background())
		noerr(t, err)

		err = topo.Disconnect(context.Background())
		assert.ErrorIs(t, err, ErrTopologyClosed, "expected ErrTopologyClosed")
	})
	t.Run("publishes SDAM events", func(t *testing.T) {
		t.Parallel()

		var mu sync.Mutex
		var opening, closed, topoChanged int
		monitor := &event.ServerMonitor{
			TopologyOpening: func(*event.TopologyOpeningEvent) {
				mu.Lock()
				opening++
				mu.Unlock()
			},
			TopologyClosed: func(*event.TopologyClosedEvent) {
				mu.Lock()
				closed++
				mu.Unlock()
			},
			TopologyDescriptionChanged: func(*event.TopologyDescriptionChangedEvent) {
				mu.Lock()
				topoChanged++
				mu.Unlock()
			},
		}

		topo := newTestTopology(t, WithSeedList("a:27017"), WithTopologyServerMonitor(monitor))
		err := topo.Connect()
		noerr(t, err)
		err = topo.Disconnect(context.Background())
		noerr(t, err)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 1, opening, "expected one TopologyOpening event")
		assert.Equal(t, 1, closed, "expected one TopologyClosed event")
		assert.Equal(t, 1, topoChanged, "expected one TopologyDescriptionChanged event for the seeding")
	})
}

func TestTopologySelectServer(t *testing.T) {
	t.Parallel()

	t.Run("returns an error when the topology is not connected", func(t *testing.T) {
		t.Parallel()

		topo := newTestTopology(t, WithSeedList("one:27017"))
		_, err := topo.SelectServer(context.Background(), description.WriteSelector())
		assert.ErrorIs(t, err, ErrTopologyClosed, "expected ErrTopologyClosed")
	})
	t.Run("selects a writable server from the current description", func(t *testing.T) {
		t.Parallel()

		topo := newTestTopology(t, WithSeedList("one:27017"))
		err := topo.Connect()
		noerr(t, err)
		defer func() { _ = topo.Disconnect(context.Background()) }()

		topo.desc.Store(description.Topology{
			Kind: description.Single,
			Servers: []description.Server{
				{Addr: address.Address("one:27017"), Kind: description.Standalone},
			},
		})

		selected, err := topo.SelectServer(context.Background(), description.WriteSelector())
		noerr(t, err)

		ss, ok := selected.(*SelectedServer)
		require.True(t, ok, "expected a *SelectedServer")
		assert.Equal(t, address.Address("one:27017"), ss.address)
		assert.Equal(t, description.Single, ss.Kind, "expected the topology kind at selection time")
	})
	t.Run("chooses among all servers in the latency window", func(t *testing.T) {
		t.Parallel()

		topo := newTestTopology(t, WithSeedList("one:27017", "two:27017"))
		err := topo.Connect()
		noerr(t, err)
		defer func() { _ = topo.Disconnect(context.Background()) }()

		topo.desc.Store(description.Topology{
			Kind: description.Sharded,
			Servers: []description.Server{
				{
					Addr:          address.Address("one:27017"),
					Kind:          description.Mongos,
					AverageRTT:    5 * time.Millisecond,
					AverageRTTSet: true,
				},
				{
					Addr:          address.Address("two:27017"),
					Kind:          description.Mongos,
					AverageRTT:    8 * time.Millisecond,
					AverageRTTSet: true,
				},
			},
		})

		// Selection is uniformly random among the servers in the window, so both mongoses must be
		// picked eventually.
		picked := make(map[address.Address]int)
		for i := 0; i < 100; i++ {
			selected, err := topo.SelectServer(context.Background(), description.WriteSelector())
			noerr(t, err)
			picked[selected.(*SelectedServer).address]++
		}
		assert.Equal(t, 2, len(picked), "expected both servers in the latency window to be picked, got %v", picked)
	})
	t.Run("latency window excludes slow servers", func(t *testing.T) {
		t.Parallel()

		topo := newTestTopology(t,
			WithSeedList("one:27017", "two:27017"),
			WithLocalThreshold(15*time.Millisecond),
		)
		err := topo.Connect()
		noerr(t, err)
		defer func() { _ = topo.Disconnect(context.Background()) }()

		topo.desc.Store(description.Topology{
			Kind: description.Sharded,
			Servers: []description.Server{
				{
					Addr:          address.Address("one:27017"),
					Kind:          description.Mongos,
					AverageRTT:    5 * time.Millisecond,
					AverageRTTSet: true,
				},
				{
					Addr:          address.Address("two:27017"),
					Kind:          description.Mongos,
					AverageRTT:    100 * time.Millisecond,
					AverageRTTSet: true,
				},
			},
		})

		for i := 0; i < 20; i++ {
			selected, err := topo.SelectServer(context.Background(), description.WriteSelector())
			noerr(t, err)
			assert.Equal(t, address.Address("one:27017"), selected.(*SelectedServer).address,
				"expected the server outside the latency window to never be picked")
		}
	})
	t.Run("times out when no server becomes suitable", func(t *testing.T) {
		t.Parallel()

		topo := newTestTopology(t,
			WithSeedList("one:27017"),
			WithServerSelectionTimeout(100*time.Millisecond),
		)
		err := topo.Connect()
		noerr(t, err)
		defer func() { _ = topo.Disconnect(context.Background()) }()

		_, err = topo.SelectServer(context.Background(), description.WriteSelector())
		assert.ErrorIs(t, err, ErrServerSelectionTimeout, "expected a server selection timeout")

		var ssErr ServerSelectionError
		require.True(t, errors.As(err, &ssErr), "expected error %v to be a ServerSelectionError", err)
		assert.Equal(t, 1, len(ssErr.Desc.Servers), "expected the topology snapshot in the error")
	})
	t.Run("respects context cancellation", func(t *testing.T) {
		t.Parallel()

		topo := newTestTopology(t, WithSeedList("one:27017"))
		err := topo.Connect()
		noerr(t, err)
		defer func() { _ = topo.Disconnect(context.Background()) }()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err = topo.SelectServer(ctx, description.WriteSelector())
		assert.ErrorIs(t, err, context.DeadlineExceeded, "expected the context error to be wrapped")
	})
	t.Run("fails fast on a compatibility error", func(t *testing.T) {
		t.Parallel()

		topo := newTestTopology(t, WithSeedList("one:27017"))
		err := topo.Connect()
		noerr(t, err)
		defer func() { _ = topo.Disconnect(context.Background()) }()

		compatErr := errors.New("server at one:27017 reports wire version 2")
		topo.desc.Store(description.Topology{
			Kind:             description.Single,
			CompatibilityErr: compatErr,
		})

		_, err = topo.SelectServer(context.Background(), description.WriteSelector())
		assert.ErrorIs(t, err, compatErr, "expected the compatibility error to be returned")
	})
	t.Run("selector errors are wrapped", func(t *testing.T) {
		t.Parallel()

		topo := newTestTopology(t, WithSeedList("one:27017"))
		err := topo.Connect()
		noerr(t, err)
		defer func() { _ = topo.Disconnect(context.Background()) }()

		selectorErr := errors.New("encountered a selector error")
		selector := description.ServerSelectorFunc(func(description.Topology, []description.Server) ([]description.Server, error) {
			return nil, selectorErr
		})

		_, err = topo.SelectServer(context.Background(), selector)
		assert.ErrorIs(t, err, selectorErr)

		var ssErr ServerSelectionError
		assert.True(t, errors.As(err, &ssErr), "expected error %v to be a ServerSelectionError", err)
	})
}

func TestTopologyApply(t *testing.T) {
	t.Parallel()

	t.Run("ignores stale server descriptions", func(t *testing.T) {
		t.Parallel()

		topo := newTestTopology(t, WithSeedList("one:27017"))
		err := topo.Connect()
		noerr(t, err)
		defer func() { _ = topo.Disconnect(context.Background()) }()

		processID := uuid.New()
		topo.fsm.Servers[0].TopologyVersion = &description.TopologyVersion{ProcessID: processID, Counter: 5}

		stale := description.Server{
			Addr:            address.Address("one:27017"),
			CanonicalAddr:   address.Address("one:27017"),
			Kind:            description.Standalone,
			TopologyVersion: &description.TopologyVersion{ProcessID: processID, Counter: 1},
		}
		returned := topo.apply(context.Background(), stale)

		assert.Equal(t, int64(5), returned.TopologyVersion.Counter, "expected the stored description to be returned")
		assert.Equal(t, description.Unknown, topo.Description().Kind, "expected no transition from a stale description")
	})
	t.Run("applies newer server descriptions", func(t *testing.T) {
		t.Parallel()

		topo := newTestTopology(t, WithSeedList("one:27017"))
		err := topo.Connect()
		noerr(t, err)
		defer func() { _ = topo.Disconnect(context.Background()) }()

		topo.apply(context.Background(), description.Server{
			Addr:          address.Address("one:27017"),
			CanonicalAddr: address.Address("one:27017"),
			Kind:          description.Standalone,
		})

		desc := topo.Description()
		assert.Equal(t, description.Single, desc.Kind, "expected a standalone to move the topology to Single")
		require.Equal(t, 1, len(desc.Servers))
		assert.Equal(t, description.Standalone, desc.Servers[0].Kind)
	})
	t.Run("descriptions for unknown addresses are ignored", func(t *testing.T) {
		t.Parallel()

		topo := newTestTopology(t, WithSeedList("one:27017"))
		err := topo.Connect()
		noerr(t, err)
		defer func() { _ = topo.Disconnect(context.Background()) }()

		in := description.Server{
			Addr:          address.Address("other:27017"),
			CanonicalAddr: address.Address("other:27017"),
			Kind:          description.Standalone,
		}
		returned := topo.apply(context.Background(), in)

		assert.True(t, in.Equal(returned), "expected the description to be returned unchanged")
		assert.Equal(t, 1, len(topo.Description().Servers), "expected the topology to be unchanged")
	})
	t.Run("primary discovery adds and removes monitors", func(t *testing.T) {
		t.Parallel()

		topo := newTestTopology(t, WithSeedList("one:27017", "three:27017"))
		err := topo.Connect()
		noerr(t, err)
		defer func() { _ = topo.Disconnect(context.Background()) }()

		topo.apply(context.Background(), description.Server{
			Addr:          address.Address("one:27017"),
			CanonicalAddr: address.Address("one:27017"),
			Kind:          description.RSPrimary,
			SetName:       "repl0",
			Members: []address.Address{
				address.Address("one:27017"),
				address.Address("two:27017"),
			},
		})

		desc := topo.Description()
		assert.Equal(t, description.ReplicaSetWithPrimary, desc.Kind)
		assert.Equal(t, 2, len(desc.Servers))

		topo.serversLock.Lock()
		_, hasAdded := topo.servers[address.Address("two:27017")]
		_, hasRemoved := topo.servers[address.Address("three:27017")]
		topo.serversLock.Unlock()
		assert.True(t, hasAdded, "expected a monitor for the newly discovered member")
		assert.False(t, hasRemoved, "expected the monitor for the removed member to be dropped")
	})
}

func TestTopologySubscribe(t *testing.T) {
	t.Parallel()

	t.Run("fails when the topology is not connected", func(t *testing.T) {
		t.Parallel()

		topo := newTestTopology(t, WithSeedList("one:27017"))
		_, err := topo.Subscribe()
		assert.Error(t, err, "expected an error when subscribing before Connect")
	})
	t.Run("delivers the current description immediately", func(t *testing.T) {
		t.Parallel()

		topo := newTestTopology(t, WithSeedList("one:27017"))
		err := topo.Connect()
		noerr(t, err)
		defer func() { _ = topo.Disconnect(context.Background()) }()

		sub, err := topo.Subscribe()
		noerr(t, err)

		select {
		case desc := <-sub.Updates:
			assert.True(t, topo.Description().Equal(desc), "expected the current description")
		default:
			t.Fatal("expected the subscription channel to be pre-populated")
		}

		err = topo.Unsubscribe(sub)
		noerr(t, err)
		_, open := <-sub.Updates
		assert.False(t, open, "expected the subscription channel to be closed")
	})
	t.Run("receives topology transitions", func(t *testing.T) {
		t.Parallel()

		topo := newTestTopology(t, WithSeedList("one:27017"))
		err := topo.Connect()
		noerr(t, err)
		defer func() { _ = topo.Disconnect(context.Background()) }()

		sub, err := topo.Subscribe()
		noerr(t, err)
		<-sub.Updates // initial description

		topo.apply(context.Background(), description.Server{
			Addr:          address.Address("one:27017"),
			CanonicalAddr: address.Address("one:27017"),
			Kind:          description.Standalone,
		})

		select {
		case desc := <-sub.Updates:
			assert.Equal(t, description.Single, desc.Kind, "expected the transition to Single")
		case <-time.After(time.Second):
			t.Fatal("expected an update after the description changed")
		}
	})
}
