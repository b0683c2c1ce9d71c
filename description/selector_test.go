// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikmak/mongo-core/address"
	"github.com/ikmak/mongo-core/readpref"
	"github.com/ikmak/mongo-core/tag"
)

func rttServer(addr string, rtt time.Duration) Server {
	return Server{
		Addr:          address.Address(addr),
		Kind:          Mongos,
		AverageRTT:    rtt,
		AverageRTTSet: true,
	}
}

func TestLatencySelector(t *testing.T) {
	t.Parallel()

	t.Run("selects servers within the latency window", func(t *testing.T) {
		t.Parallel()

		fast := rttServer("a:27017", 5*time.Millisecond)
		medium := rttServer("b:27017", 8*time.Millisecond)
		slow := rttServer("c:27017", 30*time.Millisecond)
		topo := Topology{Kind: Sharded, Servers: []Server{fast, medium, slow}}

		selected, err := LatencySelector(15 * time.Millisecond).SelectServer(topo, topo.Servers)
		require.NoError(t, err)
		assert.ElementsMatch(t, []Server{fast, medium}, selected,
			"expected only servers within 15ms of the fastest")
	})
	t.Run("returns all candidates when no RTT is set", func(t *testing.T) {
		t.Parallel()

		candidates := []Server{
			{Addr: address.Address("a:27017"), Kind: Mongos},
			{Addr: address.Address("b:27017"), Kind: Mongos},
		}
		topo := Topology{Kind: Sharded, Servers: candidates}

		selected, err := LatencySelector(15 * time.Millisecond).SelectServer(topo, candidates)
		require.NoError(t, err)
		assert.Equal(t, candidates, selected)
	})
	t.Run("single candidate is returned as-is", func(t *testing.T) {
		t.Parallel()

		candidates := []Server{rttServer("a:27017", 100 * time.Millisecond)}
		topo := Topology{Kind: Sharded, Servers: candidates}

		selected, err := LatencySelector(15 * time.Millisecond).SelectServer(topo, candidates)
		require.NoError(t, err)
		assert.Equal(t, candidates, selected)
	})
	t.Run("load balanced topology is never filtered", func(t *testing.T) {
		t.Parallel()

		candidates := []Server{
			rttServer("a:27017", 5*time.Millisecond),
			rttServer("b:27017", 500*time.Millisecond),
		}
		topo := Topology{Kind: LoadBalanced, Servers: candidates}

		selected, err := LatencySelector(15 * time.Millisecond).SelectServer(topo, candidates)
		require.NoError(t, err)
		assert.Equal(t, candidates, selected)
	})
	t.Run("negative latency disables the window", func(t *testing.T) {
		t.Parallel()

		candidates := []Server{
			rttServer("a:27017", 5*time.Millisecond),
			rttServer("b:27017", 500*time.Millisecond),
		}
		topo := Topology{Kind: Sharded, Servers: candidates}

		selected, err := LatencySelector(-1).SelectServer(topo, candidates)
		require.NoError(t, err)
		assert.Equal(t, candidates, selected)
	})
}

func TestWriteSelector(t *testing.T) {
	t.Parallel()

	primary := Server{Addr: address.Address("a:27017"), Kind: RSPrimary}
	secondary := Server{Addr: address.Address("b:27017"), Kind: RSSecondary}
	arbiter := Server{Addr: address.Address("c:27017"), Kind: RSArbiter}
	mongos := Server{Addr: address.Address("d:27017"), Kind: Mongos}
	standalone := Server{Addr: address.Address("e:27017"), Kind: Standalone}

	testCases := []struct {
		name       string
		topology   Topology
		candidates []Server
		want       []Server
	}{
		{
			name:       "single selects all",
			topology:   Topology{Kind: Single},
			candidates: []Server{standalone},
			want:       []Server{standalone},
		},
		{
			name:       "load balanced selects all",
			topology:   Topology{Kind: LoadBalanced},
			candidates: []Server{{Addr: address.Address("lb:27017"), Kind: LoadBalancer}},
			want:       []Server{{Addr: address.Address("lb:27017"), Kind: LoadBalancer}},
		},
		{
			name:       "replica set selects the primary",
			topology:   Topology{Kind: ReplicaSetWithPrimary},
			candidates: []Server{primary, secondary, arbiter},
			want:       []Server{primary},
		},
		{
			name:       "replica set without primary selects nothing",
			topology:   Topology{Kind: ReplicaSetNoPrimary},
			candidates: []Server{secondary, arbiter},
			want:       []Server{},
		},
		{
			name:       "sharded selects mongoses",
			topology:   Topology{Kind: Sharded},
			candidates: []Server{mongos, secondary},
			want:       []Server{mongos},
		},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			selected, err := WriteSelector().SelectServer(tc.topology, tc.candidates)
			require.NoError(t, err)
			assert.Equal(t, tc.want, selected)
		})
	}
}

func TestReadPrefSelector(t *testing.T) {
	t.Parallel()

	primary := Server{Addr: address.Address("a:27017"), Kind: RSPrimary}
	secondaryNY := Server{
		Addr: address.Address("b:27017"),
		Kind: RSSecondary,
		Tags: tag.NewTagSetFromMap(map[string]string{"dc": "ny"}),
	}
	secondarySF := Server{
		Addr: address.Address("c:27017"),
		Kind: RSSecondary,
		Tags: tag.NewTagSetFromMap(map[string]string{"dc": "sf"}),
	}
	mongos := Server{Addr: address.Address("d:27017"), Kind: Mongos}

	rsTopology := Topology{
		Kind:    ReplicaSetWithPrimary,
		Servers: []Server{primary, secondaryNY, secondarySF},
	}

	testCases := []struct {
		name     string
		topology Topology
		rp       *readpref.ReadPref
		want     []Server
	}{
		{
			name:     "primary",
			topology: rsTopology,
			rp:       readpref.Primary(),
			want:     []Server{primary},
		},
		{
			name:     "secondary",
			topology: rsTopology,
			rp:       readpref.Secondary(),
			want:     []Server{secondaryNY, secondarySF},
		},
		{
			name:     "nearest",
			topology: rsTopology,
			rp:       readpref.Nearest(),
			want:     []Server{primary, secondaryNY, secondarySF},
		},
		{
			name:     "secondary with tags",
			topology: rsTopology,
			rp:       readpref.Secondary(readpref.WithTags("dc", "sf")),
			want:     []Server{secondarySF},
		},
		{
			name: "secondary preferred without secondaries falls back to primary",
			topology: Topology{
				Kind:    ReplicaSetWithPrimary,
				Servers: []Server{primary},
			},
			rp:   readpref.SecondaryPreferred(),
			want: []Server{primary},
		},
		{
			name: "primary preferred without primary falls back to secondaries",
			topology: Topology{
				Kind:    ReplicaSetNoPrimary,
				Servers: []Server{secondaryNY, secondarySF},
			},
			rp:   readpref.PrimaryPreferred(),
			want: []Server{secondaryNY, secondarySF},
		},
		{
			name: "sharded ignores the mode and selects mongoses",
			topology: Topology{
				Kind:    Sharded,
				Servers: []Server{mongos},
			},
			rp:   readpref.Secondary(),
			want: []Server{mongos},
		},
		{
			name: "single selects all",
			topology: Topology{
				Kind:    Single,
				Servers: []Server{primary},
			},
			rp:   readpref.Secondary(),
			want: []Server{primary},
		},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			selected, err := ReadPrefSelector(tc.rp).SelectServer(tc.topology, tc.topology.Servers)
			require.NoError(t, err)
			assert.ElementsMatch(t, tc.want, selected)
		})
	}
}

func TestMaxStalenessValidation(t *testing.T) {
	t.Parallel()

	now := time.Now()
	primary := Server{
		Addr:              address.Address("a:27017"),
		Kind:              RSPrimary,
		LastUpdateTime:    now,
		LastWriteTime:     now,
		HeartbeatInterval: 10 * time.Second,
	}
	freshSecondary := Server{
		Addr:              address.Address("b:27017"),
		Kind:              RSSecondary,
		LastUpdateTime:    now,
		LastWriteTime:     now,
		HeartbeatInterval: 10 * time.Second,
	}
	staleSecondary := Server{
		Addr:              address.Address("c:27017"),
		Kind:              RSSecondary,
		LastUpdateTime:    now,
		LastWriteTime:     now.Add(-5 * time.Minute),
		HeartbeatInterval: 10 * time.Second,
	}

	topo := Topology{
		Kind:    ReplicaSetWithPrimary,
		Servers: []Server{primary, freshSecondary, staleSecondary},
	}

	t.Run("max staleness below 90s is rejected", func(t *testing.T) {
		t.Parallel()

		rp := readpref.Secondary(readpref.WithMaxStaleness(10 * time.Second))
		_, err := ReadPrefSelector(rp).SelectServer(topo, topo.Servers)
		assert.ErrorContains(t, err, "must be greater than or equal to 90s")
	})
	t.Run("max staleness below heartbeat plus idle write period is rejected", func(t *testing.T) {
		t.Parallel()

		slowHeartbeat := topo
		slowHeartbeat.Servers = []Server{
			{
				Addr:              address.Address("a:27017"),
				Kind:              RSPrimary,
				HeartbeatInterval: 2 * time.Minute,
			},
		}

		rp := readpref.Secondary(readpref.WithMaxStaleness(100 * time.Second))
		_, err := ReadPrefSelector(rp).SelectServer(slowHeartbeat, slowHeartbeat.Servers)
		assert.ErrorContains(t, err, "heartbeat interval")
	})
	t.Run("stale secondaries are filtered", func(t *testing.T) {
		t.Parallel()

		rp := readpref.Secondary(readpref.WithMaxStaleness(90 * time.Second))
		selected, err := ReadPrefSelector(rp).SelectServer(topo, topo.Servers)
		require.NoError(t, err)
		assert.ElementsMatch(t, []Server{freshSecondary}, selected,
			"expected the secondary that exceeds max staleness to be excluded")
	})
}
