// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"fmt"

	"github.com/ikmak/mongo-core/address"
	"github.com/ikmak/mongo-core/readpref"
)

// Topology contains the state of a deployment as of the most recent monitor
// reports: the set of known servers and their aggregate classification.
type Topology struct {
	Servers               []Server
	SetName               string
	Kind                  TopologyKind
	SessionTimeoutMinutes *int64
	CompatibilityErr      error
}

// Server returns the server for the given address. Returns false if the
// server could not be found.
func (t Topology) Server(addr address.Address) (Server, bool) {
	for _, server := range t.Servers {
		if server.Addr.String() == addr.String() {
			return server, true
		}
	}
	return Server{}, false
}

// HasReadableServer returns true if a topology has a server available for
// reading with the given read preference mode.
func (t Topology) HasReadableServer(mode readpref.Mode) bool {
	switch t.Kind {
	case Single, Sharded, LoadBalanced:
		return hasAvailableServer(t.Servers, 0)
	case ReplicaSetWithPrimary:
		return hasAvailableServer(t.Servers, mode)
	case ReplicaSetNoPrimary, ReplicaSet:
		if mode == 0 || mode == readpref.PrimaryMode {
			// A primary mode read cannot be satisfied without a primary.
			return false
		}
		return hasAvailableServer(t.Servers, mode)
	}

	return false
}

// HasWritableServer returns true if a topology has a server available for
// writing.
func (t Topology) HasWritableServer() bool {
	switch t.Kind {
	case ReplicaSetNoPrimary, ReplicaSet:
		return false
	}
	return hasAvailableServer(t.Servers, 0)
}

// hasAvailableServer returns true if any server in the list can serve the
// given read preference mode. A mode of zero means "writable only".
func hasAvailableServer(servers []Server, mode readpref.Mode) bool {
	switch mode {
	case readpref.SecondaryMode, readpref.SecondaryPreferredMode:
		for _, s := range servers {
			if s.Kind == RSSecondary {
				return true
			}
		}
	case readpref.PrimaryPreferredMode, readpref.NearestMode:
		for _, s := range servers {
			if s.Kind == RSPrimary || s.Kind == RSSecondary {
				return true
			}
		}
	default:
		for _, s := range servers {
			switch s.Kind {
			case RSPrimary, Standalone, Mongos, LoadBalancer:
				return true
			}
		}
	}

	return false
}

// Equal compares two topology descriptions and returns true if they are
// equal.
func (t Topology) Equal(other Topology) bool {
	if t.Kind != other.Kind {
		return false
	}

	topoServers := make(map[string]Server)
	for _, s := range t.Servers {
		topoServers[s.Addr.String()] = s
	}

	otherServers := make(map[string]Server)
	for _, s := range other.Servers {
		otherServers[s.Addr.String()] = s
	}

	if len(topoServers) != len(otherServers) {
		return false
	}

	for _, server := range topoServers {
		otherServer, ok := otherServers[server.Addr.String()]
		if !ok || !server.Equal(otherServer) {
			return false
		}
	}

	return true
}

// String implements the Stringer interface.
func (t Topology) String() string {
	var serversStr string
	for _, s := range t.Servers {
		serversStr += "{ " + s.String() + " }, "
	}
	return fmt.Sprintf("Type: %s, Servers: [%s]", t.Kind, serversStr)
}
