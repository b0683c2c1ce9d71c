// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"

	"github.com/ikmak/mongo-core/address"
	"github.com/ikmak/mongo-core/description"
	"github.com/ikmak/mongo-core/internal/ptrutil"
)

// MinSupportedServerVersion is the version string for the lowest server version
// supported by this client.
const MinSupportedServerVersion = "3.6"

// SupportedWireVersions is the range of wire versions supported by the client.
var SupportedWireVersions = description.NewVersionRange(6, 25)

type fsm struct {
	description.Topology
	maxElectionID uuid.UUID
	maxSetVersion uint32
}

func newFSM() *fsm {
	return &fsm{}
}

// selectFSMSessionTimeout selects the timeout to return for the topology's
// finite state machine. If the server is in a data-bearing state, then we
// determine this value by returning:
//
//  1. the server's timeout if it is the lowest or the FSM does not have one,
//  2. the minimum of the FSM's servers' timeouts and the new timeout otherwise.
//
// If the server is not data-bearing, the FSM's timeout is kept as-is.
func selectFSMSessionTimeout(f *fsm, s description.Server) *int64 {
	oldMinutes := f.SessionTimeoutMinutes
	comp := ptrutil.CompareInt64(oldMinutes, s.SessionTimeoutMinutes)

	// If the server is data-bearing and the current timeout exists and is
	// either:
	//
	// 1. lower than the FSM timeout, or
	// 2. unset while the FSM timeout is set,
	//
	// then return the server timeout.
	if s.DataBearing() && (comp == 1 || comp == 2) {
		return s.SessionTimeoutMinutes
	}

	// If the server is not data-bearing, then we should return the FSM
	// timeout.
	if !s.DataBearing() {
		return oldMinutes
	}

	timeoutSlice := make([]*int64, 0, len(f.Servers)+1)
	timeoutSlice = append(timeoutSlice, s.SessionTimeoutMinutes)
	for _, server := range f.Servers {
		timeoutSlice = append(timeoutSlice, server.SessionTimeoutMinutes)
	}

	return ptrutil.MinInt64(timeoutSlice...)
}

// apply takes a new server description and modifies the FSM's topology description based on it. It returns the
// updated topology description as well as a server description. The returned server description is either the same
// one that was passed in, or a new one in the case that it had to be changed.
//
// apply should operate on immutable descriptions so we don't have to lock for the entire time we're applying the
// server description.
func (f *fsm) apply(s description.Server) (description.Topology, description.Server) {
	newServers := make([]description.Server, len(f.Servers))
	copy(newServers, f.Servers)

	// Reset the topology, preserving the kind and set name, so the session
	// timeout can be recalculated from scratch for this transition.
	f.Topology = description.Topology{
		Kind:    f.Kind,
		Servers: newServers,
		SetName: f.SetName,
	}

	// For data bearing servers, set SessionTimeoutMinutes to the lowest among
	// them.
	f.SessionTimeoutMinutes = selectFSMSessionTimeout(f, s)

	if _, ok := f.findServer(s.Addr); !ok {
		return f.Topology, s
	}

	updatedDesc := s
	switch f.Kind {
	case description.TopologyKind(description.Unknown):
		updatedDesc = f.applyToUnknown(s)
	case description.Sharded:
		updatedDesc = f.applyToSharded(s)
	case description.ReplicaSetNoPrimary:
		updatedDesc = f.applyToReplicaSetNoPrimary(s)
	case description.ReplicaSetWithPrimary:
		updatedDesc = f.applyToReplicaSetWithPrimary(s)
	case description.Single:
		updatedDesc = f.applyToSingle(s)
	case description.LoadBalanced:
		// Load balanced topologies are not updated from server descriptions.
	}

	for _, server := range f.Servers {
		if server.WireVersion != nil {
			if server.WireVersion.Max < SupportedWireVersions.Min {
				f.Topology.CompatibilityErr = fmt.Errorf(
					"server at %s reports wire version %d, but this version of the driver requires "+
						"at least %d (server version %s)",
					server.Addr.String(),
					server.WireVersion.Max,
					SupportedWireVersions.Min,
					MinSupportedServerVersion,
				)
				return f.Topology, updatedDesc
			}

			if server.WireVersion.Min > SupportedWireVersions.Max {
				f.Topology.CompatibilityErr = fmt.Errorf(
					"server at %s requires wire version %d, but this version of the driver only supports up to %d",
					server.Addr.String(),
					server.WireVersion.Min,
					SupportedWireVersions.Max,
				)
				return f.Topology, updatedDesc
			}
		}
	}

	return f.Topology, updatedDesc
}

func (f *fsm) applyToReplicaSetNoPrimary(s description.Server) description.Server {
	switch s.Kind {
	case description.Standalone, description.Mongos:
		f.removeServerByAddr(s.Addr)
	case description.RSPrimary:
		f.updateRSFromPrimary(s)
	case description.RSSecondary, description.RSArbiter, description.RSMember:
		f.updateRSWithoutPrimary(s)
	case description.Unknown, description.RSGhost:
		f.replaceServer(s)
	}

	return s
}

func (f *fsm) applyToReplicaSetWithPrimary(s description.Server) description.Server {
	switch s.Kind {
	case description.Standalone, description.Mongos:
		f.removeServerByAddr(s.Addr)
		f.checkIfHasPrimary()
	case description.RSPrimary:
		f.updateRSFromPrimary(s)
	case description.RSSecondary, description.RSArbiter, description.RSMember:
		f.updateRSWithPrimaryFromMember(s)
	case description.Unknown, description.RSGhost:
		f.replaceServer(s)
		f.checkIfHasPrimary()
	}

	return s
}

func (f *fsm) applyToSharded(s description.Server) description.Server {
	switch s.Kind {
	case description.Mongos, description.Unknown:
		f.replaceServer(s)
	case description.Standalone, description.RSPrimary, description.RSSecondary,
		description.RSArbiter, description.RSMember, description.RSGhost:
		f.removeServerByAddr(s.Addr)
	}

	return s
}

func (f *fsm) applyToSingle(s description.Server) description.Server {
	switch s.Kind {
	case description.Unknown:
		f.replaceServer(s)
	case description.Standalone, description.Mongos:
		if f.SetName != "" {
			f.removeServerByAddr(s.Addr)
			return s
		}

		f.replaceServer(s)
	case description.RSPrimary, description.RSSecondary, description.RSArbiter,
		description.RSMember, description.RSGhost:
		// A replica set name can be provided when creating a direct connection. In this case, if the set name
		// returned by the hello response doesn't match up with the provided set name, the server description is
		// replaced with a default Unknown description.
		//
		// We create a new server description rather than doing s.Kind = description.Unknown because the other
		// members of the server description should not be used for an Unknown description.
		if f.SetName != "" && f.SetName != s.SetName {
			desc := description.NewServerFromError(s.Addr, fmt.Errorf(
				"expected set name %q, but found %q", f.SetName, s.SetName), nil)
			f.replaceServer(desc)
			return desc
		}

		f.replaceServer(s)
	}

	return s
}

func (f *fsm) applyToUnknown(s description.Server) description.Server {
	switch s.Kind {
	case description.Mongos:
		f.setKind(description.Sharded)
		f.replaceServer(s)
	case description.RSPrimary:
		f.updateRSFromPrimary(s)
	case description.RSSecondary, description.RSArbiter, description.RSMember:
		f.setKind(description.ReplicaSetNoPrimary)
		f.updateRSWithoutPrimary(s)
	case description.Standalone:
		f.updateUnknownWithStandalone(s)
	case description.Unknown, description.RSGhost:
		f.replaceServer(s)
	}

	return s
}

func (f *fsm) checkIfHasPrimary() {
	if _, ok := f.findPrimary(); ok {
		f.setKind(description.ReplicaSetWithPrimary)
	} else {
		f.setKind(description.ReplicaSetNoPrimary)
	}
}

func (f *fsm) updateRSFromPrimary(s description.Server) {
	if f.SetName == "" {
		f.SetName = s.SetName
	} else if f.SetName != s.SetName {
		f.removeServerByAddr(s.Addr)
		f.checkIfHasPrimary()
		return
	}

	if s.SetVersion != 0 && !bytes.Equal(s.ElectionID[:], uuid.Nil[:]) {
		if f.maxSetVersion > s.SetVersion || bytes.Compare(f.maxElectionID[:], s.ElectionID[:]) == 1 {
			f.replaceServer(description.NewServerFromError(s.Addr, fmt.Errorf(
				"was a primary, but its set version or election id is stale"), nil))
			f.checkIfHasPrimary()
			return
		}

		f.maxElectionID = s.ElectionID
	}

	if s.SetVersion > f.maxSetVersion {
		f.maxSetVersion = s.SetVersion
	}

	if j, ok := f.findPrimary(); ok {
		f.setServer(j, description.NewServerFromError(f.Servers[j].Addr, fmt.Errorf(
			"was a primary, but a new primary was discovered"), nil))
	}

	f.replaceServer(s)

	for j := len(f.Servers) - 1; j >= 0; j-- {
		var found bool
		for _, member := range s.Members {
			if member == f.Servers[j].Addr {
				found = true
				break
			}
		}

		if !found {
			f.removeServer(j)
		}
	}

	for _, member := range s.Members {
		if _, ok := f.findServer(member); !ok {
			f.addServer(member)
		}
	}

	f.checkIfHasPrimary()
}

func (f *fsm) updateRSWithPrimaryFromMember(s description.Server) {
	if f.SetName != s.SetName {
		f.removeServerByAddr(s.Addr)
		f.checkIfHasPrimary()
		return
	}

	if s.Addr != s.CanonicalAddr {
		f.removeServerByAddr(s.Addr)
		f.checkIfHasPrimary()
		return
	}

	f.replaceServer(s)

	if _, ok := f.findPrimary(); !ok {
		f.setKind(description.ReplicaSetNoPrimary)
	}
}

func (f *fsm) updateRSWithoutPrimary(s description.Server) {
	if f.SetName == "" {
		f.SetName = s.SetName
	} else if f.SetName != s.SetName {
		f.removeServerByAddr(s.Addr)
		return
	}

	for _, member := range s.Members {
		if _, ok := f.findServer(member); !ok {
			f.addServer(member)
		}
	}

	if s.Addr != s.CanonicalAddr {
		f.removeServerByAddr(s.Addr)
		return
	}

	f.replaceServer(s)
}

func (f *fsm) updateUnknownWithStandalone(s description.Server) {
	if len(f.Servers) > 1 {
		f.removeServerByAddr(s.Addr)
		return
	}

	f.setKind(description.Single)
	f.replaceServer(s)
}

func (f *fsm) addServer(addr address.Address) {
	f.Servers = append(f.Servers, description.Server{
		Addr: addr.Canonicalize(),
	})
}

func (f *fsm) findPrimary() (int, bool) {
	for i, s := range f.Servers {
		if s.Kind == description.RSPrimary {
			return i, true
		}
	}

	return 0, false
}

func (f *fsm) findServer(addr address.Address) (int, bool) {
	canon := addr.Canonicalize()
	for i, s := range f.Servers {
		if canon == s.Addr {
			return i, true
		}
	}

	return 0, false
}

func (f *fsm) removeServer(i int) {
	f.Servers = append(f.Servers[:i], f.Servers[i+1:]...)

	// Recalculate the session timeout after a server is removed so a removed
	// member with a low timeout does not continue to constrain the topology.
	timeoutSlice := make([]*int64, 0, len(f.Servers))
	for _, server := range f.Servers {
		timeoutSlice = append(timeoutSlice, server.SessionTimeoutMinutes)
	}
	if len(timeoutSlice) == 0 {
		f.SessionTimeoutMinutes = nil
		return
	}
	f.SessionTimeoutMinutes = ptrutil.MinInt64(timeoutSlice...)
}

func (f *fsm) removeServerByAddr(addr address.Address) {
	if i, ok := f.findServer(addr); ok {
		f.removeServer(i)
	}
}

func (f *fsm) replaceServer(s description.Server) {
	if i, ok := f.findServer(s.Addr); ok {
		f.setServer(i, s)
	}
}

func (f *fsm) setServer(i int, s description.Server) {
	f.Servers[i] = s
}

func (f *fsm) setKind(k description.TopologyKind) {
	f.Kind = k
}
