// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package description contains types and functions for describing the state
// of servers and topologies. Descriptions are immutable: every monitor check
// produces a fresh value and updating a topology means building a new one.
package description

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ikmak/mongo-core/address"
	"github.com/ikmak/mongo-core/tag"
)

// UnsetRTT is the unset value for a round trip time.
const UnsetRTT = -1 * time.Millisecond

// SelectedServer augments the Server type by also including the kind of the
// topology the server was selected from.
type SelectedServer struct {
	Server
	Kind TopologyKind
}

// Server contains the state of a single server as of the most recent health
// check.
type Server struct {
	Addr address.Address

	Arbiters              []string
	AverageRTT            time.Duration
	AverageRTTSet         bool
	CanonicalAddr         address.Address
	ElectionID            uuid.UUID
	HeartbeatInterval     time.Duration
	Hosts                 []string
	LastError             error
	LastUpdateTime        time.Time
	LastWriteTime         time.Time
	Members               []address.Address
	Passives              []string
	Primary               address.Address
	ReadOnly              bool
	ServiceID             *uuid.UUID
	SessionTimeoutMinutes *int64
	SetName               string
	SetVersion            uint32
	Tags                  tag.Set
	TopologyVersion       *TopologyVersion
	Kind                  ServerKind
	WireVersion           *VersionRange
}

// NewServer creates a new server description from the response of the hello
// command.
func NewServer(addr address.Address, response HelloResponse) Server {
	desc := Server{
		Addr: addr,

		Arbiters:              response.Arbiters,
		CanonicalAddr:         address.Address(response.Me).Canonicalize(),
		ElectionID:            response.ElectionID,
		Hosts:                 response.Hosts,
		LastUpdateTime:        time.Now().UTC(),
		LastWriteTime:         response.LastWriteTimestamp,
		Passives:              response.Passives,
		Primary:               address.Address(response.Primary).Canonicalize(),
		ReadOnly:              response.ReadOnly,
		ServiceID:             response.ServiceID,
		SessionTimeoutMinutes: response.LogicalSessionTimeoutMinutes,
		SetName:               response.SetName,
		SetVersion:            response.SetVersion,
		Tags:                  tag.NewTagSetFromMap(response.Tags),
		TopologyVersion:       response.TopologyVersion,
	}

	if desc.CanonicalAddr == "" {
		desc.CanonicalAddr = addr
	}

	if response.OK != 1 {
		desc.LastError = fmt.Errorf("not ok")
		return desc
	}

	for _, host := range response.Hosts {
		desc.Members = append(desc.Members, address.Address(host).Canonicalize())
	}

	for _, passive := range response.Passives {
		desc.Members = append(desc.Members, address.Address(passive).Canonicalize())
	}

	for _, arbiter := range response.Arbiters {
		desc.Members = append(desc.Members, address.Address(arbiter).Canonicalize())
	}

	desc.Kind = Standalone

	if response.IsReplicaSet {
		desc.Kind = RSGhost
	} else if response.SetName != "" {
		if response.IsWritablePrimary {
			desc.Kind = RSPrimary
		} else if response.Hidden {
			desc.Kind = RSMember
		} else if response.Secondary {
			desc.Kind = RSSecondary
		} else if response.ArbiterOnly {
			desc.Kind = RSArbiter
		} else {
			desc.Kind = RSMember
		}
	} else if response.Msg == "isdbgrid" {
		desc.Kind = Mongos
	}

	desc.WireVersion = &VersionRange{
		Min: response.MinWireVersion,
		Max: response.MaxWireVersion,
	}

	return desc
}

// NewDefaultServer creates a new unknown server description with the given
// address.
func NewDefaultServer(addr address.Address) Server {
	return NewServerFromError(addr, nil, nil)
}

// NewServerFromError creates a new unknown server description with the given
// address and error. The topology version from the failed response, if any,
// is retained so that stale reports arriving after the error can still be
// discarded.
func NewServerFromError(addr address.Address, err error, tv *TopologyVersion) Server {
	return Server{
		Addr:            addr,
		LastError:       err,
		Kind:            Unknown,
		TopologyVersion: tv,
		LastUpdateTime:  time.Now().UTC(),
	}
}

// SetAverageRTT sets the average round trip time for this server description.
func (s Server) SetAverageRTT(rtt time.Duration) Server {
	s.AverageRTT = rtt
	s.AverageRTTSet = rtt != UnsetRTT
	return s
}

// DataBearing returns true if the server is a data bearing server.
func (s Server) DataBearing() bool {
	return s.Kind == RSPrimary ||
		s.Kind == RSSecondary ||
		s.Kind == Mongos ||
		s.Kind == Standalone
}

// LoadBalanced returns true if the server is a load balancer or is behind a
// load balancer.
func (s Server) LoadBalanced() bool {
	return s.Kind == LoadBalancer || s.ServiceID != nil
}

// String implements the Stringer interface.
func (s Server) String() string {
	str := fmt.Sprintf("Addr: %s, Type: %s", s.Addr, s.Kind)
	if len(s.Tags) != 0 {
		str += fmt.Sprintf(", Tag sets: %v", s.Tags)
	}

	if s.AverageRTTSet {
		str += fmt.Sprintf(", Average RTT: %d", s.AverageRTT)
	}

	if s.LastError != nil {
		str += fmt.Sprintf(", Last error: %s", s.LastError)
	}
	return str
}

// Equal compares two server descriptions and returns true if they are equal.
// Fields that change on every check without being topology relevant, such as
// the round trip time and the last update timestamp, are not considered.
func (s Server) Equal(other Server) bool {
	if s.CanonicalAddr.String() != other.CanonicalAddr.String() {
		return false
	}

	if !sliceStringEqual(s.Arbiters, other.Arbiters) ||
		!sliceStringEqual(s.Hosts, other.Hosts) ||
		!sliceStringEqual(s.Passives, other.Passives) {
		return false
	}

	if s.Primary != other.Primary || s.SetName != other.SetName || s.Kind != other.Kind {
		return false
	}

	if s.SetVersion != other.SetVersion || s.ElectionID != other.ElectionID {
		return false
	}

	if s.SessionTimeoutMinutes == nil != (other.SessionTimeoutMinutes == nil) {
		return false
	}
	if s.SessionTimeoutMinutes != nil && *s.SessionTimeoutMinutes != *other.SessionTimeoutMinutes {
		return false
	}

	if !compareErrors(s.LastError, other.LastError) {
		return false
	}

	return s.TopologyVersion.CompareToIncoming(other.TopologyVersion) == 0 ||
		(s.TopologyVersion == nil && other.TopologyVersion == nil)
}

func sliceStringEqual(a []string, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i, v := range a {
		if v != b[i] {
			return false
		}
	}
	return true
}

func compareErrors(err1, err2 error) bool {
	if err1 == nil && err2 == nil {
		return true
	}
	if err1 == nil || err2 == nil {
		return false
	}
	return err1.Error() == err2.Error()
}
