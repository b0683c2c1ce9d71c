// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"time"

	"github.com/google/uuid"
)

// HelloResponse is the decoded result of the administrative hello command
// used for handshakes and health checks. Decoding the wire form of the
// response is the transport's concern; this package only consumes the
// decoded shape.
type HelloResponse struct {
	Arbiters                     []string
	ArbiterOnly                  bool
	ElectionID                   uuid.UUID
	Hidden                       bool
	Hosts                        []string
	IsWritablePrimary            bool
	IsReplicaSet                 bool
	LastWriteTimestamp           time.Time
	LogicalSessionTimeoutMinutes *int64
	Me                           string
	MaxWireVersion               int32
	MinWireVersion               int32
	Msg                          string
	OK                           int32
	Passives                     []string
	Primary                      string
	ReadOnly                     bool
	Secondary                    bool
	ServiceID                    *uuid.UUID
	SetName                      string
	SetVersion                   uint32
	Tags                         map[string]string
	TopologyVersion              *TopologyVersion
}
