// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import "github.com/google/uuid"

// TopologyVersion is the monotonic (process id, counter) pair a server stamps
// on each health-check response. It orders and deduplicates monitor updates
// for a single server.
type TopologyVersion struct {
	ProcessID uuid.UUID
	Counter   int64
}

// MoreRecentThan returns if this TopologyVersion is more recent than the one
// passed in.
func (tv *TopologyVersion) MoreRecentThan(other *TopologyVersion) bool {
	if tv == nil || other == nil {
		return false
	}
	if tv.ProcessID != other.ProcessID {
		return false
	}

	return tv.Counter > other.Counter
}

// CompareToIncoming compares tv to a topology version from an incoming server
// response. It returns -1 if the incoming version is newer, 0 if they are
// equal, and 1 if the stored version is newer. A nil version on either side
// always orders the incoming response as newer, so responses from servers
// that do not report topology versions are never discarded.
func (tv *TopologyVersion) CompareToIncoming(incoming *TopologyVersion) int {
	if tv == nil || incoming == nil {
		return -1
	}
	if tv.ProcessID != incoming.ProcessID {
		return -1
	}
	switch {
	case tv.Counter < incoming.Counter:
		return -1
	case tv.Counter > incoming.Counter:
		return 1
	}
	return 0
}
