// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package readpref defines read preferences for selecting a server for read
// operations.
package readpref

import (
	"time"

	"github.com/ikmak/mongo-core/tag"
)

// Primary constructs a read preference with a PrimaryMode.
func Primary() *ReadPref {
	return newReadPref(PrimaryMode)
}

// PrimaryPreferred constructs a read preference with a PrimaryPreferredMode.
func PrimaryPreferred(opts ...Option) *ReadPref {
	return newReadPref(PrimaryPreferredMode, opts...)
}

// SecondaryPreferred constructs a read preference with a SecondaryPreferredMode.
func SecondaryPreferred(opts ...Option) *ReadPref {
	return newReadPref(SecondaryPreferredMode, opts...)
}

// Secondary constructs a read preference with a SecondaryMode.
func Secondary(opts ...Option) *ReadPref {
	return newReadPref(SecondaryMode, opts...)
}

// Nearest constructs a read preference with a NearestMode.
func Nearest(opts ...Option) *ReadPref {
	return newReadPref(NearestMode, opts...)
}

// WithMode takes a mode and creates a read preference using that mode.
func WithMode(mode Mode, opts ...Option) *ReadPref {
	return newReadPref(mode, opts...)
}

func newReadPref(mode Mode, opts ...Option) *ReadPref {
	rp := &ReadPref{
		mode: mode,
	}

	for _, opt := range opts {
		opt(rp)
	}

	return rp
}

// ReadPref determines which servers are considered suitable for read operations.
type ReadPref struct {
	maxStaleness    time.Duration
	maxStalenessSet bool
	mode            Mode
	tagSets         []tag.Set
}

// MaxStaleness is the maximum amount of time to allow a server to be
// considered eligible for selection. The second return value indicates if
// this value has been set.
func (r *ReadPref) MaxStaleness() (time.Duration, bool) {
	return r.maxStaleness, r.maxStalenessSet
}

// Mode indicates the mode of the read preference.
func (r *ReadPref) Mode() Mode {
	return r.mode
}

// TagSets are multiple tag sets indicating which servers should be considered.
func (r *ReadPref) TagSets() []tag.Set {
	return r.tagSets
}

// String implements the fmt.Stringer interface.
func (r *ReadPref) String() string {
	return r.mode.String()
}
