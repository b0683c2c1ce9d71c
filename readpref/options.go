// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package readpref

import (
	"time"

	"github.com/ikmak/mongo-core/tag"
)

// Option configures a read preference.
type Option func(*ReadPref)

// WithMaxStaleness sets the maximum staleness a server is allowed.
func WithMaxStaleness(ms time.Duration) Option {
	return func(rp *ReadPref) {
		rp.maxStaleness = ms
		rp.maxStalenessSet = true
	}
}

// WithTags specifies a single tag set used to match a server. The last call
// to WithTags or WithTagSets overrides all previous calls to either method.
func WithTags(pairs ...string) Option {
	set := tag.Set{}
	for i := 1; i < len(pairs); i += 2 {
		set = append(set, tag.Tag{Name: pairs[i-1], Value: pairs[i]})
	}
	return WithTagSets(set)
}

// WithTagSets specifies the tag sets used to match a server. The last call to
// WithTags or WithTagSets overrides all previous calls to either method.
func WithTagSets(tagSets ...tag.Set) Option {
	return func(rp *ReadPref) {
		rp.tagSets = tagSets
	}
}
