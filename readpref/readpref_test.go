// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package readpref

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrimary(t *testing.T) {
	rp := Primary()
	assert.Equal(t, PrimaryMode, rp.Mode())
	_, set := rp.MaxStaleness()
	assert.False(t, set)
}

func TestOptions(t *testing.T) {
	rp := Secondary(
		WithMaxStaleness(120*time.Second),
		WithTags("dc", "ny", "rack", "1"),
	)

	assert.Equal(t, SecondaryMode, rp.Mode())

	ms, set := rp.MaxStaleness()
	assert.True(t, set)
	assert.Equal(t, 120*time.Second, ms)

	sets := rp.TagSets()
	require.Len(t, sets, 1)
	assert.True(t, sets[0].Contains("dc", "ny"))
	assert.True(t, sets[0].Contains("rack", "1"))
}

func TestModeFromString(t *testing.T) {
	testCases := []struct {
		in   string
		want Mode
	}{
		{"primary", PrimaryMode},
		{"primaryPreferred", PrimaryPreferredMode},
		{"secondary", SecondaryMode},
		{"secondaryPreferred", SecondaryPreferredMode},
		{"nearest", NearestMode},
	}
	for _, tc := range testCases {
		mode, err := ModeFromString(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, mode)
	}

	_, err := ModeFromString("quorum")
	assert.Error(t, err)
}
