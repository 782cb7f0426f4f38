// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package set

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetBasics(t *testing.T) {
	require := require.New(t)

	s := Of("a", "b")
	require.Equal(2, s.Len())
	require.True(s.Contains("a"))
	require.False(s.Contains("c"))

	s.Add("c")
	require.True(s.Contains("c"))

	s.Remove("a", "b")
	require.Equal(1, s.Len())

	s.Clear()
	require.Zero(s.Len())
}

func TestSetUnionDifference(t *testing.T) {
	require := require.New(t)

	s := Of(1, 2)
	s.Union(Of(2, 3))
	require.True(s.Equals(Of(1, 2, 3)))

	s.Difference(Of(1, 3))
	require.True(s.Equals(Of(2)))
}

func TestSetJSONRoundTrip(t *testing.T) {
	require := require.New(t)

	s := Of("x", "y")
	raw, err := json.Marshal(s)
	require.NoError(err)

	var decoded Set[string]
	require.NoError(json.Unmarshal(raw, &decoded))
	require.True(s.Equals(decoded))
}

func TestNilSetAdd(t *testing.T) {
	require := require.New(t)

	var s Set[string]
	s.Add("grown")
	require.True(s.Contains("grown"))
}
