// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cluster

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestStatusCodeString(t *testing.T) {
	require := require.New(t)
	require.Equal("FREE", StatusFree.String())
	require.Equal("FOLLOWER_CHANGE", StatusFollowerChange.String())
	require.Equal("DATABASE_CHANGE", StatusDatabaseChange.String())
	require.Equal("UNKNOWN", StatusCode(42).String())
}

func TestIDGreater(t *testing.T) {
	require := require.New(t)

	low := uuid.UUID{0x01}
	high := uuid.UUID{0x02}
	require.True(idGreater(high, low))
	require.False(idGreater(low, high))
	require.False(idGreater(low, low))
}

func TestProposalMessages(t *testing.T) {
	require := require.New(t)

	// The entry message names the title, not the username.
	msg := proposalMessage(OpAddEntry, OpData{Group: []string{"root"}, Title: "tv", Username: "user"})
	require.Contains(msg, `titled "tv"`)
	require.NotContains(msg, `"user"`)

	require.Contains(proposalMessage(OpAddGroup, OpData{Group: nil, Name: "web"}), `named "web"`)
	require.Contains(proposalMessage(OpDeleteEntry, OpData{Path: []string{"root", "tv"}}), `"root/tv"`)
	require.Contains(proposalMessage(OpDeleteGroup, OpData{Path: []string{"root"}}), `"root"`)
}
