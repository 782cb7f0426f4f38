// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package notify

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestQueueLIFO(t *testing.T) {
	require := require.New(t)

	q, err := NewQueue(nil)
	require.NoError(err)

	deadline := time.Now().Add(time.Minute)
	q.Push(Notification{Message: "first", Deadline: deadline})
	q.Push(Notification{Message: "second", Deadline: deadline})

	snapshot := q.Snapshot()
	require.Len(snapshot, 2)
	require.Equal("second", snapshot[0].Message)
	require.Equal("first", snapshot[1].Message)
	require.Equal(2, q.Len())
}

func TestQueueRemoveAt(t *testing.T) {
	require := require.New(t)

	q, err := NewQueue(nil)
	require.NoError(err)

	deadline := time.Now().Add(time.Minute)
	q.Push(Notification{Message: "a", Deadline: deadline})
	q.Push(Notification{Message: "b", Deadline: deadline})

	require.False(q.RemoveAt(-1))
	require.False(q.RemoveAt(2))
	require.True(q.RemoveAt(0)) // drops "b", the newest
	snapshot := q.Snapshot()
	require.Len(snapshot, 1)
	require.Equal("a", snapshot[0].Message)
}

func TestQueueRemoveExpired(t *testing.T) {
	require := require.New(t)

	q, err := NewQueue(nil)
	require.NoError(err)

	q.Push(Notification{Message: "stale", Deadline: time.Now().Add(-time.Second)})
	q.Push(Notification{Message: "fresh", Deadline: time.Now().Add(time.Minute)})

	q.RemoveExpired()
	snapshot := q.Snapshot()
	require.Len(snapshot, 1)
	require.Equal("fresh", snapshot[0].Message)
}

func TestQueueSnapshotIsACopy(t *testing.T) {
	require := require.New(t)

	q, err := NewQueue(nil)
	require.NoError(err)

	q.Push(Notification{Message: "keep", Deadline: time.Now().Add(time.Minute), ProposalID: uuid.New()})
	snapshot := q.Snapshot()
	snapshot[0].Message = "mutated"
	require.Equal("keep", q.Snapshot()[0].Message)
}
