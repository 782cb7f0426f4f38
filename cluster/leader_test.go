// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/vaultd/notify"
	"github.com/luxfi/vaultd/rpcd"
	"github.com/luxfi/vaultd/rpcd/rpcdtest"
	"github.com/luxfi/vaultd/utils/set"
)

func TestQuorum(t *testing.T) {
	require := require.New(t)

	// ceil((followers+1)/2): an even split approves.
	require.Equal(1, quorum(0))
	require.Equal(1, quorum(1))
	require.Equal(2, quorum(2))
	require.Equal(2, quorum(3))
	require.Equal(3, quorum(4))
	require.Equal(3, quorum(5))
}

func TestCastVoteValidity(t *testing.T) {
	require := require.New(t)

	authority := rpcdtest.NewAuthority(t)
	alice := newTestPeer(t, authority, "alice")
	leader := newTestLeader(t, alice, "shared")

	pid := uuid.New()
	future := time.Now().Add(time.Minute)
	leader.voteLock.Lock()
	leader.current = &proposal{
		id:     pid,
		op:     OpAddGroup,
		votes:  []bool{true},
		voters: set.Of("requester"),
		deadlines: map[string]time.Time{
			"voter":   future,
			"late":    time.Now().Add(-time.Second),
			"twoface": future,
		},
	}
	leader.voteLock.Unlock()

	require.False(leader.castVote(true, "voter", uuid.New()), "wrong proposal id")
	require.False(leader.castVote(true, "requester", pid), "requester already voted")
	require.False(leader.castVote(true, "stranger", pid), "no deadline for voter")
	require.False(leader.castVote(true, "late", pid), "deadline passed")

	require.True(leader.castVote(false, "voter", pid))
	require.False(leader.castVote(true, "voter", pid), "second vote rejected")

	require.True(leader.castVote(true, "twoface", pid))

	leader.voteLock.Lock()
	defer leader.voteLock.Unlock()
	require.Equal([]bool{true, false, true}, leader.current.votes)

	// Drop the proposal; votes with nothing pending are covered by
	// TestCastVoteWithoutProposal.
	leader.current = nil
}

func TestCastVoteWithoutProposal(t *testing.T) {
	authority := rpcdtest.NewAuthority(t)
	alice := newTestPeer(t, authority, "alice")
	leader := newTestLeader(t, alice, "shared")
	require.False(t, leader.castVote(true, "voter", uuid.New()))
}

func TestSelfOnlyProposalCommits(t *testing.T) {
	require := require.New(t)

	authority := rpcdtest.NewAuthority(t)
	alice := newTestPeer(t, authority, "alice")
	leader := newTestLeader(t, alice, "shared")

	// With no other followers the leader's own vote is the quorum; the
	// proposal commits when the window closes.
	require.NoError(leader.AddEntry(nil, "router", "admin", "pw"))

	require.Eventually(func() bool {
		return len(leader.Entries()) == 1
	}, 10*time.Second, 100*time.Millisecond)
	require.True(alice.prints.contains("approved"))
	require.Equal(StatusFree, leader.Status())
}

func TestProposalApprovedFansOut(t *testing.T) {
	require := require.New(t)

	authority := rpcdtest.NewAuthority(t)
	alice := newTestPeer(t, authority, "alice")
	bob := newTestPeer(t, authority, "bob")
	carol := newTestPeer(t, authority, "carol")

	leader := newTestLeader(t, alice, "shared")
	require.NoError(leader.store.AddGroup(nil, "root"))

	followerB := connectFollower(t, bob, leader.URI())
	followerC := connectFollower(t, carol, leader.URI())

	// B proposes; the leader acknowledges and starts the vote.
	require.NoError(followerB.AddEntry([]string{"root"}, "tv", "user", "w"))

	// The leader's operator and C both receive a notification; both
	// vote yes within the window.
	var leaderNote, carolNote notify.Notification
	require.Eventually(func() bool {
		notes := alice.ctx.Notifications.Snapshot()
		if len(notes) == 0 {
			return false
		}
		leaderNote = notes[0]
		return true
	}, 3*time.Second, 20*time.Millisecond)
	require.Contains(leaderNote.Message, `titled "tv"`)

	require.Eventually(func() bool {
		notes := carol.ctx.Notifications.Snapshot()
		if len(notes) == 0 {
			return false
		}
		carolNote = notes[0]
		return true
	}, 3*time.Second, 20*time.Millisecond)

	require.True(leader.AnswerNotification(true, leaderNote))
	require.True(followerC.AnswerNotification(true, carolNote))

	// After the deadline the mutation lands on every replica.
	for _, peer := range []Handle{leader, followerB, followerC} {
		peer := peer
		require.Eventually(func() bool {
			for _, e := range peer.Entries() {
				if e.Title == "tv" && e.Username == "user" && e.Password == "w" {
					return true
				}
			}
			return false
		}, 10*time.Second, 100*time.Millisecond)
	}
	require.Equal(leader.Entries(), followerB.Entries())
	require.Equal(leader.Entries(), followerC.Entries())
}

func TestProposalDenied(t *testing.T) {
	require := require.New(t)

	authority := rpcdtest.NewAuthority(t)
	alice := newTestPeer(t, authority, "alice")
	bob := newTestPeer(t, authority, "bob")
	carol := newTestPeer(t, authority, "carol")

	leader := newTestLeader(t, alice, "shared")
	require.NoError(leader.store.AddGroup(nil, "root"))
	require.NoError(leader.store.AddGroup([]string{"root"}, "x"))

	followerB := connectFollower(t, bob, leader.URI())
	followerC := connectFollower(t, carol, leader.URI())

	// The leader proposes; its own vote is implied. B votes no, C never
	// answers: 1 yes < ceil(3/2) = 2.
	require.NoError(leader.DeleteGroup([]string{"root", "x"}))

	var bobNote notify.Notification
	require.Eventually(func() bool {
		notes := bob.ctx.Notifications.Snapshot()
		if len(notes) == 0 {
			return false
		}
		bobNote = notes[0]
		return true
	}, 3*time.Second, 20*time.Millisecond)
	require.True(followerB.AnswerNotification(false, bobNote))

	// The window closes with no quorum: nothing changes anywhere and
	// every peer prints the denial.
	require.Eventually(func() bool {
		return alice.prints.contains("denied")
	}, 10*time.Second, 100*time.Millisecond)
	require.Eventually(func() bool {
		return bob.prints.contains("denied") && carol.prints.contains("denied")
	}, 5*time.Second, 100*time.Millisecond)

	for _, peer := range []Handle{leader, followerB, followerC} {
		groups := peer.Groups()
		found := false
		for _, g := range groups {
			if g.Name == "x" {
				found = true
			}
		}
		require.True(found, "denied proposal must not mutate replicas")
	}
	require.Equal(StatusFree, leader.Status())
}

func TestUnauthorizedProposalRejected(t *testing.T) {
	require := require.New(t)

	authority := rpcdtest.NewAuthority(t)
	alice := newTestPeer(t, authority, "alice")
	mallory := newTestPeer(t, authority, "mallory")

	leader := newTestLeader(t, alice, "shared")

	// mallory holds a CA-signed certificate but never completed the
	// admission handshake; proposals bounce without touching state.
	proxy, err := rpcd.NewProxy(mallory.ctx.Bundle, leader.URI(), mallory.ctx.Log)
	require.NoError(err)

	var reply StatusReply
	require.NoError(proxy.Call(context.Background(), "ProposeAddGroup", ProposeArgs{
		Data:         OpData{Name: "evil"},
		RequesterURI: "https://127.0.0.1:1/objects/mallory",
	}, &reply))
	require.Equal(ReturnError, reply.Code)

	var voteReply BoolReply
	require.NoError(proxy.Call(context.Background(), "CastVote", CastVoteArgs{
		Vote:       true,
		VoterURI:   "https://127.0.0.1:1/objects/mallory",
		ProposalID: uuid.New(),
	}, &voteReply))
	require.False(voteReply.OK)

	require.Empty(leader.Groups()[1:], "no group may appear")
	require.Equal(StatusFree, leader.Status())
}

func TestSweepRemovesDeadFollowers(t *testing.T) {
	require := require.New(t)

	authority := rpcdtest.NewAuthority(t)
	alice := newTestPeer(t, authority, "alice")
	leader := newTestLeader(t, alice, "shared")

	// Nobody is listening on these URIs; the sweep must converge and
	// leave an empty membership.
	deadURI := "https://127.0.0.1:1/objects/dead"
	leader.followersLock.Lock()
	leader.followerCNs[deadURI] = "ghost"
	leader.followerIDs[deadURI] = uuid.New()
	leader.followersLock.Unlock()

	leader.sweep(set.Of(deadURI))

	cns, ids := leader.followerSnapshot()
	require.Empty(cns)
	require.Empty(ids)
	require.True(alice.prints.contains("Dead followers were removed"))
}

func TestStatusError(t *testing.T) {
	require := require.New(t)

	require.NoError(statusError(ReturnOK, StatusFree))
	require.ErrorIs(statusError(ReturnError, StatusFollowerChange), ErrBusy)
	require.ErrorIs(statusError(ReturnError, StatusDatabaseChange), ErrBusy)
	require.ErrorIs(statusError(ReturnError, StatusFree), ErrBusy)
	require.ErrorIs(statusError(ReturnBanned, StatusFree), ErrBanned)
}
