// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cluster

import (
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/vaultd/rpcd/rpcdtest"
	"github.com/luxfi/vaultd/vault"
)

const testPassword = "hunter2"

// testParams shrinks the policy windows so protocol rounds complete in
// test time.
func testParams() Parameters {
	return Parameters{
		DialTimeout:          2 * time.Second,
		OperationLockTimeout: 500 * time.Millisecond,
		VoteWindow:           2 * time.Second,
		ElectionWait:         5 * time.Second,
		ElectionPoll:         50 * time.Millisecond,
		ElectionRounds:       2,
	}
}

// printLog captures operator messages for assertions.
type printLog struct {
	mu    sync.Mutex
	lines []string
}

func (p *printLog) add(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lines = append(p.lines, line)
}

func (p *printLog) contains(substr string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, line := range p.lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

type testPeer struct {
	name   string
	ctx    *Context
	prints *printLog
}

func newTestPeer(t *testing.T, authority *rpcdtest.Authority, name string) *testPeer {
	t.Helper()
	prints := &printLog{}
	ctx, err := NewContext(ContextConfig{
		Bundle:  authority.BundleFor(t, name),
		Params:  testParams(),
		Log:     log.NewNoOpLogger(),
		Printer: prints.add,
		Host:    "127.0.0.1",
	})
	require.NoError(t, err)
	t.Cleanup(ctx.Close)
	return &testPeer{name: name, ctx: ctx, prints: prints}
}

// newTestLeader shares a fresh store without touching mDNS.
func newTestLeader(t *testing.T, peer *testPeer, name string) *Leader {
	t.Helper()
	path := filepath.Join(t.TempDir(), name+".vault")
	store, err := vault.Create(path, testPassword, name)
	require.NoError(t, err)

	id := peer.ctx.Add(Local{Store: store})
	require.NoError(t, store.SetLocalID(id))

	l := newLeader(peer.ctx, store)
	uri, err := peer.ctx.Daemon.Register(&leaderServant{l: l})
	require.NoError(t, err)
	l.uri = uri
	l.isLeader = true
	peer.ctx.Replace(id, l)
	return l
}

func connectFollower(t *testing.T, peer *testPeer, leaderURI string) *Follower {
	t.Helper()
	path := filepath.Join(t.TempDir(), peer.name+"_replica.vault")
	f, err := Connect(peer.ctx, leaderURI, testPassword, path)
	require.NoError(t, err)
	id := peer.ctx.Add(f)
	require.NoError(t, f.SetLocalID(id))
	return f
}

func TestAdmission(t *testing.T) {
	require := require.New(t)

	authority := rpcdtest.NewAuthority(t)
	alice := newTestPeer(t, authority, "alice")
	bob := newTestPeer(t, authority, "bob")

	leader := newTestLeader(t, alice, "shared")
	require.NoError(leader.store.AddGroup(nil, "servers"))
	require.NoError(leader.store.AddEntry([]string{"servers"}, "nas", "admin", "pw"))

	follower := connectFollower(t, bob, leader.URI())

	// The leader tracks exactly the new member.
	cns, ids := leader.followerSnapshot()
	require.Len(cns, 1)
	require.Equal("bob", cns[follower.URI()])
	require.Contains(ids, follower.URI())

	// The follower has no peer followers and a fixed unique id.
	follower.followersLock.Lock()
	require.Empty(follower.followerIDs)
	follower.followersLock.Unlock()
	require.NotEqual([16]byte{}, [16]byte(follower.UniqueID()))

	// The replica carries the leader's logical content.
	require.Equal(leader.Entries(), follower.Entries())
	require.Equal(leader.Groups(), follower.Groups())
}

func TestAdmissionWrongPassword(t *testing.T) {
	require := require.New(t)

	authority := rpcdtest.NewAuthority(t)
	alice := newTestPeer(t, authority, "alice")
	bob := newTestPeer(t, authority, "bob")

	leader := newTestLeader(t, alice, "shared")

	replica := filepath.Join(t.TempDir(), "replica.vault")
	_, err := Connect(bob.ctx, leader.URI(), "wrong", replica)
	require.Error(err)

	cns, _ := leader.followerSnapshot()
	require.Empty(cns)
	require.NoFileExists(replica)
	require.Equal(StatusFree, leader.Status())
}

func TestAdmissionExclusivity(t *testing.T) {
	require := require.New(t)

	authority := rpcdtest.NewAuthority(t)
	alice := newTestPeer(t, authority, "alice")
	leader := newTestLeader(t, alice, "shared")

	// A stuck operation refuses both admissions and proposals without
	// mutating state.
	leader.operationLock.Lock()
	leader.setStatus(StatusFollowerChange)
	defer func() {
		leader.setStatus(StatusFree)
		leader.operationLock.Release()
	}()

	code, status := leader.login(testPassword, "https://127.0.0.1:1/objects/x", "bob")
	require.Equal(ReturnError, code)
	require.Equal(StatusFollowerChange, status)

	code, status = leader.propose(OpAddGroup, OpData{Name: "x"}, leader.uri)
	require.Equal(ReturnError, code)
	require.Equal(StatusFollowerChange, status)

	cns, _ := leader.followerSnapshot()
	require.Empty(cns)
	require.Empty(leader.Entries())
}

func TestLeaveDatabase(t *testing.T) {
	require := require.New(t)

	authority := rpcdtest.NewAuthority(t)
	alice := newTestPeer(t, authority, "alice")
	bob := newTestPeer(t, authority, "bob")
	carol := newTestPeer(t, authority, "carol")

	leader := newTestLeader(t, alice, "shared")
	followerB := connectFollower(t, bob, leader.URI())
	followerC := connectFollower(t, carol, leader.URI())

	followerB.Leave()

	require.Eventually(func() bool {
		cns, _ := leader.followerSnapshot()
		_, stillThere := cns[followerB.URI()]
		return len(cns) == 1 && !stillThere
	}, 5*time.Second, 50*time.Millisecond)

	// The survivor's peer table forgets the departed follower too.
	require.Eventually(func() bool {
		followerC.followersLock.Lock()
		defer followerC.followersLock.Unlock()
		_, stillThere := followerC.followerIDs[followerB.URI()]
		return !stillThere
	}, 5*time.Second, 50*time.Millisecond)
}
