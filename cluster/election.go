// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/luxfi/vaultd/rpcd"
	"github.com/luxfi/vaultd/utils/set"
)

// startElection runs the bully election on this follower. It is
// triggered one-way by a departing leader, or spontaneously when the
// leader stops answering.
func (f *Follower) startElection() {
	// A reachable leader that still claims leadership makes the trigger
	// spurious.
	f.leaderLock.Lock()
	if f.leaderURI != "" && f.leader != nil {
		pingCtx, cancel := context.WithTimeout(context.Background(), f.params.DialTimeout)
		var reply BoolReply
		err := f.leader.Call(pingCtx, "Ping", EmptyArgs{}, &reply)
		cancel()
		if err == nil && reply.OK {
			f.leaderLock.Unlock()
			return
		}
	}
	f.leaderLock.Unlock()

	if !f.electionLock.TryLock() {
		// An election is already in progress on this peer.
		return
	}
	defer f.electionLock.Unlock()

	f.ctx.Print(fmt.Sprintf("Starting leader election for database %q", f.Name()))
	f.log.Info("election started",
		zap.String("database", f.Name()),
		zap.Stringer("uniqueID", f.UniqueID()),
	)

	f.leaderLock.Lock()
	oldLeaderURI := f.leaderURI
	f.leaderURI = ""
	f.leaderCN = ""
	f.leader = nil
	f.leaderLock.Unlock()
	if oldLeaderURI != "" {
		f.ctx.Browser.Unignore(oldLeaderURI)
	}

	selfID := f.UniqueID()
	dead := set.NewSet[string](0)
	for round := 0; round < f.params.ElectionRounds; round++ {
		higher := f.higherPeers(selfID, dead)

		gotResponse := false
		for _, uri := range higher {
			proxy, err := rpcd.NewProxy(f.ctx.Bundle, uri, f.log)
			if err != nil {
				dead.Add(uri)
				continue
			}
			pingCtx, cancel := context.WithTimeout(context.Background(), f.params.DialTimeout)
			var reply BoolReply
			err = proxy.Call(pingCtx, "Ping", EmptyArgs{}, &reply)
			cancel()
			if err != nil {
				dead.Add(uri)
				continue
			}
			if reply.OK {
				gotResponse = true
			}
			proxy.Notify("StartElection", EmptyArgs{})
		}

		if !gotResponse {
			// No higher peer answered; this peer is the new leader.
			f.becomeLeader(dead)
			return
		}

		f.ctx.Print(fmt.Sprintf("A new leader should be announced shortly for database %q", f.Name()))
		waitDeadline := time.Now().Add(f.params.ElectionWait)
		for time.Now().Before(waitDeadline) {
			if f.LeaderURI() != "" {
				f.ctx.Print(fmt.Sprintf("A new leader has been elected for database %q", f.Name()))
				return
			}
			time.Sleep(f.params.ElectionPoll)
		}
	}

	// Every round expired: the cluster has dissolved from this peer's
	// point of view.
	f.ctx.metrics.electionsFailed.Inc()
	f.ctx.Daemon.Unregister(f.uri)
	f.ctx.Replace(f.LocalID(), Local{Store: f.getStore()})
	f.ctx.Print(fmt.Sprintf(
		"The leader election for database %q failed: the database is now detached and cannot rejoin a surviving cluster",
		f.Name(),
	))
}

// higherPeers lists the member URIs whose unique id exceeds [selfID],
// excluding peers already found dead.
func (f *Follower) higherPeers(selfID uuid.UUID, dead set.Set[string]) []string {
	f.followersLock.Lock()
	defer f.followersLock.Unlock()
	var higher []string
	for uri, id := range f.followerIDs {
		if !dead.Contains(uri) && idGreater(id, selfID) {
			higher = append(higher, uri)
		}
	}
	return higher
}

// becomeLeader installs this peer as the share's new leader and tells
// the survivors. The new leader refuses mutations until the handover
// completes.
func (f *Follower) becomeLeader(dead set.Set[string]) {
	store := f.getStore()
	nl := newLeader(f.ctx, store)
	nl.operationLock.Lock()
	nl.setStatus(StatusDatabaseChange)

	f.followersLock.Lock()
	for uri, cn := range f.followerCNs {
		if uri == f.uri || dead.Contains(uri) {
			continue
		}
		nl.followerCNs[uri] = cn
		nl.followerIDs[uri] = f.followerIDs[uri]
	}
	f.followersLock.Unlock()

	uri, err := f.ctx.Daemon.Register(&leaderServant{l: nl})
	if err != nil {
		// Without a servant there is no leadership to offer; detach.
		nl.operationLock.Release()
		f.log.Error("could not register new leader servant", zap.Error(err))
		f.ctx.Replace(f.LocalID(), Local{Store: store})
		f.ctx.Print(fmt.Sprintf("The leader election for database %q failed: the database is now detached", f.Name()))
		return
	}
	nl.uri = uri
	nl.leaderLock.Lock()
	nl.isLeader = true
	nl.leaderLock.Unlock()

	if dead.Len() > 0 {
		f.ctx.Print("Dead followers were removed during the leader election process")
	}

	image, err := store.Snapshot()
	if err != nil {
		f.log.Error("could not snapshot store for handover", zap.Error(err))
	}

	// The peers' membership tables still carry this peer as a follower
	// and possibly peers that died along the way; both go out in one
	// removal.
	removed := set.NewSet[string](dead.Len() + 1)
	removed.Union(dead)
	removed.Add(f.uri)

	selfID := f.UniqueID()
	newDead := set.NewSet[string](0)
	cns, _ := nl.followerSnapshot()
	for member := range cns {
		proxy, err := rpcd.NewProxy(f.ctx.Bundle, member, f.log)
		if err != nil {
			newDead.Add(member)
			continue
		}
		var accepted BoolReply
		callCtx, cancel := context.WithTimeout(context.Background(), f.params.DialTimeout)
		err = proxy.Call(callCtx, "NewLeader", NewLeaderArgs{UniqueID: selfID, URI: nl.uri}, &accepted)
		cancel()
		if err != nil || !accepted.OK {
			newDead.Add(member)
		}
		var reply BoolReply
		if err := proxy.Call(context.Background(), "ReceiveDB", ReceiveDBArgs{Data: image}, &reply); err != nil || !reply.OK {
			newDead.Add(member)
		}
		if err := proxy.Call(context.Background(), "RemoveURIs", RemoveURIsArgs{URIs: removed}, &reply); err != nil {
			newDead.Add(member)
		}
	}
	nl.sweep(newDead)

	f.ctx.Daemon.Unregister(f.uri)
	if err := f.ctx.Advertiser.Register(store.Name(), nl.uri); err != nil {
		f.log.Warn("could not advertise the promoted share", zap.Error(err))
	}
	f.ctx.Browser.Ignore(nl.uri)

	nl.setStatus(StatusFree)
	nl.operationLock.Release()
	f.ctx.Replace(f.LocalID(), nl)
	f.ctx.metrics.electionsWon.Inc()
	f.ctx.Print(fmt.Sprintf("You became the new leader for database %q", f.Name()))
}

// acceptNewLeader is the new_leader handler. It only succeeds while an
// election is pending here and the claimant outranks this peer, which
// keeps rogue peers from installing themselves.
func (f *Follower) acceptNewLeader(id uuid.UUID, leaderURI string) bool {
	if !f.electionLock.Held() {
		return false
	}
	if !idGreater(id, f.UniqueID()) {
		return false
	}
	proxy, err := rpcd.NewProxy(f.ctx.Bundle, leaderURI, f.log)
	if err != nil {
		return false
	}
	bindCtx, cancel := context.WithTimeout(context.Background(), f.params.DialTimeout)
	defer cancel()
	if err := proxy.Bind(bindCtx); err != nil {
		return false
	}

	f.leaderLock.Lock()
	f.leaderURI = leaderURI
	f.leaderCN = proxy.ServerCN()
	f.leader = proxy
	f.leaderLock.Unlock()
	f.ctx.Browser.Ignore(leaderURI)
	f.log.Info("accepted new leader",
		zap.String("uri", leaderURI),
		zap.Stringer("uniqueID", id),
	)
	return true
}
