// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cluster

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/luxfi/log"
	"github.com/moby/sys/atomicwriter"
	"go.uber.org/zap"

	"github.com/luxfi/vaultd/notify"
	"github.com/luxfi/vaultd/rpcd"
	"github.com/luxfi/vaultd/vault"
)

var (
	errJoinRefused = errors.New("could not join the remote database")
	errLocalIDSet  = errors.New("local id already set")
)

// Follower is a replica of a shared store plus a live connection to its
// leader. Mutations are proposed to the leader; committed changes come
// back as remote mutations.
type Follower struct {
	params Parameters
	log    log.Logger
	ctx    *Context

	path     string
	password string
	uri      string

	localIDMu  sync.Mutex
	localID    int
	localIDSet bool

	storeMu sync.RWMutex
	store   *vault.Store

	leaderLock sync.Mutex
	leaderURI  string
	leaderCN   string
	leader     *rpcd.Proxy

	followersLock sync.Mutex
	followerIDs   map[string]uuid.UUID
	followerCNs   map[string]string

	idMu        sync.Mutex
	uniqueID    uuid.UUID
	uniqueIDSet bool

	electionLock flagLock
}

// Connect joins the share led at [leaderURI]. The replica is written to
// [path] during admission. On refusal the servant is unregistered and an
// error describing the cause is returned.
func Connect(ctx *Context, leaderURI, password, path string) (*Follower, error) {
	proxy, err := rpcd.NewProxy(ctx.Bundle, leaderURI, ctx.Log)
	if err != nil {
		return nil, err
	}
	bindCtx, cancel := context.WithTimeout(context.Background(), ctx.Params.DialTimeout)
	defer cancel()
	if err := proxy.Bind(bindCtx); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, err)
	}

	f := &Follower{
		params:      ctx.Params,
		log:         ctx.Log,
		ctx:         ctx,
		path:        path,
		password:    password,
		leaderURI:   leaderURI,
		leaderCN:    proxy.ServerCN(),
		leader:      proxy,
		followerIDs: make(map[string]uuid.UUID),
		followerCNs: make(map[string]string),
	}
	uri, err := ctx.Daemon.Register(&followerServant{f: f})
	if err != nil {
		return nil, err
	}
	f.uri = uri

	// The leader calls back receive_db / receive_uris / set_unique_id
	// while this request is outstanding.
	var reply StatusReply
	if err := proxy.Call(context.Background(), "Login", LoginArgs{Password: password, URI: uri}, &reply); err != nil {
		ctx.Daemon.Unregister(uri)
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, err)
	}
	switch reply.Code {
	case ReturnOK:
		ctx.Print("You have joined the remote database!")
		ctx.Log.Info("connected to share",
			zap.String("leader", leaderURI),
			zap.String("uri", uri),
		)
		return f, nil
	case ReturnBanned:
		ctx.Daemon.Unregister(uri)
		return nil, ErrBanned
	default:
		ctx.Daemon.Unregister(uri)
		return nil, fmt.Errorf("%w (leader status %s)", errJoinRefused, reply.Status)
	}
}

// URI returns the follower's own RPC URI.
func (f *Follower) URI() string { return f.uri }

// LeaderURI returns the current leader's RPC URI, empty while an
// election is clearing it.
func (f *Follower) LeaderURI() string {
	f.leaderLock.Lock()
	defer f.leaderLock.Unlock()
	return f.leaderURI
}

// UniqueID returns the cluster id assigned at admission.
func (f *Follower) UniqueID() uuid.UUID {
	f.idMu.Lock()
	defer f.idMu.Unlock()
	return f.uniqueID
}

// LocalID returns the context registry id.
func (f *Follower) LocalID() int {
	f.localIDMu.Lock()
	defer f.localIDMu.Unlock()
	return f.localID
}

// SetLocalID fixes the context registry id. Immutable once set.
func (f *Follower) SetLocalID(id int) error {
	f.localIDMu.Lock()
	defer f.localIDMu.Unlock()
	if f.localIDSet {
		return errLocalIDSet
	}
	f.localID = id
	f.localIDSet = true
	if s := f.getStore(); s != nil {
		_ = s.SetLocalID(id)
	}
	return nil
}

func (f *Follower) getStore() *vault.Store {
	f.storeMu.RLock()
	defer f.storeMu.RUnlock()
	return f.store
}

func (f *Follower) leaderProxy() *rpcd.Proxy {
	f.leaderLock.Lock()
	defer f.leaderLock.Unlock()
	return f.leader
}

func (f *Follower) isLeaderCN(cn string) bool {
	f.leaderLock.Lock()
	defer f.leaderLock.Unlock()
	return cn != "" && cn == f.leaderCN
}

// Handle implementation: operator-driven mutations are proposals to the
// leader.

func (f *Follower) AddEntry(group []string, title, username, password string) error {
	return f.proposeToLeader("ProposeAddEntry", OpData{Group: group, Title: title, Username: username, Password: password})
}

func (f *Follower) AddGroup(parent []string, name string) error {
	return f.proposeToLeader("ProposeAddGroup", OpData{Group: parent, Name: name})
}

func (f *Follower) DeleteEntry(path []string) error {
	return f.proposeToLeader("ProposeDeleteEntry", OpData{Path: path})
}

func (f *Follower) DeleteGroup(path []string) error {
	return f.proposeToLeader("ProposeDeleteGroup", OpData{Path: path})
}

func (f *Follower) proposeToLeader(method string, data OpData) error {
	if f.electionLock.Held() {
		return ErrElectionInProgress
	}
	proxy := f.leaderProxy()
	if proxy == nil {
		return ErrUnreachable
	}
	var reply StatusReply
	if err := proxy.Call(context.Background(), method, ProposeArgs{Data: data, RequesterURI: f.uri}, &reply); err != nil {
		// A leader that stopped answering triggers the election
		// spontaneously; the ping guard filters transient failures.
		go f.startElection()
		return fmt.Errorf("%w: %s", ErrUnreachable, err)
	}
	if reply.Code == ReturnOK {
		f.ctx.Print("The request is being processed by the leader")
		return nil
	}
	return statusError(reply.Code, reply.Status)
}

func (f *Follower) Entries() []vault.Entry {
	if s := f.getStore(); s != nil {
		return s.Entries()
	}
	return nil
}

func (f *Follower) Groups() []vault.Group {
	if s := f.getStore(); s != nil {
		return s.Groups()
	}
	return nil
}

func (f *Follower) Name() string {
	if s := f.getStore(); s != nil {
		return s.Name()
	}
	return ""
}

func (f *Follower) Filename() string { return f.path }

func (f *Follower) Save() error {
	if s := f.getStore(); s != nil {
		return s.Save()
	}
	return nil
}

// Rename sets the replica's display name; used when the advertised
// share name differs from the name stored in the image.
func (f *Follower) Rename(name string) error {
	if s := f.getStore(); s != nil {
		return s.Rename(name)
	}
	return nil
}

// AnswerNotification relays the operator's vote to the leader.
func (f *Follower) AnswerNotification(vote bool, n notify.Notification) bool {
	if n.Expired(time.Now()) {
		return false
	}
	proxy := f.leaderProxy()
	if proxy == nil {
		return false
	}
	var reply BoolReply
	if err := proxy.Call(context.Background(), "CastVote", CastVoteArgs{
		Vote:       vote,
		VoterURI:   f.uri,
		ProposalID: n.ProposalID,
	}, &reply); err != nil {
		f.ctx.Print("Error when trying to communicate with the leader!")
		return false
	}
	return reply.OK
}

// Leave departs gracefully: the leader is told (one-way), the servant
// is withdrawn and the replica is handed back as a plain local store.
func (f *Follower) Leave() *vault.Store {
	if proxy := f.leaderProxy(); proxy != nil {
		proxy.Notify("LeaveDatabase", LeaveArgs{URI: f.uri})
	}
	f.ctx.Daemon.Unregister(f.uri)
	return f.getStore()
}

// applyRemote applies a leader-pushed mutation to the replica. Store
// errors are swallowed into false with an operator warning; the leader
// does not re-check.
func (f *Follower) applyRemote(op Operation, data OpData) bool {
	s := f.getStore()
	if s == nil {
		return false
	}
	if err := applyOp(s, op, data); err != nil {
		f.ctx.Print(fmt.Sprintf("An error occured while changing database %q: %s", s.Name(), err))
		return false
	}
	f.ctx.Print(fmt.Sprintf("Database %q was changed (%s)", s.Name(), op))
	return true
}

// followerServant is the RPC surface of a Follower. Leader-pushed calls
// are authorized by the leader's CN only; election traffic comes from
// peer followers and is guarded by the protocol itself.
type followerServant struct {
	f *Follower
}

func (s *followerServant) AddURI(r *http.Request, args *AddURIArgs, reply *BoolReply) error {
	f := s.f
	if !f.isLeaderCN(rpcd.CallerCN(r)) {
		reply.OK = false
		return nil
	}
	f.followersLock.Lock()
	f.followerIDs[args.URI] = args.UniqueID
	f.followerCNs[args.URI] = args.CN
	f.followersLock.Unlock()
	f.ctx.Print(fmt.Sprintf("A new follower was added to database %q", f.Name()))
	reply.OK = true
	return nil
}

func (s *followerServant) RemoveURIs(r *http.Request, args *RemoveURIsArgs, reply *BoolReply) error {
	f := s.f
	if !f.isLeaderCN(rpcd.CallerCN(r)) {
		reply.OK = false
		return nil
	}
	f.followersLock.Lock()
	before := len(f.followerIDs)
	for uri := range args.URIs {
		delete(f.followerIDs, uri)
		delete(f.followerCNs, uri)
	}
	after := len(f.followerIDs)
	f.followersLock.Unlock()
	if before != after {
		f.ctx.Print(fmt.Sprintf("Some followers were removed from database %q", f.Name()))
	}
	reply.OK = true
	return nil
}

func (s *followerServant) ReceiveURIs(r *http.Request, args *ReceiveURIsArgs, reply *BoolReply) error {
	f := s.f
	if !f.isLeaderCN(rpcd.CallerCN(r)) {
		reply.OK = false
		return nil
	}
	ids := make(map[string]uuid.UUID, len(args.IDs))
	for uri, id := range args.IDs {
		ids[uri] = id
	}
	cns := make(map[string]string, len(args.CNs))
	for uri, cn := range args.CNs {
		cns[uri] = cn
	}
	f.followersLock.Lock()
	f.followerIDs = ids
	f.followerCNs = cns
	f.followersLock.Unlock()
	reply.OK = true
	return nil
}

func (s *followerServant) ReceiveDB(r *http.Request, args *ReceiveDBArgs, reply *BoolReply) error {
	f := s.f
	if !f.isLeaderCN(rpcd.CallerCN(r)) {
		reply.OK = false
		return nil
	}
	if err := atomicwriter.WriteFile(f.path, args.Data, 0o600); err != nil {
		f.log.Warn("could not write replica", zap.Error(err))
		reply.OK = false
		return nil
	}
	store, err := vault.Open(f.path, f.password)
	if err != nil {
		f.log.Warn("could not open replica", zap.Error(err))
		reply.OK = false
		return nil
	}
	if id := f.LocalID(); id != 0 {
		_ = store.SetLocalID(id)
	}
	f.storeMu.Lock()
	f.store = store
	f.storeMu.Unlock()
	reply.OK = true
	return nil
}

func (s *followerServant) SetUniqueID(r *http.Request, args *SetUniqueIDArgs, reply *BoolReply) error {
	f := s.f
	if !f.isLeaderCN(rpcd.CallerCN(r)) {
		reply.OK = false
		return nil
	}
	f.idMu.Lock()
	defer f.idMu.Unlock()
	if f.uniqueIDSet {
		reply.OK = false
		return nil
	}
	f.uniqueID = args.ID
	f.uniqueIDSet = true
	reply.OK = true
	return nil
}

func (s *followerServant) AddNotification(r *http.Request, args *NotificationArgs, reply *EmptyReply) error {
	f := s.f
	if !f.isLeaderCN(rpcd.CallerCN(r)) {
		return nil
	}
	f.ctx.Notifications.Push(notify.Notification{
		Message:    fmt.Sprintf("- %s for database %q", args.Message, f.Name()),
		Deadline:   args.Deadline,
		ProposalID: args.ProposalID,
		ShareID:    f.LocalID(),
	})
	f.ctx.Print(fmt.Sprintf("A new notification regarding database %q was added!", f.Name()))
	return nil
}

func (s *followerServant) RemoteAddEntry(r *http.Request, args *MutateArgs, reply *BoolReply) error {
	reply.OK = s.authorizedApply(r, OpAddEntry, args.Data)
	return nil
}

func (s *followerServant) RemoteAddGroup(r *http.Request, args *MutateArgs, reply *BoolReply) error {
	reply.OK = s.authorizedApply(r, OpAddGroup, args.Data)
	return nil
}

func (s *followerServant) RemoteDeleteEntry(r *http.Request, args *MutateArgs, reply *BoolReply) error {
	reply.OK = s.authorizedApply(r, OpDeleteEntry, args.Data)
	return nil
}

func (s *followerServant) RemoteDeleteGroup(r *http.Request, args *MutateArgs, reply *BoolReply) error {
	reply.OK = s.authorizedApply(r, OpDeleteGroup, args.Data)
	return nil
}

func (s *followerServant) authorizedApply(r *http.Request, op Operation, data OpData) bool {
	if !s.f.isLeaderCN(rpcd.CallerCN(r)) {
		return false
	}
	return s.f.applyRemote(op, data)
}

func (s *followerServant) RemotePrintMessage(r *http.Request, args *PrintArgs, reply *EmptyReply) error {
	if s.f.isLeaderCN(rpcd.CallerCN(r)) {
		s.f.ctx.Print(args.Message)
	}
	return nil
}

func (s *followerServant) StartElection(_ *http.Request, _ *EmptyArgs, reply *EmptyReply) error {
	// One-way; the election runs in the background so the sender never
	// blocks on it.
	go s.f.startElection()
	return nil
}

func (s *followerServant) NewLeader(_ *http.Request, args *NewLeaderArgs, reply *BoolReply) error {
	reply.OK = s.f.acceptNewLeader(args.UniqueID, args.URI)
	return nil
}

func (s *followerServant) Ping(_ *http.Request, _ *EmptyArgs, reply *BoolReply) error {
	reply.OK = true
	return nil
}
