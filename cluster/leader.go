// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cluster

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/luxfi/log"
	"go.uber.org/zap"

	"github.com/luxfi/vaultd/notify"
	"github.com/luxfi/vaultd/rpcd"
	"github.com/luxfi/vaultd/utils/set"
	"github.com/luxfi/vaultd/vault"
)

// proposal is the in-flight vote over one mutation. Only the proposal
// executor mutates it after initialisation; vote intake appends under
// voteLock.
type proposal struct {
	id        uuid.UUID
	op        Operation
	data      OpData
	votes     []bool
	voters    set.Set[string]
	deadlines map[string]time.Time
}

// Leader owns the authoritative copy of a shared store: it admits
// followers, coordinates proposals, tallies votes and fans committed
// mutations out to every member.
type Leader struct {
	params Parameters
	log    log.Logger
	ctx    *Context
	store  *vault.Store

	uri string

	followersLock sync.Mutex
	followerCNs   map[string]string
	followerIDs   map[string]uuid.UUID

	operationLock *timedLock
	status        atomic.Int32

	voteLock sync.Mutex
	current  *proposal

	leaderLock sync.Mutex
	isLeader   bool
}

func newLeader(ctx *Context, store *vault.Store) *Leader {
	return &Leader{
		params:        ctx.Params,
		log:           ctx.Log,
		ctx:           ctx,
		store:         store,
		followerCNs:   make(map[string]string),
		followerIDs:   make(map[string]uuid.UUID),
		operationLock: newTimedLock(),
	}
}

// Share exposes [store] to the network: the leader servant is
// registered with the RPC daemon, the share is advertised over mDNS and
// the leader's own URI is suppressed from the local candidate list. The
// caller is responsible for swapping the registry slot via Replace.
func Share(ctx *Context, store *vault.Store) (*Leader, error) {
	l := newLeader(ctx, store)
	uri, err := ctx.Daemon.Register(&leaderServant{l: l})
	if err != nil {
		return nil, err
	}
	l.uri = uri
	l.isLeader = true

	if err := ctx.Advertiser.Register(store.Name(), uri); err != nil {
		ctx.Daemon.Unregister(uri)
		return nil, err
	}
	ctx.Browser.Ignore(uri)
	ctx.Log.Info("store shared",
		zap.String("name", store.Name()),
		zap.String("uri", uri),
	)
	return l, nil
}

// URI returns the leader's RPC URI.
func (l *Leader) URI() string { return l.uri }

// Status returns the currently observable state.
func (l *Leader) Status() StatusCode {
	return StatusCode(l.status.Load())
}

func (l *Leader) setStatus(s StatusCode) {
	l.status.Store(int32(s))
}

// Store returns the wrapped local store.
func (l *Leader) Store() *vault.Store { return l.store }

func (l *Leader) proxyTo(uri string) (*rpcd.Proxy, error) {
	return rpcd.NewProxy(l.ctx.Bundle, uri, l.log)
}

// followerSnapshot copies the membership so no lock is held across RPC.
func (l *Leader) followerSnapshot() (map[string]string, map[string]uuid.UUID) {
	l.followersLock.Lock()
	defer l.followersLock.Unlock()
	cns := make(map[string]string, len(l.followerCNs))
	ids := make(map[string]uuid.UUID, len(l.followerIDs))
	for uri, cn := range l.followerCNs {
		cns[uri] = cn
	}
	for uri, id := range l.followerIDs {
		ids[uri] = id
	}
	return cns, ids
}

func (l *Leader) isMemberCN(cn string) bool {
	l.followersLock.Lock()
	defer l.followersLock.Unlock()
	for _, member := range l.followerCNs {
		if member == cn {
			return true
		}
	}
	return false
}

// login is the admission handshake. The caller has already passed
// mutual-TLS verification; possession of the master password is what
// grants membership.
func (l *Leader) login(password, followerURI, callerCN string) (ReturnCode, StatusCode) {
	if !l.operationLock.Acquire(l.params.OperationLockTimeout) {
		return ReturnError, l.Status()
	}
	l.setStatus(StatusFollowerChange)
	defer func() {
		l.setStatus(StatusFree)
		l.operationLock.Release()
	}()

	if password != l.store.Password() {
		l.ctx.metrics.admissionFailures.Inc()
		return ReturnError, l.Status()
	}

	uid := uuid.New()
	if err := l.admit(followerURI, uid); err != nil {
		l.log.Warn("admission callback failed",
			zap.String("uri", followerURI),
			zap.Error(err),
		)
		l.ctx.metrics.admissionFailures.Inc()
		return ReturnError, l.Status()
	}

	// Inform the existing membership, then prune whoever did not answer.
	cns, _ := l.followerSnapshot()
	dead := set.NewSet[string](0)
	for uri := range cns {
		callCtx, cancel := context.WithTimeout(context.Background(), l.params.DialTimeout)
		proxy, err := l.proxyTo(uri)
		if err == nil {
			var reply BoolReply
			err = proxy.Call(callCtx, "AddURI", AddURIArgs{URI: followerURI, UniqueID: uid, CN: callerCN}, &reply)
			if err == nil && !reply.OK {
				err = fmt.Errorf("%w: add_uri refused", ErrUnreachable)
			}
		}
		cancel()
		if err != nil {
			dead.Add(uri)
		}
	}
	l.sweep(dead)

	l.followersLock.Lock()
	l.followerCNs[followerURI] = callerCN
	l.followerIDs[followerURI] = uid
	l.followersLock.Unlock()

	l.ctx.metrics.admissions.Inc()
	l.ctx.Print(fmt.Sprintf("A client was added to database %q", l.store.Name()))
	return ReturnOK, StatusFree
}

// admit streams the byte image, the membership snapshot and the fresh
// unique id to the joining follower, in that order.
func (l *Leader) admit(followerURI string, uid uuid.UUID) error {
	proxy, err := l.proxyTo(followerURI)
	if err != nil {
		return err
	}
	bindCtx, cancel := context.WithTimeout(context.Background(), l.params.DialTimeout)
	defer cancel()
	if err := proxy.Bind(bindCtx); err != nil {
		return err
	}

	image, err := l.store.Snapshot()
	if err != nil {
		return err
	}
	cns, ids := l.followerSnapshot()

	calls := []struct {
		method string
		args   any
	}{
		{"ReceiveDB", ReceiveDBArgs{Data: image}},
		{"ReceiveURIs", ReceiveURIsArgs{IDs: ids, CNs: cns}},
		{"SetUniqueID", SetUniqueIDArgs{ID: uid}},
	}
	for _, call := range calls {
		var reply BoolReply
		if err := proxy.Call(context.Background(), call.method, call.args, &reply); err != nil {
			return err
		}
		if !reply.OK {
			return fmt.Errorf("%s refused by follower", call.method)
		}
	}
	return nil
}

// propose starts the vote over one mutation. It returns as soon as the
// proposal is scheduled; the executor owns the rest of the lifecycle.
func (l *Leader) propose(op Operation, data OpData, requesterURI string) (ReturnCode, StatusCode) {
	if !l.operationLock.Acquire(l.params.OperationLockTimeout) {
		return ReturnError, l.Status()
	}
	l.setStatus(StatusDatabaseChange)
	l.ctx.metrics.proposalsStarted.Inc()
	go l.runProposal(op, data, requesterURI)
	return ReturnOK, StatusDatabaseChange
}

// runProposal is the single-slot executor body: build, notify, sleep
// one deadline window, tally, commit, clean up. operationLock is held
// for the whole lifecycle.
func (l *Leader) runProposal(op Operation, data OpData, requesterURI string) {
	defer func() {
		l.voteLock.Lock()
		l.current = nil
		l.voteLock.Unlock()
		l.setStatus(StatusFree)
		l.operationLock.Release()
	}()

	message := proposalMessage(op, data)
	pid := uuid.New()
	deadline := time.Now().Add(l.params.VoteWindow)

	// The requester is deemed in favour.
	l.voteLock.Lock()
	l.current = &proposal{
		id:        pid,
		op:        op,
		data:      data,
		votes:     []bool{true},
		voters:    set.Of(requesterURI),
		deadlines: make(map[string]time.Time),
	}
	l.voteLock.Unlock()

	cns, _ := l.followerSnapshot()
	for uri := range cns {
		if uri == requesterURI {
			continue
		}
		l.voteLock.Lock()
		l.current.deadlines[uri] = deadline
		l.voteLock.Unlock()

		proxy, err := l.proxyTo(uri)
		if err != nil {
			l.log.Warn("could not notify follower",
				zap.String("uri", uri),
				zap.Error(err),
			)
			continue
		}
		proxy.Notify("AddNotification", NotificationArgs{
			Message:    message,
			Deadline:   deadline,
			ProposalID: pid,
		})
	}

	if requesterURI != l.uri {
		// Remotely originated; the local operator gets to opine too.
		l.voteLock.Lock()
		l.current.deadlines[l.uri] = deadline
		l.voteLock.Unlock()
		l.ctx.Notifications.Push(notify.Notification{
			Message:    fmt.Sprintf("- %s for database %q", message, l.store.Name()),
			Deadline:   deadline,
			ProposalID: pid,
			ShareID:    l.store.LocalID(),
		})
		l.ctx.Print(fmt.Sprintf("A new notification regarding database %q was added!", l.store.Name()))
	}

	time.Sleep(time.Until(deadline))

	// Tally. Vote intake appends under voteLock, so the count taken
	// under it is a consistent snapshot.
	l.voteLock.Lock()
	yes := 0
	for _, v := range l.current.votes {
		if v {
			yes++
		}
	}
	l.voteLock.Unlock()

	l.followersLock.Lock()
	members := len(l.followerIDs)
	l.followersLock.Unlock()
	needed := quorum(members)
	decision := yes >= needed

	outcome := fmt.Sprintf("The change to database %q was denied", l.store.Name())
	if decision {
		outcome = fmt.Sprintf("The change to database %q was approved", l.store.Name())
	}
	l.log.Info("proposal tallied",
		zap.Stringer("proposalID", pid),
		zap.Int("yes", yes),
		zap.Int("needed", needed),
		zap.Bool("approved", decision),
	)
	cns, _ = l.followerSnapshot()
	for uri := range cns {
		if proxy, err := l.proxyTo(uri); err == nil {
			proxy.Notify("RemotePrintMessage", PrintArgs{Message: outcome})
		}
	}
	l.ctx.Print(outcome)

	if !decision {
		l.ctx.metrics.proposalsDenied.Inc()
		return
	}
	l.ctx.metrics.proposalsCommitted.Inc()
	l.commit(op, data)
}

// commit pushes the approved mutation to every follower and applies it
// locally, then prunes unreachable peers.
func (l *Leader) commit(op Operation, data OpData) {
	cns, _ := l.followerSnapshot()
	dead := set.NewSet[string](0)
	for uri := range cns {
		proxy, err := l.proxyTo(uri)
		if err != nil {
			dead.Add(uri)
			continue
		}
		var reply BoolReply
		if err := proxy.Call(context.Background(), remoteMethod(op), MutateArgs{Data: data}, &reply); err != nil {
			dead.Add(uri)
		}
	}

	if err := applyOp(l.store, op, data); err != nil {
		l.ctx.Print(fmt.Sprintf("An error occured while changing database %q: %s", l.store.Name(), err))
	}
	l.sweep(dead)
}

// castVote records one vote. Rejections: unknown proposal, duplicate
// voter, missed deadline.
func (l *Leader) castVote(vote bool, voterURI string, pid uuid.UUID) bool {
	l.voteLock.Lock()
	defer l.voteLock.Unlock()
	if l.current == nil || l.current.id != pid {
		return false
	}
	if l.current.voters.Contains(voterURI) {
		return false
	}
	deadline, eligible := l.current.deadlines[voterURI]
	if !eligible || time.Now().After(deadline) {
		return false
	}
	l.current.votes = append(l.current.votes, vote)
	l.current.voters.Add(voterURI)
	return true
}

// sweep removes [dead] from membership and tells the survivors, looping
// until no new peer dies during the broadcast. Membership is finite and
// strictly shrinks, so the loop terminates.
func (l *Leader) sweep(dead set.Set[string]) {
	for dead.Len() > 0 {
		l.followersLock.Lock()
		removed := false
		for uri := range dead {
			if _, ok := l.followerIDs[uri]; ok {
				removed = true
			}
			delete(l.followerIDs, uri)
			delete(l.followerCNs, uri)
		}
		survivors := make([]string, 0, len(l.followerCNs))
		for uri := range l.followerCNs {
			survivors = append(survivors, uri)
		}
		l.followersLock.Unlock()

		if removed {
			l.ctx.Print(fmt.Sprintf("Dead followers were removed from database %q", l.store.Name()))
		}

		next := set.NewSet[string](0)
		for _, uri := range survivors {
			callCtx, cancel := context.WithTimeout(context.Background(), l.params.DialTimeout)
			proxy, err := l.proxyTo(uri)
			if err == nil {
				err = proxy.Call(callCtx, "RemoveURIs", RemoveURIsArgs{URIs: dead}, &BoolReply{})
			}
			cancel()
			if err != nil {
				next.Add(uri)
			}
		}
		dead = next
	}
}

// Close relinquishes leadership: every follower is told to start an
// election and the underlying local store is handed back so the
// operator can keep using it offline. ping reports false from here on
// and the servant is withdrawn, so a follower's Ping of this peer fails;
// that is how electing followers detect that this peer is gone.
func (l *Leader) Close() *vault.Store {
	l.leaderLock.Lock()
	l.isLeader = false
	l.leaderLock.Unlock()

	cns, _ := l.followerSnapshot()
	for uri := range cns {
		if proxy, err := l.proxyTo(uri); err == nil {
			proxy.Notify("StartElection", EmptyArgs{})
		}
	}

	l.ctx.Daemon.Unregister(l.uri)
	l.ctx.Advertiser.Unregister(l.store.Name())
	l.ctx.Browser.Unignore(l.uri)
	l.log.Info("share closed", zap.String("name", l.store.Name()))
	return l.store
}

// leave removes a departing follower and tells the survivors.
func (l *Leader) leave(uri string) {
	l.followersLock.Lock()
	_, known := l.followerCNs[uri]
	delete(l.followerCNs, uri)
	delete(l.followerIDs, uri)
	l.followersLock.Unlock()
	if !known {
		return
	}

	departed := set.Of(uri)
	cns, _ := l.followerSnapshot()
	dead := set.NewSet[string](0)
	for member := range cns {
		callCtx, cancel := context.WithTimeout(context.Background(), l.params.DialTimeout)
		proxy, err := l.proxyTo(member)
		if err == nil {
			err = proxy.Call(callCtx, "RemoveURIs", RemoveURIsArgs{URIs: departed}, &BoolReply{})
		}
		cancel()
		if err != nil {
			dead.Add(member)
		}
	}
	l.sweep(dead)
	l.ctx.Print(fmt.Sprintf("A follower left database %q", l.store.Name()))
}

func (l *Leader) ping() bool {
	l.leaderLock.Lock()
	defer l.leaderLock.Unlock()
	return l.isLeader
}

// Handle implementation. Leader-side mutations run through the same
// proposal pipeline as remote ones, with the leader as requester.

func (l *Leader) AddEntry(group []string, title, username, password string) error {
	return l.localPropose(OpAddEntry, OpData{Group: group, Title: title, Username: username, Password: password})
}

func (l *Leader) AddGroup(parent []string, name string) error {
	return l.localPropose(OpAddGroup, OpData{Group: parent, Name: name})
}

func (l *Leader) DeleteEntry(path []string) error {
	return l.localPropose(OpDeleteEntry, OpData{Path: path})
}

func (l *Leader) DeleteGroup(path []string) error {
	return l.localPropose(OpDeleteGroup, OpData{Path: path})
}

func (l *Leader) localPropose(op Operation, data OpData) error {
	code, status := l.propose(op, data, l.uri)
	return statusError(code, status)
}

func (l *Leader) Entries() []vault.Entry { return l.store.Entries() }
func (l *Leader) Groups() []vault.Group  { return l.store.Groups() }
func (l *Leader) Name() string           { return l.store.Name() }
func (l *Leader) Filename() string       { return l.store.Filename() }
func (l *Leader) Save() error            { return l.store.Save() }

// AnswerNotification casts the local operator's vote on the pending
// proposal.
func (l *Leader) AnswerNotification(vote bool, n notify.Notification) bool {
	if n.Expired(time.Now()) {
		return false
	}
	return l.castVote(vote, l.uri, n.ProposalID)
}

// quorum is the yes-vote threshold over [followers] members plus the
// leader. The division rounds up: an even split approves.
func quorum(followers int) int {
	return (followers + 2) / 2
}

// statusError maps a refused return tuple onto the operator-facing
// error kinds.
func statusError(code ReturnCode, status StatusCode) error {
	switch code {
	case ReturnOK:
		return nil
	case ReturnBanned:
		return ErrBanned
	default:
		switch status {
		case StatusFollowerChange:
			return fmt.Errorf("%w: a client is joining", ErrBusy)
		case StatusDatabaseChange:
			return fmt.Errorf("%w: a proposal is pending", ErrBusy)
		default:
			return fmt.Errorf("%w: try again", ErrBusy)
		}
	}
}

func proposalMessage(op Operation, data OpData) string {
	switch op {
	case OpAddEntry:
		return fmt.Sprintf("add an entry titled %q under group %q", data.Title, joinPath(data.Group))
	case OpAddGroup:
		return fmt.Sprintf("add a group named %q under group %q", data.Name, joinPath(data.Group))
	case OpDeleteEntry:
		return fmt.Sprintf("delete the entry at %q", joinPath(data.Path))
	case OpDeleteGroup:
		return fmt.Sprintf("delete the group at %q", joinPath(data.Path))
	default:
		return string(op)
	}
}

func joinPath(path []string) string {
	if len(path) == 0 {
		return "/"
	}
	return strings.Join(path, "/")
}

func remoteMethod(op Operation) string {
	switch op {
	case OpAddEntry:
		return "RemoteAddEntry"
	case OpAddGroup:
		return "RemoteAddGroup"
	case OpDeleteEntry:
		return "RemoteDeleteEntry"
	default:
		return "RemoteDeleteGroup"
	}
}

func applyOp(store *vault.Store, op Operation, data OpData) error {
	switch op {
	case OpAddEntry:
		return store.AddEntry(data.Group, data.Title, data.Username, data.Password)
	case OpAddGroup:
		return store.AddGroup(data.Group, data.Name)
	case OpDeleteEntry:
		return store.DeleteEntry(data.Path)
	case OpDeleteGroup:
		return store.DeleteGroup(data.Path)
	default:
		return fmt.Errorf("unknown operation %q", op)
	}
}

// leaderServant is the RPC surface of a Leader. Only methods listed
// here are remotely callable.
type leaderServant struct {
	l *Leader
}

func (s *leaderServant) Login(r *http.Request, args *LoginArgs, reply *StatusReply) error {
	code, status := s.l.login(args.Password, args.URI, rpcd.CallerCN(r))
	reply.Code, reply.Status = code, status
	return nil
}

func (s *leaderServant) proposeFrom(r *http.Request, op Operation, data OpData, requesterURI string, reply *StatusReply) error {
	if !s.l.isMemberCN(rpcd.CallerCN(r)) {
		reply.Code, reply.Status = ReturnError, s.l.Status()
		return nil
	}
	code, status := s.l.propose(op, data, requesterURI)
	reply.Code, reply.Status = code, status
	return nil
}

func (s *leaderServant) ProposeAddEntry(r *http.Request, args *ProposeArgs, reply *StatusReply) error {
	return s.proposeFrom(r, OpAddEntry, args.Data, args.RequesterURI, reply)
}

func (s *leaderServant) ProposeAddGroup(r *http.Request, args *ProposeArgs, reply *StatusReply) error {
	return s.proposeFrom(r, OpAddGroup, args.Data, args.RequesterURI, reply)
}

func (s *leaderServant) ProposeDeleteEntry(r *http.Request, args *ProposeArgs, reply *StatusReply) error {
	return s.proposeFrom(r, OpDeleteEntry, args.Data, args.RequesterURI, reply)
}

func (s *leaderServant) ProposeDeleteGroup(r *http.Request, args *ProposeArgs, reply *StatusReply) error {
	return s.proposeFrom(r, OpDeleteGroup, args.Data, args.RequesterURI, reply)
}

func (s *leaderServant) CastVote(r *http.Request, args *CastVoteArgs, reply *BoolReply) error {
	if !s.l.isMemberCN(rpcd.CallerCN(r)) {
		reply.OK = false
		return nil
	}
	reply.OK = s.l.castVote(args.Vote, args.VoterURI, args.ProposalID)
	return nil
}

func (s *leaderServant) LeaveDatabase(r *http.Request, args *LeaveArgs, reply *EmptyReply) error {
	s.l.followersLock.Lock()
	authorized := s.l.followerCNs[args.URI] == rpcd.CallerCN(r)
	s.l.followersLock.Unlock()
	if authorized {
		s.l.leave(args.URI)
	}
	return nil
}

func (s *leaderServant) Ping(_ *http.Request, _ *EmptyArgs, reply *BoolReply) error {
	reply.OK = s.l.ping()
	return nil
}
