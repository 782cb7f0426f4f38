// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cluster

import (
	"bytes"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/luxfi/vaultd/utils/set"
)

// StatusCode is the internal state of a shared store, observable by
// clients so refusals can be explained.
type StatusCode int32

const (
	StatusFree StatusCode = iota
	StatusFollowerChange
	StatusDatabaseChange
)

func (s StatusCode) String() string {
	switch s {
	case StatusFree:
		return "FREE"
	case StatusFollowerChange:
		return "FOLLOWER_CHANGE"
	case StatusDatabaseChange:
		return "DATABASE_CHANGE"
	default:
		return "UNKNOWN"
	}
}

// ReturnCode classifies remote request outcomes.
type ReturnCode int32

const (
	ReturnOK ReturnCode = iota
	ReturnError
	// ReturnBanned is reserved for a future revocation list; no path
	// emits it today.
	ReturnBanned
)

// Operation names a replicated store mutation.
type Operation string

const (
	OpAddEntry    Operation = "add_entry"
	OpAddGroup    Operation = "add_group"
	OpDeleteEntry Operation = "delete_entry"
	OpDeleteGroup Operation = "delete_group"
)

// OpData carries the arguments of a replicated mutation. Fields unused
// by the operation are left zero.
type OpData struct {
	Group    []string `json:"group,omitempty"`
	Title    string   `json:"title,omitempty"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
	Path     []string `json:"path,omitempty"`
	Name     string   `json:"name,omitempty"`
}

// Coordination error kinds surfaced to the operator.
var (
	ErrBusy               = errors.New("another operation is in progress")
	ErrUnauthorized       = errors.New("caller is not a member")
	ErrUnreachable        = errors.New("peer unreachable")
	ErrBanned             = errors.New("banned from the shared database")
	ErrElectionInProgress = errors.New("a leader election is in progress")
	ErrBadPassword        = errors.New("wrong password")
)

// idGreater orders 128-bit unique ids; it is the sole election
// tiebreaker.
func idGreater(a, b uuid.UUID) bool {
	return bytes.Compare(a[:], b[:]) > 0
}

// Wire argument and reply types shared by the leader and follower
// servants. Byte images travel base64-encoded inside the JSON codec.

type LoginArgs struct {
	Password string `json:"password"`
	URI      string `json:"uri"`
}

type StatusReply struct {
	Code   ReturnCode `json:"code"`
	Status StatusCode `json:"status"`
}

type ProposeArgs struct {
	Data         OpData `json:"data"`
	RequesterURI string `json:"requesterURI"`
}

type CastVoteArgs struct {
	Vote       bool      `json:"vote"`
	VoterURI   string    `json:"voterURI"`
	ProposalID uuid.UUID `json:"proposalID"`
}

type LeaveArgs struct {
	URI string `json:"uri"`
}

type AddURIArgs struct {
	URI      string    `json:"uri"`
	UniqueID uuid.UUID `json:"uniqueID"`
	CN       string    `json:"cn"`
}

type RemoveURIsArgs struct {
	URIs set.Set[string] `json:"uris"`
}

type ReceiveURIsArgs struct {
	IDs map[string]uuid.UUID `json:"ids"`
	CNs map[string]string    `json:"cns"`
}

type ReceiveDBArgs struct {
	Data []byte `json:"data"`
}

type SetUniqueIDArgs struct {
	ID uuid.UUID `json:"id"`
}

type NotificationArgs struct {
	Message    string    `json:"message"`
	Deadline   time.Time `json:"deadline"`
	ProposalID uuid.UUID `json:"proposalID"`
}

type MutateArgs struct {
	Data OpData `json:"data"`
}

type PrintArgs struct {
	Message string `json:"message"`
}

type NewLeaderArgs struct {
	UniqueID uuid.UUID `json:"uniqueID"`
	URI      string    `json:"uri"`
}

type EmptyArgs struct{}

type BoolReply struct {
	OK bool `json:"ok"`
}

type EmptyReply struct{}
