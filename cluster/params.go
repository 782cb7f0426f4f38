// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cluster

import (
	"errors"
	"time"
)

var (
	errInvalidTimeout = errors.New("timeouts must be positive")
	errInvalidRounds  = errors.New("election rounds must be >= 1")
)

// Parameters are the coordination policy constants. They are fixed per
// process, not tuneable per call.
type Parameters struct {
	// DialTimeout is the deadline of the outbound calls that carry one:
	// binds, pings, new-leader announcements and membership updates.
	// Connection establishment itself is bounded by
	// rpcd.DefaultDialTimeout on every outbound call.
	DialTimeout time.Duration
	// OperationLockTimeout bounds entry into any state-changing call on
	// a leader.
	OperationLockTimeout time.Duration
	// VoteWindow is how long followers have to vote on a proposal.
	VoteWindow time.Duration
	// ElectionWait is how long an electing peer waits for a new-leader
	// announcement per round.
	ElectionWait time.Duration
	// ElectionPoll is the interval at which that wait re-checks.
	ElectionPoll time.Duration
	// ElectionRounds is how many probe rounds run before the peer gives
	// up and detaches.
	ElectionRounds int
}

// DefaultParameters returns the production policy constants.
func DefaultParameters() Parameters {
	return Parameters{
		DialTimeout:          5 * time.Second,
		OperationLockTimeout: 5 * time.Second,
		VoteWindow:           30 * time.Second,
		ElectionWait:         60 * time.Second,
		ElectionPoll:         5 * time.Second,
		ElectionRounds:       5,
	}
}

// Verify checks the parameters for consistency.
func (p Parameters) Verify() error {
	switch {
	case p.DialTimeout <= 0,
		p.OperationLockTimeout <= 0,
		p.VoteWindow <= 0,
		p.ElectionWait <= 0,
		p.ElectionPoll <= 0:
		return errInvalidTimeout
	case p.ElectionRounds < 1:
		return errInvalidRounds
	}
	return nil
}
