// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package notify holds proposals awaiting the local operator's vote.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Notification is a pending proposal presented to the operator. The vote
// itself is cast through the owning store handle, not through the queue.
type Notification struct {
	Message    string    `json:"message"`
	Deadline   time.Time `json:"deadline"`
	ProposalID uuid.UUID `json:"proposalID"`
	ShareID    int       `json:"shareID"`
}

// Expired returns true once the voting deadline has passed.
func (n Notification) Expired(now time.Time) bool {
	return now.After(n.Deadline)
}

// Queue is a bounded-order collection of notifications. Pushes go to the
// front so the newest proposal is displayed first; expiry scans the whole
// queue.
type Queue struct {
	mu            sync.Mutex
	notifications []Notification
	depth         prometheus.Gauge
}

// NewQueue returns an empty queue, registering its depth gauge on
// [registerer].
func NewQueue(registerer prometheus.Registerer) (*Queue, error) {
	q := &Queue{
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vaultd_notifications_pending",
			Help: "Number of notifications awaiting an operator vote",
		}),
	}
	if registerer != nil {
		if err := registerer.Register(q.depth); err != nil {
			return nil, err
		}
	}
	return q, nil
}

// Push inserts [n] at the front of the queue.
func (q *Queue) Push(n Notification) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.notifications = append([]Notification{n}, q.notifications...)
	q.depth.Set(float64(len(q.notifications)))
}

// RemoveAt drops the notification at [index]. Returns false if the index
// is out of range.
func (q *Queue) RemoveAt(index int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if index < 0 || index >= len(q.notifications) {
		return false
	}
	q.notifications = append(q.notifications[:index], q.notifications[index+1:]...)
	q.depth.Set(float64(len(q.notifications)))
	return true
}

// RemoveExpired drops every notification whose deadline has passed.
func (q *Queue) RemoveExpired() {
	now := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.notifications[:0]
	for _, n := range q.notifications {
		if !n.Expired(now) {
			kept = append(kept, n)
		}
	}
	q.notifications = kept
	q.depth.Set(float64(len(q.notifications)))
}

// Snapshot returns a copy of the queue contents in display order.
func (q *Queue) Snapshot() []Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Notification, len(q.notifications))
	copy(out, q.notifications)
	return out
}

// Len returns the number of pending notifications.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.notifications)
}
