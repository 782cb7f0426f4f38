// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package cluster implements the distributed coordination layer of the
// shared password database: the process-wide context, the leader and
// follower roles, the proposal/vote/commit protocol and the bully
// election that replaces a departed leader.
package cluster

import (
	"sort"
	"sync"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/luxfi/vaultd/discovery"
	"github.com/luxfi/vaultd/notify"
	"github.com/luxfi/vaultd/rpcd"
	"github.com/luxfi/vaultd/vault"
)

// Handle is the capability set common to the three store roles. The
// registry holds handles behind this interface; Replace swaps a handle
// for its successor role atomically.
type Handle interface {
	AddEntry(group []string, title, username, password string) error
	AddGroup(parent []string, name string) error
	DeleteEntry(path []string) error
	DeleteGroup(path []string) error
	Entries() []vault.Entry
	Groups() []vault.Group
	Name() string
	Filename() string
	Save() error
	// AnswerNotification casts the operator's vote on a pending
	// proposal. Purely local stores have nothing to vote on.
	AnswerNotification(vote bool, n notify.Notification) bool
}

// Local wraps a store that is neither shared nor connected.
type Local struct {
	*vault.Store
}

// AnswerNotification on a local store always fails; there is no cluster
// to vote in.
func (Local) AnswerNotification(bool, notify.Notification) bool { return false }

// Printer renders operator-facing one-line messages.
type Printer func(message string)

// ContextConfig carries what a Context needs at construction.
type ContextConfig struct {
	Bundle     rpcd.TLSBundle
	Params     Parameters
	Log        log.Logger
	Printer    Printer
	Registerer prometheus.Registerer
	// Host overrides the advertised RPC address; detected when empty.
	Host string
}

// Context is the process-wide registry: TLS material, the RPC daemon,
// the discovery handles, the notification queue and the open stores.
type Context struct {
	Bundle        rpcd.TLSBundle
	Params        Parameters
	Log           log.Logger
	Daemon        *rpcd.Daemon
	Advertiser    *discovery.Advertiser
	Browser       *discovery.Browser
	Notifications *notify.Queue

	printer Printer
	metrics *clusterMetrics

	mu      sync.Mutex
	stores  map[int]Handle
	counter int
}

// NewContext builds the context and starts the RPC daemon and the mDNS
// browse.
func NewContext(cfg ContextConfig) (*Context, error) {
	if err := cfg.Params.Verify(); err != nil {
		return nil, err
	}
	if err := cfg.Bundle.Verify(); err != nil {
		return nil, err
	}

	daemon, err := rpcd.NewDaemon(rpcd.Config{
		Bundle:     cfg.Bundle,
		Host:       cfg.Host,
		Log:        cfg.Log,
		Registerer: cfg.Registerer,
	})
	if err != nil {
		return nil, err
	}
	daemon.Start()

	browser, err := discovery.NewBrowser(cfg.Log)
	if err != nil {
		daemon.Close()
		return nil, err
	}
	queue, err := notify.NewQueue(cfg.Registerer)
	if err != nil {
		daemon.Close()
		browser.Close()
		return nil, err
	}
	metrics, err := newClusterMetrics(cfg.Registerer)
	if err != nil {
		daemon.Close()
		browser.Close()
		return nil, err
	}

	printer := cfg.Printer
	if printer == nil {
		printer = func(string) {}
	}
	return &Context{
		Bundle:        cfg.Bundle,
		Params:        cfg.Params,
		Log:           cfg.Log,
		Daemon:        daemon,
		Advertiser:    discovery.NewAdvertiser(daemon.Port(), cfg.Log),
		Browser:       browser,
		Notifications: queue,
		printer:       printer,
		metrics:       metrics,
		stores:        make(map[int]Handle),
	}, nil
}

// Print emits an operator-facing message.
func (c *Context) Print(message string) {
	c.printer(message)
}

// Add registers [h] and returns its local id.
func (c *Context) Add(h Handle) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter++
	c.stores[c.counter] = h
	return c.counter
}

// Get returns the handle registered under [id], or nil.
func (c *Context) Get(id int) Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stores[id]
}

// Replace swaps the handle at [id]. This is the atomic transition point
// for local-to-leader and follower-to-leader role changes.
func (c *Context) Replace(id int, h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stores[id] = h
}

// Remove drops and returns the handle at [id].
func (c *Context) Remove(id int) Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.stores[id]
	delete(c.stores, id)
	return h
}

// Registered is one registry slot.
type Registered struct {
	ID     int
	Handle Handle
}

// List returns the open stores ordered by id.
func (c *Context) List() []Registered {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Registered, 0, len(c.stores))
	for id, h := range c.stores {
		out = append(out, Registered{ID: id, Handle: h})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close shuts down discovery and the RPC daemon.
func (c *Context) Close() {
	c.Advertiser.Close()
	c.Browser.Close()
	c.Daemon.Close()
}
