// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package discovery advertises shared stores over mDNS and keeps a live
// view of the shares reachable on the local network.
package discovery

import (
	"context"
	"strings"
	"sync"

	"github.com/libp2p/zeroconf/v2"
	"github.com/luxfi/log"
	"go.uber.org/zap"

	"github.com/luxfi/vaultd/utils/set"
)

// ServiceType is the mDNS service type shared stores are published under.
const ServiceType = "_uri._tcp"

const serviceDomain = "local."

// Service is one discovered share.
type Service struct {
	Name string // instance name as advertised, collisions already renamed
	URI  string // leader RPC URI from the TXT record
	Host string
	Port int
}

// Advertiser publishes share names with the leader RPC URI in the TXT
// record. The mDNS responder renames on collision, so the effective name
// may differ from the requested one; followers learn it by browsing.
type Advertiser struct {
	log  log.Logger
	port int

	mu      sync.Mutex
	servers map[string]*zeroconf.Server
}

// NewAdvertiser returns an advertiser publishing on the RPC [port].
func NewAdvertiser(port int, log log.Logger) *Advertiser {
	return &Advertiser{
		log:     log,
		port:    port,
		servers: make(map[string]*zeroconf.Server),
	}
}

// Register publishes [name] with TXT uri=[uri].
func (a *Advertiser) Register(name, uri string) error {
	server, err := zeroconf.Register(name, ServiceType, serviceDomain, a.port,
		[]string{"uri=" + uri}, nil)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if old, ok := a.servers[name]; ok {
		old.Shutdown()
	}
	a.servers[name] = server
	a.log.Info("share advertised",
		zap.String("name", name),
		zap.String("uri", uri),
	)
	return nil
}

// Registered reports whether a share named [name] is currently published
// by this process.
func (a *Advertiser) Registered(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.servers[name]
	return ok
}

// Unregister withdraws the share named [name].
func (a *Advertiser) Unregister(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if server, ok := a.servers[name]; ok {
		server.Shutdown()
		delete(a.servers, name)
	}
}

// Close withdraws every published share.
func (a *Advertiser) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for name, server := range a.servers {
		server.Shutdown()
		delete(a.servers, name)
	}
}

// Browser continuously watches the network for shares. URIs in the
// ignored set (our own shares, shares we are already connected to) are
// not offered to the operator.
type Browser struct {
	log log.Logger

	mu       sync.Mutex
	services map[string]Service // instance name -> service
	ignored  set.Set[string]    // RPC URIs to suppress

	cancel context.CancelFunc
}

// NewBrowser starts a continuous browse in the background.
func NewBrowser(log log.Logger) (*Browser, error) {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Browser{
		log:      log,
		services: make(map[string]Service),
		ignored:  set.NewSet[string](4),
		cancel:   cancel,
	}

	entries := make(chan *zeroconf.ServiceEntry, 16)
	go b.consume(entries)
	go func() {
		if err := zeroconf.Browse(ctx, ServiceType, serviceDomain, entries); err != nil {
			log.Warn("mDNS browse stopped", zap.Error(err))
		}
	}()
	return b, nil
}

func (b *Browser) consume(entries <-chan *zeroconf.ServiceEntry) {
	for entry := range entries {
		b.observe(entry)
	}
}

// observe folds one browse result into the service table.
func (b *Browser) observe(entry *zeroconf.ServiceEntry) {
	uri := txtURI(entry.Text)
	if uri == "" {
		return
	}
	host := ""
	if len(entry.AddrIPv4) > 0 {
		host = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		host = entry.AddrIPv6[0].String()
	}
	if entry.TTL == 0 {
		b.Forget(entry.Instance)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ignored.Contains(uri) {
		return
	}
	b.services[entry.Instance] = Service{
		Name: entry.Instance,
		URI:  uri,
		Host: host,
		Port: entry.Port,
	}
	b.log.Debug("share discovered",
		zap.String("name", entry.Instance),
		zap.String("uri", uri),
	)
}

// Services returns a snapshot of the candidate shares.
func (b *Browser) Services() []Service {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Service, 0, len(b.services))
	for _, s := range b.services {
		out = append(out, s)
	}
	return out
}

// Lookup returns the service advertised under [name].
func (b *Browser) Lookup(name string) (Service, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.services[name]
	return s, ok
}

// Ignore suppresses [uri] from the candidate list and drops any entry
// currently advertising it.
func (b *Browser) Ignore(uri string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ignored.Add(uri)
	for name, s := range b.services {
		if s.URI == uri {
			delete(b.services, name)
		}
	}
}

// Unignore lifts the suppression of [uri]. The entry reappears on the
// next mDNS refresh, or immediately via Reintroduce.
func (b *Browser) Unignore(uri string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ignored.Remove(uri)
}

// Forget drops the discovered entry named [name].
func (b *Browser) Forget(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.services, name)
}

// Reintroduce runs a one-shot lookup for [name] so that a share removed
// by Forget is restored to the candidate list without waiting for the
// periodic refresh.
func (b *Browser) Reintroduce(name string) {
	entries := make(chan *zeroconf.ServiceEntry, 4)
	go b.consume(entries)
	go func() {
		if err := zeroconf.Lookup(context.Background(), name, ServiceType, serviceDomain, entries); err != nil {
			b.log.Debug("mDNS lookup failed",
				zap.String("name", name),
				zap.Error(err),
			)
		}
	}()
}

// Close stops the background browse.
func (b *Browser) Close() {
	b.cancel()
}

// ShortName strips the service-type suffix from an instance name.
func ShortName(name string) string {
	if i := strings.Index(name, "."); i >= 0 {
		return name[:i]
	}
	return name
}

func txtURI(txt []string) string {
	for _, kv := range txt {
		if v, ok := strings.CutPrefix(kv, "uri="); ok {
			return v
		}
	}
	return ""
}
