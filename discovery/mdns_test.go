// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package discovery

import (
	"net"
	"testing"

	"github.com/libp2p/zeroconf/v2"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/vaultd/utils/set"
)

func testBrowser() *Browser {
	return &Browser{
		log:      log.NewNoOpLogger(),
		services: make(map[string]Service),
		ignored:  set.NewSet[string](4),
		cancel:   func() {},
	}
}

func entry(instance, uri string, port int) *zeroconf.ServiceEntry {
	e := zeroconf.NewServiceEntry(instance, ServiceType, "local.")
	e.Text = []string{"uri=" + uri}
	e.Port = port
	e.TTL = 120
	e.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
	return e
}

func TestBrowserObserve(t *testing.T) {
	require := require.New(t)

	b := testBrowser()
	b.observe(entry("homelab", "https://192.168.1.20:4433/objects/abc", 4433))

	services := b.Services()
	require.Len(services, 1)
	require.Equal("homelab", services[0].Name)
	require.Equal("https://192.168.1.20:4433/objects/abc", services[0].URI)
	require.Equal("192.168.1.20", services[0].Host)
	require.Equal(4433, services[0].Port)
}

func TestBrowserIgnoresOwnShares(t *testing.T) {
	require := require.New(t)

	b := testBrowser()
	uri := "https://192.168.1.20:4433/objects/self"
	b.Ignore(uri)
	b.observe(entry("mine", uri, 4433))
	require.Empty(b.Services())

	// Lifting the suppression lets the next announcement through.
	b.Unignore(uri)
	b.observe(entry("mine", uri, 4433))
	require.Len(b.Services(), 1)
}

func TestBrowserIgnoreDropsExisting(t *testing.T) {
	require := require.New(t)

	b := testBrowser()
	uri := "https://192.168.1.20:4433/objects/peer"
	b.observe(entry("peer", uri, 4433))
	require.Len(b.Services(), 1)

	b.Ignore(uri)
	require.Empty(b.Services())
}

func TestBrowserForget(t *testing.T) {
	require := require.New(t)

	b := testBrowser()
	b.observe(entry("gone", "https://192.168.1.20:4433/objects/x", 4433))
	b.Forget("gone")
	require.Empty(b.Services())
}

func TestBrowserExpiry(t *testing.T) {
	require := require.New(t)

	b := testBrowser()
	b.observe(entry("flaky", "https://192.168.1.20:4433/objects/x", 4433))
	require.Len(b.Services(), 1)

	expired := entry("flaky", "https://192.168.1.20:4433/objects/x", 4433)
	expired.TTL = 0
	b.observe(expired)
	require.Empty(b.Services())
}

func TestBrowserEntryWithoutURI(t *testing.T) {
	b := testBrowser()
	e := entry("bare", "", 4433)
	e.Text = nil
	b.observe(e)
	require.Empty(t, b.Services())
}

func TestLookup(t *testing.T) {
	require := require.New(t)

	b := testBrowser()
	b.observe(entry("homelab", "https://192.168.1.20:4433/objects/abc", 4433))

	s, ok := b.Lookup("homelab")
	require.True(ok)
	require.Equal("homelab", s.Name)

	_, ok = b.Lookup("missing")
	require.False(ok)
}

func TestShortName(t *testing.T) {
	require := require.New(t)
	require.Equal("homelab", ShortName("homelab._uri._tcp.local."))
	require.Equal("homelab", ShortName("homelab"))
}
