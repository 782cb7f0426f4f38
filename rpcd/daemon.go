// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package rpcd is the mutual-TLS object-RPC transport. A daemon serves
// any number of registered servants, each addressed by an opaque URI;
// outbound calls go through short-lived proxies bound to a target URI.
package rpcd

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	gorillarpc "github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// serviceName is the wire-visible service prefix of every servant
// method; dispatch is by object URI, not by service, mirroring an
// object-RPC daemon.
const serviceName = "DB"

const objectPathPrefix = "/objects/"

// Config carries what a Daemon needs at construction.
type Config struct {
	Bundle TLSBundle
	// Host is the address advertised in URIs. Detected from the default
	// route when empty.
	Host       string
	Log        log.Logger
	Registerer prometheus.Registerer
}

// Daemon serves inbound RPC for every registered servant over mutual
// TLS. Each servant gets its own RPC endpoint under /objects/<id>.
type Daemon struct {
	log     log.Logger
	host    string
	port    int
	ln      net.Listener
	srv     *http.Server
	metrics *daemonMetrics

	mu      sync.RWMutex
	objects map[string]*gorillarpc.Server
}

// NewDaemon opens a TLS listener on an ephemeral port and prepares the
// object router. Serving starts with Start.
func NewDaemon(cfg Config) (*Daemon, error) {
	tlsCfg, err := cfg.Bundle.ServerConfig()
	if err != nil {
		return nil, err
	}
	ln, err := tls.Listen("tcp", ":0", tlsCfg)
	if err != nil {
		return nil, err
	}

	host := cfg.Host
	if host == "" {
		host = preferredHost()
	}
	metrics, err := newDaemonMetrics(cfg.Registerer)
	if err != nil {
		ln.Close()
		return nil, err
	}

	d := &Daemon{
		log:     cfg.Log,
		host:    host,
		port:    ln.Addr().(*net.TCPAddr).Port,
		ln:      ln,
		metrics: metrics,
		objects: make(map[string]*gorillarpc.Server),
	}

	router := mux.NewRouter()
	router.HandleFunc(objectPathPrefix+"{id}", d.serveObject)
	d.srv = &http.Server{Handler: router}
	return d, nil
}

// Start serves inbound calls until Close.
func (d *Daemon) Start() {
	go func() {
		if err := d.srv.Serve(d.ln); err != nil && err != http.ErrServerClosed {
			d.log.Error("RPC daemon stopped", zap.Error(err))
		}
	}()
}

// Close stops the daemon.
func (d *Daemon) Close() error {
	return d.srv.Close()
}

// Host returns the address used in URIs minted by this daemon.
func (d *Daemon) Host() string { return d.host }

// Port returns the daemon's listening port.
func (d *Daemon) Port() int { return d.port }

// Register exposes [servant] and returns its URI. The servant's exported
// methods must follow the gorilla/rpc signature.
func (d *Daemon) Register(servant any) (string, error) {
	server := gorillarpc.NewServer()
	server.RegisterCodec(json2.NewCodec(), "application/json")
	if err := server.RegisterService(servant, serviceName); err != nil {
		return "", err
	}

	id := uuid.NewString()
	d.mu.Lock()
	d.objects[id] = server
	d.mu.Unlock()

	uri := fmt.Sprintf("https://%s:%d%s%s", d.host, d.port, objectPathPrefix, id)
	d.log.Debug("servant registered", zap.String("uri", uri))
	return uri, nil
}

// Unregister withdraws the servant at [uri]. Unknown URIs are ignored.
func (d *Daemon) Unregister(uri string) {
	id := objectID(uri)
	if id == "" {
		return
	}
	d.mu.Lock()
	delete(d.objects, id)
	d.mu.Unlock()
}

func (d *Daemon) serveObject(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	d.mu.RLock()
	server := d.objects[id]
	d.mu.RUnlock()
	if server == nil {
		d.metrics.unknownObject.Inc()
		http.NotFound(w, r)
		return
	}
	d.metrics.inboundCalls.Inc()
	server.ServeHTTP(w, r)
}

// CallerCN extracts the Common Name of the verified client certificate
// on an inbound call. The TLS layer has already rejected unverifiable
// peers, so an empty return only happens on malformed certificates.
func CallerCN(r *http.Request) string {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return ""
	}
	return r.TLS.PeerCertificates[0].Subject.CommonName
}

// objectID returns the trailing object id of an RPC URI.
func objectID(uri string) string {
	i := strings.LastIndex(uri, objectPathPrefix)
	if i < 0 {
		return ""
	}
	return uri[i+len(objectPathPrefix):]
}

// preferredHost resolves the address of the default outbound interface.
// No packets are sent; the dial only selects a source address.
func preferredHost() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

type daemonMetrics struct {
	inboundCalls  prometheus.Counter
	unknownObject prometheus.Counter
}

func newDaemonMetrics(registerer prometheus.Registerer) (*daemonMetrics, error) {
	m := &daemonMetrics{
		inboundCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vaultd_rpc_inbound_calls",
			Help: "Number of inbound RPC calls dispatched to a servant",
		}),
		unknownObject: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vaultd_rpc_unknown_object",
			Help: "Number of inbound calls naming an unregistered object",
		}),
	}
	if registerer == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.inboundCalls, m.unknownObject} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
