// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcd

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/rpc/v2/json2"
	"github.com/luxfi/log"
	"go.uber.org/zap"
)

// ErrUnreachable wraps every transport-level proxy failure so callers
// can classify connect errors and timeouts without inspecting net
// internals.
var ErrUnreachable = errors.New("peer unreachable")

// DefaultDialTimeout bounds connection establishment on every outbound
// call. There is no overall response deadline unless the caller's
// context carries one.
const DefaultDialTimeout = 5 * time.Second

// Proxy is an outbound client bound to a single target URI.
type Proxy struct {
	uri      string
	hostPort string
	tlsCfg   *tls.Config
	client   *http.Client
	log      log.Logger

	serverCN string
}

// NewProxy builds a proxy for [uri]. No connection is made until Bind or
// the first call.
func NewProxy(bundle TLSBundle, uri string, logger log.Logger) (*Proxy, error) {
	tlsCfg, err := bundle.ClientConfig()
	if err != nil {
		return nil, err
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("bad RPC URI %q: %w", uri, err)
	}

	dialer := &net.Dialer{Timeout: DefaultDialTimeout}
	transport := &http.Transport{
		TLSClientConfig: tlsCfg,
		DialContext:     dialer.DialContext,
	}
	return &Proxy{
		uri:      uri,
		hostPort: parsed.Host,
		tlsCfg:   tlsCfg,
		client:   &http.Client{Transport: transport},
		log:      logger,
	}, nil
}

// Bind forces a TLS connection to the target and captures the server
// certificate's Common Name.
func (p *Proxy) Bind(ctx context.Context) error {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: DefaultDialTimeout},
		Config:    p.tlsCfg,
	}
	conn, err := dialer.DialContext(ctx, "tcp", p.hostPort)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnreachable, err)
	}
	defer conn.Close()

	state := conn.(*tls.Conn).ConnectionState()
	if len(state.PeerCertificates) > 0 {
		p.serverCN = state.PeerCertificates[0].Subject.CommonName
	}
	return nil
}

// ServerCN returns the Common Name captured by Bind.
func (p *Proxy) ServerCN() string { return p.serverCN }

// URI returns the target URI.
func (p *Proxy) URI() string { return p.uri }

// Call performs a request/response RPC. [reply] may be nil for methods
// whose result the caller discards.
func (p *Proxy) Call(ctx context.Context, method string, args, reply any) error {
	body, err := json2.EncodeClientRequest(serviceName+"."+method, args)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.uri, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: http status %d", ErrUnreachable, resp.StatusCode)
	}
	if reply == nil {
		reply = &struct{}{}
	}
	return json2.DecodeClientResponse(resp.Body, reply)
}

// Notify performs a one-way call: the request is sent in the background
// and the response, if any, is discarded. Failures are logged, never
// surfaced.
func (p *Proxy) Notify(method string, args any) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultDialTimeout)
		defer cancel()
		if err := p.Call(ctx, method, args, nil); err != nil {
			p.log.Debug("one-way call failed",
				zap.String("method", method),
				zap.String("uri", p.uri),
				zap.Error(err),
			)
		}
	}()
}
