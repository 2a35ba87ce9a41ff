// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package proxy is the HTTP data plane: an ordered, short-circuiting
// filter chain ending in a load-balanced reverse proxy.
//
// Filter order is load-bearing. ACME challenges are answered before
// host resolution so renewals work for hosts behind an access list;
// redirects run before path matching so they short-circuit upstream
// selection.
package proxy

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DDULDDUCK/proxy-manager/state"
)

// Service binds the filter chain, upstream selection, metrics and
// access logging into a single request lifecycle. It serves both the
// HTTP and HTTPS listeners.
type Service struct {
	state       *state.State
	trusted     *TrustedProxies
	policy      Policy
	metrics     *Metrics
	logger      *zap.Logger
	accessLog   *zap.Logger
	acmeWebroot string
	httpsPort   string

	transportMu sync.RWMutex
	transports  map[string]*http.Transport
}

// Config assembles a Service.
type Config struct {
	State       *state.State
	Trusted     *TrustedProxies
	Policy      Policy // nil means Random
	Metrics     *Metrics
	Logger      *zap.Logger
	AccessLog   *zap.Logger
	ACMEWebroot string
	HTTPSPort   string
}

// NewService returns a ready-to-serve data plane handler.
func NewService(cfg Config) *Service {
	policy := cfg.Policy
	if policy == nil {
		policy = Random{}
	}
	accessLog := cfg.AccessLog
	if accessLog == nil {
		accessLog = zap.NewNop()
	}
	return &Service{
		state:       cfg.State,
		trusted:     cfg.Trusted,
		policy:      policy,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		accessLog:   accessLog,
		acmeWebroot: cfg.ACMEWebroot,
		httpsPort:   cfg.HTTPSPort,
		transports:  make(map[string]*http.Transport),
	}
}

// ServeHTTP runs the filter chain for one request.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := newResponseRecorder(w)
	ctx := &reqContext{}
	defer s.logRequest(rec, r, ctx)

	// (a) ACME challenge, before host lookup so challenges work for
	// not-yet-configured domains
	if s.serveACMEChallenge(rec, r) == Handled {
		return
	}

	// (b) host resolution against the snapshot captured for this request
	ctx.host = effectiveHost(r)
	ctx.snapshot = s.state.Snapshot()
	ctx.hostConfig = ctx.snapshot.GetHost(ctx.host)

	if ctx.hostConfig == nil {
		http.Error(rec, "Host not found", http.StatusNotFound)
		return
	}

	// (c) access list
	if s.enforceAccessList(rec, r, ctx) == Handled {
		return
	}
	// (d) redirect
	if s.applyRedirect(rec, r, ctx) == Handled {
		return
	}
	// (e) forced HTTPS
	if s.upgradeSSL(rec, r, ctx) == Handled {
		return
	}

	// (f) longest-prefix location match
	ctx.matchedLocation = ctx.hostConfig.MatchLocation(r.URL.Path)

	// (g)-(i) rewrite, select, proxy
	s.proxyUpstream(rec, r, ctx)
}

// logRequest is filter (j): counters plus one structured access-log
// record per request.
func (s *Service) logRequest(rec *responseRecorder, r *http.Request, ctx *reqContext) {
	s.metrics.Observe(rec.status, rec.size)
	s.accessLog.Info("request handled",
		zap.String("request_id", uuid.NewString()),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", rec.status),
		zap.Int64("bytes", rec.size),
		zap.String("host", ctx.host),
		zap.String("client_ip", s.trusted.ClientIP(r)),
		zap.Duration("duration", time.Since(rec.start)),
	)
}

// effectiveHost extracts the request's host, stripping any port.
// Go's http server fills r.Host from the HTTP/2 :authority
// pseudo-header as well, so both protocols resolve the same way.
func effectiveHost(r *http.Request) string {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return host
}

// requestPort returns the local port the request arrived on.
func requestPort(r *http.Request) string {
	addr, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr)
	if !ok {
		return ""
	}
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return ""
	}
	return port
}
