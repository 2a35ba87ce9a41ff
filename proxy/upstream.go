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

package proxy

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/DDULDDUCK/proxy-manager/state"
)

// Upstream leg timeouts. Failures surface as 502 downstream; there
// is no retry across targets.
const (
	upstreamConnectTimeout = 500 * time.Millisecond
	upstreamReadTimeout    = 10 * time.Second
	upstreamWriteTimeout   = 5 * time.Second
)

// route is the resolved upstream parameters for one request: the
// matched location's when present, otherwise the host's.
type route struct {
	targets     []string
	scheme      string
	verifySSL   bool
	upstreamSNI string
	stripPrefix string // non-empty when the location rewrites the path
}

func resolveRoute(ctx *reqContext) route {
	h := ctx.hostConfig
	if loc := ctx.matchedLocation; loc != nil {
		rt := route{
			targets:     loc.Targets,
			scheme:      loc.Scheme,
			verifySSL:   loc.VerifySSL,
			upstreamSNI: loc.UpstreamSNI,
		}
		if loc.Rewrite {
			rt.stripPrefix = loc.Path
		}
		return rt
	}
	return route{
		targets:     h.Targets,
		scheme:      h.Scheme,
		verifySSL:   h.VerifySSL,
		upstreamSNI: h.UpstreamSNI,
	}
}

// proxyUpstream selects a target and round-trips the request. The
// response header rules are applied to the upstream response before
// it reaches the recorder.
func (s *Service) proxyUpstream(w http.ResponseWriter, r *http.Request, ctx *reqContext) {
	rt := resolveRoute(ctx)
	target := s.policy.Select(rt.targets)
	if target == "" {
		s.logger.Error("No upstream targets", zap.String("host", ctx.host))
		http.Error(w, "No upstream targets", http.StatusInternalServerError)
		return
	}

	sni := rt.upstreamSNI
	if sni == "" {
		sni = ctx.host
	}

	requestRules := ctx.hostConfig.RequestHeaders()
	responseRules := ctx.hostConfig.ResponseHeaders()

	rp := &httputil.ReverseProxy{
		Director: func(out *http.Request) {
			out.URL.Scheme = rt.scheme
			out.URL.Host = target
			if rt.stripPrefix != "" {
				out.URL.Path = stripPathPrefix(out.URL.Path, rt.stripPrefix)
				out.URL.RawPath = ""
			}
			for _, rule := range requestRules {
				out.Header.Set(rule.Name, rule.Value)
			}
		},
		Transport: s.transportFor(rt.scheme, sni, rt.verifySSL),
		ModifyResponse: func(resp *http.Response) error {
			for _, rule := range responseRules {
				resp.Header.Set(rule.Name, rule.Value)
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.logger.Warn("upstream error",
				zap.String("host", ctx.host),
				zap.String("target", target),
				zap.Error(err))
			w.WriteHeader(http.StatusBadGateway)
		},
	}
	rp.ServeHTTP(w, r)
}

// stripPathPrefix removes prefix from path, leaving "/" when the
// path equaled the prefix exactly.
func stripPathPrefix(path, prefix string) string {
	if !strings.HasPrefix(path, prefix) {
		return path
	}
	if len(path) == len(prefix) {
		return "/"
	}
	return path[len(prefix):]
}

// transportFor returns the shared transport for an upstream flavor,
// creating it on first use. Keying by scheme, SNI and verification
// keeps connection pools coherent per peer identity.
func (s *Service) transportFor(scheme, sni string, verifySSL bool) *http.Transport {
	key := scheme + "|" + sni + "|"
	if verifySSL {
		key += "v"
	}
	s.transportMu.RLock()
	t, ok := s.transports[key]
	s.transportMu.RUnlock()
	if ok {
		return t
	}

	t = &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dialer := &net.Dialer{Timeout: upstreamConnectTimeout}
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return &deadlineConn{Conn: conn}, nil
		},
		ResponseHeaderTimeout: upstreamReadTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   32,
	}
	if scheme == "https" {
		t.TLSClientConfig = &tls.Config{
			ServerName:         sni,
			InsecureSkipVerify: !verifySSL,
		}
	}

	s.transportMu.Lock()
	if existing, ok := s.transports[key]; ok {
		t = existing
	} else {
		s.transports[key] = t
	}
	s.transportMu.Unlock()
	return t
}

// deadlineConn enforces the upstream read and write timeouts on
// every operation rather than once per connection.
type deadlineConn struct {
	net.Conn
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if err := c.SetReadDeadline(time.Now().Add(upstreamReadTimeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if err := c.SetWriteDeadline(time.Now().Add(upstreamWriteTimeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(b)
}

// reqContext carries the per-request routing decisions through the
// filter chain.
type reqContext struct {
	host            string
	snapshot        *state.Snapshot
	hostConfig      *state.Host
	matchedLocation *state.Location
}
