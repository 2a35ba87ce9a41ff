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
	"net"
	"net/http"
	"strings"
)

// TrustedProxies decides whose X-Forwarded-* headers are honored.
// Loopback peers are always trusted.
type TrustedProxies struct {
	ips map[string]struct{}
}

// NewTrustedProxies builds the trusted set from textual IPs. Settings
// validation rejects invalid entries before this point; any that
// still arrive here are skipped.
func NewTrustedProxies(ips []string) *TrustedProxies {
	t := &TrustedProxies{ips: make(map[string]struct{}, len(ips))}
	for _, raw := range ips {
		if ip := net.ParseIP(raw); ip != nil {
			t.ips[ip.String()] = struct{}{}
		}
	}
	return t
}

// Trusted reports whether the immediate peer address (host:port) is
// in the trusted set.
func (t *TrustedProxies) Trusted(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	_, ok := t.ips[ip.String()]
	return ok
}

// ClientIP returns the effective client IP for r: the first valid IP
// in X-Forwarded-For when the immediate peer is trusted, otherwise
// the TCP peer itself.
func (t *TrustedProxies) ClientIP(r *http.Request) string {
	if t.Trusted(r.RemoteAddr) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			for _, candidate := range strings.Split(xff, ",") {
				if ip := net.ParseIP(strings.TrimSpace(candidate)); ip != nil {
					return ip.String()
				}
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ForwardedProtoHTTPS reports whether a trusted peer declared the
// original connection as TLS. Untrusted peers' headers are ignored.
func (t *TrustedProxies) ForwardedProtoHTTPS(r *http.Request) bool {
	if !t.Trusted(r.RemoteAddr) {
		return false
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
