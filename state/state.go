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

// Package state holds the hot-swappable routing configuration.
//
// A Snapshot is assembled in full, published atomically, and never
// mutated afterward. Readers on the request path capture the current
// snapshot once and use it for the whole request; a concurrent reload
// cannot show them a half-updated view.
package state

import (
	"errors"
	"strings"
	"sync/atomic"
)

// Host is one virtual host's routing entry.
type Host struct {
	ID             uint
	Domain         string
	Targets        []string
	Scheme         string // "http" or "https"
	SSLForced      bool
	VerifySSL      bool
	UpstreamSNI    string
	RedirectTo     string // non-empty disables upstream routing
	RedirectStatus int    // 301, 302, 307 or 308
	AccessListID   uint   // 0 means none
	Locations      []Location
	Headers        []HeaderRule
}

// Location is a per-path override within a host. Requests are matched
// to the location with the longest path prefix.
type Location struct {
	Path        string
	Targets     []string
	Scheme      string
	Rewrite     bool
	VerifySSL   bool
	UpstreamSNI string
}

// AccessList groups basic-auth clients and IP rules.
type AccessList struct {
	ID      uint
	Name    string
	Clients []AccessListClient
	IPs     []AccessListIP
}

// AccessListClient is one basic-auth credential pair.
type AccessListClient struct {
	Username     string
	PasswordHash string // bcrypt
}

// AccessListIP is one allow/deny rule.
type AccessListIP struct {
	IP     string
	Action string // "allow" or "deny"
}

// HeaderRule injects a header on the upstream request or the
// downstream response, replacing any existing value of that name.
type HeaderRule struct {
	Name   string
	Value  string
	Target string // "request" or "response"
}

// Snapshot is one immutable view of the routing tables.
type Snapshot struct {
	hosts       map[string]*Host
	accessLists map[uint]*AccessList
}

// NewSnapshot assembles a snapshot from fully-built entities. Host
// domains are lowercased for lookup.
func NewSnapshot(hosts []*Host, accessLists []*AccessList) *Snapshot {
	s := &Snapshot{
		hosts:       make(map[string]*Host, len(hosts)),
		accessLists: make(map[uint]*AccessList, len(accessLists)),
	}
	for _, h := range hosts {
		s.hosts[strings.ToLower(h.Domain)] = h
	}
	for _, al := range accessLists {
		s.accessLists[al.ID] = al
	}
	return s
}

// GetHost returns the host entry for domain, or nil.
func (s *Snapshot) GetHost(domain string) *Host {
	return s.hosts[strings.ToLower(domain)]
}

// GetAccessList returns the access list with the given ID, or nil.
func (s *Snapshot) GetAccessList(id uint) *AccessList {
	return s.accessLists[id]
}

// HostCount reports how many hosts the snapshot routes.
func (s *Snapshot) HostCount() int { return len(s.hosts) }

// State is the shared handle the data plane reads from and the
// control plane publishes to.
type State struct {
	snapshot atomic.Pointer[Snapshot]
}

// New returns a State holding an empty snapshot, so readers never
// observe a nil pointer.
func New() *State {
	st := new(State)
	st.snapshot.Store(NewSnapshot(nil, nil))
	return st
}

// Snapshot returns the current snapshot. The returned value is
// immutable and safe to use for the rest of a request.
func (st *State) Snapshot() *Snapshot {
	return st.snapshot.Load()
}

// Install publishes snap, replacing the previous snapshot for all
// subsequent readers. In-flight requests keep the one they captured.
func (st *State) Install(snap *Snapshot) error {
	if snap == nil {
		return errors.New("refusing to install nil snapshot")
	}
	st.snapshot.Store(snap)
	return nil
}

// MatchLocation returns the host's location with the longest path
// that prefixes reqPath, or nil when no location matches.
func (h *Host) MatchLocation(reqPath string) *Location {
	var best *Location
	bestLen := 0
	for i := range h.Locations {
		loc := &h.Locations[i]
		if strings.HasPrefix(reqPath, loc.Path) && len(loc.Path) > bestLen {
			best = loc
			bestLen = len(loc.Path)
		}
	}
	return best
}

// RequestHeaders returns the host's header rules targeting the
// upstream request, in rule order.
func (h *Host) RequestHeaders() []HeaderRule { return h.headersFor("request") }

// ResponseHeaders returns the host's header rules targeting the
// downstream response, in rule order.
func (h *Host) ResponseHeaders() []HeaderRule { return h.headersFor("response") }

func (h *Host) headersFor(target string) []HeaderRule {
	var rules []HeaderRule
	for _, r := range h.Headers {
		if r.Target == target {
			rules = append(rules, r)
		}
	}
	return rules
}
