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

package state

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/DDULDDUCK/proxy-manager/db"
)

// Source is the slice of the store the loader reads. *db.DB
// satisfies it.
type Source interface {
	ListHosts() ([]db.Host, error)
	ListAccessLists() ([]db.AccessList, error)
}

// Loader assembles snapshots from the store and installs them.
type Loader struct {
	source Source
	state  *State
	logger *zap.Logger
}

// NewLoader returns a loader publishing into st.
func NewLoader(source Source, st *State, logger *zap.Logger) *Loader {
	return &Loader{source: source, state: st, logger: logger}
}

// Reload reads all routing tables, assembles a fresh snapshot, and
// installs it. Any read error leaves the current snapshot in place.
func (l *Loader) Reload() error {
	snap, err := l.build()
	if err != nil {
		l.logger.Error("reload failed, keeping current snapshot", zap.Error(err))
		return err
	}
	if err := l.state.Install(snap); err != nil {
		return err
	}
	l.logger.Info("configuration reloaded", zap.Int("hosts", snap.HostCount()))
	return nil
}

func (l *Loader) build() (*Snapshot, error) {
	hostRows, err := l.source.ListHosts()
	if err != nil {
		return nil, fmt.Errorf("reading hosts: %w", err)
	}
	listRows, err := l.source.ListAccessLists()
	if err != nil {
		return nil, fmt.Errorf("reading access lists: %w", err)
	}

	hosts := make([]*Host, 0, len(hostRows))
	for _, row := range hostRows {
		h := &Host{
			ID:             row.ID,
			Domain:         row.Domain,
			Targets:        row.Targets,
			Scheme:         row.Scheme,
			SSLForced:      row.SSLForced,
			VerifySSL:      row.VerifySSL,
			UpstreamSNI:    row.UpstreamSNI,
			RedirectTo:     row.RedirectTo,
			RedirectStatus: row.RedirectStatus,
		}
		if row.AccessListID != nil {
			h.AccessListID = *row.AccessListID
		}
		if h.RedirectStatus == 0 {
			h.RedirectStatus = 301
		}
		if h.Scheme == "" {
			h.Scheme = "http"
		}
		for _, loc := range row.Locations {
			scheme := loc.Scheme
			if scheme == "" {
				scheme = "http"
			}
			h.Locations = append(h.Locations, Location{
				Path:        loc.Path,
				Targets:     loc.Targets,
				Scheme:      scheme,
				Rewrite:     loc.Rewrite,
				VerifySSL:   loc.VerifySSL,
				UpstreamSNI: loc.UpstreamSNI,
			})
		}
		for _, hr := range row.Headers {
			h.Headers = append(h.Headers, HeaderRule{
				Name:   hr.Name,
				Value:  hr.Value,
				Target: hr.Target,
			})
		}
		hosts = append(hosts, h)
	}

	lists := make([]*AccessList, 0, len(listRows))
	for _, row := range listRows {
		al := &AccessList{ID: row.ID, Name: row.Name}
		for _, c := range row.Clients {
			al.Clients = append(al.Clients, AccessListClient{
				Username:     c.Username,
				PasswordHash: c.PasswordHash,
			})
		}
		for _, ip := range row.IPs {
			al.IPs = append(al.IPs, AccessListIP{IP: ip.IP, Action: ip.Action})
		}
		lists = append(lists, al)
	}

	return NewSnapshot(hosts, lists), nil
}
