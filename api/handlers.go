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

package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/DDULDDUCK/proxy-manager/db"
)

// audit records the mutation and is deliberately non-fatal: a failed
// audit write must not roll back the change it describes.
func (s *Server) audit(r *http.Request, action, entity, detail string) {
	err := s.db.RecordAudit(middleware.GetReqID(r.Context()), usernameFrom(r), action, entity, detail)
	if err != nil {
		s.logger.Warn("recording audit entry", zap.Error(err))
	}
}

// reload rebuilds the routing snapshot after a mutation.
func (s *Server) reload(w http.ResponseWriter) bool {
	if err := s.loader.Reload(); err != nil {
		respondError(w, http.StatusInternalServerError, "reload failed: "+err.Error())
		return false
	}
	return true
}

func idParam(r *http.Request) (uint, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	return uint(id), err
}

// ----- hosts -----

func (s *Server) listHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := s.db.ListHosts()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, hosts)
}

func validateHost(h *db.Host) error {
	if h.Domain == "" {
		return fmt.Errorf("domain is required")
	}
	if h.RedirectTo == "" && len(h.Targets) == 0 {
		return fmt.Errorf("targets are required unless redirect_to is set")
	}
	if h.RedirectTo != "" && h.RedirectStatus != 0 {
		switch h.RedirectStatus {
		case http.StatusMovedPermanently, http.StatusFound,
			http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		default:
			return fmt.Errorf("invalid redirect status %d", h.RedirectStatus)
		}
	}
	seen := make(map[string]bool)
	for _, loc := range h.Locations {
		if !strings.HasPrefix(loc.Path, "/") {
			return fmt.Errorf("location path %q must begin with /", loc.Path)
		}
		if seen[loc.Path] {
			return fmt.Errorf("duplicate location path %q", loc.Path)
		}
		seen[loc.Path] = true
	}
	return nil
}

func (s *Server) createHost(w http.ResponseWriter, r *http.Request) {
	var host db.Host
	if err := decodeJSON(r, &host); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateHost(&host); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.db.Gorm().Create(&host).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.audit(r, "create", "host", host.Domain)
	if !s.reload(w) {
		return
	}
	respondJSON(w, http.StatusCreated, host)
}

func (s *Server) updateHost(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var host db.Host
	if err := decodeJSON(r, &host); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	host.ID = id
	if err := validateHost(&host); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	// replace nested rows wholesale so removed locations disappear
	err = s.db.Gorm().Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("host_id = ?", id).Delete(&db.Location{}).Error; err != nil {
			return err
		}
		if err := tx.Where("host_id = ?", id).Delete(&db.HeaderRule{}).Error; err != nil {
			return err
		}
		return tx.Save(&host).Error
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.audit(r, "update", "host", host.Domain)
	if !s.reload(w) {
		return
	}
	respondJSON(w, http.StatusOK, host)
}

func (s *Server) deleteHost(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.db.Gorm().Delete(&db.Host{}, id).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.audit(r, "delete", "host", strconv.Itoa(int(id)))
	if !s.reload(w) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ----- access lists -----

type accessListPayload struct {
	Name    string `json:"name"`
	Clients []struct {
		Username string `json:"username"`
		Password string `json:"password"`
	} `json:"clients"`
	IPs []struct {
		IP     string `json:"ip"`
		Action string `json:"action"`
	} `json:"ips"`
}

func (s *Server) listAccessLists(w http.ResponseWriter, r *http.Request) {
	lists, err := s.db.ListAccessLists()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, lists)
}

func (s *Server) createAccessList(w http.ResponseWriter, r *http.Request) {
	var payload accessListPayload
	if err := decodeJSON(r, &payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	list := db.AccessList{Name: payload.Name}
	for _, c := range payload.Clients {
		hash, err := bcrypt.GenerateFromPassword([]byte(c.Password), bcrypt.DefaultCost)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "hashing password")
			return
		}
		list.Clients = append(list.Clients, db.AccessListClient{
			Username:     c.Username,
			PasswordHash: string(hash),
		})
	}
	for _, ip := range payload.IPs {
		if ip.Action != "allow" && ip.Action != "deny" {
			respondError(w, http.StatusBadRequest, "ip action must be allow or deny")
			return
		}
		list.IPs = append(list.IPs, db.AccessListIP{IP: ip.IP, Action: ip.Action})
	}
	if err := s.db.Gorm().Create(&list).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.audit(r, "create", "access_list", list.Name)
	if !s.reload(w) {
		return
	}
	respondJSON(w, http.StatusCreated, list)
}

func (s *Server) deleteAccessList(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.db.Gorm().Delete(&db.AccessList{}, id).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.audit(r, "delete", "access_list", strconv.Itoa(int(id)))
	if !s.reload(w) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ----- streams -----

func (s *Server) listStreams(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.ListStreams()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rows)
}

func (s *Server) createStream(w http.ResponseWriter, r *http.Request) {
	var stream db.Stream
	if err := decodeJSON(r, &stream); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if stream.Protocol != "tcp" && stream.Protocol != "udp" {
		respondError(w, http.StatusBadRequest, "protocol must be tcp or udp")
		return
	}
	if err := s.db.Gorm().Create(&stream).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.audit(r, "create", "stream", fmt.Sprintf(":%d -> %s:%d/%s",
		stream.ListenPort, stream.ForwardHost, stream.ForwardPort, stream.Protocol))
	if err := s.streams.Start(stream.ListenPort, stream.ForwardHost, stream.ForwardPort, stream.Protocol); err != nil {
		respondError(w, http.StatusInternalServerError, "stream saved but failed to start: "+err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, stream)
}

func (s *Server) deleteStream(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var stream db.Stream
	if err := s.db.Gorm().First(&stream, id).Error; err != nil {
		respondError(w, http.StatusNotFound, "stream not found")
		return
	}
	if err := s.db.Gorm().Delete(&stream).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.streams.Stop(stream.ListenPort)
	s.audit(r, "delete", "stream", strconv.Itoa(stream.ListenPort))
	w.WriteHeader(http.StatusNoContent)
}

// ----- DNS providers and certificates -----

func (s *Server) listDNSProviders(w http.ResponseWriter, r *http.Request) {
	var providers []db.DNSProvider
	if err := s.db.Gorm().Find(&providers).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, providers)
}

type dnsProviderPayload struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Credentials string `json:"credentials"`
}

func (s *Server) createDNSProvider(w http.ResponseWriter, r *http.Request) {
	var payload dnsProviderPayload
	if err := decodeJSON(r, &payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	provider := db.DNSProvider{
		Name:        payload.Name,
		Kind:        payload.Kind,
		Credentials: payload.Credentials,
	}
	switch provider.Kind {
	case "cloudflare", "route53", "digitalocean", "google":
	default:
		respondError(w, http.StatusBadRequest, "unsupported provider kind")
		return
	}
	if err := s.db.Gorm().Create(&provider).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.audit(r, "create", "dns_provider", provider.Name)
	respondJSON(w, http.StatusCreated, provider)
}

func (s *Server) deleteDNSProvider(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.db.Gorm().Delete(&db.DNSProvider{}, id).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.audit(r, "delete", "dns_provider", strconv.Itoa(int(id)))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listCerts(w http.ResponseWriter, r *http.Request) {
	var rows []db.Cert
	if err := s.db.Gorm().Find(&rows).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rows)
}

type certRequestPayload struct {
	ProviderID *uint `json:"provider_id"`
}

func (s *Server) requestCert(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	var payload certRequestPayload
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &payload); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	s.audit(r, "request", "cert", domain)
	if err := s.agent.Request(r.Context(), domain, payload.ProviderID); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"domain": domain, "status": "issued"})
}

// ----- stats -----

type statsWindow struct {
	Timestamp int64  `json:"timestamp"`
	Requests  int64  `json:"requests"`
	Bytes     int64  `json:"bytes"`
	BytesText string `json:"bytes_text"`
	Status2xx int64  `json:"status_2xx"`
	Status4xx int64  `json:"status_4xx"`
	Status5xx int64  `json:"status_5xx"`
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.RecentTraffic(60)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	windows := make([]statsWindow, len(rows))
	for i, row := range rows {
		windows[i] = statsWindow{
			Timestamp: row.Timestamp,
			Requests:  row.Requests,
			Bytes:     row.Bytes,
			BytesText: humanize.Bytes(uint64(row.Bytes)),
			Status2xx: row.Status2xx,
			Status4xx: row.Status4xx,
			Status5xx: row.Status5xx,
		}
	}
	respondJSON(w, http.StatusOK, windows)
}
