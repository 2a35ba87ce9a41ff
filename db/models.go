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

package db

import "time"

// Host is a persisted virtual host.
type Host struct {
	ID             uint     `gorm:"primaryKey" json:"id"`
	Domain         string   `gorm:"uniqueIndex;not null" json:"domain"`
	Targets        []string `gorm:"serializer:json" json:"targets"`
	Scheme         string   `gorm:"default:http" json:"scheme"`
	SSLForced      bool     `json:"ssl_forced"`
	VerifySSL      bool     `gorm:"default:true" json:"verify_ssl"`
	UpstreamSNI    string   `json:"upstream_sni"`
	RedirectTo     string   `json:"redirect_to"`
	RedirectStatus int      `gorm:"default:301" json:"redirect_status"`
	AccessListID   *uint    `json:"access_list_id"`
	Locations      []Location   `gorm:"constraint:OnDelete:CASCADE" json:"locations"`
	Headers        []HeaderRule `gorm:"constraint:OnDelete:CASCADE" json:"headers"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Location is a per-path routing override belonging to a host.
type Location struct {
	ID          uint     `gorm:"primaryKey" json:"id"`
	HostID      uint     `gorm:"index;not null" json:"host_id"`
	Path        string   `gorm:"not null" json:"path"`
	Targets     []string `gorm:"serializer:json" json:"targets"`
	Scheme      string   `gorm:"default:http" json:"scheme"`
	Rewrite     bool     `json:"rewrite"`
	VerifySSL   bool     `gorm:"default:true" json:"verify_ssl"`
	UpstreamSNI string   `json:"upstream_sni"`
}

// HeaderRule is a persisted header injection rule.
type HeaderRule struct {
	ID     uint   `gorm:"primaryKey" json:"id"`
	HostID uint   `gorm:"index;not null" json:"host_id"`
	Name   string `gorm:"not null" json:"name"`
	Value  string `json:"value"`
	Target string `gorm:"default:request" json:"target"`
}

// AccessList groups clients and IP rules under a reusable name.
type AccessList struct {
	ID      uint               `gorm:"primaryKey" json:"id"`
	Name    string             `gorm:"not null" json:"name"`
	Clients []AccessListClient `gorm:"constraint:OnDelete:CASCADE" json:"clients"`
	IPs     []AccessListIP     `gorm:"constraint:OnDelete:CASCADE" json:"ips"`
}

// AccessListClient is one basic-auth credential with a bcrypt hash.
type AccessListClient struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	AccessListID uint   `gorm:"index;not null" json:"access_list_id"`
	Username     string `gorm:"not null" json:"username"`
	PasswordHash string `gorm:"not null" json:"-"`
}

// AccessListIP is one allow/deny rule.
type AccessListIP struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	AccessListID uint   `gorm:"index;not null" json:"access_list_id"`
	IP           string `gorm:"not null" json:"ip"`
	Action       string `gorm:"not null" json:"action"`
}

// Stream is a persisted L4 forwarding rule. ListenPort is unique:
// the stream manager keeps at most one listener per port.
type Stream struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	ListenPort  int    `gorm:"uniqueIndex;not null" json:"listen_port"`
	ForwardHost string `gorm:"not null" json:"forward_host"`
	ForwardPort int    `gorm:"not null" json:"forward_port"`
	Protocol    string `gorm:"default:tcp" json:"protocol"`
}

// Cert tracks an issued certificate's expiry for the renewal scan.
// The PEM pair itself lives on disk under the cert directory.
type Cert struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	Domain     string `gorm:"uniqueIndex;not null" json:"domain"`
	ExpiresAt  int64  `gorm:"not null" json:"expires_at"`
	ProviderID *uint  `json:"provider_id"`
}

// DNSProvider holds credentials for a DNS-01 plugin, stored verbatim
// and written to a temp file only for the duration of an issuance.
type DNSProvider struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	Name        string `gorm:"not null" json:"name"`
	Kind        string `gorm:"not null" json:"kind"` // cloudflare, route53, digitalocean, google
	Credentials string `gorm:"not null" json:"-"`
}

// User is a control-plane operator account.
type User struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Username     string    `gorm:"uniqueIndex;not null" json:"username"`
	PasswordHash string    `gorm:"not null" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuditLog records one control-plane mutation.
type AuditLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	RequestID string    `json:"request_id"`
	Username  string    `json:"username"`
	Action    string    `json:"action"`
	Entity    string    `json:"entity"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// TrafficStat is one flushed window of data-plane counters.
type TrafficStat struct {
	ID        uint  `gorm:"primaryKey" json:"id"`
	Timestamp int64 `gorm:"index;not null" json:"timestamp"`
	Requests  int64 `json:"requests"`
	Bytes     int64 `json:"bytes"`
	Status2xx int64 `json:"status_2xx"`
	Status4xx int64 `json:"status_4xx"`
	Status5xx int64 `json:"status_5xx"`
}
