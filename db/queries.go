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

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// ErrNotFound is returned for lookups of absent rows.
var ErrNotFound = errors.New("not found")

// ListHosts returns every host with its locations and header rules.
func (d *DB) ListHosts() ([]Host, error) {
	var hosts []Host
	err := d.gorm.Preload("Locations").Preload("Headers").Find(&hosts).Error
	return hosts, err
}

// ListAccessLists returns every access list with clients and IP rules.
func (d *DB) ListAccessLists() ([]AccessList, error) {
	var lists []AccessList
	err := d.gorm.Preload("Clients").Preload("IPs").Find(&lists).Error
	return lists, err
}

// ListStreams returns the full stream table.
func (d *DB) ListStreams() ([]Stream, error) {
	var streams []Stream
	err := d.gorm.Order("listen_port").Find(&streams).Error
	return streams, err
}

// UpsertCert records (or refreshes) a certificate's expiry.
func (d *DB) UpsertCert(domain string, expiresAt int64, providerID *uint) error {
	var existing Cert
	err := d.gorm.Where("domain = ?", domain).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return d.gorm.Create(&Cert{Domain: domain, ExpiresAt: expiresAt, ProviderID: providerID}).Error
	}
	if err != nil {
		return err
	}
	existing.ExpiresAt = expiresAt
	existing.ProviderID = providerID
	return d.gorm.Save(&existing).Error
}

// ExpiringCerts returns certificates whose expiry falls before the
// given unix timestamp.
func (d *DB) ExpiringCerts(before int64) ([]Cert, error) {
	var certs []Cert
	err := d.gorm.Where("expires_at < ?", before).Find(&certs).Error
	return certs, err
}

// GetDNSProvider returns the provider row with the given ID.
func (d *DB) GetDNSProvider(id uint) (*DNSProvider, error) {
	var p DNSProvider
	err := d.gorm.First(&p, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetUser returns the operator account with the given username.
func (d *DB) GetUser(username string) (*User, error) {
	var u User
	err := d.gorm.Where("username = ?", username).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// RecordAudit appends a control-plane audit row. Audit failures are
// reported to the caller but must not roll back the mutation itself.
func (d *DB) RecordAudit(requestID, username, action, entity, detail string) error {
	return d.gorm.Create(&AuditLog{
		RequestID: requestID,
		Username:  username,
		Action:    action,
		Entity:    entity,
		Detail:    detail,
	}).Error
}

// RecordTraffic persists one flushed counter window.
func (d *DB) RecordTraffic(requests, bytes, s2xx, s4xx, s5xx int64) error {
	return d.gorm.Create(&TrafficStat{
		Timestamp: time.Now().Unix(),
		Requests:  requests,
		Bytes:     bytes,
		Status2xx: s2xx,
		Status4xx: s4xx,
		Status5xx: s5xx,
	}).Error
}

// RecentTraffic returns the newest n flushed windows, newest first.
func (d *DB) RecentTraffic(n int) ([]TrafficStat, error) {
	var stats []TrafficStat
	err := d.gorm.Order("timestamp desc").Limit(n).Find(&stats).Error
	return stats, err
}
