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

// Package certs selects TLS certificates by SNI at handshake time.
//
// Certificates live on disk as <dir>/<domain>.crt and .key pairs and
// are loaded lazily into an in-memory cache. Lookup order is exact
// domain, then the wildcard formed by replacing the leftmost label,
// then the self-signed default.
package certs

import (
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// DefaultName is the file stem of the fallback certificate pair.
const DefaultName = "default"

// Store is the SNI-keyed certificate cache. Reads take the read
// lock; the write lock is only held to insert, drop or clear entries.
type Store struct {
	dir    string
	logger *zap.Logger

	mu          sync.RWMutex
	cache       map[string]*tls.Certificate
	defaultCert *tls.Certificate
}

// NewStore opens the certificate directory, generating the default
// self-signed pair if it does not exist yet. The data plane refuses
// to start when no default certificate can be produced.
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating certificate directory: %w", err)
	}
	s := &Store{
		dir:    dir,
		logger: logger,
		cache:  make(map[string]*tls.Certificate),
	}
	certPath, keyPath := s.pairPath(DefaultName)
	if _, err := os.Stat(certPath); os.IsNotExist(err) {
		logger.Warn("default certificate not found, generating self-signed pair",
			zap.String("path", certPath))
		if err := generateSelfSigned(certPath, keyPath); err != nil {
			return nil, fmt.Errorf("generating default certificate: %w", err)
		}
	}
	def, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("loading default certificate: %w", err)
	}
	s.defaultCert = &def
	return s, nil
}

// Preload loads every .crt/.key pair in the directory into the
// cache, skipping the default pair. Individual load failures are
// logged and skipped.
func (s *Store) Preload() int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn("reading certificate directory", zap.Error(err))
		return 0
	}
	count := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".crt") {
			continue
		}
		domain := strings.TrimSuffix(name, ".crt")
		if domain == DefaultName {
			continue
		}
		cert, err := s.loadPair(domain)
		if err != nil {
			s.logger.Warn("skipping certificate",
				zap.String("domain", domain), zap.Error(err))
			continue
		}
		s.mu.Lock()
		s.cache[domain] = cert
		s.mu.Unlock()
		count++
	}
	s.logger.Info("preloaded certificates", zap.Int("count", count))
	return count
}

// GetCertificate satisfies tls.Config.GetCertificate. It never
// fails the handshake outright: a domain with no usable pair is
// served the default certificate and the client's validation raises
// the alert.
func (s *Store) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	name := strings.ToLower(strings.TrimSuffix(hello.ServerName, "."))
	if name == "" {
		return s.defaultCert, nil
	}

	if cert := s.lookup(name); cert != nil {
		return cert, nil
	}
	if cert := s.loadAndCache(name); cert != nil {
		return cert, nil
	}

	// wildcard fallback: replace the leftmost label
	if _, parent, ok := strings.Cut(name, "."); ok && parent != "" {
		wildcard := "*." + parent
		if cert := s.lookup(wildcard); cert != nil {
			return cert, nil
		}
		if cert := s.loadAndCache(wildcard); cert != nil {
			s.logger.Debug("serving wildcard certificate",
				zap.String("sni", name), zap.String("wildcard", wildcard))
			return cert, nil
		}
	}

	s.logger.Debug("serving default certificate", zap.String("sni", name))
	return s.defaultCert, nil
}

// Invalidate drops the cached entry for domain so the next
// handshake reloads it from disk. Called after new PEMs are written.
func (s *Store) Invalidate(domain string) {
	s.mu.Lock()
	delete(s.cache, strings.ToLower(domain))
	s.mu.Unlock()
	s.logger.Info("certificate cache invalidated", zap.String("domain", domain))
}

// Clear empties the whole cache.
func (s *Store) Clear() {
	s.mu.Lock()
	s.cache = make(map[string]*tls.Certificate)
	s.mu.Unlock()
}

func (s *Store) lookup(name string) *tls.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache[name]
}

// loadAndCache pulls a pair from disk into the cache. A missing or
// malformed pair returns nil; the caller falls through to the next
// candidate. Parse failures must not poison the cache.
func (s *Store) loadAndCache(name string) *tls.Certificate {
	cert, err := s.loadPair(name)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("loading certificate",
				zap.String("domain", name), zap.Error(err))
		}
		return nil
	}
	s.mu.Lock()
	// a concurrent handshake may have loaded it already; keep the winner
	if existing, ok := s.cache[name]; ok {
		cert = existing
	} else {
		s.cache[name] = cert
	}
	s.mu.Unlock()
	s.logger.Info("loaded certificate", zap.String("domain", name))
	return cert
}

func (s *Store) loadPair(name string) (*tls.Certificate, error) {
	certPath, keyPath := s.pairPath(name)
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing PEM pair for %s: %w", name, err)
	}
	return &cert, nil
}

func (s *Store) pairPath(name string) (certPath, keyPath string) {
	return filepath.Join(s.dir, name+".crt"), filepath.Join(s.dir, name+".key")
}

// Dir returns the certificate directory path.
func (s *Store) Dir() string { return s.dir }
