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

// Package acme issues and renews certificates by shelling out to an
// external ACME client (certbot). HTTP-01 challenges are served by
// the data plane from the shared webroot; DNS-01 goes through a
// provider plugin fed by a short-lived credentials file.
package acme

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/DDULDDUCK/proxy-manager/db"
)

// defaultLiveDir is where certbot leaves issued chains.
const defaultLiveDir = "/etc/letsencrypt/live"

// execCommand is swapped out in tests.
var execCommand = defaultExecCommand

func defaultExecCommand(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	return cmd.CombinedOutput()
}

// Store is the slice of the relational store the agent touches.
// *db.DB satisfies it.
type Store interface {
	GetDNSProvider(id uint) (*db.DNSProvider, error)
	UpsertCert(domain string, expiresAt int64, providerID *uint) error
}

// Invalidator drops a cached certificate after new PEMs land on
// disk. *certs.Store satisfies it.
type Invalidator interface {
	Invalidate(domain string)
}

// Agent drives the external ACME client.
type Agent struct {
	store        Store
	cache        Invalidator
	logger       *zap.Logger
	contactEmail string
	webroot      string
	certDir      string
	liveDir      string
}

// NewAgent returns an agent writing issued pairs into certDir.
func NewAgent(store Store, cache Invalidator, logger *zap.Logger, contactEmail, webroot, certDir string) *Agent {
	return &Agent{
		store:        store,
		cache:        cache,
		logger:       logger,
		contactEmail: contactEmail,
		webroot:      webroot,
		certDir:      certDir,
		liveDir:      defaultLiveDir,
	}
}

// Request obtains a certificate for domain. A non-nil providerID
// selects DNS-01 through that provider; otherwise HTTP-01 via the
// webroot. On failure nothing is written to the cert row or the
// cache, and the credentials file is removed regardless.
func (a *Agent) Request(ctx context.Context, domain string, providerID *uint) error {
	a.logger.Info("requesting certificate",
		zap.String("domain", domain),
		zap.Bool("dns01", providerID != nil))

	args := []string{
		"certonly",
		"-d", domain,
		"--email", a.contactEmail,
		"--agree-tos",
		"--non-interactive",
	}
	var env []string

	if providerID != nil {
		provider, err := a.store.GetDNSProvider(*providerID)
		if err != nil {
			return fmt.Errorf("loading DNS provider %d: %w", *providerID, err)
		}
		credsPath := fmt.Sprintf("/tmp/dns-creds-%s-%d.ini", provider.Kind, time.Now().Unix())
		if err := os.WriteFile(credsPath, []byte(strings.TrimSpace(provider.Credentials)), 0o600); err != nil {
			return fmt.Errorf("writing credentials file: %w", err)
		}
		defer os.Remove(credsPath)

		providerArgs, providerEnv, err := dnsPluginArgs(provider.Kind, credsPath)
		if err != nil {
			return err
		}
		args = append(args, providerArgs...)
		env = providerEnv
	} else {
		if err := os.MkdirAll(a.webroot, 0o755); err != nil {
			return fmt.Errorf("preparing webroot: %w", err)
		}
		args = append(args, "--webroot", "-w", a.webroot)
	}

	output, err := execCommand(ctx, env, "certbot", args...)
	if err != nil {
		return fmt.Errorf("certbot failed: %w: %s", err, strings.TrimSpace(string(output)))
	}

	if err := a.installIssued(domain, providerID); err != nil {
		return err
	}
	a.cache.Invalidate(domain)
	a.logger.Info("certificate issued", zap.String("domain", domain))
	return nil
}

// dnsPluginArgs maps a provider kind to the client's plugin flags.
// Route53 takes its credentials through the environment; the other
// plugins through a --<kind>-credentials flag.
func dnsPluginArgs(kind, credsPath string) (args, env []string, err error) {
	switch kind {
	case "cloudflare":
		return []string{
			"--dns-cloudflare",
			"--dns-cloudflare-credentials", credsPath,
			"--dns-cloudflare-propagation-seconds", "30",
		}, nil, nil
	case "route53":
		return []string{"--dns-route53"},
			[]string{"AWS_SHARED_CREDENTIALS_FILE=" + credsPath}, nil
	case "digitalocean":
		return []string{
			"--dns-digitalocean",
			"--dns-digitalocean-credentials", credsPath,
		}, nil, nil
	case "google":
		return []string{
			"--dns-google",
			"--dns-google-credentials", credsPath,
		}, nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported DNS provider kind %q", kind)
	}
}

// installIssued copies the issued chain into the cert directory and
// records the leaf's expiry.
func (a *Agent) installIssued(domain string, providerID *uint) error {
	// certbot names the live directory after the bare domain even
	// for wildcard requests
	liveBase := filepath.Join(a.liveDir, strings.TrimPrefix(domain, "*."))
	if _, err := os.Stat(liveBase); err != nil {
		liveBase = filepath.Join(a.liveDir, domain)
	}
	privkey := filepath.Join(liveBase, "privkey.pem")
	fullchain := filepath.Join(liveBase, "fullchain.pem")
	if _, err := os.Stat(privkey); err != nil {
		return fmt.Errorf("issued key not found under %s: %w", liveBase, err)
	}

	if err := os.MkdirAll(a.certDir, 0o755); err != nil {
		return err
	}
	if err := copyFile(privkey, filepath.Join(a.certDir, domain+".key"), 0o600); err != nil {
		return fmt.Errorf("installing key: %w", err)
	}
	certPath := filepath.Join(a.certDir, domain+".crt")
	if err := copyFile(fullchain, certPath, 0o644); err != nil {
		return fmt.Errorf("installing certificate: %w", err)
	}

	notAfter, err := leafNotAfter(certPath)
	if err != nil {
		return err
	}
	if err := a.store.UpsertCert(domain, notAfter.Unix(), providerID); err != nil {
		return fmt.Errorf("recording certificate expiry: %w", err)
	}
	return nil
}

// leafNotAfter parses the first certificate in the PEM chain and
// returns its expiry.
func leafNotAfter(path string) (time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, err
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return time.Time{}, errors.New("no certificate block in issued chain")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing issued leaf: %w", err)
	}
	return cert.NotAfter, nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
