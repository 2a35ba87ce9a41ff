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

// Package settings loads the process-level runtime configuration.
// Routing intent lives in the relational store and is hot-reloaded;
// the values here are fixed for the lifetime of the process.
package settings

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Settings is the process configuration, typically read from
// proxy-manager.toml in the working directory.
type Settings struct {
	// Listener addresses.
	HTTPAddr  string `toml:"http_addr"`
	HTTPSAddr string `toml:"https_addr"`
	AdminAddr string `toml:"admin_addr"`

	// Filesystem layout, relative to the working directory.
	CertDir     string `toml:"cert_dir"`
	ACMEWebroot string `toml:"acme_webroot"`
	AccessLog   string `toml:"access_log"`
	DBPath      string `toml:"db_path"`

	// ContactEmail is handed to the ACME client on issuance.
	ContactEmail string `toml:"contact_email"`

	// TrustedProxies are downstream peer IPs whose X-Forwarded-*
	// headers are honored. Loopback is always trusted.
	TrustedProxies []string `toml:"trusted_proxies"`

	// JWTSecret signs control-plane tokens. When empty, a random
	// secret is generated at each start and not persisted.
	JWTSecret string `toml:"jwt_secret"`
}

// Default returns the settings used when no file is present.
func Default() Settings {
	return Settings{
		HTTPAddr:     ":8080",
		HTTPSAddr:    ":443",
		AdminAddr:    ":81",
		CertDir:      "data/certs",
		ACMEWebroot:  "data/acme-challenge",
		AccessLog:    "logs/access.log",
		DBPath:       "data/proxy-manager.db",
		ContactEmail: "admin@example.com",
	}
}

// Load reads the TOML file at path, filling unset fields with
// defaults. A missing file is not an error; a malformed one is.
func Load(path string) (Settings, error) {
	s := Default()
	md, err := toml.DecodeFile(path, &s)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, fmt.Errorf("reading settings %s: %w", path, err)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		keys := make([]string, len(undec))
		for i, k := range undec {
			keys[i] = k.String()
		}
		return s, fmt.Errorf("unknown settings keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return s, s.validate()
}

func (s Settings) validate() error {
	for _, addr := range []string{s.HTTPAddr, s.HTTPSAddr, s.AdminAddr} {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("invalid listener address %q: %w", addr, err)
		}
	}
	for _, ip := range s.TrustedProxies {
		if net.ParseIP(ip) == nil {
			return fmt.Errorf("invalid trusted proxy IP %q", ip)
		}
	}
	return nil
}

// HTTPSPort returns the port number of the HTTPS listener. The
// SSL-upgrade filter uses it to decide whether a connection
// already arrived over TLS.
func (s Settings) HTTPSPort() string {
	_, port, err := net.SplitHostPort(s.HTTPSAddr)
	if err != nil {
		return "443"
	}
	return port
}
