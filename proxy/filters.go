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
	"encoding/base64"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/DDULDDUCK/proxy-manager/state"
)

// FilterResult tells the request loop whether a filter wrote the
// response (Handled) or the next filter should run (Continue).
type FilterResult int

// Filter outcomes.
const (
	Continue FilterResult = iota
	Handled
)

const acmeChallengePrefix = "/.well-known/acme-challenge/"

// serveACMEChallenge answers HTTP-01 challenges from the webroot.
// It runs before host resolution so challenges succeed for domains
// that are not configured yet.
func (s *Service) serveACMEChallenge(w http.ResponseWriter, r *http.Request) FilterResult {
	if !strings.HasPrefix(r.URL.Path, acmeChallengePrefix) {
		return Continue
	}
	token := strings.TrimPrefix(r.URL.Path, acmeChallengePrefix)
	if strings.Contains(token, "..") || strings.ContainsAny(token, `/\`) {
		s.logger.Warn("rejected acme token with traversal characters",
			zap.String("remote", r.RemoteAddr))
		w.WriteHeader(http.StatusForbidden)
		return Handled
	}
	content, err := os.ReadFile(filepath.Join(s.acmeWebroot, token))
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return Handled
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
	return Handled
}

// enforceAccessList applies the host's access list: IP rules first,
// then basic auth. A deny rule match, or the absence of a matching
// allow rule when allow rules exist, yields 403. Missing or invalid
// credentials yield 401.
func (s *Service) enforceAccessList(w http.ResponseWriter, r *http.Request, ctx *reqContext) FilterResult {
	if ctx.hostConfig.AccessListID == 0 {
		return Continue
	}
	acl := ctx.snapshot.GetAccessList(ctx.hostConfig.AccessListID)
	if acl == nil {
		return Continue
	}

	if len(acl.IPs) > 0 {
		clientIP := s.trusted.ClientIP(r)
		allowed := false
		hasAllowRules := false
		for _, rule := range acl.IPs {
			switch rule.Action {
			case "allow":
				hasAllowRules = true
				if rule.IP == clientIP {
					allowed = true
				}
			case "deny":
				if rule.IP == clientIP {
					s.logger.Warn("access denied by IP rule",
						zap.String("client_ip", clientIP),
						zap.String("host", ctx.host))
					w.WriteHeader(http.StatusForbidden)
					return Handled
				}
			}
		}
		if hasAllowRules && !allowed {
			s.logger.Warn("client IP not in allow rules",
				zap.String("client_ip", clientIP),
				zap.String("host", ctx.host))
			w.WriteHeader(http.StatusForbidden)
			return Handled
		}
	}

	if len(acl.Clients) > 0 && !authenticateBasic(r, acl.Clients) {
		w.Header().Set("WWW-Authenticate", `Basic realm="Restricted Area"`)
		w.WriteHeader(http.StatusUnauthorized)
		return Handled
	}
	return Continue
}

func authenticateBasic(r *http.Request, clients []state.AccessListClient) bool {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}
	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return false
	}
	for _, c := range clients {
		if c.Username == username {
			return bcrypt.CompareHashAndPassword([]byte(c.PasswordHash), []byte(password)) == nil
		}
	}
	return false
}

// applyRedirect emits the host's configured redirect, preserving
// path and query. A trailing slash on the target absorbs the
// leading slash of the path.
func (s *Service) applyRedirect(w http.ResponseWriter, r *http.Request, ctx *reqContext) FilterResult {
	target := ctx.hostConfig.RedirectTo
	if target == "" {
		return Continue
	}
	path := r.URL.Path
	if strings.HasSuffix(target, "/") && strings.HasPrefix(path, "/") {
		target = target[:len(target)-1]
	}
	location := target + path
	if r.URL.RawQuery != "" {
		location += "?" + r.URL.RawQuery
	}
	w.Header().Set("Location", location)
	w.WriteHeader(ctx.hostConfig.RedirectStatus)
	return Handled
}

// upgradeSSL redirects plain-HTTP requests for ssl_forced hosts to
// their https equivalent. A connection counts as TLS when it was
// terminated here, arrived on the HTTPS listener port, or a trusted
// peer forwarded X-Forwarded-Proto: https.
func (s *Service) upgradeSSL(w http.ResponseWriter, r *http.Request, ctx *reqContext) FilterResult {
	if !ctx.hostConfig.SSLForced || s.isTLS(r) {
		return Continue
	}
	location := "https://" + ctx.host + r.URL.Path
	if r.URL.RawQuery != "" {
		location += "?" + r.URL.RawQuery
	}
	w.Header().Set("Location", location)
	w.WriteHeader(http.StatusMovedPermanently)
	return Handled
}

func (s *Service) isTLS(r *http.Request) bool {
	if s.trusted.ForwardedProtoHTTPS(r) {
		return true
	}
	if r.TLS != nil {
		return true
	}
	return requestPort(r) == s.httpsPort
}
