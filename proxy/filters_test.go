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
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/DDULDDUCK/proxy-manager/state"
)

func newTestService(t *testing.T, hosts []*state.Host, lists []*state.AccessList) *Service {
	t.Helper()
	st := state.New()
	if err := st.Install(state.NewSnapshot(hosts, lists)); err != nil {
		t.Fatal(err)
	}
	return NewService(Config{
		State:       st,
		Trusted:     NewTrustedProxies(nil),
		Metrics:     NewMetrics(prometheus.NewRegistry()),
		Logger:      zap.NewNop(),
		ACMEWebroot: t.TempDir(),
		HTTPSPort:   "443",
	})
}

func doRequest(s *Service, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)
	return w
}

func TestACMEChallengeServed(t *testing.T) {
	s := newTestService(t, nil, nil)
	token := "h1aT0k3n"
	if err := os.WriteFile(filepath.Join(s.acmeWebroot, token), []byte("key-auth"), 0o644); err != nil {
		t.Fatal(err)
	}

	// served even though no host is configured
	w := doRequest(s, httptest.NewRequest("GET", "http://unconfigured.example/.well-known/acme-challenge/"+token, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Body.String(); got != "key-auth" {
		t.Errorf("body = %q", got)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/plain" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestACMEChallengeMissingToken(t *testing.T) {
	s := newTestService(t, nil, nil)
	w := doRequest(s, httptest.NewRequest("GET", "http://x.example/.well-known/acme-challenge/absent", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestACMEChallengeRejectsTraversal(t *testing.T) {
	s := newTestService(t, nil, nil)
	// tokens that must be rejected before touching the filesystem
	for _, token := range []string{"..%2Fetc%2Fpasswd", "..", "a..b", `a%5Cb`} {
		w := doRequest(s, httptest.NewRequest("GET", "http://x.example/.well-known/acme-challenge/"+token, nil))
		if w.Code != http.StatusForbidden {
			t.Errorf("token %q: status = %d, want 403", token, w.Code)
		}
	}
}

func TestUnknownHost404(t *testing.T) {
	s := newTestService(t, nil, nil)
	w := doRequest(s, httptest.NewRequest("GET", "http://nobody.example/", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if body := w.Body.String(); body != "Host not found\n" {
		t.Errorf("body = %q", body)
	}
}

func TestRedirectPreservesPathAndQuery(t *testing.T) {
	s := newTestService(t, []*state.Host{{
		Domain:         "a.example",
		RedirectTo:     "https://b.example/",
		RedirectStatus: http.StatusFound,
	}}, nil)

	w := doRequest(s, httptest.NewRequest("GET", "http://a.example/x?y=1", nil))
	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", w.Code)
	}
	// the target's trailing slash absorbs the path's leading slash
	if loc := w.Header().Get("Location"); loc != "https://b.example/x?y=1" {
		t.Errorf("Location = %q", loc)
	}
}

func TestRedirectWithoutTrailingSlash(t *testing.T) {
	s := newTestService(t, []*state.Host{{
		Domain:         "a.example",
		RedirectTo:     "https://b.example",
		RedirectStatus: http.StatusMovedPermanently,
	}}, nil)

	w := doRequest(s, httptest.NewRequest("GET", "http://a.example/x", nil))
	if loc := w.Header().Get("Location"); loc != "https://b.example/x" {
		t.Errorf("Location = %q", loc)
	}
}

func TestSSLForcedRedirect(t *testing.T) {
	s := newTestService(t, []*state.Host{{
		Domain:    "c.example",
		Targets:   []string{"127.0.0.1:1"},
		SSLForced: true,
	}}, nil)

	w := doRequest(s, httptest.NewRequest("GET", "http://c.example/k?v=2", nil))
	if w.Code != http.StatusMovedPermanently {
		t.Fatalf("status = %d, want 301", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "https://c.example/k?v=2" {
		t.Errorf("Location = %q", loc)
	}
}

func TestSSLForcedHonorsTrustedForwardedProto(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer backend.Close()

	s := newTestService(t, []*state.Host{{
		Domain:    "c.example",
		Targets:   []string{backend.Listener.Addr().String()},
		Scheme:    "http",
		SSLForced: true,
	}}, nil)

	// loopback peer is trusted, so the forwarded proto counts as TLS
	// and the request goes upstream instead of redirecting
	r := httptest.NewRequest("GET", "http://c.example/k", nil)
	r.RemoteAddr = "127.0.0.1:50000"
	r.Header.Set("X-Forwarded-Proto", "https")
	w := doRequest(s, r)
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204 (proxied)", w.Code)
	}
}

func aclFixture(t *testing.T, backendAddr string) ([]*state.Host, []*state.AccessList) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("open"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	hosts := []*state.Host{{
		Domain:       "secure.example",
		Targets:      []string{backendAddr},
		Scheme:       "http",
		AccessListID: 1,
	}}
	lists := []*state.AccessList{{
		ID:      1,
		Clients: []state.AccessListClient{{Username: "alice", PasswordHash: string(hash)}},
	}}
	return hosts, lists
}

func TestBasicAuthChallenge(t *testing.T) {
	hosts, lists := aclFixture(t, "127.0.0.1:1")
	s := newTestService(t, hosts, lists)

	w := doRequest(s, httptest.NewRequest("GET", "http://secure.example/", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if got := w.Header().Get("WWW-Authenticate"); got != `Basic realm="Restricted Area"` {
		t.Errorf("WWW-Authenticate = %q", got)
	}
}

func TestBasicAuthSuccess(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer backend.Close()

	hosts, lists := aclFixture(t, backend.Listener.Addr().String())
	s := newTestService(t, hosts, lists)

	r := httptest.NewRequest("GET", "http://secure.example/", nil)
	r.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("alice:open")))
	w := doRequest(s, r)
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204 (proxied past auth)", w.Code)
	}
}

func TestBasicAuthWrongPassword(t *testing.T) {
	hosts, lists := aclFixture(t, "127.0.0.1:1")
	s := newTestService(t, hosts, lists)

	r := httptest.NewRequest("GET", "http://secure.example/", nil)
	r.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("alice:wrong")))
	if w := doRequest(s, r); w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestIPRules(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer backend.Close()

	hosts := []*state.Host{{
		Domain:       "ip.example",
		Targets:      []string{backend.Listener.Addr().String()},
		Scheme:       "http",
		AccessListID: 2,
	}}
	lists := []*state.AccessList{{
		ID:  2,
		IPs: []state.AccessListIP{{IP: "10.0.0.0", Action: "allow"}},
	}}
	s := newTestService(t, hosts, lists)

	// client not in the allow rules
	r := httptest.NewRequest("GET", "http://ip.example/", nil)
	r.RemoteAddr = "10.0.0.1:40000"
	if w := doRequest(s, r); w.Code != http.StatusForbidden {
		t.Errorf("10.0.0.1: status = %d, want 403", w.Code)
	}

	// allowed client proceeds upstream
	r = httptest.NewRequest("GET", "http://ip.example/", nil)
	r.RemoteAddr = "10.0.0.0:40000"
	if w := doRequest(s, r); w.Code != http.StatusNoContent {
		t.Errorf("10.0.0.0: status = %d, want 204", w.Code)
	}
}

func TestIPDenyRule(t *testing.T) {
	hosts := []*state.Host{{
		Domain:       "deny.example",
		Targets:      []string{"127.0.0.1:1"},
		AccessListID: 3,
	}}
	lists := []*state.AccessList{{
		ID:  3,
		IPs: []state.AccessListIP{{IP: "203.0.113.7", Action: "deny"}},
	}}
	s := newTestService(t, hosts, lists)

	r := httptest.NewRequest("GET", "http://deny.example/", nil)
	r.RemoteAddr = "203.0.113.7:40000"
	if w := doRequest(s, r); w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}
