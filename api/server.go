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

// Package api is the operator-facing control plane: a thin REST
// surface that persists routing intent and pokes the data plane to
// reload. It never sits on the request path.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/DDULDDUCK/proxy-manager/acme"
	"github.com/DDULDDUCK/proxy-manager/db"
	"github.com/DDULDDUCK/proxy-manager/state"
	"github.com/DDULDDUCK/proxy-manager/streams"
)

// Server is the control plane.
type Server struct {
	db        *db.DB
	loader    *state.Loader
	streams   *streams.Manager
	agent     *acme.Agent
	registry  *prometheus.Registry
	logger    *zap.Logger
	jwtSecret []byte

	httpServer *http.Server
}

// Config assembles a control-plane server.
type Config struct {
	DB        *db.DB
	Loader    *state.Loader
	Streams   *streams.Manager
	Agent     *acme.Agent
	Registry  *prometheus.Registry
	Logger    *zap.Logger
	JWTSecret []byte
}

// NewServer wires the REST routes.
func NewServer(cfg Config) *Server {
	s := &Server{
		db:        cfg.DB,
		loader:    cfg.Loader,
		streams:   cfg.Streams,
		agent:     cfg.Agent,
		registry:  cfg.Registry,
		logger:    cfg.Logger,
		jwtSecret: cfg.JWTSecret,
	}
	return s
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/api/auth/login", s.handleLogin)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Route("/api/hosts", func(r chi.Router) {
			r.Get("/", s.listHosts)
			r.Post("/", s.createHost)
			r.Put("/{id}", s.updateHost)
			r.Delete("/{id}", s.deleteHost)
		})
		r.Route("/api/access-lists", func(r chi.Router) {
			r.Get("/", s.listAccessLists)
			r.Post("/", s.createAccessList)
			r.Delete("/{id}", s.deleteAccessList)
		})
		r.Route("/api/streams", func(r chi.Router) {
			r.Get("/", s.listStreams)
			r.Post("/", s.createStream)
			r.Delete("/{id}", s.deleteStream)
		})
		r.Route("/api/dns-providers", func(r chi.Router) {
			r.Get("/", s.listDNSProviders)
			r.Post("/", s.createDNSProvider)
			r.Delete("/{id}", s.deleteDNSProvider)
		})
		r.Post("/api/certs/{domain}/request", s.requestCert)
		r.Get("/api/certs", s.listCerts)
		r.Get("/api/stats", s.stats)
	})
	return r
}

// Start serves the control plane until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control plane listening", zap.String("addr", addr))
		errCh <- s.httpServer.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
