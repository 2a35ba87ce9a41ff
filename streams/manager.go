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

// Package streams supervises the L4 data plane: one TCP or UDP
// forwarder per configured listen port, tracking the persisted
// stream table.
package streams

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/DDULDDUCK/proxy-manager/db"
)

// Source is the slice of the store the manager reads on reload.
// *db.DB satisfies it.
type Source interface {
	ListStreams() ([]db.Stream, error)
}

// Manager owns the listen_port → forwarder mapping. At most one
// forwarder is live per port.
type Manager struct {
	source   Source
	logger   *zap.Logger
	sessions *prometheus.GaugeVec

	mu    sync.Mutex
	tasks map[int]*forwarder
}

type forwarder struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager returns a manager with no forwarders running.
func NewManager(source Source, logger *zap.Logger, reg prometheus.Registerer) *Manager {
	m := &Manager{
		source: source,
		logger: logger,
		tasks:  make(map[int]*forwarder),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "proxy_manager",
			Name:      "stream_udp_sessions",
			Help:      "Live UDP relay sessions per listen port.",
		}, []string{"port"}),
	}
	if reg != nil {
		reg.MustRegister(m.sessions)
	}
	return m
}

// Reload stops every forwarder, reads the stream table, and starts
// one forwarder per row. Individual bind failures are logged and
// leave that port unbound.
func (m *Manager) Reload() error {
	m.StopAll()
	rows, err := m.source.ListStreams()
	if err != nil {
		return fmt.Errorf("reading stream table: %w", err)
	}
	started := 0
	for _, s := range rows {
		if err := m.Start(s.ListenPort, s.ForwardHost, s.ForwardPort, s.Protocol); err != nil {
			m.logger.Error("starting stream",
				zap.Int("listen_port", s.ListenPort), zap.Error(err))
			continue
		}
		started++
	}
	m.logger.Info("streams reloaded", zap.Int("count", started))
	return nil
}

// Start binds a forwarder on port, stopping any forwarder already
// there. The bind happens synchronously so configuration errors
// surface to the caller; forwarding then runs in the background
// until Stop or Reload.
func (m *Manager) Start(port int, forwardHost string, forwardPort int, protocol string) error {
	m.Stop(port)

	forwardAddr := net.JoinHostPort(forwardHost, strconv.Itoa(forwardPort))
	ctx, cancel := context.WithCancel(context.Background())
	fw := &forwarder{cancel: cancel, done: make(chan struct{})}

	var serve func()
	switch strings.ToLower(protocol) {
	case "udp":
		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
		if err != nil {
			cancel()
			return fmt.Errorf("binding udp :%d: %w", port, err)
		}
		relay := newUDPRelay(conn, forwardAddr, m.logger, m.sessions.WithLabelValues(strconv.Itoa(port)))
		serve = func() { relay.run(ctx) }
	default:
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			cancel()
			return fmt.Errorf("binding tcp :%d: %w", port, err)
		}
		serve = func() { forwardTCP(ctx, ln, forwardAddr, m.logger) }
	}

	m.mu.Lock()
	m.tasks[port] = fw
	m.mu.Unlock()

	m.logger.Info("stream started",
		zap.Int("listen_port", port),
		zap.String("forward", forwardAddr),
		zap.String("protocol", strings.ToLower(protocol)))

	go func() {
		defer close(fw.done)
		serve()
	}()
	return nil
}

// Stop cancels and removes the forwarder on port, waiting for its
// listener to shut down.
func (m *Manager) Stop(port int) {
	m.mu.Lock()
	fw, ok := m.tasks[port]
	if ok {
		delete(m.tasks, port)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	fw.cancel()
	<-fw.done
	m.logger.Info("stream stopped", zap.Int("listen_port", port))
}

// StopAll tears down every forwarder.
func (m *Manager) StopAll() {
	m.mu.Lock()
	tasks := m.tasks
	m.tasks = make(map[int]*forwarder)
	m.mu.Unlock()
	for _, fw := range tasks {
		fw.cancel()
		<-fw.done
	}
}

// Ports returns the currently bound listen ports.
func (m *Manager) Ports() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ports := make([]int, 0, len(m.tasks))
	for p := range m.tasks {
		ports = append(ports, p)
	}
	return ports
}
