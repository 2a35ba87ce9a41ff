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

package streams

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	udpBufferSize     = 65535
	udpSessionTimeout = 60 * time.Second
)

// udpRelay forwards datagrams between clients of one listener and
// the upstream, keeping a per-client session so replies reach the
// client that sent the request. Sessions die after 60 s of upstream
// silence.
type udpRelay struct {
	listener    *net.UDPConn
	forwardAddr string
	logger      *zap.Logger
	gauge       prometheus.Gauge

	mu       sync.Mutex
	sessions map[string]*net.UDPConn
}

func newUDPRelay(listener *net.UDPConn, forwardAddr string, logger *zap.Logger, gauge prometheus.Gauge) *udpRelay {
	return &udpRelay{
		listener:    listener,
		forwardAddr: forwardAddr,
		logger:      logger,
		gauge:       gauge,
		sessions:    make(map[string]*net.UDPConn),
	}
}

func (u *udpRelay) run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		u.listener.Close()
	}()
	buf := make([]byte, udpBufferSize)
	for {
		n, clientAddr, err := u.listener.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				u.closeAll()
				return
			}
			u.logger.Debug("udp read", zap.Error(err))
			continue
		}

		upstream, err := u.session(clientAddr)
		if err != nil {
			u.logger.Error("opening udp upstream",
				zap.String("upstream", u.forwardAddr), zap.Error(err))
			continue
		}
		// UDP does not queue: a packet the upstream cannot take is dropped
		if _, err := upstream.Write(buf[:n]); err != nil {
			u.logger.Debug("forwarding udp packet", zap.Error(err))
		}
	}
}

// session returns the client's upstream socket, creating it on
// first packet. The bind/connect happens outside the session lock;
// on a race the loser's socket is discarded and the winner kept.
func (u *udpRelay) session(clientAddr *net.UDPAddr) (*net.UDPConn, error) {
	key := clientAddr.String()

	u.mu.Lock()
	existing := u.sessions[key]
	u.mu.Unlock()
	if existing != nil {
		return existing, nil
	}

	raddr, err := net.ResolveUDPAddr("udp", u.forwardAddr)
	if err != nil {
		return nil, err
	}
	fresh, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}

	u.mu.Lock()
	if winner := u.sessions[key]; winner != nil {
		u.mu.Unlock()
		fresh.Close()
		return winner, nil
	}
	u.sessions[key] = fresh
	u.mu.Unlock()

	u.gauge.Inc()
	go u.returnLoop(fresh, clientAddr)
	return fresh, nil
}

// returnLoop reads upstream replies and sends them back to the
// client through the listener socket. On idle timeout or error it
// removes its session entry and exits.
func (u *udpRelay) returnLoop(upstream *net.UDPConn, clientAddr *net.UDPAddr) {
	defer func() {
		u.mu.Lock()
		delete(u.sessions, clientAddr.String())
		u.mu.Unlock()
		upstream.Close()
		u.gauge.Dec()
	}()
	buf := make([]byte, udpBufferSize)
	for {
		if err := upstream.SetReadDeadline(time.Now().Add(udpSessionTimeout)); err != nil {
			return
		}
		n, err := upstream.Read(buf)
		if err != nil {
			u.logger.Debug("udp session closed",
				zap.String("client", clientAddr.String()), zap.Error(err))
			return
		}
		if _, err := u.listener.WriteToUDP(buf[:n], clientAddr); err != nil {
			u.logger.Debug("sending udp reply", zap.Error(err))
			return
		}
	}
}

func (u *udpRelay) closeAll() {
	u.mu.Lock()
	defer u.mu.Unlock()
	for key, conn := range u.sessions {
		conn.Close()
		delete(u.sessions, key)
	}
}
