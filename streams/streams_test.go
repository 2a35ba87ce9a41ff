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
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/DDULDDUCK/proxy-manager/db"
)

// startTCPEcho returns an echo server's address.
func startTCPEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 1024)
				for {
					n, err := c.Read(buf)
					if err != nil {
						return
					}
					if _, err := c.Write(buf[:n]); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

// startUDPEcho returns an echo server's address.
func startUDPEcho(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if _, err := conn.WriteToUDP(buf[:n], addr); err != nil {
				return
			}
		}
	}()
	return conn.LocalAddr().String()
}

func TestTCPForwarding(t *testing.T) {
	echoAddr := startTCPEcho(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go forwardTCP(ctx, ln, echoAddr, zap.NewNop())

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	msg := []byte("hello through the relay")
	if _, err := conn.Write(msg); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, len(msg))
	if _, err := readFull(conn, buf); err != nil {
		t.Fatalf("reading echo: %v", err)
	}
	if string(buf) != string(msg) {
		t.Errorf("echoed %q, want %q", buf, msg)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func newTestRelay(t *testing.T, forwardAddr string) (*udpRelay, *net.UDPAddr, context.CancelFunc) {
	t.Helper()
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_sessions"})
	relay := newUDPRelay(listener, forwardAddr, zap.NewNop(), gauge)
	ctx, cancel := context.WithCancel(context.Background())
	go relay.run(ctx)
	return relay, listener.LocalAddr().(*net.UDPAddr), cancel
}

func TestUDPRelayEchoInOrder(t *testing.T) {
	echoAddr := startUDPEcho(t)
	relay, relayAddr, cancel := newTestRelay(t, echoAddr)
	defer cancel()

	client, err := net.DialUDP("udp", nil, relayAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	// three packets in, three echoes back on the same client socket
	for i := 0; i < 3; i++ {
		msg := fmt.Sprintf("packet-%d", i)
		if _, err := client.Write([]byte(msg)); err != nil {
			t.Fatal(err)
		}
		client.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, 64)
		n, err := client.Read(buf)
		if err != nil {
			t.Fatalf("packet %d: %v", i, err)
		}
		if string(buf[:n]) != msg {
			t.Errorf("packet %d: got %q", i, buf[:n])
		}
	}

	relay.mu.Lock()
	sessions := len(relay.sessions)
	relay.mu.Unlock()
	if sessions != 1 {
		t.Errorf("expected 1 session, have %d", sessions)
	}
}

func TestUDPSessionIsolation(t *testing.T) {
	echoAddr := startUDPEcho(t)
	relay, relayAddr, cancel := newTestRelay(t, echoAddr)
	defer cancel()

	clientA, err := net.DialUDP("udp", nil, relayAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer clientA.Close()
	clientB, err := net.DialUDP("udp", nil, relayAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer clientB.Close()

	if _, err := clientA.Write([]byte("from-a")); err != nil {
		t.Fatal(err)
	}
	if _, err := clientB.Write([]byte("from-b")); err != nil {
		t.Fatal(err)
	}

	for name, client := range map[string]*net.UDPConn{"a": clientA, "b": clientB} {
		client.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, 64)
		n, err := client.Read(buf)
		if err != nil {
			t.Fatalf("client %s: %v", name, err)
		}
		if want := "from-" + name; string(buf[:n]) != want {
			t.Errorf("client %s received %q, want its own echo %q", name, buf[:n], want)
		}
	}

	// distinct clients must hold distinct upstream sockets
	relay.mu.Lock()
	a := relay.sessions[clientA.LocalAddr().String()]
	b := relay.sessions[clientB.LocalAddr().String()]
	relay.mu.Unlock()
	if a == nil || b == nil {
		t.Fatal("expected a session per client")
	}
	if a == b {
		t.Error("clients share an upstream socket")
	}
}

func TestManagerStartStop(t *testing.T) {
	echoAddr := startTCPEcho(t)
	_, portStr, _ := net.SplitHostPort(echoAddr)
	echoPort := atoiOrFail(t, portStr)

	m := NewManager(nil, zap.NewNop(), nil)
	defer m.StopAll()

	port := freePort(t)
	if err := m.Start(port, "127.0.0.1", echoPort, "tcp"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := m.Ports(); len(got) != 1 || got[0] != port {
		t.Errorf("Ports() = %v", got)
	}

	// starting again on the same port replaces the forwarder
	if err := m.Start(port, "127.0.0.1", echoPort, "tcp"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if got := m.Ports(); len(got) != 1 {
		t.Errorf("expected one forwarder after restart, have %v", got)
	}

	m.Stop(port)
	if got := m.Ports(); len(got) != 0 {
		t.Errorf("expected no forwarders after Stop, have %v", got)
	}
	// port is free again
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("port still bound after Stop: %v", err)
	}
	ln.Close()
}

type staticSource []db.Stream

func (s staticSource) ListStreams() ([]db.Stream, error) { return s, nil }

func TestManagerReload(t *testing.T) {
	echoAddr := startTCPEcho(t)
	_, portStr, _ := net.SplitHostPort(echoAddr)
	echoPort := atoiOrFail(t, portStr)

	port := freePort(t)
	source := staticSource{{ListenPort: port, ForwardHost: "127.0.0.1", ForwardPort: echoPort, Protocol: "tcp"}}
	m := NewManager(source, zap.NewNop(), nil)
	defer m.StopAll()

	if err := m.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := m.Ports(); len(got) != 1 || got[0] != port {
		t.Errorf("Ports() = %v", got)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func atoiOrFail(t *testing.T, s string) int {
	t.Helper()
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		t.Fatal(err)
	}
	return n
}
