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
	"io"
	"net"
	"time"

	"go.uber.org/zap"
)

// tcpSessionCeiling bounds the lifetime of one forwarded TCP
// connection.
const tcpSessionCeiling = 300 * time.Second

// forwardTCP accepts connections until ctx is cancelled, copying
// bytes both ways between each client and the upstream.
func forwardTCP(ctx context.Context, ln net.Listener, forwardAddr string, logger *zap.Logger) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		inbound, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Debug("tcp accept", zap.Error(err))
			continue
		}
		go proxyTCPConn(ctx, inbound, forwardAddr, logger)
	}
}

func proxyTCPConn(ctx context.Context, inbound net.Conn, forwardAddr string, logger *zap.Logger) {
	defer inbound.Close()

	outbound, err := net.Dial("tcp", forwardAddr)
	if err != nil {
		logger.Error("connecting to upstream",
			zap.String("upstream", forwardAddr), zap.Error(err))
		return
	}
	defer outbound.Close()

	connCtx, cancel := context.WithTimeout(ctx, tcpSessionCeiling)
	defer cancel()

	done := make(chan struct{}, 2)
	copyHalf := func(dst, src net.Conn) {
		_, err := io.Copy(dst, src)
		if err != nil {
			logger.Debug("tcp copy finished",
				zap.String("client", inbound.RemoteAddr().String()), zap.Error(err))
		}
		// unblock the opposite copy
		if tc, ok := dst.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
		done <- struct{}{}
	}
	go copyHalf(outbound, inbound)
	go copyHalf(inbound, outbound)

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-connCtx.Done():
			// timeout or shutdown tears both sockets down, which
			// unblocks the copies
			inbound.Close()
			outbound.Close()
		}
	}
}
