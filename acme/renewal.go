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

package acme

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/DDULDDUCK/proxy-manager/db"
)

// Renewal scan cadence and window. Failed renewals are retried on
// the next tick with no back-off; an hour between attempts is slow
// enough for any ACME rate limit.
const (
	renewalInterval = time.Hour
	renewalWindow   = 30 * 24 * time.Hour
)

// ExpiryStore lists certificates due for renewal. *db.DB satisfies it.
type ExpiryStore interface {
	ExpiringCerts(before int64) ([]db.Cert, error)
}

// Scheduler periodically renews certificates approaching expiry.
type Scheduler struct {
	agent  *Agent
	store  ExpiryStore
	logger *zap.Logger
}

// NewScheduler returns a scheduler dispatching into agent.
func NewScheduler(agent *Agent, store ExpiryStore, logger *zap.Logger) *Scheduler {
	return &Scheduler{agent: agent, store: store, logger: logger}
}

// Run blocks until ctx is cancelled, scanning hourly.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(renewalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.renewExpiring(ctx)
		}
	}
}

func (s *Scheduler) renewExpiring(ctx context.Context) {
	s.logger.Info("checking for expiring certificates")
	before := time.Now().Add(renewalWindow).Unix()
	certs, err := s.store.ExpiringCerts(before)
	if err != nil {
		s.logger.Error("querying expiring certificates", zap.Error(err))
		return
	}
	for _, cert := range certs {
		s.logger.Info("renewing certificate", zap.String("domain", cert.Domain))
		if err := s.agent.Request(ctx, cert.Domain, cert.ProviderID); err != nil {
			s.logger.Error("renewal failed",
				zap.String("domain", cert.Domain), zap.Error(err))
		}
	}
}
