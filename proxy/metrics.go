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
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks data-plane traffic two ways: Prometheus counters
// for scraping, and resettable atomics the stats flusher drains into
// the store once a minute.
type Metrics struct {
	requests prometheus.Counter
	bytes    prometheus.Counter
	byClass  *prometheus.CounterVec

	totalRequests atomic.Int64
	totalBytes    atomic.Int64
	status2xx     atomic.Int64
	status4xx     atomic.Int64
	status5xx     atomic.Int64
}

// NewMetrics registers the proxy counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "proxy_manager",
			Name:      "requests_total",
			Help:      "Requests handled by the data plane.",
		}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "proxy_manager",
			Name:      "response_bytes_total",
			Help:      "Response body bytes sent downstream.",
		}),
		byClass: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proxy_manager",
			Name:      "responses_total",
			Help:      "Responses bucketed by status class.",
		}, []string{"class"}),
	}
	reg.MustRegister(m.requests, m.bytes, m.byClass)
	return m
}

// Observe records one completed request.
func (m *Metrics) Observe(status int, bodyBytes int64) {
	m.requests.Inc()
	m.bytes.Add(float64(bodyBytes))
	m.totalRequests.Add(1)
	m.totalBytes.Add(bodyBytes)
	switch {
	case status >= 200 && status < 300:
		m.byClass.WithLabelValues("2xx").Inc()
		m.status2xx.Add(1)
	case status >= 400 && status < 500:
		m.byClass.WithLabelValues("4xx").Inc()
		m.status4xx.Add(1)
	case status >= 500:
		m.byClass.WithLabelValues("5xx").Inc()
		m.status5xx.Add(1)
	}
}

// Flush returns the counters accumulated since the previous flush
// and resets them.
func (m *Metrics) Flush() (requests, bytes, s2xx, s4xx, s5xx int64) {
	return m.totalRequests.Swap(0),
		m.totalBytes.Swap(0),
		m.status2xx.Swap(0),
		m.status4xx.Swap(0),
		m.status5xx.Swap(0)
}
