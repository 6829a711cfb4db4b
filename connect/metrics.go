// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package connect

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "carconnect"

// Metrics counts handshakes, token operations and dispatched requests. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	logins     *prometheus.CounterVec
	tokens     *prometheus.CounterVec
	dispatches *prometheus.CounterVec
	hops       prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	const op = "NewMetrics"
	if reg == nil {
		return nil, fmt.Errorf("%s: registerer is nil: %w", op, ErrNilParameter)
	}
	m := &Metrics{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "logins_total",
			Help:      "Sign-in handshakes by result.",
		}, []string{"result"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "token_operations_total",
			Help:      "Token exchanges and refreshes by audience, operation and result.",
		}, []string{"audience", "operation", "result"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Dispatched requests by method and response class.",
		}, []string{"method", "class"}),
		hops: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "handshake_redirects",
			Help:      "Redirects followed per completed handshake.",
			Buckets:   prometheus.LinearBuckets(0, 1, maxRedirects+1),
		}),
	}
	for _, c := range []prometheus.Collector{m.logins, m.tokens, m.dispatches, m.hops} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	return m, nil
}

func resultLabel(err error) string {
	if err == nil {
		return "success"
	}
	return KindOf(err).String()
}

func (m *Metrics) login(err error) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(resultLabel(err)).Inc()
}

func (m *Metrics) token(aud Audience, operation string, err error) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues(string(aud), operation, resultLabel(err)).Inc()
}

func (m *Metrics) dispatch(method string, class Class) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(method, class.String()).Inc()
}

func (m *Metrics) redirects(n int) {
	if m == nil {
		return
	}
	m.hops.Observe(float64(n))
}
