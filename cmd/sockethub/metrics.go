// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bureau-foundation/sockethub/lib/version"
)

// metrics are the dispatcher's prometheus collectors. A nil *metrics
// records nothing, so tests can leave it out.
type metrics struct {
	jobs             *prometheus.CounterVec
	instances        prometheus.Gauge
	sessions         prometheus.Gauge
	janitorDestroyed prometheus.Counter
	rejections       *prometheus.CounterVec
}

func newMetrics(registerer prometheus.Registerer) *metrics {
	m := &metrics{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sockethub_jobs_total",
			Help: "Settled jobs by platform and result.",
		}, []string{"platform", "result"}),
		instances: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sockethub_platform_instances",
			Help: "Live platform instances.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sockethub_sessions",
			Help: "Connected client sessions.",
		}),
		janitorDestroyed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sockethub_janitor_destroyed_total",
			Help: "Platform instances destroyed for having no sessions.",
		}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sockethub_middleware_rejections_total",
			Help: "Client events rejected by a middleware chain.",
		}, []string{"chain"}),
	}
	buildInfo := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "sockethub_build_info",
		Help:        "Build information of the running dispatcher.",
		ConstLabels: prometheus.Labels{"version": version.Version, "commit": version.GitCommit},
	})
	buildInfo.Set(1)
	registerer.MustRegister(m.jobs, m.instances, m.sessions, m.janitorDestroyed, m.rejections, buildInfo)
	return m
}

func (m *metrics) jobSettled(platformName, result string) {
	if m != nil {
		m.jobs.WithLabelValues(platformName, result).Inc()
	}
}

func (m *metrics) instanceAdded() {
	if m != nil {
		m.instances.Inc()
	}
}

func (m *metrics) instanceRemoved() {
	if m != nil {
		m.instances.Dec()
	}
}

func (m *metrics) sessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *metrics) sessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

func (m *metrics) janitorDestroyedInstance() {
	if m != nil {
		m.janitorDestroyed.Inc()
	}
}

func (m *metrics) rejected(chain string) {
	if m != nil {
		m.rejections.WithLabelValues(chain).Inc()
	}
}
