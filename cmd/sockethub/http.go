// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bureau-foundation/sockethub/lib/redisconn"
)

// healthTimeout bounds the Redis ping of a health check.
const healthTimeout = 2 * time.Second

// healthResponse is the body of /healthz.
type healthResponse struct {
	Status    string `json:"status"`
	Redis     string `json:"redis"`
	Instances int    `json:"instances"`
	Sessions  int    `json:"sessions"`
}

// routes assembles the dispatcher's HTTP surface.
func routes(socketPath string, sockets http.Handler, gatherer prometheus.Gatherer, health http.HandlerFunc) *mux.Router {
	router := mux.NewRouter()
	router.Handle(socketPath, sockets)
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/healthz", health).Methods(http.MethodGet)
	return router
}

// healthHandler reports Redis reachability and instance and session
// counts. It answers 503 when Redis does not respond.
func healthHandler(pinger redisconn.Pinger, manager *processManager, transport transport) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := healthResponse{
			Status:    "ok",
			Redis:     "ok",
			Instances: manager.registry.count(),
			Sessions:  transport.Count(),
		}
		status := http.StatusOK

		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := pinger.Ping(ctx).Err(); err != nil {
			response.Status = "degraded"
			response.Redis = err.Error()
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(response)
	}
}
