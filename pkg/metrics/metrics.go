// Copyright 2025 The morpheus-go Authors
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

// package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	// ConnectionsTotal is a counter for the total number of accepted connections.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "morpheus_connections_total",
		Help: "The total number of connections made to the relay.",
	})

	// ActiveSessions is the number of sessions currently registered.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "morpheus_active_sessions",
		Help: "The number of client sessions currently registered.",
	})

	// MessagesRouted counts successfully routed messages by addressing mode.
	MessagesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "morpheus_messages_routed_total",
		Help: "The total number of messages accepted by the router.",
	},
		[]string{"kind"},
	)

	// Deliveries counts per-recipient deliveries by result (enqueued, dropped).
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "morpheus_deliveries_total",
		Help: "The total number of per-recipient deliveries attempted.",
	},
		[]string{"result"},
	)

	// Acknowledgments counts acknowledgments by resulting state.
	Acknowledgments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "morpheus_acknowledgments_total",
		Help: "The total number of acknowledgments recorded.",
	},
		[]string{"state"},
	)

	// Rejections counts refused messages by error code.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "morpheus_rejections_total",
		Help: "The total number of messages rejected by the router or a session.",
	},
		[]string{"code"},
	)

	// SupervisorRestartsTotal is a counter for the total number of supervisor restarts.
	SupervisorRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "morpheus_supervisor_restarts_total",
		Help: "The total number of times a supervised actor has been restarted.",
	},
		[]string{"actor_id"},
	)
)

// Handler returns the HTTP handler exposing the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is canceled.
func Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ServeListener(ctx, ln)
}

// ServeListener exposes /metrics on an existing listener until ctx is canceled.
func ServeListener(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", ln.Addr().String()).Msg("metrics server listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
