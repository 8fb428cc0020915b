// SPDX-License-Identifier: AGPL-3.0-only
// Provenance-includes-location: https://github.com/cortexproject/cortex/blob/master/tools/querytee/instrumentation.go
// Provenance-includes-license: Apache-2.0
// Provenance-includes-copyright: The Cortex Authors.

package instrumentation

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type route struct {
	path    string
	handler http.Handler
}

type MetricsServer struct {
	port     int
	registry *prometheus.Registry
	logger   log.Logger
	routes   []route

	srv      *http.Server
	listener net.Listener
}

// NewMetricsServer returns a server exposing Prometheus metrics on /metrics, plus any route added with Handle.
func NewMetricsServer(port int, registry *prometheus.Registry, logger log.Logger) *MetricsServer {
	return &MetricsServer{
		port:     port,
		logger:   logger,
		registry: registry,
	}
}

// Handle adds a GET route to the server. It must be called before Start.
func (s *MetricsServer) Handle(path string, handler http.Handler) {
	s.routes = append(s.routes, route{path: path, handler: handler})
}

// Start the instrumentation server.
func (s *MetricsServer) Start() error {
	// Setup listener first, so we can fail early if the port is in use.
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return err
	}

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	for _, r := range s.routes {
		router.Handle(r.path, r.handler).Methods(http.MethodGet)
	}

	s.listener = listener
	s.srv = &http.Server{
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func(srv *http.Server) {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			level.Error(s.logger).Log("msg", "metrics server terminated", "err", err)
		}
	}(s.srv)

	level.Info(s.logger).Log("msg", "metrics server listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the address the server listens on, or nil if it hasn't been started.
func (s *MetricsServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the instrumentation server.
func (s *MetricsServer) Stop() {
	if s.srv != nil {
		s.srv.Close()
		s.srv = nil
		s.listener = nil
	}
}
