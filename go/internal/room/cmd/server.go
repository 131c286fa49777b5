package main

import (
	"net/http"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mcdev12/roomnode/go/internal/config"
)

func setupServer(cfg config.Config, node *node) *http.Server {
	mux := http.NewServeMux()

	// Displays on the local network connect from their own origins.
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	node.hub.RegisterRoutes(mux)
	mux.Handle("/metrics", node.metrics.Handler())
	setupHealthCheck(mux, node)

	handler := c.Handler(mux)

	return &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: h2c.NewHandler(handler, &http2.Server{}),
	}
}

func setupHealthCheck(mux *http.ServeMux, node *node) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK " + node.machine.State().String())); err != nil {
			log.Warn().Err(err).Msg("failed to write health check response")
		}
	})
}
