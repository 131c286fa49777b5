package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/mcdev12/roomnode/go/internal/config"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	setupLogging(cfg)

	node, err := setupNode(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up room node")
	}
	server := setupServer(cfg, node)

	log.Info().
		Str("mac", node.mac).
		Str("http_addr", cfg.HTTPAddr).
		Bool("debug", cfg.Debug).
		Dur("game_length", cfg.GameLength).
		Msg("starting room node")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go node.hub.Run(ctx)

	machineDone := make(chan struct{})
	go func() {
		defer close(machineDone)
		if err := node.machine.Run(ctx); err != nil {
			log.Error().Err(err).Msg("state machine stopped")
		}
	}()

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	node.machine.Start()

	// Wait for an interrupt or for the room to be told to power off.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var action hostAction
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case action = <-node.hostActions:
		log.Info().Str("action", string(action)).Msg("host action requested")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	cancel()
	<-machineDone
	node.close()

	if err := node.runHostAction(shutdownCtx, action); err != nil {
		log.Error().Err(err).Str("action", string(action)).Msg("host action failed")
	}

	log.Info().Msg("room node shutdown complete")
}
