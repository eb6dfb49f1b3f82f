// Command slidge-gateway runs the gateway process: it loads a YAML
// configuration, wires every singleton via pkg/gateway, connects to the
// configured XEP-0114 component port, and serves until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/slidge-im/slidge-go/pkg/config"
	"github.com/slidge-im/slidge-go/pkg/gateway"
)

// shutdownTimeout bounds how long process shutdown waits for in-flight
// session tasks and adapter plugin processes to exit cleanly (spec.md
// ยง9's "bounded timeout; stuck sessions are abandoned").
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the gateway's YAML configuration")
	printExample := flag.Bool("print-example-config", false, "print the example configuration document and exit")
	flag.Parse()

	if *printExample {
		fmt.Print(config.ExampleConfig)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "slidge-gateway: %v\n", err)
		return 2
	}

	log, err := gateway.BuildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "slidge-gateway: %v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, err := gateway.New(ctx, *cfg, nil, log)
	if err != nil {
		log.Error().Err(err).Msg("slidge-gateway: failed to initialize")
		return 3
	}

	if err := gw.Connect(ctx); err != nil {
		log.Error().Err(err).Msg("slidge-gateway: failed to connect to component port")
		return 3
	}
	log.Info().Str("jid", cfg.Component.JID).Msg("slidge-gateway: connected, serving")

	<-ctx.Done()
	log.Info().Msg("slidge-gateway: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := gw.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("slidge-gateway: shutdown error")
		return 3
	}
	return 0
}
