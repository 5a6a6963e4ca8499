package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/provgate/provgate/cmd/provgate/commands"
	"github.com/provgate/provgate/pkg/config"
	"github.com/provgate/provgate/pkg/telemetry"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	log.Logger = bootstrapLogger(os.Stderr, os.LookupEnv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received interrupt signal, shutting down...")
		cancel()
	}()

	if err := commands.Execute(ctx, Version, Commit, BuildDate); err != nil {
		log.Error().Err(err).Msg("Command execution failed")
		os.Exit(1)
	}
}

// bootstrapLogger builds the logger used until the process configuration
// is loaded. It honors PROVGATE_LOG_LEVEL with the same level names as the
// configured telemetry logger.
func bootstrapLogger(w io.Writer, lookup func(string) (string, bool)) zerolog.Logger {
	level, _ := lookup(config.EnvPrefix + "LOG_LEVEL")
	return zerolog.New(zerolog.ConsoleWriter{Out: w, NoColor: true}).
		Level(telemetry.ParseLogLevel(level)).
		With().
		Timestamp().
		Str("service", "provgate").
		Str("version", Version).
		Logger()
}
