// Command consentd serves the vault unlock and consent token API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hushh-labs/consent-protocol-sub006/internal/app"
	"github.com/hushh-labs/consent-protocol-sub006/internal/config"
	"github.com/hushh-labs/consent-protocol-sub006/internal/platform"
	"github.com/hushh-labs/consent-protocol-sub006/internal/server"
)

// Version is set at build time
var Version = "dev"

type options struct {
	ConfigFile  string `short:"C" long:"config" description:"Path to configuration file" default:"consentd.yaml"`
	Listen      string `short:"l" long:"listen" description:"HTTP listen address (overrides config)"`
	LogLevel    string `short:"d" long:"loglevel" description:"Logging level {trace, debug, info, warn, error}"`
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
}

func main() {
	var opts options
	parser := flags.NewNamedParser("consentd", flags.Default)
	if _, err := parser.AddGroup("Application Options", "", &opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if _, err := parser.Parse(); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
	if opts.ShowVersion {
		fmt.Println("consentd", Version)
		return
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	logger, err := app.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid log configuration")
	}
	log.Logger = logger

	if err := platform.DisableCoreDumps(); err != nil {
		log.Warn().Err(err).Msg("Could not disable core dumps")
	}
	if cfg.Keyring.Ephemeral {
		log.Warn().Msg("Ephemeral signing key: consent tokens will not survive a restart")
	}

	if err := run(cfg, logger); err != nil {
		log.Fatal().Err(err).Msg("consentd failed")
	}
	log.Info().Msg("Shutdown complete")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error().Err(err).Msg("Close failed")
		}
	}()

	srv, err := server.New(server.Config{
		UnlockPerMinute: cfg.RateLimit.UnlockPerMinute,
		UnlockBurst:     cfg.RateLimit.UnlockBurst,
		MaxFailures:     cfg.RateLimit.MaxFailures,
		TrustProxy:      cfg.RateLimit.TrustProxy,
		Logger:          logger,
	}, a.Wrappers, a.Unlocker, a.Consent)
	if err != nil {
		return err
	}
	defer srv.Close()

	hs := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info().
			Str("version", Version).
			Str("listen", cfg.Listen).
			Str("storage", cfg.Storage.Driver).
			Msg("consentd listening")
		errc <- hs.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info().Msg("Received shutdown signal")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return hs.Shutdown(shutdownCtx)
}
