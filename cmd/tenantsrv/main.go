package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tansive/tenantsrv/internal/common/logtrace"
	"github.com/tansive/tenantsrv/internal/tenantsrv/app"
	"github.com/tansive/tenantsrv/internal/tenantsrv/config"
	"github.com/tansive/tenantsrv/internal/tenantsrv/server"
)

type cmdoptions struct {
	configFile *string
}

func main() {
	opt := parseFlags()

	if err := config.LoadConfig(*opt.configFile); err != nil {
		fmt.Fprintf(os.Stderr, "unable to load config file %s: %v\n", *opt.configFile, err)
		os.Exit(1)
	}
	cfg := config.Config()
	logtrace.InitLogger(cfg.LogLevel, cfg.LogConsole)

	slog := log.With().Str("state", "init").Logger()
	slog.Info().Str("config_file", *opt.configFile).Msg("config loaded")
	if cfg.ServerPort == "" {
		slog.Error().Msg("server port not defined")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg)
	if err != nil {
		slog.Error().Err(err).Msg("unable to open tenant service")
		os.Exit(1)
	}
	defer a.Close()

	s, err := a.Server()
	if err != nil {
		slog.Error().Err(err).Msg("unable to create server")
		os.Exit(1)
	}

	if interval := cfg.Backup.GetSweepInterval(); interval > 0 {
		go server.RunSweeper(log.Logger.WithContext(ctx), a.Archiver, interval)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown")
		}
	}()

	log.Info().Str("addr", srv.Addr).Msg("tenant service listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("server stopped")
		stop()
		a.Close()
		os.Exit(1)
	}
	log.Info().Msg("tenant service stopped")
}

func parseFlags() cmdoptions {
	var opt cmdoptions
	opt.configFile = flag.String("config", config.DefaultConfigFile, "Path to the config file")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [options]\n\n", os.Args[0])
		fmt.Println("Options:")
		flag.PrintDefaults()
	}
	flag.Parse()
	return opt
}
