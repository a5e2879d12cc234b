package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"swcache/internal/swcache"
)

func main() {
	_ = godotenv.Load()

	var configPath string
	flag.StringVar(&configPath, "config", getenvDefault("SWCACHE_CONFIG", "/swcache.yaml"), "path to swcache.yaml")
	flag.Parse()

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := swcache.LoadConfig(configPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", configPath).Msg("load config")
	}
	zerolog.SetGlobalLevel(cfg.LogLevel())

	// bind before leveldb is opened
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", addr).Msg("listen")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := swcache.NewService(ctx, cfg, logger)
	if err != nil {
		_ = ln.Close()
		logger.Fatal().Err(err).Msg("init service")
	}
	// after srv.Shutdown
	defer svc.Close()

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", addr).
			Str("origin", cfg.Server.Origin).
			Str("mode", cfg.Build.Mode).
			Str("script", cfg.ScriptRoute()).
			Msg("swcache listening")
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			return
		case <-hup:
			next, err := swcache.LoadConfig(configPath)
			if err != nil {
				logger.Error().Err(err).Msg("reload config")
				continue
			}
			if err := svc.Reload(ctx, next); err != nil {
				logger.Error().Err(err).Msg("reload worker")
			}
		}
	}
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
