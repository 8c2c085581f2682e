// Command tierkv-server serves a tierkv store over the RESP protocol, with
// an optional admin HTTP endpoint for health and statistics.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tierkv/tierkv/internal/config"
	"github.com/tierkv/tierkv/internal/server"
	"github.com/tierkv/tierkv/pkg/tierkv"
)

func main() {
	flag.Parse()
	cfg := config.Load()

	logger := tierkv.NewDefaultLogger()

	opts := tierkv.DefaultOptions()
	opts.Logger = logger
	store, err := tierkv.Open(cfg.Dir, opts)
	if err != nil {
		logger.Error("open store", "dir", cfg.Dir, "error", err)
		os.Exit(1)
	}

	srv := server.New(fmt.Sprintf(":%d", cfg.Port), store, logger)
	if err := srv.Listen(); err != nil {
		logger.Error("listen", "port", cfg.Port, "error", err)
		store.Close()
		os.Exit(1)
	}

	var admin *http.Server
	if cfg.AdminPort > 0 {
		admin = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.AdminPort),
			Handler: server.NewAdminHandler(store),
		}
		go func() {
			if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("admin server", "error", err)
			}
		}()
		logger.Info("admin endpoint up", "port", cfg.AdminPort)
	}

	go func() {
		if err := srv.Serve(); err != nil {
			logger.Error("serve", "error", err)
		}
	}()

	// The signal only flips a flag here; teardown runs on the main
	// goroutine where it is safe.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	if admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		admin.Shutdown(ctx)
		cancel()
	}
	srv.Shutdown()
	if err := store.Close(); err != nil {
		logger.Error("close store", "error", err)
		os.Exit(1)
	}
}
