package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/filipsuk/lineheat/internal/config"
	"github.com/filipsuk/lineheat/internal/eventstore"
	"github.com/filipsuk/lineheat/internal/httpapi"
	"github.com/filipsuk/lineheat/internal/hub"
	"github.com/filipsuk/lineheat/internal/logging"
	"github.com/filipsuk/lineheat/internal/safego"
)

func main() {
	_ = godotenv.Load()
	logging.Configure()

	cfg, err := config.Load()
	if err != nil {
		logging.Log.WithError(err).Fatal("invalid configuration")
	}

	store, err := eventstore.Open(cfg.SQLitePath)
	if err != nil {
		logging.Log.WithError(err).Fatal("failed to open event store")
	}

	h, err := hub.New(cfg.Token, cfg.RetentionDays, store)
	if err != nil {
		logging.Log.WithError(err).Fatal("failed to start hub")
	}

	ctx, cancelTasks := context.WithCancel(context.Background())
	safego.Go(func() { h.RunPeriodicTasks(ctx) })

	router := httpapi.NewRouter(h, cfg.RetentionDays, cfg.BehindProxy)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logging.Log.WithField("addr", srv.Addr).Info("lineheat server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Log.WithError(err).Fatal("http server error")
		}
	}()

	waitForShutdown(srv, cancelTasks, h)
}

func waitForShutdown(srv *http.Server, cancelTasks context.CancelFunc, h *hub.Hub) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logging.Log.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	cancelTasks()
	if err := h.Close(); err != nil {
		logging.Log.WithError(err).Warn("error closing connections or event store")
	}
}
