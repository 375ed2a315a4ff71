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

	"github.com/gin-gonic/gin"

	"voice-batch-go/internal/app"
	"voice-batch-go/internal/config"
	"voice-batch-go/internal/ingest"
	"voice-batch-go/internal/logger"
	"voice-batch-go/internal/mailinglist"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.NewWithOptions(logger.Options{Environment: cfg.Environment, Level: cfg.LogLevel})
	log = log.Component("cmd/api")
	if err := cfg.Validate(); err != nil {
		log.WithError(err).WithField("fatal", true).Error("invalid configuration")
		os.Exit(1)
	}
	loc, _ := cfg.Location()

	res, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.WithError(err).WithField("fatal", true).Error("open resources")
		os.Exit(1)
	}
	defer res.Close()

	opts := ingest.Options{
		Store:          res.Store,
		RootFolderID:   cfg.ParentFolderID,
		MaxUploadBytes: int64(cfg.MaxUploadMB) << 20,
		Location:       loc,
		Logger:         log,
	}
	if cfg.MailingListPath != "" {
		opts.Signups = mailinglist.New(cfg.MailingListPath)
	} else {
		log.Warn("MAILING_LIST_PATH not set, saveEmail is disabled")
	}

	if cfg.Environment != "" && cfg.Environment != "local" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := ingest.NewEngine(ingest.NewAPI(opts))

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("server terminated")
		}
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("graceful shutdown failed")
		}
	}
}
