package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"voice-batch-go/internal/app"
	"voice-batch-go/internal/batch"
	"voice-batch-go/internal/config"
	"voice-batch-go/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:]))
}

func run(ctx context.Context, args []string) int {
	flags := pflag.NewFlagSet("batch", pflag.ContinueOnError)
	once := flags.Bool("once", true, "run a single invocation and exit")
	every := flags.Duration("every", 0, "run repeatedly at this interval (overrides --once)")
	check := flags.Bool("check", false, "verify configuration, folders and email delivery, then exit")
	envFile := flags.String("env-file", "", "load variables from this file before the environment")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	var opts []config.Option
	if *envFile != "" {
		opts = append(opts, config.WithEnvFile(*envFile))
	}
	cfg, err := config.Load(opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	log := logger.NewWithOptions(logger.Options{Environment: cfg.Environment, Level: cfg.LogLevel})
	log = log.Component("cmd/batch")
	if err := cfg.Validate(); err != nil {
		log.WithError(err).WithField("fatal", true).Error("invalid configuration")
		return 1
	}

	res, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.WithError(err).WithField("fatal", true).Error("open resources")
		return 1
	}
	defer func() {
		if err := res.Close(); err != nil {
			log.WithError(err).Warn("close resources")
		}
	}()

	sender, err := app.NewSender(cfg, log)
	if err != nil {
		log.WithError(err).WithField("fatal", true).Error("build email sender")
		return 1
	}
	scanner, err := app.NewScanner(cfg, res, app.NewTranscriber(cfg, log), sender, log)
	if err != nil {
		log.WithError(err).WithField("fatal", true).Error("build scanner")
		return 1
	}

	if *check {
		if err := scanner.Check(ctx); err != nil {
			log.WithError(err).Error("self-test failed")
			return 1
		}
		log.Info("self-test passed")
		return 0
	}

	if *every <= 0 && *once {
		if _, err := scanner.Run(ctx); err != nil {
			return 1
		}
		return 0
	}

	interval := *every
	if interval <= 0 {
		interval = cfg.BatchInterval
	}
	loop(ctx, scanner, interval, log)
	return 0
}

// loop triggers one run per tick. Runs never overlap: a run that outlasts
// the interval delays the next tick instead of stacking.
func loop(ctx context.Context, scanner *batch.Scanner, interval time.Duration, log *logger.Logger) {
	log.WithField("interval", interval.String()).Info("trigger loop started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := scanner.Run(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("run ended with error")
		}
		select {
		case <-ctx.Done():
			log.Info("trigger loop stopped")
			return
		case <-ticker.C:
		}
	}
}
