// Package app builds the shared collaborators of both commands from the
// loaded configuration.
package app

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"voice-batch-go/internal/batch"
	"voice-batch-go/internal/config"
	"voice-batch-go/internal/errorlog"
	"voice-batch-go/internal/lock"
	"voice-batch-go/internal/logger"
	"voice-batch-go/internal/notify"
	"voice-batch-go/internal/processor"
	"voice-batch-go/internal/store"
	"voice-batch-go/internal/store/localfs"
	"voice-batch-go/internal/store/s3store"
	"voice-batch-go/internal/transcription"
)

// Resources holds what both commands share. Close releases the
// connections it opened.
type Resources struct {
	Store    store.Store
	Locker   lock.Locker
	Recorder *errorlog.Recorder
	closers  []func() error
}

func (r *Resources) Close() error {
	var first error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	r.closers = nil
	return first
}

func Open(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Resources, error) {
	res := &Resources{}

	st, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	res.Store = st

	switch cfg.LockBackend {
	case "redis":
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		res.closers = append(res.closers, rdb.Close)
		res.Locker = lock.NewRedis(rdb, lock.DefaultLease)
		log.WithField("addr", cfg.RedisAddr).Info("using redis lock")
	default:
		res.Locker = lock.NewLocal()
	}

	res.Recorder = errorlog.New(res.Store, res.Locker, log, errorlog.WithWait(cfg.LockWait))
	return res, nil
}

func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case "s3":
		return s3store.New(ctx, s3store.Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
	case "local", "":
		return localfs.New(cfg.StoreRoot)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// NewSender picks SMTP delivery when a host is configured and falls back to
// logging the message otherwise.
func NewSender(cfg *config.Config, log *logger.Logger) (notify.Sender, error) {
	if cfg.SMTPHost == "" {
		log.Warn("SMTP_HOST not set, notifications are only logged")
		return notify.NewLogSender(log), nil
	}
	from := cfg.SMTPFrom
	if from == "" {
		from = cfg.SMTPUsername
	}
	return notify.NewSMTPSender(notify.SMTPOptions{
		Host:       cfg.SMTPHost,
		Port:       cfg.SMTPPort,
		Username:   cfg.SMTPUsername,
		Password:   cfg.SMTPPassword,
		From:       from,
		SenderName: cfg.NotifySenderName,
	})
}

func NewTranscriber(cfg *config.Config, log *logger.Logger) *transcription.Client {
	return transcription.New(transcription.Options{
		BaseURL:    cfg.GeminiBaseURL,
		Model:      cfg.GeminiModel,
		APIKey:     cfg.GeminiAPIKey,
		Timeout:    cfg.GeminiTimeout,
		MaxRetries: cfg.GeminiMaxRetries,
		Logger:     log,
	})
}

// NewScanner assembles the batch scanner over already opened resources.
func NewScanner(cfg *config.Config, res *Resources, tr transcription.Transcriber, sender notify.Sender, log *logger.Logger) (*batch.Scanner, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", cfg.Timezone, err)
	}
	proc := processor.New(processor.Options{
		Store:        res.Store,
		Transcriber:  tr,
		Sender:       sender,
		Recorder:     res.Recorder,
		Logger:       log,
		MirrorFolder: cfg.TranscriptsFolderID,
		Compose: notify.ComposeOptions{
			To:       cfg.NotifyEmail,
			Prefix:   cfg.NotifySubjectPrefix,
			Location: loc,
		},
	})
	return batch.New(cfg.Batch(), batch.Deps{
		Store:     res.Store,
		Processor: proc,
		Recorder:  res.Recorder,
		Sender:    sender,
		Logger:    log,
		Clock:     batch.SystemClock{},
	}), nil
}
