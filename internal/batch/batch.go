// Package batch is the scheduled scanner: it walks the record store under a
// wall-clock budget, claims unprocessed submissions, hands them to the
// processor and rolls claims back when the failure is worth retrying.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"voice-batch-go/internal/apperr"
	"voice-batch-go/internal/config"
	"voice-batch-go/internal/errorlog"
	"voice-batch-go/internal/logger"
	"voice-batch-go/internal/notify"
	"voice-batch-go/internal/pipeline"
	"voice-batch-go/internal/processor"
	"voice-batch-go/internal/store"
	"voice-batch-go/internal/types"
)

// RecordProcessor is satisfied by *processor.Processor.
type RecordProcessor interface {
	Process(ctx context.Context, folder store.Folder, rec types.SubmissionRecord) (processor.Result, error)
}

// Result summarizes one run. Processed counts every claimed record that was
// handed to the processor, whatever the outcome.
type Result struct {
	Processed       int
	Claimed         int
	RolledBack      int
	Failed          int
	Skipped         int
	Reclaimed       int
	BudgetExhausted bool
	Elapsed         time.Duration
}

type Deps struct {
	Store     store.Store
	Processor RecordProcessor
	Recorder  *errorlog.Recorder
	Sender    notify.Sender
	Logger    *logger.Logger
	Clock     Clock
}

type Scanner struct {
	cfg      config.BatchConfig
	store    store.Store
	proc     RecordProcessor
	recorder *errorlog.Recorder
	sender   notify.Sender
	log      *logger.Logger
	clock    Clock
}

func New(cfg config.BatchConfig, deps Deps) *Scanner {
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	return &Scanner{
		cfg:      cfg,
		store:    deps.Store,
		proc:     deps.Processor,
		recorder: deps.Recorder,
		sender:   deps.Sender,
		log:      deps.Logger.Component("batch"),
		clock:    deps.Clock,
	}
}

// Run performs one invocation. It returns an error only for configuration
// failures and cancellation; per-record failures land in the error logs.
func (s *Scanner) Run(ctx context.Context) (Result, error) {
	start := s.clock.Now()
	log := s.log.WithRun()
	var res Result
	finish := func(err error) (Result, error) {
		res.Elapsed = s.clock.Now().Sub(start)
		entry := log.WithFields(logrus.Fields{
			"processed":        res.Processed,
			"claimed":          res.Claimed,
			"rolled_back":      res.RolledBack,
			"failed":           res.Failed,
			"skipped":          res.Skipped,
			"reclaimed":        res.Reclaimed,
			"budget_exhausted": res.BudgetExhausted,
			"elapsed":          res.Elapsed.String(),
		})
		if err != nil {
			entry.WithError(err).Error("batch run stopped")
		} else {
			entry.Info("batch run finished")
		}
		return res, err
	}

	if err := s.cfg.Check(); err != nil {
		log.WithField("fatal", true).WithError(err).Error("configuration check failed, nothing processed")
		return finish(err)
	}
	root, err := s.store.Folder(ctx, s.cfg.RootFolderID)
	if err != nil {
		return finish(apperr.Config("batch", "root folder %q is not reachable: %v", s.cfg.RootFolderID, err))
	}

	log.WithField("root", root.ID).Info("batch run started")

	walker := pipeline.NewWalker(s.store, root, func(f store.Folder, err error) {
		s.recorder.Record(ctx, &f, "Listage dossier (batch)", err)
	})

	for {
		step, ok := walker.Next(ctx)
		if !ok {
			break
		}
		if s.clock.Now().Sub(start) >= s.cfg.Budget {
			res.BudgetExhausted = true
			log.WithField("budget", s.cfg.Budget.String()).Warn("time budget reached, remaining work left for the next run")
			break
		}
		if step.Kind != pipeline.StepRecord {
			log.WithField("folder", step.Folder.ID).Debug("descending")
			continue
		}
		if err := s.handle(ctx, log, step.Folder, step.File, &res); err != nil {
			return finish(err)
		}
	}
	return finish(ctx.Err())
}

// handle runs the claim protocol for one metadata document. A non-nil
// return aborts the run.
func (s *Scanner) handle(ctx context.Context, log *logger.Logger, folder store.Folder, file store.File, res *Result) error {
	parent := ctx
	entry := log.WithFields(logrus.Fields{"folder": folder.ID, "file": file.Name})

	data, err := s.store.Read(ctx, file)
	if err != nil {
		res.Skipped++
		s.recorder.Record(ctx, &folder, "Lecture "+file.Name, err)
		return nil
	}
	meta, err := types.ParseMetadata(data)
	if err != nil {
		res.Skipped++
		s.recorder.Record(ctx, &folder, "Lecture JSON "+file.Name, err)
		return nil
	}
	rec := meta.Record

	reclaim := false
	if rec.ProcessedByBatch {
		if !s.stale(ctx, folder, rec) {
			return nil
		}
		reclaim = true
	}
	if !rec.Complete() {
		res.Skipped++
		entry.Warn("metadata lacks baseFileName, audioFileName or mimeType, skipped")
		return nil
	}

	// Claim before any transcription attempt.
	meta.SetClaim(true, s.clock.Now())
	payload, err := meta.Marshal()
	var claimed store.File
	if err == nil {
		claimed, err = s.store.Update(ctx, file, payload)
	}
	if err != nil {
		res.Skipped++
		s.recorder.Record(ctx, &folder, "Marquage processedByBatch "+file.Name, err)
		return nil
	}
	res.Claimed++
	// From here on the record runs to completion: a shutdown request stops
	// the run at the next record, never between a claim and its rollback.
	ctx = context.WithoutCancel(ctx)
	if reclaim {
		res.Reclaimed++
		entry.Warn("stale claim without transcript, reprocessing")
	}

	out, perr := s.proc.Process(ctx, folder, rec)
	res.Processed++

	switch {
	case perr == nil:
		entry.WithFields(logrus.Fields{
			"outcome":     out.Outcome.String(),
			"duration_ms": out.DurationMs,
		}).Info("record done")
	case apperr.IsConfig(perr):
		s.rollback(ctx, entry, folder, claimed, meta, res)
		s.recorder.Record(ctx, &folder, "Configuration (batch)", perr)
		return perr
	case apperr.IsTransient(perr):
		s.recorder.Record(ctx, &folder, "Erreur transitoire, nouvel essai au prochain passage", perr)
		s.rollback(ctx, entry, folder, claimed, meta, res)
	default:
		res.Failed++
		s.recorder.Record(ctx, &folder, "Erreur irrécupérable "+rec.BaseFileName, perr)
	}

	// A failed call still used a slot of the upstream rate limit.
	return s.clock.Sleep(parent, s.cfg.RecordDelay)
}

func (s *Scanner) rollback(ctx context.Context, entry *logrus.Entry, folder store.Folder, file store.File, meta *types.Metadata, res *Result) {
	meta.SetClaim(false, s.clock.Now())
	payload, err := meta.Marshal()
	if err == nil {
		_, err = s.store.Update(ctx, file, payload)
	}
	if err != nil {
		entry.WithField("critical", true).WithError(err).Error("claim rollback failed, record stays marked as processed")
		s.recorder.Record(ctx, &folder, "CRITIQUE: échec du retour à processedByBatch=false pour "+file.Name, err)
		return
	}
	res.RolledBack++
	entry.Info("claim rolled back for retry")
}

// stale reports whether a claimed record should be reprocessed: the claim
// is older than the configured threshold and no transcript was written.
func (s *Scanner) stale(ctx context.Context, folder store.Folder, rec types.SubmissionRecord) bool {
	if s.cfg.StaleClaimAfter <= 0 || rec.ClaimedAt.IsZero() || rec.BaseFileName == "" {
		return false
	}
	if s.clock.Now().Sub(rec.ClaimedAt) < s.cfg.StaleClaimAfter {
		return false
	}
	_, err := s.store.FileByName(ctx, folder, rec.TranscriptFileName())
	return errors.Is(err, store.ErrNotFound)
}

// Check verifies the deployment end to end without touching records: the
// configuration, both folders, and mail delivery.
func (s *Scanner) Check(ctx context.Context) error {
	if err := s.cfg.Check(); err != nil {
		return err
	}
	var errs []error
	if _, err := s.store.Folder(ctx, s.cfg.RootFolderID); err != nil {
		errs = append(errs, fmt.Errorf("root folder: %w", err))
	}
	if _, err := s.store.Folder(ctx, s.cfg.TranscriptsFolderID); err != nil {
		errs = append(errs, fmt.Errorf("transcripts folder: %w", err))
	}
	if err := s.sender.Send(ctx, notify.Message{
		To:      s.cfg.NotifyEmail,
		Subject: "Test permissions batch",
		Body:    "Test envoi e-mail OK.",
	}); err != nil {
		errs = append(errs, fmt.Errorf("notification: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.log.Info("permission check passed")
	return nil
}
