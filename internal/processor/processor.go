// Package processor turns one claimed submission into its transcript,
// mirrored copy and reviewer notification.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"voice-batch-go/internal/apperr"
	"voice-batch-go/internal/errorlog"
	"voice-batch-go/internal/logger"
	"voice-batch-go/internal/notify"
	"voice-batch-go/internal/store"
	"voice-batch-go/internal/transcription"
	"voice-batch-go/internal/types"
)

type Outcome int

const (
	OutcomeFailed Outcome = iota
	OutcomeTranscribed
	// OutcomeAlreadyDone: a transcript already existed, nothing was called.
	OutcomeAlreadyDone
	// OutcomeErrorText: the transcriber answered with an error marker; it
	// was saved as the transcript and no email went out.
	OutcomeErrorText
)

func (o Outcome) String() string {
	switch o {
	case OutcomeTranscribed:
		return "transcribed"
	case OutcomeAlreadyDone:
		return "already_done"
	case OutcomeErrorText:
		return "error_text"
	default:
		return "failed"
	}
}

type Result struct {
	Outcome    Outcome
	Transcript string
	DurationMs int64
}

type Options struct {
	Store        store.Store
	Transcriber  transcription.Transcriber
	Sender       notify.Sender
	Recorder     *errorlog.Recorder
	Logger       *logger.Logger
	MirrorFolder string
	Compose      notify.ComposeOptions
}

type Processor struct {
	store       store.Store
	transcriber transcription.Transcriber
	sender      notify.Sender
	recorder    *errorlog.Recorder
	log         *logger.Logger
	mirrorID    string
	compose     notify.ComposeOptions
}

func New(opts Options) *Processor {
	return &Processor{
		store:       opts.Store,
		transcriber: opts.Transcriber,
		sender:      opts.Sender,
		recorder:    opts.Recorder,
		log:         opts.Logger.Component("processor"),
		mirrorID:    opts.MirrorFolder,
		compose:     opts.Compose,
	}
}

// Process handles one claimed record. Returned errors are classified with
// apperr; the caller decides between rollback and leaving the claim.
// Failures of the mirror copy and of the email are recorded here and never
// returned.
func (p *Processor) Process(ctx context.Context, folder store.Folder, rec types.SubmissionRecord) (Result, error) {
	start := time.Now()
	res := Result{}
	log := p.log.WithFields(logrus.Fields{
		"folder": folder.ID,
		"base":   rec.BaseFileName,
	})
	done := func(err error) (Result, error) {
		res.DurationMs = time.Since(start).Milliseconds()
		return res, err
	}

	transcriptName := rec.TranscriptFileName()
	_, err := p.store.FileByName(ctx, folder, transcriptName)
	switch {
	case err == nil:
		log.Info("transcript already exists")
		res.Outcome = OutcomeAlreadyDone
		return done(nil)
	case !errors.Is(err, store.ErrNotFound):
		return done(apperr.Permanent("process", err, "look up %s", transcriptName))
	}

	audioFile, err := p.store.FileByName(ctx, folder, rec.AudioFileName)
	if errors.Is(err, store.ErrNotFound) {
		return done(apperr.Permanent("process", nil, "audio file %s not found", rec.AudioFileName))
	}
	if err != nil {
		return done(apperr.Permanent("process", err, "look up %s", rec.AudioFileName))
	}
	audio, err := p.store.Read(ctx, audioFile)
	if err != nil {
		return done(apperr.Permanent("process", err, "read %s", rec.AudioFileName))
	}

	text, err := p.transcriber.Transcribe(ctx, audio, rec.MimeType)
	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.KindTransient, apperr.KindConfig:
			// Nothing persisted: the record goes back to the queue.
			return done(fmt.Errorf("transcribe %s: %w", rec.BaseFileName, err))
		}
		if _, serr := p.store.Create(ctx, folder, transcriptName, types.MimePlain, []byte(types.ErrorText(err))); serr != nil {
			log.WithError(serr).Error("error transcript not saved")
		}
		if !apperr.IsPermanent(err) {
			err = apperr.Permanent("process", err, "transcribe %s", rec.BaseFileName)
		}
		return done(err)
	}

	if _, err := p.store.Create(ctx, folder, transcriptName, types.MimePlain, []byte(text)); err != nil {
		return done(apperr.Permanent("process", err, "save %s", transcriptName))
	}
	res.Transcript = text

	if types.IsErrorText(text) {
		log.Warn("transcriber returned an error marker, saved without notification")
		res.Outcome = OutcomeErrorText
		return done(nil)
	}

	res.Outcome = OutcomeTranscribed
	p.mirror(ctx, folder, rec, text)
	p.notify(ctx, folder, rec, text)
	log.Info("record transcribed")
	return done(nil)
}

func (p *Processor) mirror(ctx context.Context, folder store.Folder, rec types.SubmissionRecord, text string) {
	name := types.MirrorFileName(rec.Used, rec.Profile, folder.Name, rec.BaseFileName)
	target, err := p.store.Folder(ctx, p.mirrorID)
	if err == nil {
		_, err = p.store.Create(ctx, target, name, types.MimePlain, []byte(text))
	}
	if err != nil {
		p.recorder.Record(ctx, &folder, "Copie transcription (batch)", fmt.Errorf("copy %s: %w", name, err))
	}
}

func (p *Processor) notify(ctx context.Context, folder store.Folder, rec types.SubmissionRecord, text string) {
	msg := notify.Compose(rec, text, p.store.URL(folder), p.compose)
	if err := p.sender.Send(ctx, msg); err != nil {
		p.recorder.Record(ctx, &folder, "Erreur envoi Email (batch)", err)
	}
}
