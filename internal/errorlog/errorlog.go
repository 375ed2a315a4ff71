// Package errorlog appends failure entries to the per-folder error log that
// operators read to find records needing attention.
package errorlog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"voice-batch-go/internal/apperr"
	"voice-batch-go/internal/lock"
	"voice-batch-go/internal/logger"
	"voice-batch-go/internal/store"
	"voice-batch-go/internal/types"
)

const (
	DefaultWait = 10 * time.Second
	isoLayout   = "2006-01-02T15:04:05.000Z"
)

type Recorder struct {
	store  store.Store
	locker lock.Locker
	wait   time.Duration
	log    *logger.Logger
	now    func() time.Time
}

type Option func(*Recorder)

func WithWait(d time.Duration) Option { return func(r *Recorder) { r.wait = d } }

func WithClock(now func() time.Time) Option { return func(r *Recorder) { r.now = now } }

func New(st store.Store, locker lock.Locker, log *logger.Logger, opts ...Option) *Recorder {
	r := &Recorder{
		store:  st,
		locker: locker,
		wait:   DefaultWait,
		log:    log.Component("errorlog"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Format renders one log entry, blank line included.
func Format(at time.Time, where string, err error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] ERREUR BATCH (%s): %s", at.UTC().Format(isoLayout), where, err)
	if stack := apperr.StackOf(err); stack != "" {
		b.WriteString("\nStack: ")
		b.WriteString(stack)
	}
	b.WriteString("\n\n")
	return b.String()
}

// Record logs err and, when folder is not nil, appends it to the folder's
// error log. Failing to take the lock or to append is logged and dropped.
func (r *Recorder) Record(ctx context.Context, folder *store.Folder, where string, err error) {
	if err == nil {
		return
	}
	fields := logrus.Fields{"context": where, "kind": apperr.KindOf(err).String()}
	if folder != nil {
		fields["folder"] = folder.ID
	}
	r.log.WithFields(fields).WithError(err).Error("batch error")

	if folder == nil {
		return
	}

	unlock, lerr := r.locker.Lock(ctx, "errorlog:"+folder.ID, r.wait)
	if lerr != nil {
		r.log.WithField("folder", folder.ID).WithError(lerr).Warn("error log lock not acquired, entry dropped")
		return
	}
	defer unlock()

	entry := Format(r.now(), where, err)
	if aerr := r.store.Append(ctx, *folder, types.ErrorLogName, []byte(entry)); aerr != nil {
		r.log.WithField("folder", folder.ID).WithError(aerr).Error("error log append failed")
	}
}
