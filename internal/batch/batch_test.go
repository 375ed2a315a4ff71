package batch

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"voice-batch-go/internal/apperr"
	"voice-batch-go/internal/config"
	"voice-batch-go/internal/errorlog"
	"voice-batch-go/internal/lock"
	"voice-batch-go/internal/logger"
	"voice-batch-go/internal/notify"
	"voice-batch-go/internal/processor"
	"voice-batch-go/internal/store"
	"voice-batch-go/internal/store/localfs"
	"voice-batch-go/internal/types"
)

type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return ctx.Err()
}

// scriptedTranscriber answers per audio content and can burn clock time.
type scriptedTranscriber struct {
	clock   *fakeClock
	cost    time.Duration
	answers map[string]func() (string, error)
	calls   []string
}

func (s *scriptedTranscriber) Transcribe(_ context.Context, audio []byte, _ string) (string, error) {
	s.calls = append(s.calls, string(audio))
	s.clock.now = s.clock.now.Add(s.cost)
	if fn, ok := s.answers[string(audio)]; ok {
		return fn()
	}
	return "transcription de " + string(audio), nil
}

type recordingSender struct {
	sent []notify.Message
}

func (r *recordingSender) Send(_ context.Context, msg notify.Message) error {
	r.sent = append(r.sent, msg)
	return nil
}

type env struct {
	t       *testing.T
	st      store.Store
	root    string
	clock   *fakeClock
	tr      *scriptedTranscriber
	sender  *recordingSender
	cfg     config.BatchConfig
	scanner *Scanner
}

const userDir = "submissions/cours/etudiant/S1_C1"

func newEnv(t *testing.T, wrap func(store.Store) store.Store) *env {
	t.Helper()
	fs, err := localfs.New(t.TempDir())
	require.NoError(t, err)
	for _, dir := range []string{userDir, "transcripts"} {
		require.NoError(t, os.MkdirAll(filepath.Join(fs.Root(), dir), 0o750))
	}
	var st store.Store = fs
	if wrap != nil {
		st = wrap(fs)
	}

	clock := &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	e := &env{
		t:      t,
		st:     st,
		root:   fs.Root(),
		clock:  clock,
		tr:     &scriptedTranscriber{clock: clock, answers: map[string]func() (string, error){}},
		sender: &recordingSender{},
		cfg: config.BatchConfig{
			APIKey:              "AIzaTestKey123456",
			NotifyEmail:         "prof@example.com",
			RootFolderID:        "submissions",
			TranscriptsFolderID: "transcripts",
			Budget:              5 * time.Minute,
			RecordDelay:         20 * time.Second,
		},
	}
	e.build()
	return e
}

func (e *env) build() {
	log := logger.Discard()
	recorder := errorlog.New(e.st, lock.NewLocal(), log, errorlog.WithClock(e.clock.Now))
	proc := processor.New(processor.Options{
		Store:        e.st,
		Transcriber:  e.tr,
		Sender:       e.sender,
		Recorder:     recorder,
		Logger:       log,
		MirrorFolder: e.cfg.TranscriptsFolderID,
		Compose:      notify.ComposeOptions{To: e.cfg.NotifyEmail},
	})
	e.scanner = New(e.cfg, Deps{
		Store:     e.st,
		Processor: proc,
		Recorder:  recorder,
		Sender:    e.sender,
		Logger:    log,
		Clock:     e.clock,
	})
}

func (e *env) write(rel, content string) {
	e.t.Helper()
	full := filepath.Join(e.root, filepath.FromSlash(rel))
	require.NoError(e.t, os.MkdirAll(filepath.Dir(full), 0o750))
	require.NoError(e.t, os.WriteFile(full, []byte(content), 0o640))
}

func (e *env) read(rel string) (string, bool) {
	e.t.Helper()
	data, err := os.ReadFile(filepath.Join(e.root, filepath.FromSlash(rel)))
	if errors.Is(err, os.ErrNotExist) {
		return "", false
	}
	require.NoError(e.t, err)
	return string(data), true
}

// submit writes a metadata document, plus the audio blob when withAudio.
func (e *env) submit(dir, base string, withAudio bool) {
	e.t.Helper()
	meta := map[string]any{
		"receivedAt":       "2025-01-01T11:59:00.000Z",
		"studentCode":      "S1",
		"cohort":           "C1",
		"profile":          "etudiant",
		"used":             "cours",
		"topic":            "T",
		"durationSec":      12,
		"mimeType":         "audio/webm",
		"ip":               "10.0.0.1",
		"audioFileName":    base + "_audio.webm",
		"baseFileName":     base,
		"processedByBatch": false,
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	require.NoError(e.t, err)
	e.write(dir+"/"+base+"_meta.json", string(data))
	if withAudio {
		e.write(dir+"/"+base+"_audio.webm", base)
	}
}

func (e *env) meta(dir, base string) map[string]any {
	e.t.Helper()
	raw, ok := e.read(dir + "/" + base + "_meta.json")
	require.True(e.t, ok)
	var doc map[string]any
	require.NoError(e.t, json.Unmarshal([]byte(raw), &doc))
	return doc
}

func (e *env) run() Result {
	e.t.Helper()
	res, err := e.scanner.Run(context.Background())
	require.NoError(e.t, err)
	return res
}

func TestEndToEnd(t *testing.T) {
	e := newEnv(t, nil)
	e.submit(userDir, "T_20250101_120000", true)
	e.tr.answers["T_20250101_120000"] = func() (string, error) { return "bonjour le monde", nil }

	res := e.run()
	require.Equal(t, 1, res.Processed)
	require.Equal(t, 1, res.Claimed)

	got, ok := e.read(userDir + "/T_20250101_120000_transcript.txt")
	require.True(t, ok)
	require.Equal(t, "bonjour le monde", got)

	mirrored, ok := e.read("transcripts/cours_etudiant_S1_C1_T_20250101_120000.txt")
	require.True(t, ok)
	require.Equal(t, "bonjour le monde", mirrored)

	require.Len(t, e.sender.sent, 1)
	require.Equal(t, "CHOPS – (Transcrit) Nouvelle réponse : etudiant / S1 (T)", e.sender.sent[0].Subject)

	doc := e.meta(userDir, "T_20250101_120000")
	require.Equal(t, true, doc["processedByBatch"])
	require.Equal(t, "10.0.0.1", doc["ip"])
	require.Equal(t, "2025-01-01T12:00:00Z", doc["claimedAt"])
}

func TestSecondRunIsIdempotent(t *testing.T) {
	e := newEnv(t, nil)
	e.submit(userDir, "A_1", true)
	e.submit(userDir, "B_2", true)

	first := e.run()
	require.Equal(t, 2, first.Processed)

	second := e.run()
	require.Zero(t, second.Processed)
	require.Zero(t, second.Claimed)
	require.Len(t, e.tr.calls, 2)
	require.Len(t, e.sender.sent, 2)

	entries, err := os.ReadDir(filepath.Join(e.root, "transcripts"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestTransientFailureRollsBack(t *testing.T) {
	e := newEnv(t, nil)
	e.submit(userDir, "A_1", true)
	e.tr.answers["A_1"] = func() (string, error) {
		return "", apperr.Transient("transcribe", errors.New("HTTP 503: The model is overloaded."), "upstream unavailable")
	}

	res := e.run()
	require.Equal(t, 1, res.Processed)
	require.Equal(t, 1, res.RolledBack)

	require.Equal(t, false, e.meta(userDir, "A_1")["processedByBatch"])
	require.NotContains(t, e.meta(userDir, "A_1"), "claimedAt")
	_, ok := e.read(userDir + "/A_1_transcript.txt")
	require.False(t, ok)

	log, ok := e.read(userDir + "/" + types.ErrorLogName)
	require.True(t, ok)
	require.Contains(t, log, "HTTP 503")

	// Next run retries and succeeds.
	delete(e.tr.answers, "A_1")
	again := e.run()
	require.Equal(t, 1, again.Processed)
	require.Equal(t, true, e.meta(userDir, "A_1")["processedByBatch"])
	_, ok = e.read(userDir + "/A_1_transcript.txt")
	require.True(t, ok)
}

func TestMissingAudioIsTerminal(t *testing.T) {
	e := newEnv(t, nil)
	e.submit(userDir, "A_1", false)

	res := e.run()
	require.Equal(t, 1, res.Processed)
	require.Equal(t, 1, res.Failed)
	require.Empty(t, e.tr.calls)

	require.Equal(t, true, e.meta(userDir, "A_1")["processedByBatch"])
	_, ok := e.read(userDir + "/A_1_transcript.txt")
	require.False(t, ok)
	log, ok := e.read(userDir + "/" + types.ErrorLogName)
	require.True(t, ok)
	require.Contains(t, log, "A_1_audio.webm not found")

	again := e.run()
	require.Zero(t, again.Processed)
}

func TestPermanentClientFailurePersistsErrorText(t *testing.T) {
	e := newEnv(t, nil)
	e.submit(userDir, "A_1", true)
	e.tr.answers["A_1"] = func() (string, error) {
		return "", apperr.Permanent("transcribe", nil, "prompt blocked: SAFETY")
	}

	res := e.run()
	require.Equal(t, 1, res.Failed)
	require.Equal(t, true, e.meta(userDir, "A_1")["processedByBatch"])

	got, ok := e.read(userDir + "/A_1_transcript.txt")
	require.True(t, ok)
	require.True(t, strings.HasPrefix(got, types.ErrorTag))
	require.Empty(t, e.sender.sent)
}

func TestPacing(t *testing.T) {
	e := newEnv(t, nil)
	e.submit(userDir, "A_1", true)
	e.submit(userDir, "B_2", false)
	e.submit(userDir, "C_3", true)
	e.tr.answers["C_3"] = func() (string, error) {
		return "", apperr.Transient("transcribe", nil, "overloaded")
	}

	res := e.run()
	require.Equal(t, 3, res.Processed)
	require.Equal(t, []time.Duration{20 * time.Second, 20 * time.Second, 20 * time.Second}, e.clock.sleeps)
	require.GreaterOrEqual(t, res.Elapsed, 3*e.cfg.RecordDelay)
}

func TestZeroBudgetProcessesNothing(t *testing.T) {
	e := newEnv(t, nil)
	e.cfg.Budget = 0
	e.build()
	e.submit(userDir, "A_1", true)

	res, err := e.scanner.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, res.Processed)
	require.True(t, res.BudgetExhausted)
	require.Equal(t, false, e.meta(userDir, "A_1")["processedByBatch"])
}

func TestBudgetStopsMidRun(t *testing.T) {
	e := newEnv(t, nil)
	e.tr.cost = 3 * time.Minute
	e.submit(userDir, "A_1", true)
	e.submit(userDir, "B_2", true)
	e.submit(userDir, "C_3", true)

	res := e.run()
	require.Equal(t, 2, res.Processed)
	require.True(t, res.BudgetExhausted)
	require.Equal(t, false, e.meta(userDir, "C_3")["processedByBatch"])

	// The next invocation picks up where this one stopped.
	next := e.run()
	require.Equal(t, 1, next.Processed)
	require.Equal(t, true, e.meta(userDir, "C_3")["processedByBatch"])
}

func TestRecordsBeforeSubfolders(t *testing.T) {
	e := newEnv(t, nil)
	e.submit("submissions", "Z_root", true)
	e.submit(userDir, "A_deep", true)

	e.run()
	require.Equal(t, []string{"Z_root", "A_deep"}, e.tr.calls)
}

func TestConfigCheckFailsFast(t *testing.T) {
	e := newEnv(t, nil)
	e.cfg.APIKey = ""
	e.build()
	e.submit(userDir, "A_1", true)

	res, err := e.scanner.Run(context.Background())
	require.True(t, apperr.IsConfig(err))
	require.Zero(t, res.Processed)
	require.Empty(t, e.tr.calls)
	require.Equal(t, false, e.meta(userDir, "A_1")["processedByBatch"])
}

func TestMissingRootFolderIsConfigError(t *testing.T) {
	e := newEnv(t, nil)
	e.cfg.RootFolderID = "nowhere"
	e.build()

	_, err := e.scanner.Run(context.Background())
	require.True(t, apperr.IsConfig(err))
}

func TestConfigErrorMidRunAborts(t *testing.T) {
	e := newEnv(t, nil)
	e.submit(userDir, "A_1", true)
	e.submit(userDir, "B_2", true)
	e.tr.answers["A_1"] = func() (string, error) {
		return "", apperr.Config("transcribe", "GEMINI_API_KEY is missing or malformed")
	}

	res, err := e.scanner.Run(context.Background())
	require.True(t, apperr.IsConfig(err))
	require.Equal(t, 1, res.Processed)
	require.Equal(t, []string{"A_1"}, e.tr.calls)
	require.Equal(t, false, e.meta(userDir, "A_1")["processedByBatch"])
	require.Equal(t, false, e.meta(userDir, "B_2")["processedByBatch"])
}

func TestMalformedAndIncompleteMetadataSkipped(t *testing.T) {
	e := newEnv(t, nil)
	e.write(userDir+"/Bad_meta.json", "{not json")
	e.write(userDir+"/Half_meta.json", `{"baseFileName":"Half","processedByBatch":false}`)
	e.submit(userDir, "Good_1", true)

	res := e.run()
	require.Equal(t, 1, res.Processed)
	require.Equal(t, 2, res.Skipped)
	require.Equal(t, []string{"Good_1"}, e.tr.calls)

	log, ok := e.read(userDir + "/" + types.ErrorLogName)
	require.True(t, ok)
	require.Contains(t, log, "Lecture JSON Bad_meta.json")

	half, _ := e.read(userDir + "/Half_meta.json")
	require.Equal(t, `{"baseFileName":"Half","processedByBatch":false}`, half)
}

// failingUpdates rejects metadata writes selected by the predicate.
type failingUpdates struct {
	store.Store
	fail func(f store.File, data []byte) bool
}

func (f failingUpdates) Update(ctx context.Context, file store.File, data []byte) (store.File, error) {
	if f.fail(file, data) {
		return store.File{}, errors.New("quota exceeded")
	}
	return f.Store.Update(ctx, file, data)
}

func TestClaimWriteFailureSkipsRecord(t *testing.T) {
	e := newEnv(t, func(s store.Store) store.Store {
		return failingUpdates{Store: s, fail: func(f store.File, _ []byte) bool {
			return f.Name == "A_1_meta.json"
		}}
	})
	e.submit(userDir, "A_1", true)
	e.submit(userDir, "B_2", true)

	res := e.run()
	require.Equal(t, 1, res.Processed)
	require.Equal(t, 1, res.Skipped)
	require.Equal(t, []string{"B_2"}, e.tr.calls)
	require.Len(t, e.clock.sleeps, 1)
	require.Equal(t, false, e.meta(userDir, "A_1")["processedByBatch"])
}

func TestRollbackFailureIsCritical(t *testing.T) {
	e := newEnv(t, func(s store.Store) store.Store {
		return failingUpdates{Store: s, fail: func(_ store.File, data []byte) bool {
			return strings.Contains(string(data), `"processedByBatch": false`)
		}}
	})
	e.submit(userDir, "A_1", true)
	e.tr.answers["A_1"] = func() (string, error) {
		return "", apperr.Transient("transcribe", nil, "overloaded")
	}

	res := e.run()
	require.Zero(t, res.RolledBack)
	require.Equal(t, true, e.meta(userDir, "A_1")["processedByBatch"])

	log, ok := e.read(userDir + "/" + types.ErrorLogName)
	require.True(t, ok)
	require.Contains(t, log, "CRITIQUE")
}

// cancelAwareStore refuses writes once the caller's context is done, like
// a network-backed store would.
type cancelAwareStore struct {
	store.Store
}

func (c cancelAwareStore) Update(ctx context.Context, file store.File, data []byte) (store.File, error) {
	if err := ctx.Err(); err != nil {
		return store.File{}, err
	}
	return c.Store.Update(ctx, file, data)
}

func (c cancelAwareStore) Append(ctx context.Context, parent store.Folder, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.Store.Append(ctx, parent, name, data)
}

func TestShutdownDuringTranscriptionStillRollsBack(t *testing.T) {
	e := newEnv(t, func(s store.Store) store.Store { return cancelAwareStore{Store: s} })
	e.submit(userDir, "A_1", true)
	e.submit(userDir, "B_2", true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.tr.answers["A_1"] = func() (string, error) {
		cancel()
		return "", apperr.Transient("transcribe", context.Canceled, "request aborted")
	}

	res, err := e.scanner.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, res.Claimed)
	require.Equal(t, 1, res.RolledBack)
	require.Equal(t, []string{"A_1"}, e.tr.calls)

	require.Equal(t, false, e.meta(userDir, "A_1")["processedByBatch"])
	_, ok := e.read(userDir + "/A_1_transcript.txt")
	require.False(t, ok)
	log, ok := e.read(userDir + "/" + types.ErrorLogName)
	require.True(t, ok)
	require.Contains(t, log, "Erreur transitoire")

	// B_2 was never claimed.
	require.Equal(t, false, e.meta(userDir, "B_2")["processedByBatch"])
}

func TestStaleClaimReconciliation(t *testing.T) {
	e := newEnv(t, nil)
	e.write(userDir+"/A_1_meta.json", `{"baseFileName":"A_1","audioFileName":"A_1_audio.webm","mimeType":"audio/webm","processedByBatch":true,"claimedAt":"2025-01-01T09:00:00Z"}`)
	e.write(userDir+"/A_1_audio.webm", "A_1")

	// Disabled by default.
	res := e.run()
	require.Zero(t, res.Processed)

	e.cfg.StaleClaimAfter = time.Hour
	e.build()
	res = e.run()
	require.Equal(t, 1, res.Processed)
	require.Equal(t, 1, res.Reclaimed)
	_, ok := e.read(userDir + "/A_1_transcript.txt")
	require.True(t, ok)

	// Transcript now exists: never reclaimed again.
	e.clock.now = e.clock.now.Add(3 * time.Hour)
	res = e.run()
	require.Zero(t, res.Processed)
}

func TestCancelledContextStopsRun(t *testing.T) {
	e := newEnv(t, nil)
	e.submit(userDir, "A_1", true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := e.scanner.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, res.Processed)
}

func TestCheck(t *testing.T) {
	e := newEnv(t, nil)
	require.NoError(t, e.scanner.Check(context.Background()))
	require.Len(t, e.sender.sent, 1)
	require.Equal(t, "prof@example.com", e.sender.sent[0].To)

	e.cfg.TranscriptsFolderID = "missing"
	e.build()
	err := e.scanner.Check(context.Background())
	require.ErrorIs(t, err, store.ErrNotFound)
}
