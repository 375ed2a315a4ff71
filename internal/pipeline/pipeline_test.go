package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"voice-batch-go/internal/store"
	"voice-batch-go/internal/store/localfs"
)

func buildTree(t *testing.T, paths ...string) (*localfs.Store, store.Folder) {
	t.Helper()
	st, err := localfs.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(st.Root(), "root"), 0o750))
	for _, p := range paths {
		full := filepath.Join(st.Root(), "root", filepath.FromSlash(p))
		if p[len(p)-1] == '/' {
			require.NoError(t, os.MkdirAll(full, 0o750))
			continue
		}
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o750))
		require.NoError(t, os.WriteFile(full, []byte("{}"), 0o640))
	}
	root, err := st.Folder(context.Background(), "root")
	require.NoError(t, err)
	return st, root
}

func collect(t *testing.T, w *Walker) []string {
	t.Helper()
	var out []string
	for {
		step, ok := w.Next(context.Background())
		if !ok {
			return out
		}
		switch step.Kind {
		case StepRecord:
			out = append(out, "record "+step.File.ID)
		case StepFolder:
			out = append(out, "folder "+step.Folder.ID)
		}
	}
}

func TestWalkerPreOrder(t *testing.T) {
	st, root := buildTree(t,
		"b_meta.json",
		"a_meta.json",
		"a_audio.webm",
		"a_transcript.txt",
		"cours/etudiant/S1_C1/x_meta.json",
		"cours/etudiant/S1_C1/x_audio.webm",
		"cours/y_meta.json",
		"travail/",
	)

	got := collect(t, NewWalker(st, root, nil))
	require.Equal(t, []string{
		"record root/a_meta.json",
		"record root/b_meta.json",
		"folder root/cours",
		"record root/cours/y_meta.json",
		"folder root/cours/etudiant",
		"folder root/cours/etudiant/S1_C1",
		"record root/cours/etudiant/S1_C1/x_meta.json",
		"folder root/travail",
	}, got)
}

func TestWalkerSubfolderListedLazily(t *testing.T) {
	st, root := buildTree(t, "a_meta.json", "sub/b_meta.json")
	w := NewWalker(st, root, nil)
	ctx := context.Background()

	step, ok := w.Next(ctx)
	require.True(t, ok)
	require.Equal(t, StepRecord, step.Kind)

	step, ok = w.Next(ctx)
	require.True(t, ok)
	require.Equal(t, StepFolder, step.Kind)

	// Files added after the announcement are still seen: the folder has not
	// been listed yet.
	require.NoError(t, os.WriteFile(filepath.Join(st.Root(), "root", "sub", "c_meta.json"), []byte("{}"), 0o640))

	require.Equal(t, []string{
		"record root/sub/b_meta.json",
		"record root/sub/c_meta.json",
	}, collect(t, w))
}

type failingStore struct {
	*localfs.Store
	failOn string
}

func (f failingStore) Files(ctx context.Context, parent store.Folder) ([]store.File, error) {
	if parent.ID == f.failOn {
		return nil, errors.New("permission denied")
	}
	return f.Store.Files(ctx, parent)
}

func TestWalkerSkipsUnlistableFolder(t *testing.T) {
	st, root := buildTree(t, "bad/x_meta.json", "bad/deeper/y_meta.json", "good/z_meta.json")

	var failed []string
	w := NewWalker(failingStore{Store: st, failOn: "root/bad"}, root, func(f store.Folder, err error) {
		failed = append(failed, f.ID)
	})

	require.Equal(t, []string{
		"folder root/bad",
		"folder root/good",
		"record root/good/z_meta.json",
	}, collect(t, w))
	require.Equal(t, []string{"root/bad"}, failed)
}

func TestWalkerStopsOnCancelledContext(t *testing.T) {
	st, root := buildTree(t, "a_meta.json")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := NewWalker(st, root, nil).Next(ctx)
	require.False(t, ok)
}
