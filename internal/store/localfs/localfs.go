// Package localfs is a Store backed by a directory tree. Folder and file ids
// are slash-separated paths relative to the root directory.
package localfs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"voice-batch-go/internal/store"
)

type Store struct {
	root string
	// mu serializes conditional updates, appends and folder creation.
	mu sync.Mutex
}

func New(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("localfs: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("localfs: create root: %w", err)
	}
	return &Store{root: abs}, nil
}

func (s *Store) Root() string { return s.root }

func (s *Store) abs(id string) string {
	return filepath.Join(s.root, filepath.FromSlash(id))
}

func (s *Store) Folder(_ context.Context, id string) (store.Folder, error) {
	clean, err := store.CleanID(id)
	if err != nil {
		return store.Folder{}, err
	}
	info, err := os.Stat(s.abs(clean))
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.IsDir()) {
		return store.Folder{}, fmt.Errorf("folder %q: %w", clean, store.ErrNotFound)
	}
	if err != nil {
		return store.Folder{}, fmt.Errorf("localfs: stat folder: %w", err)
	}
	return store.Folder{ID: clean, Name: path.Base(clean)}, nil
}

func (s *Store) entries(parent store.Folder) ([]fs.DirEntry, error) {
	entries, err := os.ReadDir(s.abs(parent.ID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("folder %q: %w", parent.ID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("localfs: list %q: %w", parent.ID, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return entries, nil
}

func (s *Store) Folders(_ context.Context, parent store.Folder) ([]store.Folder, error) {
	entries, err := s.entries(parent)
	if err != nil {
		return nil, err
	}
	folders := make([]store.Folder, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			folders = append(folders, store.Folder{ID: store.ChildID(parent.ID, e.Name()), Name: e.Name()})
		}
	}
	return folders, nil
}

func (s *Store) Files(_ context.Context, parent store.Folder) ([]store.File, error) {
	entries, err := s.entries(parent)
	if err != nil {
		return nil, err
	}
	files := make([]store.File, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || isTemp(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between listing and stat.
			continue
		}
		files = append(files, fileFrom(parent.ID, e.Name(), info))
	}
	return files, nil
}

func (s *Store) FileByName(_ context.Context, parent store.Folder, name string) (store.File, error) {
	return s.stat(store.ChildID(parent.ID, name))
}

func (s *Store) stat(id string) (store.File, error) {
	info, err := os.Stat(s.abs(id))
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.Mode().IsRegular()) {
		return store.File{}, fmt.Errorf("file %q: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return store.File{}, fmt.Errorf("localfs: stat %q: %w", id, err)
	}
	parent := path.Dir(id)
	if parent == "." {
		parent = ""
	}
	return fileFrom(parent, path.Base(id), info), nil
}

func (s *Store) GetOrCreateFolder(_ context.Context, parent store.Folder, name string) (store.Folder, error) {
	name = store.FolderName(name)
	id := store.ChildID(parent.ID, name)

	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Mkdir(s.abs(id), 0o750)
	if err != nil && !errors.Is(err, fs.ErrExist) {
		return store.Folder{}, fmt.Errorf("localfs: create folder %q: %w", id, err)
	}
	if info, serr := os.Stat(s.abs(id)); serr != nil || !info.IsDir() {
		return store.Folder{}, fmt.Errorf("localfs: %q exists and is not a folder", id)
	}
	return store.Folder{ID: id, Name: name}, nil
}

func (s *Store) Read(_ context.Context, f store.File) ([]byte, error) {
	data, err := os.ReadFile(s.abs(f.ID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("file %q: %w", f.ID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("localfs: read %q: %w", f.ID, err)
	}
	return data, nil
}

func (s *Store) Create(_ context.Context, parent store.Folder, name, mimeType string, data []byte) (store.File, error) {
	id := store.ChildID(parent.ID, name)
	if err := s.writeAtomic(id, data); err != nil {
		return store.File{}, err
	}
	f, err := s.stat(id)
	if err != nil {
		return store.File{}, err
	}
	if mimeType != "" {
		f.MimeType = mimeType
	}
	return f, nil
}

func (s *Store) Update(_ context.Context, f store.File, data []byte) (store.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.stat(f.ID)
	if err != nil {
		return store.File{}, err
	}
	if f.Revision != "" && current.Revision != f.Revision {
		return store.File{}, fmt.Errorf("file %q: %w", f.ID, store.ErrConflict)
	}
	if err := s.writeAtomic(f.ID, data); err != nil {
		return store.File{}, err
	}
	return s.stat(f.ID)
}

func (s *Store) Append(_ context.Context, parent store.Folder, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.OpenFile(s.abs(store.ChildID(parent.ID, name)), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("localfs: open %q for append: %w", name, err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("localfs: append %q: %w", name, err)
	}
	return file.Close()
}

func (s *Store) URL(f store.Folder) string {
	u := &url.URL{Scheme: "file", Path: filepath.ToSlash(s.abs(f.ID))}
	return u.String()
}

// writeAtomic replaces id's content through a temp file and a rename so
// readers never observe a partial document.
func (s *Store) writeAtomic(id string, data []byte) error {
	target := s.abs(id)
	tmp, err := os.CreateTemp(filepath.Dir(target), tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("localfs: create temp for %q: %w", id, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("localfs: write %q: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("localfs: close temp for %q: %w", id, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("localfs: replace %q: %w", id, err)
	}
	return nil
}

const tempPrefix = ".tmp-"

func isTemp(name string) bool {
	return len(name) > len(tempPrefix) && name[:len(tempPrefix)] == tempPrefix
}

func fileFrom(parentID, name string, info fs.FileInfo) store.File {
	return store.File{
		ID:       store.ChildID(parentID, name),
		Name:     name,
		MimeType: mime.TypeByExtension(filepath.Ext(name)),
		Size:     info.Size(),
		Revision: strconv.FormatInt(info.ModTime().UnixNano(), 36) + "-" + strconv.FormatInt(info.Size(), 36),
	}
}

var _ store.Store = (*Store)(nil)
