// Package store abstracts the hierarchical record store the batch worker
// and the ingestion server share: folders holding metadata documents, audio
// blobs, transcripts and an append-only error log.
package store

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// InvalidFolderName replaces folder names that cannot be used as-is.
const InvalidFolderName = "Dossier_Invalide"

var (
	ErrNotFound  = errors.New("store: not found")
	ErrConflict  = errors.New("store: revision conflict")
	ErrInvalidID = errors.New("store: invalid identifier")
)

type Folder struct {
	ID   string
	Name string
}

// File is a stored object. Revision identifies the version that was read
// and is what Update compares against.
type File struct {
	ID       string
	Name     string
	MimeType string
	Size     int64
	Revision string
}

type Store interface {
	// Folder resolves a folder by id.
	Folder(ctx context.Context, id string) (Folder, error)
	// Folders lists the direct subfolders of parent in a stable order.
	Folders(ctx context.Context, parent Folder) ([]Folder, error)
	// Files lists the direct files of parent in a stable order.
	Files(ctx context.Context, parent Folder) ([]File, error)
	// FileByName returns ErrNotFound when parent has no file called name.
	FileByName(ctx context.Context, parent Folder, name string) (File, error)
	// GetOrCreateFolder converges on one child for equal (parent, name).
	GetOrCreateFolder(ctx context.Context, parent Folder, name string) (Folder, error)
	Read(ctx context.Context, f File) ([]byte, error)
	Create(ctx context.Context, parent Folder, name, mimeType string, data []byte) (File, error)
	// Update replaces f's content if it still has f.Revision, else ErrConflict.
	Update(ctx context.Context, f File, data []byte) (File, error)
	// Append adds data to the end of the named file, creating it if needed.
	Append(ctx context.Context, parent Folder, name string, data []byte) error
	// URL is a link a human can follow to the folder.
	URL(f Folder) string
}

// CleanID normalizes a slash-separated folder id. Absolute ids and ids
// escaping the root are rejected.
func CleanID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if strings.HasPrefix(id, "/") || strings.Contains(id, `\`) {
		return "", fmt.Errorf("%w: %q is absolute", ErrInvalidID, id)
	}
	for _, seg := range strings.Split(id, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q escapes the root", ErrInvalidID, id)
		}
	}
	clean := path.Clean(id)
	if clean == "." {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return clean, nil
}

// FolderName returns name unless it is empty or not a single path segment.
func FolderName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return InvalidFolderName
	}
	return name
}

// ChildID joins a parent id and a child name.
func ChildID(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}
