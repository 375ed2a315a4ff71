// Package pipeline walks the record store lazily, depth-first and pre-order:
// a folder's metadata documents come out before any of its subfolders, and
// each subfolder is announced before it is listed so the caller can stop
// right there.
package pipeline

import (
	"context"

	"voice-batch-go/internal/store"
	"voice-batch-go/internal/types"
)

type StepKind int

const (
	// StepRecord carries one metadata document in File.
	StepRecord StepKind = iota + 1
	// StepFolder announces a descent into Folder.
	StepFolder
)

func (k StepKind) String() string {
	switch k {
	case StepRecord:
		return "record"
	case StepFolder:
		return "folder"
	default:
		return "unknown"
	}
}

type Step struct {
	Kind   StepKind
	Folder store.Folder
	File   store.File
}

type pending struct {
	expand bool
	step   Step
}

// Walker is an explicit work stack over the store. It is not safe for
// concurrent use.
type Walker struct {
	store   store.Store
	stack   []pending
	onError func(store.Folder, error)
}

// NewWalker starts at root. onError receives listing failures; the
// affected folder is skipped.
func NewWalker(st store.Store, root store.Folder, onError func(store.Folder, error)) *Walker {
	if onError == nil {
		onError = func(store.Folder, error) {}
	}
	return &Walker{
		store:   st,
		stack:   []pending{{expand: true, step: Step{Folder: root}}},
		onError: onError,
	}
}

// Next returns the next step, or false once the tree is exhausted or ctx
// is done.
func (w *Walker) Next(ctx context.Context) (Step, bool) {
	for len(w.stack) > 0 {
		if ctx.Err() != nil {
			return Step{}, false
		}

		top := w.stack[len(w.stack)-1]
		w.stack = w.stack[:len(w.stack)-1]

		if top.expand {
			w.expand(ctx, top.step.Folder)
			continue
		}
		if top.step.Kind == StepFolder {
			w.stack = append(w.stack, pending{expand: true, step: Step{Folder: top.step.Folder}})
		}
		return top.step, true
	}
	return Step{}, false
}

func (w *Walker) expand(ctx context.Context, folder store.Folder) {
	files, err := w.store.Files(ctx, folder)
	if err != nil {
		w.onError(folder, err)
		return
	}
	subs, err := w.store.Folders(ctx, folder)
	if err != nil {
		w.onError(folder, err)
		return
	}

	// Pushed in reverse so records pop first, then subfolders in order.
	for i := len(subs) - 1; i >= 0; i-- {
		w.stack = append(w.stack, pending{step: Step{Kind: StepFolder, Folder: subs[i]}})
	}
	for i := len(files) - 1; i >= 0; i-- {
		if !types.IsMetaFile(files[i].Name) {
			continue
		}
		w.stack = append(w.stack, pending{step: Step{Kind: StepRecord, Folder: folder, File: files[i]}})
	}
}
