// Package get implements the get pipeline of §4.8: given a root hash, it
// determines the object's type and materializes it at a destination path,
// fanning chunk and directory-entry fetches out across a bounded pool.
package get

import (
	"bytes"
	"context"
	"fmt"
	"runtime"

	"github.com/rekkord/rekkord/pkg/blob"
	"github.com/rekkord/rekkord/pkg/rekhash"
	"github.com/rekkord/rekkord/pkg/workpool"
)

// Options configures a Get run.
type Options struct {
	// Force allows overwriting existing non-empty directories/files and
	// replacing existing symlinks.
	Force bool
	// Flatten, meaningful only when restoring a Snapshot, discards any
	// path structure in the snapshot root's entry names and writes every
	// top-level entry directly under dest by basename.
	Flatten bool
	// Chown applies the recorded uid/gid on restore, when permitted.
	Chown bool

	DirPoolLimit  int64
	FilePoolLimit int64
}

// DefaultOptions returns sane defaults sized to the local machine.
func DefaultOptions() Options {
	limit := workpool.DefaultLimit(runtime.NumCPU())
	return Options{DirPoolLimit: limit, FilePoolLimit: limit}
}

// Warning records a non-fatal problem encountered while restoring one path
// (§4.8 "Non-fatal warnings (metadata application) are reported but the
// file is still produced").
type Warning struct {
	Path string
	Err  error
}

// Result summarizes a completed Get run.
type Result struct {
	BytesWritten int64
	Warnings     []Warning
}

// Getter runs get pipelines against one repository.
type Getter struct {
	Repo *blob.Repository
	Opts Options
}

// New builds a Getter.
func New(repo *blob.Repository, opts Options) *Getter {
	return &Getter{Repo: repo, Opts: opts}
}

// Get fetches hash, determines its type, and materializes it at dest.
func (g *Getter) Get(ctx context.Context, hash rekhash.Hash, dest string) (Result, error) {
	typ, body, err := g.Repo.Get(ctx, hash)
	if err != nil {
		return Result{}, fmt.Errorf("get: fetch root %s: %w", hash, err)
	}

	r := newRun(ctx, g)
	switch typ {
	case blob.TypeChunk:
		if err := r.restoreChunkFile(ctx, dest, body); err != nil {
			return Result{}, err
		}
	case blob.TypeFile:
		if err := r.restoreMultiChunkFile(ctx, dest, body); err != nil {
			return Result{}, err
		}
	case blob.TypeDirectory:
		dir, err := blob.DecodeDirectory(bytes.NewReader(body))
		if err != nil {
			return Result{}, fmt.Errorf("get: decode directory: %w", err)
		}
		r.restoreDirectory(ctx, dest, dir)
	case blob.TypeSnapshot:
		snap, err := blob.DecodeSnapshot(bytes.NewReader(body))
		if err != nil {
			return Result{}, fmt.Errorf("get: decode snapshot: %w", err)
		}
		r.restoreSnapshotRoot(ctx, dest, snap.Root)
	case blob.TypeLink:
		target, err := blob.DecodeLink(bytes.NewReader(body))
		if err != nil {
			return Result{}, fmt.Errorf("get: decode link: %w", err)
		}
		r.restoreSymlink(dest, target)
	default:
		return Result{}, fmt.Errorf("get: unsupported root object type %v", typ)
	}

	warnings, written := r.snapshot()
	return Result{BytesWritten: written, Warnings: warnings}, nil
}
