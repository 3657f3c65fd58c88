// Package put implements the put pipeline of §4.7: walking a set of
// source paths, chunking and uploading their content, and finalizing a
// snapshot and tag for the result.
package put

import (
	"context"
	"runtime"

	"github.com/rekkord/rekkord/pkg/blob"
	"github.com/rekkord/rekkord/pkg/rekhash"
	"github.com/rekkord/rekkord/pkg/statcache"
	"github.com/rekkord/rekkord/pkg/workpool"
)

// Options configures a Put run.
type Options struct {
	// FollowSymlinks causes symlinks to be traversed as their target
	// rather than stored as Link blobs.
	FollowSymlinks bool
	// Raw inhibits snapshot/tag creation and requires exactly one input
	// path; the result's RootHash is then that single object's hash.
	Raw bool
	// SnapshotName labels the tag written on a non-raw run.
	SnapshotName string

	DirPoolLimit  int64
	FilePoolLimit int64

	SplitAvg  uint32
	SplitMin  uint32
	SplitMax  uint32
	SplitSalt uint64

	// FileBigLimit bounds how many files may use the large chunking
	// buffer concurrently; the rest use a small buffer (§4.7 step 2).
	FileBigLimit int
}

// DefaultOptions returns sane defaults sized to the local machine.
func DefaultOptions() Options {
	limit := workpool.DefaultLimit(runtime.NumCPU())
	return Options{
		DirPoolLimit:  limit,
		FilePoolLimit: limit,
		SplitAvg:      1 << 20,
		SplitMin:      1 << 19,
		SplitMax:      1 << 22,
		FileBigLimit:  4,
	}
}

// Warning records a non-fatal problem encountered while walking or
// uploading one path (§4.7 "Error policy").
type Warning struct {
	Path string
	Err  error
}

// Result summarizes a completed Put run.
type Result struct {
	// RootHash addresses the Snapshot blob (or, in raw mode, the single
	// uploaded object).
	RootHash rekhash.Hash
	// Size is the total plaintext bytes covered.
	Size int64
	// Storage is the ciphertext bytes newly written to the store this run.
	Storage int64
	// Partial is true if any file or directory entry could not be read.
	Partial  bool
	Warnings []Warning
}

// Putter runs put pipelines against one repository.
type Putter struct {
	Repo  *blob.Repository
	Cache *statcache.Cache
	Opts  Options
}

// New builds a Putter. cache may be nil to disable the stat-cache
// short-circuit.
func New(repo *blob.Repository, cache *statcache.Cache, opts Options) *Putter {
	return &Putter{Repo: repo, Cache: cache, Opts: opts}
}

// Put runs the pipeline over paths, which must be absolute. In raw mode
// exactly one path is required.
func (p *Putter) Put(ctx context.Context, paths []string) (Result, error) {
	if p.Opts.Raw {
		return p.putRaw(ctx, paths)
	}
	return p.putSnapshot(ctx, paths)
}
