// Package workpool implements the bounded worker pool of §4.7/§5: a
// weight-limited, cancellation-propagating fan-out used to run the
// directory-walking and file-processing pools separately so one never
// starves the other.
package workpool

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// DefaultLimit picks the default pool size for cores CPUs: min(4*cores, 64)
// per §4.7, clamped to at least 1.
func DefaultLimit(cores int) int64 {
	limit := int64(4 * cores)
	if limit > 64 {
		limit = 64
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// Pool runs tasks concurrently under a fixed concurrency limit. The first
// task to return an error cancels the pool's context, and Wait reports
// that error; tasks should poll ctx.Done() at their own suspension points
// to honor cancellation cooperatively (§5).
type Pool struct {
	sem *semaphore.Weighted
	g   *errgroup.Group
	ctx context.Context
}

// New builds a Pool bound to parent's lifetime with the given concurrency
// limit.
func New(parent context.Context, limit int64) *Pool {
	g, ctx := errgroup.WithContext(parent)
	return &Pool{sem: semaphore.NewWeighted(limit), g: g, ctx: ctx}
}

// Go submits fn to run once a slot is free. fn receives the pool's
// (possibly already-canceled) context.
func (p *Pool) Go(fn func(ctx context.Context) error) {
	p.g.Go(func() error {
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			return err
		}
		defer p.sem.Release(1)
		return fn(p.ctx)
	})
}

// Wait blocks until every submitted task has returned, and reports the
// first error (if any).
func (p *Pool) Wait() error {
	return p.g.Wait()
}

// Context is the pool's (possibly canceled) context, for callers that need
// to check cancellation outside of a submitted task.
func (p *Pool) Context() context.Context {
	return p.ctx
}

// Pools pairs the two pools §4.7 calls for: one for directory enumeration,
// one for file chunking/uploading, so a deep directory tree can't starve
// file uploads or vice versa.
type Pools struct {
	Dirs  *Pool
	Files *Pool
}

// NewPools builds a directory-walk/file-processing pool pair sharing
// parent's cancellation.
func NewPools(parent context.Context, dirLimit, fileLimit int64) *Pools {
	return &Pools{
		Dirs:  New(parent, dirLimit),
		Files: New(parent, fileLimit),
	}
}

// Wait waits for both pools and reports the first error from either.
func (p *Pools) Wait() error {
	dirErr := p.Dirs.Wait()
	fileErr := p.Files.Wait()
	if dirErr != nil {
		return dirErr
	}
	return fileErr
}
