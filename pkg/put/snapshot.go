package put

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rekkord/rekkord/pkg/blob"
	"github.com/rekkord/rekkord/pkg/keys"
)

// putSnapshot implements §4.7's non-raw path: walk every top-level source
// path concurrently, assemble a synthetic root directory from the
// results, emit a Snapshot blob, and finalize it with a tag.
func (p *Putter) putSnapshot(ctx context.Context, paths []string) (Result, error) {
	if len(paths) == 0 {
		return Result{}, fmt.Errorf("put: no paths given")
	}
	if len(p.Opts.SnapshotName) > blob.MaxSnapshotName {
		return Result{}, fmt.Errorf("put: snapshot name is longer than %d bytes", blob.MaxSnapshotName)
	}

	r := newRun(ctx, p)
	entries := make([]blob.RawFile, len(paths))
	var wg sync.WaitGroup
	for i, path := range paths {
		i, path := i, path
		wg.Add(1)
		r.pools.Dirs.Go(func(taskCtx context.Context) error {
			defer wg.Done()
			rf := r.processPath(taskCtx, path)
			rf.Name = rootEntryName(path)
			entries[i] = rf
			return nil
		})
	}
	wg.Wait()

	root := blob.Directory{Entries: entries}
	for _, e := range entries {
		root.Header.TotalEntries++
		root.Header.TotalSize += e.Size
	}

	warnings, partial, storageBeforeSnapshot := r.snapshot()
	now := time.Now().UnixMilli()
	snap := blob.Snapshot{
		Header: blob.SnapshotHeader{
			Time: now,
			Name: p.Opts.SnapshotName,
			Size: root.Header.TotalSize,
			// Best-effort: the snapshot and tag objects themselves aren't
			// counted yet, since their size isn't known until they're
			// written (§3 SnapshotHeader.Storage "best-effort").
			Storage: storageBeforeSnapshot,
		},
		Root: root,
	}

	snapHash, _, n, err := p.Repo.Put(ctx, blob.TypeSnapshot, snap.Encode())
	if err != nil {
		return Result{}, fmt.Errorf("put: write snapshot: %w", err)
	}
	r.addStorage(n)

	tagBytes, err := keys.SealTag(p.Repo.Keys.PKey, snapHash, keys.TagPayload{
		Time: now,
		Name: p.Opts.SnapshotName,
	})
	if err != nil {
		return Result{}, fmt.Errorf("put: seal tag: %w", err)
	}
	tagKey := "tags/" + randomName()
	tagN, err := p.Repo.Store.Write(ctx, tagKey, func(w io.Writer) error {
		_, err := w.Write(tagBytes)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("put: write tag: %w", err)
	}
	r.addStorage(tagN)

	_, _, finalStorage := r.snapshot()
	return Result{
		RootHash: snapHash,
		Size:     root.Header.TotalSize,
		Storage:  finalStorage,
		Partial:  partial,
		Warnings: warnings,
	}, nil
}

// putRaw implements §4.7's raw path: a single source is walked and its own
// hash becomes the result, with no Snapshot blob or tag written.
func (p *Putter) putRaw(ctx context.Context, paths []string) (Result, error) {
	if len(paths) != 1 {
		return Result{}, fmt.Errorf("put: raw mode requires exactly one path, got %d", len(paths))
	}

	r := newRun(ctx, p)
	rf := r.processPath(ctx, paths[0])
	warnings, partial, storage := r.snapshot()

	if rf.Hash.IsZero() {
		if len(warnings) > 0 {
			return Result{}, warnings[0].Err
		}
		return Result{}, fmt.Errorf("put: failed to read %s", paths[0])
	}

	return Result{
		RootHash: rf.Hash,
		Size:     rf.Size,
		Storage:  storage,
		Partial:  partial,
		Warnings: warnings,
	}, nil
}
