package get

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rekkord/rekkord/pkg/blob"
	"github.com/rekkord/rekkord/pkg/workpool"
)

// run holds the state shared across one Get invocation's directory and
// file tasks: the bounded pools and the accumulated warnings/byte count.
type run struct {
	g     *Getter
	pools *workpool.Pools

	mu       sync.Mutex
	warnings []Warning
	written  int64
}

func newRun(ctx context.Context, g *Getter) *run {
	return &run{
		g:     g,
		pools: workpool.NewPools(ctx, g.Opts.DirPoolLimit, g.Opts.FilePoolLimit),
	}
}

func (r *run) warn(path string, err error) {
	r.mu.Lock()
	r.warnings = append(r.warnings, Warning{Path: path, Err: err})
	r.mu.Unlock()
}

func (r *run) addWritten(n int64) {
	r.mu.Lock()
	r.written += n
	r.mu.Unlock()
}

func (r *run) snapshot() ([]Warning, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Warning(nil), r.warnings...), r.written
}

// restoreEntry restores one Directory/Snapshot entry at dest, dispatching
// on its recorded Kind.
func (r *run) restoreEntry(ctx context.Context, dest string, entry blob.RawFile) {
	if !entry.Readable() {
		r.warn(dest, fmt.Errorf("get: source was unreadable at backup time, skipping"))
		return
	}

	switch entry.Kind {
	case blob.KindFile:
		if entry.Hash.IsZero() {
			// Empty file: put never wrote a blob for it (§3 S1), so there's
			// nothing to fetch.
			if err := r.restoreChunkFile(ctx, dest, nil); err != nil {
				r.warn(dest, err)
				return
			}
			r.applyFileMetadata(dest, entry)
			return
		}
		typ, body, err := r.g.Repo.Get(ctx, entry.Hash)
		if err != nil {
			r.warn(dest, err)
			return
		}
		if err := r.restoreFile(ctx, dest, typ, body); err != nil {
			r.warn(dest, err)
			return
		}
		r.applyFileMetadata(dest, entry)

	case blob.KindDirectory:
		typ, body, err := r.g.Repo.Get(ctx, entry.Hash)
		if err != nil {
			r.warn(dest, err)
			return
		}
		if typ != blob.TypeDirectory {
			r.warn(dest, fmt.Errorf("get: entry %s has unexpected type %v", dest, typ))
			return
		}
		dir, err := blob.DecodeDirectory(bytes.NewReader(body))
		if err != nil {
			r.warn(dest, err)
			return
		}
		r.restoreDirectory(ctx, dest, dir)
		r.applyFileMetadata(dest, entry)

	case blob.KindLink:
		typ, body, err := r.g.Repo.Get(ctx, entry.Hash)
		if err != nil {
			r.warn(dest, err)
			return
		}
		if typ != blob.TypeLink {
			r.warn(dest, fmt.Errorf("get: entry %s has unexpected type %v", dest, typ))
			return
		}
		target, err := blob.DecodeLink(bytes.NewReader(body))
		if err != nil {
			r.warn(dest, err)
			return
		}
		r.restoreSymlink(dest, target)

	default:
		r.warn(dest, fmt.Errorf("get: entry %s has unknown kind %v", dest, entry.Kind))
	}
}

// restoreDirectory materializes dir's entries under dest, applying dest's
// own metadata only after every child has finished (§5 "a directory's
// metadata ... is applied only after all its children complete").
func (r *run) restoreDirectory(ctx context.Context, dest string, dir blob.Directory) {
	if err := prepareDir(dest, r.g.Opts.Force); err != nil {
		r.warn(dest, err)
		return
	}

	var wg sync.WaitGroup
	for _, entry := range dir.Entries {
		entry := entry
		childDest := filepath.Join(dest, entry.Name)
		wg.Add(1)
		task := func(taskCtx context.Context) error {
			defer wg.Done()
			r.restoreEntry(taskCtx, childDest, entry)
			return nil
		}
		if entry.Kind == blob.KindDirectory {
			r.pools.Dirs.Go(task)
		} else {
			r.pools.Files.Go(task)
		}
	}
	wg.Wait()
}

// restoreSnapshotRoot materializes a Snapshot's synthetic root directory.
// Root entry names may contain separators (absolute paths with the leading
// "/" stripped); Flatten discards that structure and uses only the
// basename.
func (r *run) restoreSnapshotRoot(ctx context.Context, dest string, root blob.Directory) {
	if err := prepareDir(dest, r.g.Opts.Force); err != nil {
		r.warn(dest, err)
		return
	}

	var wg sync.WaitGroup
	for _, entry := range root.Entries {
		entry := entry
		name := entry.Name
		if r.g.Opts.Flatten {
			name = filepath.Base(name)
		}
		childDest := filepath.Join(dest, filepath.FromSlash(name))
		wg.Add(1)
		task := func(taskCtx context.Context) error {
			defer wg.Done()
			if err := mkdirParent(childDest); err != nil {
				r.warn(childDest, err)
				return nil
			}
			r.restoreEntry(taskCtx, childDest, entry)
			return nil
		}
		if entry.Kind == blob.KindDirectory {
			r.pools.Dirs.Go(task)
		} else {
			r.pools.Files.Go(task)
		}
	}
	wg.Wait()
}

// restoreChunkFile restores a root (or entry) whose content is exactly one
// chunk, already fetched as body.
func (r *run) restoreChunkFile(ctx context.Context, dest string, body []byte) error {
	if err := prepareDest(dest, r.g.Opts.Force); err != nil {
		return err
	}
	if err := mkdirParent(dest); err != nil {
		return err
	}

	tmp, tmpPath, err := createTemp(dest)
	if err != nil {
		return err
	}
	if _, err := tmp.WriteAt(body, 0); err != nil {
		tmp.Close()
		return fmt.Errorf("get: write %s: %w", tmpPath, err)
	}
	if err := finishTemp(tmp, tmpPath, dest); err != nil {
		return err
	}
	r.addWritten(int64(len(body)))
	return nil
}

// restoreMultiChunkFile implements §4.8's file-restoration steps for a
// File blob: reserve the final size, fan chunk fetches out across the
// file pool, verify total length, then atomically publish the result.
func (r *run) restoreMultiChunkFile(ctx context.Context, dest string, body []byte) error {
	f, err := blob.DecodeFile(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("get: decode file: %w", err)
	}
	total := f.TotalLength()

	if err := prepareDest(dest, r.g.Opts.Force); err != nil {
		return err
	}
	if err := mkdirParent(dest); err != nil {
		return err
	}

	tmp, tmpPath, err := createTemp(dest)
	if err != nil {
		return err
	}
	if err := tmp.Truncate(total); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("get: reserve %d bytes for %s: %w", total, tmpPath, err)
	}

	pool := workpool.New(ctx, r.g.Opts.FilePoolLimit)
	for _, c := range f.Chunks {
		c := c
		pool.Go(func(taskCtx context.Context) error {
			_, chunkBody, err := r.g.Repo.Get(taskCtx, c.Hash)
			if err != nil {
				return fmt.Errorf("get: fetch chunk %s: %w", c.Hash, err)
			}
			if int32(len(chunkBody)) != c.Length {
				return fmt.Errorf("get: chunk %s length %d, want %d", c.Hash, len(chunkBody), c.Length)
			}
			if _, err := tmp.WriteAt(chunkBody, c.Offset); err != nil {
				return fmt.Errorf("get: write chunk at offset %d: %w", c.Offset, err)
			}
			return nil
		})
	}
	if err := pool.Wait(); err != nil {
		tmp.Close()
		// Leave the temp file behind for diagnosis, per §4.8's fatal-error policy.
		return err
	}

	if len(f.Chunks) > 0 {
		last := f.Chunks[len(f.Chunks)-1]
		if last.Offset+int64(last.Length) != total {
			tmp.Close()
			return fmt.Errorf("get: reconstructed length mismatch for %s", dest)
		}
	}

	if err := finishTemp(tmp, tmpPath, dest); err != nil {
		return err
	}
	r.addWritten(total)
	return nil
}

func finishTemp(tmp *os.File, tmpPath, dest string) error {
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("get: fsync %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("get: close %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("get: rename %s to %s: %w", tmpPath, dest, err)
	}
	return nil
}

// restoreSymlink creates a symlink at dest, per §4.8 ("on platforms
// without symlinks, log and skip").
func (r *run) restoreSymlink(dest, target string) {
	if err := prepareDest(dest, r.g.Opts.Force); err != nil {
		r.warn(dest, err)
		return
	}
	if err := mkdirParent(dest); err != nil {
		r.warn(dest, err)
		return
	}
	if r.g.Opts.Force {
		if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
			r.warn(dest, err)
			return
		}
	}
	if err := os.Symlink(target, dest); err != nil {
		r.warn(dest, fmt.Errorf("get: create symlink: %w", err))
		return
	}
	r.addWritten(int64(len(target)))
}

// applyFileMetadata applies the recorded mode/mtime/owner to dest by path;
// failures are warnings, never fatal (§4.8 step 5).
func (r *run) applyFileMetadata(dest string, entry blob.RawFile) {
	if !entry.Stated() {
		return
	}
	if err := os.Chmod(dest, os.FileMode(entry.Mode).Perm()); err != nil {
		r.warn(dest, fmt.Errorf("get: chmod: %w", err))
	}
	mtime := time.UnixMilli(entry.Mtime)
	if err := os.Chtimes(dest, mtime, mtime); err != nil {
		r.warn(dest, fmt.Errorf("get: set mtime: %w", err))
	}
	if r.g.Opts.Chown {
		if err := chown(dest, entry.UID, entry.GID); err != nil {
			r.warn(dest, fmt.Errorf("get: chown: %w", err))
		}
	}
}

// restoreFile dispatches a fetched root/entry body as either a single
// chunk or a multi-chunk File blob.
func (r *run) restoreFile(ctx context.Context, dest string, typ blob.Type, body []byte) error {
	switch typ {
	case blob.TypeChunk:
		return r.restoreChunkFile(ctx, dest, body)
	case blob.TypeFile:
		return r.restoreMultiChunkFile(ctx, dest, body)
	default:
		return fmt.Errorf("get: entry %s has unexpected type %v", dest, typ)
	}
}
