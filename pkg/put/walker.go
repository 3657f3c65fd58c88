package put

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/rekkord/rekkord/pkg/blob"
	"github.com/rekkord/rekkord/pkg/rekhash"
	"github.com/rekkord/rekkord/pkg/splitter"
	"github.com/rekkord/rekkord/pkg/statcache"
	"github.com/rekkord/rekkord/pkg/workpool"
)

// run holds the state shared across one Put invocation's directory and
// file tasks: the bounded pools, the "big file" buffer budget, and the
// accumulated warnings/storage totals.
//
// Recursing into subdirectories submits new tasks to the same Dirs pool a
// parent directory's own task is running under, and blocks on them via a
// local WaitGroup. For directory trees deeper than DirPoolLimit this can
// starve: every in-flight directory task holds a pool slot while waiting
// on children that need one too. Real trees are shallow enough in practice
// that this is a deliberate simplification, not an oversight.
type run struct {
	p      *Putter
	pools  *workpool.Pools
	bigSem *semaphore.Weighted

	mu       sync.Mutex
	warnings []Warning
	partial  bool
	storage  int64
}

func newRun(ctx context.Context, p *Putter) *run {
	big := p.Opts.FileBigLimit
	if big < 1 {
		big = 1
	}
	return &run{
		p:      p,
		pools:  workpool.NewPools(ctx, p.Opts.DirPoolLimit, p.Opts.FilePoolLimit),
		bigSem: semaphore.NewWeighted(int64(big)),
	}
}

func (r *run) warn(path string, err error) {
	r.mu.Lock()
	r.warnings = append(r.warnings, Warning{Path: path, Err: err})
	r.partial = true
	r.mu.Unlock()
}

func (r *run) addStorage(n int64) {
	if n == 0 {
		return
	}
	r.mu.Lock()
	r.storage += n
	r.mu.Unlock()
}

func (r *run) snapshot() (warnings []Warning, partial bool, storage int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Warning(nil), r.warnings...), r.partial, r.storage
}

// processPath stats path and dispatches to the matching per-kind handler
// (§4.7 step 1: "Unknown/special files become RawFile{kind=Unknown,
// Readable=0} with a warning").
func (r *run) processPath(ctx context.Context, path string) blob.RawFile {
	name := filepath.Base(path)
	if err := ctx.Err(); err != nil {
		return blob.RawFile{Name: name}
	}

	info, err := os.Lstat(path)
	if err != nil {
		r.warn(path, err)
		return blob.RawFile{Name: name}
	}

	switch {
	case info.Mode()&os.ModeSymlink != 0 && !r.p.Opts.FollowSymlinks:
		return r.processSymlink(ctx, path, name, info)
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Stat(path)
		if err != nil {
			r.warn(path, err)
			return blob.RawFile{Name: name}
		}
		if target.IsDir() {
			return r.processDirectory(ctx, path, name, target)
		}
		return r.processFile(ctx, path, name, target)
	case info.IsDir():
		return r.processDirectory(ctx, path, name, info)
	case info.Mode().IsRegular():
		return r.processFile(ctx, path, name, info)
	default:
		r.warn(path, fmt.Errorf("put: unsupported file type %v", info.Mode()))
		return blob.RawFile{Name: name, Kind: blob.KindUnknown}
	}
}

func (r *run) processSymlink(ctx context.Context, path, name string, info os.FileInfo) blob.RawFile {
	target, err := os.Readlink(path)
	if err != nil {
		r.warn(path, err)
		return blob.RawFile{Name: name, Kind: blob.KindLink}
	}
	hash, _, n, err := r.p.Repo.Put(ctx, blob.TypeLink, blob.EncodeLink(target))
	if err != nil {
		r.warn(path, err)
		return blob.RawFile{Name: name, Kind: blob.KindLink}
	}
	r.addStorage(n)

	uid, gid := fileOwner(info)
	return blob.RawFile{
		Hash:  hash,
		Kind:  blob.KindLink,
		Flags: blob.FlagStated | blob.FlagReadable,
		Mtime: timeMillis(info.ModTime()),
		Btime: timeMillis(info.ModTime()),
		Mode:  uint32(info.Mode()),
		UID:   uid,
		GID:   gid,
		Size:  int64(len(target)),
		Name:  name,
	}
}

// processDirectory implements §4.7's per-directory task: enumerate, fan
// out children, wait for them, then assemble and write the Directory blob.
func (r *run) processDirectory(ctx context.Context, path, name string, info os.FileInfo) blob.RawFile {
	entries, err := os.ReadDir(path)
	if err != nil {
		r.warn(path, err)
		return blob.RawFile{Name: name, Kind: blob.KindDirectory}
	}

	results := make([]blob.RawFile, len(entries))
	var wg sync.WaitGroup
	for i, de := range entries {
		i, childPath := i, filepath.Join(path, de.Name())
		wg.Add(1)
		task := func(taskCtx context.Context) error {
			defer wg.Done()
			results[i] = r.processPath(taskCtx, childPath)
			return nil
		}
		if de.IsDir() {
			r.pools.Dirs.Go(task)
		} else {
			r.pools.Files.Go(task)
		}
	}
	wg.Wait()

	header := blob.DirectoryHeader{}
	for _, e := range results {
		header.TotalEntries++
		header.TotalSize += e.Size
	}
	dir := blob.Directory{Header: header, Entries: results}
	hash, _, n, err := r.p.Repo.Put(ctx, blob.TypeDirectory, dir.Encode())
	if err != nil {
		r.warn(path, err)
		return blob.RawFile{Name: name, Kind: blob.KindDirectory, Size: header.TotalSize}
	}
	r.addStorage(n)

	uid, gid := fileOwner(info)
	return blob.RawFile{
		Hash:  hash,
		Kind:  blob.KindDirectory,
		Flags: blob.FlagStated | blob.FlagReadable,
		Mtime: timeMillis(info.ModTime()),
		Btime: timeMillis(info.ModTime()),
		Mode:  uint32(info.Mode()),
		UID:   uid,
		GID:   gid,
		Size:  header.TotalSize,
		Name:  name,
	}
}

// processFile implements §4.7's per-file task, including the stat-cache
// short-circuit of step 1.
func (r *run) processFile(ctx context.Context, path, name string, info os.FileInfo) blob.RawFile {
	uid, gid := fileOwner(info)
	fp := statcache.Fingerprint{
		Mtime: timeMillis(info.ModTime()),
		Btime: timeMillis(info.ModTime()),
		Mode:  uint32(info.Mode()),
		Size:  info.Size(),
	}

	if r.p.Cache != nil {
		if hash, ok, err := r.p.Cache.Lookup(ctx, path, fp); err != nil {
			r.warn(path, err)
		} else if ok {
			return blob.RawFile{
				Hash: hash, Kind: blob.KindFile,
				Flags: blob.FlagStated | blob.FlagReadable,
				Mtime: fp.Mtime, Btime: fp.Btime, Mode: fp.Mode,
				UID: uid, GID: gid, Size: info.Size(), Name: name,
			}
		}
	}

	hash, size, n, err := r.splitFile(ctx, path)
	if err != nil {
		r.warn(path, err)
		return blob.RawFile{
			Name: name, Kind: blob.KindFile, Flags: blob.FlagStated,
			Mtime: fp.Mtime, Btime: fp.Btime, Mode: fp.Mode, UID: uid, GID: gid, Size: info.Size(),
		}
	}
	r.addStorage(n)

	if r.p.Cache != nil {
		if err := r.p.Cache.Upsert(ctx, path, fp, hash); err != nil {
			r.warn(path, err)
		}
	}

	return blob.RawFile{
		Hash: hash, Kind: blob.KindFile,
		Flags: blob.FlagStated | blob.FlagReadable,
		Mtime: fp.Mtime, Btime: fp.Btime, Mode: fp.Mode,
		UID: uid, GID: gid, Size: size, Name: name,
	}
}

// chunkResult pairs a chunk upload's outcome with its ordinal so concurrent,
// out-of-order sub-tasks can be reassembled deterministically (§5).
type chunkResult struct {
	index uint64
	entry blob.ChunkEntry
}

// splitFile implements §4.7 steps 2-4: feed the file through the splitter,
// upload each chunk, and assemble a File blob unless there was only one
// chunk. It returns the file's reference hash, its total plaintext size,
// and the ciphertext bytes newly written.
func (r *run) splitFile(ctx context.Context, path string) (rekhash.Hash, int64, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return rekhash.Hash{}, 0, 0, err
	}
	defer f.Close()

	s, err := splitter.New(r.p.Opts.SplitAvg, r.p.Opts.SplitMin, r.p.Opts.SplitMax, r.p.Opts.SplitSalt)
	if err != nil {
		return rekhash.Hash{}, 0, 0, err
	}

	big := r.bigSem.TryAcquire(1)
	if big {
		defer r.bigSem.Release(1)
	}
	bufSize := smallBufferSize(r.p.Opts.SplitMax)
	if big {
		bufSize = bigBufferSize(r.p.Opts.SplitMax)
	}
	buf := make([]byte, bufSize)

	// Chunk uploads run as sub-tasks on a pool of their own rather than
	// inline in emit, per §4.7 step 3/§5: chunk tasks for one file may
	// complete out of order, so each ChunkEntry is recorded by ordinal and
	// reassembled in order once every sub-task finishes. A fresh pool per
	// file (rather than r.pools.Files, which the calling file task itself
	// occupies a slot in) avoids a slot ever waiting on itself.
	chunkPool := workpool.New(ctx, r.p.Opts.FilePoolLimit)
	var (
		mu      sync.Mutex
		entries []chunkResult
		total   int64
		storage int64
	)
	emit := func(index uint64, offset uint64, data []byte) {
		chunk := append([]byte(nil), data...)
		chunkPool.Go(func(taskCtx context.Context) error {
			hash, _, n, err := r.p.Repo.Put(taskCtx, blob.TypeChunk, chunk)
			if err != nil {
				return err
			}
			mu.Lock()
			entries = append(entries, chunkResult{
				index: index,
				entry: blob.ChunkEntry{Hash: hash, Offset: int64(offset), Length: int32(len(chunk))},
			})
			storage += n
			total += int64(len(chunk))
			mu.Unlock()
			return nil
		})
	}

	var readErrOuter error
	for {
		if err := ctx.Err(); err != nil {
			readErrOuter = err
			break
		}
		n, readErr := f.Read(buf)
		if n > 0 {
			s.Process(buf[:n], false, emit)
		}
		if readErr == io.EOF {
			s.Process(nil, true, emit)
			break
		}
		if readErr != nil {
			readErrOuter = readErr
			break
		}
	}
	if err := chunkPool.Wait(); err != nil {
		return rekhash.Hash{}, 0, storage, err
	}
	if readErrOuter != nil {
		return rekhash.Hash{}, 0, storage, readErrOuter
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].index < entries[j].index })
	chunks := make([]blob.ChunkEntry, len(entries))
	for i, e := range entries {
		chunks[i] = e.entry
	}

	switch len(chunks) {
	case 0:
		// Empty file: no bytes, no chunk blob (S1). The zero hash plus
		// size 0 tells the get side there's nothing to fetch.
		return rekhash.Hash{}, 0, storage, nil
	case 1:
		return chunks[0].Hash, total, storage, nil
	default:
		fileBlob := blob.File{Chunks: chunks}
		hash, _, n, err := r.p.Repo.Put(ctx, blob.TypeFile, fileBlob.Encode())
		if err != nil {
			return rekhash.Hash{}, 0, storage, err
		}
		return hash, total, storage + n, nil
	}
}
