package rekkord

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rekkord/rekkord/pkg/blob"
	"github.com/rekkord/rekkord/pkg/get"
	"github.com/rekkord/rekkord/pkg/put"
	"github.com/rekkord/rekkord/pkg/rekhash"
	"github.com/rekkord/rekkord/pkg/store/local"
)

const (
	testUsername = "owner"
	testPassword = "hunter2"
)

// newTestRepository creates a fresh repository rooted at a temp directory,
// returning the open (full-access) handle alongside the directory the
// local store writes into, so tests can tamper with raw store bytes.
func newTestRepository(t *testing.T) (*Repository, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := local.Open(dir)
	if err != nil {
		t.Fatalf("local.Open: %v", err)
	}
	repo, err := Create(context.Background(), st, "local://"+dir, testUsername, testPassword)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return repo, dir
}

// countBlobTypes tallies every stored blob by its decrypted Type, for
// asserting exactly which kinds of objects a run produced.
func countBlobTypes(ctx context.Context, t *testing.T, repo *Repository) map[blob.Type]int {
	t.Helper()
	b, err := repo.blobRepo()
	if err != nil {
		t.Fatalf("blobRepo: %v", err)
	}
	entries, err := repo.Store.List(ctx, "blobs/")
	if err != nil {
		t.Fatalf("List blobs/: %v", err)
	}
	counts := map[blob.Type]int{}
	for e := range entries {
		if e.Err != nil {
			t.Fatalf("list entry: %v", e.Err)
		}
		parts := strings.Split(e.Key, "/")
		hash, err := rekhash.FromHex(parts[len(parts)-1])
		if err != nil {
			t.Fatalf("parse hash from key %s: %v", e.Key, err)
		}
		typ, _, err := b.Get(ctx, hash)
		if err != nil {
			t.Fatalf("get %s: %v", e.Key, err)
		}
		counts[typ]++
	}
	return counts
}

// rootEntryNameOf mirrors pkg/put's normalization of an absolute top-level
// path into a snapshot root entry name, so tests can find where a restore
// placed it.
func rootEntryNameOf(path string) string {
	p := filepath.ToSlash(path)
	if len(p) >= 2 && p[1] == ':' {
		p = "/" + strings.ToLower(p[:1]) + p[2:]
	}
	return filepath.FromSlash(strings.TrimPrefix(p, "/"))
}

func prngStream(seed int64, n int) []byte {
	r := rand.New(rand.NewSource(seed))
	buf := make([]byte, n)
	r.Read(buf)
	return buf
}

// TestS1EmptySnapshot is scenario S1 (§8): a single empty file produces a
// snapshot blob and one directory blob, no chunk blobs, and restores to a
// zero-length file.
func TestS1EmptySnapshot(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t)

	src := t.TempDir()
	if err := os.Mkdir(filepath.Join(src, "x"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	emptyPath := filepath.Join(src, "x", "empty")
	if err := os.WriteFile(emptyPath, nil, 0o644); err != nil {
		t.Fatalf("write empty file: %v", err)
	}

	opts := put.DefaultOptions()
	opts.SnapshotName = "s"
	result, err := repo.Put(ctx, []string{filepath.Join(src, "x")}, opts)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if result.Partial {
		t.Fatalf("unexpected warnings: %v", result.Warnings)
	}

	counts := countBlobTypes(ctx, t, repo)
	if counts[blob.TypeSnapshot] != 1 {
		t.Fatalf("snapshot blob count = %d, want 1", counts[blob.TypeSnapshot])
	}
	if counts[blob.TypeDirectory] != 1 {
		t.Fatalf("directory blob count = %d, want 1", counts[blob.TypeDirectory])
	}
	if counts[blob.TypeChunk] != 0 {
		t.Fatalf("chunk blob count = %d, want 0", counts[blob.TypeChunk])
	}

	dest := filepath.Join(t.TempDir(), "out")
	if _, err := repo.Get(ctx, result.RootHash, dest, get.DefaultOptions()); err != nil {
		t.Fatalf("Get: %v", err)
	}

	restored := filepath.Join(dest, rootEntryNameOf(filepath.Join(src, "x")), "empty")
	info, err := os.Stat(restored)
	if err != nil {
		t.Fatalf("stat restored empty file: %v", err)
	}
	if info.Size() != 0 {
		t.Fatalf("restored empty file size = %d, want 0", info.Size())
	}
}

// TestS2SingleChunkFile is scenario S2: a 13-byte file is stored as exactly
// one chunk named by its content hash, with no wrapping File blob.
func TestS2SingleChunkFile(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t)

	content := []byte("hello, world\n")
	src := t.TempDir()
	filePath := filepath.Join(src, "greeting.txt")
	if err := os.WriteFile(filePath, content, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	b, err := repo.blobRepo()
	if err != nil {
		t.Fatalf("blobRepo: %v", err)
	}
	want := b.Keyer.Sum(byte(blob.TypeChunk), content)

	opts := put.DefaultOptions()
	opts.SnapshotName = "s2"
	result, err := repo.Put(ctx, []string{filePath}, opts)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	counts := countBlobTypes(ctx, t, repo)
	if counts[blob.TypeChunk] != 1 {
		t.Fatalf("chunk blob count = %d, want 1", counts[blob.TypeChunk])
	}
	if counts[blob.TypeFile] != 0 {
		t.Fatalf("file blob count = %d, want 0", counts[blob.TypeFile])
	}

	entries, err := repo.List(ctx, result.RootHash, 1)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var found bool
	for _, e := range entries {
		if e.Depth == 1 && e.Kind == blob.KindFile {
			found = true
			if e.Hash != want {
				t.Fatalf("RawFile.hash = %s, want %s", e.Hash, want)
			}
			if e.Type != blob.TypeChunk {
				t.Fatalf("entry type = %v, want chunk", e.Type)
			}
		}
	}
	if !found {
		t.Fatalf("no depth-1 file entry found in listing")
	}

	dest := filepath.Join(t.TempDir(), "out")
	if _, err := repo.Get(ctx, result.RootHash, dest, get.DefaultOptions()); err != nil {
		t.Fatalf("Get: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dest, rootEntryNameOf(filePath)))
	if err != nil {
		t.Fatalf("read restored file: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("restored content = %q, want %q", got, content)
	}
}

// TestS3MultiChunkDeterministicCut is scenario S3: splitting the same byte
// stream under the same (avg, min, max, salt) always yields the same chunk
// boundaries, independent of which repository stores the result.
func TestS3MultiChunkDeterministicCut(t *testing.T) {
	ctx := context.Background()
	content := prngStream(1, 10<<20) // 10 MiB fixed stream

	boundariesOf := func() []blob.ChunkEntry {
		repo, _ := newTestRepository(t)
		src := filepath.Join(t.TempDir(), "stream.bin")
		if err := os.WriteFile(src, content, 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}

		opts := put.DefaultOptions()
		opts.Raw = true
		opts.SplitAvg = 1 << 20
		opts.SplitMin = 1 << 19
		opts.SplitMax = 1 << 22
		opts.SplitSalt = 0
		result, err := repo.Put(ctx, []string{src}, opts)
		if err != nil {
			t.Fatalf("Put: %v", err)
		}

		b, err := repo.blobRepo()
		if err != nil {
			t.Fatalf("blobRepo: %v", err)
		}
		typ, body, err := b.Get(ctx, result.RootHash)
		if err != nil {
			t.Fatalf("Get root: %v", err)
		}
		if typ != blob.TypeFile {
			t.Fatalf("root type = %v, want file (content should span multiple chunks)", typ)
		}
		f, err := blob.DecodeFile(strings.NewReader(string(body)))
		if err != nil {
			t.Fatalf("DecodeFile: %v", err)
		}
		return f.Chunks
	}

	first := boundariesOf()
	second := boundariesOf()
	if len(first) < 2 {
		t.Fatalf("expected multiple chunks for a 10 MiB stream, got %d", len(first))
	}
	if len(first) != len(second) {
		t.Fatalf("chunk count differs across runs: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Offset != second[i].Offset || first[i].Length != second[i].Length {
			t.Fatalf("chunk %d boundary differs: {%d,%d} vs {%d,%d}",
				i, first[i].Offset, first[i].Length, second[i].Offset, second[i].Length)
		}
	}
}

// TestS4Deduplication is scenario S4: two files with identical contents
// share a single stored chunk blob.
func TestS4Deduplication(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t)

	content := prngStream(2, 1000) // shorter than min: guaranteed single chunk
	src := t.TempDir()
	for _, sub := range []string{"a", "b"} {
		if err := os.Mkdir(filepath.Join(src, sub), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", sub, err)
		}
		if err := os.WriteFile(filepath.Join(src, sub, "file"), content, 0o644); err != nil {
			t.Fatalf("write %s/file: %v", sub, err)
		}
	}

	opts := put.DefaultOptions()
	opts.SnapshotName = "dedup"
	result, err := repo.Put(ctx, []string{src}, opts)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if result.Partial {
		t.Fatalf("unexpected warnings: %v", result.Warnings)
	}

	counts := countBlobTypes(ctx, t, repo)
	if counts[blob.TypeChunk] != 1 {
		t.Fatalf("chunk blob count = %d, want 1", counts[blob.TypeChunk])
	}

	entries, err := repo.List(ctx, result.RootHash, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var hashes []rekhash.Hash
	for _, e := range entries {
		if e.Kind == blob.KindFile && filepath.Base(e.Path) == "file" {
			hashes = append(hashes, e.Hash)
		}
	}
	if len(hashes) != 2 {
		t.Fatalf("found %d file entries named \"file\", want 2", len(hashes))
	}
	if hashes[0] != hashes[1] {
		t.Fatalf("RawFile hashes differ: %s vs %s", hashes[0], hashes[1])
	}
}

// TestS5WriteOnlyRoundTripRejection is scenario S5: ingesting with only the
// write key succeeds, a full-key holder can restore it, and the write-only
// handle itself can never read blobs back.
func TestS5WriteOnlyRoundTripRejection(t *testing.T) {
	ctx := context.Background()
	repo, dir := newTestRepository(t)

	if err := repo.AddUser(ctx, "writer", "writerpw", false); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	st, err := local.Open(dir)
	if err != nil {
		t.Fatalf("local.Open: %v", err)
	}
	writeRepo, err := Open(ctx, st, repo.URL, "writer", "writerpw", "")
	if err != nil {
		t.Fatalf("Open (write-only): %v", err)
	}
	if writeRepo.Full() {
		t.Fatalf("write-only handle reports Full() == true")
	}

	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "x"), []byte("secret bytes"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	opts := put.DefaultOptions()
	opts.SnapshotName = "s5"
	result, err := writeRepo.Put(ctx, []string{src}, opts)
	if err != nil {
		t.Fatalf("write-only Put: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "out")
	if _, err := writeRepo.Get(ctx, result.RootHash, dest, get.DefaultOptions()); err == nil {
		t.Fatalf("expected write-only Get to be refused")
	}

	fullRepo, err := Open(ctx, st, repo.URL, testUsername, testPassword, "")
	if err != nil {
		t.Fatalf("Open (full): %v", err)
	}
	if _, err := fullRepo.Get(ctx, result.RootHash, dest, get.DefaultOptions()); err != nil {
		t.Fatalf("full-access Get: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dest, rootEntryNameOf(src), "x"))
	if err != nil {
		t.Fatalf("read restored file: %v", err)
	}
	if string(got) != "secret bytes" {
		t.Fatalf("restored content = %q", got)
	}
}

// TestS6Tampering is scenario S6: flipping one byte of a stored blob makes
// the next restore of that blob fail, and no file is produced for it.
func TestS6Tampering(t *testing.T) {
	ctx := context.Background()
	repo, dir := newTestRepository(t)

	content := prngStream(3, 2000) // shorter than default min: single chunk
	src := filepath.Join(t.TempDir(), "f.bin")
	if err := os.WriteFile(src, content, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	opts := put.DefaultOptions()
	opts.Raw = true
	result, err := repo.Put(ctx, []string{src}, opts)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	objPath := filepath.Join(dir, filepath.FromSlash(blob.Key(result.RootHash)))
	data, err := os.ReadFile(objPath)
	if err != nil {
		t.Fatalf("read stored blob: %v", err)
	}
	data[len(data)-1] ^= 0xFF
	if err := os.WriteFile(objPath, data, 0o644); err != nil {
		t.Fatalf("rewrite tampered blob: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "restored")
	if _, err := repo.Get(ctx, result.RootHash, dest, get.DefaultOptions()); err == nil {
		t.Fatalf("expected Get to fail on tampered blob")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Fatalf("expected no file at %s after failed restore, stat err = %v", dest, err)
	}
}
