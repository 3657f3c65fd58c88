package get

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rekkord/rekkord/pkg/blob"
	"github.com/rekkord/rekkord/pkg/envelope"
	"github.com/rekkord/rekkord/pkg/put"
	"github.com/rekkord/rekkord/pkg/rekhash"
	"github.com/rekkord/rekkord/pkg/store"
)

type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeStore() *fakeStore { return &fakeStore{objects: make(map[string][]byte)} }

func (f *fakeStore) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeStore) Write(ctx context.Context, key string, produce func(io.Writer) error) (int64, error) {
	var buf bytes.Buffer
	if err := produce(&buf); err != nil {
		return 0, err
	}
	f.mu.Lock()
	f.objects[key] = buf.Bytes()
	f.mu.Unlock()
	return int64(buf.Len()), nil
}

func (f *fakeStore) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	delete(f.objects, key)
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) List(ctx context.Context, prefix string) (<-chan store.ListEntry, error) {
	out := make(chan store.ListEntry)
	close(out)
	return out, nil
}

func (f *fakeStore) Stat(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok, nil
}

func (f *fakeStore) CreateNamespace(ctx context.Context, path string) error { return nil }
func (f *fakeStore) DeleteNamespace(ctx context.Context, path string) error { return nil }

func newTestRepo(t *testing.T) *blob.Repository {
	t.Helper()
	k, err := envelope.GenerateKeys()
	if err != nil {
		t.Fatalf("GenerateKeys: %v", err)
	}
	return &blob.Repository{Store: newFakeStore(), Keys: k, Keyer: rekhash.NewKeyer(k.Salt)}
}

func TestGetSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("write a.txt: %v", err)
	}
	if err := os.Mkdir(filepath.Join(src, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir sub: %v", err)
	}
	big := bytes.Repeat([]byte("0123456789abcdef"), 1<<14) // 256KiB, forces multiple chunks
	if err := os.WriteFile(filepath.Join(src, "sub", "big.bin"), big, 0o644); err != nil {
		t.Fatalf("write big.bin: %v", err)
	}

	putOpts := put.DefaultOptions()
	putOpts.SnapshotName = "roundtrip"
	putOpts.SplitAvg = 1 << 16
	putOpts.SplitMin = 1 << 15
	putOpts.SplitMax = 1 << 17
	putter := put.New(repo, nil, putOpts)
	result, err := putter.Put(ctx, []string{src})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if result.Partial {
		t.Fatalf("unexpected warnings from Put: %v", result.Warnings)
	}

	dest := filepath.Join(t.TempDir(), "restore")
	getter := New(repo, DefaultOptions())
	getResult, err := getter.Get(ctx, result.RootHash, dest)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(getResult.Warnings) > 0 {
		t.Fatalf("unexpected warnings from Get: %v", getResult.Warnings)
	}

	srcName := rootEntryNameOf(src)
	gotA, err := os.ReadFile(filepath.Join(dest, srcName, "a.txt"))
	if err != nil {
		t.Fatalf("read restored a.txt: %v", err)
	}
	if string(gotA) != "hello" {
		t.Fatalf("a.txt = %q, want %q", gotA, "hello")
	}

	gotBig, err := os.ReadFile(filepath.Join(dest, srcName, "sub", "big.bin"))
	if err != nil {
		t.Fatalf("read restored big.bin: %v", err)
	}
	if !bytes.Equal(gotBig, big) {
		t.Fatalf("big.bin round-trip mismatch: got %d bytes, want %d", len(gotBig), len(big))
	}
}

// rootEntryNameOf mirrors pkg/put's path normalization for an absolute
// source path, so the test can find where the snapshot placed it.
func rootEntryNameOf(path string) string {
	p := filepath.ToSlash(path)
	if len(p) >= 2 && p[1] == ':' {
		p = "/" + strings.ToLower(p[:1]) + p[2:]
	}
	return filepath.FromSlash(strings.TrimPrefix(p, "/"))
}

func TestGetSingleChunkRaw(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	content := []byte("raw content")
	hash, _, _, err := repo.Put(ctx, blob.TypeChunk, content)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "out.bin")
	getter := New(repo, DefaultOptions())
	result, err := getter.Get(ctx, hash, dest)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if result.BytesWritten != int64(len(content)) {
		t.Fatalf("BytesWritten = %d, want %d", result.BytesWritten, len(content))
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("content mismatch: got %q, want %q", got, content)
	}
}

func TestGetRefusesExistingWithoutForce(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	hash, _, _, err := repo.Put(ctx, blob.TypeChunk, []byte("x"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "out.bin")
	if err := os.WriteFile(dest, []byte("existing"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	getter := New(repo, DefaultOptions())
	if _, err := getter.Get(ctx, hash, dest); err == nil {
		t.Fatalf("expected error restoring over an existing file without force")
	}
}
