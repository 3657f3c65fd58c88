package blob

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"

	"github.com/rekkord/rekkord/pkg/envelope"
	"github.com/rekkord/rekkord/pkg/rekhash"
	"github.com/rekkord/rekkord/pkg/store"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStore() *memStore { return &memStore{objects: make(map[string][]byte)} }

func (m *memStore) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStore) Write(ctx context.Context, key string, produce func(io.Writer) error) (int64, error) {
	var buf bytes.Buffer
	if err := produce(&buf); err != nil {
		return 0, err
	}
	m.mu.Lock()
	m.objects[key] = buf.Bytes()
	m.mu.Unlock()
	return int64(buf.Len()), nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func (m *memStore) List(ctx context.Context, prefix string) (<-chan store.ListEntry, error) {
	out := make(chan store.ListEntry)
	close(out)
	return out, nil
}

func (m *memStore) Stat(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *memStore) CreateNamespace(ctx context.Context, path string) error { return nil }
func (m *memStore) DeleteNamespace(ctx context.Context, path string) error { return nil }

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

func newTestRepository(t *testing.T) (*Repository, *memStore) {
	t.Helper()
	k, err := envelope.GenerateKeys()
	if err != nil {
		t.Fatalf("GenerateKeys: %v", err)
	}
	ms := newMemStore()
	return &Repository{
		Store: ms,
		Keys:  k,
		Keyer: rekhash.NewKeyer(k.Salt),
	}, ms
}

func TestRepositoryPutGetRoundTrip(t *testing.T) {
	r, _ := newTestRepository(t)
	ctx := context.Background()

	plaintext := []byte("hello, rekkord")
	hash, wrote, n, err := r.Put(ctx, TypeChunk, plaintext)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !wrote {
		t.Fatalf("expected first Put to write a new blob")
	}
	if n <= 0 {
		t.Fatalf("expected positive bytes written, got %d", n)
	}

	gotType, got, err := r.Get(ctx, hash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if gotType != TypeChunk {
		t.Fatalf("got type %v, want %v", gotType, TypeChunk)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round-trip mismatch: got %q, want %q", got, plaintext)
	}
}

func TestRepositoryPutDeduplicates(t *testing.T) {
	r, ms := newTestRepository(t)
	ctx := context.Background()

	plaintext := []byte("deduplicate me")
	if _, wrote, _, err := r.Put(ctx, TypeChunk, plaintext); err != nil || !wrote {
		t.Fatalf("first Put: wrote=%v err=%v", wrote, err)
	}
	if ms.count() != 1 {
		t.Fatalf("expected 1 object after first Put, got %d", ms.count())
	}

	hash2, wrote2, n2, err := r.Put(ctx, TypeChunk, plaintext)
	if err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if wrote2 {
		t.Fatalf("second Put of identical plaintext should not write again")
	}
	if n2 != 0 {
		t.Fatalf("expected 0 bytes written on deduplicated Put, got %d", n2)
	}
	if ms.count() != 1 {
		t.Fatalf("expected still 1 object after deduplicated Put, got %d", ms.count())
	}
	_ = hash2
}

func TestRepositorySameBytesDifferentTypeDontCollide(t *testing.T) {
	r, ms := newTestRepository(t)
	ctx := context.Background()

	plaintext := []byte("same bytes, different type")
	chunkHash, _, _, err := r.Put(ctx, TypeChunk, plaintext)
	if err != nil {
		t.Fatalf("Put chunk: %v", err)
	}
	dirHash, _, _, err := r.Put(ctx, TypeDirectory, plaintext)
	if err != nil {
		t.Fatalf("Put directory: %v", err)
	}
	if chunkHash == dirHash {
		t.Fatalf("hashes for the same bytes under different types must differ")
	}
	if ms.count() != 2 {
		t.Fatalf("expected 2 distinct objects, got %d", ms.count())
	}
}

func TestRepositoryGetDetectsTampering(t *testing.T) {
	r, ms := newTestRepository(t)
	ctx := context.Background()

	hash, _, _, err := r.Put(ctx, TypeChunk, []byte("original"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Swap in a completely different, validly-sealed blob under the same
	// key, simulating on-disk corruption that still decrypts cleanly.
	other := newTestRepositoryKeys(t, r)
	otherHash, _, _, err := other.Put(ctx, TypeChunk, []byte("tampered"))
	if err != nil {
		t.Fatalf("Put other: %v", err)
	}
	ms.mu.Lock()
	ms.objects[Key(hash)] = ms.objects[Key(otherHash)]
	ms.mu.Unlock()

	if _, _, err := r.Get(ctx, hash); err == nil {
		t.Fatalf("expected Get to detect content that doesn't hash to its name")
	}
}

// newTestRepositoryKeys builds a second Repository sharing r's keys and
// store, used to seal a "tampered" blob in TestRepositoryGetDetectsTampering.
func newTestRepositoryKeys(t *testing.T, r *Repository) *Repository {
	t.Helper()
	return &Repository{Store: r.Store, Keys: r.Keys, Keyer: r.Keyer}
}
