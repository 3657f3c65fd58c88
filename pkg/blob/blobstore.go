package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/rekkord/rekkord/pkg/envelope"
	"github.com/rekkord/rekkord/pkg/rekhash"
	"github.com/rekkord/rekkord/pkg/rekkorderr"
	"github.com/rekkord/rekkord/pkg/statcache"
	"github.com/rekkord/rekkord/pkg/store"
)

// Key formats a blob's object-store key from its hash: the 12-bit (3 hex
// char) prefix bucket followed by the full hash, per §4.5's concrete
// layout (`blobs/<xxx>/<hash>`, 4096 buckets).
func Key(hash rekhash.Hash) string {
	h := hash.String()
	return "blobs/" + h[:3] + "/" + h
}

// Repository is the blob layer of §2: typed read/write of content-addressed
// blobs on top of an object store, the crypto envelope, and (optionally)
// the stat cache's exists-check short-circuit.
type Repository struct {
	Store store.Store
	Keys  envelope.Keys
	Keyer rekhash.Keyer
	// Cache, if set, suppresses redundant uploads and store.Stat calls for
	// blobs already known present (§4.4 "Write order").
	Cache *statcache.Cache
}

// exists reports whether key is already stored, consulting the cache first
// when one is configured.
func (r *Repository) exists(ctx context.Context, key string) (bool, error) {
	if r.Cache != nil {
		return r.Cache.CheckObject(ctx, r.Store, key)
	}
	return r.Store.Stat(ctx, key)
}

func (r *Repository) recordWritten(ctx context.Context, key string) error {
	if r.Cache == nil {
		return nil
	}
	return r.Cache.RecordObject(ctx, key)
}

// Put computes plaintext's content hash under typ, skips the write if an
// identical blob is already stored, and otherwise seals and writes it.
// It returns the hash plaintext is now addressed by, whether the blob was
// newly written (false on a deduplicated hit), and the number of
// ciphertext bytes written to the store (0 on a deduplicated hit), for the
// put pipeline's storage accounting (§3 Snapshot header `storage`).
func (r *Repository) Put(ctx context.Context, typ Type, plaintext []byte) (rekhash.Hash, bool, int64, error) {
	hash := r.Keyer.Sum(byte(typ), plaintext)
	key := Key(hash)

	present, err := r.exists(ctx, key)
	if err != nil {
		return hash, false, 0, err
	}
	if present {
		return hash, false, 0, nil
	}

	n, err := r.Store.Write(ctx, key, func(w io.Writer) error {
		_, err := envelope.WriteBlob(w, r.Keys.PKey, byte(typ), bytes.NewReader(plaintext))
		return err
	})
	if err != nil {
		return hash, false, 0, fmt.Errorf("blob: write %s: %w", key, err)
	}

	if err := r.recordWritten(ctx, key); err != nil {
		return hash, true, n, err
	}
	return hash, true, n, nil
}

// Get fetches and opens the blob named hash, verifying that its plaintext
// hashes back to hash under the type recorded in its envelope (§3's
// read-side invariant). The returned Type lets callers that don't know in
// advance whether a reference names a File or a Chunk (§3's single-chunk
// sharing rule) dispatch on what they actually got.
func (r *Repository) Get(ctx context.Context, hash rekhash.Hash) (Type, []byte, error) {
	key := Key(hash)
	rc, err := r.Store.Read(ctx, key)
	if err != nil {
		return 0, nil, err
	}
	defer rc.Close()

	rawType, body, err := envelope.ReadBlob(rc, r.Keys.SKey)
	if err != nil {
		return 0, nil, err
	}
	plaintext, err := io.ReadAll(body)
	if err != nil {
		return 0, nil, err
	}
	if !r.Keyer.Verify(rawType, plaintext, hash) {
		return 0, nil, rekkorderr.Corruptionf("blob.Get", key, nil, "content does not hash to its name")
	}
	return Type(rawType), plaintext, nil
}
