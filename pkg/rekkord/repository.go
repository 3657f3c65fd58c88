// Package rekkord ties the blob layer, put/get pipelines, and key
// hierarchy into one repository handle: authentication, lock/unlock, and
// the list/locate operations of §4.9.
package rekkord

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/curve25519"

	"github.com/rekkord/rekkord/pkg/blob"
	"github.com/rekkord/rekkord/pkg/envelope"
	"github.com/rekkord/rekkord/pkg/get"
	"github.com/rekkord/rekkord/pkg/keys"
	"github.com/rekkord/rekkord/pkg/put"
	"github.com/rekkord/rekkord/pkg/rekhash"
	"github.com/rekkord/rekkord/pkg/rekkorderr"
	"github.com/rekkord/rekkord/pkg/statcache"
	"github.com/rekkord/rekkord/pkg/store"
)

// markerKey names the unencrypted object that identifies a repository
// before any authentication has happened (§6's "rekkord" path).
const markerKey = "rekkord"

// State is the lock state of a Repository handle.
type State int

const (
	// StateLocked means no key material is held; every operation that
	// touches blobs or tags fails.
	StateLocked State = iota
	// StateUnlocked means either full or write-only key material is held.
	StateUnlocked
)

func (s State) String() string {
	switch s {
	case StateLocked:
		return "locked"
	case StateUnlocked:
		return "unlocked"
	default:
		return "unknown"
	}
}

// Repository is a handle to one backup repository: an object store plus
// (when unlocked) the key material needed to read or write blobs.
type Repository struct {
	mu    sync.RWMutex
	state State

	ID    keys.RepositoryID
	URL   string
	Store store.Store

	keys envelope.Keys // wiped by Lock
	full bool          // true if keys.SKey is usable

	cache *statcache.Cache
	blobs *blob.Repository
}

// Create initializes a brand-new repository: it mints a repository id and
// keypair, writes the unencrypted marker object, and seals both a
// full-access and a write-only key record for username under password.
// The returned handle is already unlocked with full access.
func Create(ctx context.Context, st store.Store, url, username, password string) (*Repository, error) {
	if present, err := st.Stat(ctx, markerKey); err != nil {
		return nil, err
	} else if present {
		return nil, fmt.Errorf("rekkord: %s is already initialized", url)
	}

	id, err := keys.NewRepositoryID()
	if err != nil {
		return nil, err
	}
	k, err := envelope.GenerateKeys()
	if err != nil {
		return nil, err
	}

	if err := st.CreateNamespace(ctx, ""); err != nil {
		return nil, err
	}
	if _, err := st.Write(ctx, markerKey, func(w io.Writer) error {
		_, err := w.Write(id[:])
		return err
	}); err != nil {
		return nil, fmt.Errorf("rekkord: write repository marker: %w", err)
	}

	if err := writeUserRecord(ctx, st, username, "full", password, k.SKey); err != nil {
		return nil, err
	}
	if err := writeUserRecord(ctx, st, username, "write", password, k.PKey); err != nil {
		return nil, err
	}

	return &Repository{
		state: StateUnlocked,
		ID:    id,
		URL:   url,
		Store: st,
		keys:  k,
		full:  true,
		blobs: newBlobRepo(st, k, nil),
	}, nil
}

// AddUser seals an additional key record for username under password on an
// already-unlocked repository. full selects a full-access record (wrapping
// skey) versus a write-only one (wrapping pkey); a write-only handle can
// only add write-only users.
func (r *Repository) AddUser(ctx context.Context, username, password string, full bool) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.state != StateUnlocked {
		return lockedErr("AddUser")
	}
	if full {
		if !r.full {
			return fmt.Errorf("rekkord: cannot add a full-access user with only the write key loaded")
		}
		return writeUserRecord(ctx, r.Store, username, "full", password, r.keys.SKey)
	}
	return writeUserRecord(ctx, r.Store, username, "write", password, r.keys.PKey)
}

func writeUserRecord(ctx context.Context, st store.Store, username, kind, password string, key [32]byte) error {
	var rec keys.Record
	var err error
	if kind == "full" {
		rec, err = keys.WrapFull(password, key)
	} else {
		rec, err = keys.WrapWrite(password, key)
	}
	if err != nil {
		return fmt.Errorf("rekkord: seal %s key record: %w", kind, err)
	}
	recKey := fmt.Sprintf("keys/%s/%s", username, kind)
	if _, err := st.Write(ctx, recKey, func(w io.Writer) error {
		_, err := w.Write(rec.Encode())
		return err
	}); err != nil {
		return fmt.Errorf("rekkord: write %s: %w", recKey, err)
	}
	return nil
}

// Open authenticates against an existing repository as username/password,
// preferring a full-access record and falling back to write-only, and
// returns an unlocked handle. cacheDir, if non-empty, enables the stat
// cache at cacheDir/<cache id>.db (§4.6).
func Open(ctx context.Context, st store.Store, url, username, password, cacheDir string) (*Repository, error) {
	rc, err := st.Read(ctx, markerKey)
	if err != nil {
		return nil, fmt.Errorf("rekkord: %s is not an initialized repository: %w", url, err)
	}
	idBytes, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, err
	}
	if len(idBytes) != len(keys.RepositoryID{}) {
		return nil, fmt.Errorf("rekkord: malformed repository marker")
	}
	var id keys.RepositoryID
	copy(id[:], idBytes)

	k, full, err := loadUserKeys(ctx, st, username, password)
	if err != nil {
		return nil, err
	}

	var cache *statcache.Cache
	if cacheDir != "" {
		cache, err = statcache.Open(filepath.Join(cacheDir, cacheFileName(id, url)))
		if err != nil {
			return nil, fmt.Errorf("rekkord: open stat cache: %w", err)
		}
	}

	return &Repository{
		state: StateUnlocked,
		ID:    id,
		URL:   url,
		Store: st,
		keys:  k,
		full:  full,
		cache: cache,
		blobs: newBlobRepo(st, k, cache),
	}, nil
}

func cacheFileName(id keys.RepositoryID, url string) string {
	cacheID := keys.CacheID(id, url)
	h := rekhash.Hash(cacheID)
	return h.String() + ".db"
}

// loadUserKeys tries the full-access record first, then write-only, and
// derives the rest of envelope.Keys from whichever key it recovers.
func loadUserKeys(ctx context.Context, st store.Store, username, password string) (envelope.Keys, bool, error) {
	if rec, err := readRecord(ctx, st, username, "full"); err == nil {
		skey, err := keys.UnwrapFull(password, rec)
		if err != nil {
			return envelope.Keys{}, false, fmt.Errorf("rekkord: %w", err)
		}
		var pkey [32]byte
		curve25519.ScalarBaseMult(&pkey, &skey)
		var salt rekhash.Hash
		copy(salt[:], pkey[:])
		return envelope.Keys{Salt: salt, PKey: pkey, SKey: skey}, true, nil
	}

	if rec, err := readRecord(ctx, st, username, "write"); err == nil {
		pkey, err := keys.UnwrapWrite(password, rec)
		if err != nil {
			return envelope.Keys{}, false, fmt.Errorf("rekkord: %w", err)
		}
		var salt rekhash.Hash
		copy(salt[:], pkey[:])
		return envelope.Keys{Salt: salt, PKey: pkey}, false, nil
	}

	return envelope.Keys{}, false, rekkorderr.NotFoundf("rekkord.Open", "keys/"+username, "no key record for user %q", username)
}

func readRecord(ctx context.Context, st store.Store, username, kind string) (keys.Record, error) {
	recKey := fmt.Sprintf("keys/%s/%s", username, kind)
	rc, err := st.Read(ctx, recKey)
	if err != nil {
		return keys.Record{}, err
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return keys.Record{}, err
	}
	return keys.DecodeRecord(data)
}

func newBlobRepo(st store.Store, k envelope.Keys, cache *statcache.Cache) *blob.Repository {
	return &blob.Repository{Store: st, Keys: k, Keyer: rekhash.NewKeyer(k.Salt), Cache: cache}
}

// Lock wipes the in-memory key material (§5 "Shared resources") and
// refuses further put/get/list operations until Unlock is called.
func (r *Repository) Lock() {
	r.mu.Lock()
	defer r.mu.Unlock()
	envelope.Zero(r.keys.Salt[:])
	envelope.Zero(r.keys.PKey[:])
	envelope.Zero(r.keys.SKey[:])
	r.keys = envelope.Keys{}
	r.full = false
	r.blobs = nil
	r.state = StateLocked
}

// Unlock re-authenticates a locked handle as username/password, restoring
// either full or write-only access.
func (r *Repository) Unlock(ctx context.Context, username, password string) error {
	k, full, err := loadUserKeys(ctx, r.Store, username, password)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = k
	r.full = full
	r.blobs = newBlobRepo(r.Store, k, r.cache)
	r.state = StateUnlocked
	return nil
}

// State reports whether the handle currently holds key material.
func (r *Repository) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Full reports whether the held key material can decrypt (as opposed to
// write-only access).
func (r *Repository) Full() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.full
}

func lockedErr(op string) error {
	return rekkorderr.AccessDeniedf("rekkord."+op, "", nil, "repository is locked")
}

// blobRepo returns the current blob.Repository under the read lock, or an
// error if the handle is locked.
func (r *Repository) blobRepo() (*blob.Repository, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.state != StateUnlocked {
		return nil, lockedErr("blobRepo")
	}
	return r.blobs, nil
}

// Put runs the put pipeline (§4.7) against this repository. Write-only
// access is sufficient, since put never decrypts.
func (r *Repository) Put(ctx context.Context, paths []string, opts put.Options) (put.Result, error) {
	b, err := r.blobRepo()
	if err != nil {
		return put.Result{}, err
	}
	r.mu.RLock()
	cache := r.cache
	r.mu.RUnlock()
	return put.New(b, cache, opts).Put(ctx, paths)
}

// Get runs the get pipeline (§4.8) against this repository. It requires
// full access, since get.Getter must decrypt blobs.
func (r *Repository) Get(ctx context.Context, hash rekhash.Hash, dest string, opts get.Options) (get.Result, error) {
	b, err := r.blobRepo()
	if err != nil {
		return get.Result{}, err
	}
	if !r.Full() {
		return get.Result{}, fmt.Errorf("rekkord: get requires full access, only the write key is loaded")
	}
	return get.New(b, opts).Get(ctx, hash, dest)
}
