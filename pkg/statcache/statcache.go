// Package statcache implements the local embedded stat cache of §4.6: known
// object keys plus per-path fingerprints, backed by an embedded SQLite
// database so the put pipeline can skip redundant store round-trips.
package statcache

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/rekkord/rekkord/pkg/rekhash"
	"github.com/rekkord/rekkord/pkg/rekkorderr"
	"github.com/rekkord/rekkord/pkg/store"
)

// sampleRate is the fraction of CheckObject calls that also probe the backing
// store, per §4.6 "Periodically (on ~2% of stat calls)".
const sampleRate = 0.02

// missStreakLimit is the number of consecutive present-but-missing samples
// that triggers a full objects-table rebuild (§4.6).
const missStreakLimit = 4

const schema = `
CREATE TABLE IF NOT EXISTS objects (
	key TEXT UNIQUE NOT NULL
);
CREATE TABLE IF NOT EXISTS stats (
	path  TEXT UNIQUE NOT NULL,
	mtime INTEGER NOT NULL,
	btime INTEGER NOT NULL,
	mode  INTEGER NOT NULL,
	size  INTEGER NOT NULL,
	hash  BLOB NOT NULL
);
`

// Cache is one repository's stat cache database, keyed by §4.6's
// `H(repo_id || url)` cache id at the caller's discretion (see pkg/keys.CacheID).
type Cache struct {
	db *sql.DB

	mu         sync.Mutex
	missStreak int
}

// Open opens (creating if absent) the SQLite database at path, enables WAL
// mode, and ensures the schema exists.
func Open(path string) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("statcache: open %s: %w", path, err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("statcache: enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("statcache: create schema: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close releases the underlying database handle.
func (c *Cache) Close() error {
	return c.db.Close()
}

// HasObject reports whether key is recorded as present in the store.
func (c *Cache) HasObject(ctx context.Context, key string) (bool, error) {
	var discard string
	err := c.db.QueryRowContext(ctx, `SELECT key FROM objects WHERE key = ?`, key).Scan(&discard)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("statcache: query objects: %w", err)
	}
	return true, nil
}

// RecordObject marks key as present after a successful upload.
func (c *Cache) RecordObject(ctx context.Context, key string) error {
	_, err := c.db.ExecContext(ctx, `INSERT OR IGNORE INTO objects(key) VALUES (?)`, key)
	if err != nil {
		return fmt.Errorf("statcache: insert object %s: %w", key, err)
	}
	return nil
}

// CheckObject is HasObject with §4.6's background sampling against st
// folded in: on a random ~2% of calls the cached answer is cross-checked
// against the store, correcting or flagging drift as it's found.
func (c *Cache) CheckObject(ctx context.Context, st store.Store, key string) (bool, error) {
	present, err := c.HasObject(ctx, key)
	if err != nil {
		return false, err
	}
	if rand.Float64() >= sampleRate {
		return present, nil
	}
	if err := c.sample(ctx, st, key, present); err != nil {
		return present, err
	}
	return present, nil
}

func (c *Cache) sample(ctx context.Context, st store.Store, key string, cachedPresent bool) error {
	actual, err := st.Stat(ctx, key)
	if err != nil {
		// A transient stat failure doesn't indicate drift; skip this sample.
		return nil
	}

	switch {
	case cachedPresent && !actual:
		c.mu.Lock()
		c.missStreak++
		streak := c.missStreak
		c.mu.Unlock()
		if streak >= missStreakLimit {
			if err := c.Rebuild(ctx, st); err != nil {
				return err
			}
			c.mu.Lock()
			c.missStreak = 0
			c.mu.Unlock()
		}
		return nil

	case !cachedPresent && actual:
		// The store has an object the cache doesn't know about: the cache
		// may be silently hiding data loss elsewhere. Clear it and abort.
		if err := c.Clear(ctx); err != nil {
			return err
		}
		return rekkorderr.CacheInconsistentf("statcache.sample", key, "cache was mismatched")

	default:
		c.mu.Lock()
		c.missStreak = 0
		c.mu.Unlock()
		return nil
	}
}

// Rebuild repopulates the objects table from a full listing of st.
func (c *Cache) Rebuild(ctx context.Context, st store.Store) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("statcache: begin rebuild transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM objects`); err != nil {
		return fmt.Errorf("statcache: clear objects for rebuild: %w", err)
	}

	entries, err := st.List(ctx, "")
	if err != nil {
		return fmt.Errorf("statcache: list store for rebuild: %w", err)
	}
	for entry := range entries {
		if entry.Err != nil {
			return fmt.Errorf("statcache: list store for rebuild: %w", entry.Err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO objects(key) VALUES (?)`, entry.Key); err != nil {
			return fmt.Errorf("statcache: insert %s during rebuild: %w", entry.Key, err)
		}
	}

	return tx.Commit()
}

// Clear empties the objects table, forcing every subsequent write to
// re-verify presence against the store.
func (c *Cache) Clear(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM objects`); err != nil {
		return fmt.Errorf("statcache: clear objects: %w", err)
	}
	return nil
}

// Fingerprint is the per-path metadata used to decide whether a file's
// content can be trusted unchanged since the last ingestion (§4.7 step 1).
type Fingerprint struct {
	Mtime int64
	Btime int64
	Mode  uint32
	Size  int64
}

// Lookup returns the cached hash for path if its fingerprint matches
// exactly, per §4.6 "if (mtime, btime, mode, size) match exactly, the
// cached hash is used".
func (c *Cache) Lookup(ctx context.Context, path string, fp Fingerprint) (rekhash.Hash, bool, error) {
	var raw []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT hash FROM stats WHERE path = ? AND mtime = ? AND btime = ? AND mode = ? AND size = ?`,
		path, fp.Mtime, fp.Btime, fp.Mode, fp.Size,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return rekhash.Hash{}, false, nil
	}
	if err != nil {
		return rekhash.Hash{}, false, fmt.Errorf("statcache: query stats for %s: %w", path, err)
	}
	hash, ok := rekhash.FromBytes(raw)
	if !ok {
		return rekhash.Hash{}, false, fmt.Errorf("statcache: stored hash for %s has bad length %d", path, len(raw))
	}
	return hash, true, nil
}

// Upsert records or refreshes path's fingerprint -> hash mapping outside of
// a Batch, for callers that don't need per-directory transaction batching.
func (c *Cache) Upsert(ctx context.Context, path string, fp Fingerprint, hash rekhash.Hash) error {
	b, err := c.BeginBatch(ctx)
	if err != nil {
		return err
	}
	if err := b.Upsert(path, fp, hash); err != nil {
		b.Rollback()
		return err
	}
	return b.Commit()
}

// Batch groups multiple stat-fingerprint upserts into one transaction, per
// §4.7 "Cache writes happen in a single transaction per run (or per
// directory batch)".
type Batch struct {
	tx *sql.Tx
}

// BeginBatch starts a new write transaction.
func (c *Cache) BeginBatch(ctx context.Context) (*Batch, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("statcache: begin batch: %w", err)
	}
	return &Batch{tx: tx}, nil
}

// Upsert stages one fingerprint -> hash mapping in the batch.
func (b *Batch) Upsert(path string, fp Fingerprint, hash rekhash.Hash) error {
	_, err := b.tx.Exec(`
		INSERT INTO stats(path, mtime, btime, mode, size, hash) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET mtime=excluded.mtime, btime=excluded.btime,
			mode=excluded.mode, size=excluded.size, hash=excluded.hash
	`, path, fp.Mtime, fp.Btime, fp.Mode, fp.Size, hash.Bytes())
	if err != nil {
		return fmt.Errorf("statcache: upsert %s: %w", path, err)
	}
	return nil
}

// RecordObject stages one known-present object key in the batch.
func (b *Batch) RecordObject(key string) error {
	_, err := b.tx.Exec(`INSERT OR IGNORE INTO objects(key) VALUES (?)`, key)
	if err != nil {
		return fmt.Errorf("statcache: insert object %s: %w", key, err)
	}
	return nil
}

// Commit finalizes the batch.
func (b *Batch) Commit() error {
	if err := b.tx.Commit(); err != nil {
		return fmt.Errorf("statcache: commit batch: %w", err)
	}
	return nil
}

// Rollback discards the batch.
func (b *Batch) Rollback() error {
	return b.tx.Rollback()
}
