package keys

import (
	"crypto/rand"
	"fmt"

	"lukechampine.com/blake3"
)

// RepositoryID is the random identifier minted when a repository is
// created (§3 "Key material"), used to derive the stat cache's database
// filename so multiple repositories can share one client machine.
type RepositoryID [32]byte

// NewRepositoryID generates a fresh random repository id.
func NewRepositoryID() (RepositoryID, error) {
	var id RepositoryID
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("keys: generate repository id: %w", err)
	}
	return id, nil
}

// CacheID derives the 32-byte id a stat cache is keyed by: BLAKE3(id || url)
// (§4.6 "The cache is keyed by the 32-byte id H(repo_id || url)").
func CacheID(id RepositoryID, url string) [32]byte {
	h := blake3.New(32, nil)
	h.Write(id[:])
	h.Write([]byte(url))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
