// Package rekhash computes the keyed BLAKE3 hashes that name every blob in a
// Rekkord repository, as specified in §3 "Hash" and §4.2 "Hasher".
package rekhash

import (
	"encoding/hex"

	"lukechampine.com/blake3"
)

// Size is the length in bytes of a Rekkord hash and of the repository salt.
const Size = 32

// Hash is a 32-byte BLAKE3 digest naming a blob.
type Hash [Size]byte

// Zero is the all-zero hash used to mark an unreadable RawFile entry.
var Zero Hash

// IsZero reports whether h is the all-zero hash.
func (h Hash) IsZero() bool {
	return h == Zero
}

// String returns the lowercase hex encoding of h.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Bytes returns a fresh copy of h's bytes.
func (h Hash) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, h[:])
	return b
}

// FromBytes builds a Hash from exactly Size bytes.
func FromBytes(b []byte) (Hash, bool) {
	var h Hash
	if len(b) != Size {
		return h, false
	}
	copy(h[:], b)
	return h, true
}

// FromHex parses a hex-encoded hash.
func FromHex(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	ok := copy(h[:], b) == Size && len(b) == Size
	if !ok {
		return Hash{}, errShortHash
	}
	return h, nil
}

var errShortHash = errHash("hex string is not a valid 32-byte hash")

type errHash string

func (e errHash) Error() string { return string(e) }

// Keyer derives the per-type BLAKE3 key from a 32-byte repository salt and
// computes type-bound hashes of blob plaintext, per §3 and §4.2: the key is
// the salt with its last byte XORed with the blob's type tag, which binds
// every hash to both the repository and the semantic type of the blob it
// names (a Chunk can never be mistaken for a Directory).
type Keyer struct {
	salt [Size]byte
}

// NewKeyer builds a Keyer bound to the given repository salt.
func NewKeyer(salt [Size]byte) Keyer {
	return Keyer{salt: salt}
}

// Sum hashes plaintext as a blob of the given type tag.
func (k Keyer) Sum(typeTag byte, plaintext []byte) Hash {
	key := k.salt
	key[Size-1] ^= typeTag
	h := blake3.New(Size, key[:])
	h.Write(plaintext)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Verify reports whether plaintext hashes to want under type tag typeTag.
func (k Keyer) Verify(typeTag byte, plaintext []byte, want Hash) bool {
	return k.Sum(typeTag, plaintext) == want
}
