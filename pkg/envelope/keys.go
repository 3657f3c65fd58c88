// Package envelope implements the per-blob crypto envelope described in
// §4.4: a sealed-box key wrap around a fresh session key, followed by a
// streaming XChaCha20-Poly1305 cipher over the compressed blob body.
package envelope

import (
	"crypto/rand"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"lukechampine.com/blake3"

	"github.com/rekkord/rekkord/pkg/rekhash"
)

func newBlake3Hash() hash.Hash {
	return blake3.New(32, nil)
}

// Keys is the asymmetric key material described in §3 "Key material":
// Salt is public and mixed into every hash and splitter instance, PKey
// seals per-blob session keys, and SKey opens them. In the current design
// Salt and PKey are the same 32 bytes.
type Keys struct {
	Salt rekhash.Hash
	PKey [32]byte
	SKey [32]byte
}

// GenerateKeys creates a fresh X25519 keypair for a new repository.
func GenerateKeys() (Keys, error) {
	var skey, pkey [32]byte
	if _, err := rand.Read(skey[:]); err != nil {
		return Keys{}, fmt.Errorf("envelope: generate secret key: %w", err)
	}
	curve25519.ScalarBaseMult(&pkey, &skey)

	var salt rekhash.Hash
	copy(salt[:], pkey[:])

	return Keys{Salt: salt, PKey: pkey, SKey: skey}, nil
}

// Zero overwrites b with zero bytes, for wiping key material on Lock().
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

const sealedBoxOverhead = 32 + chacha20poly1305.Overhead // ephemeral pubkey + MAC

// SealedBoxSize is the wire size of a sealed 32-byte session key (§4.4:
// ephemeral public key 32 B + MAC 16 B + ciphertext 32 B = 80 B).
const SealedBoxSize = 32 + sealedBoxOverhead

// SealBox seals plaintext (the 32-byte session key) to pkey using a
// freshly generated ephemeral X25519 keypair, crypto_box-style.
func SealBox(pkey [32]byte, plaintext []byte) ([]byte, error) {
	var ephPriv, ephPub [32]byte
	if _, err := rand.Read(ephPriv[:]); err != nil {
		return nil, fmt.Errorf("envelope: generate ephemeral key: %w", err)
	}
	curve25519.ScalarBaseMult(&ephPub, &ephPriv)

	shared, err := curve25519.X25519(ephPriv[:], pkey[:])
	if err != nil {
		return nil, fmt.Errorf("envelope: ECDH: %w", err)
	}

	key, err := sealedBoxKey(shared, ephPub[:], pkey[:])
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: build AEAD: %w", err)
	}
	var zeroNonce [chacha20poly1305.NonceSize]byte
	ciphertext := aead.Seal(nil, zeroNonce[:], plaintext, nil)

	out := make([]byte, 0, 32+len(ciphertext))
	out = append(out, ephPub[:]...)
	out = append(out, ciphertext...)
	return out, nil
}

// OpenBox opens a sealed box produced by SealBox using skey.
func OpenBox(skey [32]byte, sealed []byte) ([]byte, error) {
	if len(sealed) < 32+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("envelope: sealed box too short: %d bytes", len(sealed))
	}
	ephPub := sealed[:32]
	ciphertext := sealed[32:]

	shared, err := curve25519.X25519(skey[:], ephPub)
	if err != nil {
		return nil, fmt.Errorf("envelope: ECDH: %w", err)
	}

	pkey := derivePublic(skey)
	key, err := sealedBoxKey(shared, ephPub, pkey[:])
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: build AEAD: %w", err)
	}
	var zeroNonce [chacha20poly1305.NonceSize]byte
	plaintext, err := aead.Open(nil, zeroNonce[:], ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("envelope: sealed box open failed: %w", err)
	}
	return plaintext, nil
}

func derivePublic(skey [32]byte) [32]byte {
	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &skey)
	return pub
}

// sealedBoxKey derives the symmetric AEAD key for a sealed box from the
// ECDH shared secret, binding both the ephemeral and recipient public keys
// into the HKDF info so a key cannot be replayed across contexts.
func sealedBoxKey(shared, ephPub, recipientPub []byte) ([]byte, error) {
	info := make([]byte, 0, len(ephPub)+len(recipientPub)+len("rekkord sealed box"))
	info = append(info, []byte("rekkord sealed box")...)
	info = append(info, ephPub...)
	info = append(info, recipientPub...)

	kdf := hkdf.New(newBlake3Hash, shared, nil, info)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("envelope: derive key: %w", err)
	}
	return key, nil
}
