// Package keys implements the repository key hierarchy of §3 "Key
// material": the repository id, password-wrapped per-user key records, and
// tag object sealing/opening.
package keys

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	recordSaltSize  = 16
	recordNonceSize = 24

	argon2Time    = 3
	argon2Memory  = 64 * 1024 // KiB
	argon2Threads = 4
)

// Record is a password-wrapped key record (§3): either a full-access record
// wrapping skey, or a write-only record wrapping pkey.
type Record struct {
	Salt       [recordSaltSize]byte
	Ciphertext []byte // nonce (24B) || sealed key material
}

func deriveRecordKey(password string, salt [recordSaltSize]byte) []byte {
	return argon2.IDKey([]byte(password), salt[:], argon2Time, argon2Memory, argon2Threads, chacha20poly1305.KeySize)
}

// wrap seals key under a password-derived XChaCha20-Poly1305 key.
func wrap(password string, key [32]byte) (Record, error) {
	var salt [recordSaltSize]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return Record{}, fmt.Errorf("keys: generate record salt: %w", err)
	}
	derived := deriveRecordKey(password, salt)
	aead, err := chacha20poly1305.NewX(derived)
	if err != nil {
		return Record{}, fmt.Errorf("keys: build record cipher: %w", err)
	}

	nonce := make([]byte, recordNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Record{}, fmt.Errorf("keys: generate record nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, key[:], nil)

	return Record{
		Salt:       salt,
		Ciphertext: append(nonce, sealed...),
	}, nil
}

// unwrap opens a Record sealed by wrap.
func unwrap(password string, rec Record) ([32]byte, error) {
	var key [32]byte
	if len(rec.Ciphertext) < recordNonceSize {
		return key, fmt.Errorf("keys: record ciphertext too short")
	}
	derived := deriveRecordKey(password, rec.Salt)
	aead, err := chacha20poly1305.NewX(derived)
	if err != nil {
		return key, fmt.Errorf("keys: build record cipher: %w", err)
	}

	nonce := rec.Ciphertext[:recordNonceSize]
	sealed := rec.Ciphertext[recordNonceSize:]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return key, fmt.Errorf("keys: wrong password or corrupted key record: %w", err)
	}
	if len(plain) != 32 {
		return key, fmt.Errorf("keys: unexpected key record length %d", len(plain))
	}
	copy(key[:], plain)
	return key, nil
}

// WrapFull produces the `keys/<user>/full` record wrapping the repository
// secret key (full read/write access).
func WrapFull(password string, skey [32]byte) (Record, error) {
	return wrap(password, skey)
}

// WrapWrite produces the `keys/<user>/write` record wrapping the repository
// public key (write-only access: can seal blobs but never open them).
func WrapWrite(password string, pkey [32]byte) (Record, error) {
	return wrap(password, pkey)
}

// UnwrapFull recovers skey from a full-access Record.
func UnwrapFull(password string, rec Record) ([32]byte, error) {
	return unwrap(password, rec)
}

// UnwrapWrite recovers pkey from a write-only Record.
func UnwrapWrite(password string, rec Record) ([32]byte, error) {
	return unwrap(password, rec)
}

// Encode serializes a Record for storage under its `keys/<user>/...` key.
func (r Record) Encode() []byte {
	out := make([]byte, 0, recordSaltSize+len(r.Ciphertext))
	out = append(out, r.Salt[:]...)
	out = append(out, r.Ciphertext...)
	return out
}

// DecodeRecord parses bytes previously produced by Record.Encode.
func DecodeRecord(data []byte) (Record, error) {
	if len(data) < recordSaltSize+recordNonceSize+chacha20poly1305.Overhead {
		return Record{}, fmt.Errorf("keys: key record too short")
	}
	var rec Record
	copy(rec.Salt[:], data[:recordSaltSize])
	rec.Ciphertext = append([]byte(nil), data[recordSaltSize:]...)
	return rec, nil
}
