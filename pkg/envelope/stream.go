package envelope

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Tag distinguishes the last segment of a stream from the ones before it,
// per §4.4: "the final segment carries the FINAL tag; earlier segments
// carry MESSAGE". The tag is authenticated as part of each segment's AEAD
// plaintext, so a truncated or reordered stream is detected rather than
// silently accepted.
type Tag byte

const (
	TagMessage Tag = 0
	TagFinal   Tag = 1
)

// HeaderSize is the size of the streaming cipher's header: the random base
// nonce sent in the clear as part of BlobIntro.
const HeaderSize = chacha20poly1305.NonceSizeX

// SegmentOverhead is the per-segment ciphertext expansion: a 1-byte tag
// plus the Poly1305 MAC.
const SegmentOverhead = 1 + chacha20poly1305.Overhead

// StreamWriter encrypts a sequence of plaintext segments under a single
// session key, deriving a distinct nonce for each from the stream header
// and a monotonic counter.
type StreamWriter struct {
	aead    cipherAEAD
	header  [HeaderSize]byte
	counter uint64
}

type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// NewStreamWriter generates a fresh random header and builds a StreamWriter
// keyed by sessionKey (the session key sealed into the blob's ekey).
func NewStreamWriter(sessionKey [32]byte) (*StreamWriter, error) {
	aead, err := chacha20poly1305.NewX(sessionKey[:])
	if err != nil {
		return nil, fmt.Errorf("envelope: build stream AEAD: %w", err)
	}
	w := &StreamWriter{aead: aead}
	if _, err := rand.Read(w.header[:]); err != nil {
		return nil, fmt.Errorf("envelope: generate stream header: %w", err)
	}
	return w, nil
}

// Header returns the 24-byte value to be stored in BlobIntro.header.
func (w *StreamWriter) Header() [HeaderSize]byte {
	return w.header
}

// Seal encrypts one segment of at most lz4frame.BlobSplit plaintext bytes,
// tagging it TagFinal only for the last segment of the blob.
func (w *StreamWriter) Seal(plaintext []byte, tag Tag) []byte {
	nonce := w.nonce(w.counter)
	w.counter++

	tagged := make([]byte, 0, 1+len(plaintext))
	tagged = append(tagged, byte(tag))
	tagged = append(tagged, plaintext...)
	return w.aead.Seal(nil, nonce[:], tagged, nil)
}

func (w *StreamWriter) nonce(counter uint64) [HeaderSize]byte {
	return deriveNonce(w.header, counter)
}

// StreamReader decrypts the segment sequence produced by a StreamWriter.
type StreamReader struct {
	aead   cipherAEAD
	header [HeaderSize]byte

	counter uint64
	sawTag  bool
}

// NewStreamReader builds a StreamReader for header (from BlobIntro.header)
// keyed by sessionKey (opened from ekey).
func NewStreamReader(sessionKey [32]byte, header [HeaderSize]byte) (*StreamReader, error) {
	aead, err := chacha20poly1305.NewX(sessionKey[:])
	if err != nil {
		return nil, fmt.Errorf("envelope: build stream AEAD: %w", err)
	}
	return &StreamReader{aead: aead, header: header}, nil
}

// Open decrypts one ciphertext segment, returning its plaintext and tag.
// Callers must stop reading segments once a TagFinal segment is returned;
// any bytes remaining after that in the object are a truncation or
// tampering error, not part of the stream.
func (r *StreamReader) Open(ciphertext []byte) ([]byte, Tag, error) {
	if r.sawTag {
		return nil, 0, fmt.Errorf("envelope: segment read after FINAL tag")
	}
	nonce := deriveNonce(r.header, r.counter)
	r.counter++

	tagged, err := r.aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("envelope: segment decrypt failed: %w", err)
	}
	if len(tagged) < 1 {
		return nil, 0, fmt.Errorf("envelope: segment missing tag byte")
	}
	tag := Tag(tagged[0])
	if tag == TagFinal {
		r.sawTag = true
	}
	return tagged[1:], tag, nil
}

// SawFinal reports whether a TagFinal segment has been consumed.
func (r *StreamReader) SawFinal() bool {
	return r.sawTag
}

// deriveNonce folds an 8-byte little-endian segment counter into the low
// bytes of header, giving every segment of a stream a distinct nonce
// without needing a separate counter field on the wire.
func deriveNonce(header [HeaderSize]byte, counter uint64) [HeaderSize]byte {
	nonce := header
	var ctr [8]byte
	binary.LittleEndian.PutUint64(ctr[:], counter)
	for i := 0; i < 8; i++ {
		nonce[HeaderSize-8+i] ^= ctr[i]
	}
	return nonce
}
