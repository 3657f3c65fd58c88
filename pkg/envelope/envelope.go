package envelope

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/rekkord/rekkord/pkg/blobcodec/lz4frame"
	"github.com/rekkord/rekkord/pkg/rekkorderr"
)

// Version is the current on-disk envelope format. Readers reject any other
// value (§4.4).
const Version = 7

// introSize is the fixed-size prefix of every blob: version + type + ekey + header.
const introSize = 1 + 1 + SealedBoxSize + HeaderSize

const maxCipherChunk = lz4frame.BlobSplit + SegmentOverhead

// WriteBlob seals plaintext as a blob of the given type to pkey and writes
// the full envelope (intro + cipher segments) to w, returning the number
// of bytes written. Write order follows §4.4: fresh session key, seal to
// pkey, then stream compress+encrypt.
func WriteBlob(w io.Writer, pkey [32]byte, blobType byte, plaintext io.Reader) (int64, error) {
	var sessionKey [32]byte
	if _, err := rand.Read(sessionKey[:]); err != nil {
		return 0, fmt.Errorf("envelope: generate session key: %w", err)
	}
	defer Zero(sessionKey[:])

	ekey, err := SealBox(pkey, sessionKey[:])
	if err != nil {
		return 0, fmt.Errorf("envelope: seal session key: %w", err)
	}

	sw, err := NewStreamWriter(sessionKey)
	if err != nil {
		return 0, err
	}
	header := sw.Header()

	var written int64

	intro := make([]byte, 0, introSize)
	intro = append(intro, byte(Version), blobType)
	intro = append(intro, ekey...)
	intro = append(intro, header[:]...)
	n, err := w.Write(intro)
	written += int64(n)
	if err != nil {
		return written, fmt.Errorf("envelope: write intro: %w", err)
	}

	var writeErr error
	lzw := lz4frame.NewWriter(func(segment []byte, final bool) error {
		tag := TagMessage
		if final {
			tag = TagFinal
		}
		ciphertext := sw.Seal(segment, tag)
		n, err := w.Write(ciphertext)
		written += int64(n)
		return err
	})

	if _, err := io.Copy(lzw, plaintext); err != nil {
		writeErr = fmt.Errorf("envelope: compress body: %w", err)
	}
	if writeErr == nil {
		if err := lzw.Flush(); err != nil {
			writeErr = fmt.Errorf("envelope: flush body: %w", err)
		}
	}
	return written, writeErr
}

// ReadBlob parses a blob envelope from r, opens its session key with skey,
// and returns the blob's type tag plus a Reader yielding its plaintext.
// Read order follows §4.4: parse intro, open sealed key, init the
// streaming cipher, decrypt segments into the decompressor.
func ReadBlob(r io.Reader, skey [32]byte) (byte, io.Reader, error) {
	intro := make([]byte, introSize)
	if _, err := io.ReadFull(r, intro); err != nil {
		return 0, nil, rekkorderr.Truncationf("envelope.ReadBlob", "", "short intro: %v", err)
	}

	version := intro[0]
	blobType := intro[1]
	if version != Version {
		return 0, nil, rekkorderr.Corruptionf("envelope.ReadBlob", "", nil, "unknown envelope version %d", version)
	}

	ekey := intro[2 : 2+SealedBoxSize]
	var header [HeaderSize]byte
	copy(header[:], intro[2+SealedBoxSize:])

	sessionKeyBytes, err := OpenBox(skey, ekey)
	if err != nil {
		return 0, nil, rekkorderr.AccessDeniedf("envelope.ReadBlob", "", err, "sealed key open failed")
	}
	if len(sessionKeyBytes) != 32 {
		return 0, nil, rekkorderr.Corruptionf("envelope.ReadBlob", "", nil, "unexpected session key length %d", len(sessionKeyBytes))
	}
	var sessionKey [32]byte
	copy(sessionKey[:], sessionKeyBytes)
	defer Zero(sessionKey[:])

	sr, err := NewStreamReader(sessionKey, header)
	if err != nil {
		return 0, nil, err
	}

	body := &decryptReader{src: r, sr: sr}
	return blobType, lz4frame.NewReader(body), nil
}

// decryptReader pulls fixed-size cipher segments from src, decrypts them,
// and serves the resulting plaintext to whatever decompresses it.
type decryptReader struct {
	src  io.Reader
	sr   *StreamReader
	buf  []byte
	done bool
}

func (d *decryptReader) Read(p []byte) (int, error) {
	for len(d.buf) == 0 {
		if d.done {
			return 0, io.EOF
		}
		chunk, err := readCipherChunk(d.src)
		if err == io.EOF {
			if !d.sr.SawFinal() {
				return 0, rekkorderr.Truncationf("envelope.decryptReader", "", "stream ended without FINAL tag")
			}
			d.done = true
			return 0, io.EOF
		}
		if err != nil {
			return 0, fmt.Errorf("envelope: read cipher segment: %w", err)
		}
		plaintext, tag, err := d.sr.Open(chunk)
		if err != nil {
			return 0, rekkorderr.Corruptionf("envelope.decryptReader", "", err, "segment decrypt failed")
		}
		d.buf = plaintext
		if tag == TagFinal {
			d.done = true
		}
	}
	n := copy(p, d.buf)
	d.buf = d.buf[n:]
	return n, nil
}

// readCipherChunk reads one fixed-size (or, for the final chunk, short)
// ciphertext segment from src.
func readCipherChunk(src io.Reader) ([]byte, error) {
	buf := make([]byte, maxCipherChunk)
	n, err := io.ReadFull(src, buf)
	switch {
	case err == nil:
		return buf, nil
	case errors.Is(err, io.EOF):
		return nil, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		return buf[:n], nil
	default:
		return nil, err
	}
}
