// Package lz4frame streams blob plaintext through LZ4 framing in fixed-size
// segments, as specified in §4.3. The compressor is independent of the
// cipher layer: it only ever sees plaintext, and its output is handed to
// the envelope layer in BlobSplit-sized pieces so each becomes exactly one
// secretstream segment (§4.4).
package lz4frame

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// BlobSplit is the segment size compressed output is chunked into, and the
// maximum plaintext-equivalent size of any cipher segment written by
// pkg/envelope.
const BlobSplit = 32 * 1024

// SegmentFunc receives one emitted compressed segment. final is true only
// for the very last segment of the stream, mirroring the secretstream
// FINAL tag it will end up carrying. The slice is reused by the Writer;
// callers that need to retain it must copy.
type SegmentFunc func(segment []byte, final bool) error

// Writer compresses appended plaintext and emits the compressed bytes in
// segments of at most BlobSplit bytes via a SegmentFunc. Callers drive it
// with repeated Write calls followed by exactly one Flush.
type Writer struct {
	emit SegmentFunc
	buf  bytes.Buffer
	lz   *lz4.Writer
}

// NewWriter builds a Writer that calls emit for every full (and the final,
// possibly short) compressed segment.
func NewWriter(emit SegmentFunc) *Writer {
	w := &Writer{emit: emit}
	w.lz = lz4.NewWriter(&w.buf)
	return w
}

// Write compresses p and emits any complete BlobSplit segments produced so
// far. Incomplete trailing bytes are buffered until the next Write or
// Flush.
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.lz.Write(p)
	if err != nil {
		return n, fmt.Errorf("lz4frame: compress: %w", err)
	}
	if err := w.drain(false); err != nil {
		return n, err
	}
	return n, nil
}

// Flush terminates the LZ4 frame and emits all remaining buffered bytes as
// the final segment, even if that segment is empty.
func (w *Writer) Flush() error {
	if err := w.lz.Close(); err != nil {
		return fmt.Errorf("lz4frame: close frame: %w", err)
	}
	return w.drain(true)
}

func (w *Writer) drain(final bool) error {
	for w.buf.Len() >= BlobSplit {
		segment := w.buf.Next(BlobSplit)
		if err := w.emit(segment, false); err != nil {
			return err
		}
	}
	if final {
		segment := w.buf.Next(w.buf.Len())
		if err := w.emit(segment, true); err != nil {
			return err
		}
	}
	return nil
}

// Reader decompresses an LZ4 frame read from r. The envelope layer supplies
// r as the concatenation of decrypted segments; the decoder does not need
// to know the original segment boundaries.
type Reader struct {
	lz *lz4.Reader
}

// NewReader builds a Reader over the framed compressed bytes in r.
func NewReader(r io.Reader) *Reader {
	return &Reader{lz: lz4.NewReader(r)}
}

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.lz.Read(p)
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("lz4frame: decompress: %w", err)
	}
	return n, err
}
