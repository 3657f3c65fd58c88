// Package splitter implements the content-defined chunker described in §4.1:
// a Gear/FastCDC variant configured by (avg, min, max, salt) that cuts a
// byte stream into variable-length chunks whose boundaries depend only on
// the bytes themselves, not on how the caller happened to buffer them.
package splitter

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Bounds from §4.1.
const (
	MinAvg = 256
	MaxAvg = 256 * 1024 * 1024

	MinMin = 64
	MaxMin = 64 * 1024 * 1024

	MinMax = 1024
	MaxMax = 1024 * 1024 * 1024
)

// Splitter is a stateful content-defined chunker. It is not safe for
// concurrent use; each file being split needs its own Splitter.
type Splitter struct {
	avg, min, max uint32
	salt          [8]byte
	mask1, mask2  uint32
	center        uint32

	// current (not-yet-cut) chunk accumulated across Process calls.
	cur       []byte
	processed int // bytes of cur already folded into localHash
	localHash uint32
	j         uint32 // bytes consumed into the current chunk

	index  uint64 // next chunk ordinal to emit
	offset uint64 // absolute offset of cur[0] in the overall stream
}

// New builds a Splitter configured by the average, minimum and maximum chunk
// sizes and an 8-byte salt (typically derived from the repository salt) that
// perturbs the gear table lookup so two repositories never produce
// byte-identical chunk boundaries for the same plaintext.
func New(avg, min, max uint32, salt8 uint64) (*Splitter, error) {
	if avg < MinAvg || avg > MaxAvg {
		return nil, fmt.Errorf("splitter: avg %d out of range [%d, %d]", avg, MinAvg, MaxAvg)
	}
	if min < MinMin || min > MaxMin {
		return nil, fmt.Errorf("splitter: min %d out of range [%d, %d]", min, MinMin, MaxMin)
	}
	if max < MinMax || max > MaxMax {
		return nil, fmt.Errorf("splitter: max %d out of range [%d, %d]", max, MinMax, MaxMax)
	}
	if !(min < avg && avg < max) {
		return nil, fmt.Errorf("splitter: need min < avg < max, got %d < %d < %d", min, avg, max)
	}

	bits := uint(math.Round(math.Log2(float64(avg))))

	var salt [8]byte
	binary.LittleEndian.PutUint64(salt[:], salt8)

	center := min + (min+1)/2
	if center > avg {
		center = avg
	}

	return &Splitter{
		avg:    avg,
		min:    min,
		max:    max,
		salt:   salt,
		mask1:  uint32(1<<(bits+1)) - 1,
		mask2:  uint32(1<<(bits-1)) - 1,
		center: center,
	}, nil
}

// EmitFunc receives one cut chunk: its ordinal index, its offset within the
// overall stream, and its bytes. The slice is only valid until the next call
// into the Splitter; callers that need to retain it must copy.
type EmitFunc func(index uint64, offset uint64, chunk []byte)

// Process consumes buf, appending it to any bytes buffered from a previous
// call, and invokes emit for every chunk boundary found. If last is true,
// any remaining buffered bytes are emitted as a final (possibly short)
// chunk. Process only returns without emitting when neither condition
// produced a complete chunk; the caller is then expected to supply more
// bytes on the next call.
func (s *Splitter) Process(buf []byte, last bool, emit EmitFunc) {
	if len(buf) > 0 {
		s.cur = append(s.cur, buf...)
	}

	for {
		cutLen, found := s.scanOnce()
		if !found {
			break
		}
		chunk := s.cur[:cutLen]
		emit(s.index, s.offset, chunk)
		s.index++
		s.offset += uint64(cutLen)

		rest := s.cur[cutLen:]
		next := make([]byte, len(rest))
		copy(next, rest)
		s.cur = next
		s.processed = 0
		s.localHash = 0
		s.j = 0
	}

	if last && len(s.cur) > 0 {
		emit(s.index, s.offset, s.cur)
		s.index++
		s.offset += uint64(len(s.cur))
		s.cur = nil
		s.processed = 0
		s.localHash = 0
		s.j = 0
	}
}

// scanOnce hashes any unprocessed bytes of s.cur looking for the next cut
// point. It returns the chunk length and true if one was found; the
// Splitter's hashing state is left ready to resume from s.processed on the
// next call if none was found.
func (s *Splitter) scanOnce() (cutLen int, found bool) {
	n := len(s.cur)
	for p := s.processed; p < n; p++ {
		b := s.cur[p]
		s.localHash = (s.localHash >> 1) + gearTable[b^s.salt[s.j%8]]
		s.j++

		if s.j < s.min {
			continue
		}
		if s.j >= s.max {
			s.processed = p + 1
			return int(s.j), true
		}

		threshold := s.mask2
		if s.j < s.center {
			threshold = s.mask1
		}
		if s.localHash&threshold == 0 {
			s.processed = p + 1
			return int(s.j), true
		}
	}
	s.processed = n
	return 0, false
}
