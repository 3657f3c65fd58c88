package blob

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/rekkord/rekkord/pkg/rekhash"
)

// File is the layout of a File blob (§3): an ordered list of chunk
// references plus the reconstructed total length. A file whose body fits
// in exactly one chunk is never wrapped in a File blob; it is stored as
// the chunk itself (§3's single-chunk-file invariant), so File is only
// ever constructed for multi-chunk files.
type File struct {
	Chunks []ChunkEntry
}

const chunkEntrySize = rekhash.Size + 8 + 4

// Encode serializes f as `[ChunkEntry ...][total_length:int64 LE]`.
func (f File) Encode() []byte {
	buf := make([]byte, 0, len(f.Chunks)*chunkEntrySize+8)
	var total int64
	for _, c := range f.Chunks {
		buf = append(buf, c.Hash[:]...)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(c.Offset))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(c.Length))
		total += int64(c.Length)
	}
	buf = binary.LittleEndian.AppendUint64(buf, uint64(total))
	return buf
}

// DecodeFile parses a File blob's plaintext.
func DecodeFile(r io.Reader) (File, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return File{}, fmt.Errorf("blob: read file body: %w", err)
	}
	if len(data) < 8 {
		return File{}, fmt.Errorf("blob: file body too short: %d bytes", len(data))
	}
	entries := data[:len(data)-8]
	if len(entries)%chunkEntrySize != 0 {
		return File{}, fmt.Errorf("blob: file body length %d not a multiple of entry size %d", len(entries), chunkEntrySize)
	}

	var f File
	r2 := bytes.NewReader(entries)
	for r2.Len() > 0 {
		var entry ChunkEntry
		if _, err := io.ReadFull(r2, entry.Hash[:]); err != nil {
			return File{}, fmt.Errorf("blob: read chunk hash: %w", err)
		}
		var offset uint64
		if err := binary.Read(r2, binary.LittleEndian, &offset); err != nil {
			return File{}, fmt.Errorf("blob: read chunk offset: %w", err)
		}
		var length uint32
		if err := binary.Read(r2, binary.LittleEndian, &length); err != nil {
			return File{}, fmt.Errorf("blob: read chunk length: %w", err)
		}
		entry.Offset = int64(offset)
		entry.Length = int32(length)
		f.Chunks = append(f.Chunks, entry)
	}
	declared := int64(binary.LittleEndian.Uint64(data[len(data)-8:]))
	if declared != f.TotalLength() {
		return File{}, fmt.Errorf("blob: file total_length %d does not match chunk lengths %d", declared, f.TotalLength())
	}
	return f, nil
}

// TotalLength returns the sum of the file's chunk lengths.
func (f File) TotalLength() int64 {
	var total int64
	for _, c := range f.Chunks {
		total += int64(c.Length)
	}
	return total
}
