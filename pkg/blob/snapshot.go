package blob

import (
	"bytes"
	"fmt"
	"io"
)

// SnapshotHeader precedes a Snapshot blob's synthetic root directory body.
type SnapshotHeader struct {
	Time    int64 // milliseconds since epoch
	Name    string
	Size    int64 // total plaintext bytes covered by the snapshot
	Storage int64 // ciphertext bytes written before this snapshot blob; the snapshot and tag objects are not counted
}

// Snapshot is the layout of a Snapshot blob (§3): a header followed by a
// synthetic root directory containing one RawFile per top-level path the
// user requested.
type Snapshot struct {
	Header SnapshotHeader
	Root   Directory
}

// Encode serializes s as
// `[SnapshotHeader][DirectoryHeader][RawFile ...][total_length:int64 LE]`.
func (s Snapshot) Encode() []byte {
	var buf bytes.Buffer
	writeSnapshotHeader(&buf, s.Header)
	writeDirectoryHeader(&buf, s.Root.Header)
	for _, e := range s.Root.Entries {
		writeRawFile(&buf, e)
	}
	total := int64(buf.Len())
	buf.Write(le64(total))
	return buf.Bytes()
}

// DecodeSnapshot parses a Snapshot blob's plaintext.
func DecodeSnapshot(r io.Reader) (Snapshot, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Snapshot{}, fmt.Errorf("blob: read snapshot body: %w", err)
	}
	body, err := trimTrailingLength(data)
	if err != nil {
		return Snapshot{}, err
	}

	br := bytes.NewReader(body)
	header, err := readSnapshotHeader(br)
	if err != nil {
		return Snapshot{}, err
	}
	dirHeader, err := readDirectoryHeader(br)
	if err != nil {
		return Snapshot{}, err
	}

	var s Snapshot
	s.Header = header
	s.Root.Header = dirHeader
	for br.Len() > 0 {
		// Snapshot root entries may legitimately contain path separators
		// (absolute paths with the leading "/" stripped), unlike ordinary
		// directory entries, so they're read without the separator check
		// readRawFile applies.
		entry, err := readRawFileAllowSeparators(br)
		if err != nil {
			return Snapshot{}, err
		}
		s.Root.Entries = append(s.Root.Entries, entry)
	}
	return s, nil
}

func writeSnapshotHeader(buf *bytes.Buffer, h SnapshotHeader) {
	buf.Write(le64(h.Time))
	name := []byte(h.Name)
	buf.Write(le16(int16(len(name))))
	buf.Write(name)
	buf.Write(le64(h.Size))
	buf.Write(le64(h.Storage))
}

func readSnapshotHeader(r *bytes.Reader) (SnapshotHeader, error) {
	var h SnapshotHeader
	t, err := readI64(r)
	if err != nil {
		return h, fmt.Errorf("blob: read snapshot time: %w", err)
	}
	nameLen, err := readI16(r)
	if err != nil {
		return h, fmt.Errorf("blob: read snapshot name_len: %w", err)
	}
	if nameLen < 0 || int(nameLen) > MaxSnapshotName {
		return h, fmt.Errorf("blob: snapshot name_len %d out of bounds", nameLen)
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return h, fmt.Errorf("blob: read snapshot name: %w", err)
	}
	size, err := readI64(r)
	if err != nil {
		return h, fmt.Errorf("blob: read snapshot size: %w", err)
	}
	storage, err := readI64(r)
	if err != nil {
		return h, fmt.Errorf("blob: read snapshot storage: %w", err)
	}

	h.Time = t
	h.Name = string(name)
	h.Size = size
	h.Storage = storage
	return h, nil
}
