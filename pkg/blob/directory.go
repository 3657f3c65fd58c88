package blob

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// DirectoryHeader precedes a Directory or Snapshot body's entry list.
type DirectoryHeader struct {
	TotalSize    int64
	TotalEntries int64
}

// Directory is the layout of a Directory blob (§3).
type Directory struct {
	Header  DirectoryHeader
	Entries []RawFile
}

// Encode serializes d as
// `[DirectoryHeader][RawFile ...][total_length:int64 LE]`.
func (d Directory) Encode() []byte {
	var buf bytes.Buffer
	writeDirectoryHeader(&buf, d.Header)
	for _, e := range d.Entries {
		writeRawFile(&buf, e)
	}
	total := int64(buf.Len())
	buf.Write(le64(total))
	return buf.Bytes()
}

// DecodeDirectory parses a Directory blob's plaintext.
func DecodeDirectory(r io.Reader) (Directory, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Directory{}, fmt.Errorf("blob: read directory body: %w", err)
	}
	body, err := trimTrailingLength(data)
	if err != nil {
		return Directory{}, err
	}

	br := bytes.NewReader(body)
	header, err := readDirectoryHeader(br)
	if err != nil {
		return Directory{}, err
	}

	var d Directory
	d.Header = header
	for br.Len() > 0 {
		entry, err := readRawFile(br)
		if err != nil {
			return Directory{}, err
		}
		d.Entries = append(d.Entries, entry)
	}
	return d, nil
}

func writeDirectoryHeader(buf *bytes.Buffer, h DirectoryHeader) {
	buf.Write(le64(h.TotalSize))
	buf.Write(le64(h.TotalEntries))
}

func readDirectoryHeader(r *bytes.Reader) (DirectoryHeader, error) {
	var h DirectoryHeader
	totalSize, err := readI64(r)
	if err != nil {
		return h, fmt.Errorf("blob: read directory total_size: %w", err)
	}
	totalEntries, err := readI64(r)
	if err != nil {
		return h, fmt.Errorf("blob: read directory total_entries: %w", err)
	}
	h.TotalSize = totalSize
	h.TotalEntries = totalEntries
	return h, nil
}

func writeRawFile(buf *bytes.Buffer, f RawFile) {
	buf.Write(f.Hash[:])
	buf.Write(le16(int16(f.Kind)))
	buf.Write(le16(int16(f.Flags)))
	buf.Write(le64(f.Mtime))
	buf.Write(le64(f.Btime))
	buf.Write(le32u(f.Mode))
	buf.Write(le32u(f.UID))
	buf.Write(le32u(f.GID))
	buf.Write(le64(f.Size))
	name := []byte(f.Name)
	buf.Write(le16(int16(len(name))))
	buf.Write(name)
}

func readRawFile(r *bytes.Reader) (RawFile, error) {
	return readRawFileEntry(r, false)
}

// readRawFileAllowSeparators reads a RawFile entry without rejecting path
// separators in its name, for snapshot root entries (§3: "at the snapshot
// top level, separators are permitted to encode absolute paths with the
// root / stripped").
func readRawFileAllowSeparators(r *bytes.Reader) (RawFile, error) {
	return readRawFileEntry(r, true)
}

func readRawFileEntry(r *bytes.Reader, allowSeparators bool) (RawFile, error) {
	var f RawFile
	if _, err := io.ReadFull(r, f.Hash[:]); err != nil {
		return f, fmt.Errorf("blob: read entry hash: %w", err)
	}
	kind, err := readI16(r)
	if err != nil {
		return f, fmt.Errorf("blob: read entry kind: %w", err)
	}
	flags, err := readI16(r)
	if err != nil {
		return f, fmt.Errorf("blob: read entry flags: %w", err)
	}
	mtime, err := readI64(r)
	if err != nil {
		return f, fmt.Errorf("blob: read entry mtime: %w", err)
	}
	btime, err := readI64(r)
	if err != nil {
		return f, fmt.Errorf("blob: read entry btime: %w", err)
	}
	mode, err := readU32(r)
	if err != nil {
		return f, fmt.Errorf("blob: read entry mode: %w", err)
	}
	uid, err := readU32(r)
	if err != nil {
		return f, fmt.Errorf("blob: read entry uid: %w", err)
	}
	gid, err := readU32(r)
	if err != nil {
		return f, fmt.Errorf("blob: read entry gid: %w", err)
	}
	size, err := readI64(r)
	if err != nil {
		return f, fmt.Errorf("blob: read entry size: %w", err)
	}
	nameLen, err := readI16(r)
	if err != nil {
		return f, fmt.Errorf("blob: read entry name_len: %w", err)
	}
	if nameLen < 0 {
		return f, fmt.Errorf("blob: negative entry name_len %d", nameLen)
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return f, fmt.Errorf("blob: read entry name: %w", err)
	}

	f.Kind = Kind(kind)
	f.Flags = Flags(flags)
	f.Mtime = mtime
	f.Btime = btime
	f.Mode = mode
	f.UID = uid
	f.GID = gid
	f.Size = size
	f.Name = string(name)

	if allowSeparators {
		if err := validateSnapshotRootName(f.Name); err != nil {
			return f, err
		}
	} else if err := validateEntryName(f.Name); err != nil {
		return f, err
	}
	return f, nil
}

// validateSnapshotRootName enforces the looser snapshot-root name rule:
// no empty name, no "..", never "." alone, but separators are allowed.
func validateSnapshotRootName(name string) error {
	if name == "" {
		return fmt.Errorf("blob: entry name is empty")
	}
	if name == "." || name == ".." {
		return fmt.Errorf("blob: entry name is %q", name)
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("blob: entry name %q contains '..'", name)
	}
	if strings.HasSuffix(name, "/") {
		return fmt.Errorf("blob: entry name %q has a trailing separator", name)
	}
	return nil
}

// validateEntryName enforces §3's RawFile.name invariants for directory
// (non-root) entries: no empty name, no "..", never "." or "/", and no
// path separator. Snapshot root entries are validated separately since
// they're explicitly permitted separators.
func validateEntryName(name string) error {
	if name == "" {
		return fmt.Errorf("blob: entry name is empty")
	}
	if name == "." || name == ".." {
		return fmt.Errorf("blob: entry name is %q", name)
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("blob: entry name %q contains '..'", name)
	}
	if strings.ContainsRune(name, '/') {
		return fmt.Errorf("blob: entry name %q contains a path separator", name)
	}
	return nil
}

func trimTrailingLength(data []byte) ([]byte, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("blob: body too short for trailing length: %d bytes", len(data))
	}
	body := data[:len(data)-8]
	declared := int64(binary.LittleEndian.Uint64(data[len(data)-8:]))
	if declared != int64(len(body)) {
		return nil, fmt.Errorf("blob: trailing total_length %d does not match body length %d", declared, len(body))
	}
	return body, nil
}

func le16(v int16) []byte  { return binary.LittleEndian.AppendUint16(nil, uint16(v)) }
func le32u(v uint32) []byte { return binary.LittleEndian.AppendUint32(nil, v) }
func le64(v int64) []byte  { return binary.LittleEndian.AppendUint64(nil, uint64(v)) }

func readI16(r *bytes.Reader) (int16, error) {
	var v uint16
	if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
		return 0, err
	}
	return int16(v), nil
}

func readU32(r *bytes.Reader) (uint32, error) {
	var v uint32
	if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
		return 0, err
	}
	return v, nil
}

func readI64(r *bytes.Reader) (int64, error) {
	var v uint64
	if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
		return 0, err
	}
	return int64(v), nil
}
