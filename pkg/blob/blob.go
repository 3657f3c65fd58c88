// Package blob implements the typed byte layouts of §3 "Data model":
// Chunk, File, Directory, Snapshot and Link blobs, all encoded
// little-endian per §6's wire-precision requirement.
package blob

import "github.com/rekkord/rekkord/pkg/rekhash"

// Type tags a blob's semantic kind. It is mixed into the blob's hash key
// (§3 "Hash") so the same plaintext bytes hash differently depending on
// what they're claimed to be.
type Type byte

const (
	TypeChunk     Type = 0
	TypeFile      Type = 1
	TypeDirectory Type = 2
	// TypeSnapshot1 is the legacy snapshot layout (§3): readers must
	// tolerate its absence and reject it if encountered, since the
	// current writer never emits it.
	TypeSnapshot1 Type = 3
	TypeLink      Type = 4
	TypeSnapshot  Type = 5
	// TypeTag marks a tag object's envelope (§3 "Tag object"). Unlike the
	// types above, a tag is never content-addressed: it is stored under a
	// random name, not its hash, so this tag exists only to keep the
	// envelope's type byte meaningful and is not mixed into any hash check.
	TypeTag Type = 6
)

func (t Type) String() string {
	switch t {
	case TypeChunk:
		return "chunk"
	case TypeFile:
		return "file"
	case TypeDirectory:
		return "directory"
	case TypeSnapshot1:
		return "snapshot1"
	case TypeLink:
		return "link"
	case TypeSnapshot:
		return "snapshot"
	case TypeTag:
		return "tag"
	default:
		return "unknown"
	}
}

// Kind classifies a RawFile entry's filesystem kind, stored as an int16 LE.
type Kind int16

const (
	KindUnknown Kind = iota
	KindFile
	KindDirectory
	KindLink
)

// Flags are bit flags on a RawFile entry.
type Flags int16

const (
	// FlagStated means metadata (mtime/mode/uid/gid/size) was captured.
	FlagStated Flags = 1 << 0
	// FlagReadable means the entry's body was stored successfully; when
	// absent, Hash is the zero hash per §3's invariants.
	FlagReadable Flags = 1 << 1
)

// MaxSnapshotName bounds SnapshotHeader.Name's encoded length. The spec
// leaves "N" unspecified; this repository's writer never produces longer
// names and readers reject anything beyond it as corruption.
const MaxSnapshotName = 4096

// ChunkEntry references one chunk within a File blob.
type ChunkEntry struct {
	Hash   rekhash.Hash
	Offset int64
	Length int32
}

// RawFile is one entry of a Directory or Snapshot body (§3).
type RawFile struct {
	Hash  rekhash.Hash
	Kind  Kind
	Flags Flags
	Mtime int64 // milliseconds since epoch
	Btime int64 // milliseconds since epoch
	Mode  uint32
	UID   uint32
	GID   uint32
	Size  int64
	Name  string
}

// Stated reports whether metadata was captured for this entry.
func (f RawFile) Stated() bool { return f.Flags&FlagStated != 0 }

// Readable reports whether this entry's body was stored successfully.
func (f RawFile) Readable() bool { return f.Flags&FlagReadable != 0 }
