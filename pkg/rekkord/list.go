package rekkord

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/rekkord/rekkord/pkg/blob"
	"github.com/rekkord/rekkord/pkg/keys"
	"github.com/rekkord/rekkord/pkg/rekhash"
)

// tagsPrefix namespaces tag objects (§3 "Tag object").
const tagsPrefix = "tags/"

// SnapshotInfo is one entry of Snapshots' result (§4.9).
type SnapshotInfo struct {
	Hash    rekhash.Hash
	Name    string
	Time    int64 // milliseconds since epoch
	Size    int64
	Storage int64
}

// Snapshots lists every tag under tags/, opens its sealed payload, and
// fetches the snapshot it names for its size/storage fields, returning
// results sorted by time. Full access is required: opening a tag needs
// skey.
func (r *Repository) Snapshots(ctx context.Context) ([]SnapshotInfo, error) {
	if !r.Full() {
		return nil, fmt.Errorf("rekkord: Snapshots requires full access, only the write key is loaded")
	}
	b, err := r.blobRepo()
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	skey := r.keys.SKey
	r.mu.RUnlock()

	entries, err := r.Store.List(ctx, tagsPrefix)
	if err != nil {
		return nil, err
	}

	var out []SnapshotInfo
	for entry := range entries {
		if entry.Err != nil {
			return nil, entry.Err
		}
		rc, err := r.Store.Read(ctx, entry.Key)
		if err != nil {
			return nil, fmt.Errorf("rekkord: read tag %s: %w", entry.Key, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("rekkord: read tag %s: %w", entry.Key, err)
		}

		hash, payload, err := keys.OpenTag(skey, data)
		if err != nil {
			return nil, fmt.Errorf("rekkord: open tag %s: %w", entry.Key, err)
		}

		typ, body, err := b.Get(ctx, hash)
		if err != nil {
			return nil, fmt.Errorf("rekkord: fetch snapshot %s: %w", hash, err)
		}
		if typ != blob.TypeSnapshot {
			return nil, fmt.Errorf("rekkord: tag %s names a %v, not a snapshot", entry.Key, typ)
		}
		snap, err := blob.DecodeSnapshot(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("rekkord: decode snapshot %s: %w", hash, err)
		}

		out = append(out, SnapshotInfo{
			Hash:    hash,
			Name:    payload.Name,
			Time:    payload.Time,
			Size:    snap.Header.Size,
			Storage: snap.Header.Storage,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	return out, nil
}

// ObjectInfo is one flattened entry produced by List (§4.9).
type ObjectInfo struct {
	Path       string // slash-separated path from the listed root; the root's Path is ""
	Depth      int
	Hash       rekhash.Hash
	Type       blob.Type
	Kind       blob.Kind
	Size       int64
	Mode       uint32
	Mtime      int64
	LinkTarget string // set only for Kind == blob.KindLink
	Children   int    // set only for directories/snapshot roots
}

// List recursively decodes the Directory or Snapshot blob named hash and
// returns a flat listing of entries with Depth up to maxDepth. The root's
// direct entries have Depth 1 and are always listed, so maxDepth 0 and 1
// both list only them. Symlink targets are resolved by
// reading the referenced Link blob.
func (r *Repository) List(ctx context.Context, hash rekhash.Hash, maxDepth int) ([]ObjectInfo, error) {
	b, err := r.blobRepo()
	if err != nil {
		return nil, err
	}

	typ, body, err := b.Get(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("rekkord: fetch %s: %w", hash, err)
	}

	var root blob.Directory
	switch typ {
	case blob.TypeSnapshot:
		snap, err := blob.DecodeSnapshot(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("rekkord: decode snapshot %s: %w", hash, err)
		}
		root = snap.Root
	case blob.TypeDirectory:
		root, err = blob.DecodeDirectory(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("rekkord: decode directory %s: %w", hash, err)
		}
	default:
		return nil, fmt.Errorf("rekkord: %s is a %v, not a directory or snapshot", hash, typ)
	}

	out := []ObjectInfo{{
		Path:     "",
		Depth:    0,
		Hash:     hash,
		Type:     typ,
		Kind:     blob.KindDirectory,
		Size:     root.Header.TotalSize,
		Children: len(root.Entries),
	}}
	if err := listChildren(ctx, b, root, "", 1, maxDepth, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func listChildren(ctx context.Context, b *blob.Repository, dir blob.Directory, parentPath string, depth, maxDepth int, out *[]ObjectInfo) error {
	for _, entry := range dir.Entries {
		path := entry.Name
		if parentPath != "" {
			path = parentPath + "/" + entry.Name
		}

		info := ObjectInfo{
			Path:  path,
			Depth: depth,
			Hash:  entry.Hash,
			Kind:  entry.Kind,
			Size:  entry.Size,
			Mode:  entry.Mode,
			Mtime: entry.Mtime,
		}

		if !entry.Readable() {
			*out = append(*out, info)
			continue
		}

		switch entry.Kind {
		case blob.KindLink:
			typ, body, err := b.Get(ctx, entry.Hash)
			if err != nil {
				return fmt.Errorf("rekkord: fetch link %s: %w", path, err)
			}
			if typ != blob.TypeLink {
				return fmt.Errorf("rekkord: %s is a %v, not a link", path, typ)
			}
			target, err := blob.DecodeLink(bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("rekkord: decode link %s: %w", path, err)
			}
			info.Type = blob.TypeLink
			info.LinkTarget = target
			*out = append(*out, info)

		case blob.KindDirectory:
			typ, body, err := b.Get(ctx, entry.Hash)
			if err != nil {
				return fmt.Errorf("rekkord: fetch directory %s: %w", path, err)
			}
			if typ != blob.TypeDirectory {
				return fmt.Errorf("rekkord: %s is a %v, not a directory", path, typ)
			}
			child, err := blob.DecodeDirectory(bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("rekkord: decode directory %s: %w", path, err)
			}
			info.Type = blob.TypeDirectory
			info.Children = len(child.Entries)
			*out = append(*out, info)

			if depth < maxDepth {
				if err := listChildren(ctx, b, child, path, depth+1, maxDepth, out); err != nil {
					return err
				}
			}

		default:
			typ, _, err := b.Get(ctx, entry.Hash)
			if err != nil {
				return fmt.Errorf("rekkord: fetch %s: %w", path, err)
			}
			info.Type = typ
			*out = append(*out, info)
		}
	}
	return nil
}
