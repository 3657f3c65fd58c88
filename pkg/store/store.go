// Package store defines the minimal object-store capability interface
// described in §4.5: read/write/delete/list/stat plus namespace creation,
// consumed by the blob layer and satisfied by the local, SFTP and S3
// backends in this module's sibling packages.
package store

import (
	"context"
	"io"
)

// Store is the external collaborator contract of §4.5. Keys are short
// printable paths (§4.5's concrete layout: "rekkord", "keys/<user>/full",
// "blobs/<xxx>/<hash>", "tags/<random>", "tmp/<random>.tmp").
//
// Implementations must make Write atomic: either the full object becomes
// visible under key, or none of it does. Callers rely on this for the
// blob layer's exists-check-then-write flow (§4.4).
type Store interface {
	// Read opens key for streaming read. It returns a *rekkorderr.Error of
	// kind NotFound, AccessDenied, Transient or LocalIO on failure.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Write streams the bytes produce writes into w as the object named
	// key, atomically, and returns the number of bytes written.
	Write(ctx context.Context, key string, produce func(w io.Writer) error) (int64, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List streams every key under prefix on the returned channel, closing
	// it when the listing completes or the context is canceled. A single
	// terminal error, if any, is sent as the last ListEntry.
	List(ctx context.Context, prefix string) (<-chan ListEntry, error)

	// Stat reports whether key exists.
	Stat(ctx context.Context, key string) (bool, error)

	// CreateNamespace prepares path for writes (e.g. MkdirAll on a
	// filesystem backend). On prefix-only stores this is a no-op.
	CreateNamespace(ctx context.Context, path string) error

	// DeleteNamespace removes path and everything under it. On
	// prefix-only stores this removes every object under the prefix.
	DeleteNamespace(ctx context.Context, path string) error
}

// ListEntry is one item yielded by Store.List.
type ListEntry struct {
	Key string
	Err error
}
