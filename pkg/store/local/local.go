// Package local implements the object-store contract (§4.5) over the
// local filesystem: keys map to paths under a root directory (§6).
package local

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rekkord/rekkord/pkg/rekkorderr"
	"github.com/rekkord/rekkord/pkg/store"
)

// Store is a local-filesystem object store rooted at a directory.
type Store struct {
	root string
}

// Open roots a Store at dir, creating it if absent.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, rekkorderr.LocalIOf("local.Open", dir, err, "create root directory")
	}
	return &Store{root: dir}, nil
}

func (s *Store) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("local: empty key")
	}
	return filepath.Join(s.root, clean), nil
}

func (s *Store) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, rekkorderr.NotFoundf("local.Read", key, "object not found")
		}
		if errors.Is(err, os.ErrPermission) {
			return nil, rekkorderr.AccessDeniedf("local.Read", key, err, "permission denied")
		}
		return nil, rekkorderr.LocalIOf("local.Read", key, err, "open failed")
	}
	return f, nil
}

func (s *Store) Write(ctx context.Context, key string, produce func(io.Writer) error) (int64, error) {
	p, err := s.path(key)
	if err != nil {
		return 0, err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, rekkorderr.LocalIOf("local.Write", key, err, "create parent directory")
	}

	tmp, err := randomTempPath(dir)
	if err != nil {
		return 0, err
	}
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, rekkorderr.LocalIOf("local.Write", key, err, "create temp file")
	}
	counter := &countingWriter{w: f}
	if err := produce(counter); err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("local: produce body for %s: %w", key, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, rekkorderr.LocalIOf("local.Write", key, err, "fsync temp file")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return 0, rekkorderr.LocalIOf("local.Write", key, err, "close temp file")
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return 0, rekkorderr.LocalIOf("local.Write", key, err, "rename into place")
	}
	return counter.n, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return rekkorderr.LocalIOf("local.Delete", key, err, "remove failed")
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) (<-chan store.ListEntry, error) {
	root, err := s.path(prefix)
	if err != nil {
		// An empty prefix lists the whole store.
		root = s.root
	}

	out := make(chan store.ListEntry)
	go func() {
		defer close(out)
		walkErr := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return nil
				}
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(s.root, p)
			if err != nil {
				return err
			}
			key := filepath.ToSlash(rel)
			if !strings.HasPrefix(key, prefix) {
				return nil
			}
			select {
			case out <- store.ListEntry{Key: key}:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		})
		if walkErr != nil && !errors.Is(walkErr, context.Canceled) {
			out <- store.ListEntry{Err: rekkorderr.LocalIOf("local.List", prefix, walkErr, "walk failed")}
		}
	}()
	return out, nil
}

func (s *Store) Stat(ctx context.Context, key string) (bool, error) {
	p, err := s.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if errors.Is(err, os.ErrPermission) {
		return false, rekkorderr.AccessDeniedf("local.Stat", key, err, "permission denied")
	}
	return false, rekkorderr.LocalIOf("local.Stat", key, err, "stat failed")
}

func (s *Store) CreateNamespace(ctx context.Context, path string) error {
	p, err := s.path(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(p, 0o755); err != nil {
		return rekkorderr.LocalIOf("local.CreateNamespace", path, err, "mkdir failed")
	}
	return nil
}

func (s *Store) DeleteNamespace(ctx context.Context, path string) error {
	p, err := s.path(path)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(p); err != nil {
		return rekkorderr.LocalIOf("local.DeleteNamespace", path, err, "removeall failed")
	}
	return nil
}

func randomTempPath(dir string) (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("local: generate temp name: %w", err)
	}
	return filepath.Join(dir, "tmp-"+hex.EncodeToString(raw[:])+".tmp"), nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
