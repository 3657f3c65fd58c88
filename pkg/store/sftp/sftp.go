// Package sftp implements the object-store contract (§4.5) over an SFTP
// connection, per §6: keys are joined to a configured remote path, writes
// go to tmp/ then rename, and only "other" (transient) errors are retried
// with exponential backoff.
package sftp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/rekkord/rekkord/pkg/rekkorderr"
	"github.com/rekkord/rekkord/pkg/store"
)

// Store is an object store backed by an SFTP connection.
type Store struct {
	mu     sync.Mutex
	conn   *ssh.Client
	client *sftp.Client
	addr   string
	config *ssh.ClientConfig
	root   string
}

// Dial connects to addr and opens an SFTP session rooted at root.
func Dial(addr string, config *ssh.ClientConfig, root string) (*Store, error) {
	conn, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, rekkorderr.Transientf("sftp.Dial", addr, err, "ssh dial failed")
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, rekkorderr.Transientf("sftp.Dial", addr, err, "sftp session failed")
	}
	return &Store{conn: conn, client: client, addr: addr, config: config, root: root}, nil
}

// reconnect rebuilds the SSH/SFTP session after a transient error forces
// reconnection (§6). Callers hold s.mu.
func (s *Store) reconnect() error {
	if s.client != nil {
		s.client.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	conn, err := ssh.Dial("tcp", s.addr, s.config)
	if err != nil {
		return rekkorderr.Transientf("sftp.reconnect", s.addr, err, "ssh dial failed")
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return rekkorderr.Transientf("sftp.reconnect", s.addr, err, "sftp session failed")
	}
	s.conn, s.client = conn, client
	return nil
}

func (s *Store) remotePath(key string) string {
	return path.Join(s.root, key)
}

// classify reports whether err is "specific" (definitive — permission
// denied, no such file — and must not be retried) per §6.
func classify(err error) (specific bool) {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission)
}

func (s *Store) withClient(fn func(*sftp.Client) error) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	return fn(client)
}

func (s *Store) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	var f *sftp.File
	err := s.withClient(func(c *sftp.Client) error {
		var err error
		f, err = c.Open(s.remotePath(key))
		return err
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, rekkorderr.NotFoundf("sftp.Read", key, "object not found")
		}
		if errors.Is(err, os.ErrPermission) {
			return nil, rekkorderr.AccessDeniedf("sftp.Read", key, err, "permission denied")
		}
		return nil, rekkorderr.Transientf("sftp.Read", key, err, "open failed")
	}
	return f, nil
}

func (s *Store) Write(ctx context.Context, key string, produce func(io.Writer) error) (int64, error) {
	remote := s.remotePath(key)
	dir := path.Dir(remote)

	var n int64
	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			// A prior attempt failed transiently; the session may be wedged.
			s.mu.Lock()
			err := s.reconnect()
			s.mu.Unlock()
			if err != nil {
				return err
			}
		}

		if err := s.withClient(func(c *sftp.Client) error { return c.MkdirAll(dir) }); err != nil {
			return classifyForRetry(err)
		}

		tmp := path.Join(path.Dir(remote), "tmp", randomName()+".tmp")
		if err := s.withClient(func(c *sftp.Client) error { return c.MkdirAll(path.Dir(tmp)) }); err != nil {
			return classifyForRetry(err)
		}

		var f *sftp.File
		if err := s.withClient(func(c *sftp.Client) error {
			var err error
			f, err = c.Create(tmp)
			return err
		}); err != nil {
			return classifyForRetry(err)
		}

		counter := &countingWriter{w: f}
		if err := produce(counter); err != nil {
			f.Close()
			s.withClient(func(c *sftp.Client) error { return c.Remove(tmp) })
			return backoff.Permanent(fmt.Errorf("sftp: produce body for %s: %w", key, err))
		}
		if err := f.Close(); err != nil {
			s.withClient(func(c *sftp.Client) error { return c.Remove(tmp) })
			return classifyForRetry(err)
		}

		if err := s.renameWithFallback(tmp, remote); err != nil {
			s.withClient(func(c *sftp.Client) error { return c.Remove(tmp) })
			return classifyForRetry(err)
		}
		n = counter.n
		return nil
	}

	// WithMaxRetries counts retries after the first attempt: 8 retries
	// make at most 9 attempts.
	b := backoff.WithMaxRetries(retryBackoff(), 8)
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return 0, perm.Err
		}
		if classify(err) {
			return 0, rekkorderr.AccessDeniedf("sftp.Write", key, err, "write failed")
		}
		return 0, rekkorderr.Transientf("sftp.Write", key, err, "write failed after retries")
	}
	return n, nil
}

// renameWithFallback renames tmp to dst, falling back to a bounded
// unlink+rename retry loop with random 50-100ms backoff for servers that
// lack atomic rename (§6).
func (s *Store) renameWithFallback(tmp, dst string) error {
	err := s.withClient(func(c *sftp.Client) error { return c.Rename(tmp, dst) })
	if err == nil {
		return nil
	}
	for attempt := 0; attempt < 20; attempt++ {
		s.withClient(func(c *sftp.Client) error { return c.Remove(dst) })
		err = s.withClient(func(c *sftp.Client) error { return c.Rename(tmp, dst) })
		if err == nil {
			return nil
		}
		time.Sleep(50*time.Millisecond + time.Duration(rand.Int64N(50))*time.Millisecond)
	}
	return err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.withClient(func(c *sftp.Client) error { return c.Remove(s.remotePath(key)) })
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return rekkorderr.Transientf("sftp.Delete", key, err, "remove failed")
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) (<-chan store.ListEntry, error) {
	out := make(chan store.ListEntry)
	root := s.remotePath(prefix)

	go func() {
		defer close(out)
		s.mu.Lock()
		client := s.client
		s.mu.Unlock()

		walker := client.Walk(path.Dir(root))
		for walker.Step() {
			if ctx.Err() != nil {
				return
			}
			if err := walker.Err(); err != nil {
				if errors.Is(err, os.ErrNotExist) {
					continue
				}
				out <- store.ListEntry{Err: rekkorderr.Transientf("sftp.List", prefix, err, "walk failed")}
				return
			}
			if walker.Stat().IsDir() {
				continue
			}
			rel, err := relativeTo(s.root, walker.Path())
			if err != nil {
				continue
			}
			if len(rel) < len(prefix) || rel[:len(prefix)] != prefix {
				continue
			}
			select {
			case out <- store.ListEntry{Key: rel}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *Store) Stat(ctx context.Context, key string) (bool, error) {
	var info os.FileInfo
	err := s.withClient(func(c *sftp.Client) error {
		var err error
		info, err = c.Stat(s.remotePath(key))
		return err
	})
	if err == nil {
		_ = info
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if errors.Is(err, os.ErrPermission) {
		return false, rekkorderr.AccessDeniedf("sftp.Stat", key, err, "permission denied")
	}
	return false, rekkorderr.Transientf("sftp.Stat", key, err, "stat failed")
}

func (s *Store) CreateNamespace(ctx context.Context, p string) error {
	err := s.withClient(func(c *sftp.Client) error { return c.MkdirAll(s.remotePath(p)) })
	if err != nil {
		return rekkorderr.Transientf("sftp.CreateNamespace", p, err, "mkdirall failed")
	}
	return nil
}

func (s *Store) DeleteNamespace(ctx context.Context, p string) error {
	root := s.remotePath(p)
	var paths []string
	var dirs []string

	err := s.withClient(func(c *sftp.Client) error {
		walker := c.Walk(root)
		for walker.Step() {
			if err := walker.Err(); err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return nil
				}
				return err
			}
			if walker.Stat().IsDir() {
				dirs = append(dirs, walker.Path())
			} else {
				paths = append(paths, walker.Path())
			}
		}
		return nil
	})
	if err != nil {
		return rekkorderr.Transientf("sftp.DeleteNamespace", p, err, "walk failed")
	}

	for _, f := range paths {
		s.withClient(func(c *sftp.Client) error { return c.Remove(f) })
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	for _, d := range dirs {
		s.withClient(func(c *sftp.Client) error { return c.RemoveDirectory(d) })
	}
	return nil
}

func relativeTo(root, full string) (string, error) {
	if len(full) < len(root) {
		return "", fmt.Errorf("sftp: path %q shorter than root %q", full, root)
	}
	rel := full[len(root):]
	for len(rel) > 0 && rel[0] == '/' {
		rel = rel[1:]
	}
	return rel, nil
}

func retryBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 10 * time.Second
	b.RandomizationFactor = 0.5
	return b
}

func classifyForRetry(err error) error {
	if classify(err) {
		return backoff.Permanent(err)
	}
	return err
}

func randomName() string {
	var raw [8]byte
	_, _ = rand.Read(raw[:])
	return hex.EncodeToString(raw[:])
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
