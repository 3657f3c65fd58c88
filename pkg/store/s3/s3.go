// Package s3 implements the object-store contract (§4.5) over an
// S3-compatible bucket via minio-go, per §6: keys become object names
// under a bucket and optional prefix. Since S3 has no directory concept,
// CreateNamespace is a no-op and DeleteNamespace removes every object under
// the prefix.
package s3

import (
	"bytes"
	"context"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"

	"github.com/rekkord/rekkord/pkg/rekkorderr"
	"github.com/rekkord/rekkord/pkg/store"
)

// Store is an object store backed by an S3-compatible bucket.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// Config names the bucket and optional key prefix a Store is rooted at.
// Endpoint, region and credentials are carried by client.
type Config struct {
	Bucket string
	Prefix string
}

// New wraps an already-configured minio client (see minio.New for
// endpoint/credential/TLS setup) as a Store rooted at cfg.Bucket/cfg.Prefix.
func New(client *minio.Client, cfg Config) *Store {
	return &Store{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}
}

func (s *Store) objectName(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func (s *Store) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.objectName(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, classify("s3.Read", key, err)
	}
	// minio's GetObject is lazy: the request only fires on first Read/Stat,
	// so surface a missing object as an error here rather than later.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, classify("s3.Read", key, err)
	}
	return obj, nil
}

func (s *Store) Write(ctx context.Context, key string, produce func(io.Writer) error) (int64, error) {
	var buf bytes.Buffer
	if err := produce(&buf); err != nil {
		return 0, err
	}
	info, err := s.client.PutObject(ctx, s.bucket, s.objectName(key), bytes.NewReader(buf.Bytes()), int64(buf.Len()), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return 0, rekkorderr.Transientf("s3.Write", key, err, "put object failed")
	}
	return info.Size, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.objectName(key), minio.RemoveObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return nil
		}
		return rekkorderr.Transientf("s3.Delete", key, err, "remove object failed")
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) (<-chan store.ListEntry, error) {
	out := make(chan store.ListEntry)
	root := s.objectName(prefix)

	go func() {
		defer close(out)
		for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
			Prefix:    root,
			Recursive: true,
		}) {
			if obj.Err != nil {
				out <- store.ListEntry{Err: rekkorderr.Transientf("s3.List", prefix, obj.Err, "list objects failed")}
				return
			}
			key := obj.Key
			if s.prefix != "" {
				key = strings.TrimPrefix(key, s.prefix+"/")
			}
			select {
			case out <- store.ListEntry{Key: key}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *Store) Stat(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, s.objectName(key), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.Code == "NotFound" {
		return false, nil
	}
	if resp.Code == "AccessDenied" {
		return false, rekkorderr.AccessDeniedf("s3.Stat", key, err, "access denied")
	}
	return false, rekkorderr.Transientf("s3.Stat", key, err, "stat object failed")
}

// CreateNamespace is a no-op: S3 buckets have no directory structure to
// create ahead of writes (§4.5 "on prefix-only stores this is a no-op").
func (s *Store) CreateNamespace(ctx context.Context, path string) error {
	return nil
}

// DeleteNamespace removes every object under path, since S3 has no
// directory entry to delete on its own.
func (s *Store) DeleteNamespace(ctx context.Context, p string) error {
	root := s.objectName(p)
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    root,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return rekkorderr.Transientf("s3.DeleteNamespace", p, obj.Err, "list objects failed")
		}
		if err := s.client.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return rekkorderr.Transientf("s3.DeleteNamespace", p, err, "remove object failed")
		}
	}
	return nil
}

func classify(op, key string, err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket":
		return rekkorderr.NotFoundf(op, key, "object not found")
	case "AccessDenied":
		return rekkorderr.AccessDeniedf(op, key, err, "access denied")
	default:
		return rekkorderr.Transientf(op, key, err, "request failed")
	}
}
