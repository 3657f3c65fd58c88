package local

import (
	"bytes"
	"context"
	"io"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()

	want := []byte("blob plaintext")
	n, err := s.Write(ctx, "blobs/abc/deadbeef", func(w io.Writer) error {
		_, err := w.Write(want)
		return err
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != int64(len(want)) {
		t.Fatalf("Write reported %d bytes, want %d", n, len(want))
	}

	r, err := s.Read(ctx, "blobs/abc/deadbeef")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("round-trip mismatch: got %q, want %q", got, want)
	}
}

func TestReadMissingIsNotFound(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Read(context.Background(), "blobs/abc/missing"); err == nil {
		t.Fatalf("expected error reading a missing key")
	}
}

func TestStat(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()

	exists, err := s.Stat(ctx, "tags/abcd1234")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if exists {
		t.Fatalf("expected Stat to report absent before write")
	}

	if _, err := s.Write(ctx, "tags/abcd1234", func(w io.Writer) error {
		_, err := w.Write([]byte("tag"))
		return err
	}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	exists, err = s.Stat(ctx, "tags/abcd1234")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !exists {
		t.Fatalf("expected Stat to report present after write")
	}
}

func TestListUnderPrefix(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()

	keys := []string{"blobs/aaa/1", "blobs/aaa/2", "blobs/bbb/3", "tags/4"}
	for _, k := range keys {
		if _, err := s.Write(ctx, k, func(w io.Writer) error {
			_, err := w.Write([]byte("x"))
			return err
		}); err != nil {
			t.Fatalf("Write %s: %v", k, err)
		}
	}

	ch, err := s.List(ctx, "blobs/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var got []string
	for entry := range ch {
		if entry.Err != nil {
			t.Fatalf("List entry error: %v", entry.Err)
		}
		got = append(got, entry.Key)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 keys under blobs/, got %v", got)
	}
}

func TestDeleteMissingIsNotAnError(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Delete(context.Background(), "blobs/aaa/missing"); err != nil {
		t.Fatalf("Delete of a missing key should not error: %v", err)
	}
}
