package keys

import (
	"testing"

	"github.com/rekkord/rekkord/pkg/envelope"
	"github.com/rekkord/rekkord/pkg/rekhash"
)

func TestRecordRoundTrip(t *testing.T) {
	var skey [32]byte
	for i := range skey {
		skey[i] = byte(i)
	}

	rec, err := WrapFull("correct horse battery staple", skey)
	if err != nil {
		t.Fatalf("WrapFull: %v", err)
	}

	encoded := rec.Encode()
	decoded, err := DecodeRecord(encoded)
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}

	got, err := UnwrapFull("correct horse battery staple", decoded)
	if err != nil {
		t.Fatalf("UnwrapFull: %v", err)
	}
	if got != skey {
		t.Fatalf("round-trip mismatch: got %x, want %x", got, skey)
	}
}

func TestRecordWrongPasswordFails(t *testing.T) {
	var pkey [32]byte
	pkey[0] = 1

	rec, err := WrapWrite("correct password", pkey)
	if err != nil {
		t.Fatalf("WrapWrite: %v", err)
	}
	if _, err := UnwrapWrite("wrong password", rec); err == nil {
		t.Fatalf("expected error unwrapping with the wrong password")
	}
}

func TestCacheIDDiffersByURL(t *testing.T) {
	id, err := NewRepositoryID()
	if err != nil {
		t.Fatalf("NewRepositoryID: %v", err)
	}
	a := CacheID(id, "sftp://host-a/repo")
	b := CacheID(id, "sftp://host-b/repo")
	if a == b {
		t.Fatalf("CacheID should differ between distinct urls for the same repository")
	}
	if CacheID(id, "sftp://host-a/repo") != a {
		t.Fatalf("CacheID should be deterministic")
	}
}

func TestTagRoundTrip(t *testing.T) {
	k, err := envelope.GenerateKeys()
	if err != nil {
		t.Fatalf("GenerateKeys: %v", err)
	}

	var hash rekhash.Hash
	for i := range hash {
		hash[i] = byte(i * 7)
	}
	payload := TagPayload{Time: 1700000000000, Name: "nightly-2026-07-31"}

	data, err := SealTag(k.PKey, hash, payload)
	if err != nil {
		t.Fatalf("SealTag: %v", err)
	}

	gotHash, gotPayload, err := OpenTag(k.SKey, data)
	if err != nil {
		t.Fatalf("OpenTag: %v", err)
	}
	if gotHash != hash {
		t.Fatalf("hash mismatch: got %x, want %x", gotHash, hash)
	}
	if gotPayload != payload {
		t.Fatalf("payload mismatch: got %+v, want %+v", gotPayload, payload)
	}
}

func TestTagOpenFailsWithWriteOnlyKey(t *testing.T) {
	k, err := envelope.GenerateKeys()
	if err != nil {
		t.Fatalf("GenerateKeys: %v", err)
	}

	var hash rekhash.Hash
	data, err := SealTag(k.PKey, hash, TagPayload{Time: 1, Name: "x"})
	if err != nil {
		t.Fatalf("SealTag: %v", err)
	}

	var wrongSKey [32]byte
	if _, _, err := OpenTag(wrongSKey, data); err == nil {
		t.Fatalf("expected OpenTag to fail without the matching secret key")
	}
}
