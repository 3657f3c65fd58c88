// Package cborcanon provides canonical CBOR encoding for the small
// metadata structures sealed into tag objects and key records: deterministic
// key order, no floating-point types, so the same value always encodes to
// the same bytes.
package cborcanon

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var canonicalMode cbor.EncMode

func init() {
	var err error
	canonicalMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cborcanon: build canonical encode mode: %v", err))
	}
}

// Marshal encodes v into canonical CBOR.
func Marshal(v interface{}) ([]byte, error) {
	return canonicalMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v interface{}) error {
	return cbor.Unmarshal(data, v)
}

// IsCanonical reports whether data is already canonical, i.e. decoding then
// re-encoding it reproduces the same bytes.
func IsCanonical(data []byte) bool {
	var v interface{}
	if err := Unmarshal(data, &v); err != nil {
		return false
	}
	re, err := Marshal(v)
	if err != nil {
		return false
	}
	return bytes.Equal(data, re)
}
