package blob

import (
	"fmt"
	"io"
)

// EncodeLink returns the plaintext body of a Link blob: the raw symlink
// target bytes, unencoded (§3).
func EncodeLink(target string) []byte {
	return []byte(target)
}

// DecodeLink parses a Link blob's plaintext.
func DecodeLink(r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("blob: read link body: %w", err)
	}
	return string(data), nil
}
