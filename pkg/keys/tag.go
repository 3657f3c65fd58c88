package keys

import (
	"bytes"
	"fmt"
	"io"

	"github.com/rekkord/rekkord/pkg/blob"
	"github.com/rekkord/rekkord/pkg/codec/cborcanon"
	"github.com/rekkord/rekkord/pkg/envelope"
	"github.com/rekkord/rekkord/pkg/rekhash"
)

// TagPayload is the small listing metadata carried alongside a sealed
// snapshot hash inside a tag object (§3 "Tag object").
type TagPayload struct {
	Time int64 `cbor:"time"` // milliseconds since epoch
	Name string `cbor:"name"`
}

// SealTag builds a tag object's bytes: a sealed copy of the snapshot hash,
// followed by a sealed envelope carrying the listing payload.
func SealTag(pkey [32]byte, hash rekhash.Hash, payload TagPayload) ([]byte, error) {
	sealedHash, err := envelope.SealBox(pkey, hash[:])
	if err != nil {
		return nil, fmt.Errorf("keys: seal tag hash: %w", err)
	}

	body, err := cborcanon.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("keys: encode tag payload: %w", err)
	}

	var envelopeBuf bytes.Buffer
	if _, err := envelope.WriteBlob(&envelopeBuf, pkey, byte(blob.TypeTag), bytes.NewReader(body)); err != nil {
		return nil, fmt.Errorf("keys: seal tag payload: %w", err)
	}

	out := make([]byte, 0, len(sealedHash)+envelopeBuf.Len())
	out = append(out, sealedHash...)
	out = append(out, envelopeBuf.Bytes()...)
	return out, nil
}

// OpenTag recovers the snapshot hash and listing payload from a tag
// object's bytes, as produced by SealTag.
func OpenTag(skey [32]byte, data []byte) (rekhash.Hash, TagPayload, error) {
	var payload TagPayload

	if len(data) < envelope.SealedBoxSize {
		return rekhash.Hash{}, payload, fmt.Errorf("keys: tag object too short")
	}
	sealedHash, rest := data[:envelope.SealedBoxSize], data[envelope.SealedBoxSize:]

	hashBytes, err := envelope.OpenBox(skey, sealedHash)
	if err != nil {
		return rekhash.Hash{}, payload, fmt.Errorf("keys: open tag hash: %w", err)
	}
	hash, ok := rekhash.FromBytes(hashBytes)
	if !ok {
		return rekhash.Hash{}, payload, fmt.Errorf("keys: tag hash has unexpected length %d", len(hashBytes))
	}

	_, r, err := envelope.ReadBlob(bytes.NewReader(rest), skey)
	if err != nil {
		return rekhash.Hash{}, payload, fmt.Errorf("keys: open tag payload: %w", err)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return rekhash.Hash{}, payload, fmt.Errorf("keys: read tag payload: %w", err)
	}
	if err := cborcanon.Unmarshal(body, &payload); err != nil {
		return rekhash.Hash{}, payload, fmt.Errorf("keys: decode tag payload: %w", err)
	}

	return hash, payload, nil
}
