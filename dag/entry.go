package dag

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/alexandremahdhaoui/tooling/pkg/flaterrors"
	"github.com/hashicorp/go-msgpack/codec"
)

// Hash is the sha256 of an entry's encoded content.
type Hash [sha256.Size]byte

// String returns the hash in hex.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 8 hex digits, for logs.
func (h Hash) Short() string {
	return h.String()[:8]
}

// Bytes returns a copy of the hash as a slice.
func (h Hash) Bytes() []byte {
	return append([]byte(nil), h[:]...)
}

// HashFromBytes converts a wire hash back into a Hash.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != len(h) {
		return h, fmt.Errorf("invalid hash length %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

// ParseHash decodes a hex encoded hash.
func ParseHash(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, err
	}
	return HashFromBytes(b)
}

// HashesToBytes converts hashes to their wire form.
func HashesToBytes(hashes []Hash) [][]byte {
	out := make([][]byte, len(hashes))
	for i, h := range hashes {
		out[i] = h.Bytes()
	}
	return out
}

// HashesFromBytes converts wire hashes, failing on the first malformed one.
func HashesFromBytes(raw [][]byte) ([]Hash, error) {
	out := make([]Hash, len(raw))
	for i, b := range raw {
		h, err := HashFromBytes(b)
		if err != nil {
			return nil, err
		}
		out[i] = h
	}
	return out, nil
}

func sortHashes(hashes []Hash) {
	sort.Slice(hashes, func(i, j int) bool {
		return bytes.Compare(hashes[i][:], hashes[j][:]) < 0
	})
}

// Entry is an immutable node of the log. Seq is local to the replica that
// returned it and is not part of the hash.
type Entry struct {
	Hash         Hash
	Seq          uint64
	Predecessors []Hash
	Payload      []byte
}

// encodedEntry is the canonical form that is hashed and stored.
type encodedEntry struct {
	Predecessors [][]byte
	Payload      []byte
}

var msgpackHandle = &codec.MsgpackHandle{}

// encodeEntry returns the canonical encoding of an entry and its hash.
// Predecessors are hashed in the order given.
func encodeEntry(predecessors []Hash, payload []byte) ([]byte, Hash, error) {
	if payload == nil {
		payload = []byte{}
	}
	buf := bytes.Buffer{}
	enc := codec.NewEncoder(&buf, msgpackHandle)
	if err := enc.Encode(&encodedEntry{
		Predecessors: HashesToBytes(predecessors),
		Payload:      payload,
	}); err != nil {
		return nil, Hash{}, err
	}
	data := buf.Bytes()
	return data, sha256.Sum256(data), nil
}

// decodeRecord rebuilds an Entry from what the store holds.
func decodeRecord(rec Record) (*Entry, error) {
	var enc encodedEntry
	dec := codec.NewDecoder(bytes.NewReader(rec.Data), msgpackHandle)
	if err := dec.Decode(&enc); err != nil {
		return nil, err
	}
	if sha256.Sum256(rec.Data) != rec.Hash {
		return nil, flaterrors.Join(ErrHashMismatch, fmt.Errorf("stored record %s", rec.Hash.Short()))
	}
	preds, err := HashesFromBytes(enc.Predecessors)
	if err != nil {
		return nil, err
	}
	return &Entry{
		Hash:         rec.Hash,
		Seq:          rec.Seq,
		Predecessors: preds,
		Payload:      enc.Payload,
	}, nil
}

// HashOf computes the hash an entry with this content would have.
func HashOf(predecessors []Hash, payload []byte) (Hash, error) {
	_, h, err := encodeEntry(predecessors, payload)
	return h, err
}
