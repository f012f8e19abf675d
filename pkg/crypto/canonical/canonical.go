// Package canonical provides deterministic binary encoding used to hash
// arbitrary values for block headers, transaction payloads and merkle
// leaves. gob field order is stable for a fixed struct definition, so a
// gob-encoded value hashes the same way on every peer that shares the
// same compiled type.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
)

// Encode serializes v with encoding/gob. The caller must pass the same
// concrete type (not an interface value) on every peer for the encoding
// to line up byte-for-byte.
func Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns the 32-byte SHA-256 digest of v's canonical encoding.
func Hash(v interface{}) ([32]byte, error) {
	enc, err := Encode(v)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(enc), nil
}

// HashBytes returns the 32-byte SHA-256 digest of a raw byte string,
// with no encoding step — used for content that is already a wire blob
// (a transaction payload, a block body) rather than a Go value.
func HashBytes(b []byte) [32]byte {
	return sha256.Sum256(b)
}

// Decode deserializes a gob-encoded value produced by Encode into v,
// which must be a pointer to the same concrete type that was encoded.
func Decode(b []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
