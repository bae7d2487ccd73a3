// Copyright The Crashwalk Authors
// SPDX-License-Identifier: Apache-2.0

package symstore // import "github.com/crashwalk/crashwalk/symstore"

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	sha256 "github.com/minio/sha256-simd"
)

// ID identifies a symbol file in a Store by the SHA-256 of its
// uncompressed content. Unlike the debug ID, which ties a symbol file to
// a module, the content ID distinguishes revisions of symbol data
// produced for the same module.
type ID struct {
	hash [32]byte
}

// String implements the fmt.Stringer interface.
func (id *ID) String() string {
	return hex.EncodeToString(id.hash[:])
}

// IDFromString parses a string into an ID.
func IDFromString(s string) (ID, error) {
	if len(s) != 64 {
		return ID{}, fmt.Errorf("length %d doesn't match expected value (64)", len(s))
	}

	slice, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("failed to parse id: %w", err)
	}

	var id ID
	copy(id.hash[:], slice)

	return id, nil
}

// MarshalJSON encodes the ID into JSON.
func (id *ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// UnmarshalJSON decodes JSON into an ID.
func (id *ID) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	parsed, err := IDFromString(v)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// calculateID hashes the symbol data from the reader.
func calculateID(reader io.Reader) (ID, error) {
	buf := make([]byte, 16*1024)
	hasher := sha256.New()
	for {
		n, err := reader.Read(buf)
		if n == 0 {
			break
		}

		hasher.Write(buf[:n])

		if err != nil {
			if err == io.EOF {
				break
			}
			return ID{}, fmt.Errorf("failed to read chunk: %w", err)
		}
	}

	var id ID
	copy(id.hash[:], hasher.Sum(nil))

	return id, nil
}
