// Copyright The Crashwalk Authors
// SPDX-License-Identifier: Apache-2.0

// Package libpm provides the foundation types shared by the post-mortem
// analysis packages: addresses, source locations and small generic helpers.
package libpm // import "github.com/crashwalk/crashwalk/libpm"

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/xxh3"
)

// Address represents an absolute address within the crashed process.
type Address uint64

// Hash returns a 64 bit hash of the address, suitable as an LRU key hash.
func (addr Address) Hash() uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(addr))
	return xxh3.Hash(buf[:])
}

// Hash32 returns a 32 bit hash of the address.
func (addr Address) Hash32() uint32 {
	return uint32(addr.Hash())
}

func (addr Address) String() string {
	return fmt.Sprintf("%#x", uint64(addr))
}

// SourceLineno represents a line number within a source file.
type SourceLineno uint64

// Void allows to use maps as sets without memory overhead for the values.
type Void struct{}

// Set is a convenience alias for a map with a Void value.
type Set[T comparable] map[T]Void

// ToSlice converts the Set keys into a slice.
func (s Set[T]) ToSlice() []T {
	slice := make([]T, 0, len(s))
	for item := range s {
		slice = append(slice, item)
	}
	return slice
}

// HashString returns a 32 bit hash of a string, in the shape go-freelru
// expects for its hasher callback.
func HashString(s string) uint32 {
	return uint32(xxh3.HashString(s))
}

// HashUint64 returns a 32 bit hash of a uint64, in the shape go-freelru
// expects for its hasher callback.
func HashUint64(v uint64) uint32 {
	return Address(v).Hash32()
}
