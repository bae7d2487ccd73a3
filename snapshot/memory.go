// Copyright The Crashwalk Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot // import "github.com/crashwalk/crashwalk/snapshot"

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/crashwalk/crashwalk/libpm"
)

// ErrOutOfBounds is returned for reads outside the captured region.
var ErrOutOfBounds = errors.New("address outside memory region")

// MemoryRegion provides read access to one contiguous slice of the crashed
// process's address space, typically the stack pages of a thread. The
// region does not copy the snapshot data; it reads through the underlying
// ReaderAt on demand. Reads outside the captured range fail cleanly with
// ErrOutOfBounds.
type MemoryRegion struct {
	base  libpm.Address
	size  uint64
	order binary.ByteOrder
	r     io.ReaderAt
}

// NewMemoryRegion wraps a byte slice captured at the given base address.
// Little-endian byte order is assumed; use SetByteOrder for big-endian
// targets.
func NewMemoryRegion(base libpm.Address, data []byte) *MemoryRegion {
	return &MemoryRegion{
		base:  base,
		size:  uint64(len(data)),
		order: binary.LittleEndian,
		r:     bytes.NewReader(data),
	}
}

// NewMemoryRegionReaderAt wraps an io.ReaderAt covering size bytes starting
// at base. Offsets passed to the reader are relative to base.
func NewMemoryRegionReaderAt(base libpm.Address, size uint64, r io.ReaderAt) *MemoryRegion {
	return &MemoryRegion{
		base:  base,
		size:  size,
		order: binary.LittleEndian,
		r:     r,
	}
}

// SetByteOrder overrides the byte order used for multi-byte reads.
func (m *MemoryRegion) SetByteOrder(order binary.ByteOrder) {
	m.order = order
}

// Base returns the lowest address covered by the region.
func (m *MemoryRegion) Base() libpm.Address {
	return m.base
}

// Size returns the number of bytes covered by the region.
func (m *MemoryRegion) Size() uint64 {
	return m.size
}

// Contains reports whether count bytes starting at addr lie within the region.
func (m *MemoryRegion) Contains(addr libpm.Address, count uint64) bool {
	if addr < m.base {
		return false
	}
	offs := uint64(addr - m.base)
	return offs+count >= offs && offs+count <= m.size
}

func (m *MemoryRegion) readAt(addr libpm.Address, buf []byte) error {
	if !m.Contains(addr, uint64(len(buf))) {
		return fmt.Errorf("%w: %#x+%d not in [%#x,%#x)", ErrOutOfBounds,
			uint64(addr), len(buf), uint64(m.base), uint64(m.base)+m.size)
	}
	_, err := m.r.ReadAt(buf, int64(addr-m.base))
	return err
}

// ReadUint8 reads one byte from the region.
func (m *MemoryRegion) ReadUint8(addr libpm.Address) (uint8, error) {
	var buf [1]byte
	if err := m.readAt(addr, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// ReadUint16 reads a 16-bit value from the region.
func (m *MemoryRegion) ReadUint16(addr libpm.Address) (uint16, error) {
	var buf [2]byte
	if err := m.readAt(addr, buf[:]); err != nil {
		return 0, err
	}
	return m.order.Uint16(buf[:]), nil
}

// ReadUint32 reads a 32-bit value from the region.
func (m *MemoryRegion) ReadUint32(addr libpm.Address) (uint32, error) {
	var buf [4]byte
	if err := m.readAt(addr, buf[:]); err != nil {
		return 0, err
	}
	return m.order.Uint32(buf[:]), nil
}

// ReadUint64 reads a 64-bit value from the region.
func (m *MemoryRegion) ReadUint64(addr libpm.Address) (uint64, error) {
	var buf [8]byte
	if err := m.readAt(addr, buf[:]); err != nil {
		return 0, err
	}
	return m.order.Uint64(buf[:]), nil
}

// ReadBytes fills buf with data starting at addr.
func (m *MemoryRegion) ReadBytes(addr libpm.Address, buf []byte) error {
	return m.readAt(addr, buf)
}

// ReadPointer reads a machine word of the architecture's pointer size,
// zero-extending 32-bit values.
func (m *MemoryRegion) ReadPointer(arch CPUArch, addr libpm.Address) (uint64, error) {
	if arch.PointerSize() == 4 {
		v, err := m.ReadUint32(addr)
		return uint64(v), err
	}
	return m.ReadUint64(addr)
}
