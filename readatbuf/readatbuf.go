// Copyright The Crashwalk Authors
// SPDX-License-Identifier: Apache-2.0

// Package readatbuf adds page-granular caching to any io.ReaderAt. The
// symbol store reads serialized symbol data through it so that repeated
// header and index accesses don't hit compressed storage every time.
package readatbuf // import "github.com/crashwalk/crashwalk/readatbuf"

import (
	"errors"
	"fmt"
	"io"

	lru "github.com/elastic/go-freelru"

	"github.com/crashwalk/crashwalk/libpm"
)

// page represents a cached region from the underlying reader.
type page struct {
	data []byte
	// eof records whether the page hit the end of the input.
	eof bool
}

// Statistics contains counters about cache efficiency.
type Statistics struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Reader implements buffered random access reads via the ReaderAt
// interface.
type Reader struct {
	inner        io.ReaderAt
	cache        *lru.LRU[uint, page]
	pageSize     uint
	stats        Statistics
	sparePageBuf []byte
}

func hashPageIndex(v uint) uint32 {
	return libpm.HashUint64(uint64(v))
}

// New creates a buffered reader caching cacheSize pages of pageSize bytes
// each.
func New(inner io.ReaderAt, pageSize, cacheSize uint) (*Reader, error) {
	if pageSize == 0 {
		return nil, errors.New("pageSize cannot be zero")
	}
	if cacheSize == 0 {
		return nil, errors.New("cacheSize cannot be zero")
	}

	reader := &Reader{
		inner:    inner,
		pageSize: pageSize,
	}

	var err error
	reader.cache, err = lru.New[uint, page](uint32(cacheSize), hashPageIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to create internal cache: %w", err)
	}

	reader.cache.SetOnEvict(func(_ uint, evicted page) {
		reader.stats.Evictions++
		// EOF pages were truncated, but every slice was allocated with
		// page size capacity, so it can be regrown for reuse.
		reader.sparePageBuf = evicted.data[:pageSize]
	})

	return reader, nil
}

// InvalidateCache flushes the internal cache and resets the statistics.
func (reader *Reader) InvalidateCache() {
	reader.cache.Purge()
	reader.stats = Statistics{}
}

// Statistics returns counters about cache efficiency.
func (reader *Reader) Statistics() Statistics {
	return reader.stats
}

// ReadAt implements the ReaderAt interface.
func (reader *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset value %d given", off)
	}

	// Large reads bypass the cache so a single scan cannot evict every
	// useful page.
	if uint(len(p)) > reader.pageSize*3/2 {
		return reader.inner.ReadAt(p, off)
	}

	writeOffset := uint(0)
	remaining := uint(len(p))
	skipOffset := uint(off) % reader.pageSize
	pageIdx := uint(off) / reader.pageSize

	for remaining > 0 {
		data, eof, err := reader.getOrReadPage(pageIdx)
		if err != nil {
			return int(writeOffset), err
		}
		if skipOffset > uint(len(data)) {
			return 0, io.EOF
		}

		copyLen := min(remaining, uint(len(data))-skipOffset)
		copy(p[writeOffset:][:copyLen], data[skipOffset:][:copyLen])

		skipOffset = 0
		pageIdx++
		writeOffset += copyLen
		remaining -= copyLen

		if eof {
			if remaining == 0 {
				break
			}
			return int(writeOffset), io.EOF
		}
	}

	return int(writeOffset), nil
}

func (reader *Reader) getOrReadPage(pageIdx uint) (data []byte, eof bool, err error) {
	if cachedPage, exists := reader.cache.Get(pageIdx); exists {
		reader.stats.Hits++
		return cachedPage.data, cachedPage.eof, nil
	}

	reader.stats.Misses++

	var buffer []byte
	if reader.sparePageBuf != nil {
		buffer = reader.sparePageBuf
		reader.sparePageBuf = nil
	} else {
		buffer = make([]byte, reader.pageSize)
	}

	n, err := reader.inner.ReadAt(buffer, int64(pageIdx*reader.pageSize))
	if err != nil {
		// Reading speculatively past the caller's request makes EOF an
		// expected outcome.
		if err == io.EOF {
			buffer = buffer[:n]
			eof = true
		} else {
			return nil, false, err
		}
	}

	if !eof && uint(n) < reader.pageSize {
		return nil, false, errors.New("failed to read whole page")
	}

	reader.cache.Add(pageIdx, page{data: buffer, eof: eof})
	return buffer, eof, nil
}
