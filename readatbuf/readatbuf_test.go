// Copyright The Crashwalk Authors
// SPDX-License-Identifier: Apache-2.0

package readatbuf

import (
	"bytes"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVariant(t *testing.T, fileSize, pageSize, cacheSize uint) {
	file := make([]byte, fileSize)
	rng := rand.New(rand.NewSource(int64(fileSize)))
	_, err := rng.Read(file)
	require.NoError(t, err)

	raw := bytes.NewReader(file)
	buffered, err := New(raw, pageSize, cacheSize)
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		length := uint(rng.Intn(255))
		maxOffset := int(fileSize) - int(length)
		if maxOffset <= 0 {
			continue
		}
		offset := uint(rng.Intn(maxOffset))

		fromBuffered := make([]byte, length)
		n, err := buffered.ReadAt(fromBuffered, int64(offset))
		require.NoError(t, err)
		require.Equal(t, int(length), n)
		assert.Equal(t, file[offset:offset+length], fromBuffered)
	}
}

func TestCaching(t *testing.T) {
	variants := map[string]struct {
		fileSize  uint
		pageSize  uint
		cacheSize uint
	}{
		"small pages":        {fileSize: 1024, pageSize: 32, cacheSize: 12},
		"medium pages":       {fileSize: 4096, pageSize: 64, cacheSize: 8},
		"page equals file":   {fileSize: 256, pageSize: 256, cacheSize: 2},
		"single page cached": {fileSize: 1024, pageSize: 128, cacheSize: 1},
	}
	for name, v := range variants {
		t.Run(name, func(t *testing.T) {
			testVariant(t, v.fileSize, v.pageSize, v.cacheSize)
		})
	}
}

func TestReadPastEOF(t *testing.T) {
	buffered, err := New(bytes.NewReader(make([]byte, 100)), 64, 4)
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, err := buffered.ReadAt(buf, 90)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 10, n)
}

func TestInvalidParameters(t *testing.T) {
	_, err := New(bytes.NewReader(nil), 0, 4)
	assert.Error(t, err)
	_, err = New(bytes.NewReader(nil), 64, 0)
	assert.Error(t, err)

	buffered, err := New(bytes.NewReader(make([]byte, 16)), 8, 2)
	require.NoError(t, err)
	_, err = buffered.ReadAt(make([]byte, 4), -1)
	assert.Error(t, err)
}

func TestStatistics(t *testing.T) {
	buffered, err := New(bytes.NewReader(make([]byte, 256)), 64, 2)
	require.NoError(t, err)

	buf := make([]byte, 8)
	_, err = buffered.ReadAt(buf, 0)
	require.NoError(t, err)
	_, err = buffered.ReadAt(buf, 8)
	require.NoError(t, err)

	stats := buffered.Statistics()
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(1), stats.Hits)

	buffered.InvalidateCache()
	assert.Zero(t, buffered.Statistics().Misses)
}
