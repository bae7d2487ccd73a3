// Copyright The Crashwalk Authors
// SPDX-License-Identifier: Apache-2.0

package symstore

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crashwalk/crashwalk/snapshot"
)

func testCodeModule() *snapshot.CodeModule {
	return &snapshot.CodeModule{
		CodeFile:  "/usr/bin/app",
		DebugFile: "app",
		DebugID:   "0123456789ABCDEF0123456789ABCDEF0",
	}
}

func TestPakRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("symbol data line\n"), 10000)

	var packed bytes.Buffer
	require.NoError(t, compressInto(bytes.NewReader(payload), &packed, 1024))

	reader, err := newPakReader(bytes.NewReader(packed.Bytes()),
		uint64(packed.Len()))
	require.NoError(t, err)
	defer reader.Close()

	assert.Equal(t, uint64(len(payload)), reader.UncompressedSize())
	assert.Equal(t, uint64(1024), reader.ChunkSize())

	// Random access across chunk boundaries.
	buf := make([]byte, 100)
	_, err = reader.ReadAt(buf, 1000)
	require.NoError(t, err)
	assert.Equal(t, payload[1000:1100], buf)

	whole := make([]byte, len(payload))
	_, err = reader.ReadAt(whole, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, whole)
}

func TestPakRejectsGarbage(t *testing.T) {
	_, err := newPakReader(bytes.NewReader([]byte("too short")), 9)
	assert.Error(t, err)

	garbage := bytes.Repeat([]byte{0xff}, 128)
	_, err = newPakReader(bytes.NewReader(garbage), uint64(len(garbage)))
	assert.Error(t, err)
}

func TestDirStore(t *testing.T) {
	root := t.TempDir()
	mod := testCodeModule()
	symPath := filepath.Join(root, "app", mod.DebugID)
	require.NoError(t, os.MkdirAll(symPath, 0o750))
	content := []byte("MODULE linux x86_64 " + mod.DebugID + " app\n")
	require.NoError(t, os.WriteFile(filepath.Join(symPath, "app.sym"), content, 0o600))

	store := NewDirStore(root)
	data, err := store.FindSymbolFile(mod)
	require.NoError(t, err)
	assert.Equal(t, content, data)

	missing := testCodeModule()
	missing.DebugFile = "other"
	_, err = store.FindSymbolFile(missing)
	assert.ErrorIs(t, err, ErrNoSymbols)
}

func TestDirStorePDBNames(t *testing.T) {
	root := t.TempDir()
	mod := testCodeModule()
	mod.DebugFile = "app.pdb"
	symPath := filepath.Join(root, "app.pdb", mod.DebugID)
	require.NoError(t, os.MkdirAll(symPath, 0o750))
	content := []byte("MODULE windows x86 " + mod.DebugID + " app.pdb\n")
	require.NoError(t, os.WriteFile(filepath.Join(symPath, "app.sym"), content, 0o600))

	store := NewDirStore(root)
	data, err := store.FindSymbolFile(mod)
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestStoreInsertAndFind(t *testing.T) {
	cacheDir := t.TempDir()
	store, err := NewStore(nil, "", cacheDir)
	require.NoError(t, err)

	mod := testCodeModule()
	content := []byte(strings.Repeat("FUNC 1000 20 0 f\n", 5000))

	id, err := store.Insert(mod, content)
	require.NoError(t, err)
	assert.Len(t, id.String(), 64)

	data, err := store.FindSymbolFile(mod)
	require.NoError(t, err)
	assert.Equal(t, content, data)

	// No temp litter left behind.
	entries, err := os.ReadDir(cacheDir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), localTempPrefix))
	}
}

func TestStoreMissWithoutRemote(t *testing.T) {
	store, err := NewStore(nil, "", t.TempDir())
	require.NoError(t, err)

	_, err = store.FindSymbolFile(testCodeModule())
	assert.ErrorIs(t, err, ErrNoSymbols)
}

func TestIDStringRoundTrip(t *testing.T) {
	id, err := calculateID(bytes.NewReader([]byte("hello")))
	require.NoError(t, err)

	parsed, err := IDFromString(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = IDFromString("short")
	assert.Error(t, err)

	encoded, err := id.MarshalJSON()
	require.NoError(t, err)
	var decoded ID
	require.NoError(t, decoded.UnmarshalJSON(encoded))
	assert.Equal(t, id, decoded)
}
