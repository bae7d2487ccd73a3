// Copyright The Crashwalk Authors
// SPDX-License-Identifier: Apache-2.0

// Package symstore supplies symbol files to the resolver. Suppliers are
// consulted once per load_module; the engine core performs no other I/O.
//
// Two implementations exist: DirStore serves the conventional on-disk
// layout produced by symbol dumpers, and Store adds a compressed local
// cache backed by an optional S3 bucket so fleets of analysis workers can
// share one symbol corpus.
package symstore // import "github.com/crashwalk/crashwalk/symstore"

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/crashwalk/crashwalk/internal/log"
	"github.com/crashwalk/crashwalk/readatbuf"
	"github.com/crashwalk/crashwalk/snapshot"
)

// ErrNoSymbols is returned when no supplier has symbol data for a module.
var ErrNoSymbols = errors.New("no symbol file for module")

const (
	// localTempPrefix marks half-written cache files so crashes don't
	// leave corrupt entries behind.
	localTempPrefix = "tmp."
	// s3KeyPrefix is prepended to all S3 keys.
	s3KeyPrefix = "symbol-store/"
	// readCacheSize bounds the buffered reading of one pak entry.
	readCacheSize = 1 << 20
)

// Supplier locates the symbol data for a code module.
type Supplier interface {
	// FindSymbolFile returns the symbol data (textual or serialized fast
	// form) for the module, or ErrNoSymbols.
	FindSymbolFile(module *snapshot.CodeModule) ([]byte, error)
}

// DirStore serves symbol files from the conventional directory layout
// <root>/<debug-file>/<debug-id>/<debug-file>.sym, where a ".pdb" suffix is
// dropped from the debug file name before ".sym" is appended.
type DirStore struct {
	root string
}

// NewDirStore creates a supplier reading from the given root directory.
func NewDirStore(root string) *DirStore {
	return &DirStore{root: root}
}

// FindSymbolFile implements the Supplier interface.
func (d *DirStore) FindSymbolFile(module *snapshot.CodeModule) ([]byte, error) {
	file := module.DebugFile
	if file == "" {
		return nil, ErrNoSymbols
	}
	base := strings.TrimSuffix(path.Base(file), ".pdb")
	symPath := filepath.Join(d.root, path.Base(file), module.DebugID, base+".sym")
	data, err := os.ReadFile(symPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoSymbols, symPath)
		}
		return nil, err
	}
	return data, nil
}

// Store is a compressed symbol storage with a local cache directory and an
// optional remote S3 bucket. Entries are stored as seekable zstd paks;
// entries present remotely but not locally are downloaded on demand.
type Store struct {
	s3client *s3.Client
	bucket   string
	cacheDir string
}

// NewDefaultS3Client creates an S3 client from the ambient AWS
// configuration (environment, shared config files, instance metadata).
func NewDefaultS3Client(ctx context.Context) (*s3.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}

// NewStore creates a symbol store. s3client may be nil for a local-only
// store.
func NewStore(s3client *s3.Client, bucket, cacheDir string) (*Store, error) {
	if err := os.MkdirAll(cacheDir, 0o750); err != nil {
		return nil, err
	}
	return &Store{
		s3client: s3client,
		bucket:   bucket,
		cacheDir: cacheDir,
	}, nil
}

func storeKey(module *snapshot.CodeModule) string {
	return path.Base(module.DebugFile) + "-" + module.DebugID
}

func (s *Store) localPath(module *snapshot.CodeModule) string {
	return filepath.Join(s.cacheDir, storeKey(module)+".symz")
}

func (s *Store) remoteKey(module *snapshot.CodeModule) string {
	return s3KeyPrefix + path.Base(module.DebugFile) + "/" + module.DebugID
}

// FindSymbolFile implements the Supplier interface: local cache first,
// then the remote bucket.
func (s *Store) FindSymbolFile(module *snapshot.CodeModule) ([]byte, error) {
	localPath := s.localPath(module)
	if _, err := os.Stat(localPath); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		if err := s.download(module, localPath); err != nil {
			return nil, err
		}
	}
	return readPakFile(localPath)
}

// Insert compresses symbol data into the local cache, returning its
// content ID. Already-cached entries are overwritten: the content ID
// changes with the data, the cache key does not.
func (s *Store) Insert(module *snapshot.CodeModule, data []byte) (ID, error) {
	id, err := calculateID(bytes.NewReader(data))
	if err != nil {
		return ID{}, err
	}

	// Write under a temporary name first so crashes can't leave a
	// half-written entry under the final key.
	out, err := os.CreateTemp(s.cacheDir, localTempPrefix)
	if err != nil {
		return ID{}, fmt.Errorf("failed to create file in local cache: %w", err)
	}
	tmpName := out.Name()
	if err := compressInto(bytes.NewReader(data), out, defaultChunkSize); err != nil {
		out.Close()
		_ = os.Remove(tmpName)
		return ID{}, fmt.Errorf("failed to compress symbol data: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmpName)
		return ID{}, err
	}
	if err := os.Rename(tmpName, s.localPath(module)); err != nil {
		_ = os.Remove(tmpName)
		return ID{}, err
	}
	return id, nil
}

// Upload pushes a locally cached entry to the remote bucket, unless it is
// already present there.
func (s *Store) Upload(ctx context.Context, module *snapshot.CodeModule) error {
	if s.s3client == nil {
		return errors.New("store has no remote bucket")
	}
	key := s.remoteKey(module)

	_, err := s.s3client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return nil
	}
	var notFound *s3types.NotFound
	if !errors.As(err, &notFound) {
		return fmt.Errorf("failed to check remote presence: %w", err)
	}

	file, err := os.Open(s.localPath(module))
	if err != nil {
		return fmt.Errorf("failed to open local entry: %w", err)
	}
	defer file.Close()

	_, err = s.s3client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   file,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	log.Infof("uploaded symbols for %s to %s", module.DebugFile, key)
	return nil
}

// download fetches a remote entry into the local cache.
func (s *Store) download(module *snapshot.CodeModule, localPath string) error {
	if s.s3client == nil {
		return fmt.Errorf("%w: %s", ErrNoSymbols, module.DebugFile)
	}
	key := s.remoteKey(module)
	obj, err := s.s3client.GetObject(context.TODO(), &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return fmt.Errorf("%w: %s", ErrNoSymbols, module.DebugFile)
		}
		return fmt.Errorf("failed to fetch %s: %w", key, err)
	}
	defer obj.Body.Close()

	out, err := os.CreateTemp(s.cacheDir, localTempPrefix)
	if err != nil {
		return fmt.Errorf("failed to create file in local cache: %w", err)
	}
	tmpName := out.Name()
	if _, err := io.Copy(out, obj.Body); err != nil {
		out.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", localPath, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, localPath); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	log.Debugf("downloaded symbols for %s from %s", module.DebugFile, key)
	return nil
}

// readPakFile decompresses a cached pak entry in full, reading through a
// page cache to keep chunk decompression count low.
func readPakFile(path string) ([]byte, error) {
	pak, err := openPak(path)
	if err != nil {
		return nil, err
	}
	defer pak.Close()

	buffered, err := readatbuf.New(pak, uint(pak.ChunkSize()), readCacheSize/uint(pak.ChunkSize()))
	if err != nil {
		return nil, err
	}

	data := make([]byte, pak.UncompressedSize())
	if _, err := io.ReadFull(io.NewSectionReader(buffered, 0, int64(len(data))), data); err != nil {
		return nil, err
	}
	return data, nil
}
