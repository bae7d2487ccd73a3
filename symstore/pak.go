// Copyright The Crashwalk Authors
// SPDX-License-Identifier: Apache-2.0

package symstore // import "github.com/crashwalk/crashwalk/symstore"

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// Symbol files compress extremely well but must stay randomly readable:
// the pak format stores zstd-compressed chunks of fixed uncompressed size
// with an offset index in a trailing footer.
//
// >>> <compressed chunks>
// >>> for chunk in number_of_chunks+1:
// >>>   compressed_data_offset: u64 LE
// >>> number_of_chunks+1: u64 LE
// >>> decompressed_size: u64 LE
// >>> chunk_size: u64 LE
// >>> magic: [8]char

// pakFooterSize is the static portion of the footer, without the index.
const pakFooterSize = 32

// pakMagic uniquely identifies pak files.
const pakMagic = "CWPAK001"

// defaultChunkSize balances compression ratio against random access cost.
const defaultChunkSize = 64 * 1024

type pakFooter struct {
	chunkSize        uint64
	uncompressedSize uint64
	index            []uint64
}

func readPakFooter(input io.ReaderAt, fileSize uint64) (*pakFooter, error) {
	var buf [pakFooterSize]byte

	if fileSize < pakFooterSize {
		return nil, errors.New("file is too small to be a valid pak file")
	}
	if _, err := input.ReadAt(buf[:], int64(fileSize-pakFooterSize)); err != nil {
		return nil, fmt.Errorf("failed to read footer: %w", err)
	}
	if !bytes.Equal(buf[24:], []byte(pakMagic)) {
		return nil, errors.New("file doesn't appear to be in pak format (bad magic)")
	}

	chunkSize := binary.LittleEndian.Uint64(buf[16:])
	uncompressedSize := binary.LittleEndian.Uint64(buf[8:])
	numberOfEntries := binary.LittleEndian.Uint64(buf[0:])

	if fileSize < pakFooterSize+numberOfEntries*8 {
		return nil, errors.New("file too small to hold index table")
	}
	rawIndex := make([]byte, numberOfEntries*8)
	indexOffset := fileSize - pakFooterSize - numberOfEntries*8
	if _, err := input.ReadAt(rawIndex, int64(indexOffset)); err != nil {
		return nil, fmt.Errorf("failed to read index from file: %w", err)
	}

	index := make([]uint64, 0, numberOfEntries)
	for i := range numberOfEntries {
		entry := binary.LittleEndian.Uint64(rawIndex[i*8:])
		if i > 0 && entry < index[i-1] {
			return nil, errors.New("index entries aren't monotonically increasing")
		}
		index = append(index, entry)
	}

	return &pakFooter{
		chunkSize:        chunkSize,
		uncompressedSize: uncompressedSize,
		index:            index,
	}, nil
}

func (ftr *pakFooter) write(out io.Writer) error {
	for _, offset := range ftr.index {
		if err := binary.Write(out, binary.LittleEndian, offset); err != nil {
			return fmt.Errorf("failed to write index entry: %w", err)
		}
	}

	if err := binary.Write(out, binary.LittleEndian, uint64(len(ftr.index))); err != nil {
		return fmt.Errorf("failed to write number of entries: %w", err)
	}
	if err := binary.Write(out, binary.LittleEndian, ftr.uncompressedSize); err != nil {
		return fmt.Errorf("failed to write uncompressed size: %w", err)
	}
	if err := binary.Write(out, binary.LittleEndian, ftr.chunkSize); err != nil {
		return fmt.Errorf("failed to write chunk size: %w", err)
	}
	if _, err := out.Write([]byte(pakMagic)); err != nil {
		return fmt.Errorf("failed to write magic: %w", err)
	}

	return nil
}

// compressInto reads data from in and writes it out in pak form.
func compressInto(in io.Reader, out io.Writer, chunkSize uint64) error {
	readBuf := make([]byte, chunkSize)
	compressBuf := make([]byte, chunkSize)

	index := []uint64{0}
	writeOffset := uint64(0)
	uncompressedSize := uint64(0)

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("failed to create encoder: %w", err)
	}
	defer enc.Close()
	for {
		n, err := io.ReadFull(in, readBuf)
		if err != nil {
			if err == io.EOF {
				break
			}
			if err == io.ErrUnexpectedEOF {
				// Last chunk: truncate the buffer; the next read returns
				// EOF and breaks the loop.
				readBuf = readBuf[:n]
			} else {
				return err
			}
		}

		compressed := enc.EncodeAll(readBuf, compressBuf[:0])

		uncompressedSize += uint64(n)
		writeOffset += uint64(len(compressed))
		index = append(index, writeOffset)

		if _, err = out.Write(compressed); err != nil {
			return fmt.Errorf("failed to write compressed data: %w", err)
		}
	}

	ftr := pakFooter{
		uncompressedSize: uncompressedSize,
		chunkSize:        chunkSize,
		index:            index,
	}
	return ftr.write(out)
}

// pakReader allows random access reads within pak files.
type pakReader struct {
	input  io.ReaderAt
	closer io.Closer
	footer *pakFooter
	dec    *zstd.Decoder
}

// openPak opens a pak file for random access reading.
func openPak(path string) (*pakReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	fileInfo, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	reader, err := newPakReader(file, uint64(fileInfo.Size()))
	if err != nil {
		file.Close()
		return nil, err
	}
	reader.closer = file
	return reader, nil
}

// newPakReader wraps an in-memory or file-backed pak blob.
func newPakReader(input io.ReaderAt, size uint64) (*pakReader, error) {
	ftr, err := readPakFooter(input, size)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	return &pakReader{input: input, footer: ftr, dec: dec}, nil
}

// UncompressedSize returns the size of the packed data when fully
// decompressed.
func (reader *pakReader) UncompressedSize() uint64 {
	return reader.footer.uncompressedSize
}

// ChunkSize returns the uncompressed chunk granularity.
func (reader *pakReader) ChunkSize() uint64 {
	return reader.footer.chunkSize
}

// ReadAt implements the ReaderAt interface on the decompressed view.
func (reader *pakReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off) > reader.footer.uncompressedSize {
		return 0, io.EOF
	}

	written := 0
	chunkSize := reader.footer.chunkSize
	for written < len(p) {
		pos := uint64(off) + uint64(written)
		if pos >= reader.footer.uncompressedSize {
			return written, io.EOF
		}
		chunkIdx := pos / chunkSize
		if chunkIdx+1 >= uint64(len(reader.footer.index)) {
			return written, io.EOF
		}

		start := reader.footer.index[chunkIdx]
		end := reader.footer.index[chunkIdx+1]
		compressed := make([]byte, end-start)
		if _, err := reader.input.ReadAt(compressed, int64(start)); err != nil {
			return written, err
		}
		chunk, err := reader.dec.DecodeAll(compressed, nil)
		if err != nil {
			return written, fmt.Errorf("failed to decompress chunk %d: %w", chunkIdx, err)
		}

		skip := pos % chunkSize
		if skip >= uint64(len(chunk)) {
			return written, io.EOF
		}
		written += copy(p[written:], chunk[skip:])
	}
	return written, nil
}

// Close releases the underlying file, when one is attached.
func (reader *pakReader) Close() error {
	reader.dec.Close()
	if reader.closer != nil {
		return reader.closer.Close()
	}
	return nil
}
