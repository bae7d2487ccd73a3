// Copyright The Crashwalk Authors
// SPDX-License-Identifier: Apache-2.0

package symfile // import "github.com/crashwalk/crashwalk/symfile"

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/zeebo/xxh3"

	"github.com/crashwalk/crashwalk/cfi"
	"github.com/crashwalk/crashwalk/libpm"
)

// The serialized ("fast") form is a flat little-endian buffer that can be
// cached next to the raw symbol file and loaded without re-parsing or
// re-validating the text. Both load paths produce the same in-memory
// module, so every query answers identically by construction.
//
// Layout: a 16-byte header (magic + xxh3 digest of the payload), then
// length-prefixed sections in a fixed order. CFI rule text is stored
// verbatim and re-compiled into rule sets at load time.

// serializedMagic identifies the fast symbol format, versioned in the
// trailing digits.
var serializedMagic = [8]byte{'C', 'W', 'S', 'Y', 'M', '0', '0', '1'}

var (
	// ErrBadMagic is returned when the buffer is not in fast symbol form.
	ErrBadMagic = errors.New("not a serialized symbol module (bad magic)")
	// ErrBadDigest is returned when the payload digest does not match.
	ErrBadDigest = errors.New("serialized symbol module digest mismatch")
	// ErrTruncated is returned when the buffer ends mid-record.
	ErrTruncated = errors.New("serialized symbol module truncated")
)

type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) u8(v uint8) {
	e.buf.WriteByte(v)
}

func (e *encoder) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) str(s string) {
	e.u32(uint32(len(s)))
	e.buf.WriteString(s)
}

func (e *encoder) boolByte(v bool) {
	if v {
		e.u8(1)
	} else {
		e.u8(0)
	}
}

func (e *encoder) ranges(ranges []Range) {
	e.u32(uint32(len(ranges)))
	for _, r := range ranges {
		e.u64(uint64(r.Start))
		e.u64(r.Size)
	}
}

// Serialize encodes the module into its fast form.
func Serialize(m *Module) []byte {
	var e encoder

	e.str(m.Info.OS)
	e.str(m.Info.Arch)
	e.str(m.Info.DebugID)
	e.str(m.Info.Name)
	e.str(m.Info.CodeID)
	e.str(m.Info.CodeFile)
	e.boolByte(m.corrupt)

	fileIDs := make([]uint64, 0, len(m.files))
	for id := range m.files {
		fileIDs = append(fileIDs, id)
	}
	sort.Slice(fileIDs, func(i, j int) bool { return fileIDs[i] < fileIDs[j] })
	e.u32(uint32(len(fileIDs)))
	for _, id := range fileIDs {
		e.u64(id)
		e.str(m.files[id])
	}

	e.u32(uint32(len(m.origins)))
	for _, origin := range m.origins {
		e.str(origin.Name)
	}

	e.u32(uint32(len(m.functions)))
	for _, fn := range m.functions {
		e.str(fn.Name)
		e.u64(fn.ParameterSize)
		var flags uint8
		if fn.IsMultiple {
			flags |= 1
		}
		if fn.PreferExternName {
			flags |= 2
		}
		e.u8(flags)
		e.ranges(fn.Ranges)
		e.u32(uint32(len(fn.Lines)))
		for _, l := range fn.Lines {
			e.u64(uint64(l.Addr))
			e.u64(l.Size)
			e.u64(l.FileID)
			e.u32(l.Line)
		}
		e.u32(uint32(len(fn.Inlines)))
		for i := range fn.Inlines {
			in := &fn.Inlines[i]
			e.u32(in.OriginID)
			e.u32(in.Depth)
			e.u64(in.CallFile)
			e.u32(in.CallLine)
			e.ranges(in.Ranges)
		}
	}

	e.u32(uint32(len(m.publics)))
	for _, p := range m.publics {
		e.u64(uint64(p.Addr))
		e.u64(p.ParameterSize)
		e.boolByte(p.IsMultiple)
		e.str(p.Name)
	}

	for _, list := range [][]WindowsFrameRange{m.winFPO, m.winFrameData} {
		e.u32(uint32(len(list)))
		for i := range list {
			w := &list[i]
			e.u64(uint64(w.Addr))
			e.u64(w.Size)
			e.u8(uint8(w.Info.Type))
			e.u32(w.Info.PrologSize)
			e.u32(w.Info.EpilogSize)
			e.u32(w.Info.ParameterSize)
			e.u32(w.Info.SavedRegisterSize)
			e.u32(w.Info.LocalSize)
			e.u32(w.Info.MaxStackSize)
			e.boolByte(w.Info.AllocatesBasePointer)
			e.str(w.Info.ProgramString)
		}
	}

	e.u32(uint32(len(m.cfiRecords)))
	for i := range m.cfiRecords {
		rec := &m.cfiRecords[i]
		e.u64(uint64(rec.Addr))
		e.u64(rec.Size)
		e.str(rec.InitRaw)
		e.u32(uint32(len(rec.Deltas)))
		for _, d := range rec.Deltas {
			e.u64(uint64(d.Addr))
			e.str(d.Raw)
		}
	}

	payload := e.buf.Bytes()
	out := make([]byte, 16+len(payload))
	copy(out, serializedMagic[:])
	binary.LittleEndian.PutUint64(out[8:], xxh3.Hash(payload))
	copy(out[16:], payload)
	return out
}

type decoder struct {
	buf []byte
	pos int
	err error
}

func (d *decoder) fail() {
	if d.err == nil {
		d.err = ErrTruncated
	}
}

func (d *decoder) u8() uint8 {
	if d.err != nil || d.pos+1 > len(d.buf) {
		d.fail()
		return 0
	}
	v := d.buf[d.pos]
	d.pos++
	return v
}

func (d *decoder) u32() uint32 {
	if d.err != nil || d.pos+4 > len(d.buf) {
		d.fail()
		return 0
	}
	v := binary.LittleEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v
}

func (d *decoder) u64() uint64 {
	if d.err != nil || d.pos+8 > len(d.buf) {
		d.fail()
		return 0
	}
	v := binary.LittleEndian.Uint64(d.buf[d.pos:])
	d.pos += 8
	return v
}

func (d *decoder) str() string {
	n := int(d.u32())
	if d.err != nil || d.pos+n > len(d.buf) {
		d.fail()
		return ""
	}
	s := string(d.buf[d.pos : d.pos+n])
	d.pos += n
	return s
}

func (d *decoder) boolByte() bool {
	return d.u8() != 0
}

func (d *decoder) ranges() []Range {
	n := int(d.u32())
	if d.err != nil {
		return nil
	}
	ranges := make([]Range, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		start := d.u64()
		size := d.u64()
		ranges = append(ranges, Range{Start: libpm.Address(start), Size: size})
	}
	return ranges
}

// Deserialize loads a module from its fast form, verifying the payload
// digest and re-compiling the stored CFI rule text.
func Deserialize(data []byte) (*Module, error) {
	if len(data) < 16 || !bytes.Equal(data[:8], serializedMagic[:]) {
		return nil, ErrBadMagic
	}
	payload := data[16:]
	if binary.LittleEndian.Uint64(data[8:]) != xxh3.Hash(payload) {
		return nil, ErrBadDigest
	}

	d := &decoder{buf: payload}
	m := newModule()
	m.Info.OS = d.str()
	m.Info.Arch = d.str()
	m.Info.DebugID = d.str()
	m.Info.Name = d.str()
	m.Info.CodeID = d.str()
	m.Info.CodeFile = d.str()
	m.corrupt = d.boolByte()

	nfiles := int(d.u32())
	for i := 0; i < nfiles && d.err == nil; i++ {
		id := d.u64()
		m.files[id] = d.str()
	}

	norigins := int(d.u32())
	for i := 0; i < norigins && d.err == nil; i++ {
		m.origins = append(m.origins, InlineOrigin{Name: d.str()})
	}

	nfuncs := int(d.u32())
	for i := 0; i < nfuncs && d.err == nil; i++ {
		fn := &Function{
			Name:          d.str(),
			ParameterSize: d.u64(),
		}
		flags := d.u8()
		fn.IsMultiple = flags&1 != 0
		fn.PreferExternName = flags&2 != 0
		fn.Ranges = d.ranges()
		nlines := int(d.u32())
		for j := 0; j < nlines && d.err == nil; j++ {
			fn.Lines = append(fn.Lines, Line{
				Addr:   libpm.Address(d.u64()),
				Size:   d.u64(),
				FileID: d.u64(),
				Line:   d.u32(),
			})
		}
		ninlines := int(d.u32())
		for j := 0; j < ninlines && d.err == nil; j++ {
			in := Inline{
				OriginID: d.u32(),
				Depth:    d.u32(),
				CallFile: d.u64(),
				CallLine: d.u32(),
			}
			in.Ranges = d.ranges()
			fn.Inlines = append(fn.Inlines, in)
		}
		m.functions = append(m.functions, fn)
	}

	npublics := int(d.u32())
	for i := 0; i < npublics && d.err == nil; i++ {
		p := &PublicSymbol{
			Addr:          libpm.Address(d.u64()),
			ParameterSize: d.u64(),
			IsMultiple:    d.boolByte(),
		}
		p.Name = d.str()
		m.publics = append(m.publics, p)
	}

	for list := 0; list < 2 && d.err == nil; list++ {
		n := int(d.u32())
		for i := 0; i < n && d.err == nil; i++ {
			w := WindowsFrameRange{
				Addr: libpm.Address(d.u64()),
				Size: d.u64(),
			}
			w.Info.Type = cfi.WindowsFrameType(d.u8())
			w.Info.PrologSize = d.u32()
			w.Info.EpilogSize = d.u32()
			w.Info.ParameterSize = d.u32()
			w.Info.SavedRegisterSize = d.u32()
			w.Info.LocalSize = d.u32()
			w.Info.MaxStackSize = d.u32()
			w.Info.AllocatesBasePointer = d.boolByte()
			w.Info.ProgramString = d.str()
			if list == 0 {
				m.winFPO = append(m.winFPO, w)
			} else {
				m.winFrameData = append(m.winFrameData, w)
			}
		}
	}

	ncfi := int(d.u32())
	for i := 0; i < ncfi && d.err == nil; i++ {
		rec := CFIRecord{
			Addr: libpm.Address(d.u64()),
			Size: d.u64(),
		}
		rec.InitRaw = d.str()
		init, err := cfi.ParseRuleSet(rec.InitRaw)
		if err != nil {
			return nil, fmt.Errorf("bad CFI INIT rules at %#x: %w", uint64(rec.Addr), err)
		}
		rec.Init = init
		ndeltas := int(d.u32())
		for j := 0; j < ndeltas && d.err == nil; j++ {
			delta := CFIDelta{Addr: libpm.Address(d.u64())}
			delta.Raw = d.str()
			rules, err := cfi.ParseRuleSet(delta.Raw)
			if err != nil {
				return nil, fmt.Errorf("bad CFI delta rules at %#x: %w",
					uint64(delta.Addr), err)
			}
			delta.Rules = rules
			rec.Deltas = append(rec.Deltas, delta)
		}
		m.cfiRecords = append(m.cfiRecords, rec)
	}

	if d.err != nil {
		return nil, d.err
	}
	m.finalize()
	return m, nil
}
