// Copyright The Crashwalk Authors
// SPDX-License-Identifier: Apache-2.0

// Package symfile parses textual symbol files into an in-memory module
// representation and answers address queries against it: function name,
// source file and line, inline-expansion chain, Windows frame info and
// CFI unwind rules.
//
// A module is either built by the text parser or decoded by Deserialize
// from the flat serialized form produced by Serialize. Both paths yield the
// same in-memory representation, so every query answers identically, and
// the serialized form loads without re-parsing the text.
package symfile // import "github.com/crashwalk/crashwalk/symfile"

import (
	"sort"

	"github.com/crashwalk/crashwalk/cfi"
	"github.com/crashwalk/crashwalk/libpm"
)

// ModuleInfo is the identity of a module as stated by its MODULE record.
type ModuleInfo struct {
	OS      string
	Arch    string
	DebugID string
	Name    string
	// CodeID is set by an INFO CODE_ID record, when present.
	CodeID string
	// CodeFile is set by an INFO CODE_ID record carrying a filename.
	CodeFile string
}

// Range is one [Start, Start+Size) address range, module-relative.
type Range struct {
	Start libpm.Address
	Size  uint64
}

// Contains reports whether addr falls within the range.
func (r Range) Contains(addr libpm.Address) bool {
	return addr >= r.Start && uint64(addr-r.Start) < r.Size
}

// End returns the exclusive upper bound.
func (r Range) End() libpm.Address {
	return r.Start + libpm.Address(r.Size)
}

// Line maps one address range of a function to a source line. Lines tile
// their function's ranges without overlap.
type Line struct {
	Addr   libpm.Address
	Size   uint64
	FileID uint64
	Line   uint32
}

// InlineOrigin is the abstract inlined subprogram one or more Inline
// instances refer to for their name. Owned by the module, referenced by
// index.
type InlineOrigin struct {
	Name string
}

// Inline is one inlined call within a function. Ranges are non-overlapping
// and nest within the parent inline (or the function at depth 0).
type Inline struct {
	OriginID uint32
	Depth    uint32
	CallFile uint64
	CallLine uint32
	Ranges   []Range
}

// Contains reports whether any of the inline's ranges covers addr.
func (in *Inline) Contains(addr libpm.Address) bool {
	for _, r := range in.Ranges {
		if r.Contains(addr) {
			return true
		}
	}
	return false
}

// Function is one concrete function with its line table and inline tree.
type Function struct {
	Name          string
	Ranges        []Range
	ParameterSize uint64
	// IsMultiple records the 'm' flag: the same range was contributed by
	// more than one original symbol.
	IsMultiple bool
	// PreferExternName marks functions whose extern (PUBLIC) name should
	// win over the debug-info name when both cover an address.
	PreferExternName bool
	// Lines is sorted by address.
	Lines []Line
	// Inlines is sorted by depth, then address.
	Inlines []Inline
}

// Base returns the function's entry address (lowest range start).
func (f *Function) Base() libpm.Address {
	if len(f.Ranges) == 0 {
		return 0
	}
	base := f.Ranges[0].Start
	for _, r := range f.Ranges[1:] {
		if r.Start < base {
			base = r.Start
		}
	}
	return base
}

// Contains reports whether any function range covers addr.
func (f *Function) Contains(addr libpm.Address) bool {
	for _, r := range f.Ranges {
		if r.Contains(addr) {
			return true
		}
	}
	return false
}

// PublicSymbol is an exported linker symbol without line data, used as
// fallback when no function covers an address.
type PublicSymbol struct {
	Addr          libpm.Address
	Name          string
	ParameterSize uint64
	IsMultiple    bool
}

// WindowsFrameRange attaches Windows unwind data to a code range.
type WindowsFrameRange struct {
	Addr libpm.Address
	Size uint64
	Info cfi.WindowsFrameInfo
}

// CFIDelta patches the rule map from its address onward within a record.
type CFIDelta struct {
	Addr  libpm.Address
	Rules cfi.RuleSet
	// Raw preserves the rule text for serialization.
	Raw string
}

// CFIRecord is one STACK CFI INIT range with its deltas, sorted by address.
type CFIRecord struct {
	Addr    libpm.Address
	Size    uint64
	Init    cfi.RuleSet
	InitRaw string
	Deltas  []CFIDelta
}

// Module is the tree-backed module representation produced by the parser.
type Module struct {
	Info    ModuleInfo
	corrupt bool

	files       map[uint64]string
	origins     []InlineOrigin
	originIndex map[uint64]uint32

	functions []*Function
	// funcIndex flattens all function ranges for binary search.
	funcIndex []rangeEntry

	publics []*PublicSymbol

	winFPO       []WindowsFrameRange
	winFrameData []WindowsFrameRange

	cfiRecords []CFIRecord
}

type rangeEntry struct {
	start libpm.Address
	end   libpm.Address
	fn    *Function
}

func newModule() *Module {
	return &Module{
		files:       make(map[uint64]string),
		originIndex: make(map[uint64]uint32),
	}
}

// IsCorrupt reports whether the parser encountered malformed input. A
// corrupt module still answers queries from whatever was parsed.
func (m *Module) IsCorrupt() bool {
	return m.corrupt
}

// FileName resolves a file id interned by a FILE record.
func (m *Module) FileName(id uint64) string {
	return m.files[id]
}

// OriginName resolves an inline-origin index.
func (m *Module) OriginName(id uint32) string {
	if int(id) >= len(m.origins) {
		return ""
	}
	return m.origins[id].Name
}

// finalize sorts the collections and builds the lookup index. Overlapping
// function ranges violate the coverage invariant; of overlapping ranges the
// lowest-starting one stays in the lookup index and the others are dropped.
// Which of two ranges with the same start stays is not defined.
func (m *Module) finalize() {
	sort.Slice(m.functions, func(i, j int) bool {
		return m.functions[i].Base() < m.functions[j].Base()
	})
	entries := make([]rangeEntry, 0, len(m.functions))
	for _, fn := range m.functions {
		for _, r := range fn.Ranges {
			if r.Size == 0 {
				continue
			}
			entries = append(entries, rangeEntry{start: r.Start, end: r.End(), fn: fn})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].start < entries[j].start
	})
	m.funcIndex = m.funcIndex[:0]
	var lastEnd libpm.Address
	for _, e := range entries {
		if len(m.funcIndex) > 0 && e.start < lastEnd {
			continue
		}
		m.funcIndex = append(m.funcIndex, e)
		lastEnd = e.end
	}

	sort.Slice(m.publics, func(i, j int) bool {
		return m.publics[i].Addr < m.publics[j].Addr
	})
	sort.Slice(m.winFPO, func(i, j int) bool {
		return m.winFPO[i].Addr < m.winFPO[j].Addr
	})
	sort.Slice(m.winFrameData, func(i, j int) bool {
		return m.winFrameData[i].Addr < m.winFrameData[j].Addr
	})
	sort.Slice(m.cfiRecords, func(i, j int) bool {
		return m.cfiRecords[i].Addr < m.cfiRecords[j].Addr
	})
	for i := range m.cfiRecords {
		rec := &m.cfiRecords[i]
		sort.Slice(rec.Deltas, func(a, b int) bool {
			return rec.Deltas[a].Addr < rec.Deltas[b].Addr
		})
	}

	for _, fn := range m.functions {
		sort.Slice(fn.Lines, func(i, j int) bool {
			return fn.Lines[i].Addr < fn.Lines[j].Addr
		})
		sort.Slice(fn.Inlines, func(i, j int) bool {
			if fn.Inlines[i].Depth != fn.Inlines[j].Depth {
				return fn.Inlines[i].Depth < fn.Inlines[j].Depth
			}
			return fn.Inlines[i].firstAddr() < fn.Inlines[j].firstAddr()
		})
	}
}

func (in *Inline) firstAddr() libpm.Address {
	if len(in.Ranges) == 0 {
		return 0
	}
	return in.Ranges[0].Start
}

// FunctionForAddress returns the function covering the module-relative
// address, or nil.
func (m *Module) FunctionForAddress(addr libpm.Address) *Function {
	idx := sort.Search(len(m.funcIndex), func(i int) bool {
		return m.funcIndex[i].start > addr
	})
	if idx == 0 {
		return nil
	}
	if e := m.funcIndex[idx-1]; addr < e.end {
		return e.fn
	}
	return nil
}

// PublicForAddress returns the nearest public symbol at or below the
// module-relative address, or nil.
func (m *Module) PublicForAddress(addr libpm.Address) *PublicSymbol {
	idx := sort.Search(len(m.publics), func(i int) bool {
		return m.publics[i].Addr > addr
	})
	if idx == 0 {
		return nil
	}
	return m.publics[idx-1]
}

// LineForAddress returns the function's line record covering addr, or nil.
func (f *Function) LineForAddress(addr libpm.Address) *Line {
	idx := sort.Search(len(f.Lines), func(i int) bool {
		return f.Lines[i].Addr > addr
	})
	if idx == 0 {
		return nil
	}
	if l := &f.Lines[idx-1]; addr < l.Addr+libpm.Address(l.Size) {
		return l
	}
	return nil
}

// InlineChainForAddress descends the inline tree from depth 0 downward,
// selecting at each depth the unique inline covering addr. The returned
// chain is ordered innermost (deepest) first.
func (f *Function) InlineChainForAddress(addr libpm.Address) []*Inline {
	var chain []*Inline
	depth := uint32(0)
	for {
		var found *Inline
		for i := range f.Inlines {
			in := &f.Inlines[i]
			if in.Depth != depth {
				continue
			}
			if in.Contains(addr) {
				found = in
				break
			}
		}
		if found == nil {
			break
		}
		// Prepend: deepest first.
		chain = append([]*Inline{found}, chain...)
		depth++
	}
	return chain
}

func lookupWinRange(ranges []WindowsFrameRange, addr libpm.Address) *WindowsFrameRange {
	idx := sort.Search(len(ranges), func(i int) bool {
		return ranges[i].Addr > addr
	})
	if idx == 0 {
		return nil
	}
	if r := &ranges[idx-1]; addr < r.Addr+libpm.Address(r.Size) {
		return r
	}
	return nil
}

// WindowsFrameInfoForAddress returns the Windows unwind data covering the
// module-relative address. FrameData records win over FPO records.
func (m *Module) WindowsFrameInfoForAddress(addr libpm.Address) *cfi.WindowsFrameInfo {
	if r := lookupWinRange(m.winFrameData, addr); r != nil {
		info := r.Info
		return &info
	}
	if r := lookupWinRange(m.winFPO, addr); r != nil {
		info := r.Info
		return &info
	}
	return nil
}

// CFIFrameInfoForAddress reconstructs the effective CFI rule map at the
// module-relative address: the covering record's INIT rules with every
// delta at or below addr applied in order.
func (m *Module) CFIFrameInfoForAddress(addr libpm.Address) *cfi.FrameInfo {
	idx := sort.Search(len(m.cfiRecords), func(i int) bool {
		return m.cfiRecords[i].Addr > addr
	})
	if idx == 0 {
		return nil
	}
	rec := &m.cfiRecords[idx-1]
	if addr >= rec.Addr+libpm.Address(rec.Size) {
		return nil
	}
	info := cfi.NewFrameInfo()
	info.Apply(rec.Init)
	for i := range rec.Deltas {
		if rec.Deltas[i].Addr > addr {
			break
		}
		info.Apply(rec.Deltas[i].Rules)
	}
	return info
}
