// Copyright The Crashwalk Authors
// SPDX-License-Identifier: Apache-2.0

package dwarfcu

import (
	"debug/dwarf"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crashwalk/crashwalk/libpm"
	"github.com/crashwalk/crashwalk/symfile"
)

// recordingReporter tallies anomalies per class for assertions.
type recordingReporter struct {
	counts map[string]int
}

func newRecordingReporter() *recordingReporter {
	return &recordingReporter{counts: make(map[string]int)}
}

func (r *recordingReporter) UnknownSpecification(uint64, uint64) {
	r.counts["unknown-specification"]++
}
func (r *recordingReporter) UnknownAbstractOrigin(uint64, uint64) {
	r.counts["unknown-abstract-origin"]++
}
func (r *recordingReporter) UnhandledInterCUReference(uint64, uint64) {
	r.counts["inter-cu-reference"]++
}
func (r *recordingReporter) MissingSection(string) {
	r.counts["missing-section"]++
}
func (r *recordingReporter) BadLineInfoOffset(uint64, error) {
	r.counts["bad-line-info-offset"]++
}
func (r *recordingReporter) UncoveredFunction(string, libpm.Address) {
	r.counts["uncovered-function"]++
}
func (r *recordingReporter) UncoveredLine(uint32, libpm.Address) {
	r.counts["uncovered-line"]++
}
func (r *recordingReporter) UnnamedFunction(uint64) {
	r.counts["unnamed-function"]++
}
func (r *recordingReporter) DemangleError(string) {
	r.counts["demangle-error"]++
}

// fakeLineReader serves a canned line program.
type fakeLineReader struct {
	lines  []symfile.Line
	fileID uint64
	err    error
}

func (f *fakeLineReader) StartCompilationUnit(string) {}

func (f *fakeLineReader) ReadProgram(_ uint64,
	builder *symfile.ModuleBuilder) ([]symfile.Line, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.fileID = builder.InternFile("a.c")
	lines := make([]symfile.Line, len(f.lines))
	copy(lines, f.lines)
	for i := range lines {
		lines[i].FileID = f.fileID
	}
	return lines, nil
}

func (f *fakeLineReader) FileID(index uint64) (uint64, bool) {
	// The canned program has a single file.
	return f.fileID, true
}

type testSetup struct {
	builder  *symfile.ModuleBuilder
	asm      *Assembler
	reporter *recordingReporter
	lines    *fakeLineReader
}

func newTestSetup(lines []symfile.Line, opts Options) *testSetup {
	builder := symfile.NewModuleBuilder(symfile.ModuleInfo{
		OS: "linux", Arch: "x86_64", DebugID: "T", Name: "t",
	})
	reporter := newRecordingReporter()
	lineReader := &fakeLineReader{lines: lines}
	return &testSetup{
		builder:  builder,
		asm:      NewAssembler(builder, lineReader, reporter, opts),
		reporter: reporter,
		lines:    lineReader,
	}
}

// startCU drives the CU preamble: root DIE with language and stmt_list.
func (s *testSetup) startCU(t *testing.T, offset uint64, language uint64,
	signed bool) DIEHandler {
	t.Helper()
	s.asm.StartCompilationUnit()
	root := s.asm.StartRootDIE(offset, dwarf.TagCompileUnit)
	require.NotNil(t, root)
	root.ProcessAttributeString(dwarf.AttrName, "a.c")
	if signed {
		root.ProcessAttributeSigned(dwarf.AttrLanguage, int64(language))
	} else {
		root.ProcessAttributeUnsigned(dwarf.AttrLanguage, dwarf.ClassConstant,
			language)
	}
	root.ProcessAttributeUnsigned(dwarf.AttrStmtList, dwarf.ClassLinePtr, 0)
	require.True(t, root.EndAttributes())
	return root
}

// defineFunc adds a subprogram child with a name and code range.
func defineFunc(t *testing.T, parent DIEHandler, offset uint64, name string,
	low, size uint64, sizeIsAddr bool) {
	t.Helper()
	fn := parent.FindChildHandler(offset, dwarf.TagSubprogram)
	require.NotNil(t, fn)
	if name != "" {
		fn.ProcessAttributeString(dwarf.AttrName, name)
	}
	fn.ProcessAttributeUnsigned(dwarf.AttrLowpc, dwarf.ClassAddress, low)
	class := dwarf.ClassConstant
	if sizeIsAddr {
		class = dwarf.ClassAddress
	}
	fn.ProcessAttributeUnsigned(dwarf.AttrHighpc, class, size)
	require.True(t, fn.EndAttributes())
	fn.Finish()
}

func TestAssembleSimpleFunction(t *testing.T) {
	s := newTestSetup([]symfile.Line{
		{Addr: 0x1000, Size: 0x20, Line: 10},
	}, Options{})
	root := s.startCU(t, 0x1, 0x0004, false) // DW_LANG_C_plus_plus
	defineFunc(t, root, 0x10, "f", 0x1000, 0x20, false)
	root.Finish()

	mod := s.builder.Build()
	fn := mod.FunctionForAddress(0x1010)
	require.NotNil(t, fn)
	assert.Equal(t, "f", fn.Name)
	assert.Equal(t, libpm.Address(0x1000), fn.Base())
	line := fn.LineForAddress(0x1010)
	require.NotNil(t, line)
	assert.Equal(t, uint32(10), line.Line)
	assert.Equal(t, "a.c", mod.FileName(line.FileID))
	assert.Empty(t, s.reporter.counts)
}

func TestAssembleHighPCForms(t *testing.T) {
	s := newTestSetup([]symfile.Line{
		{Addr: 0x1000, Size: 0x20, Line: 1},
		{Addr: 0x2000, Size: 0x20, Line: 2},
	}, Options{})
	root := s.startCU(t, 0x1, 0x0002, false)
	// Size form: high_pc is relative to low_pc.
	defineFunc(t, root, 0x10, "bySize", 0x1000, 0x20, false)
	// Address form: high_pc is the end address itself.
	defineFunc(t, root, 0x20, "byAddr", 0x2000, 0x2020, true)
	root.Finish()

	mod := s.builder.Build()
	for _, addr := range []libpm.Address{0x101f, 0x201f} {
		fn := mod.FunctionForAddress(addr)
		require.NotNil(t, fn, "address %#x", uint64(addr))
		assert.Equal(t, uint64(0x20), fn.Ranges[0].Size)
	}
}

func TestAssembleQualifiedNames(t *testing.T) {
	tests := map[string]struct {
		language uint64
		signed   bool
		want     string
	}{
		"c++ uses double colon": {language: 0x0004, want: "n::C::m"},
		"java uses dot":         {language: 0x000b, want: "n.C.m"},
		"signed language form":  {language: 0x0004, signed: true, want: "n::C::m"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			s := newTestSetup([]symfile.Line{
				{Addr: 0x1000, Size: 0x20, Line: 1},
			}, Options{})
			root := s.startCU(t, 0x1, tc.language, tc.signed)

			ns := root.FindChildHandler(0x10, dwarf.TagNamespace)
			require.NotNil(t, ns)
			ns.ProcessAttributeString(dwarf.AttrName, "n")
			require.True(t, ns.EndAttributes())

			cls := ns.FindChildHandler(0x11, dwarf.TagClassType)
			require.NotNil(t, cls)
			cls.ProcessAttributeString(dwarf.AttrName, "C")
			require.True(t, cls.EndAttributes())

			defineFunc(t, cls, 0x12, "m", 0x1000, 0x20, false)
			cls.Finish()
			ns.Finish()
			root.Finish()

			mod := s.builder.Build()
			fn := mod.FunctionForAddress(0x1000)
			require.NotNil(t, fn)
			assert.Equal(t, tc.want, fn.Name)
		})
	}
}

func TestAssembleSpecificationStitching(t *testing.T) {
	s := newTestSetup([]symfile.Line{
		{Addr: 0x1000, Size: 0x20, Line: 1},
	}, Options{})
	root := s.startCU(t, 0x1, 0x0004, false)

	// Declaration inside class C, without code.
	cls := root.FindChildHandler(0x10, dwarf.TagClassType)
	require.NotNil(t, cls)
	cls.ProcessAttributeString(dwarf.AttrName, "C")
	require.True(t, cls.EndAttributes())

	decl := cls.FindChildHandler(0x11, dwarf.TagSubprogram)
	require.NotNil(t, decl)
	decl.ProcessAttributeString(dwarf.AttrName, "m")
	decl.ProcessAttributeUnsigned(dwarf.AttrDeclaration, dwarf.ClassFlag, 1)
	require.True(t, decl.EndAttributes())
	decl.Finish()
	cls.Finish()

	// Definition at top level referring back to the declaration.
	def := root.FindChildHandler(0x20, dwarf.TagSubprogram)
	require.NotNil(t, def)
	def.ProcessAttributeReference(dwarf.AttrSpecification, 0x11)
	def.ProcessAttributeUnsigned(dwarf.AttrLowpc, dwarf.ClassAddress, 0x1000)
	def.ProcessAttributeUnsigned(dwarf.AttrHighpc, dwarf.ClassConstant, 0x20)
	require.True(t, def.EndAttributes())
	def.Finish()
	root.Finish()

	mod := s.builder.Build()
	fn := mod.FunctionForAddress(0x1000)
	require.NotNil(t, fn)
	assert.Equal(t, "C::m", fn.Name)
	assert.Empty(t, s.reporter.counts)
}

func TestAssembleUnknownSpecification(t *testing.T) {
	s := newTestSetup([]symfile.Line{
		{Addr: 0x1000, Size: 0x20, Line: 1},
	}, Options{})
	root := s.startCU(t, 0x1, 0x0004, false)

	def := root.FindChildHandler(0x20, dwarf.TagSubprogram)
	require.NotNil(t, def)
	def.ProcessAttributeString(dwarf.AttrName, "f")
	def.ProcessAttributeReference(dwarf.AttrSpecification, 0x9999)
	def.ProcessAttributeUnsigned(dwarf.AttrLowpc, dwarf.ClassAddress, 0x1000)
	def.ProcessAttributeUnsigned(dwarf.AttrHighpc, dwarf.ClassConstant, 0x20)
	require.True(t, def.EndAttributes())
	def.Finish()
	root.Finish()

	mod := s.builder.Build()
	fn := mod.FunctionForAddress(0x1000)
	require.NotNil(t, fn)
	// The DIE's own name still works.
	assert.Equal(t, "f", fn.Name)
	assert.Equal(t, 1, s.reporter.counts["unknown-specification"])
}

func TestAssembleInlines(t *testing.T) {
	s := newTestSetup([]symfile.Line{
		{Addr: 0x3000, Size: 0x100, Line: 42},
	}, Options{})
	root := s.startCU(t, 0x1, 0x0004, false)

	// Abstract DIE supplying the inline name, no code.
	abstract := root.FindChildHandler(0x40, dwarf.TagSubprogram)
	require.NotNil(t, abstract)
	abstract.ProcessAttributeString(dwarf.AttrName, "foo")
	abstract.ProcessAttributeUnsigned(dwarf.AttrInline, dwarf.ClassConstant, 1)
	require.True(t, abstract.EndAttributes())
	abstract.Finish()

	fn := root.FindChildHandler(0x50, dwarf.TagSubprogram)
	require.NotNil(t, fn)
	fn.ProcessAttributeString(dwarf.AttrName, "main")
	fn.ProcessAttributeUnsigned(dwarf.AttrLowpc, dwarf.ClassAddress, 0x3000)
	fn.ProcessAttributeUnsigned(dwarf.AttrHighpc, dwarf.ClassConstant, 0x100)
	require.True(t, fn.EndAttributes())

	inline := fn.FindChildHandler(0x51, dwarf.TagInlinedSubroutine)
	require.NotNil(t, inline)
	inline.ProcessAttributeReference(dwarf.AttrAbstractOrigin, 0x40)
	inline.ProcessAttributeUnsigned(dwarf.AttrCallFile, dwarf.ClassConstant, 1)
	inline.ProcessAttributeUnsigned(dwarf.AttrCallLine, dwarf.ClassConstant, 12)
	inline.ProcessAttributeUnsigned(dwarf.AttrLowpc, dwarf.ClassAddress, 0x3000)
	inline.ProcessAttributeUnsigned(dwarf.AttrHighpc, dwarf.ClassConstant, 0x10)
	require.True(t, inline.EndAttributes())

	nested := inline.FindChildHandler(0x52, dwarf.TagInlinedSubroutine)
	require.NotNil(t, nested)
	nested.ProcessAttributeReference(dwarf.AttrAbstractOrigin, 0x40)
	nested.ProcessAttributeUnsigned(dwarf.AttrCallFile, dwarf.ClassConstant, 1)
	nested.ProcessAttributeUnsigned(dwarf.AttrCallLine, dwarf.ClassConstant, 13)
	nested.ProcessAttributeUnsigned(dwarf.AttrLowpc, dwarf.ClassAddress, 0x3000)
	nested.ProcessAttributeUnsigned(dwarf.AttrHighpc, dwarf.ClassConstant, 0x8)
	require.True(t, nested.EndAttributes())
	nested.Finish()
	inline.Finish()
	fn.Finish()
	root.Finish()

	mod := s.builder.Build()
	outer := mod.FunctionForAddress(0x3000)
	require.NotNil(t, outer)
	assert.Equal(t, "main", outer.Name)

	chain := outer.InlineChainForAddress(0x3000)
	require.Len(t, chain, 2)
	// Innermost first, depth decreasing outward.
	assert.Equal(t, uint32(1), chain[0].Depth)
	assert.Equal(t, uint32(13), chain[0].CallLine)
	assert.Equal(t, uint32(0), chain[1].Depth)
	assert.Equal(t, uint32(12), chain[1].CallLine)
	assert.Equal(t, "foo", mod.OriginName(chain[0].OriginID))
}

func TestAssembleUnknownAbstractOrigin(t *testing.T) {
	s := newTestSetup([]symfile.Line{
		{Addr: 0x3000, Size: 0x100, Line: 1},
	}, Options{})
	root := s.startCU(t, 0x1, 0x0004, false)

	fn := root.FindChildHandler(0x50, dwarf.TagSubprogram)
	require.NotNil(t, fn)
	fn.ProcessAttributeString(dwarf.AttrName, "main")
	fn.ProcessAttributeUnsigned(dwarf.AttrLowpc, dwarf.ClassAddress, 0x3000)
	fn.ProcessAttributeUnsigned(dwarf.AttrHighpc, dwarf.ClassConstant, 0x100)
	require.True(t, fn.EndAttributes())

	inline := fn.FindChildHandler(0x51, dwarf.TagInlinedSubroutine)
	require.NotNil(t, inline)
	inline.ProcessAttributeReference(dwarf.AttrAbstractOrigin, 0x9999)
	inline.ProcessAttributeUnsigned(dwarf.AttrLowpc, dwarf.ClassAddress, 0x3000)
	inline.ProcessAttributeUnsigned(dwarf.AttrHighpc, dwarf.ClassConstant, 0x10)
	require.True(t, inline.EndAttributes())
	inline.Finish()
	fn.Finish()
	root.Finish()

	mod := s.builder.Build()
	outer := mod.FunctionForAddress(0x3000)
	require.NotNil(t, outer)
	chain := outer.InlineChainForAddress(0x3000)
	require.Len(t, chain, 1)
	assert.Equal(t, "<name omitted>", mod.OriginName(chain[0].OriginID))
	assert.Equal(t, 1, s.reporter.counts["unknown-abstract-origin"])
}

func TestAssembleInterCUReference(t *testing.T) {
	run := func(t *testing.T, handleInterCU bool) (*symfile.Module, *recordingReporter) {
		s := newTestSetup([]symfile.Line{
			{Addr: 0x1000, Size: 0x20, Line: 1},
		}, Options{HandleInterCUReferences: handleInterCU})

		// CU 1 carries the declaration.
		root1 := s.startCU(t, 0x1, 0x0004, false)
		cls := root1.FindChildHandler(0x10, dwarf.TagClassType)
		require.NotNil(t, cls)
		cls.ProcessAttributeString(dwarf.AttrName, "C")
		require.True(t, cls.EndAttributes())
		decl := cls.FindChildHandler(0x11, dwarf.TagSubprogram)
		require.NotNil(t, decl)
		decl.ProcessAttributeString(dwarf.AttrName, "m")
		decl.ProcessAttributeUnsigned(dwarf.AttrDeclaration, dwarf.ClassFlag, 1)
		require.True(t, decl.EndAttributes())
		decl.Finish()
		cls.Finish()
		root1.Finish()

		// CU 2 defines it via a cross-CU specification.
		root2 := s.startCU(t, 0x100, 0x0004, false)
		def := root2.FindChildHandler(0x120, dwarf.TagSubprogram)
		require.NotNil(t, def)
		def.ProcessAttributeReference(dwarf.AttrSpecification, 0x11)
		def.ProcessAttributeUnsigned(dwarf.AttrLowpc, dwarf.ClassAddress, 0x1000)
		def.ProcessAttributeUnsigned(dwarf.AttrHighpc, dwarf.ClassConstant, 0x20)
		require.True(t, def.EndAttributes())
		def.Finish()
		root2.Finish()

		return s.builder.Build(), s.reporter
	}

	t.Run("enabled", func(t *testing.T) {
		mod, reporter := run(t, true)
		fn := mod.FunctionForAddress(0x1000)
		require.NotNil(t, fn)
		assert.Equal(t, "C::m", fn.Name)
		assert.Zero(t, reporter.counts["inter-cu-reference"])
	})

	t.Run("disabled", func(t *testing.T) {
		mod, reporter := run(t, false)
		fn := mod.FunctionForAddress(0x1000)
		require.NotNil(t, fn)
		assert.NotEqual(t, "C::m", fn.Name)
		assert.Equal(t, 1, reporter.counts["inter-cu-reference"])
		assert.Equal(t, 1, reporter.counts["unnamed-function"])
	})
}

func TestBadLineInfoOffset(t *testing.T) {
	s := newTestSetup(nil, Options{})
	s.lines.err = assert.AnError
	root := s.startCU(t, 0x1, 0x0002, false)
	defineFunc(t, root, 0x10, "f", 0x1000, 0x20, false)
	root.Finish()

	assert.Equal(t, 1, s.reporter.counts["bad-line-info-offset"])
	mod := s.builder.Build()
	fn := mod.FunctionForAddress(0x1000)
	require.NotNil(t, fn)
	assert.Empty(t, fn.Lines)
}

func TestStartRootDIERejectsOtherTags(t *testing.T) {
	s := newTestSetup(nil, Options{})
	s.asm.StartCompilationUnit()
	assert.Nil(t, s.asm.StartRootDIE(0x1, dwarf.TagSubprogram))
}
