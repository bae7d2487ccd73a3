// Copyright The Crashwalk Authors
// SPDX-License-Identifier: Apache-2.0

// Package dwarfcu assembles functions from a stream of DWARF debug-info
// entry (DIE) events and adds them to a symbol module. The binary DWARF
// reader is an external collaborator: it drives the handlers defined here
// with attribute values it decoded, and supplies a line-program reader for
// the CU's stmt_list.
//
// The assembler stitches together the three cross-reference mechanisms of
// DWARF (declaration/definition via specification, abstract origins of
// inlined instances, and specification parent chains), resolves qualified
// names using the CU's source language, and pairs line data to functions
// by address overlap.
package dwarfcu // import "github.com/crashwalk/crashwalk/dwarfcu"

import (
	"debug/dwarf"
	"strings"

	"github.com/crashwalk/crashwalk/demangler"
	"github.com/crashwalk/crashwalk/libpm"
	"github.com/crashwalk/crashwalk/symfile"
)

// DW_AT_MIPS_linkage_name predates DW_AT_linkage_name and is still
// emitted by older producers.
const attrMIPSLinkageName = dwarf.Attr(0x2007)

// omittedName replaces names the debug info failed to supply.
const omittedName = "<name omitted>"

// Options configures an Assembler.
type Options struct {
	// HandleInterCUReferences resolves specification and abstract-origin
	// offsets that land in previously assembled CUs. When false, such
	// references are reported and the name falls back.
	HandleInterCUReferences bool

	// SuppressCoverageWarnings silences UncoveredFunction/UncoveredLine
	// reports.
	SuppressCoverageWarnings bool

	// Ranges reads DW_AT_ranges range lists, when the reader provides
	// access to the ranges section.
	Ranges RangesReader
}

// LineReader reads one CU's line program. Implemented by the external
// DWARF reader.
type LineReader interface {
	// StartCompilationUnit announces the CU's compilation directory
	// before any program is read.
	StartCompilationUnit(compDir string)

	// ReadProgram reads the line program at the stmt_list offset,
	// interning file names into the builder and returning the lines
	// sorted by address.
	ReadProgram(offset uint64, builder *symfile.ModuleBuilder) ([]symfile.Line, error)

	// FileID maps a line-program file index to the module file id
	// interned by the last ReadProgram call.
	FileID(fileIndex uint64) (uint64, bool)
}

// RangesReader reads DW_AT_ranges range lists relative to the CU base
// address.
type RangesReader interface {
	ReadRanges(offset, base uint64) ([]symfile.Range, error)
}

// DIEHandler consumes one DIE's attribute events and hands out handlers
// for its children. The external reader calls the attribute methods in
// DIE order, then EndAttributes; child DIEs follow via FindChildHandler
// (nil skips the child and its subtree), and Finish runs after the last
// child.
type DIEHandler interface {
	// ProcessAttributeUnsigned delivers constant- and address-class
	// attributes; class distinguishes DW_AT_high_pc address values from
	// DWARF 3+ size encodings.
	ProcessAttributeUnsigned(attr dwarf.Attr, class dwarf.Class, value uint64)
	ProcessAttributeSigned(attr dwarf.Attr, value int64)
	ProcessAttributeReference(attr dwarf.Attr, target uint64)
	ProcessAttributeString(attr dwarf.Attr, value string)
	ProcessAttributeBuffer(attr dwarf.Attr, data []byte)
	EndAttributes() bool
	FindChildHandler(offset uint64, tag dwarf.Tag) DIEHandler
	Finish()
}

// dieName records the assembled names of one DIE for later references.
type dieName struct {
	cu          int
	unqualified string
	enclosing   string
	qualified   string
}

// Assembler consumes DIE events for all CUs of one module.
type Assembler struct {
	builder  *symfile.ModuleBuilder
	lines    LineReader
	reporter Reporter
	opts     Options
	dm       *demangler.Demangler

	// dieNames survives across CUs so later CUs can reference earlier
	// declarations.
	dieNames map[uint64]dieName
	cuIndex  int
}

// NewAssembler creates an assembler adding functions to builder. lines
// may be nil when no line section exists; reporter defaults to a
// LogReporter.
func NewAssembler(builder *symfile.ModuleBuilder, lines LineReader,
	reporter Reporter, opts Options) *Assembler {
	if reporter == nil {
		reporter = NewLogReporter("")
	}
	return &Assembler{
		builder:  builder,
		lines:    lines,
		reporter: reporter,
		opts:     opts,
		dm:       demangler.New(),
		dieNames: make(map[uint64]dieName),
	}
}

// StartCompilationUnit begins a new CU. The following StartRootDIE and
// its subtree belong to it.
func (a *Assembler) StartCompilationUnit() {
	a.cuIndex++
}

// StartRootDIE returns the handler for a CU's root DIE, or nil when the
// tag is not a compilation unit.
func (a *Assembler) StartRootDIE(offset uint64, tag dwarf.Tag) DIEHandler {
	if tag != dwarf.TagCompileUnit {
		return nil
	}
	cu := &cuContext{asm: a, index: a.cuIndex}
	return &rootHandler{cu: cu, offset: offset}
}

// resolveRef resolves a specification or abstract-origin offset. found is
// false when the offset was never seen; blocked is true when it resolved
// into another CU while inter-CU references are disabled (already
// reported here).
func (a *Assembler) resolveRef(die, target uint64, cu int) (entry dieName,
	found, blocked bool) {
	entry, found = a.dieNames[target]
	if !found {
		return dieName{}, false, false
	}
	if entry.cu != cu && !a.opts.HandleInterCUReferences {
		a.reporter.UnhandledInterCUReference(die, target)
		return dieName{}, false, true
	}
	return entry, true, false
}

// cuContext accumulates one CU's state.
type cuContext struct {
	asm      *Assembler
	index    int
	name     string
	language Language
	lowPC    uint64

	functions []*symfile.Function
}

func (cu *cuContext) childHandler(offset uint64, tag dwarf.Tag,
	enclosing string) DIEHandler {
	switch tag {
	case dwarf.TagSubprogram:
		return newFuncHandler(cu, offset, enclosing)
	case dwarf.TagNamespace, dwarf.TagModule, dwarf.TagClassType,
		dwarf.TagStructType, dwarf.TagUnionType, dwarf.TagEnumerationType:
		return &scopeHandler{genericDIE: genericDIE{
			cu: cu, offset: offset, tag: tag, enclosing: enclosing,
		}}
	default:
		return nil
	}
}

// genericDIE holds the attributes shared by every named DIE.
type genericDIE struct {
	cu        *cuContext
	offset    uint64
	tag       dwarf.Tag
	enclosing string

	name        string
	linkage     string
	declaration bool

	hasSpec    bool
	specTarget uint64

	hasOrigin    bool
	originTarget uint64

	qualified string
}

func (g *genericDIE) processUnsigned(attr dwarf.Attr, value uint64) {
	if attr == dwarf.AttrDeclaration {
		g.declaration = value != 0
	}
}

func (g *genericDIE) processString(attr dwarf.Attr, value string) {
	switch attr {
	case dwarf.AttrName:
		g.name = value
	case dwarf.AttrLinkageName, attrMIPSLinkageName:
		g.linkage = value
	}
}

func (g *genericDIE) processReference(attr dwarf.Attr, target uint64) {
	switch attr {
	case dwarf.AttrSpecification:
		g.hasSpec = true
		g.specTarget = target
	case dwarf.AttrAbstractOrigin:
		g.hasOrigin = true
		g.originTarget = target
	}
}

// demangle runs a linkage name through the demangler, reporting failures
// of names that should have demangled.
func (g *genericDIE) demangle(linkage string) (string, bool) {
	demangled, ok := g.cu.asm.dm.Demangle(linkage)
	if !ok && (strings.HasPrefix(linkage, "_Z") || strings.HasPrefix(linkage, "_R")) {
		g.cu.asm.reporter.DemangleError(linkage)
	}
	return demangled, ok
}

// assembleName resolves the DIE's qualified name and registers it for
// later references.
//
// The enclosing scope comes from the specification target when one
// exists (a definition referring back to its declaration is named within
// the declaration's scope, not its own position in the tree); the DIE's
// own name wins over the declaration's when both exist. Languages with
// raw mangled names skip qualification entirely.
func (g *genericDIE) assembleName() string {
	lang := g.cu.language
	name := g.name
	enclosing := g.enclosing

	if g.hasSpec {
		entry, found, blocked := g.cu.asm.resolveRef(g.offset, g.specTarget,
			g.cu.index)
		if found {
			enclosing = entry.enclosing
			if name == "" {
				name = entry.unqualified
			}
		} else if !blocked {
			g.cu.asm.reporter.UnknownSpecification(g.offset, g.specTarget)
		}
	}

	switch {
	case lang.RawMangledNames() && g.linkage != "":
		g.qualified, _ = g.demangle(g.linkage)
	case name == "" && g.linkage != "":
		g.qualified, _ = g.demangle(g.linkage)
	default:
		g.qualified = lang.Qualify(enclosing, name)
	}

	g.cu.asm.dieNames[g.offset] = dieName{
		cu:          g.cu.index,
		unqualified: name,
		enclosing:   enclosing,
		qualified:   g.qualified,
	}
	return g.qualified
}

// scopeHandler covers namespaces and type scopes: it contributes its
// qualified name to children and nothing else.
type scopeHandler struct {
	genericDIE
}

func (s *scopeHandler) ProcessAttributeUnsigned(attr dwarf.Attr,
	_ dwarf.Class, value uint64) {
	s.processUnsigned(attr, value)
}

func (s *scopeHandler) ProcessAttributeSigned(dwarf.Attr, int64) {}

func (s *scopeHandler) ProcessAttributeReference(attr dwarf.Attr, target uint64) {
	s.processReference(attr, target)
}

func (s *scopeHandler) ProcessAttributeString(attr dwarf.Attr, value string) {
	s.processString(attr, value)
}

func (s *scopeHandler) ProcessAttributeBuffer(dwarf.Attr, []byte) {}

func (s *scopeHandler) EndAttributes() bool {
	s.assembleName()
	return true
}

func (s *scopeHandler) FindChildHandler(offset uint64, tag dwarf.Tag) DIEHandler {
	return s.cu.childHandler(offset, tag, s.qualified)
}

func (s *scopeHandler) Finish() {}

// pcRange accumulates low_pc/high_pc/ranges attributes.
type pcRange struct {
	lowPC     uint64
	hasLow    bool
	highPC    uint64
	hasHigh   bool
	highIsPC  bool
	rangesOff uint64
	hasRanges bool
}

func (p *pcRange) processUnsigned(attr dwarf.Attr, class dwarf.Class,
	value uint64) bool {
	switch attr {
	case dwarf.AttrLowpc:
		p.lowPC = value
		p.hasLow = true
	case dwarf.AttrHighpc:
		// DWARF 3 onwards allows high_pc in a non-address form, encoding
		// the size relative to low_pc.
		p.highPC = value
		p.hasHigh = true
		p.highIsPC = class == dwarf.ClassAddress
	case dwarf.AttrRanges:
		p.rangesOff = value
		p.hasRanges = true
	default:
		return false
	}
	return true
}

// resolve normalizes the attributes to a (start, size) range list.
func (p *pcRange) resolve(cu *cuContext, die uint64) []symfile.Range {
	if p.hasRanges {
		if cu.asm.opts.Ranges == nil {
			cu.asm.reporter.MissingSection(".debug_ranges")
			return nil
		}
		ranges, err := cu.asm.opts.Ranges.ReadRanges(p.rangesOff, cu.lowPC)
		if err != nil {
			cu.asm.reporter.MissingSection(".debug_ranges")
			return nil
		}
		return ranges
	}
	if !p.hasLow || !p.hasHigh {
		return nil
	}
	size := p.highPC
	if p.highIsPC {
		if p.highPC < p.lowPC {
			return nil
		}
		size = p.highPC - p.lowPC
	}
	if size == 0 {
		return nil
	}
	return []symfile.Range{{Start: libpm.Address(p.lowPC), Size: size}}
}
