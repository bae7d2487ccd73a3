// Copyright The Crashwalk Authors
// SPDX-License-Identifier: Apache-2.0

package dwarfcu // import "github.com/crashwalk/crashwalk/dwarfcu"

import (
	"debug/dwarf"

	"github.com/crashwalk/crashwalk/symfile"
)

// rootHandler consumes a CU's root DIE: language, name, compilation
// directory and the stmt_list binding to the line program.
type rootHandler struct {
	cu     *cuContext
	offset uint64

	compDir     string
	stmtList    uint64
	hasStmtList bool
}

func (r *rootHandler) ProcessAttributeUnsigned(attr dwarf.Attr,
	_ dwarf.Class, value uint64) {
	switch attr {
	case dwarf.AttrLanguage:
		r.cu.language = languageFromDWARF(value)
	case dwarf.AttrStmtList:
		r.stmtList = value
		r.hasStmtList = true
	case dwarf.AttrLowpc:
		r.cu.lowPC = value
	}
}

func (r *rootHandler) ProcessAttributeSigned(attr dwarf.Attr, value int64) {
	// DW_AT_language may arrive in a signed form depending on the
	// producer; accept both.
	if attr == dwarf.AttrLanguage {
		r.cu.language = languageFromDWARF(uint64(value))
	}
}

func (r *rootHandler) ProcessAttributeReference(dwarf.Attr, uint64) {}

func (r *rootHandler) ProcessAttributeString(attr dwarf.Attr, value string) {
	switch attr {
	case dwarf.AttrName:
		r.cu.name = value
	case dwarf.AttrCompDir:
		r.compDir = value
	}
}

func (r *rootHandler) ProcessAttributeBuffer(dwarf.Attr, []byte) {}

func (r *rootHandler) EndAttributes() bool {
	if r.cu.asm.lines != nil {
		r.cu.asm.lines.StartCompilationUnit(r.compDir)
	}
	return true
}

func (r *rootHandler) FindChildHandler(offset uint64, tag dwarf.Tag) DIEHandler {
	return r.cu.childHandler(offset, tag, "")
}

// Finish reads the CU's line program, pairs lines to the assembled
// functions by address overlap and hands the functions to the module
// builder.
func (r *rootHandler) Finish() {
	cu := r.cu
	asm := cu.asm

	var lines []symfile.Line
	if r.hasStmtList {
		if asm.lines == nil {
			asm.reporter.MissingSection(".debug_line")
		} else {
			read, err := asm.lines.ReadProgram(r.stmtList, asm.builder)
			if err != nil {
				asm.reporter.BadLineInfoOffset(r.stmtList, err)
			} else {
				lines = read
			}
		}
	}

	// Inline call sites carry line-program file indices; remap them to
	// module file ids now that the program has been read.
	if asm.lines != nil {
		for _, fn := range cu.functions {
			for i := range fn.Inlines {
				if id, ok := asm.lines.FileID(fn.Inlines[i].CallFile); ok {
					fn.Inlines[i].CallFile = id
				}
			}
		}
	}

	if len(lines) > 0 {
		asm.assignLinesToFunctions(cu.functions, lines)
	}
	for _, fn := range cu.functions {
		asm.builder.AddFunction(fn)
	}
}

// funcHandler assembles one subprogram DIE: name, code ranges and the
// inline tree beneath it. Declarations and abstract instances register
// their names without emitting a function.
type funcHandler struct {
	genericDIE
	pcRange

	abstractInline bool
	inlines        []symfile.Inline
}

func newFuncHandler(cu *cuContext, offset uint64, enclosing string) *funcHandler {
	return &funcHandler{genericDIE: genericDIE{
		cu: cu, offset: offset, tag: dwarf.TagSubprogram, enclosing: enclosing,
	}}
}

func (f *funcHandler) ProcessAttributeUnsigned(attr dwarf.Attr,
	class dwarf.Class, value uint64) {
	if f.pcRange.processUnsigned(attr, class, value) {
		return
	}
	if attr == dwarf.AttrInline {
		f.abstractInline = value != 0
		return
	}
	f.genericDIE.processUnsigned(attr, value)
}

func (f *funcHandler) ProcessAttributeSigned(attr dwarf.Attr, value int64) {
	if attr == dwarf.AttrInline {
		f.abstractInline = value != 0
	}
}

func (f *funcHandler) ProcessAttributeReference(attr dwarf.Attr, target uint64) {
	f.processReference(attr, target)
}

func (f *funcHandler) ProcessAttributeString(attr dwarf.Attr, value string) {
	f.processString(attr, value)
}

func (f *funcHandler) ProcessAttributeBuffer(dwarf.Attr, []byte) {}

func (f *funcHandler) EndAttributes() bool {
	f.assembleName()
	return true
}

func (f *funcHandler) FindChildHandler(offset uint64, tag dwarf.Tag) DIEHandler {
	switch tag {
	case dwarf.TagInlinedSubroutine:
		return newInlineHandler(f, offset, 0)
	case dwarf.TagLexDwarfBlock:
		return &blockHandler{fn: f, depth: 0}
	case dwarf.TagSubprogram:
		return newFuncHandler(f.cu, offset, f.qualified)
	default:
		return nil
	}
}

func (f *funcHandler) Finish() {
	ranges := f.pcRange.resolve(f.cu, f.offset)
	if len(ranges) == 0 {
		// Declarations and abstract instances only contribute names.
		return
	}

	name := f.qualified
	preferExtern := false
	if name == "" && f.hasOrigin {
		entry, found, blocked := f.cu.asm.resolveRef(f.offset, f.originTarget,
			f.cu.index)
		if found {
			name = entry.qualified
		} else if !blocked {
			f.cu.asm.reporter.UnknownAbstractOrigin(f.offset, f.originTarget)
			name = omittedName
		}
	}
	if name == "" && !f.cu.language.NoFunctionNames() {
		f.cu.asm.reporter.UnnamedFunction(f.offset)
	}
	if f.linkage != "" && f.cu.language.RawMangledNames() && name == f.linkage {
		// The demangler passed the name through; let an extern symbol
		// with a better rendering win.
		preferExtern = true
	}

	f.cu.functions = append(f.cu.functions, &symfile.Function{
		Name:             name,
		Ranges:           ranges,
		Inlines:          f.inlines,
		PreferExternName: preferExtern,
	})
}

// inlineHandler assembles one DW_TAG_inlined_subroutine: the abstract
// origin supplying the name, the call site, and the covered ranges.
// Nested inlined subroutines increase the depth; the tree is flattened
// into the function's inline list.
type inlineHandler struct {
	genericDIE
	pcRange

	fn    *funcHandler
	depth uint32

	callFile uint64
	callLine uint32
}

func newInlineHandler(fn *funcHandler, offset uint64, depth uint32) *inlineHandler {
	return &inlineHandler{
		genericDIE: genericDIE{
			cu: fn.cu, offset: offset, tag: dwarf.TagInlinedSubroutine,
		},
		fn:    fn,
		depth: depth,
	}
}

func (in *inlineHandler) ProcessAttributeUnsigned(attr dwarf.Attr,
	class dwarf.Class, value uint64) {
	if in.pcRange.processUnsigned(attr, class, value) {
		return
	}
	switch attr {
	case dwarf.AttrCallFile:
		in.callFile = value
	case dwarf.AttrCallLine:
		in.callLine = uint32(value)
	default:
		in.genericDIE.processUnsigned(attr, value)
	}
}

func (in *inlineHandler) ProcessAttributeSigned(dwarf.Attr, int64) {}

func (in *inlineHandler) ProcessAttributeReference(attr dwarf.Attr, target uint64) {
	in.processReference(attr, target)
}

func (in *inlineHandler) ProcessAttributeString(attr dwarf.Attr, value string) {
	in.processString(attr, value)
}

func (in *inlineHandler) ProcessAttributeBuffer(dwarf.Attr, []byte) {}

func (in *inlineHandler) EndAttributes() bool {
	return true
}

func (in *inlineHandler) FindChildHandler(offset uint64, tag dwarf.Tag) DIEHandler {
	switch tag {
	case dwarf.TagInlinedSubroutine:
		return newInlineHandler(in.fn, offset, in.depth+1)
	case dwarf.TagLexDwarfBlock:
		return &blockHandler{fn: in.fn, depth: in.depth + 1}
	default:
		return nil
	}
}

func (in *inlineHandler) Finish() {
	ranges := in.pcRange.resolve(in.cu, in.offset)
	if len(ranges) == 0 {
		return
	}

	name := in.name
	if in.hasOrigin {
		entry, found, blocked := in.cu.asm.resolveRef(in.offset,
			in.originTarget, in.cu.index)
		if found {
			name = entry.qualified
		} else if !blocked {
			in.cu.asm.reporter.UnknownAbstractOrigin(in.offset, in.originTarget)
		}
	}
	if name == "" {
		name = omittedName
	}

	in.fn.inlines = append(in.fn.inlines, symfile.Inline{
		OriginID: in.cu.asm.builder.InternOrigin(name),
		Depth:    in.depth,
		CallFile: in.callFile,
		CallLine: in.callLine,
		Ranges:   ranges,
	})
}

// blockHandler forwards through lexical blocks: inlined subroutines
// nested in a block belong to the enclosing function at the block's
// depth.
type blockHandler struct {
	fn    *funcHandler
	depth uint32
}

func (b *blockHandler) ProcessAttributeUnsigned(dwarf.Attr, dwarf.Class, uint64) {}
func (b *blockHandler) ProcessAttributeSigned(dwarf.Attr, int64)                 {}
func (b *blockHandler) ProcessAttributeReference(dwarf.Attr, uint64)             {}
func (b *blockHandler) ProcessAttributeString(dwarf.Attr, string)                {}
func (b *blockHandler) ProcessAttributeBuffer(dwarf.Attr, []byte)                {}

func (b *blockHandler) EndAttributes() bool {
	return true
}

func (b *blockHandler) FindChildHandler(offset uint64, tag dwarf.Tag) DIEHandler {
	switch tag {
	case dwarf.TagInlinedSubroutine:
		return newInlineHandler(b.fn, offset, b.depth)
	case dwarf.TagLexDwarfBlock:
		return &blockHandler{fn: b.fn, depth: b.depth}
	default:
		return nil
	}
}

func (b *blockHandler) Finish() {}
