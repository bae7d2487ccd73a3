// Copyright The Crashwalk Authors
// SPDX-License-Identifier: Apache-2.0

package symfile // import "github.com/crashwalk/crashwalk/symfile"

import (
	"bytes"
	"errors"

	"github.com/crashwalk/crashwalk/cfi"
	"github.com/crashwalk/crashwalk/demangler"
	"github.com/crashwalk/crashwalk/internal/log"
	"github.com/crashwalk/crashwalk/libpm"
	"github.com/crashwalk/crashwalk/snapshot"
)

// ErrModuleCorrupt is returned by LoadModule when the symbol data was
// malformed. The module is retained and answers queries from the records
// that did parse.
var ErrModuleCorrupt = errors.New("symbol data corrupt, partial module loaded")

// Resolver maps instruction addresses in loaded modules to source
// information and unwind rules.
//
// The resolver is written to once per module via LoadModule and is
// immutable in between: concurrent walks may query it without locking.
// UnloadModule must not run concurrently with any reader; the host
// serializes loads and unloads against walks.
type Resolver struct {
	modules map[string]*Module
	dm      *demangler.Demangler
}

// NewResolver creates an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{
		modules: make(map[string]*Module),
		dm:      demangler.New(),
	}
}

func moduleKey(mod *snapshot.CodeModule) string {
	if mod.DebugFile != "" || mod.DebugID != "" {
		return mod.DebugFile + "|" + mod.DebugID
	}
	return mod.CodeFile
}

// LoadModule parses symbol data (textual or serialized fast form, detected
// by magic) and registers it for the given module. A corrupt symbol file
// yields ErrModuleCorrupt with the partial module still loaded; any other
// error loads nothing.
func (r *Resolver) LoadModule(mod *snapshot.CodeModule, data []byte) error {
	var m *Module
	var err error
	if len(data) >= 8 && bytes.Equal(data[:8], serializedMagic[:]) {
		m, err = Deserialize(data)
	} else {
		m, err = Parse(data)
	}
	if err != nil {
		return err
	}
	r.modules[moduleKey(mod)] = m
	if m.IsCorrupt() {
		log.Warnf("module %s loaded with corrupt symbol data", mod.DebugFile)
		return ErrModuleCorrupt
	}
	return nil
}

// UnloadModule drops the symbol data for a module. Must not run
// concurrently with readers.
func (r *Resolver) UnloadModule(mod *snapshot.CodeModule) {
	delete(r.modules, moduleKey(mod))
}

// HasModule reports whether symbol data is loaded for the module.
func (r *Resolver) HasModule(mod *snapshot.CodeModule) bool {
	_, ok := r.modules[moduleKey(mod)]
	return ok
}

// Module returns the loaded module representation, or nil.
func (r *Resolver) Module(mod *snapshot.CodeModule) *Module {
	return r.modules[moduleKey(mod)]
}

// SourceInfo is the symbol information recovered for one instruction.
// Addresses are absolute.
type SourceInfo struct {
	FunctionName  string
	FunctionBase  libpm.Address
	ParameterSize uint64
	// IsMultiple reports that more than one symbol covered the address.
	IsMultiple bool

	// SourceFile, SourceLine and SourceLineBase are zero when only a
	// public symbol matched.
	SourceFile     string
	SourceLine     uint32
	SourceLineBase libpm.Address
}

// InlineSourceInfo describes one entry of the inline-expansion chain at an
// instruction, innermost first.
type InlineSourceInfo struct {
	// Name is the demangled inline-origin name.
	Name string
	// CallFile and CallLine locate the call site in the caller.
	CallFile string
	CallLine uint32
	// Base is the absolute start of the inline range covering the query.
	Base libpm.Address
}

func (r *Resolver) demangle(name string) string {
	out, _ := r.dm.Demangle(name)
	return out
}

// LookupSource resolves an absolute instruction address against the
// module's symbol data. The inline chain is ordered innermost first.
// Returns ok=false when no function or public symbol covers the address.
func (r *Resolver) LookupSource(mod *snapshot.CodeModule,
	instruction libpm.Address) (SourceInfo, []InlineSourceInfo, bool) {
	m := r.Module(mod)
	if m == nil || instruction < mod.Base {
		return SourceInfo{}, nil, false
	}
	rel := instruction - mod.Base

	if fn := m.FunctionForAddress(rel); fn != nil {
		name := fn.Name
		// A function flagged prefer-extern keeps its debug-info name only
		// until an extern symbol covering the same code offers a better
		// rendering.
		if fn.PreferExternName {
			if pub := m.PublicForAddress(rel); pub != nil && pub.Addr >= fn.Base() {
				name = pub.Name
			}
		}
		info := SourceInfo{
			FunctionName:  r.demangle(name),
			FunctionBase:  mod.Base + fn.Base(),
			ParameterSize: fn.ParameterSize,
			IsMultiple:    fn.IsMultiple,
		}
		if line := fn.LineForAddress(rel); line != nil {
			info.SourceFile = m.FileName(line.FileID)
			info.SourceLine = line.Line
			info.SourceLineBase = mod.Base + line.Addr
		}
		var inlines []InlineSourceInfo
		for _, in := range fn.InlineChainForAddress(rel) {
			base := libpm.Address(0)
			for _, rng := range in.Ranges {
				if rng.Contains(rel) {
					base = mod.Base + rng.Start
					break
				}
			}
			inlines = append(inlines, InlineSourceInfo{
				Name:     r.demangle(m.OriginName(in.OriginID)),
				CallFile: m.FileName(in.CallFile),
				CallLine: in.CallLine,
				Base:     base,
			})
		}
		return info, inlines, true
	}

	if pub := m.PublicForAddress(rel); pub != nil {
		return SourceInfo{
			FunctionName:  r.demangle(pub.Name),
			FunctionBase:  mod.Base + pub.Addr,
			ParameterSize: pub.ParameterSize,
			IsMultiple:    pub.IsMultiple,
		}, nil, true
	}
	return SourceInfo{}, nil, false
}

// FindCFIFrameInfo returns the effective CFI rule map covering the
// absolute instruction address, or nil.
func (r *Resolver) FindCFIFrameInfo(mod *snapshot.CodeModule,
	instruction libpm.Address) *cfi.FrameInfo {
	m := r.Module(mod)
	if m == nil || instruction < mod.Base {
		return nil
	}
	return m.CFIFrameInfoForAddress(instruction - mod.Base)
}

// FindWindowsFrameInfo returns the Windows unwind data covering the
// absolute instruction address, or nil. FrameData records win over FPO.
func (r *Resolver) FindWindowsFrameInfo(mod *snapshot.CodeModule,
	instruction libpm.Address) *cfi.WindowsFrameInfo {
	m := r.Module(mod)
	if m == nil || instruction < mod.Base {
		return nil
	}
	return m.WindowsFrameInfoForAddress(instruction - mod.Base)
}
