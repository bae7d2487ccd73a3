// Copyright The Crashwalk Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot // import "github.com/crashwalk/crashwalk/snapshot"

import (
	"math/bits"
	"sort"

	"github.com/crashwalk/crashwalk/libpm"
)

// CodeModule identifies one executable or shared library loaded into the
// crashed process.
type CodeModule struct {
	// CodeFile is the path of the executable or library as loaded.
	CodeFile string
	// DebugFile is the name of the file carrying debug information,
	// often the basename of CodeFile.
	DebugFile string
	// DebugID is the opaque hexadecimal identifier tying the module to
	// its symbol file.
	DebugID string
	// Base is the load address of the module.
	Base libpm.Address
	// Size is the size of the loaded image in bytes.
	Size uint64
}

// Contains reports whether addr falls within the module's mapped range.
func (m *CodeModule) Contains(addr libpm.Address) bool {
	return addr >= m.Base && uint64(addr-m.Base) < m.Size
}

// CodeModules is an immutable, sorted list of the modules loaded in the
// crashed process.
type CodeModules struct {
	modules []*CodeModule
}

// NewCodeModules builds the module list. The input is sorted by base
// address; overlapping modules are kept (some platforms report overlapping
// placeholder mappings) with the lowest-based one winning lookups.
func NewCodeModules(modules []*CodeModule) *CodeModules {
	sorted := make([]*CodeModule, len(modules))
	copy(sorted, modules)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Base < sorted[j].Base
	})
	return &CodeModules{modules: sorted}
}

// Len returns the number of modules.
func (cm *CodeModules) Len() int {
	return len(cm.modules)
}

// Modules returns the sorted module list.
func (cm *CodeModules) Modules() []*CodeModule {
	return cm.modules
}

// ModuleForAddress returns the module containing addr, or nil.
func (cm *CodeModules) ModuleForAddress(addr libpm.Address) *CodeModule {
	idx := sort.Search(len(cm.modules), func(i int) bool {
		return cm.modules[i].Base > addr
	})
	for _, mod := range cm.modules[:idx] {
		if mod.Contains(addr) {
			return mod
		}
	}
	return nil
}

// HighestModule returns the module with the highest end address, or nil
// when the list is empty.
func (cm *CodeModules) HighestModule() *CodeModule {
	var highest *CodeModule
	var top uint64
	for _, mod := range cm.modules {
		if end := uint64(mod.Base) + mod.Size; highest == nil || end > top {
			highest, top = mod, end
		}
	}
	return highest
}

// PointerAuthMask derives the ARM64 pointer-authentication strip mask from
// the loaded modules: the top address of the highest module, rounded up to
// the next power of two, minus one. Pointer bits above this mask can only
// be authentication signature bits.
func (cm *CodeModules) PointerAuthMask() uint64 {
	highest := cm.HighestModule()
	if highest == nil {
		return 0
	}
	top := uint64(highest.Base) + highest.Size
	if top == 0 {
		return 0
	}
	if bits.OnesCount64(top) == 1 {
		return top - 1
	}
	shift := 64 - bits.LeadingZeros64(top)
	if shift >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << shift) - 1
}
