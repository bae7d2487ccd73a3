// Copyright The Crashwalk Authors
// SPDX-License-Identifier: Apache-2.0

package symfile // import "github.com/crashwalk/crashwalk/symfile"

// ModuleBuilder assembles a Module programmatically, for producers that do
// not go through the text parser (notably the DWARF CU assembler). The
// builder is single-threaded; Build finalizes the collections and returns
// the immutable module.
type ModuleBuilder struct {
	m          *Module
	nextFileID uint64
	fileIDs    map[string]uint64
	originIDs  map[string]uint32
}

// NewModuleBuilder creates a builder for a module with the given identity.
func NewModuleBuilder(info ModuleInfo) *ModuleBuilder {
	m := newModule()
	m.Info = info
	return &ModuleBuilder{
		m:         m,
		fileIDs:   make(map[string]uint64),
		originIDs: make(map[string]uint32),
	}
}

// InternFile returns the file id for a path, creating one on first use.
func (b *ModuleBuilder) InternFile(path string) uint64 {
	if id, ok := b.fileIDs[path]; ok {
		return id
	}
	id := b.nextFileID
	b.nextFileID++
	b.fileIDs[path] = id
	b.m.files[id] = path
	return id
}

// AddFile registers a path under an explicit id, as the text parser does.
// Returns false on duplicate ids.
func (b *ModuleBuilder) AddFile(id uint64, path string) bool {
	if _, dup := b.m.files[id]; dup {
		return false
	}
	b.m.files[id] = path
	b.fileIDs[path] = id
	if id >= b.nextFileID {
		b.nextFileID = id + 1
	}
	return true
}

// InternOrigin returns the inline-origin index for a name, creating one on
// first use. Origins are shared across all functions of the module.
func (b *ModuleBuilder) InternOrigin(name string) uint32 {
	if id, ok := b.originIDs[name]; ok {
		return id
	}
	id := uint32(len(b.m.origins))
	b.originIDs[name] = id
	b.m.origins = append(b.m.origins, InlineOrigin{Name: name})
	return id
}

// AddFunction adds an assembled function.
func (b *ModuleBuilder) AddFunction(fn *Function) {
	b.m.functions = append(b.m.functions, fn)
}

// AddPublic adds a public symbol.
func (b *ModuleBuilder) AddPublic(p *PublicSymbol) {
	b.m.publics = append(b.m.publics, p)
}

// AddCFIRecord adds a CFI INIT record with its deltas.
func (b *ModuleBuilder) AddCFIRecord(rec CFIRecord) {
	b.m.cfiRecords = append(b.m.cfiRecords, rec)
}

// SetCorrupt flags the module as carrying partial data.
func (b *ModuleBuilder) SetCorrupt() {
	b.m.corrupt = true
}

// Build finalizes and returns the module. The builder must not be used
// afterwards.
func (b *ModuleBuilder) Build() *Module {
	m := b.m
	b.m = nil
	m.finalize()
	return m
}
