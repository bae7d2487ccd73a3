// Copyright The Crashwalk Authors
// SPDX-License-Identifier: Apache-2.0

// Package demangler turns mangled linker symbols back into human-readable
// names. Itanium C++ ABI names and both Rust mangling schemes are handled;
// Swift names pass through verbatim for the host to render. Results are
// memoized since crash reports resolve the same hot symbols repeatedly.
package demangler // import "github.com/crashwalk/crashwalk/demangler"

import (
	"strings"

	lru "github.com/elastic/go-freelru"
	"github.com/ianlancetaylor/demangle"

	"github.com/crashwalk/crashwalk/libpm"
)

const cacheSize = 8192

// Demangler demangles symbol names with a bounded result cache. The zero
// value is not usable; construct with New. Safe for concurrent use.
type Demangler struct {
	cache *lru.SyncedLRU[string, string]
}

// New creates a Demangler.
func New() *Demangler {
	cache, err := lru.NewSynced[string, string](cacheSize, libpm.HashString)
	if err != nil {
		// Only reachable with an invalid capacity constant.
		panic(err)
	}
	return &Demangler{cache: cache}
}

// IsMangled reports whether name looks like a mangled symbol the engine
// knows how to treat.
func IsMangled(name string) bool {
	return strings.HasPrefix(name, "_Z") ||
		strings.HasPrefix(name, "_R") ||
		isSwift(name)
}

// isSwift matches the Swift mangling prefixes across compiler versions.
func isSwift(name string) bool {
	return strings.HasPrefix(name, "_T") ||
		strings.HasPrefix(name, "$s") ||
		strings.HasPrefix(name, "_$s") ||
		strings.HasPrefix(name, "$S") ||
		strings.HasPrefix(name, "_$S")
}

// Demangle returns the demangled form of name, or name itself when it is
// not mangled or fails to demangle. The second return reports whether
// demangling succeeded.
func (d *Demangler) Demangle(name string) (string, bool) {
	if isSwift(name) {
		// Swift names pass through verbatim.
		return name, false
	}
	if !strings.HasPrefix(name, "_Z") && !strings.HasPrefix(name, "_R") {
		return name, false
	}
	if cached, ok := d.cache.Get(name); ok {
		return cached, cached != name
	}
	result, err := demangle.ToString(name)
	if err != nil {
		d.cache.Add(name, name)
		return name, false
	}
	d.cache.Add(name, result)
	return result, true
}
