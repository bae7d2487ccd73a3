// Copyright The Crashwalk Authors
// SPDX-License-Identifier: Apache-2.0

package dwarfcu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crashwalk/crashwalk/libpm"
	"github.com/crashwalk/crashwalk/symfile"
)

func pairingAssembler(opts Options) (*Assembler, *recordingReporter) {
	builder := symfile.NewModuleBuilder(symfile.ModuleInfo{Name: "t"})
	reporter := newRecordingReporter()
	return NewAssembler(builder, nil, reporter, opts), reporter
}

func fnWithRange(name string, start libpm.Address, size uint64) *symfile.Function {
	return &symfile.Function{
		Name:   name,
		Ranges: []symfile.Range{{Start: start, Size: size}},
	}
}

func TestPairingAttachesIntersections(t *testing.T) {
	asm, reporter := pairingAssembler(Options{})
	f := fnWithRange("f", 0x10, 0x10)
	g := fnWithRange("g", 0x20, 0x10)

	// One line spans the boundary between both functions.
	lines := []symfile.Line{
		{Addr: 0x10, Size: 0x18, Line: 1},
		{Addr: 0x28, Size: 0x08, Line: 2},
	}
	asm.assignLinesToFunctions([]*symfile.Function{f, g}, lines)

	require.Len(t, f.Lines, 1)
	assert.Equal(t, libpm.Address(0x10), f.Lines[0].Addr)
	assert.Equal(t, uint64(0x10), f.Lines[0].Size)

	require.Len(t, g.Lines, 2)
	assert.Equal(t, libpm.Address(0x20), g.Lines[0].Addr)
	assert.Equal(t, uint64(0x08), g.Lines[0].Size)
	assert.Equal(t, libpm.Address(0x28), g.Lines[1].Addr)

	assert.Empty(t, reporter.counts)
}

func TestPairingPaddingSuppression(t *testing.T) {
	// Two functions with a 5-byte alignment gap; the first line covers the
	// first function plus the padding. Neither warning may fire.
	asm, reporter := pairingAssembler(Options{})
	f := fnWithRange("f", 10, 5)
	g := fnWithRange("g", 20, 10)
	lines := []symfile.Line{
		{Addr: 10, Size: 10, Line: 1},
		{Addr: 20, Size: 10, Line: 2},
	}
	asm.assignLinesToFunctions([]*symfile.Function{f, g}, lines)

	assert.Zero(t, reporter.counts["uncovered-function"])
	assert.Zero(t, reporter.counts["uncovered-line"])
}

func TestPairingUncoveredFunction(t *testing.T) {
	asm, reporter := pairingAssembler(Options{})
	f := fnWithRange("f", 0x10, 0x20)
	// Lines cover only parts of the function; two separate gaps still warn
	// once.
	lines := []symfile.Line{
		{Addr: 0x10, Size: 0x08, Line: 1},
		{Addr: 0x20, Size: 0x04, Line: 2},
	}
	asm.assignLinesToFunctions([]*symfile.Function{f}, lines)

	assert.Equal(t, 1, reporter.counts["uncovered-function"])
}

func TestPairingUncoveredLine(t *testing.T) {
	asm, reporter := pairingAssembler(Options{})
	f := fnWithRange("f", 0x10, 0x10)
	lines := []symfile.Line{
		{Addr: 0x10, Size: 0x10, Line: 1},
		// Floats in a void far beyond any function.
		{Addr: 0x100, Size: 0x10, Line: 2},
	}
	asm.assignLinesToFunctions([]*symfile.Function{f}, lines)

	assert.Equal(t, 1, reporter.counts["uncovered-line"])
	assert.Zero(t, reporter.counts["uncovered-function"])
}

func TestPairingWarningsSuppressed(t *testing.T) {
	asm, reporter := pairingAssembler(Options{SuppressCoverageWarnings: true})
	f := fnWithRange("f", 0x10, 0x20)
	lines := []symfile.Line{
		{Addr: 0x100, Size: 0x10, Line: 2},
	}
	asm.assignLinesToFunctions([]*symfile.Function{f}, lines)

	assert.Empty(t, reporter.counts)
}

func TestSubtract(t *testing.T) {
	iv := interval{start: 10, end: 30}

	assert.Empty(t, subtract(iv, []interval{{start: 10, end: 30}}))
	assert.Equal(t, []interval{{start: 10, end: 30}}, subtract(iv, nil))
	assert.Equal(t, []interval{{start: 15, end: 20}},
		subtract(iv, []interval{{start: 10, end: 15}, {start: 20, end: 30}}))
	assert.Equal(t, []interval{{start: 10, end: 12}, {start: 28, end: 30}},
		subtract(iv, []interval{{start: 12, end: 28}}))
}

func TestMergeIntervals(t *testing.T) {
	assert.Nil(t, mergeIntervals(nil))
	assert.Equal(t, []interval{{start: 1, end: 10}},
		mergeIntervals([]interval{{start: 5, end: 10}, {start: 1, end: 6}}))
	assert.Equal(t, []interval{{start: 1, end: 4}, {start: 6, end: 9}},
		mergeIntervals([]interval{{start: 6, end: 9}, {start: 1, end: 4}}))
}
