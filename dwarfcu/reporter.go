// Copyright The Crashwalk Authors
// SPDX-License-Identifier: Apache-2.0

package dwarfcu // import "github.com/crashwalk/crashwalk/dwarfcu"

import (
	"github.com/crashwalk/crashwalk/internal/log"
	"github.com/crashwalk/crashwalk/libpm"
)

// Reporter receives every anomaly the assembler encounters. The assembler
// never aborts on any of them; the implementation decides whether to log,
// count or ignore.
type Reporter interface {
	// UnknownSpecification: a DIE's specification attribute referenced an
	// offset no declaration was seen at.
	UnknownSpecification(die, target uint64)

	// UnknownAbstractOrigin: an inlined instance referenced an offset no
	// abstract DIE was seen at.
	UnknownAbstractOrigin(die, target uint64)

	// UnhandledInterCUReference: a reference led into another CU while
	// inter-CU support is disabled.
	UnhandledInterCUReference(die, target uint64)

	// MissingSection: debug data referenced a section absent from the
	// input.
	MissingSection(name string)

	// BadLineInfoOffset: the CU's stmt_list did not yield a readable line
	// program.
	BadLineInfoOffset(offset uint64, err error)

	// UncoveredFunction: part of the function's code has no line data.
	// Reported once per function.
	UncoveredFunction(name string, start libpm.Address)

	// UncoveredLine: part of a line's range lies outside every function.
	// Reported once per line.
	UncoveredLine(line uint32, start libpm.Address)

	// UnnamedFunction: a subprogram with code carried no usable name.
	UnnamedFunction(offset uint64)

	// DemangleError: a linkage name failed to demangle; the mangled name
	// is retained.
	DemangleError(name string)
}

// LogReporter is the default Reporter: it logs each anomaly through the
// engine logger and tallies per-class counts. CUName labels the messages.
type LogReporter struct {
	CUName string
	Counts map[string]int
}

// NewLogReporter creates a LogReporter for one compilation unit.
func NewLogReporter(cuName string) *LogReporter {
	return &LogReporter{
		CUName: cuName,
		Counts: make(map[string]int),
	}
}

func (r *LogReporter) tally(class string) {
	r.Counts[class]++
}

func (r *LogReporter) UnknownSpecification(die, target uint64) {
	r.tally("unknown-specification")
	log.Warnf("%s: DIE at %#x has unknown specification %#x", r.CUName, die, target)
}

func (r *LogReporter) UnknownAbstractOrigin(die, target uint64) {
	r.tally("unknown-abstract-origin")
	log.Warnf("%s: DIE at %#x has unknown abstract origin %#x", r.CUName, die, target)
}

func (r *LogReporter) UnhandledInterCUReference(die, target uint64) {
	r.tally("inter-cu-reference")
	log.Warnf("%s: DIE at %#x references %#x in another CU; inter-CU support disabled",
		r.CUName, die, target)
}

func (r *LogReporter) MissingSection(name string) {
	r.tally("missing-section")
	log.Warnf("%s: debug section %s is missing", r.CUName, name)
}

func (r *LogReporter) BadLineInfoOffset(offset uint64, err error) {
	r.tally("bad-line-info-offset")
	log.Warnf("%s: unreadable line program at %#x: %v", r.CUName, offset, err)
}

func (r *LogReporter) UncoveredFunction(name string, start libpm.Address) {
	r.tally("uncovered-function")
	log.Debugf("%s: function %s at %s has code without line data", r.CUName, name, start)
}

func (r *LogReporter) UncoveredLine(line uint32, start libpm.Address) {
	r.tally("uncovered-line")
	log.Debugf("%s: line %d at %s lies outside all functions", r.CUName, line, start)
}

func (r *LogReporter) UnnamedFunction(offset uint64) {
	r.tally("unnamed-function")
	log.Debugf("%s: subprogram at %#x has no name", r.CUName, offset)
}

func (r *LogReporter) DemangleError(name string) {
	r.tally("demangle-error")
	log.Debugf("%s: could not demangle %q", r.CUName, name)
}
