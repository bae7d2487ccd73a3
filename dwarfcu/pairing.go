// Copyright The Crashwalk Authors
// SPDX-License-Identifier: Apache-2.0

package dwarfcu // import "github.com/crashwalk/crashwalk/dwarfcu"

import (
	"sort"

	"github.com/crashwalk/crashwalk/libpm"
	"github.com/crashwalk/crashwalk/symfile"
)

type interval struct {
	start, end libpm.Address
}

type funcRange struct {
	interval
	fn *symfile.Function
}

// subtract returns the parts of iv not covered by the sorted,
// non-overlapping cover list.
func subtract(iv interval, cover []interval) []interval {
	var gaps []interval
	pos := iv.start
	for _, c := range cover {
		if c.end <= pos {
			continue
		}
		if c.start >= iv.end {
			break
		}
		if c.start > pos {
			gaps = append(gaps, interval{start: pos, end: c.start})
		}
		if c.end > pos {
			pos = c.end
		}
	}
	if pos < iv.end {
		gaps = append(gaps, interval{start: pos, end: iv.end})
	}
	return gaps
}

func mergeIntervals(ivs []interval) []interval {
	if len(ivs) == 0 {
		return nil
	}
	sort.Slice(ivs, func(i, j int) bool { return ivs[i].start < ivs[j].start })
	merged := []interval{ivs[0]}
	for _, iv := range ivs[1:] {
		last := &merged[len(merged)-1]
		if iv.start <= last.end {
			if iv.end > last.end {
				last.end = iv.end
			}
			continue
		}
		merged = append(merged, iv)
	}
	return merged
}

// assignLinesToFunctions sweeps the CU's functions and lines jointly,
// attaching to each function the intersection of every overlapping line.
// A function not fully covered by lines is reported once; a line not
// fully covered by functions is reported once, except when the uncovered
// stretch is alignment padding: it begins where a function the line
// covers ends, and ends at or before the next function's start.
func (a *Assembler) assignLinesToFunctions(functions []*symfile.Function,
	lines []symfile.Line) {
	sort.Slice(lines, func(i, j int) bool {
		return lines[i].Addr < lines[j].Addr
	})

	var franges []funcRange
	for _, fn := range functions {
		for _, r := range fn.Ranges {
			if r.Size == 0 {
				continue
			}
			franges = append(franges, funcRange{
				interval: interval{start: r.Start, end: r.End()},
				fn:       fn,
			})
		}
	}
	sort.Slice(franges, func(i, j int) bool {
		return franges[i].start < franges[j].start
	})

	lineCover := make([][]interval, len(franges))

	for li := range lines {
		line := &lines[li]
		lstart := line.Addr
		lend := line.Addr + libpm.Address(line.Size)
		var covered []interval

		// First function range that may overlap the line.
		idx := sort.Search(len(franges), func(i int) bool {
			return franges[i].end > lstart
		})
		for fi := idx; fi < len(franges) && franges[fi].start < lend; fi++ {
			fr := &franges[fi]
			is := maxAddr(lstart, fr.start)
			ie := minAddr(lend, fr.end)
			if is >= ie {
				continue
			}
			fr.fn.Lines = append(fr.fn.Lines, symfile.Line{
				Addr:   is,
				Size:   uint64(ie - is),
				FileID: line.FileID,
				Line:   line.Line,
			})
			covered = append(covered, interval{start: is, end: ie})
			lineCover[fi] = append(lineCover[fi], interval{start: is, end: ie})
		}

		if a.opts.SuppressCoverageWarnings {
			continue
		}
		covered = mergeIntervals(covered)
		gaps := subtract(interval{start: lstart, end: lend}, covered)
		if len(gaps) == 0 {
			continue
		}
		if len(covered) > 0 && allGapsArePadding(gaps, franges) {
			continue
		}
		a.reporter.UncoveredLine(line.Line, line.Addr)
	}

	if a.opts.SuppressCoverageWarnings {
		return
	}

	// Function coverage: every range must be tiled by its attached lines.
	warned := make(map[*symfile.Function]bool)
	for fi := range franges {
		fr := &franges[fi]
		if warned[fr.fn] {
			continue
		}
		cover := mergeIntervals(lineCover[fi])
		if len(subtract(fr.interval, cover)) > 0 {
			a.reporter.UncoveredFunction(fr.fn.Name, fr.fn.Base())
			warned[fr.fn] = true
		}
	}
}

// allGapsArePadding reports whether every uncovered stretch of a line is
// GCC alignment padding: it starts exactly where some function ends and
// runs no further than the start of the next function.
func allGapsArePadding(gaps []interval, franges []funcRange) bool {
	for _, gap := range gaps {
		ok := false
		for fi := range franges {
			if franges[fi].end != gap.start {
				continue
			}
			if gap.end <= nextFunctionStart(franges, fi) {
				ok = true
			}
			break
		}
		if !ok {
			return false
		}
	}
	return true
}

func nextFunctionStart(franges []funcRange, fi int) libpm.Address {
	for i := fi + 1; i < len(franges); i++ {
		if franges[i].start >= franges[fi].end {
			return franges[i].start
		}
	}
	return ^libpm.Address(0)
}

func maxAddr(a, b libpm.Address) libpm.Address {
	if a > b {
		return a
	}
	return b
}

func minAddr(a, b libpm.Address) libpm.Address {
	if a < b {
		return a
	}
	return b
}
