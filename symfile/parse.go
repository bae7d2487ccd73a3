// Copyright The Crashwalk Authors
// SPDX-License-Identifier: Apache-2.0

package symfile // import "github.com/crashwalk/crashwalk/symfile"

import (
	"bufio"
	"bytes"
	"errors"
	"strconv"
	"strings"

	"github.com/crashwalk/crashwalk/cfi"
	"github.com/crashwalk/crashwalk/internal/log"
	"github.com/crashwalk/crashwalk/libpm"
)

// maxLineLength bounds one symbol file line. Longer input marks the module
// corrupt and stops the parse.
const maxLineLength = 1 << 20

// ErrNoModuleRecord is returned when the input does not start with a
// MODULE record.
var ErrNoModuleRecord = errors.New("symbol file does not start with MODULE record")

// Parse reads a textual symbol file into a Module. Malformed records mark
// the module corrupt but do not abort the parse; the returned module
// exposes whatever was parsed successfully. An error is returned only when
// no usable module could be built at all.
func Parse(data []byte) (*Module, error) {
	m := newModule()
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), maxLineLength)

	var curFunc *Function
	sawModule := false
	lineno := 0

	for scanner.Scan() {
		lineno++
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		if !sawModule {
			if !m.parseModuleRecord(line) {
				return nil, ErrNoModuleRecord
			}
			sawModule = true
			continue
		}

		keyword, rest, _ := strings.Cut(line, " ")
		switch keyword {
		case "MODULE":
			// Only the first line may be a MODULE record.
			m.setCorrupt(lineno, "repeated MODULE record")
		case "INFO":
			m.parseInfoRecord(rest)
		case "FILE":
			if !m.parseFileRecord(rest) {
				m.setCorrupt(lineno, "bad FILE record")
			}
		case "INLINE_ORIGIN":
			if !m.parseInlineOriginRecord(rest) {
				m.setCorrupt(lineno, "bad INLINE_ORIGIN record")
			}
		case "FUNC":
			fn := m.parseFuncRecord(rest)
			if fn == nil {
				m.setCorrupt(lineno, "bad FUNC record")
				curFunc = nil
				continue
			}
			m.functions = append(m.functions, fn)
			curFunc = fn
		case "INLINE":
			if curFunc == nil || !m.parseInlineRecord(curFunc, rest) {
				m.setCorrupt(lineno, "bad INLINE record")
			}
		case "PUBLIC":
			if !m.parsePublicRecord(rest) {
				m.setCorrupt(lineno, "bad PUBLIC record")
			}
			curFunc = nil
		case "STACK":
			if !m.parseStackRecord(rest) {
				m.setCorrupt(lineno, "bad STACK record")
			}
			curFunc = nil
		default:
			// A line record has no keyword: the leading token is hex.
			if curFunc != nil && m.parseLineRecord(curFunc, line) {
				continue
			}
			m.setCorrupt(lineno, "unparseable record")
		}
	}
	if err := scanner.Err(); err != nil {
		// Overlong line or reader failure: keep what we have.
		m.corrupt = true
		log.Warnf("symbol file for %s truncated: %v", m.Info.Name, err)
	}
	if !sawModule {
		return nil, ErrNoModuleRecord
	}

	m.finalize()
	return m, nil
}

func (m *Module) setCorrupt(lineno int, reason string) {
	if !m.corrupt {
		log.Debugf("symbol file for %s corrupt at line %d: %s",
			m.Info.Name, lineno, reason)
	}
	m.corrupt = true
}

func parseHex(s string) (uint64, bool) {
	v, err := strconv.ParseUint(s, 16, 64)
	return v, err == nil
}

func parseDec(s string) (uint64, bool) {
	v, err := strconv.ParseUint(s, 10, 64)
	return v, err == nil
}

// parseModuleRecord handles "MODULE os arch id name".
func (m *Module) parseModuleRecord(line string) bool {
	parts := strings.SplitN(line, " ", 5)
	if len(parts) != 5 || parts[0] != "MODULE" {
		return false
	}
	m.Info.OS = parts[1]
	m.Info.Arch = parts[2]
	m.Info.DebugID = parts[3]
	m.Info.Name = parts[4]
	return true
}

// parseInfoRecord handles "INFO CODE_ID id [filename]". Unknown INFO
// subkinds are ignored.
func (m *Module) parseInfoRecord(rest string) {
	subkind, tail, _ := strings.Cut(rest, " ")
	if subkind != "CODE_ID" {
		return
	}
	id, file, _ := strings.Cut(tail, " ")
	if id != "" {
		m.Info.CodeID = id
	}
	if file != "" {
		m.Info.CodeFile = file
	}
}

// parseFileRecord handles "FILE id path". Paths run to end of line with
// embedded spaces preserved; duplicate ids are rejected.
func (m *Module) parseFileRecord(rest string) bool {
	idStr, path, ok := strings.Cut(rest, " ")
	if !ok || path == "" {
		return false
	}
	id, ok := parseDec(idStr)
	if !ok {
		return false
	}
	if _, dup := m.files[id]; dup {
		return false
	}
	m.files[id] = path
	return true
}

// parseInlineOriginRecord handles "INLINE_ORIGIN id name".
func (m *Module) parseInlineOriginRecord(rest string) bool {
	idStr, name, ok := strings.Cut(rest, " ")
	if !ok || name == "" {
		return false
	}
	id, ok := parseDec(idStr)
	if !ok {
		return false
	}
	if _, dup := m.originIndex[id]; dup {
		return false
	}
	m.originIndex[id] = uint32(len(m.origins))
	m.origins = append(m.origins, InlineOrigin{Name: name})
	return true
}

// parseFuncRecord handles "FUNC [m] addr size psize name".
func (m *Module) parseFuncRecord(rest string) *Function {
	multiple := false
	if flag, tail, ok := strings.Cut(rest, " "); ok && flag == "m" {
		multiple = true
		rest = tail
	}
	parts := strings.SplitN(rest, " ", 4)
	if len(parts) != 4 {
		return nil
	}
	addr, ok1 := parseHex(parts[0])
	size, ok2 := parseHex(parts[1])
	psize, ok3 := parseHex(parts[2])
	if !ok1 || !ok2 || !ok3 || parts[3] == "" {
		return nil
	}
	return &Function{
		Name:          parts[3],
		Ranges:        []Range{{Start: libpm.Address(addr), Size: size}},
		ParameterSize: psize,
		IsMultiple:    multiple,
	}
}

// parseInlineRecord handles
// "INLINE depth call_site_line call_site_file origin_id [addr size]+".
func (m *Module) parseInlineRecord(fn *Function, rest string) bool {
	fields := strings.Fields(rest)
	if len(fields) < 6 || len(fields)%2 != 0 {
		return false
	}
	depth, ok1 := parseDec(fields[0])
	callLine, ok2 := parseDec(fields[1])
	callFile, ok3 := parseDec(fields[2])
	originID, ok4 := parseDec(fields[3])
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return false
	}
	idx, known := m.originIndex[originID]
	if !known {
		return false
	}
	var ranges []Range
	for i := 4; i < len(fields); i += 2 {
		addr, okA := parseHex(fields[i])
		size, okS := parseHex(fields[i+1])
		if !okA || !okS || size == 0 {
			return false
		}
		ranges = append(ranges, Range{Start: libpm.Address(addr), Size: size})
	}
	fn.Inlines = append(fn.Inlines, Inline{
		OriginID: idx,
		Depth:    uint32(depth),
		CallFile: callFile,
		CallLine: uint32(callLine),
		Ranges:   ranges,
	})
	return true
}

// parseLineRecord handles "addr size line fileid" records following a FUNC.
func (m *Module) parseLineRecord(fn *Function, line string) bool {
	fields := strings.Fields(line)
	if len(fields) != 4 {
		return false
	}
	addr, ok1 := parseHex(fields[0])
	size, ok2 := parseHex(fields[1])
	lineNo, ok3 := parseDec(fields[2])
	fileID, ok4 := parseDec(fields[3])
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return false
	}
	fn.Lines = append(fn.Lines, Line{
		Addr:   libpm.Address(addr),
		Size:   size,
		FileID: fileID,
		Line:   uint32(lineNo),
	})
	return true
}

// parsePublicRecord handles "PUBLIC [m] addr psize name".
func (m *Module) parsePublicRecord(rest string) bool {
	multiple := false
	if flag, tail, ok := strings.Cut(rest, " "); ok && flag == "m" {
		multiple = true
		rest = tail
	}
	parts := strings.SplitN(rest, " ", 3)
	if len(parts) != 3 {
		return false
	}
	addr, ok1 := parseHex(parts[0])
	psize, ok2 := parseHex(parts[1])
	if !ok1 || !ok2 || parts[2] == "" {
		return false
	}
	m.publics = append(m.publics, &PublicSymbol{
		Addr:          libpm.Address(addr),
		Name:          parts[2],
		ParameterSize: psize,
		IsMultiple:    multiple,
	})
	return true
}

// parseStackRecord dispatches "STACK WIN ..." and "STACK CFI ..." records.
func (m *Module) parseStackRecord(rest string) bool {
	kind, tail, ok := strings.Cut(rest, " ")
	if !ok {
		return false
	}
	switch kind {
	case "WIN":
		return m.parseStackWin(tail)
	case "CFI":
		return m.parseStackCFI(tail)
	default:
		return false
	}
}

// parseStackWin handles
// "STACK WIN type addr size prolog epilog params saved locals maxstack
// has_program program_string|allocates_bp". The final field is a program
// string when the selector is nonzero, the allocates-base-pointer flag
// otherwise.
func (m *Module) parseStackWin(rest string) bool {
	fields := strings.SplitN(rest, " ", 11)
	if len(fields) < 10 {
		return false
	}
	typeVal, ok := parseDec(fields[0])
	if !ok {
		return false
	}
	var frameType cfi.WindowsFrameType
	switch typeVal {
	case 0:
		frameType = cfi.WindowsFrameFPO
	case 4:
		frameType = cfi.WindowsFrameData
	default:
		// Record types we do not model are skipped without marking the
		// module corrupt.
		return true
	}

	var nums [9]uint64
	for i := 1; i <= 8; i++ {
		v, okN := parseHex(fields[i])
		if !okN {
			return false
		}
		nums[i] = v
	}
	hasProgram, ok := parseHex(fields[9])
	if !ok {
		return false
	}

	info := cfi.WindowsFrameInfo{
		Type:              frameType,
		PrologSize:        uint32(nums[3]),
		EpilogSize:        uint32(nums[4]),
		ParameterSize:     uint32(nums[5]),
		SavedRegisterSize: uint32(nums[6]),
		LocalSize:         uint32(nums[7]),
		MaxStackSize:      uint32(nums[8]),
	}
	tail := ""
	if len(fields) == 11 {
		tail = fields[10]
	}
	if hasProgram != 0 {
		if tail == "" {
			return false
		}
		info.ProgramString = tail
	} else {
		info.AllocatesBasePointer = tail == "1"
	}

	rec := WindowsFrameRange{
		Addr: libpm.Address(nums[1]),
		Size: nums[2],
		Info: info,
	}
	if frameType == cfi.WindowsFrameData {
		m.winFrameData = append(m.winFrameData, rec)
	} else {
		m.winFPO = append(m.winFPO, rec)
	}
	return true
}

// parseStackCFI handles "STACK CFI INIT addr size rules..." and
// "STACK CFI addr rules..." records.
func (m *Module) parseStackCFI(rest string) bool {
	first, tail, ok := strings.Cut(rest, " ")
	if !ok {
		return false
	}
	if first == "INIT" {
		parts := strings.SplitN(tail, " ", 3)
		if len(parts) != 3 {
			return false
		}
		addr, ok1 := parseHex(parts[0])
		size, ok2 := parseHex(parts[1])
		if !ok1 || !ok2 {
			return false
		}
		rules, err := cfi.ParseRuleSet(parts[2])
		if err != nil {
			return false
		}
		m.cfiRecords = append(m.cfiRecords, CFIRecord{
			Addr:    libpm.Address(addr),
			Size:    size,
			Init:    rules,
			InitRaw: parts[2],
		})
		return true
	}

	// Delta record: belongs to the most recent INIT.
	if len(m.cfiRecords) == 0 {
		return false
	}
	addr, ok := parseHex(first)
	if !ok || tail == "" {
		return false
	}
	rules, err := cfi.ParseRuleSet(tail)
	if err != nil {
		return false
	}
	rec := &m.cfiRecords[len(m.cfiRecords)-1]
	rec.Deltas = append(rec.Deltas, CFIDelta{
		Addr:  libpm.Address(addr),
		Rules: rules,
		Raw:   tail,
	})
	return true
}
