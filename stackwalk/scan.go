// Copyright The Crashwalk Authors
// SPDX-License-Identifier: Apache-2.0

package stackwalk // import "github.com/crashwalk/crashwalk/stackwalk"

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/crashwalk/crashwalk/libpm"
	"github.com/crashwalk/crashwalk/snapshot"
)

// scanForReturnAddress reads stack words from startSP upward, looking for
// the first word that plausibly is a return address: it must point into a
// known module, resolve to a symbol when the module has them, and on x86
// family CPUs the bytes preceding it must decode as a CALL. Context frames
// search a longer window since the crash may have happened deep inside a
// prologue or a register-corrupting sequence.
func (w *walkerBase) scanForReturnAddress(startSP uint64,
	contextFrame bool) (callerSP, callerPC uint64, ok bool) {
	wordSize := w.arch().PointerSize()
	words := w.cfg.ScanWords
	if contextFrame && w.cfg.ScanWords == DefaultScanWords {
		words = defaultContextScanWords
	}
	sp := startSP
	for i := 0; i < words; i++ {
		addr := libpm.Address(sp)
		candidate, err := w.memory.ReadPointer(w.arch(), addr)
		if err != nil {
			break
		}
		if w.instructionSeemsValid(libpm.Address(candidate)) {
			return sp, candidate, true
		}
		sp += wordSize
	}
	return 0, 0, false
}

// instructionSeemsValid reports whether addr looks like the address of an
// instruction following a call.
func (w *walkerBase) instructionSeemsValid(addr libpm.Address) bool {
	if addr == 0 {
		return false
	}
	module := w.modules.ModuleForAddress(addr)
	if module == nil {
		return false
	}
	if w.resolver != nil && w.resolver.HasModule(module) {
		if _, _, ok := w.resolver.LookupSource(module, addr); !ok {
			return false
		}
	}
	switch w.arch() {
	case snapshot.ArchX86, snapshot.ArchAMD64:
		return w.precededByCall(addr)
	default:
		return true
	}
}

// x86 CALL encodings vary from two to seven bytes. A candidate return
// address is credible only when some preceding byte sequence decodes as a
// CALL ending exactly at the candidate.
var callSiteOffsets = []uint64{2, 3, 5, 6, 7}

// precededByCall decodes backwards from addr to check for a CALL
// instruction ending at addr. Code bytes come from the memory snapshot;
// when the code pages were not captured, the check is skipped rather than
// rejecting the candidate.
func (w *walkerBase) precededByCall(addr libpm.Address) bool {
	mode := 64
	if w.arch() == snapshot.ArchX86 {
		mode = 32
	}
	var buf [7]byte
	checkedAny := false
	for _, offset := range callSiteOffsets {
		if offset > uint64(addr) {
			continue
		}
		start := addr - libpm.Address(offset)
		code := buf[:offset]
		if err := w.memory.ReadBytes(start, code); err != nil {
			continue
		}
		checkedAny = true
		inst, err := x86asm.Decode(code, mode)
		if err != nil || inst.Op != x86asm.CALL {
			continue
		}
		if uint64(inst.Len) == offset {
			return true
		}
	}
	return !checkedAny
}

// scanFrame packages a successful scan into a frame carrying only PC and
// SP. The caller's SP is the slot above the one holding the return
// address.
func (w *walkerBase) scanFrame(callee *StackFrame, allowScan bool) *StackFrame {
	if !allowScan {
		return nil
	}
	calleeSP, ok := callee.Context.SP()
	if !ok {
		return nil
	}
	raSP, callerPC, found := w.scanForReturnAddress(calleeSP,
		callee.Trust == TrustContext)
	if !found {
		return nil
	}
	ctx := snapshot.NewCPUContext(w.arch())
	ctx.SetPC(callerPC)
	ctx.SetSP(raSP + w.arch().PointerSize())
	return &StackFrame{
		Trust:   TrustScan,
		Context: ctx,
	}
}
