// Copyright The Crashwalk Authors
// SPDX-License-Identifier: Apache-2.0

package stackwalk // import "github.com/crashwalk/crashwalk/stackwalk"

import (
	"github.com/crashwalk/crashwalk/libpm"
	"github.com/crashwalk/crashwalk/snapshot"
)

// Standard RISC-V calls are 4 bytes; compressed calls exist but the wider
// encoding keeps the lookup inside the call's source line.
const riscvPreCallSize = 4

var riscvRegNames = []string{
	"pc", "ra", "sp", "fp",
	"s1", "s2", "s3", "s4", "s5", "s6", "s7", "s8", "s9", "s10", "s11",
}

// fp (s0) and s1 through s11 are callee-saves in the RISC-V psABI.
var riscvCalleeSaves = map[string]bool{
	"fp": true, "s1": true, "s2": true, "s3": true, "s4": true,
	"s5": true, "s6": true, "s7": true, "s8": true, "s9": true,
	"s10": true, "s11": true,
}

type walkerRISCV struct {
	walkerBase
}

func (w *walkerRISCV) ContextFrame() *StackFrame {
	return w.contextFrame()
}

func (w *walkerRISCV) CallerFrame(stack *CallStack, allowScan bool) *StackFrame {
	callee := stack.lastPhysicalFrame()
	if callee == nil {
		return nil
	}

	if ctx := w.cfiUnwind(callee, riscvRegNames, riscvCalleeSaves); ctx != nil {
		frame := &StackFrame{Trust: TrustCFI, Context: ctx}
		if done := w.finishFrame(frame, callee, riscvPreCallSize); done != nil {
			return done
		}
	}

	if frame := w.framePointerUnwind(callee); frame != nil {
		if done := w.finishFrame(frame, callee, riscvPreCallSize); done != nil {
			return done
		}
	}

	return w.finishFrame(w.scanFrame(callee, allowScan), callee,
		riscvPreCallSize)
}

// framePointerUnwind follows the fp chain: the callee's frame record
// stores the return address at [fp-8] and the caller's fp at [fp-16];
// the caller's sp is the callee's fp.
func (w *walkerRISCV) framePointerUnwind(callee *StackFrame) *StackFrame {
	fp, ok := callee.Context.Get("fp")
	if !ok || fp < 16 {
		return nil
	}
	ra, err := w.memory.ReadUint64(libpm.Address(fp - 8))
	if err != nil {
		return nil
	}
	callerFP, err := w.memory.ReadUint64(libpm.Address(fp - 16))
	if err != nil {
		return nil
	}

	ctx := snapshot.NewCPUContext(snapshot.ArchRISCV64)
	ctx.Set("pc", ra)
	ctx.Set("ra", ra)
	ctx.Set("sp", fp)
	ctx.Set("fp", callerFP)
	return &StackFrame{Trust: TrustFP, Context: ctx}
}
