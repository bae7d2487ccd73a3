// Copyright The Crashwalk Authors
// SPDX-License-Identifier: Apache-2.0

package stackwalk // import "github.com/crashwalk/crashwalk/stackwalk"

import (
	"github.com/crashwalk/crashwalk/snapshot"
)

// MIPS instructions are 4 bytes wide.
const mipsPreCallSize = 4

var mipsRegNames = []string{
	"$s0", "$s1", "$s2", "$s3", "$s4", "$s5", "$s6", "$s7",
	"$gp", "$sp", "$fp", "$ra", "$pc",
}

// $s0 through $s7, $gp, $sp and $fp survive calls under the o32/n64 ABIs.
var mipsCalleeSaves = map[string]bool{
	"$s0": true, "$s1": true, "$s2": true, "$s3": true,
	"$s4": true, "$s5": true, "$s6": true, "$s7": true,
	"$gp": true, "$sp": true, "$fp": true,
}

// walkerMIPS has no reliable frame-pointer chain: CFI is the primary
// strategy, the link register covers the first unwind out of a leaf, and
// scanning is the last resort.
type walkerMIPS struct {
	walkerBase
}

func (w *walkerMIPS) ContextFrame() *StackFrame {
	return w.contextFrame()
}

func (w *walkerMIPS) CallerFrame(stack *CallStack, allowScan bool) *StackFrame {
	callee := stack.lastPhysicalFrame()
	if callee == nil {
		return nil
	}

	if ctx := w.cfiUnwind(callee, mipsRegNames, mipsCalleeSaves); ctx != nil {
		frame := &StackFrame{Trust: TrustCFI, Context: ctx}
		if done := w.finishFrame(frame, callee, mipsPreCallSize); done != nil {
			return done
		}
	}

	if callee.Trust == TrustContext {
		if frame := w.linkRegisterUnwind(callee); frame != nil {
			if done := w.finishFrame(frame, callee, mipsPreCallSize); done != nil {
				return done
			}
		}
	}

	return w.finishFrame(w.scanFrame(callee, allowScan), callee,
		mipsPreCallSize)
}

// linkRegisterUnwind assumes the crash happened in a leaf that had not
// yet saved $ra.
func (w *walkerMIPS) linkRegisterUnwind(callee *StackFrame) *StackFrame {
	ra, ok := callee.Context.Get("$ra")
	if !ok || ra == 0 {
		return nil
	}
	sp, ok := callee.Context.Get("$sp")
	if !ok {
		return nil
	}
	ctx := snapshot.NewCPUContext(w.arch())
	ctx.Set("$pc", ra)
	ctx.Set("$sp", sp)
	return &StackFrame{Trust: TrustFP, Context: ctx}
}
