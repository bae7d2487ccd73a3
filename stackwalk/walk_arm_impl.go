// Copyright The Crashwalk Authors
// SPDX-License-Identifier: Apache-2.0

package stackwalk // import "github.com/crashwalk/crashwalk/stackwalk"

import (
	"github.com/crashwalk/crashwalk/libpm"
	"github.com/crashwalk/crashwalk/snapshot"
)

var armRegNames = []string{
	"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// r4 through r11 are callee-saves under the AAPCS.
var armCalleeSaves = map[string]bool{
	"r4": true, "r5": true, "r6": true, "r7": true,
	"r8": true, "r9": true, "r10": true, "r11": true,
}

type walkerARM struct {
	walkerBase
}

func (w *walkerARM) ContextFrame() *StackFrame {
	frame := w.contextFrame()
	// r15 is the PC; module lookup must ignore the Thumb bit.
	if pc, ok := frame.Context.Get("r15"); ok && pc&1 != 0 {
		frame.Instruction = libpm.Address(pc &^ 1)
		frame.Module = w.modules.ModuleForAddress(frame.Instruction)
	}
	return frame
}

// armPreCallSize picks the branch width from the Thumb bit of the
// recovered return address, clearing the bit from the context.
func armPreCallSize(ctx *snapshot.CPUContext) uint64 {
	pc, ok := ctx.Get("r15")
	if !ok {
		return 4
	}
	if pc&1 != 0 {
		ctx.Set("r15", pc&^1)
		return 2
	}
	return 4
}

func (w *walkerARM) CallerFrame(stack *CallStack, allowScan bool) *StackFrame {
	callee := stack.lastPhysicalFrame()
	if callee == nil {
		return nil
	}

	if ctx := w.cfiUnwind(callee, armRegNames, armCalleeSaves); ctx != nil {
		size := armPreCallSize(ctx)
		frame := &StackFrame{Trust: TrustCFI, Context: ctx}
		if done := w.finishFrame(frame, callee, size); done != nil {
			return done
		}
	}

	if frame := w.framePointerUnwind(callee); frame != nil {
		size := armPreCallSize(frame.Context)
		if done := w.finishFrame(frame, callee, size); done != nil {
			return done
		}
	}

	if frame := w.scanFrame(callee, allowScan); frame != nil {
		size := armPreCallSize(frame.Context)
		return w.finishFrame(frame, callee, size)
	}
	return nil
}

// framePointerUnwind follows the r11 chain: saved r11 at [fp], saved r14
// at [fp+4]; the caller resumed at the callee's r14.
func (w *walkerARM) framePointerUnwind(callee *StackFrame) *StackFrame {
	fp, ok := callee.Context.Get("r11")
	if !ok || fp == 0 {
		return nil
	}
	lr, ok := callee.Context.Get("r14")
	if !ok {
		return nil
	}
	callerFP, err := w.memory.ReadUint32(libpm.Address(fp))
	if err != nil {
		return nil
	}
	callerLR, err := w.memory.ReadUint32(libpm.Address(fp + 4))
	if err != nil {
		return nil
	}

	ctx := snapshot.NewCPUContext(snapshot.ArchARM)
	ctx.Set("r11", uint64(callerFP))
	ctx.Set("r14", uint64(callerLR))
	ctx.Set("r13", fp+8)
	ctx.Set("r15", lr)
	return &StackFrame{Trust: TrustFP, Context: ctx}
}
