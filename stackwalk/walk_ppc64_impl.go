// Copyright The Crashwalk Authors
// SPDX-License-Identifier: Apache-2.0

package stackwalk // import "github.com/crashwalk/crashwalk/stackwalk"

import (
	"github.com/crashwalk/crashwalk/libpm"
	"github.com/crashwalk/crashwalk/snapshot"
)

// walkerPPC unwinds PowerPC stacks through the back chain. There is no
// hardware stack: the called procedure saves the old r1 at 0(r1) when it
// allocates its own frame, and stores the caller's return address in the
// caller's frame at a fixed offset from the chained r1.
type walkerPPC struct {
	walkerBase
}

var ppcRegNames = []string{"r1", "lr", "srr0"}

// lrSaveOffset returns the offset of the LR save word within a stack
// frame: 16 bytes under the ELFv2 ppc64 ABI, 8 on 32-bit PowerPC.
func (w *walkerPPC) lrSaveOffset() uint64 {
	if w.arch() == snapshot.ArchPPC64 {
		return 16
	}
	return 8
}

func (w *walkerPPC) preCallSize() uint64 {
	if w.arch() == snapshot.ArchPPC64 {
		return 8
	}
	return 4
}

func (w *walkerPPC) ContextFrame() *StackFrame {
	return w.contextFrame()
}

func (w *walkerPPC) CallerFrame(stack *CallStack, allowScan bool) *StackFrame {
	callee := stack.lastPhysicalFrame()
	if callee == nil {
		return nil
	}

	if ctx := w.cfiUnwind(callee, ppcRegNames, nil); ctx != nil {
		frame := &StackFrame{Trust: TrustCFI, Context: ctx}
		if done := w.finishFrame(frame, callee, w.preCallSize()); done != nil {
			return done
		}
	}

	if frame := w.backChainUnwind(callee); frame != nil {
		if done := w.finishFrame(frame, callee, w.preCallSize()); done != nil {
			return done
		}
	}

	return w.finishFrame(w.scanFrame(callee, allowScan), callee,
		w.preCallSize())
}

// backChainUnwind reads the chained stack pointer at [r1] and the return
// address saved in the caller's frame. A caller frame must reside higher
// in memory than its callee; return addresses of 0 or 1 mark a thread's
// entry point.
func (w *walkerPPC) backChainUnwind(callee *StackFrame) *StackFrame {
	sp, ok := callee.Context.Get("r1")
	if !ok {
		return nil
	}
	chainedSP, err := w.memory.ReadPointer(w.arch(), libpm.Address(sp))
	if err != nil || chainedSP <= sp {
		return nil
	}
	ra, err := w.memory.ReadPointer(w.arch(),
		libpm.Address(chainedSP+w.lrSaveOffset()))
	if err != nil || ra <= 1 {
		return nil
	}

	ctx := snapshot.NewCPUContext(w.arch())
	ctx.Set("r1", chainedSP)
	ctx.Set("srr0", ra)
	return &StackFrame{Trust: TrustFP, Context: ctx}
}
