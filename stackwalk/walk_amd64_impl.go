// Copyright The Crashwalk Authors
// SPDX-License-Identifier: Apache-2.0

package stackwalk // import "github.com/crashwalk/crashwalk/stackwalk"

import (
	"github.com/crashwalk/crashwalk/libpm"
	"github.com/crashwalk/crashwalk/snapshot"
)

// amd64 CALL pushes the 8-byte return address; the minimum CALL encoding
// is considered when stepping back to the call site.
const amd64PreCallSize = 1

var amd64RegNames = []string{
	"$rax", "$rdx", "$rcx", "$rbx", "$rsi", "$rdi", "$rbp", "$rsp",
	"$r8", "$r9", "$r10", "$r11", "$r12", "$r13", "$r14", "$r15", "$rip",
}

var amd64CalleeSaves = map[string]bool{
	"$rbx": true, "$rbp": true, "$r12": true, "$r13": true,
	"$r14": true, "$r15": true,
}

type walkerAMD64 struct {
	walkerBase
}

func (w *walkerAMD64) ContextFrame() *StackFrame {
	return w.contextFrame()
}

func (w *walkerAMD64) CallerFrame(stack *CallStack, allowScan bool) *StackFrame {
	callee := stack.lastPhysicalFrame()
	if callee == nil {
		return nil
	}

	if ctx := w.cfiUnwind(callee, amd64RegNames, amd64CalleeSaves); ctx != nil {
		frame := &StackFrame{Trust: TrustCFI, Context: ctx}
		if done := w.finishFrame(frame, callee, amd64PreCallSize); done != nil {
			return done
		}
	}

	if frame := w.framePointerUnwind(callee); frame != nil {
		if done := w.finishFrame(frame, callee, amd64PreCallSize); done != nil {
			return done
		}
	}

	return w.finishFrame(w.scanFrame(callee, allowScan), callee, amd64PreCallSize)
}

// framePointerUnwind follows the %rbp chain: the saved caller %rbp lives
// at [%rbp], the return address at [%rbp+8], and the caller's %rsp is
// %rbp+16. Only attempted when %rbp plausibly points into the stack above
// the callee's %rsp.
func (w *walkerAMD64) framePointerUnwind(callee *StackFrame) *StackFrame {
	rbp, ok := callee.Context.Get("$rbp")
	if !ok || rbp == 0 {
		return nil
	}
	rsp, ok := callee.Context.Get("$rsp")
	if !ok || rbp < rsp {
		return nil
	}
	callerRBP, err := w.memory.ReadUint64(libpm.Address(rbp))
	if err != nil {
		return nil
	}
	callerRIP, err := w.memory.ReadUint64(libpm.Address(rbp + 8))
	if err != nil {
		return nil
	}

	ctx := snapshot.NewCPUContext(snapshot.ArchAMD64)
	ctx.Set("$rbp", callerRBP)
	ctx.Set("$rsp", rbp+16)
	ctx.Set("$rip", callerRIP)
	return &StackFrame{Trust: TrustFP, Context: ctx}
}
