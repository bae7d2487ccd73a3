// Copyright The Crashwalk Authors
// SPDX-License-Identifier: Apache-2.0

package stackwalk // import "github.com/crashwalk/crashwalk/stackwalk"

import (
	"github.com/crashwalk/crashwalk/cfi"
	"github.com/crashwalk/crashwalk/internal/log"
	"github.com/crashwalk/crashwalk/libpm"
	"github.com/crashwalk/crashwalk/snapshot"
)

const x86PreCallSize = 1

var x86RegNames = []string{
	"$eax", "$ecx", "$edx", "$ebx", "$esi", "$edi", "$ebp", "$esp", "$eip",
}

var x86CalleeSaves = map[string]bool{
	"$ebx": true, "$esi": true, "$edi": true, "$ebp": true,
}

type walkerX86 struct {
	walkerBase
}

func (w *walkerX86) ContextFrame() *StackFrame {
	return w.contextFrame()
}

func (w *walkerX86) CallerFrame(stack *CallStack, allowScan bool) *StackFrame {
	callee := stack.lastPhysicalFrame()
	if callee == nil {
		return nil
	}

	// Windows frame info takes priority on x86: when present it is more
	// precise than DWARF CFI emitted for the same range.
	if callee.Module != nil {
		if winInfo := w.resolver.FindWindowsFrameInfo(callee.Module,
			callee.Instruction); winInfo != nil {
			if frame := w.windowsUnwind(callee, winInfo); frame != nil {
				if done := w.finishFrame(frame, callee, x86PreCallSize); done != nil {
					return done
				}
			}
		}
	}

	if ctx := w.cfiUnwind(callee, x86RegNames, x86CalleeSaves); ctx != nil {
		frame := &StackFrame{Trust: TrustCFI, Context: ctx}
		if done := w.finishFrame(frame, callee, x86PreCallSize); done != nil {
			return done
		}
	}

	if frame := w.framePointerUnwind(callee); frame != nil {
		if done := w.finishFrame(frame, callee, x86PreCallSize); done != nil {
			return done
		}
	}

	return w.finishFrame(w.scanFrame(callee, allowScan), callee, x86PreCallSize)
}

// windowsUnwind recovers the caller from STACK WIN data. FrameData
// records run their recovery program; FPO records that leave %ebp as a
// frame pointer unwind like a conventional frame.
func (w *walkerX86) windowsUnwind(callee *StackFrame,
	info *cfi.WindowsFrameInfo) *StackFrame {
	esp, okSP := callee.Context.Get("$esp")
	if !okSP {
		return nil
	}

	if info.HasProgramString() {
		dict := map[string]uint64{
			".cbParams":    uint64(info.ParameterSize),
			".cbSavedRegs": uint64(info.SavedRegisterSize),
			".cbLocals":    uint64(info.LocalSize),
		}
		if ebp, ok := callee.Context.Get("$ebp"); ok {
			dict["$ebp"] = ebp
		}
		dict["$esp"] = esp
		// Seed the return-address search base for programs that walk the
		// stack: above the callee's locals and saved registers, plus the
		// parameters it passed.
		dict[".raSearchStart"] = esp + callee.ParameterSize +
			uint64(info.SavedRegisterSize) + uint64(info.LocalSize)
		dict[".cbCalleeParams"] = callee.ParameterSize

		if err := cfi.EvalProgram(info.ProgramString, dict,
			cfiMemory{mem: w.memory, arch: snapshot.ArchX86}); err != nil {
			log.Debugf("STACK WIN program failed at %s: %v",
				callee.Instruction, err)
			return nil
		}
		eip, okPC := dict["$eip"]
		newESP, okESP := dict["$esp"]
		if !okPC || !okESP {
			return nil
		}
		ctx := snapshot.NewCPUContext(snapshot.ArchX86)
		ctx.Set("$eip", eip)
		ctx.Set("$esp", newESP)
		if ebp, ok := dict["$ebp"]; ok {
			ctx.Set("$ebp", ebp)
		}
		if ebx, ok := dict["$ebx"]; ok {
			ctx.Set("$ebx", ebx)
		}
		return &StackFrame{Trust: TrustCFI, Context: ctx}
	}

	if info.Type == cfi.WindowsFrameFPO && info.AllocatesBasePointer {
		// %ebp was reused as a scratch register; nothing to chain through.
		return nil
	}
	frame := w.framePointerUnwind(callee)
	if frame != nil {
		// The frame info vouches for %ebp being a real frame pointer.
		frame.Trust = TrustCFI
	}
	return frame
}

// framePointerUnwind follows the conventional %ebp chain.
func (w *walkerX86) framePointerUnwind(callee *StackFrame) *StackFrame {
	ebp, ok := callee.Context.Get("$ebp")
	if !ok || ebp == 0 {
		return nil
	}
	esp, ok := callee.Context.Get("$esp")
	if !ok || ebp < esp {
		return nil
	}
	callerEBP, err := w.memory.ReadUint32(libpm.Address(ebp))
	if err != nil {
		return nil
	}
	callerEIP, err := w.memory.ReadUint32(libpm.Address(ebp + 4))
	if err != nil {
		return nil
	}

	ctx := snapshot.NewCPUContext(snapshot.ArchX86)
	ctx.Set("$ebp", uint64(callerEBP))
	ctx.Set("$esp", ebp+8)
	ctx.Set("$eip", uint64(callerEIP))
	return &StackFrame{Trust: TrustFP, Context: ctx}
}
