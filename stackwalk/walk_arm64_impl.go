// Copyright The Crashwalk Authors
// SPDX-License-Identifier: Apache-2.0

package stackwalk // import "github.com/crashwalk/crashwalk/stackwalk"

import (
	"github.com/crashwalk/crashwalk/internal/log"
	"github.com/crashwalk/crashwalk/libpm"
	"github.com/crashwalk/crashwalk/snapshot"
)

// arm64 instructions have a uniform 4-byte encoding.
const arm64PreCallSize = 4

var arm64RegNames = func() []string {
	names := make([]string, 0, 33)
	for i := 0; i <= 30; i++ {
		names = append(names, arm64XReg(i))
	}
	return append(names, "sp", "pc")
}()

func arm64XReg(i int) string {
	const digits = "0123456789"
	if i < 10 {
		return "x" + digits[i:i+1]
	}
	return "x" + digits[i/10:i/10+1] + digits[i%10:i%10+1]
}

// x19 through x29 are callee-saves per the AArch64 procedure call
// standard.
var arm64CalleeSaves = func() map[string]bool {
	saves := make(map[string]bool)
	for i := 19; i <= 29; i++ {
		saves[arm64XReg(i)] = true
	}
	return saves
}()

type walkerARM64 struct {
	walkerBase
	// ptrauthMask covers the bits of a code pointer that can carry a
	// pointer-authentication signature, derived from the highest loaded
	// module address.
	ptrauthMask uint64
}

func newWalkerARM64(base walkerBase) *walkerARM64 {
	w := &walkerARM64{walkerBase: base, ptrauthMask: ^uint64(0)}
	if base.modules != nil && base.modules.Len() > 0 {
		w.ptrauthMask = base.modules.PointerAuthMask()
	}
	return w
}

// ptrauthStrip removes pointer-authentication bits when the stripped
// value lands inside a known module; otherwise the original value is
// kept.
func (w *walkerARM64) ptrauthStrip(ptr uint64) uint64 {
	stripped := ptr & w.ptrauthMask
	if w.modules != nil &&
		w.modules.ModuleForAddress(libpm.Address(stripped)) != nil {
		return stripped
	}
	return ptr
}

func (w *walkerARM64) ContextFrame() *StackFrame {
	frame := w.contextFrame()
	if lr, ok := frame.Context.Get("x30"); ok {
		frame.Context.Set("x30", w.ptrauthStrip(lr))
	}
	return frame
}

func (w *walkerARM64) CallerFrame(stack *CallStack, allowScan bool) *StackFrame {
	callee := stack.lastPhysicalFrame()
	if callee == nil {
		return nil
	}

	if ctx := w.cfiUnwind(callee, arm64RegNames, arm64CalleeSaves); ctx != nil {
		if pc, ok := ctx.Get("pc"); ok {
			ctx.Set("pc", w.ptrauthStrip(pc))
		}
		frame := &StackFrame{Trust: TrustCFI, Context: ctx}
		if done := w.finishFrame(frame, callee, arm64PreCallSize); done != nil {
			return done
		}
	}

	if frame := w.framePointerUnwind(stack, callee); frame != nil {
		if done := w.finishFrame(frame, callee, arm64PreCallSize); done != nil {
			return done
		}
	}

	return w.finishFrame(w.scanFrame(callee, allowScan), callee,
		arm64PreCallSize)
}

// framePointerUnwind follows the x29 chain: the caller's frame record
// holds the saved x29 at [fp] and the saved x30 at [fp+8]; the caller's
// SP is the word above the record.
func (w *walkerARM64) framePointerUnwind(stack *CallStack,
	callee *StackFrame) *StackFrame {
	if !callee.Context.Valid("x30") {
		w.correctLRByFramePointer(stack, callee)
	}

	fp, _ := callee.Context.Get("x29")

	var callerFP, callerLR uint64
	var err error
	if fp != 0 {
		if callerFP, err = w.memory.ReadUint64(libpm.Address(fp)); err != nil {
			log.Debugf("unable to read caller fp at %#x: %v", fp, err)
			return nil
		}
		if callerLR, err = w.memory.ReadUint64(libpm.Address(fp + 8)); err != nil {
			log.Debugf("unable to read caller lr at %#x: %v", fp+8, err)
			return nil
		}
	}
	callerLR = w.ptrauthStrip(callerLR)

	callerSP := fp + 16
	if fp == 0 {
		callerSP, _ = callee.Context.SP()
	}

	lr, _ := callee.Context.Get("x30")
	ctx := snapshot.NewCPUContext(snapshot.ArchARM64)
	ctx.Set("x29", callerFP)
	ctx.Set("x30", callerLR)
	ctx.Set("sp", callerSP)
	ctx.Set("pc", lr)
	return &StackFrame{Trust: TrustFP, Context: ctx}
}

// correctLRByFramePointer recomputes the callee frame's link register
// through its own callee's frame record when CFI could not recover it.
// The correction only applies when the frame-pointer chain agrees with
// the CFI-recovered x29.
func (w *walkerARM64) correctLRByFramePointer(stack *CallStack,
	callee *StackFrame) {
	fp, _ := callee.Context.Get("x29")
	sp, _ := callee.Context.SP()
	if len(stack.Frames) < 2 || fp <= sp {
		return
	}

	// The callee's callee: skip synthetic inline frames, then skip the
	// callee frame itself.
	var prior *StackFrame
	seenCallee := false
	for i := len(stack.Frames) - 1; i >= 0; i-- {
		if stack.Frames[i].Trust == TrustInline {
			continue
		}
		if !seenCallee {
			seenCallee = stack.Frames[i] == callee
			continue
		}
		prior = stack.Frames[i]
		break
	}
	if prior == nil {
		return
	}

	priorFP, ok := prior.Context.Get("x29")
	if !ok || priorFP == 0 {
		return
	}
	chainedFP, err := w.memory.ReadUint64(libpm.Address(priorFP))
	if err != nil || chainedFP != fp {
		return
	}
	lr, err := w.memory.ReadUint64(libpm.Address(priorFP + 8))
	if err != nil {
		log.Debugf("unable to read corrected lr at %#x: %v", priorFP+8, err)
		return
	}
	callee.Context.Set("x30", w.ptrauthStrip(lr))
}
