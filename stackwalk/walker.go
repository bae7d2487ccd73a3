// Copyright The Crashwalk Authors
// SPDX-License-Identifier: Apache-2.0

package stackwalk // import "github.com/crashwalk/crashwalk/stackwalk"

import (
	"errors"
	"fmt"

	"github.com/crashwalk/crashwalk/internal/log"
	"github.com/crashwalk/crashwalk/libpm"
	"github.com/crashwalk/crashwalk/snapshot"
	"github.com/crashwalk/crashwalk/symfile"
)

// Config tunes a stack walk.
type Config struct {
	// MaxFrames bounds the walk, including inline frames. Defaults to
	// DefaultMaxFrames when zero.
	MaxFrames int

	// AllowScanAfterScan permits a scan-based unwind directly after a
	// frame that was itself found by scanning. Off by default: two
	// consecutive guesses compound badly.
	AllowScanAfterScan bool

	// ScanWords overrides the number of stack words inspected during a
	// scan. Defaults to DefaultScanWords (context frames search a longer
	// window).
	ScanWords int

	// Prewalked holds caller frames recovered by an earlier walk of the
	// same thread, e.g. a client-side unwind performed at capture time.
	// They are consumed in order, ahead of fresh CFI evaluation, as long
	// as their stack pointers keep increasing.
	Prewalked []PrewalkedFrame
}

// PrewalkedFrame is one externally recovered caller: the exact return
// address and the caller's stack pointer.
type PrewalkedFrame struct {
	PC uint64
	SP uint64
}

// DefaultMaxFrames bounds pathological stacks.
const DefaultMaxFrames = 1024

// Default scan windows, in machine words.
const (
	DefaultScanWords        = 30
	defaultContextScanWords = 40
)

// Walker recovers caller frames for one architecture.
type Walker interface {
	// ContextFrame builds the frame for the crash context itself.
	ContextFrame() *StackFrame

	// CallerFrame recovers the caller of the most recent physical frame,
	// or nil when the walk terminates. allowScan gates the stack-scan
	// fallback.
	CallerFrame(stack *CallStack, allowScan bool) *StackFrame
}

// ErrUnsupportedArch is returned for architectures without a walker.
var ErrUnsupportedArch = errors.New("no stack walker for architecture")

// NewWalker selects the architecture walker for the snapshot's CPU.
func NewWalker(info *snapshot.SystemInfo, context *snapshot.CPUContext,
	memory *snapshot.MemoryRegion, modules *snapshot.CodeModules,
	resolver *symfile.Resolver, cfg Config) (Walker, error) {
	base := newWalkerBase(info, context, memory, modules, resolver, cfg)
	switch info.Arch {
	case snapshot.ArchX86:
		return &walkerX86{walkerBase: base}, nil
	case snapshot.ArchAMD64:
		return &walkerAMD64{walkerBase: base}, nil
	case snapshot.ArchARM:
		return &walkerARM{walkerBase: base}, nil
	case snapshot.ArchARM64:
		return newWalkerARM64(base), nil
	case snapshot.ArchPPC, snapshot.ArchPPC64:
		return &walkerPPC{walkerBase: base}, nil
	case snapshot.ArchMIPS, snapshot.ArchMIPS64:
		return &walkerMIPS{walkerBase: base}, nil
	case snapshot.ArchRISCV64:
		return &walkerRISCV{walkerBase: base}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedArch, info.Arch)
	}
}

// walkerBase carries the state and strategy helpers shared by all
// architecture walkers.
type walkerBase struct {
	info     *snapshot.SystemInfo
	context  *snapshot.CPUContext
	memory   *snapshot.MemoryRegion
	modules  *snapshot.CodeModules
	resolver *symfile.Resolver
	cfg      Config
}

func newWalkerBase(info *snapshot.SystemInfo, context *snapshot.CPUContext,
	memory *snapshot.MemoryRegion, modules *snapshot.CodeModules,
	resolver *symfile.Resolver, cfg Config) walkerBase {
	if cfg.MaxFrames <= 0 {
		cfg.MaxFrames = DefaultMaxFrames
	}
	if cfg.ScanWords <= 0 {
		cfg.ScanWords = DefaultScanWords
	}
	return walkerBase{
		info:     info,
		context:  context,
		memory:   memory,
		modules:  modules,
		resolver: resolver,
		cfg:      cfg,
	}
}

func (w *walkerBase) arch() snapshot.CPUArch {
	return w.info.Arch
}

// contextFrame builds the common part of every architecture's context
// frame.
func (w *walkerBase) contextFrame() *StackFrame {
	ctx := w.context.Clone()
	pc, _ := ctx.PC()
	return &StackFrame{
		Instruction: libpm.Address(pc),
		Module:      w.modules.ModuleForAddress(libpm.Address(pc)),
		Trust:       TrustContext,
		Context:     ctx,
	}
}

// terminateWalk enforces the walk invariants: the caller's SP must lie
// within the stack region and strictly above the callee's (the very first
// unwind from the context frame tolerates an equal SP for leaf functions),
// and the recovered PC must be nonzero.
func (w *walkerBase) terminateWalk(callerPC, callerSP, calleeSP uint64,
	firstUnwind bool) bool {
	if callerPC == 0 {
		return true
	}
	if firstUnwind {
		if callerSP < calleeSP {
			return true
		}
	} else if callerSP <= calleeSP {
		return true
	}
	if !w.memory.Contains(libpm.Address(callerSP), 0) {
		return true
	}
	return false
}

// finishFrame applies the termination invariants and the pre-call
// instruction adjustment shared by all architectures. Returns nil when
// the walk must stop.
func (w *walkerBase) finishFrame(frame *StackFrame, callee *StackFrame,
	preCallSize uint64) *StackFrame {
	if frame == nil {
		return nil
	}
	callerPC, _ := frame.Context.PC()
	callerSP, _ := frame.Context.SP()
	calleeSP, _ := callee.Context.SP()
	if w.terminateWalk(callerPC, callerSP, calleeSP,
		callee.Trust == TrustContext) {
		return nil
	}
	if frame.Trust == TrustScan &&
		w.modules.ModuleForAddress(libpm.Address(callerPC)) == nil {
		return nil
	}
	frame.ReturnAddress = libpm.Address(callerPC)
	frame.Instruction = libpm.Address(callerPC - preCallSize)
	frame.Module = w.modules.ModuleForAddress(frame.Instruction)
	return frame
}

// cfiMemory adapts the stack region to the CFI engine's word reads.
type cfiMemory struct {
	mem  *snapshot.MemoryRegion
	arch snapshot.CPUArch
}

func (c cfiMemory) ReadWord(addr uint64) (uint64, error) {
	return c.mem.ReadPointer(c.arch, libpm.Address(addr))
}

// cfiUnwind recovers a caller context by evaluating the CFI rules covering
// the callee's instruction. regNames lists the architecture's register
// names as they appear in CFI rules; calleeSaves names registers the
// callee must preserve, which are carried over when no rule mentions them.
func (w *walkerBase) cfiUnwind(callee *StackFrame, regNames []string,
	calleeSaves map[string]bool) *snapshot.CPUContext {
	if callee.Module == nil {
		return nil
	}
	frameInfo := w.resolver.FindCFIFrameInfo(callee.Module, callee.Instruction)
	if frameInfo == nil {
		return nil
	}
	caller, err := frameInfo.FindCallerRegs(callee.Context.Snapshot(),
		cfiMemory{mem: w.memory, arch: w.arch()})
	if err != nil {
		log.Debugf("CFI unwind at %s failed: %v", callee.Instruction, err)
		return nil
	}

	ctx := snapshot.NewCPUContext(w.arch())
	for _, reg := range regNames {
		if value, ok := caller[reg]; ok {
			ctx.Set(reg, value)
		} else if calleeSaves[reg] {
			if value, ok := callee.Context.Get(reg); ok {
				ctx.Set(reg, value)
			}
		}
	}
	if _, ok := ctx.PC(); !ok {
		if ra, ok := caller[".ra"]; ok {
			ctx.SetPC(ra)
		}
	}
	if _, ok := ctx.SP(); !ok {
		if cfa, ok := caller[".cfa"]; ok {
			ctx.SetSP(cfa)
		}
	}
	if _, ok := ctx.PC(); !ok {
		return nil
	}
	if _, ok := ctx.SP(); !ok {
		return nil
	}
	return ctx
}

// WalkStack runs the full walk for one thread: context frame first, then
// callers until a strategy fails or an invariant stops the walk. Each
// frame is symbolized and inline frames are inserted before their
// enclosing physical frame, innermost first.
func WalkStack(info *snapshot.SystemInfo, context *snapshot.CPUContext,
	memory *snapshot.MemoryRegion, modules *snapshot.CodeModules,
	resolver *symfile.Resolver, cfg Config) (*CallStack, error) {
	walker, err := NewWalker(info, context, memory, modules, resolver, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.MaxFrames <= 0 {
		cfg.MaxFrames = DefaultMaxFrames
	}

	stack := &CallStack{}
	frame := walker.ContextFrame()
	if frame == nil {
		return nil, errors.New("no context frame")
	}
	appendSymbolized(stack, frame, resolver)

	prewalked := cfg.Prewalked
	for len(stack.Frames) < cfg.MaxFrames {
		callee := stack.lastPhysicalFrame()

		var caller *StackFrame
		if len(prewalked) > 0 {
			caller = prewalkedFrame(prewalked[0], callee, info.Arch, modules)
			prewalked = prewalked[1:]
		}
		if caller == nil {
			allowScan := cfg.AllowScanAfterScan || callee.Trust != TrustScan
			caller = walker.CallerFrame(stack, allowScan)
		}
		if caller == nil {
			break
		}
		appendSymbolized(stack, caller, resolver)
	}
	if len(stack.Frames) >= cfg.MaxFrames {
		log.Warnf("stack walk hit frame limit (%d)", cfg.MaxFrames)
	}
	return stack, nil
}

// archPreCallSize is the controller-level pre-call step for frames that
// did not go through an architecture walker. ARM Thumb refinement only
// happens inside the ARM walker.
func archPreCallSize(arch snapshot.CPUArch) uint64 {
	switch arch {
	case snapshot.ArchX86, snapshot.ArchAMD64:
		return 1
	case snapshot.ArchPPC64:
		return 8
	default:
		return 4
	}
}

// prewalkedFrame turns an externally recovered caller into a frame,
// provided it keeps the walk invariants: nonzero PC, increasing SP.
func prewalkedFrame(pf PrewalkedFrame, callee *StackFrame,
	arch snapshot.CPUArch, modules *snapshot.CodeModules) *StackFrame {
	calleeSP, ok := callee.Context.SP()
	if pf.PC == 0 || !ok || pf.SP <= calleeSP {
		return nil
	}
	ctx := snapshot.NewCPUContext(arch)
	ctx.SetPC(pf.PC)
	ctx.SetSP(pf.SP)
	instruction := libpm.Address(pf.PC - archPreCallSize(arch))
	return &StackFrame{
		Instruction:   instruction,
		ReturnAddress: libpm.Address(pf.PC),
		Module:        modules.ModuleForAddress(instruction),
		Trust:         TrustPrewalked,
		Context:       ctx,
	}
}

// appendSymbolized fills source info for a physical frame and inserts the
// inline-expansion chain, innermost first, before it.
func appendSymbolized(stack *CallStack, frame *StackFrame,
	resolver *symfile.Resolver) {
	if frame.Module == nil || !resolver.HasModule(frame.Module) {
		stack.FramesMissingSymbols++
		stack.Frames = append(stack.Frames, frame)
		return
	}
	info, inlines, ok := resolver.LookupSource(frame.Module, frame.Instruction)
	if !ok {
		stack.FramesMissingSymbols++
		stack.Frames = append(stack.Frames, frame)
		return
	}
	frame.FunctionName = info.FunctionName
	frame.FunctionBase = info.FunctionBase
	frame.ParameterSize = info.ParameterSize
	frame.IsMultiple = info.IsMultiple
	frame.SourceFile = info.SourceFile
	frame.SourceLine = info.SourceLine
	frame.SourceLineBase = info.SourceLineBase

	// The innermost inline frame owns the line-table position; every
	// enclosing frame is shown at the call site of the frame nested
	// within it.
	for i, inline := range inlines {
		synthetic := &StackFrame{
			Instruction:  frame.Instruction,
			Module:       frame.Module,
			FunctionName: inline.Name,
			FunctionBase: inline.Base,
			Trust:        TrustInline,
			Context:      frame.Context,
		}
		if i == 0 {
			synthetic.SourceFile = info.SourceFile
			synthetic.SourceLine = info.SourceLine
			synthetic.SourceLineBase = info.SourceLineBase
		} else {
			synthetic.SourceFile = inlines[i-1].CallFile
			synthetic.SourceLine = inlines[i-1].CallLine
		}
		stack.Frames = append(stack.Frames, synthetic)
	}
	if len(inlines) > 0 {
		outermost := inlines[len(inlines)-1]
		frame.SourceFile = outermost.CallFile
		frame.SourceLine = outermost.CallLine
	}
	stack.Frames = append(stack.Frames, frame)
}
