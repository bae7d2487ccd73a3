// Copyright The Crashwalk Authors
// SPDX-License-Identifier: Apache-2.0

// Package stackwalk reconstructs symbolic call stacks from a crashed
// thread's register context and stack memory. One walker exists per
// architecture; each recovers the caller frame from the current frame
// using, in priority order, CFI evaluation, the frame-pointer chain and
// heuristic stack scanning. The controller iterates the walker across a
// thread and expands inline-expansion chains into synthetic frames.
package stackwalk // import "github.com/crashwalk/crashwalk/stackwalk"

import (
	"github.com/crashwalk/crashwalk/libpm"
	"github.com/crashwalk/crashwalk/snapshot"
)

// FrameTrust labels how a frame was recovered. Higher values are more
// trustworthy.
type FrameTrust uint8

const (
	// TrustNone marks an unrecovered frame.
	TrustNone FrameTrust = iota
	// TrustInline marks a synthetic frame for an inlined call.
	TrustInline
	// TrustScan means the return address was found by scanning the stack.
	TrustScan
	// TrustFP means the frame was recovered through the frame-pointer chain.
	TrustFP
	// TrustCFI means the frame was recovered by evaluating CFI rules.
	TrustCFI
	// TrustPrewalked means the frame was recovered from a previously
	// computed walk supplied with the snapshot.
	TrustPrewalked
	// TrustContext marks the crash context itself.
	TrustContext
)

func (t FrameTrust) String() string {
	switch t {
	case TrustInline:
		return "inline"
	case TrustScan:
		return "scan"
	case TrustFP:
		return "frame pointer"
	case TrustCFI:
		return "CFI"
	case TrustPrewalked:
		return "prewalked"
	case TrustContext:
		return "context"
	default:
		return "none"
	}
}

// StackFrame is one recovered call frame.
type StackFrame struct {
	// Instruction is the address to symbolicate: the PC itself for the
	// context frame, the pre-call address for every other frame.
	Instruction libpm.Address

	// ReturnAddress is the exact recovered return address for non-context
	// frames; zero for the context frame.
	ReturnAddress libpm.Address

	// Module is the code module containing Instruction, nil if unmapped.
	Module *snapshot.CodeModule

	// Symbol data, filled by the symbolizer when the module has symbols.
	FunctionName   string
	FunctionBase   libpm.Address
	ParameterSize  uint64
	IsMultiple     bool
	SourceFile     string
	SourceLine     uint32
	SourceLineBase libpm.Address

	// Trust records the recovery strategy that produced the frame.
	Trust FrameTrust

	// Context holds the recovered register values; register validity is
	// tracked by presence. Inline frames share their physical frame's
	// context.
	Context *snapshot.CPUContext
}

// CallStack is the ordered sequence of frames of one thread, callee
// first.
type CallStack struct {
	Frames []*StackFrame

	// FramesMissingSymbols counts frames whose module had no symbol data.
	FramesMissingSymbols int
}

// lastPhysicalFrame returns the most recent non-inline frame; the walker
// unwinds from physical frames only.
func (s *CallStack) lastPhysicalFrame() *StackFrame {
	for i := len(s.Frames) - 1; i >= 0; i-- {
		if s.Frames[i].Trust != TrustInline {
			return s.Frames[i]
		}
	}
	return nil
}
