// Copyright The Crashwalk Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot // import "github.com/crashwalk/crashwalk/snapshot"

import "maps"

// CPUContext holds the register file of one thread at one point in time.
// Registers are keyed by their symbol-file names (e.g. "$esp", "x29",
// "r1"); a register that is absent from the map was not recovered and must
// not be used. Contexts produced by unwinding typically carry far fewer
// valid registers than the crash context itself.
type CPUContext struct {
	Arch CPUArch
	regs map[string]uint64
}

// NewCPUContext creates an empty register context for the given architecture.
func NewCPUContext(arch CPUArch) *CPUContext {
	return &CPUContext{
		Arch: arch,
		regs: make(map[string]uint64),
	}
}

// Get returns the value of a register and whether it is valid.
func (c *CPUContext) Get(name string) (uint64, bool) {
	v, ok := c.regs[name]
	return v, ok
}

// GetOrZero returns the value of a register, or 0 when it is not valid.
func (c *CPUContext) GetOrZero(name string) uint64 {
	return c.regs[name]
}

// Valid reports whether the named register carries a recovered value.
func (c *CPUContext) Valid(name string) bool {
	_, ok := c.regs[name]
	return ok
}

// Set stores a register value, marking it valid.
func (c *CPUContext) Set(name string, value uint64) {
	c.regs[name] = value
}

// Invalidate removes a register from the context.
func (c *CPUContext) Invalidate(name string) {
	delete(c.regs, name)
}

// Clone returns an independent copy of the context.
func (c *CPUContext) Clone() *CPUContext {
	return &CPUContext{
		Arch: c.Arch,
		regs: maps.Clone(c.regs),
	}
}

// Snapshot returns a copy of the register map, for read-only evaluation.
func (c *CPUContext) Snapshot() map[string]uint64 {
	return maps.Clone(c.regs)
}

// ValidCount returns the number of valid registers.
func (c *CPUContext) ValidCount() int {
	return len(c.regs)
}

// PC returns the instruction pointer, if valid.
func (c *CPUContext) PC() (uint64, bool) {
	return c.Get(c.Arch.ProgramCounter())
}

// SP returns the stack pointer, if valid.
func (c *CPUContext) SP() (uint64, bool) {
	return c.Get(c.Arch.StackPointer())
}

// FP returns the frame pointer, if the architecture defines one and it is
// valid.
func (c *CPUContext) FP() (uint64, bool) {
	if name := c.Arch.FramePointer(); name != "" {
		return c.Get(name)
	}
	return 0, false
}

// LR returns the link register, if the architecture defines one and it is
// valid.
func (c *CPUContext) LR() (uint64, bool) {
	if name := c.Arch.LinkRegister(); name != "" {
		return c.Get(name)
	}
	return 0, false
}

// SetPC stores the instruction pointer.
func (c *CPUContext) SetPC(v uint64) {
	c.Set(c.Arch.ProgramCounter(), v)
}

// SetSP stores the stack pointer.
func (c *CPUContext) SetSP(v uint64) {
	c.Set(c.Arch.StackPointer(), v)
}
