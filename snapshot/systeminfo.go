// Copyright The Crashwalk Authors
// SPDX-License-Identifier: Apache-2.0

// Package snapshot defines the machine-level view of a crashed process that
// the analysis engine consumes: the CPU architecture, per-thread register
// contexts, readable memory regions and the list of loaded code modules.
// External loaders (minidump or core file readers) populate these types;
// the engine itself never performs I/O to obtain them.
package snapshot // import "github.com/crashwalk/crashwalk/snapshot"

// CPUArch identifies the processor architecture of the crashed process.
type CPUArch uint8

const (
	ArchUnknown CPUArch = iota
	ArchX86
	ArchAMD64
	ArchARM
	ArchARM64
	ArchPPC
	ArchPPC64
	ArchMIPS
	ArchMIPS64
	ArchRISCV64
)

func (a CPUArch) String() string {
	switch a {
	case ArchX86:
		return "x86"
	case ArchAMD64:
		return "amd64"
	case ArchARM:
		return "arm"
	case ArchARM64:
		return "arm64"
	case ArchPPC:
		return "ppc"
	case ArchPPC64:
		return "ppc64"
	case ArchMIPS:
		return "mips"
	case ArchMIPS64:
		return "mips64"
	case ArchRISCV64:
		return "riscv64"
	default:
		return "unknown"
	}
}

// PointerSize returns the size of a machine pointer in bytes.
func (a CPUArch) PointerSize() uint64 {
	switch a {
	case ArchX86, ArchARM, ArchPPC, ArchMIPS:
		return 4
	default:
		return 8
	}
}

// ProgramCounter returns the canonical register name holding the
// instruction pointer for this architecture. The names follow the
// conventions used in symbol file STACK records.
func (a CPUArch) ProgramCounter() string {
	switch a {
	case ArchX86:
		return "$eip"
	case ArchAMD64:
		return "$rip"
	case ArchARM:
		return "r15"
	case ArchMIPS, ArchMIPS64:
		return "$pc"
	case ArchPPC, ArchPPC64:
		return "srr0"
	default:
		return "pc"
	}
}

// StackPointer returns the canonical stack pointer register name.
func (a CPUArch) StackPointer() string {
	switch a {
	case ArchX86:
		return "$esp"
	case ArchAMD64:
		return "$rsp"
	case ArchMIPS, ArchMIPS64:
		return "$sp"
	case ArchPPC, ArchPPC64:
		return "r1"
	case ArchARM:
		return "r13"
	default:
		return "sp"
	}
}

// FramePointer returns the canonical frame pointer register name, or ""
// when the ABI does not reserve one.
func (a CPUArch) FramePointer() string {
	switch a {
	case ArchX86:
		return "$ebp"
	case ArchAMD64:
		return "$rbp"
	case ArchARM:
		return "r11"
	case ArchARM64:
		return "x29"
	case ArchMIPS, ArchMIPS64:
		return "$fp"
	case ArchRISCV64:
		return "fp"
	default:
		return ""
	}
}

// LinkRegister returns the canonical link register name, or "" when the
// architecture pushes return addresses on the stack instead.
func (a CPUArch) LinkRegister() string {
	switch a {
	case ArchARM:
		return "r14"
	case ArchARM64:
		return "x30"
	case ArchPPC, ArchPPC64:
		return "lr"
	case ArchMIPS, ArchMIPS64:
		return "$ra"
	case ArchRISCV64:
		return "ra"
	default:
		return ""
	}
}

// SystemInfo describes the system the snapshot was captured on.
type SystemInfo struct {
	// OS is the operating system name as recorded in the snapshot,
	// e.g. "linux", "windows" or "mac".
	OS string
	// Arch is the processor architecture of the crashed process.
	Arch CPUArch
	// CPUCount is the number of logical processors, when known.
	CPUCount int
}
