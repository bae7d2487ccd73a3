// Copyright The Crashwalk Authors
// SPDX-License-Identifier: Apache-2.0

package cfi // import "github.com/crashwalk/crashwalk/cfi"

import (
	"fmt"
	"strings"
)

// Pseudo-registers defined by every complete CFI rule set.
const (
	// RegCFA is the canonical frame address: the stack pointer value at
	// the call site of the current function.
	RegCFA = ".cfa"
	// RegRA is the return address of the current function.
	RegRA = ".ra"
)

// RuleSet maps a register name to the postfix expression recovering its
// caller value.
type RuleSet map[string]Expr

// ParseRuleSet parses a "reg: expr reg: expr ..." list as found after
// STACK CFI INIT and STACK CFI keywords. An expression runs until the next
// field ending in ':'.
func ParseRuleSet(s string) (RuleSet, error) {
	fields := strings.Fields(s)
	rules := make(RuleSet)
	var reg string
	var expr []string

	flush := func() error {
		if reg == "" {
			return nil
		}
		parsed, err := ParseExpr(strings.Join(expr, " "))
		if err != nil {
			return err
		}
		rules[reg] = parsed
		return nil
	}

	for _, f := range fields {
		if strings.HasSuffix(f, ":") && len(f) > 1 {
			if err := flush(); err != nil {
				return nil, err
			}
			reg = f[:len(f)-1]
			expr = expr[:0]
			continue
		}
		if reg == "" {
			return nil, fmt.Errorf("%w: expression %q before register name",
				ErrBadExpression, f)
		}
		expr = append(expr, f)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("%w: no rules in %q", ErrBadExpression, s)
	}
	return rules, nil
}

// FrameInfo is the effective CFI rule map for one instruction address,
// reconstructed from an INIT rule set with all applicable deltas applied.
type FrameInfo struct {
	rules RuleSet
}

// NewFrameInfo creates an empty rule map.
func NewFrameInfo() *FrameInfo {
	return &FrameInfo{rules: make(RuleSet)}
}

// Apply merges a rule set into the map, overriding existing rules.
func (fi *FrameInfo) Apply(rules RuleSet) {
	for reg, expr := range rules {
		fi.rules[reg] = expr
	}
}

// Rule returns the expression for a register, if present.
func (fi *FrameInfo) Rule(reg string) (Expr, bool) {
	e, ok := fi.rules[reg]
	return e, ok
}

// Complete reports whether the rule map defines both .cfa and .ra.
func (fi *FrameInfo) Complete() bool {
	_, hasCFA := fi.rules[RegCFA]
	_, hasRA := fi.rules[RegRA]
	return hasCFA && hasRA
}

// ruleResolver evaluates rules on demand. Identifier references resolve
// against the callee register snapshot first; identifiers without a callee
// value but with a rule of their own (notably .cfa) are evaluated lazily
// and memoized. Rule cycles fail the registers involved.
type ruleResolver struct {
	rules      RuleSet
	callee     map[string]uint64
	memory     MemoryReader
	caller     map[string]uint64
	inProgress map[string]bool
}

func (r *ruleResolver) lookup(name string) (uint64, bool) {
	if v, ok := r.callee[name]; ok {
		return v, true
	}
	if v, ok := r.caller[name]; ok {
		return v, true
	}
	if _, ok := r.rules[name]; ok {
		v, err := r.resolve(name)
		if err != nil {
			return 0, false
		}
		return v, true
	}
	return 0, false
}

func (r *ruleResolver) resolve(name string) (uint64, error) {
	if v, ok := r.caller[name]; ok {
		return v, nil
	}
	if r.inProgress[name] {
		return 0, fmt.Errorf("%w: rule cycle through %s", ErrBadExpression, name)
	}
	expr, ok := r.rules[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUndefined, name)
	}
	r.inProgress[name] = true
	defer delete(r.inProgress, name)

	v, err := expr.Eval(&Environment{
		Lookup: r.lookup,
		Memory: r.memory,
	})
	if err != nil {
		return 0, err
	}
	r.caller[name] = v
	return v, nil
}

// FindCallerRegs evaluates every rule against the callee register snapshot
// and the stack memory. The returned map holds the recovered caller values
// keyed by register name, including .cfa and .ra. Failure to recover .cfa
// or .ra fails the whole attempt; any other failing register is simply
// absent from the result.
func (fi *FrameInfo) FindCallerRegs(callee map[string]uint64,
	memory MemoryReader) (map[string]uint64, error) {
	resolver := &ruleResolver{
		rules:      fi.rules,
		callee:     callee,
		memory:     memory,
		caller:     make(map[string]uint64, len(fi.rules)),
		inProgress: make(map[string]bool),
	}

	// .cfa first: nearly every other rule depends on it.
	if _, err := resolver.resolve(RegCFA); err != nil {
		return nil, fmt.Errorf("recovering %s: %w", RegCFA, err)
	}
	if _, err := resolver.resolve(RegRA); err != nil {
		return nil, fmt.Errorf("recovering %s: %w", RegRA, err)
	}
	for reg := range fi.rules {
		if reg == RegCFA || reg == RegRA {
			continue
		}
		// Best effort: failed registers stay unrecovered.
		_, _ = resolver.resolve(reg)
	}
	return resolver.caller, nil
}

// WindowsFrameType classifies a STACK WIN record.
type WindowsFrameType uint8

const (
	// WindowsFrameFPO is frame info from FPO debug records (type 0).
	WindowsFrameFPO WindowsFrameType = iota
	// WindowsFrameData is frame info from FrameData records (type 4),
	// carrying a program string.
	WindowsFrameData
	// WindowsFrameUnknown covers record types the engine does not model.
	WindowsFrameUnknown
)

// WindowsFrameInfo describes how to unwind one x86 code range using
// Windows debug information.
type WindowsFrameInfo struct {
	Type WindowsFrameType

	PrologSize        uint32
	EpilogSize        uint32
	ParameterSize     uint32
	SavedRegisterSize uint32
	LocalSize         uint32
	MaxStackSize      uint32

	// AllocatesBasePointer is only meaningful for FPO records: whether
	// %ebp was allocated for general use.
	AllocatesBasePointer bool

	// ProgramString holds the postfix recovery program of FrameData
	// records; empty for plain FPO info.
	ProgramString string
}

// HasProgramString reports whether unwinding must run a recovery program.
func (w *WindowsFrameInfo) HasProgramString() bool {
	return strings.TrimSpace(w.ProgramString) != ""
}

// EvalProgram runs a STACK WIN program string against a mutable
// dictionary. The program assigns recovered registers (e.g. $eip, $esp,
// $ebp) into the dictionary via '=' operators.
func EvalProgram(program string, dict map[string]uint64, memory MemoryReader) error {
	expr, err := ParseExpr(program)
	if err != nil {
		return err
	}
	_, err = expr.Eval(&Environment{
		Lookup: func(name string) (uint64, bool) {
			v, ok := dict[name]
			return v, ok
		},
		Store: func(name string, value uint64) {
			dict[name] = value
		},
		Memory: memory,
	})
	return err
}
