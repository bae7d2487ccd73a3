// Copyright The Crashwalk Authors
// SPDX-License-Identifier: Apache-2.0

package cfi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testMemory maps word addresses to values.
type testMemory map[uint64]uint64

func (m testMemory) ReadWord(addr uint64) (uint64, error) {
	if v, ok := m[addr]; ok {
		return v, nil
	}
	return 0, assert.AnError
}

func evalExpr(t *testing.T, expr string, regs map[string]uint64,
	mem testMemory) (uint64, error) {
	t.Helper()
	parsed, err := ParseExpr(expr)
	require.NoError(t, err)
	return parsed.Eval(&Environment{
		Lookup: func(name string) (uint64, bool) {
			v, ok := regs[name]
			return v, ok
		},
		Memory: mem,
	})
}

func TestExprEval(t *testing.T) {
	regs := map[string]uint64{
		"$esp": 0x10014,
		"$ebp": 0x10038,
	}
	mem := testMemory{0x10014: 0xf6438648}

	tests := map[string]struct {
		expr string
		want uint64
	}{
		"add":            {expr: "$esp 4 +", want: 0x10018},
		"sub":            {expr: "$ebp 8 -", want: 0x10030},
		"mul":            {expr: "2 3 *", want: 6},
		"div":            {expr: "10 2 /", want: 5},
		"mod":            {expr: "10 3 %", want: 1},
		"align":          {expr: "$ebp 16 @", want: 0x10030},
		"and":            {expr: "0xff0f 0x00ff &", want: 0x000f},
		"or":             {expr: "0xf0 0x0f |", want: 0xff},
		"not":            {expr: "0 ~", want: ^uint64(0)},
		"deref":          {expr: "$esp ^", want: 0xf6438648},
		"hex literal":    {expr: "0x2a", want: 42},
		"negative":       {expr: "0 10 - 12 +", want: 2},
		"neg literal":    {expr: "-4 8 +", want: 4},
		"register alone": {expr: "$ebp", want: 0x10038},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := evalExpr(t, tc.expr, regs, mem)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestExprEvalErrors(t *testing.T) {
	regs := map[string]uint64{"$esp": 0x1000}

	tests := map[string]string{
		"empty":             "",
		"underflow":         "+",
		"undefined":         "$nosuch 4 +",
		"divide by zero":    "4 0 /",
		"mod by zero":       "4 0 %",
		"bad alignment":     "8 3 @",
		"leftover operands": "1 2 3 +",
		"deref failure":     "0x9999 ^",
		"assign denied":     "$esp 4 =",
	}
	for name, expr := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := evalExpr(t, expr, regs, testMemory{})
			assert.Error(t, err)
		})
	}
}

func TestExprEvalPure(t *testing.T) {
	// Same inputs must give the same result, run after run.
	regs := map[string]uint64{"$esp": 0x10014}
	mem := testMemory{0x10018: 0x4242}
	for i := 0; i < 3; i++ {
		got, err := evalExpr(t, "$esp 4 + ^", regs, mem)
		require.NoError(t, err)
		assert.Equal(t, uint64(0x4242), got)
	}
}

func TestEvalProgram(t *testing.T) {
	// The frame-data idiom: recover $eip, $ebp and $esp through a scratch
	// variable.
	dict := map[string]uint64{
		"$ebp": 0x7f00,
		"$esp": 0x7ef0,
	}
	mem := testMemory{
		0x7f00: 0x7f40,
		0x7f04: 0x1200,
	}
	program := "$T0 $ebp = $eip $T0 4 + ^ = $ebp $T0 ^ = $esp $T0 8 + ="
	require.NoError(t, EvalProgram(program, dict, mem))

	assert.Equal(t, uint64(0x7f00), dict["$T0"])
	assert.Equal(t, uint64(0x1200), dict["$eip"])
	assert.Equal(t, uint64(0x7f40), dict["$ebp"])
	assert.Equal(t, uint64(0x7f08), dict["$esp"])
}

func TestParseRuleSet(t *testing.T) {
	rules, err := ParseRuleSet(".cfa: $esp 4 + .ra: .cfa 4 - ^ $ebp: $ebp")
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, "$esp 4 +", rules[RegCFA].String())
	assert.Equal(t, ".cfa 4 - ^", rules[RegRA].String())
	assert.Equal(t, "$ebp", rules["$ebp"].String())

	_, err = ParseRuleSet("4 + .cfa: $esp")
	assert.Error(t, err)

	_, err = ParseRuleSet("")
	assert.Error(t, err)
}

func TestFindCallerRegs(t *testing.T) {
	rules, err := ParseRuleSet(".cfa: $esp 4 + .ra: .cfa 4 - ^ $ebp: $ebp")
	require.NoError(t, err)
	info := NewFrameInfo()
	info.Apply(rules)
	require.True(t, info.Complete())

	callee := map[string]uint64{
		"$esp": 0x10014,
		"$ebp": 0x10038,
	}
	mem := testMemory{0x10014: 0xf6438648}

	caller, err := info.FindCallerRegs(callee, mem)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x10018), caller[RegCFA])
	assert.Equal(t, uint64(0xf6438648), caller[RegRA])
	assert.Equal(t, uint64(0x10038), caller["$ebp"])
}

func TestFindCallerRegsFailures(t *testing.T) {
	t.Run("missing ra fails attempt", func(t *testing.T) {
		rules, err := ParseRuleSet(".cfa: $esp 8 + .ra: .cfa 8 - ^")
		require.NoError(t, err)
		info := NewFrameInfo()
		info.Apply(rules)

		// No memory at .cfa-8: the whole unwind attempt fails.
		_, err = info.FindCallerRegs(map[string]uint64{"$esp": 0x1000}, testMemory{})
		assert.Error(t, err)
	})

	t.Run("other registers fail soft", func(t *testing.T) {
		rules, err := ParseRuleSet(".cfa: $esp 8 + .ra: .cfa 8 - ^ $ebx: $nosuch")
		require.NoError(t, err)
		info := NewFrameInfo()
		info.Apply(rules)

		caller, err := info.FindCallerRegs(map[string]uint64{"$esp": 0x1000},
			testMemory{0x1000: 0x4000})
		require.NoError(t, err)
		assert.Equal(t, uint64(0x4000), caller[RegRA])
		assert.NotContains(t, caller, "$ebx")
	})

	t.Run("rule cycles fail", func(t *testing.T) {
		rules, err := ParseRuleSet(".cfa: .ra 8 + .ra: .cfa 8 - ^")
		require.NoError(t, err)
		info := NewFrameInfo()
		info.Apply(rules)

		_, err = info.FindCallerRegs(map[string]uint64{}, testMemory{})
		assert.Error(t, err)
	})
}

func TestFrameInfoDeltas(t *testing.T) {
	info := NewFrameInfo()
	init, err := ParseRuleSet(".cfa: $rsp 8 + .ra: .cfa 8 - ^")
	require.NoError(t, err)
	info.Apply(init)

	delta, err := ParseRuleSet(".cfa: $rsp 16 +")
	require.NoError(t, err)
	info.Apply(delta)

	caller, err := info.FindCallerRegs(map[string]uint64{"$rsp": 0x1000},
		testMemory{0x1008: 0x4000})
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1010), caller[RegCFA])
	assert.Equal(t, uint64(0x4000), caller[RegRA])
}
