// Copyright The Crashwalk Authors
// SPDX-License-Identifier: Apache-2.0

package demangler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDemangle(t *testing.T) {
	dm := New()

	tests := map[string]struct {
		mangled string
		want    string
		ok      bool
	}{
		"itanium": {
			mangled: "_ZN1n1fEi",
			want:    "n::f(int)",
			ok:      true,
		},
		"itanium nested": {
			mangled: "_ZN9wikipedia7article6formatEv",
			want:    "wikipedia::article::format()",
			ok:      true,
		},
		"not mangled": {
			mangled: "plain_c_symbol",
			want:    "plain_c_symbol",
			ok:      false,
		},
		"swift passes through": {
			mangled: "$s5Hello3fooyyF",
			want:    "$s5Hello3fooyyF",
			ok:      false,
		},
		"swift legacy passes through": {
			mangled: "_TFC4test3foo",
			want:    "_TFC4test3foo",
			ok:      false,
		},
		"itanium garbage retained": {
			mangled: "_Znot_actually_mangled!",
			want:    "_Znot_actually_mangled!",
			ok:      false,
		},
		"empty": {
			mangled: "",
			want:    "",
			ok:      false,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, ok := dm.Demangle(tc.mangled)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.ok, ok)
		})
	}
}

func TestDemangleCached(t *testing.T) {
	dm := New()
	first, ok1 := dm.Demangle("_ZN1n1fEi")
	second, ok2 := dm.Demangle("_ZN1n1fEi")
	assert.Equal(t, first, second)
	assert.Equal(t, ok1, ok2)
}

func TestIsMangled(t *testing.T) {
	assert.True(t, IsMangled("_ZN1n1fEi"))
	assert.True(t, IsMangled("_RNvC3foo3bar"))
	assert.True(t, IsMangled("$s5Hello3fooyyF"))
	assert.False(t, IsMangled("main"))
}
