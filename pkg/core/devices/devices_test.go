// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package devices

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAndString(t *testing.T) {
	testCases := []struct {
		description string
		want        Device
		str         string
	}{
		{"cpu", Host(), "cpu"},
		{"CUDA:3", Accelerator(3), "cuda:3"},
		{"cuda", Accelerator(0), "cuda:0"},
		{"xla", Pod(), "xla"},
		{"xla-tpu", Device{Type: "xla-tpu", Index: NoIndex}, "xla-tpu"},
	}
	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			got, err := Parse(tc.description)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.str, got.String())
		})
	}

	for _, bad := range []string{"", "cuda:x", "cuda:-1"} {
		_, err := Parse(bad)
		require.Error(t, err, "Parse(%q)", bad)
	}
}

func TestZeroValueIsHost(t *testing.T) {
	var d Device
	assert.True(t, d.IsZero())
	assert.True(t, d.Equal(Host()))
	assert.Equal(t, "cpu", d.String())
	assert.False(t, Accelerator(0).Equal(Accelerator(1)))
}

func TestIsPod(t *testing.T) {
	assert.True(t, Pod().IsPod())
	assert.True(t, Device{Type: "xla-tpu"}.IsPod())
	assert.False(t, Accelerator(1).IsPod())
	assert.False(t, Host().IsPod())
}

func TestNumAccelerators(t *testing.T) {
	t.Setenv(AcceleratorsEnv, "")
	t.Setenv("CUDA_VISIBLE_DEVICES", "0,1,2")
	assert.Equal(t, 3, NumAccelerators())

	t.Setenv("CUDA_VISIBLE_DEVICES", "0,-1,2")
	assert.Equal(t, 1, NumAccelerators())

	t.Setenv("CUDA_VISIBLE_DEVICES", "")
	assert.Equal(t, 0, NumAccelerators())

	t.Setenv(AcceleratorsEnv, "8")
	assert.Equal(t, 8, NumAccelerators())
}
