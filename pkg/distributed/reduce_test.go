package distributed

import (
	"testing"

	"github.com/gomlx/distcomm/pkg/core/dtypes"
	"github.com/gomlx/distcomm/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestParseReduceOp(t *testing.T) {
	for token, want := range map[string]ReduceOp{
		"SUM": ReduceSum, "min": ReduceMin, "Max": ReduceMax, "PRODUCT": ReduceProduct,
	} {
		op, err := ParseReduceOp(token)
		require.NoError(t, err, "token %q", token)
		assert.Equal(t, want, op)
	}
	assert.Equal(t, "PRODUCT", ReduceProduct.String())

	_, err := ParseReduceOp("abcd")
	require.ErrorIs(t, err, ErrUnsupportedOp)
	assert.Contains(t, err.Error(), "Unsupported reduction operation")
}

func TestCheckDType(t *testing.T) {
	require.NoError(t, ReduceSum.CheckDType(dtypes.Float32))
	require.NoError(t, ReduceProduct.CheckDType(dtypes.Complex64))
	require.NoError(t, ReduceMin.CheckDType(dtypes.Uint8))
	require.NoError(t, ReduceMax.CheckDType(dtypes.BFloat16))
	require.ErrorIs(t, ReduceMax.CheckDType(dtypes.Complex128), ErrUnsupportedOp)
	require.ErrorIs(t, ReduceSum.CheckDType(dtypes.Bool), ErrUnsupportedOp)
	require.ErrorIs(t, ReduceOp(17).CheckDType(dtypes.Float32), ErrUnsupportedOp)
}

func TestReduce(t *testing.T) {
	a := tensors.FromFlatDataAndDimensions([]int32{1, 5, -3}, 3)
	b := tensors.FromFlatDataAndDimensions([]int32{4, 2, 7}, 3)
	c := tensors.FromFlatDataAndDimensions([]int32{2, 2, 2}, 3)

	for op, want := range map[ReduceOp][]int32{
		ReduceSum:     {7, 9, 6},
		ReduceMin:     {1, 2, -3},
		ReduceMax:     {4, 5, 7},
		ReduceProduct: {8, 20, -42},
	} {
		result, err := Reduce(op, a, b, c)
		require.NoError(t, err, "op %s", op)
		assert.Equal(t, want, tensors.CopyFlatData[int32](result), "op %s", op)
	}
	// Operands are not mutated.
	assert.Equal(t, []int32{1, 5, -3}, tensors.CopyFlatData[int32](a))

	t.Run("Float16", func(t *testing.T) {
		x := tensors.FromFlatDataAndDimensions([]float16.Float16{float16.Fromfloat32(1.5), float16.Fromfloat32(-2)}, 2)
		y := tensors.FromFlatDataAndDimensions([]float16.Float16{float16.Fromfloat32(2), float16.Fromfloat32(4)}, 2)
		result, err := Reduce(ReduceProduct, x, y)
		require.NoError(t, err)
		got := tensors.CopyFlatData[float16.Float16](result)
		assert.Equal(t, float32(3), got[0].Float32())
		assert.Equal(t, float32(-8), got[1].Float32())
	})

	t.Run("Complex", func(t *testing.T) {
		x := tensors.FromFlatDataAndDimensions([]complex64{1 + 1i}, 1)
		result, err := Reduce(ReduceProduct, x, x)
		require.NoError(t, err)
		assert.Equal(t, []complex64{2i}, tensors.CopyFlatData[complex64](result))
		_, err = Reduce(ReduceMin, x, x)
		require.ErrorIs(t, err, ErrUnsupportedOp)
	})

	t.Run("Errors", func(t *testing.T) {
		_, err := Reduce(ReduceSum)
		require.Error(t, err)
		_, err = Reduce(ReduceSum, a, tensors.FromFlatDataAndDimensions([]int32{1, 2}, 2))
		require.Error(t, err)
		_, err = Reduce(ReduceSum, a, tensors.FromFlatDataAndDimensions([]float32{1, 2, 3}, 3))
		require.Error(t, err)
		require.False(t, errors.Is(err, ErrUnsupportedOp))
	})
}
