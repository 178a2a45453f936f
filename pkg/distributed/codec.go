// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"github.com/gomlx/distcomm/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Text crosses collectives designed for fixed-shape numeric buffers in two phases:
//
//  1. The byte length of each rank's UTF-8 text is MAX-reduced across ranks, giving the common width L.
//  2. Each rank encodes its text as an Int16 row of width max(L, 1), one byte value (0..255) per element,
//     padded with textPadding. Since padding is not a byte value, texts of any content (including "\x00"
//     and invalid UTF-8) survive the round trip.

// textPadding marks the end of an encoded text.
const textPadding int16 = -1

// maxTextLength returns the largest byte length of text among all ranks. It is a collective.
func maxTextLength(b Backend, text string) (int, error) {
	length := tensors.FromFlatDataAndDimensions([]int64{int64(len(text))}, 1)
	reduced, err := b.AllReduce(length.To(b.Topology().Device), ReduceMax)
	if err != nil {
		return 0, errors.WithMessage(err, "failed to reduce the length of the text")
	}
	return int(tensors.ToScalar[int64](reduced)), nil
}

// encodeText as a padded row of the given width, with the given leading dimensions (e.g. [1, width]
// for gathering, or [width] for broadcasting).
func encodeText(text string, width int, leadingDims ...int) (*tensors.Tensor, error) {
	width = max(width, 1)
	if len(text) > width {
		return nil, errors.Errorf("text of %d bytes doesn't fit the encoding width %d", len(text), width)
	}
	row := make([]int16, width)
	for ii := range row {
		if ii < len(text) {
			row[ii] = int16(text[ii])
		} else {
			row[ii] = textPadding
		}
	}
	return tensors.FromFlatDataAndDimensions(row, append(leadingDims, width)...), nil
}

// decodeTexts of the rows of an encoded tensor: the last axis holds the encoded bytes, and every
// other axis enumerates texts.
func decodeTexts(encoded *tensors.Tensor) ([]string, error) {
	if encoded.Rank() == 0 {
		return nil, errors.Errorf("encoded text must have rank >= 1, got shape %s", encoded.Shape())
	}
	var flat []int16
	var ok bool
	encoded.ConstFlatData(func(anyFlat any) {
		flat, ok = anyFlat.([]int16)
	})
	if !ok {
		return nil, errors.Errorf("encoded text must be Int16, got shape %s", encoded.Shape())
	}
	width := encoded.Shape().Dim(-1)
	if width == 0 {
		return nil, errors.New("encoded text has width 0")
	}
	texts := make([]string, len(flat)/width)
	for ii := range texts {
		row := flat[ii*width : (ii+1)*width]
		buf := make([]byte, 0, width)
		for _, value := range row {
			if value == textPadding {
				break
			}
			if value < 0 || value > 255 {
				return nil, errors.Errorf("invalid encoded text value %d", value)
			}
			buf = append(buf, byte(value))
		}
		texts[ii] = string(buf)
	}
	return texts, nil
}
