// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"reflect"

	"github.com/gomlx/distcomm/pkg/core/devices"
	"github.com/gomlx/distcomm/pkg/core/dtypes"
	"github.com/gomlx/distcomm/pkg/core/tensors"
	"github.com/pkg/errors"
)

// payloadKind is the kind of value given to a collective.
type payloadKind int

const (
	scalarPayload payloadKind = iota
	arrayPayload
	textPayload
)

// payload is a classified collective input. It only lives for the duration of one call.
type payload struct {
	kind payloadKind

	// scalarType is the Go type of a scalar input, used to convert results back.
	scalarType reflect.Type

	// tensor holds arrays, and scalars wrapped as [1] arrays.
	tensor *tensors.Tensor

	// device of the input, where results are placed back.
	device devices.Device

	text string
}

// classify the value given to a collective, and wraps scalars into single-element arrays.
func classify(value any) (payload, error) {
	switch v := value.(type) {
	case *tensors.Tensor:
		if err := v.CheckValid(); err != nil {
			return payload{}, errors.Wrapf(ErrUnsupportedType, "%v", err)
		}
		return payload{kind: arrayPayload, tensor: v, device: v.Device()}, nil
	case string:
		return payload{kind: textPayload, text: v, device: devices.Host()}, nil
	}
	dtype := dtypes.FromAny(value)
	if !dtype.IsNumber() {
		return payload{}, errors.Wrapf(ErrUnsupportedType, "%T", value)
	}
	scalar, err := tensors.FromAnyValue(value)
	if err != nil {
		return payload{}, errors.Wrapf(ErrUnsupportedType, "%T: %v", value, err)
	}
	scalar, err = scalar.Reshape(1)
	if err != nil {
		return payload{}, err
	}
	return payload{
		kind:       scalarPayload,
		scalarType: reflect.TypeOf(value),
		tensor:     scalar,
		device:     devices.Host(),
	}, nil
}

// unwrapScalar converts the single-element result back to the Go type of the input scalar.
func (p payload) unwrapScalar(result *tensors.Tensor) (any, error) {
	if result.Size() != 1 {
		return nil, errors.Errorf("expected a single element result for a scalar %s, got shape %s",
			p.scalarType, result.Shape())
	}
	var value any
	result.ConstFlatData(func(flat any) {
		value = reflect.ValueOf(flat).Index(0).Convert(p.scalarType).Interface()
	})
	return value, nil
}

// unwrapScalars converts a gathered [W] result to a slice of the Go type of the input scalar.
func (p payload) unwrapScalars(result *tensors.Tensor) any {
	var values reflect.Value
	result.ConstFlatData(func(flat any) {
		flatV := reflect.ValueOf(flat)
		values = reflect.MakeSlice(reflect.SliceOf(p.scalarType), flatV.Len(), flatV.Len())
		for ii := range flatV.Len() {
			values.Index(ii).Set(flatV.Index(ii).Convert(p.scalarType))
		}
	})
	return values.Interface()
}

// kindName is used in error messages.
func (p payload) kindName() string {
	switch p.kind {
	case scalarPayload:
		return "scalar " + p.scalarType.String()
	case arrayPayload:
		return "tensor " + p.tensor.Shape().String()
	default:
		return "text"
	}
}
