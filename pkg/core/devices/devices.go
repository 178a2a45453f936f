// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package devices describes where a tensor is placed: host memory, an indexed accelerator, or the
// symbolic device of an accelerator pod.
//
// A Device is only a placement label: moving a tensor between devices is done by
// tensors.Tensor.To and is a no-op copy on the host.
package devices

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Type of the device.
type Type string

const (
	// CPU is the host memory.
	CPU Type = "cpu"

	// CUDA is an NVidia accelerator, identified by its index in the node.
	CUDA Type = "cuda"

	// XLA is the symbolic device of an accelerator pod (TPU): the concrete core is
	// chosen by the pod runtime, so it carries no index.
	XLA Type = "xla"
)

// NoIndex is the Device.Index of devices that don't have one (CPU and XLA).
const NoIndex = -1

// Device where a tensor is placed.
type Device struct {
	Type  Type
	Index int
}

// Host returns the CPU device.
func Host() Device {
	return Device{Type: CPU, Index: NoIndex}
}

// Accelerator returns the CUDA device with the given index.
func Accelerator(index int) Device {
	return Device{Type: CUDA, Index: index}
}

// Pod returns the symbolic accelerator pod device.
func Pod() Device {
	return Device{Type: XLA, Index: NoIndex}
}

// IsZero returns whether the device is the zero value, which is interpreted as the Host.
func (d Device) IsZero() bool {
	return d.Type == ""
}

// Normalize returns Host for the zero value, and the device itself otherwise.
func (d Device) Normalize() Device {
	if d.IsZero() {
		return Host()
	}
	return d
}

// Equal returns whether both devices are the same, treating the zero value as the Host.
func (d Device) Equal(other Device) bool {
	return d.Normalize() == other.Normalize()
}

// IsPod returns whether the device is an accelerator pod device. Device types of pods are matched
// by substring ("xla", "xla-tpu", ...), since pod runtimes decorate them.
func (d Device) IsPod() bool {
	return strings.Contains(string(d.Type), string(XLA))
}

// String implements fmt.Stringer: "cpu", "cuda:1", "xla".
func (d Device) String() string {
	d = d.Normalize()
	if d.Index == NoIndex {
		return string(d.Type)
	}
	return fmt.Sprintf("%s:%d", d.Type, d.Index)
}

// Parse a device description like "cpu", "cuda:0" or "xla".
func Parse(description string) (Device, error) {
	typeName, indexStr, hasIndex := strings.Cut(strings.TrimSpace(strings.ToLower(description)), ":")
	if typeName == "" {
		return Device{}, errors.Errorf("empty device description %q", description)
	}
	d := Device{Type: Type(typeName), Index: NoIndex}
	switch {
	case d.Type == CUDA && !hasIndex:
		d.Index = 0
	case hasIndex:
		index, err := strconv.Atoi(indexStr)
		if err != nil || index < 0 {
			return Device{}, errors.Errorf("invalid device index in %q", description)
		}
		d.Index = index
	}
	return d, nil
}

// AcceleratorsEnv overrides the number of accelerators visible to the process.
const AcceleratorsEnv = "GOMLX_DIST_ACCELERATORS"

// NumAccelerators returns the number of CUDA accelerators visible to this process.
//
// It is read from $GOMLX_DIST_ACCELERATORS if set, or else counted from $CUDA_VISIBLE_DEVICES.
// With neither set it returns 0: the process is considered CPU-only.
func NumAccelerators() int {
	if value, found := os.LookupEnv(AcceleratorsEnv); found {
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil && n >= 0 {
			return n
		}
	}
	visible, found := os.LookupEnv("CUDA_VISIBLE_DEVICES")
	if !found {
		return 0
	}
	count := 0
	for _, part := range strings.Split(visible, ",") {
		part = strings.TrimSpace(part)
		if part == "" || strings.HasPrefix(part, "-") || strings.EqualFold(part, "none") {
			// CUDA ignores every device after the first invalid one.
			break
		}
		count++
	}
	return count
}
