// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package _default includes the default distributed backends, namely native, horovod and xla.
//
// To use it simply include:
//
//	import _ "github.com/gomlx/distcomm/pkg/distributed/default"
//
// If you add the tag `noxla` it will not include the xla backend.
package _default

import (
	_ "github.com/gomlx/distcomm/pkg/distributed/horovod"
	_ "github.com/gomlx/distcomm/pkg/distributed/native"
)
