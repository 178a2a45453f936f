//go:build !noxla

package _default

import _ "github.com/gomlx/distcomm/pkg/distributed/xla"
