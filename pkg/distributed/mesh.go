// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// Names of the axes of the mesh returned by Topology.Mesh.
const (
	NodeAxis = "node"
	ProcAxis = "proc"
)

// RankMesh organizes the ranks of a group in a multi-dimensional mesh, with named axes.
// Ranks are laid out in row-major order: for the mesh {node: 2, proc: 4}, ranks 0-3 are in node 0.
type RankMesh struct {
	axesNames  []string
	axesSizes  []int
	nameToAxis map[string]int
	numRanks   int
}

// NewRankMesh creates a mesh with the given axes sizes and names, one value per axis.
func NewRankMesh(axesSizes []int, axesNames []string) (*RankMesh, error) {
	if len(axesSizes) != len(axesNames) {
		return nil, errors.Errorf("axesSizes and axesNames must have the same length, got %d and %d",
			len(axesSizes), len(axesNames))
	}
	if len(axesSizes) == 0 {
		return nil, errors.New("RankMesh axesSizes cannot be empty")
	}
	numRanks := 1
	nameToAxis := make(map[string]int, len(axesSizes))
	for i, name := range axesNames {
		if name == "" {
			return nil, errors.Errorf("RankMesh axis name at index %d cannot be empty", i)
		}
		if _, found := nameToAxis[name]; found {
			return nil, errors.Errorf("RankMesh axis name %q is duplicated", name)
		}
		if axesSizes[i] <= 0 {
			return nil, errors.Errorf("RankMesh axis %q must have a positive size, got %d", name, axesSizes[i])
		}
		nameToAxis[name] = i
		numRanks *= axesSizes[i]
	}
	return &RankMesh{
		axesNames:  slices.Clone(axesNames),
		axesSizes:  slices.Clone(axesSizes),
		nameToAxis: nameToAxis,
		numRanks:   numRanks,
	}, nil
}

// NumRanks returns the total number of ranks in the mesh.
func (m *RankMesh) NumRanks() int { return m.numRanks }

// AxisSize returns the number of ranks along the given mesh axis.
func (m *RankMesh) AxisSize(axisName string) (int, error) {
	idx, found := m.nameToAxis[axisName]
	if !found {
		return 0, errors.Errorf("mesh axis %q not found", axisName)
	}
	return m.axesSizes[idx], nil
}

// String implements the fmt.Stringer interface.
func (m *RankMesh) String() string {
	var sb strings.Builder
	sb.WriteString("RankMesh(axesSizes={")
	for i, name := range m.axesNames {
		if i > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%s: %d", name, m.axesSizes[i])
	}
	sb.WriteString("})")
	return sb.String()
}

// ComputeReplicaGroups returns the groups of ranks that would participate together in a collective
// performed along the given axes. The other axes split the ranks into different groups.
//
// Example:
//
//	m, _ := NewRankMesh([]int{2, 2}, []string{"node", "proc"})
//	m.ComputeReplicaGroups([]string{"node"})          // -> [][]int{{0, 2}, {1, 3}}
//	m.ComputeReplicaGroups([]string{"proc"})          // -> [][]int{{0, 1}, {2, 3}}
//	m.ComputeReplicaGroups([]string{"node", "proc"})  // -> [][]int{{0, 1, 2, 3}}
func (m *RankMesh) ComputeReplicaGroups(axes []string) ([][]int, error) {
	axisIndices := make([]int, 0, len(axes))
	for _, axis := range axes {
		idx, found := m.nameToAxis[axis]
		if !found {
			return nil, errors.Errorf("axis %q not found in mesh", axis)
		}
		if slices.Contains(axisIndices, idx) {
			return nil, errors.Errorf("axis %q is duplicated: each axis can only appear once", axis)
		}
		axisIndices = append(axisIndices, idx)
	}
	var otherIndices []int
	for i := range m.axesSizes {
		if !slices.Contains(axisIndices, i) {
			otherIndices = append(otherIndices, i)
		}
	}

	groupSize := 1
	for _, idx := range axisIndices {
		groupSize *= m.axesSizes[idx]
	}
	groups := make([][]int, m.numRanks/groupSize)
	for i := range groups {
		groups[i] = make([]int, groupSize)
	}

	indices := make([]int, len(m.axesSizes))
	for rank := range m.numRanks {
		remaining := rank
		for i := len(m.axesSizes) - 1; i >= 0; i-- {
			indices[i] = remaining % m.axesSizes[i]
			remaining /= m.axesSizes[i]
		}
		groupIdx := flatIndex(indices, otherIndices, m.axesSizes)
		posInGroup := flatIndex(indices, axisIndices, m.axesSizes)
		groups[groupIdx][posInGroup] = rank
	}
	return groups, nil
}

// flatIndex of the sub-coordinates selected by axes, in row-major order.
func flatIndex(indices, axes, sizes []int) int {
	flat, multiplier := 0, 1
	for i := len(axes) - 1; i >= 0; i-- {
		flat += indices[axes[i]] * multiplier
		multiplier *= sizes[axes[i]]
	}
	return flat
}
