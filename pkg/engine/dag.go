package engine

import (
	"fmt"
	"sort"
	"strings"
)

// DeletionDependencies lists, for each resource kind, the kinds that must be
// fully removed before it may be deleted. Azure refuses to delete a NIC still
// attached to a VM, and an NSG or VNet still referenced by a NIC.
var DeletionDependencies = map[ResourceKind][]ResourceKind{
	KindNIC:  {KindVM},
	KindDisk: {KindVM},
	KindNSG:  {KindNIC},
	KindVNet: {KindNIC},
}

// DAGBuilder orders resource kinds into levels. Kinds at the same level have
// no dependency on each other and may be deleted concurrently.
type DAGBuilder struct {
	// nodes is the set of kinds in the graph
	nodes map[ResourceKind]bool

	// adjacencyList maps a kind to the kinds that wait for it
	adjacencyList map[ResourceKind][]ResourceKind

	// reverseAdjacencyList maps a kind to the kinds it waits for
	reverseAdjacencyList map[ResourceKind][]ResourceKind

	// inDegree tracks the number of incoming edges for each node
	inDegree map[ResourceKind]int

	// levels holds the kinds at each execution level
	levels [][]ResourceKind
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		nodes:                make(map[ResourceKind]bool),
		adjacencyList:        make(map[ResourceKind][]ResourceKind),
		reverseAdjacencyList: make(map[ResourceKind][]ResourceKind),
		inDegree:             make(map[ResourceKind]int),
		levels:               make([][]ResourceKind, 0),
	}
}

// BuildLevels validates the dependency graph over kinds, detects cycles, and
// returns the kinds grouped by level.
func (b *DAGBuilder) BuildLevels(kinds []ResourceKind, deps map[ResourceKind][]ResourceKind) ([][]ResourceKind, error) {
	if len(kinds) == 0 {
		return [][]ResourceKind{}, nil
	}

	if err := b.initialize(kinds, deps); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return b.levels, nil
}

// initialize sets up the internal data structures.
func (b *DAGBuilder) initialize(kinds []ResourceKind, deps map[ResourceKind][]ResourceKind) error {
	for _, kind := range kinds {
		if err := kind.Validate(); err != nil {
			return NewPermanentError("invalid node in dependency graph", err).WithCode(ErrCodeValidation)
		}
		if b.nodes[kind] {
			return NewPermanentError(fmt.Sprintf("duplicate node in dependency graph: %s", kind), nil).
				WithCode(ErrCodeValidation)
		}
		b.nodes[kind] = true
		b.inDegree[kind] = 0
	}

	for kind := range b.nodes {
		for _, dep := range deps[kind] {
			// A dependency outside the graph has nothing to wait for
			if !b.nodes[dep] {
				continue
			}

			// Edge from dependency to kind
			b.adjacencyList[dep] = append(b.adjacencyList[dep], kind)
			b.reverseAdjacencyList[kind] = append(b.reverseAdjacencyList[kind], dep)
			b.inDegree[kind]++
		}
	}

	return nil
}

// detectCycles uses depth-first search to detect circular dependencies.
func (b *DAGBuilder) detectCycles() error {
	visited := make(map[ResourceKind]bool)
	recStack := make(map[ResourceKind]bool)

	for _, kind := range b.sortedNodes() {
		if visited[kind] {
			continue
		}
		if cycle := b.detectCyclesUtil(kind, visited, recStack, nil); cycle != nil {
			return NewPermanentError(
				fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)), nil,
			).WithCode(ErrCodeValidation)
		}
	}

	return nil
}

func (b *DAGBuilder) detectCyclesUtil(
	kind ResourceKind,
	visited map[ResourceKind]bool,
	recStack map[ResourceKind]bool,
	path []ResourceKind,
) []ResourceKind {
	visited[kind] = true
	recStack[kind] = true
	path = append(path, kind)

	for _, dependent := range b.adjacencyList[kind] {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, k := range path {
				if k == dependent {
					return append(append([]ResourceKind{}, path[i:]...), dependent)
				}
			}
		}
	}

	recStack[kind] = false
	return nil
}

// computeLevels assigns levels using Kahn's algorithm.
func (b *DAGBuilder) computeLevels() error {
	inDegreeCopy := make(map[ResourceKind]int, len(b.inDegree))
	for kind, degree := range b.inDegree {
		inDegreeCopy[kind] = degree
	}

	currentLevel := make([]ResourceKind, 0)
	for _, kind := range b.sortedNodes() {
		if inDegreeCopy[kind] == 0 {
			currentLevel = append(currentLevel, kind)
		}
	}

	if len(currentLevel) == 0 {
		return NewPermanentError("no root nodes found - all kinds have dependencies", nil).
			WithCode(ErrCodeValidation)
	}

	processed := 0
	for len(currentLevel) > 0 {
		b.levels = append(b.levels, currentLevel)
		processed += len(currentLevel)

		nextLevel := make([]ResourceKind, 0)
		for _, kind := range currentLevel {
			for _, dependent := range b.adjacencyList[kind] {
				inDegreeCopy[dependent]--
				if inDegreeCopy[dependent] == 0 {
					nextLevel = append(nextLevel, dependent)
				}
			}
		}
		sortKinds(nextLevel)
		currentLevel = nextLevel
	}

	if processed != len(b.nodes) {
		return NewPermanentError("failed to order all kinds - possible cycle", nil).
			WithCode(ErrCodeInternal)
	}

	return nil
}

func (b *DAGBuilder) sortedNodes() []ResourceKind {
	kinds := make([]ResourceKind, 0, len(b.nodes))
	for kind := range b.nodes {
		kinds = append(kinds, kind)
	}
	sortKinds(kinds)
	return kinds
}

func sortKinds(kinds []ResourceKind) {
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
}

func formatCycle(cycle []ResourceKind) string {
	parts := make([]string, len(cycle))
	for i, k := range cycle {
		parts[i] = string(k)
	}
	return strings.Join(parts, " -> ")
}
