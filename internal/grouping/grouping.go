// Package grouping splits a list of work items into balanced batches, one per
// worker at most.
package grouping

import (
	"fmt"
	"path/filepath"
	"strings"
)

// AdaptiveThreshold is the input size below which Adaptive always uses
// round-robin and skips key analysis.
const AdaptiveThreshold = 100

// Policy selects a partitioning strategy.
type Policy string

// Partitioning policies.
const (
	RoundRobin        Policy = "round-robin"
	DirectoryAffinity Policy = "directory-affinity"
	Adaptive          Policy = "adaptive"
)

// ParsePolicy maps a configuration string onto a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case RoundRobin, DirectoryAffinity, Adaptive:
		return p, nil
	case "":
		return Adaptive, nil
	default:
		return "", fmt.Errorf("unknown grouping policy %q", s)
	}
}

// Partition splits items into at most workerCount non-empty batches using the
// given policy. Every item lands in exactly one batch. Empty input yields nil.
// A workerCount below 1 is treated as 1.
func Partition(items []string, workerCount int, policy Policy) [][]string {
	if len(items) == 0 {
		return nil
	}
	if workerCount < 1 {
		workerCount = 1
	}

	switch policy {
	case RoundRobin:
		return roundRobin(items, workerCount)
	case DirectoryAffinity:
		if groups := byKey(items); affinityApplies(len(groups.keys), workerCount) {
			return groups.batches()
		}
		return roundRobin(items, workerCount)
	default:
		if len(items) < AdaptiveThreshold {
			return roundRobin(items, workerCount)
		}
		if groups := byKey(items); affinityApplies(len(groups.keys), workerCount) {
			return groups.batches()
		}
		return roundRobin(items, workerCount)
	}
}

// Key is the grouping key used for directory affinity: the item's parent path.
func Key(item string) string {
	return filepath.Dir(item)
}

func affinityApplies(keys, workerCount int) bool {
	return keys > 1 && keys <= workerCount
}

// roundRobin assigns item i to batch i mod n and drops empty batches.
func roundRobin(items []string, n int) [][]string {
	if n > len(items) {
		n = len(items)
	}
	batches := make([][]string, n)
	for i, item := range items {
		batches[i%n] = append(batches[i%n], item)
	}
	return batches
}

// keyGroups keeps groups in first-seen key order so partitioning stays
// deterministic.
type keyGroups struct {
	keys   []string
	groups map[string][]string
}

func byKey(items []string) keyGroups {
	g := keyGroups{groups: make(map[string][]string)}
	for _, item := range items {
		k := Key(item)
		if _, ok := g.groups[k]; !ok {
			g.keys = append(g.keys, k)
		}
		g.groups[k] = append(g.groups[k], item)
	}
	return g
}

func (g keyGroups) batches() [][]string {
	out := make([][]string, 0, len(g.keys))
	for _, k := range g.keys {
		out = append(out, g.groups[k])
	}
	return out
}
