//go:build property
// +build property

package dagexec

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// stepsFromEdgeBits builds an acyclic step set from n and a flat bit vector
// over the pairs (i, j) with i < j: a nonzero bit means step j depends on
// step i. Edges only ever point from a lower index to a higher one, so the
// generated graph can never contain a cycle.
func stepsFromEdgeBits(n int, bits []int) []Step {
	steps := make([]Step, n)
	k := 0
	for j := 0; j < n; j++ {
		id := fmt.Sprintf("s%d", j)
		var deps []string
		for i := 0; i < j; i++ {
			if k < len(bits) && bits[k]%3 == 0 {
				deps = append(deps, fmt.Sprintf("s%d", i))
			}
			k++
		}
		steps[j] = Step{ID: id, DependsOn: deps}
	}
	return steps
}

// TestLayeringRespectsDependencyOrder verifies the layering invariant for
// any acyclic step set: a step's layer always comes strictly
// after every one of its dependencies' layers.
func TestLayeringRespectsDependencyOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	const maxN = 7
	const maxBits = maxN * (maxN - 1) / 2

	properties.Property("dependents are always layered after their dependencies", prop.ForAll(
		func(n int, bits []int) bool {
			steps := stepsFromEdgeBits(n, bits)

			layers, err := layer(steps)
			if err != nil {
				return false // acyclic by construction; layer() must never fail
			}

			depth := make(map[string]int, len(steps))
			for d, lsteps := range layers {
				for _, s := range lsteps {
					depth[s.ID] = d
				}
			}

			for _, s := range steps {
				for _, dep := range s.DependsOn {
					if depth[s.ID] <= depth[dep] {
						return false
					}
				}
			}
			return true
		},
		gen.IntRange(1, maxN),
		gen.SliceOfN(maxBits, gen.IntRange(0, 5)),
	))

	properties.TestingRun(t)
}

// TestLayeringCoversEveryStepExactlyOnce verifies layer() neither drops nor
// duplicates a step across the layering it produces.
func TestLayeringCoversEveryStepExactlyOnce(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	const maxN = 7
	const maxBits = maxN * (maxN - 1) / 2

	properties.Property("every input step id appears exactly once across all layers", prop.ForAll(
		func(n int, bits []int) bool {
			steps := stepsFromEdgeBits(n, bits)

			layers, err := layer(steps)
			if err != nil {
				return false
			}

			seen := make(map[string]int, len(steps))
			for _, lsteps := range layers {
				for _, s := range lsteps {
					seen[s.ID]++
				}
			}
			if len(seen) != len(steps) {
				return false
			}
			for _, count := range seen {
				if count != 1 {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, maxN),
		gen.SliceOfN(maxBits, gen.IntRange(0, 5)),
	))

	properties.TestingRun(t)
}
