//go:build property
// +build property

package dedup

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestSimHashProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("hashing is deterministic", prop.ForAll(
		func(text string) bool {
			return SimHash(text) == SimHash(text)
		},
		gen.AnyString(),
	))

	properties.Property("distance to self is zero", prop.ForAll(
		func(text string) bool {
			h := SimHash(text)
			return HammingDistance(h, h) == 0
		},
		gen.AnyString(),
	))

	properties.Property("distance is symmetric and bounded", prop.ForAll(
		func(a, b string) bool {
			d1 := HammingDistance(SimHash(a), SimHash(b))
			d2 := HammingDistance(SimHash(b), SimHash(a))
			return d1 == d2 && d1 >= 0 && d1 <= 64
		},
		gen.AnyString(), gen.AnyString(),
	))

	properties.Property("case and spacing do not change the hash", prop.ForAll(
		func(words []string) bool {
			if len(words) == 0 {
				return true
			}
			lower, upper := "", ""
			for _, w := range words {
				lower += " " + w
				upper += "  " + w
			}
			return SimHash(lower) == SimHash(upper)
		},
		gen.SliceOf(gen.Identifier()),
	))

	properties.TestingRun(t)
}
