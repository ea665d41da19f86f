//go:build property
// +build property

package properties_test

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/helm-market/pkg/properties"
)

// Property: Flatten(obj) is identical across calls and independent of map
// insertion order.
func TestFlattenDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	props := gopter.NewProperties(parameters)

	props.Property("flatten is deterministic", prop.ForAll(
		func(keys []string, nums []float64) bool {
			forward := make(map[string]any)
			backward := make(map[string]any)
			n := len(keys)
			if len(nums) < n {
				n = len(nums)
			}
			for i := 0; i < n; i++ {
				forward[fmt.Sprintf("k%d.%s", i, keys[i])] = nums[i]
			}
			for i := n - 1; i >= 0; i-- {
				backward[fmt.Sprintf("k%d.%s", i, keys[i])] = nums[i]
			}
			a, errA := properties.Flatten(forward)
			b, errB := properties.Flatten(backward)
			if errA != nil || errB != nil {
				return (errA != nil) == (errB != nil)
			}
			if len(a) != len(b) {
				return false
			}
			for i := range a {
				if a[i] != b[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Identifier()),
		gen.SliceOf(gen.Float64Range(-1e6, 1e6)),
	))

	props.TestingRun(t)
}

// Property: a list equals its own literal rendering and each of its members.
func TestListEqualsMembers(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	props := gopter.NewProperties(parameters)

	props.Property("list equals self and members", prop.ForAll(
		func(items []string) bool {
			values := make([]properties.Value, len(items))
			for i, s := range items {
				values[i] = properties.String(s)
			}
			list := properties.List(values...)
			lit, err := properties.ParseLiteral(list.String())
			if err != nil || !list.Equals(lit) {
				return false
			}
			for _, v := range values {
				if !list.Equals(v) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	props.Property("literal rendering round-trips", prop.ForAll(
		func(s string, f float64) bool {
			for _, v := range []properties.Value{properties.String(s), properties.Number(f)} {
				again, err := properties.ParseLiteral(v.String())
				if err != nil || again.String() != v.String() {
					return false
				}
			}
			return true
		},
		gen.AnyString(),
		gen.Float64Range(-1e9, 1e9),
	))

	props.TestingRun(t)
}
