//go:build property
// +build property

package canonicalize_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/cgrhq/cgr/pkg/canonicalize"
)

// TestJCSKeyOrderInvariance verifies that two maps built from the same
// key/value pairs in different insertion orders canonicalize identically,
// which is the entire point of using JCS for content-addressed hashing.
func TestJCSKeyOrderInvariance(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("canonical hash is independent of map construction order", prop.ForAll(
		func(a, b, c string) bool {
			v1 := map[string]interface{}{"a": a, "b": b, "c": c}
			v2 := map[string]interface{}{"c": c, "b": b, "a": a}

			h1, err1 := canonicalize.CanonicalHash(v1)
			h2, err2 := canonicalize.CanonicalHash(v2)
			if err1 != nil || err2 != nil {
				return false
			}
			return h1 == h2
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
