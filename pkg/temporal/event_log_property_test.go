//go:build property
// +build property

package temporal_test

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/cgrhq/cgr/pkg/temporal"
)

const propertyAnchor = "0000000000000000"

// TestRecordIDDeterminism verifies that recording the same event twice into
// two identical logs produces the same content-addressed id and causal
// hash, regardless of payload key insertion order.
func TestRecordIDDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("event ids are deterministic across payload key order", prop.ForAll(
		func(actor, a, b string) bool {
			logA := temporal.NewEventLog(propertyAnchor, 100)
			logB := temporal.NewEventLog(propertyAnchor, 100)

			payload1 := map[string]any{"a": a, "b": b}
			payload2 := map[string]any{"b": b, "a": a}

			e1, _, err1 := logA.Record(context.Background(), "policy_created", actor, propertyAnchor, payload1, nil)
			e2, _, err2 := logB.Record(context.Background(), "policy_created", actor, propertyAnchor, payload2, nil)
			if err1 != nil || err2 != nil {
				return false
			}

			return e1.CausalHash == e2.CausalHash
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// TestCausalFrontierNeverContainsParents verifies that after recording a
// chain of events, the frontier only ever contains leaf ids — no id that
// is a parent of another recorded event.
func TestCausalFrontierNeverContainsParents(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("frontier excludes every recorded parent", prop.ForAll(
		func(actor string, chainLen int) bool {
			n := (chainLen % 10) + 1
			log := temporal.NewEventLog(propertyAnchor, 100)

			var parents []string
			parentSet := make(map[string]bool)
			for i := 0; i < n; i++ {
				e, _, err := log.Record(context.Background(), "policy_created", actor, propertyAnchor,
					map[string]any{"i": i}, parents)
				if err != nil {
					return false
				}
				for _, p := range parents {
					parentSet[p] = true
				}
				parents = []string{e.ID}
			}

			for _, id := range log.Frontier() {
				if parentSet[id] {
					return false
				}
			}
			return true
		},
		gen.AlphaString(),
		gen.IntRange(1, 10),
	))

	properties.TestingRun(t)
}
