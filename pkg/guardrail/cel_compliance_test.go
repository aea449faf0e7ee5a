package guardrail

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCELComplianceNoRulesAlwaysScoresFull(t *testing.T) {
	c, err := NewCELCompliance()
	require.NoError(t, err)

	score, err := c.Score(context.Background(), map[string]any{"action": "root"})
	require.NoError(t, err)
	require.Equal(t, 1.0, score)
}

func TestCELComplianceScoresFractionOfPassingRules(t *testing.T) {
	c, err := NewCELCompliance()
	require.NoError(t, err)
	require.NoError(t, c.LoadRule("no_admin_override", `!has(payload.admin_override)`))
	require.NoError(t, c.LoadRule("no_root_action", `!has(payload.action) || payload.action != "root"`))

	score, err := c.Score(context.Background(), map[string]any{"action": "root"})
	require.NoError(t, err)
	require.Equal(t, 0.5, score)

	score, err = c.Score(context.Background(), map[string]any{"action": "read"})
	require.NoError(t, err)
	require.Equal(t, 1.0, score)
}

func TestCELComplianceRejectsInvalidExpression(t *testing.T) {
	c, err := NewCELCompliance()
	require.NoError(t, err)
	err = c.LoadRule("broken", `payload.foo +`)
	require.Error(t, err)
}

func TestCELComplianceRejectsNonDeterministicRules(t *testing.T) {
	c, err := NewCELCompliance()
	require.NoError(t, err)

	require.Error(t, c.LoadRule("uses_now", `now() > timestamp("2020-01-01T00:00:00Z")`))
	require.Error(t, c.LoadRule("uses_float", `payload.score > 0.5`))
	require.Error(t, c.LoadRule("uses_keys", `size(payload.keys()) > 0`))
}
