package audit

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordWritesPrefixedJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf)

	err := l.Record(context.Background(), "tenant-a", "actor-a", EventMutation, "update", "envelope:e1", map[string]interface{}{"field": "status"})
	require.NoError(t, err)

	line := buf.String()
	require.True(t, strings.HasPrefix(line, "AUDIT: "))
	require.Contains(t, line, `"tenant_id":"tenant-a"`)
	require.Contains(t, line, `"type":"MUTATION"`)
}
