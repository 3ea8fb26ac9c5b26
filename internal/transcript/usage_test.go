package transcript

import (
	"testing"

	"github.com/agentfleet/conductor/internal/pricing"
	"github.com/stretchr/testify/require"
)

func TestExtractUsage(t *testing.T) {
	rec := record(t, `{"type":"assistant","message":{"id":"msg1","role":"assistant","model":"claude-sonnet-4-5","usage":{"input_tokens":100,"output_tokens":50,"cache_read_input_tokens":10},"content":[{"type":"text","text":"hi"}]}}`)
	u, ok := ExtractUsage(rec)
	require.True(t, ok)
	require.Equal(t, "msg1", u.MessageID)
	require.Equal(t, 100, u.InputTokens)
	require.Equal(t, 50, u.OutputTokens)
	require.Equal(t, 10, u.CacheRead)
	require.Equal(t, 160, u.ContextUsage())
}

func TestExtractUsageMissing(t *testing.T) {
	rec := record(t, `{"type":"user","message":{"role":"user","content":[{"type":"text","text":"hi"}]}}`)
	_, ok := ExtractUsage(rec)
	require.False(t, ok)
}

func TestComputeCostDedup(t *testing.T) {
	schedule := pricing.Default()
	seen := map[string]bool{}
	u := UsageExtract{MessageID: "dup", Model: "default", InputTokens: 1_000_000}

	first := ComputeCost(u, schedule, seen)
	require.Greater(t, first, 0.0)

	second := ComputeCost(u, schedule, seen)
	require.Equal(t, 0.0, second)
}

func TestComputeCostWithoutMessageIDNeverSuppressed(t *testing.T) {
	schedule := pricing.Default()
	seen := map[string]bool{}
	u := UsageExtract{Model: "default", InputTokens: 1_000_000}

	require.Greater(t, ComputeCost(u, schedule, seen), 0.0)
	require.Greater(t, ComputeCost(u, schedule, seen), 0.0)
}
