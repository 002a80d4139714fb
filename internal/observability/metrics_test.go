package observability

import (
	"context"
	"strings"
	"testing"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bromic007/llamafarm-sub004/internal/models"
)

func newTestMetrics(t *testing.T) (*Metrics, *promclient.Registry) {
	t.Helper()
	reg := promclient.NewRegistry()
	m, err := NewMetricsWithRegisterer(reg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m, reg
}

// gatherNames flattens the registry into metric family names.
func gatherNames(t *testing.T, reg *promclient.Registry) []string {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	return names
}

func containsName(names []string, fragment string) bool {
	for _, n := range names {
		if strings.Contains(n, fragment) {
			return true
		}
	}
	return false
}

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	m.RecordHTTPRequest(ctx, "GET", "/healthz", 200, time.Millisecond)
	m.RecordGeneration(ctx, "llama3.1", false, models.Usage{PromptTokens: 1}, time.Millisecond)
	assert.Nil(t, m.OnModelLoad())
	assert.Nil(t, m.OnModelEvict())
	assert.NoError(t, m.RegisterQueueDepth(func() int { return 0 }))
	assert.NoError(t, m.Shutdown(ctx))
}

func TestRecordHTTPRequest(t *testing.T) {
	m, reg := newTestMetrics(t)

	m.RecordHTTPRequest(context.Background(), "GET", "/v1/:namespace/:project", 200, 5*time.Millisecond)

	names := gatherNames(t, reg)
	assert.True(t, containsName(names, "lf_http_requests"), "got %v", names)
	assert.True(t, containsName(names, "lf_http_latency"), "got %v", names)
}

func TestRecordGenerationTokens(t *testing.T) {
	m, reg := newTestMetrics(t)

	usage := models.Usage{PromptTokens: 12, CompletionTokens: 7, TotalTokens: 19}
	m.RecordGeneration(context.Background(), "llama3.1", false, usage, 40*time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)

	var prompt, completion float64
	for _, mf := range families {
		switch {
		case strings.Contains(mf.GetName(), "lf_generation_tokens_prompt"):
			prompt = mf.GetMetric()[0].GetCounter().GetValue()
		case strings.Contains(mf.GetName(), "lf_generation_tokens_completion"):
			completion = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, float64(12), prompt)
	assert.Equal(t, float64(7), completion)
}

func TestModelHooksTrackResidency(t *testing.T) {
	m, reg := newTestMetrics(t)

	load := m.OnModelLoad()
	evict := m.OnModelEvict()
	require.NotNil(t, load)
	require.NotNil(t, evict)

	load("language:llama3.1:default")
	load("encoder:nomic:default")
	evict("encoder:nomic:default")

	families, err := reg.Gather()
	require.NoError(t, err)

	var loaded float64
	var loads float64
	for _, mf := range families {
		switch {
		case strings.Contains(mf.GetName(), "lf_models_loaded"):
			loaded = mf.GetMetric()[0].GetGauge().GetValue()
		case strings.Contains(mf.GetName(), "lf_models_loads"):
			for _, sample := range mf.GetMetric() {
				loads += sample.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, float64(1), loaded)
	assert.Equal(t, float64(2), loads)
}

func TestRegisterQueueDepthObservedAtScrape(t *testing.T) {
	m, reg := newTestMetrics(t)

	depth := 3
	require.NoError(t, m.RegisterQueueDepth(func() int { return depth }))

	families, err := reg.Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range families {
		if strings.Contains(mf.GetName(), "lf_tasks_queue_depth") {
			found = true
			assert.Equal(t, float64(3), mf.GetMetric()[0].GetGauge().GetValue())
		}
	}
	assert.True(t, found, "queue depth gauge not gathered")
}
