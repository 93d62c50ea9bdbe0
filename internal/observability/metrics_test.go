package observability

import (
	"slices"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// touchAll gives every vec one child so that Gather reports its family.
func touchAll(m *Metrics) {
	m.PollTotal.WithLabelValues("success").Inc()
	m.SnapshotResources.WithLabelValues("vms").Set(3)
	m.APIRequestDuration.WithLabelValues("GET").Observe(0.01)
	m.APIRequestsTotal.WithLabelValues("GET", "200").Inc()
	m.LoginsTotal.WithLabelValues("ok").Inc()
	m.FetchErrorsTotal.WithLabelValues("node_status").Inc()
	m.ActionsTotal.WithLabelValues("vm", "start", "ok").Inc()
	m.AgentState.WithLabelValues("idle").Set(1)
}

func gather(t *testing.T, m *Metrics) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := m.Registry.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func TestNewMetrics_Families(t *testing.T) {
	m := NewMetrics()
	touchAll(m)
	families := gather(t, m)

	tests := []struct {
		name   string
		typ    dto.MetricType
		labels []string
	}{
		{"pve_agent_poll_duration_seconds", dto.MetricType_HISTOGRAM, nil},
		{"pve_agent_poll_total", dto.MetricType_COUNTER, []string{"result"}},
		{"pve_agent_consecutive_failures", dto.MetricType_GAUGE, nil},
		{"pve_agent_snapshot_build_duration_seconds", dto.MetricType_HISTOGRAM, nil},
		{"pve_agent_snapshot_resources", dto.MetricType_GAUGE, []string{"kind"}},
		{"pve_agent_api_request_duration_seconds", dto.MetricType_HISTOGRAM, []string{"method"}},
		{"pve_agent_api_requests_total", dto.MetricType_COUNTER, []string{"code", "method"}},
		{"pve_agent_api_response_bytes_total", dto.MetricType_COUNTER, nil},
		{"pve_agent_transport_retries_total", dto.MetricType_COUNTER, nil},
		{"pve_agent_logins_total", dto.MetricType_COUNTER, []string{"result"}},
		{"pve_agent_fetch_errors_total", dto.MetricType_COUNTER, []string{"endpoint"}},
		{"pve_agent_actions_total", dto.MetricType_COUNTER, []string{"action", "kind", "result"}},
		{"pve_agent_state", dto.MetricType_GAUGE, []string{"state"}},
	}
	require.Len(t, families, len(tests))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, ok := families[tt.name]
			require.True(t, ok, "family not registered")
			assert.Equal(t, tt.typ, f.GetType())

			require.NotEmpty(t, f.GetMetric())
			var labels []string
			for _, lp := range f.GetMetric()[0].GetLabel() {
				labels = append(labels, lp.GetName())
			}
			slices.Sort(labels)
			assert.Equal(t, tt.labels, labels)
		})
	}
}

func TestNewMetrics_PrivateRegistry(t *testing.T) {
	m := NewMetrics()
	touchAll(m)

	defaultFamilies, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, f := range defaultFamilies {
		if strings.HasPrefix(f.GetName(), "pve_agent_") {
			t.Errorf("metric %q leaked into the default registry", f.GetName())
		}
	}

	// Independent instances must not collide.
	other := NewMetrics()
	other.PollTotal.WithLabelValues("success").Inc()
	assert.Equal(t, 1.0, counterValue(t, m.PollTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, counterValue(t, other.PollTotal.WithLabelValues("success")))
}

func TestNewMetrics_Values(t *testing.T) {
	m := NewMetrics()

	m.PollTotal.WithLabelValues("failure").Inc()
	m.PollTotal.WithLabelValues("failure").Inc()
	m.ConsecutiveFailures.Set(2)
	m.APIResponseBytes.Add(2048)
	m.PollDuration.Observe(0.4)
	m.PollDuration.Observe(1.2)

	assert.Equal(t, 2.0, counterValue(t, m.PollTotal.WithLabelValues("failure")))
	assert.Equal(t, 2048.0, counterValue(t, m.APIResponseBytes))

	pb := &dto.Metric{}
	require.NoError(t, m.ConsecutiveFailures.Write(pb))
	assert.Equal(t, 2.0, pb.GetGauge().GetValue())

	pb = &dto.Metric{}
	require.NoError(t, m.PollDuration.Write(pb))
	assert.Equal(t, uint64(2), pb.GetHistogram().GetSampleCount())
	assert.InDelta(t, 1.6, pb.GetHistogram().GetSampleSum(), 1e-9)
}

func counterValue(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	pb := &dto.Metric{}
	if err := c.Write(pb); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	return pb.GetCounter().GetValue()
}
