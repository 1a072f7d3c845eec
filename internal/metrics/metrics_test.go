package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Issued.Inc()
	m.IssueRejected.WithLabelValues(ReasonCapacity).Inc()
	m.IssueRejected.WithLabelValues(ReasonCapacity).Inc()
	m.Observe("issue", time.Now())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Issued))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.IssueRejected.WithLabelValues(ReasonCapacity)))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "epass_operation_seconds")
}

func TestNewPanicsOnDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
