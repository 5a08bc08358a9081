package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			if labelsMatch(m.GetLabel(), labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(pairs []*dto.LabelPair, want prometheus.Labels) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, p := range pairs {
		if want[p.GetName()] != p.GetValue() {
			return false
		}
	}
	return true
}

func TestTaggedScopeIncrementsCounterUnderItsOwnLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	registry := NewRegistry(reg)

	scope := registry.Tagged("h1:", "flagA")
	scope.IncCounter(RequestsAccepted)
	scope.IncCounter(RequestsAccepted)

	assert.Equal(t, 2.0, counterValue(t, reg, RequestsAccepted, prometheus.Labels{"endpoint": "h1:", "flag": "flagA"}))
}

func TestTaggedScopesAreIndependent(t *testing.T) {
	reg := prometheus.NewRegistry()
	registry := NewRegistry(reg)

	registry.Tagged("h1:", "").IncCounter(RequestsRejected)
	registry.Tagged("h2:", "").AddCounter(RequestsRejected, 3)

	assert.Equal(t, 1.0, counterValue(t, reg, RequestsRejected, prometheus.Labels{"endpoint": "h1:", "flag": ""}))
	assert.Equal(t, 3.0, counterValue(t, reg, RequestsRejected, prometheus.Labels{"endpoint": "h2:", "flag": ""}))
}

func TestUpdateGaugeSetsCurrentValue(t *testing.T) {
	reg := prometheus.NewRegistry()
	registry := NewRegistry(reg)

	scope := registry.Tagged("h1:", "")
	scope.UpdateGauge(CurrentRate, 250)
	scope.UpdateGauge(CurrentRate, 180)

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, fam := range families {
		if fam.GetName() != CurrentRate {
			continue
		}
		for _, m := range fam.GetMetric() {
			if labelsMatch(m.GetLabel(), prometheus.Labels{"endpoint": "h1:", "flag": ""}) {
				found = true
				assert.Equal(t, 180.0, m.GetGauge().GetValue())
			}
		}
	}
	assert.True(t, found)
}

func TestStopwatchRecordsAnObservation(t *testing.T) {
	reg := prometheus.NewRegistry()
	registry := NewRegistry(reg)

	sw := registry.Tagged("h1:", "").StartTimer(RequestDuration)
	sw.Stop()

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != RequestDuration {
			continue
		}
		for _, m := range fam.GetMetric() {
			if labelsMatch(m.GetLabel(), prometheus.Labels{"endpoint": "h1:", "flag": ""}) {
				assert.Equal(t, uint64(1), m.GetHistogram().GetSampleCount())
				return
			}
		}
	}
	t.Fatal("no observation recorded")
}

func TestNoopRegistryDiscardsObservationsSafely(t *testing.T) {
	scope := NoopRegistry().Tagged("h1:", "")
	assert.NotPanics(t, func() {
		scope.IncCounter(RequestsAccepted)
		scope.AddCounter(RequestsAccepted, 5)
		scope.UpdateGauge(CurrentRate, 10)
		scope.StartTimer(RequestDuration).Stop()
	})
}
