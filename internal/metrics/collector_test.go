package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	dppmetrics "github.com/ekmixon/dpp/internal/metrics"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := dppmetrics.NewCollector(reg)

	if c.FramesSent == nil {
		t.Error("FramesSent is nil")
	}
	if c.FramesReceived == nil {
		t.Error("FramesReceived is nil")
	}
	if c.FramesDropped == nil {
		t.Error("FramesDropped is nil")
	}
	if c.Sessions == nil {
		t.Error("Sessions is nil")
	}
	if c.FragmentsSent == nil {
		t.Error("FragmentsSent is nil")
	}
	if c.BootstrapLookups == nil {
		t.Error("BootstrapLookups is nil")
	}
	if c.RelayReconnects == nil {
		t.Error("RelayReconnects is nil")
	}

	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
}

func TestFrameCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := dppmetrics.NewCollector(reg)

	c.IncFramesSent()
	c.IncFramesSent()
	c.IncFramesReceived()
	c.IncFramesDropped("no_route")
	c.IncFramesDropped("no_route")
	c.IncFramesDropped("malformed")

	if v := counterValue(t, c.FramesSent); v != 2 {
		t.Errorf("FramesSent = %v, want 2", v)
	}
	if v := counterValue(t, c.FramesReceived); v != 1 {
		t.Errorf("FramesReceived = %v, want 1", v)
	}
	if v := counterVecValue(t, c.FramesDropped, "no_route"); v != 2 {
		t.Errorf("FramesDropped{no_route} = %v, want 2", v)
	}
	if v := counterVecValue(t, c.FramesDropped, "malformed"); v != 1 {
		t.Errorf("FramesDropped{malformed} = %v, want 1", v)
	}
}

func TestRegisterUnregisterSession(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := dppmetrics.NewCollector(reg)

	c.RegisterSession("responder")
	c.RegisterSession("initiator")

	if v := gaugeVecValue(t, c.Sessions, "responder"); v != 1 {
		t.Errorf("Sessions{responder} = %v, want 1", v)
	}

	c.UnregisterSession("responder")
	if v := gaugeVecValue(t, c.Sessions, "responder"); v != 0 {
		t.Errorf("Sessions{responder} after unregister = %v, want 0", v)
	}
	if v := gaugeVecValue(t, c.Sessions, "initiator"); v != 1 {
		t.Errorf("Sessions{initiator} = %v, want 1 (unaffected)", v)
	}
}

func TestFragmentCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := dppmetrics.NewCollector(reg)

	c.IncFragmentsSent()
	c.IncFragmentsSent()
	c.IncFragmentsReceived()

	if v := counterValue(t, c.FragmentsSent); v != 2 {
		t.Errorf("FragmentsSent = %v, want 2", v)
	}
	if v := counterValue(t, c.FragmentsReceived); v != 1 {
		t.Errorf("FragmentsReceived = %v, want 1", v)
	}
}

func TestBootstrapLookups(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := dppmetrics.NewCollector(reg)

	c.RecordBootstrapLookup(true)
	c.RecordBootstrapLookup(false)
	c.RecordBootstrapLookup(false)

	if v := counterVecValue(t, c.BootstrapLookups, "hit"); v != 1 {
		t.Errorf("BootstrapLookups{hit} = %v, want 1", v)
	}
	if v := counterVecValue(t, c.BootstrapLookups, "miss"); v != 2 {
		t.Errorf("BootstrapLookups{miss} = %v, want 2", v)
	}
}

func TestRelayReconnects(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := dppmetrics.NewCollector(reg)

	c.IncRelayReconnects()
	if v := counterValue(t, c.RelayReconnects); v != 1 {
		t.Errorf("RelayReconnects = %v, want 1", v)
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func counterVecValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}
	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func gaugeVecValue(t *testing.T, vec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()
	gauge, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}
	m := &dto.Metric{}
	if err := gauge.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}
