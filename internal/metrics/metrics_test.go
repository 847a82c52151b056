package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/1Optic/cortex-dispatcher/internal/errkind"
)

func TestCountErrorLabelsByKind(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.CountError(errkind.New(errkind.TransientIO, "broker unreachable"))
	m.CountError(errkind.New(errkind.TransientIO, "broker unreachable again"))
	m.CountError(errkind.New(errkind.Data, "hash mismatch"))

	metric := &dto.Metric{}
	if err := m.ErrorsByKind.WithLabelValues(string(errkind.TransientIO)).Write(metric); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if metric.Counter.GetValue() != 2 {
		t.Fatalf("expected 2 transient_io errors, got %v", metric.Counter.GetValue())
	}
}
