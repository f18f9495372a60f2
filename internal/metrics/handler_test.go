package metrics

import (
	"testing"

	"hyperflow/logger"
)

func TestRegisterMetricHandlerDispatch(t *testing.T) {
	var received []Metric
	id := RegisterMetricHandler(func(m Metric) {
		received = append(received, m)
	})
	defer UnregisterMetricHandler(id)

	if id == 0 {
		t.Fatal("expected non-zero handler id")
	}

	EmitMetric(logger.GetLogger(), "test_component", "test_metric", 7, "counter", logger.Fields{
		"symbol": "BTC",
	})

	if len(received) != 1 {
		t.Fatalf("handler received %d metrics, want 1", len(received))
	}
	m := received[0]
	if m.Component != "test_component" || m.Name != "test_metric" || m.Type != "counter" {
		t.Errorf("unexpected metric: %+v", m)
	}
	if m.Fields["symbol"] != "BTC" {
		t.Errorf("fields not carried: %+v", m.Fields)
	}
}

func TestRegisterMetricHandlerNil(t *testing.T) {
	if id := RegisterMetricHandler(nil); id != 0 {
		t.Errorf("nil handler returned id %d, want 0", id)
	}
}

func TestEmitMetricEmptyName(t *testing.T) {
	var count int
	id := RegisterMetricHandler(func(Metric) { count++ })
	defer UnregisterMetricHandler(id)

	EmitMetric(logger.GetLogger(), "test_component", "", 1, "counter", nil)

	if count != 0 {
		t.Errorf("metric with empty name dispatched %d times", count)
	}
}

func TestEmitMetricClonesFields(t *testing.T) {
	var got logger.Fields
	id := RegisterMetricHandler(func(m Metric) { got = m.Fields })
	defer UnregisterMetricHandler(id)

	fields := logger.Fields{"stage": "raw"}
	EmitMetric(logger.GetLogger(), "test_component", "clone_check", 1, "gauge", fields)
	fields["stage"] = "mutated"

	if got["stage"] != "raw" {
		t.Errorf("handler fields aliased caller map: %v", got)
	}
}

func TestIsFeatureEnabled(t *testing.T) {
	t.Setenv("HYPERFLOW_METRICS_FEATURES", "")
	if !IsFeatureEnabled(FeatureChannelSize) {
		t.Error("empty allow list should enable every feature")
	}

	t.Setenv("HYPERFLOW_METRICS_FEATURES", "writer_stats")
	if IsFeatureEnabled(FeatureChannelSize) {
		t.Error("channel_size should be disabled by the allow list")
	}
	if !IsFeatureEnabled(FeatureWriterStats) {
		t.Error("writer_stats should be enabled by the allow list")
	}

	t.Setenv("HYPERFLOW_METRICS_FEATURES", "Channel_Size , writer_stats")
	if !IsFeatureEnabled(FeatureChannelSize) {
		t.Error("allow list matching should be case-insensitive")
	}
}
