package metrics

import "hyperflow/logger"

// DropMetric identifies the metric name emitted when messages are dropped.
type DropMetric string

const (
	// DropMetricSampleRaw records samples dropped because the channel was full.
	DropMetricSampleRaw DropMetric = "sample_messages_dropped"
	// DropMetricSampleBuffered records samples evicted from the ingest buffer.
	DropMetricSampleBuffered DropMetric = "sample_buffer_evicted"
)

// EmitDropMetric logs and emits a metric representing a dropped message. The
// metric value is always one so callers invoke this helper per drop, except
// for buffer evictions where the count is passed explicitly.
func EmitDropMetric(log *logger.Log, metric DropMetric, venue, symbol, stage string, count int) {
	if count <= 0 {
		count = 1
	}

	fields := logger.Fields{}
	if venue != "" {
		fields["venue"] = venue
	}
	if symbol != "" {
		fields["symbol"] = symbol
	}
	if stage != "" {
		fields["stage"] = stage
	}

	EmitMetric(log, "channel_drops", string(metric), count, "counter", fields)
}
