package metrics

import "hyperflow/logger"

// WriterStats holds point-in-time counters for the batched sample writer.
type WriterStats struct {
	RowsWritten   int64
	Flushes       int64
	Failures      int64
	DroppedOldest int64
	Buffered      int64
}

// ReportWriter emits the common writer metrics under the given component name.
func ReportWriter(log *logger.Log, component string, stats WriterStats) {
	if !IsFeatureEnabled(FeatureWriterStats) {
		return
	}

	l := log.WithComponent(component)

	l.LogMetric(component, "rows_written", stats.RowsWritten, "counter", logger.Fields{})
	l.LogMetric(component, "flushes", stats.Flushes, "counter", logger.Fields{})
	l.LogMetric(component, "failures", stats.Failures, "counter", logger.Fields{})
	l.LogMetric(component, "dropped_oldest", stats.DroppedOldest, "counter", logger.Fields{})
	l.LogMetric(component, "buffered", stats.Buffered, "gauge", logger.Fields{})

	l.WithFields(logger.Fields{
		"rows_written":   stats.RowsWritten,
		"flushes":        stats.Flushes,
		"failures":       stats.Failures,
		"dropped_oldest": stats.DroppedOldest,
		"buffered":       stats.Buffered,
	}).Info("writer metrics")
}
