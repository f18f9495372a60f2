package metrics

import (
	"os"
	"strings"
)

// Feature names an optional metrics emitter that can be toggled at runtime.
type Feature string

const (
	// FeatureChannelSize controls the periodic channel occupancy emitter.
	FeatureChannelSize Feature = "channel_size"
	// FeatureWriterStats controls the periodic ingest writer report.
	FeatureWriterStats Feature = "writer_stats"
)

// IsFeatureEnabled reports whether the named emitter is active. Features are
// toggled through HYPERFLOW_METRICS_FEATURES, a comma separated allow list.
// An unset or empty variable enables everything.
func IsFeatureEnabled(f Feature) bool {
	raw := strings.TrimSpace(os.Getenv("HYPERFLOW_METRICS_FEATURES"))
	if raw == "" {
		return true
	}
	for _, part := range strings.Split(raw, ",") {
		if strings.EqualFold(strings.TrimSpace(part), string(f)) {
			return true
		}
	}
	return false
}
