// Registers:
//
//	#Hyperflow_fetch_attempts_total / Hyperflow_fetch_errors_total
//	#Hyperflow_samples_written_total / Hyperflow_samples_dropped_total
//	#Hyperflow_tier_markets / Hyperflow_tier_transitions_total
//	#go_* and process_* system metrics
//
// Exposes them on :2112/metrics using Prometheus HTTP handler
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once            sync.Once
	fetchAttempts   *prometheus.CounterVec
	fetchErrors     *prometheus.CounterVec
	samplesWritten  prometheus.Counter
	samplesDropped  prometheus.Counter
	tierMarkets     *prometheus.GaugeVec
	tierTransitions *prometheus.CounterVec
	bufferedSamples prometheus.Gauge
	fallbackActive  prometheus.Gauge
	insertsPerSec   prometheus.Gauge
	metricEvents    *prometheus.CounterVec
)

func Init(listenAddr string) {
	once.Do(func() {
		if listenAddr == "" {
			listenAddr = "0.0.0.0:2112"
		}

		fetchAttempts = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "Hyperflow_fetch_attempts_total",
				Help: "Number of order book fetches issued per tier",
			},
			[]string{"tier"},
		)

		fetchErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "Hyperflow_fetch_errors_total",
				Help: "Number of failed order book fetches per tier",
			},
			[]string{"tier"},
		)

		samplesWritten = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "Hyperflow_samples_written_total",
			Help: "Number of market samples committed to storage",
		})

		samplesDropped = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "Hyperflow_samples_dropped_total",
			Help: "Number of market samples evicted before commit",
		})

		tierMarkets = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "Hyperflow_tier_markets",
				Help: "Number of markets assigned to each sampling tier",
			},
			[]string{"tier"},
		)

		tierTransitions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "Hyperflow_tier_transitions_total",
				Help: "Tier promotions, demotions and exclusions",
			},
			[]string{"kind"},
		)

		bufferedSamples = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "Hyperflow_buffered_samples",
			Help: "Samples waiting in the ingest buffer",
		})

		fallbackActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "Hyperflow_fallback_active",
			Help: "1 while tiers are held from the last complete ranking cycle",
		})

		insertsPerSec = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "Hyperflow_inserts_per_sec",
			Help: "Average sample insert rate over the last status window",
		})

		metricEvents = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "Hyperflow_metric_events_total",
				Help: "Structured metric events emitted through EmitMetric",
			},
			[]string{"component", "name", "type"},
		)

		_ = prometheus.Register(fetchAttempts)
		_ = prometheus.Register(fetchErrors)
		_ = prometheus.Register(samplesWritten)
		_ = prometheus.Register(samplesDropped)
		_ = prometheus.Register(tierMarkets)
		_ = prometheus.Register(tierTransitions)
		_ = prometheus.Register(bufferedSamples)
		_ = prometheus.Register(fallbackActive)
		_ = prometheus.Register(insertsPerSec)
		_ = prometheus.Register(metricEvents)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		RegisterMetricHandler(func(m Metric) {
			metricEvents.WithLabelValues(m.Component, m.Name, m.Type).Inc()
		})

		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(listenAddr, nil); err != nil {
				panic("metrics server failed: " + err.Error())
			}
		}()
	})
}

// IncrementFetch increases the fetch attempt counter for a tier.
func IncrementFetch(tier string) {
	if fetchAttempts != nil {
		fetchAttempts.WithLabelValues(tier).Inc()
	}
}

// IncrementFetchError increases the fetch error counter for a tier.
func IncrementFetchError(tier string) {
	if fetchErrors != nil {
		fetchErrors.WithLabelValues(tier).Inc()
	}
}

// AddSamplesWritten records n samples committed to storage.
func AddSamplesWritten(n int) {
	if samplesWritten != nil && n > 0 {
		samplesWritten.Add(float64(n))
	}
}

// AddSamplesDropped records n samples evicted from the buffer or channel.
func AddSamplesDropped(n int) {
	if samplesDropped != nil && n > 0 {
		samplesDropped.Add(float64(n))
	}
}

// AddTierTransitions records the transitions of one classification window.
func AddTierTransitions(promotions, demotions, exclusions int) {
	if tierTransitions == nil {
		return
	}
	if promotions > 0 {
		tierTransitions.WithLabelValues("promotion").Add(float64(promotions))
	}
	if demotions > 0 {
		tierTransitions.WithLabelValues("demotion").Add(float64(demotions))
	}
	if exclusions > 0 {
		tierTransitions.WithLabelValues("exclusion").Add(float64(exclusions))
	}
}

// SetTierMarkets sets the market count gauge for a tier.
func SetTierMarkets(tier string, n int) {
	if tierMarkets != nil {
		tierMarkets.WithLabelValues(tier).Set(float64(n))
	}
}

// SetBufferedSamples sets the ingest buffer occupancy gauge.
func SetBufferedSamples(n int64) {
	if bufferedSamples != nil {
		bufferedSamples.Set(float64(n))
	}
}

// SetFallbackActive flips the fallback gauge.
func SetFallbackActive(active bool) {
	if fallbackActive == nil {
		return
	}
	if active {
		fallbackActive.Set(1)
	} else {
		fallbackActive.Set(0)
	}
}

// SetInsertsPerSec sets the insert rate gauge.
func SetInsertsPerSec(v float64) {
	if insertsPerSec != nil {
		insertsPerSec.Set(v)
	}
}
