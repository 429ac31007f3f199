package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RunsStarted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "allocator_runs_total", Help: "Generation runs started"})
	RunsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "allocator_runs_failed_total", Help: "Generation runs that raised a configuration error"})
	TasksGenerated   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "allocator_tasks_generated_total", Help: "Tasks emitted per type"}, []string{"type"})
	FallbackTitles   = prometheus.NewCounter(prometheus.CounterOpts{Name: "allocator_fallback_titles_total", Help: "Titles that fell back to canned text"})
	TitleRejections  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "allocator_title_rejections_total", Help: "Oracle candidates rejected per gate"}, []string{"gate"})
	OracleRetries    = prometheus.NewCounter(prometheus.CounterOpts{Name: "allocator_oracle_retries_total", Help: "Rate-limit retries against the text oracle"})
	ChannelCooldowns = prometheus.NewCounter(prometheus.CounterOpts{Name: "allocator_channel_cooldowns_total", Help: "Channels placed into cooldown by failure reports"})
	RunQueueDepth    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "allocator_run_queue_depth", Help: "Pending run requests"})
	TriggerRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "allocator_trigger_rejects_total", Help: "Run triggers rejected by the rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			RunsStarted,
			RunsFailed,
			TasksGenerated,
			FallbackTitles,
			TitleRejections,
			OracleRetries,
			ChannelCooldowns,
			RunQueueDepth,
			TriggerRejects,
		)
	})
	return promhttp.Handler()
}
