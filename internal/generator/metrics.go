package generator

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

type jobMetrics struct {
	jobs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight *prometheus.GaugeVec
}

func newJobMetrics(reg prometheus.Registerer) (*jobMetrics, error) {
	m := &jobMetrics{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bindwatch_generation_jobs_total",
			Help: "Number of completed binding generation jobs, by schema and result.",
		}, []string{"schema", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bindwatch_generation_duration_seconds",
			Help:    "Duration of binding generation jobs which ran to completion.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"schema"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bindwatch_generation_jobs_in_flight",
			Help: "Number of binding generation jobs currently running, by schema.",
		}, []string{"schema"}),
	}

	for _, c := range []prometheus.Collector{m.jobs, m.duration, m.inFlight} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register generation metrics: %v", err)
		}
	}
	return m, nil
}

// start accounts for a running job of schema. The returned function must be called with the job result.
func (m *jobMetrics) start(schema string) func(Result) {
	m.inFlight.WithLabelValues(schema).Inc()
	return func(res Result) {
		m.inFlight.WithLabelValues(schema).Dec()
		m.jobs.WithLabelValues(schema, resultLabel(res)).Inc()
		if res.Err == nil {
			m.duration.WithLabelValues(schema).Observe(res.Duration.Seconds())
		}
	}
}

func resultLabel(res Result) string {
	switch {
	case res.Err != nil:
		return "error"
	case res.ExitCode != 0:
		return "failure"
	default:
		return "success"
	}
}
