package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowhost_runs_total",
		Help: "Engine runs by final status.",
	}, []string{"status"})

	StepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowhost_steps_total",
		Help: "Steps executed by kind.",
	}, []string{"kind"})

	FaultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowhost_faults_total",
		Help: "Instance faults by cause.",
	}, []string{"cause"})

	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flowhost_run_duration_seconds",
		Help:    "Wall time of a single engine run.",
		Buckets: prometheus.DefBuckets,
	})

	DroppedSubscribers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowhost_hub_dropped_subscribers_total",
		Help: "Subscribers disconnected for not keeping up.",
	})

	TimerResumes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowhost_timer_resumes_total",
		Help: "Instances resumed by the timer dispatcher.",
	})
)
