// Package metrics exposes Prometheus metrics for the task bridge. Task
// counters are fed from the dispatcher's event bus; queue depths are polled
// from the job store.
package metrics

import (
	"context"
	"time"

	"github.com/guido-cesarano/taskbridge/pkg/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the collectors.
type Metrics struct {
	// tasksTotal counts lifecycle events.
	// Labels:
	//   - task: registered task name
	//   - event: started, finished, stopped, start_failed, stop_ignored
	tasksTotal *prometheus.CounterVec

	// running tracks asynchronously running tasks.
	running prometheus.Gauge

	// taskDuration tracks how long runs take, synchronous or not.
	taskDuration *prometheus.HistogramVec

	// reschedules counts runs that ended asking to run again.
	reschedules *prometheus.CounterVec

	// queueDepth tracks the size of each job store key.
	// This gauge is updated periodically by CollectQueueDepths.
	queueDepth *prometheus.GaugeVec
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer
// in binaries and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		tasksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskbridge_tasks_total",
			Help: "Task lifecycle events by task and event kind",
		}, []string{"task", "event"}),
		running: f.NewGauge(prometheus.GaugeOpts{
			Name: "taskbridge_running_tasks",
			Help: "Number of tasks running asynchronously",
		}),
		taskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskbridge_task_duration_seconds",
			Help:    "Duration of task runs",
			Buckets: prometheus.DefBuckets,
		}, []string{"task"}),
		reschedules: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskbridge_reschedules_total",
			Help: "Runs that ended with a reschedule request",
		}, []string{"task"}),
		queueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskbridge_queue_depth",
			Help: "Number of jobs in each job store key",
		}, []string{"queue"}),
	}
}

// Observe updates the collectors for one event.
func (m *Metrics) Observe(ev events.Event) {
	m.tasksTotal.WithLabelValues(ev.TaskName, string(ev.Kind)).Inc()

	switch ev.Kind {
	case events.TaskStarted:
		m.running.Inc()
	case events.TaskFinished:
		if ev.Async {
			m.running.Dec()
		}
		m.taskDuration.WithLabelValues(ev.TaskName).Observe(ev.Duration.Seconds())
	case events.TaskStopped:
		m.running.Dec()
		m.taskDuration.WithLabelValues(ev.TaskName).Observe(ev.Duration.Seconds())
	}

	if ev.NeedsReschedule {
		m.reschedules.WithLabelValues(ev.TaskName).Inc()
	}
}

// Subscribe feeds the collectors from bus.
func (m *Metrics) Subscribe(bus *events.Bus) events.Token {
	return bus.Subscribe(m.Observe)
}

// DepthSource reports job store sizes. *queue.Client implements it.
type DepthSource interface {
	Depths(ctx context.Context) map[string]int64
}

// CollectQueueDepths periodically queries src and updates the queue depth
// gauges until ctx is cancelled.
func (m *Metrics) CollectQueueDepths(ctx context.Context, src DepthSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RecordDepths(src.Depths(ctx))
		}
	}
}

// RecordDepths sets the queue depth gauges.
func (m *Metrics) RecordDepths(depths map[string]int64) {
	for queue, depth := range depths {
		m.queueDepth.WithLabelValues(queue).Set(float64(depth))
	}
}
