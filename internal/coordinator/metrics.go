package coordinator

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

type counters struct {
	created   metric.Int64Counter
	completed metric.Int64Counter
	failed    metric.Int64Counter
	retried   metric.Int64Counter
	fallback  metric.Int64Counter
}

func (c *Coordinator) initMetrics(meter metric.Meter) {
	mk := func(name, desc string) metric.Int64Counter {
		ctr, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("{task}"))
		if err != nil {
			c.logger.Warn("failed to create counter", zap.String("name", name), zap.Error(err))
		}
		return ctr
	}
	c.counters = counters{
		created:   mk("phasegate.coordinator.tasks_created_total", "Tasks created"),
		completed: mk("phasegate.coordinator.tasks_completed_total", "Tasks completed"),
		failed:    mk("phasegate.coordinator.tasks_failed_total", "Tasks that reached a failed or contaminated state"),
		retried:   mk("phasegate.coordinator.tasks_retried_total", "Timed out tasks re-queued for another attempt"),
		fallback:  mk("phasegate.coordinator.fallback_total", "Fallbacks to sequential execution"),
	}
}

func add(ctx context.Context, ctr metric.Int64Counter, attrs ...attribute.KeyValue) {
	if ctr != nil {
		ctr.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// gauges are Prometheus gauges describing the coordinator's current load.
type gauges struct {
	running prometheus.Gauge
	queued  prometheus.Gauge
	enabled prometheus.Gauge
}

// newGauges registers the gauges on reg. A nil reg leaves them unregistered.
func newGauges(reg prometheus.Registerer) gauges {
	factory := promauto.With(reg)
	return gauges{
		running: factory.NewGauge(prometheus.GaugeOpts{
			Name: "phasegate_coordinator_running_tasks",
			Help: "Number of tasks currently running",
		}),
		queued: factory.NewGauge(prometheus.GaugeOpts{
			Name: "phasegate_coordinator_queued_tasks",
			Help: "Number of tasks waiting in the queue",
		}),
		enabled: factory.NewGauge(prometheus.GaugeOpts{
			Name: "phasegate_coordinator_parallel_enabled",
			Help: "1 while parallel execution is enabled, 0 after fallback",
		}),
	}
}

func (g gauges) set(s Status) {
	g.running.Set(float64(s.Running))
	g.queued.Set(float64(s.Queued))
	if s.Enabled {
		g.enabled.Set(1)
	} else {
		g.enabled.Set(0)
	}
}
