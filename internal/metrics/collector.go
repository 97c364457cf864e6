// Package metrics exports run statistics to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/duet/go-controller/internal/events"
)

// Collector counts run events and times backend calls. It is an events.Sink.
type Collector struct {
	registry *prometheus.Registry

	turnsTotal         *prometheus.CounterVec
	silencesTotal      *prometheus.CounterVec
	loopsTotal         *prometheus.CounterVec
	verdictsTotal      *prometheus.CounterVec
	interventionsTotal *prometheus.CounterVec
	runsTotal          *prometheus.CounterVec
	generationSeconds  *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector registers all metrics on a fresh registry under namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.turnsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Turns finished, by outcome (accepted, forced, failed, silent)",
		},
		[]string{"outcome"},
	)
	c.silencesTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "silences_total",
			Help:      "Silenced turns by silence kind",
		},
		[]string{"kind"},
	)
	c.loopsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_detections_total",
			Help:      "Conversation loops detected, by corrective strategy",
		},
		[]string{"strategy"},
	)
	c.verdictsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluator_verdicts_total",
			Help:      "Evaluator verdicts by kind",
		},
		[]string{"verdict"},
	)
	c.interventionsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intervention_transitions_total",
			Help:      "Intervention state transitions by target state",
		},
		[]string{"state"},
	)
	c.runsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished runs by outcome",
		},
		[]string{"outcome"},
	)
	c.generationSeconds = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Backend generation call latency",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"status"},
	)
	return c
}

// Emit implements events.Sink.
func (c *Collector) Emit(_ context.Context, ev events.Event) error {
	switch ev.Kind {
	case events.KindTurnAccepted:
		outcome := "accepted"
		if ev.Override {
			outcome = "forced"
		}
		c.turnsTotal.WithLabelValues(outcome).Inc()
	case events.KindTurnFailed:
		c.turnsTotal.WithLabelValues("failed").Inc()
	case events.KindSilence:
		c.turnsTotal.WithLabelValues("silent").Inc()
		c.silencesTotal.WithLabelValues(ev.Silence).Inc()
	case events.KindLoopDetected:
		c.loopsTotal.WithLabelValues(ev.Strategy).Inc()
	case events.KindEvalVerdict:
		c.verdictsTotal.WithLabelValues(ev.Verdict).Inc()
	case events.KindIntervention:
		c.interventionsTotal.WithLabelValues(ev.State).Inc()
	case events.KindRunEnd:
		c.runsTotal.WithLabelValues(ev.Outcome).Inc()
	}
	return nil
}

// ObserveGeneration records one backend call.
func (c *Collector) ObserveGeneration(d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.generationSeconds.WithLabelValues(status).Observe(d.Seconds())
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
