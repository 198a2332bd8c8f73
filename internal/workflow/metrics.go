package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("erp-workflow/internal/workflow")

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workflow",
		Name:      "transitions_total",
		Help:      "Transition requests by pipeline, transition code and outcome.",
	}, []string{"pipeline", "transition", "outcome"})

	transitionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "workflow",
		Name:      "transition_duration_seconds",
		Help:      "Time spent applying a transition, retries included.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"outcome"})

	staleEntities = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "workflow",
		Name:      "stale_entities",
		Help:      "Stale entities reported by the last dashboard computation, capped at the dashboard page size.",
	}, []string{"pipeline"})
)
