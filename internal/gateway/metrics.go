package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	callsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workflow_calls_total",
		Help: "Outbound workflow engine calls by endpoint and outcome.",
	}, []string{"endpoint", "outcome"})

	callDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "workflow_call_duration_seconds",
		Help:    "Outbound workflow engine call latency by endpoint.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"endpoint"})

	breakerOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_open",
		Help: "1 when the endpoint's circuit breaker is open.",
	}, []string{"endpoint"})
)

const (
	outcomeSuccess     = "success"
	outcomeFailure     = "failure"
	outcomeTimeout     = "timeout"
	outcomeRejected    = "circuit_open"
	outcomeManualStart = "manual_login_started"
	outcomeCanceled    = "canceled"
)
