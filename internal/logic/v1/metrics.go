package v1

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sessions_created_total",
		Help: "Sessions created, by initial state.",
	}, []string{"state"})

	sessionsExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sessions_expired_total",
		Help: "Expired sessions removed, by where the expiry was detected (read or sweep).",
	}, []string{"source"})

	sessionsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sessions_live",
		Help: "Live sessions observed by the last sweep.",
	})
)
