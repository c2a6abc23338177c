// Package metrics holds the Prometheus instruments shared across the
// service; /metrics is served by promhttp in cmd/api.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ScansTotal counts terminal scan outcomes by tag.
	ScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_scans_total",
		Help: "Terminal attendance scan outcomes.",
	}, []string{"outcome"})

	// RotationsTotal counts token rotation attempts by result.
	RotationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_token_rotations_total",
		Help: "Session token rotation attempts.",
	}, []string{"result"})

	// SessionsStarted counts sessions opened by faculty.
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessions_started_total",
		Help: "Attendance sessions started.",
	})

	// SessionsEnded counts sessions closed, explicitly or by countdown.
	SessionsEnded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessions_ended_total",
		Help: "Attendance sessions ended.",
	})
)
