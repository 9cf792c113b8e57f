package e2ee

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level metrics, matching internal/metrics's promauto.NewXVec
// convention: counters/gauges for handshakes, ratchet steps, decrypt
// failures, skipped-cache size, identity rotations, and one-time pre-key
// counts, carried as ambient observability even
// though this module's scope is the crypto core.
var (
	handshakesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "e2ee_handshakes_total",
		Help: "Total X3DH handshakes performed, by role and outcome.",
	}, []string{"role", "outcome"})

	ratchetStepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "e2ee_ratchet_steps_total",
		Help: "Total DH ratchet steps applied to a session.",
	}, []string{"reason"})

	decryptFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "e2ee_decrypt_failures_total",
		Help: "Total envelope decrypt failures, by error kind.",
	}, []string{"kind"})

	skippedCacheSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "e2ee_skipped_cache_size",
		Help: "Current size of a session's skipped-message-key cache.",
	}, []string{"session_id"})

	identityRotationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "e2ee_identity_rotations_total",
		Help: "Total identity rotation operations, by whether anything rotated.",
	}, []string{"rotated"})

	activeOneTimePreKeys = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "e2ee_active_one_time_prekeys",
		Help: "Count of unconsumed one-time pre-keys per identity.",
	}, []string{"user_id"})
)

func observeHandshake(role string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	handshakesTotal.WithLabelValues(role, outcome).Inc()
}

func observeRatchetStep(reason string) {
	ratchetStepsTotal.WithLabelValues(reason).Inc()
}

func observeDecryptFailure(kind string) {
	decryptFailuresTotal.WithLabelValues(kind).Inc()
}

func observeSkippedCacheSize(sessionID string, size int) {
	skippedCacheSize.WithLabelValues(sessionID).Set(float64(size))
}

func observeRotation(rotated bool) {
	label := "false"
	if rotated {
		label = "true"
	}
	identityRotationsTotal.WithLabelValues(label).Inc()
}

func observeActiveOneTimePreKeys(userID int64, count int) {
	activeOneTimePreKeys.WithLabelValues(formatUserID(userID)).Set(float64(count))
}

func formatUserID(userID int64) string {
	return fmt.Sprintf("%d", userID)
}
