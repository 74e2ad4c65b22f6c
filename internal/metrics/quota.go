package metrics

import "time"

// QuotaDecision records the outcome of a quota evaluation or admission
func QuotaDecision(metric, reason string) {
	QuotaDecisionsTotal.WithLabelValues(metric, reason).Inc()
}

// ReservationEvent records a reservation lifecycle event
func ReservationEvent(metric, event string) {
	ReservationsTotal.WithLabelValues(metric, event).Inc()
}

// QuotaStoreCall records the latency of a usage store call and counts it as
// an error when err is non-nil. Rejections are not errors.
func QuotaStoreCall(operation string, start time.Time, err error) {
	QuotaStoreDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		QuotaStoreErrorsTotal.WithLabelValues(operation).Inc()
	}
}

// GenerationFinished records a provider call's outcome and latency
func GenerationFinished(metric, status string, duration time.Duration) {
	GenerationsTotal.WithLabelValues(metric, status).Inc()
	GenerationDuration.WithLabelValues(metric).Observe(duration.Seconds())
}

// AITokens records provider token usage for a generation
func AITokens(input, output int) {
	if input > 0 {
		AITokensTotal.WithLabelValues("input").Add(float64(input))
	}
	if output > 0 {
		AITokensTotal.WithLabelValues("output").Add(float64(output))
	}
}
