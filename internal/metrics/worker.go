package metrics

import "time"

// JobCompleted records a successful background job run
func JobCompleted(jobType string, duration time.Duration) {
	JobsTotal.WithLabelValues(jobType, "completed").Inc()
	JobDuration.WithLabelValues(jobType).Observe(duration.Seconds())
}

// JobFailed records a failed background job run
func JobFailed(jobType string) {
	JobsTotal.WithLabelValues(jobType, "failed").Inc()
}

// ReservationsSwept records reservations settled by the sweeper
func ReservationsSwept(n int64) {
	SweptReservationsTotal.Add(float64(n))
}
