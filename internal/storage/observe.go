package storage

import (
	"time"

	"chatvault/internal/metrics"
)

func observe(operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.DatabaseOperations.WithLabelValues(operation, status).Inc()
	metrics.DatabaseOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
