package api

import "github.com/mattjoyce/gradeq/internal/history"

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	Course        string `json:"course"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueueDepth    int    `json:"queue_depth"`
}

// JobListResponse is returned by GET /jobs.
type JobListResponse struct {
	Jobs []*history.Record `json:"jobs"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
}
