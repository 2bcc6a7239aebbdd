package events

// JobStartedData is the payload of JobStarted.
type JobStartedData struct {
	JobID       string `json:"job_id"`
	Course      string `json:"course"`
	Bundle      string `json:"bundle"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// JobCompletedData is the payload of JobCompleted.
type JobCompletedData struct {
	JobID      string   `json:"job_id"`
	Course     string   `json:"course"`
	Bundle     string   `json:"bundle"`
	Status     string   `json:"status"`
	ExitCode   *int     `json:"exit_code,omitempty"`
	DurationMS int64    `json:"duration_ms"`
	Errors     []string `json:"errors,omitempty"`
}

// RecoveryData is the payload of RecoveryStarted and RecoveryFinished.
type RecoveryData struct {
	Course  string `json:"course"`
	Pending int    `json:"pending"`
}

// QueueIdleData is the payload of QueueIdle.
type QueueIdleData struct {
	Course string `json:"course"`
}

// BundleSubmittedData is the payload of BundleSubmitted.
type BundleSubmittedData struct {
	Course string `json:"course"`
	Bundle string `json:"bundle"`
	Size   int64  `json:"size"`
	Remote string `json:"remote,omitempty"`
}
