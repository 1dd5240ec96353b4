package messaging

import "time"

// JobMessage represents the data sent over RabbitMQ for a try-on job.
// Images stay in the job store; the message only names the job.
type JobMessage struct {
	JobID       string    `json:"job_id"`
	RequestID   string    `json:"request_id,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}
