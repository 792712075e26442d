package form

import "time"

// Submission is the reviewed data posted once a form is complete.
type Submission struct {
	FormTitle string         `json:"form_title"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// Receipt acknowledges a stored submission.
type Receipt struct {
	SubmissionID string `json:"submission_id"`
	Message      string `json:"message,omitempty"`
}
