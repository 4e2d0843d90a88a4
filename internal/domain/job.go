package domain

import "github.com/google/uuid"

// Job represents one request to execute a snippet end-to-end.
// It has no persisted state; the ID is the only value that outlives the pipeline.
type Job struct {
	ID       string   `json:"id"`
	Language Language `json:"language"`
	Code     string   `json:"code"`
}

// NewJob creates a job with a fresh identifier.
// IDs are never reused and never derived from user input.
func NewJob(lang Language, code string) Job {
	return Job{
		ID:       uuid.NewString(),
		Language: lang,
		Code:     code,
	}
}

// Result is the outcome of a job that made it through the pipeline.
type Result struct {
	JobID    string       `json:"job_id"`
	Events   []TraceEvent `json:"-"`
	ExitCode int          `json:"exit_code"`
	// Uploaded is false when the trace was empty and the upload was skipped.
	Uploaded bool `json:"uploaded"`
}
