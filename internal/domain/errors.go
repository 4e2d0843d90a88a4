package domain

import "fmt"

// Stage names the pipeline step a job failed in.
type Stage string

const (
	StageProvision Stage = "provision"
	StageCreate    Stage = "create"
	StageStart     Stage = "start"
	StageTimeout   Stage = "timeout"
	// StageUpload means the guest ran and its container is gone, but the trace never reached the store.
	StageUpload Stage = "upload"
)

// ExecError is the failure of a single job.
type ExecError struct {
	JobID string
	Stage Stage
	Err   error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("job %s failed at %s: %v", e.JobID, e.Stage, e.Err)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// RanButUploadFailed reports whether the sandboxed run itself completed.
func (e *ExecError) RanButUploadFailed() bool {
	return e.Stage == StageUpload
}
