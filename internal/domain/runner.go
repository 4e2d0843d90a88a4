package domain

import "context"

// RunOutput is what a container run leaves behind once the container is gone.
type RunOutput struct {
	// Logs is the combined stdout/stderr of the guest, in the order the runtime delivered it.
	Logs []byte
	// ExitCode of the guest process. A non-zero code is a normal outcome.
	ExitCode int
	// TimedOut is set when the run was killed for exceeding the execution timeout.
	TimedOut bool
}

// ImageProvisioner makes sure the runtime image for a language is resident.
type ImageProvisioner interface {
	// EnsureImage is a no-op when the image exists and builds it otherwise.
	EnsureImage(ctx context.Context, lang Language) error
}

// ContainerRunner defines the contract for executing a job within an isolated container environment.
// Implementations own the container for the duration of Run and must destroy every container they create,
// whether or not the run succeeded.
type ContainerRunner interface {
	// Run executes the job and returns the collected output.
	// A guest crash is reported through RunOutput.ExitCode, not through the error.
	Run(ctx context.Context, job Job) (RunOutput, error)
}

// TraceStore receives the decoded trace of a finished job.
type TraceStore interface {
	Upload(ctx context.Context, jobID string, events []TraceEvent) error
}

// Broadcaster fans out live messages for a job to whoever is watching it.
type Broadcaster interface {
	Broadcast(ctx context.Context, jobID string, msg string) error
	// Done signals that no more messages will be sent for the job.
	Done(ctx context.Context, jobID string) error
}
