package core

import "errors"

// Errors shared by the job controllers and mapped to HTTP statuses by the API layer.
var (
	// ErrValidation indicates that a request or its parameters are invalid.
	ErrValidation = errors.New("validation failed")
	// ErrEngineUnavailable indicates that the conversion engine cannot serve requests.
	ErrEngineUnavailable = errors.New("voice conversion engine unavailable")
	// ErrProvider indicates that the remote composition provider rejected or failed a call.
	ErrProvider = errors.New("composition provider error")
	// ErrProviderNotConfigured indicates that no provider credentials were supplied.
	ErrProviderNotConfigured = errors.New("composition provider not configured")
	// ErrNotReady indicates that a job has not reached the completed state.
	ErrNotReady = errors.New("job not completed")
	// ErrRetrieval indicates that a remote artifact fetch failed.
	ErrRetrieval = errors.New("artifact retrieval failed")
	// ErrArtifactMissing indicates that the stored output of a completed job no longer exists.
	ErrArtifactMissing = errors.New("output file not found")
	// ErrNotCancellable indicates that a job already reached a terminal state.
	ErrNotCancellable = errors.New("job cannot be cancelled")
	// ErrObjectNotFound indicates that an object store key does not exist.
	ErrObjectNotFound = errors.New("object not found")
)
