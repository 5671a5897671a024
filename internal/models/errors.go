package models

import "errors"

var (
	// ErrValidation marks a malformed or empty submission.
	ErrValidation = errors.New("validation error")
	// ErrUpstream marks a failed or unparseable collaborator call.
	ErrUpstream = errors.New("upstream error")
	// ErrTimeout marks a poller that gave up observing an external job.
	ErrTimeout = errors.New("timed out waiting for external job")
	// ErrNotFound marks an unknown task id.
	ErrNotFound = errors.New("task not found")
	// ErrTaskExists is returned when a task id is created twice.
	ErrTaskExists = errors.New("task already exists")
)
