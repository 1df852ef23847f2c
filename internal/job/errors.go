package job

import "errors"

var (
	ErrNotFound      = errors.New("job: not found")
	ErrInvalidState  = errors.New("job: invalid state transition")
	ErrInvalidResult = errors.New("job: invalid result")
	ErrInvalidTask   = errors.New("job: invalid task")
	ErrQueueFull     = errors.New("job: queue full")
)
