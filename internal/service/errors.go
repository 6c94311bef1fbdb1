package service

import "errors"

var (
	ErrWorkflowNotFound   = errors.New("workflow not found")
	ErrRunNotFound        = errors.New("run not found")
	ErrRunNotActive       = errors.New("run is not queued or running")
	ErrDispatchNotEnabled = errors.New("workflow has no workflow_dispatch trigger")
)

type ErrRunQueueFull struct{}

func (e ErrRunQueueFull) Error() string {
	return "run queue is full"
}

func NewErrRunQueueFull() *ErrRunQueueFull {
	return &ErrRunQueueFull{}
}

// InputError reports dispatch inputs the workflow does not accept.
type InputError struct {
	Err error
}

func (e *InputError) Error() string {
	return "invalid inputs: " + e.Err.Error()
}

func (e *InputError) Unwrap() error {
	return e.Err
}
