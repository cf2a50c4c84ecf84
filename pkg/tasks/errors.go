package tasks

import "errors"

var (
	// ErrUnknownTask is returned when a TaskID has no registered handler.
	ErrUnknownTask = errors.New("unknown task")

	// ErrDoubleStop is reported when a stop arrives for a task that is not
	// running, e.g. a second stop or a stop after natural completion.
	ErrDoubleStop = errors.New("task is not running")

	// ErrTaskRunning is reported when a start arrives for a task that
	// already has a live handler.
	ErrTaskRunning = errors.New("task is already running")
)
