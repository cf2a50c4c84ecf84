// Package tasks defines the core data structures shared by the task bridge:
// task identifiers, scheduling constraints, parameter bags and the contract
// every background task handler implements.
package tasks

import (
	"context"
	"time"
)

// TaskID is an opaque integer naming a background job slot. It is unique
// across the process and stable across restarts, so it can be persisted.
type TaskID int

// Well-known task slots. Values are part of the persisted state and must
// never be reused for a different job.
const (
	GCMBackgroundJobID       TaskID = 1
	DownloadServiceJobID     TaskID = 53
	DownloadCleanupJobID     TaskID = 54
	OfflinePagesBackgroundID TaskID = 77
	OfflinePrefetchJobID     TaskID = 78
	TestJobID                TaskID = 0x00008378
)

// NetworkType is the connectivity a task requires before it may start.
type NetworkType string

const (
	NetworkNone      NetworkType = "none"
	NetworkAny       NetworkType = "any"
	NetworkUnmetered NetworkType = "unmetered"
)

// Constraints describe when the job scheduler is allowed to start a task.
//
// WindowStart and WindowEnd are offsets from the moment the task was
// scheduled. Once WindowEnd has passed the scheduler runs the task even if
// the other constraints do not hold. A zero WindowEnd means no deadline.
type Constraints struct {
	NetworkType      NetworkType   `json:"network_type" validate:"omitempty,oneof=none any unmetered"`
	RequiresCharging bool          `json:"requires_charging"`
	WindowStart      time.Duration `json:"window_start" validate:"gte=0"`
	WindowEnd        time.Duration `json:"window_end" validate:"omitempty,gtefield=WindowStart"`
}

// PeriodicInfo turns a task into a recurring one. Exactly one of Interval or
// Spec should be set; Spec is a standard five-field cron expression.
type PeriodicInfo struct {
	Interval time.Duration `json:"interval,omitempty" validate:"required_without=Spec,gte=0"`
	Flex     time.Duration `json:"flex,omitempty" validate:"gte=0"`
	Spec     string        `json:"spec,omitempty"`
}

// TaskInfo is everything the job scheduler needs to know about a task.
type TaskInfo struct {
	ID          TaskID        `json:"id"`
	Params      Parameters    `json:"params"`
	Constraints Constraints   `json:"constraints"`
	Periodic    *PeriodicInfo `json:"periodic,omitempty" validate:"omitempty"`

	// Persist keeps the task scheduled across restarts of the scheduler.
	Persist bool `json:"persist"`

	// UpdateCurrent replaces an already scheduled task with the same ID
	// instead of rejecting the request.
	UpdateCurrent bool `json:"update_current"`
}

// IsPeriodic reports whether the task recurs.
func (i TaskInfo) IsPeriodic() bool {
	return i.Periodic != nil
}

// FinishedCallback reports that an asynchronously running task is done.
// It may be invoked from any goroutine.
type FinishedCallback func(needsReschedule bool)

// Handler is the unit of work a TaskID maps to. A fresh Handler is built for
// every start, so implementations may keep per-run state in their fields.
type Handler interface {
	// OnStartTask begins the task. Returning true means the work continues
	// asynchronously and done will be called later; returning false means
	// the task already finished and done must not be called.
	OnStartTask(ctx context.Context, params Parameters, done FinishedCallback) bool

	// OnStopTask is called when the scheduler cancels a running task. The
	// return value asks the scheduler to run the task again later.
	OnStopTask(ctx context.Context, params Parameters) bool
}

// FuncHandler adapts plain functions to the Handler interface. A nil Stop
// never asks for a reschedule.
type FuncHandler struct {
	Start func(ctx context.Context, params Parameters, done FinishedCallback) bool
	Stop  func(ctx context.Context, params Parameters) bool
}

func (f FuncHandler) OnStartTask(ctx context.Context, params Parameters, done FinishedCallback) bool {
	if f.Start == nil {
		return false
	}
	return f.Start(ctx, params, done)
}

func (f FuncHandler) OnStopTask(ctx context.Context, params Parameters) bool {
	if f.Stop == nil {
		return false
	}
	return f.Stop(ctx, params)
}
