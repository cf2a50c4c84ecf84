// Package handlers holds the concrete background jobs the bridge can run.
package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/guido-cesarano/taskbridge/pkg/logger"
	"github.com/guido-cesarano/taskbridge/pkg/registry"
	"github.com/guido-cesarano/taskbridge/pkg/tasks"
	"github.com/rs/zerolog"
)

// Task types understood by the browser side.
const (
	TypeDownloadService = "download_service"
	TypeDownloadCleanup = "download_cleanup"
	TypeOfflinePrefetch = "offline_prefetch"
)

// Parameter keys.
const (
	ParamMaxPages     = "max_pages"
	ParamUseUnmetered = "use_unmetered"
)

var errNativeClosed = errors.New("native bridge is closed")

// Native is the fire-and-forget browser entry point. *native.Bridge
// implements it.
type Native interface {
	StartBackgroundWork(ctx context.Context, taskType string)
	Closed() bool
}

// Pool runs work off the control goroutine. *executor.Executor implements it.
type Pool interface {
	Submit(ctx context.Context, work func(ctx context.Context) error, callback func(error)) error
}

// Deps are shared by every handler instance.
type Deps struct {
	Native Native
	Pool   Pool
	Log    zerolog.Logger
	// Unmetered reports whether the current connection is unmetered. Nil
	// means no network information, treated as unmetered.
	Unmetered func() bool
}

// DefaultDeps uses the global component logger.
func DefaultDeps(n Native, pool Pool) Deps {
	return Deps{Native: n, Pool: pool, Log: logger.Component("handlers")}
}

// Register binds every handler in this package to its TaskID.
func Register(reg *registry.Registry, deps Deps) error {
	all := []struct {
		id      tasks.TaskID
		name    string
		factory registry.Factory
	}{
		{tasks.DownloadServiceJobID, "download_service", func() tasks.Handler { return &DownloadResumption{deps: deps} }},
		{tasks.DownloadCleanupJobID, "download_cleanup", func() tasks.Handler { return &DownloadCleanup{deps: deps} }},
		{tasks.OfflinePrefetchJobID, "offline_prefetch", func() tasks.Handler { return &OfflinePrefetch{deps: deps} }},
	}
	for _, h := range all {
		if err := reg.Register(h.id, h.name, h.factory); err != nil {
			return err
		}
	}
	return nil
}

// runAsync submits work and reports its outcome through done. Failed work
// asks for a reschedule. If the pool refuses the work the run is reported
// right away, also asking for a reschedule.
func runAsync(ctx context.Context, deps Deps, name string, work func(ctx context.Context) error, done tasks.FinishedCallback) bool {
	err := deps.Pool.Submit(ctx, work, func(err error) {
		if err != nil {
			deps.Log.Warn().Err(err).Str("task", name).Msg("Background work failed")
		}
		done(err != nil)
	})
	if err != nil {
		deps.Log.Error().Err(err).Str("task", name).Msg("Could not submit background work")
		done(true)
	}
	return true
}

func startNative(ctx context.Context, n Native, taskType string) error {
	if n.Closed() {
		return errNativeClosed
	}
	n.StartBackgroundWork(ctx, taskType)
	return nil
}

// DownloadResumption kicks the download service so interrupted downloads
// resume. The browser does the work; the run ends once the request is
// handed over.
type DownloadResumption struct {
	deps Deps
}

func (d *DownloadResumption) OnStartTask(ctx context.Context, _ tasks.Parameters, done tasks.FinishedCallback) bool {
	return runAsync(ctx, d.deps, TypeDownloadService, func(ctx context.Context) error {
		return startNative(ctx, d.deps.Native, TypeDownloadService)
	}, done)
}

// OnStopTask always asks to run again; pending downloads are still pending.
func (d *DownloadResumption) OnStopTask(context.Context, tasks.Parameters) bool {
	return true
}

// DownloadCleanup removes stale download entries. It is quick and runs
// synchronously.
type DownloadCleanup struct {
	deps Deps
}

func (d *DownloadCleanup) OnStartTask(ctx context.Context, _ tasks.Parameters, _ tasks.FinishedCallback) bool {
	if err := startNative(ctx, d.deps.Native, TypeDownloadCleanup); err != nil {
		d.deps.Log.Warn().Err(err).Msg("Skipping download cleanup")
	}
	return false
}

func (d *DownloadCleanup) OnStopTask(context.Context, tasks.Parameters) bool {
	return false
}

// OfflinePrefetch fetches suggested pages for offline reading, up to the
// max_pages parameter. With use_unmetered set it only fetches on an
// unmetered connection and asks to run again otherwise.
type OfflinePrefetch struct {
	deps Deps
}

func (o *OfflinePrefetch) OnStartTask(ctx context.Context, params tasks.Parameters, done tasks.FinishedCallback) bool {
	maxPages := params.GetInt(ParamMaxPages, 10)
	if maxPages <= 0 {
		o.deps.Log.Debug().Int("max_pages", maxPages).Msg("Nothing to prefetch")
		return false
	}
	if params.GetBool(ParamUseUnmetered, false) && o.deps.Unmetered != nil && !o.deps.Unmetered() {
		o.deps.Log.Info().Int("max_pages", maxPages).Msg("Prefetch deferred until unmetered network")
		done(true)
		return true
	}
	return runAsync(ctx, o.deps, TypeOfflinePrefetch, func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("prefetch of %d pages: %w", maxPages, err)
		}
		return startNative(ctx, o.deps.Native, TypeOfflinePrefetch)
	}, done)
}

func (o *OfflinePrefetch) OnStopTask(context.Context, tasks.Parameters) bool {
	return true
}
