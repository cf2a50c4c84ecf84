// Package dispatcher receives start and stop signals from the job scheduler,
// resolves the task handler, runs it and reports completion back.
//
// All state transitions happen on a single control goroutine started by Run:
//
//	Idle --OnStart--> Running --completion / OnStop--> Idle
//
// Handlers may finish from any goroutine; their completion callback is queued
// onto the control goroutine before the running entry is touched or the
// scheduler is notified, so a new start for the same TaskID can never
// interleave with the teardown of the previous run.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guido-cesarano/taskbridge/pkg/events"
	"github.com/guido-cesarano/taskbridge/pkg/logger"
	"github.com/guido-cesarano/taskbridge/pkg/tasks"
	"github.com/rs/zerolog"
)

// Resolver maps a TaskID to a fresh handler. *registry.Registry implements it.
type Resolver interface {
	Resolve(id tasks.TaskID) (tasks.Handler, error)
	Name(id tasks.TaskID) string
}

// JobFinisher is the outbound half of the scheduler contract. It is called
// on the control goroutine and must not call back into the Dispatcher
// synchronously.
type JobFinisher interface {
	JobFinished(id tasks.TaskID, needsReschedule bool)
}

// FinisherFunc adapts a function to JobFinisher.
type FinisherFunc func(id tasks.TaskID, needsReschedule bool)

func (f FinisherFunc) JobFinished(id tasks.TaskID, needsReschedule bool) { f(id, needsReschedule) }

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger replaces the global logger.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithEvents publishes lifecycle events on bus.
func WithEvents(bus *events.Bus) Option {
	return func(d *Dispatcher) { d.bus = bus }
}

// entry is a RunningTaskEntry. Only the control goroutine reads or writes
// the fields other than reported.
type entry struct {
	id      tasks.TaskID
	name    string
	handler tasks.Handler
	params  tasks.Parameters
	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time

	// reported flips once the handler called its completion callback, so
	// extra calls are dropped without reaching the control goroutine.
	reported atomic.Bool
}

type completion struct {
	e               *entry
	needsReschedule bool
}

// Dispatcher owns the set of running tasks.
type Dispatcher struct {
	resolver Resolver
	finisher JobFinisher
	bus      *events.Bus
	log      zerolog.Logger

	ops chan func()

	// Completions are queued without blocking because handlers may call
	// their callback from inside OnStartTask, on the control goroutine.
	mailboxMu sync.Mutex
	mailbox   []completion
	wake      chan struct{}

	started   atomic.Bool
	quit      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once

	// Owned by the control goroutine.
	baseCtx context.Context
	running map[tasks.TaskID]*entry
}

// New builds a dispatcher. Call Run to start the control goroutine.
func New(resolver Resolver, finisher JobFinisher, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		resolver: resolver,
		finisher: finisher,
		log:      logger.Component("dispatcher"),
		ops:      make(chan func()),
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		exited:   make(chan struct{}),
		running:  make(map[tasks.TaskID]*entry),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run drives the control goroutine until ctx is cancelled or Close is
// called. Running handlers have their context cancelled on exit. Calling Run
// more than once is a no-op.
func (d *Dispatcher) Run(ctx context.Context) {
	if !d.started.CompareAndSwap(false, true) {
		return
	}
	defer close(d.exited)

	base, cancel := context.WithCancel(ctx)
	defer cancel()
	d.baseCtx = base

	d.log.Info().Msg("Dispatcher started")
	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return
		case <-d.quit:
			d.shutdown()
			return
		case op := <-d.ops:
			op()
		case <-d.wake:
			d.drainCompletions()
		}
	}
}

// Close stops the control goroutine and waits for it to exit.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() { close(d.quit) })
	if d.started.Load() {
		<-d.exited
	}
}

func (d *Dispatcher) shutdown() {
	for id, e := range d.running {
		e.reported.Store(true)
		e.cancel()
		delete(d.running, id)
		d.log.Warn().Int("task_id", int(id)).Str("task", e.name).Msg("Abandoning running task on shutdown")
	}
	d.log.Info().Msg("Dispatcher stopped")
}

// do runs fn on the control goroutine and waits for it. It reports false
// when the dispatcher is not running or ctx ends first.
func (d *Dispatcher) do(ctx context.Context, fn func()) bool {
	done := make(chan struct{})
	op := func() {
		defer close(done)
		fn()
	}
	select {
	case d.ops <- op:
	case <-d.quit:
		return false
	case <-d.exited:
		return false
	case <-ctx.Done():
		return false
	}
	// The loop received op, so it runs it before selecting again.
	<-done
	return true
}

// OnStart handles a start signal for id. It returns true when the handler
// keeps running asynchronously and will report through its completion
// callback, false when the task did not start or already finished.
func (d *Dispatcher) OnStart(ctx context.Context, id tasks.TaskID, params tasks.Parameters) bool {
	var needsAsync bool
	ok := d.do(ctx, func() {
		needsAsync = d.start(id, params)
	})
	if !ok {
		d.log.Warn().Int("task_id", int(id)).Msg("Start dropped, dispatcher not running")
	}
	return ok && needsAsync
}

func (d *Dispatcher) start(id tasks.TaskID, params tasks.Parameters) bool {
	name := d.resolver.Name(id)

	if _, busy := d.running[id]; busy {
		err := fmt.Errorf("%w: %d", tasks.ErrTaskRunning, id)
		d.log.Error().Err(err).Int("task_id", int(id)).Str("task", name).Msg("Refusing duplicate start")
		d.publish(events.Event{Kind: events.TaskStartFailed, TaskID: id, TaskName: name, Err: err})
		return false
	}

	handler, err := d.resolver.Resolve(id)
	if err != nil {
		d.log.Error().Err(err).Int("task_id", int(id)).Msg("Cannot start task")
		d.publish(events.Event{Kind: events.TaskStartFailed, TaskID: id, TaskName: name, Err: err})
		return false
	}

	ctx, cancel := context.WithCancel(d.baseCtx)
	e := &entry{
		id:      id,
		name:    name,
		handler: handler,
		params:  params,
		ctx:     ctx,
		cancel:  cancel,
		started: time.Now(),
	}
	d.running[id] = e

	needsAsync, err := d.invokeStart(e)
	if err != nil {
		d.remove(e)
		d.log.Error().Err(err).Int("task_id", int(id)).Str("task", name).Msg("Task start panicked")
		d.publish(events.Event{Kind: events.TaskStartFailed, TaskID: id, TaskName: name, Err: err})
		return false
	}

	if !needsAsync {
		d.remove(e)
		d.log.Debug().Int("task_id", int(id)).Str("task", name).Msg("Task finished synchronously")
		d.publish(events.Event{Kind: events.TaskFinished, TaskID: id, TaskName: name, Duration: time.Since(e.started)})
		return false
	}

	d.log.Info().Int("task_id", int(id)).Str("task", name).Msg("Task running")
	d.publish(events.Event{Kind: events.TaskStarted, TaskID: id, TaskName: name, Async: true})
	return true
}

func (d *Dispatcher) invokeStart(e *entry) (needsAsync bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.handler.OnStartTask(e.ctx, e.params, d.callbackFor(e)), nil
}

// callbackFor builds the completion callback handed to a handler run.
func (d *Dispatcher) callbackFor(e *entry) tasks.FinishedCallback {
	return func(needsReschedule bool) {
		if !e.reported.CompareAndSwap(false, true) {
			d.log.Debug().Int("task_id", int(e.id)).Msg("Ignoring repeated completion")
			return
		}
		d.mailboxMu.Lock()
		d.mailbox = append(d.mailbox, completion{e: e, needsReschedule: needsReschedule})
		d.mailboxMu.Unlock()

		select {
		case d.wake <- struct{}{}:
		default:
		}
	}
}

func (d *Dispatcher) drainCompletions() {
	d.mailboxMu.Lock()
	batch := d.mailbox
	d.mailbox = nil
	d.mailboxMu.Unlock()

	for _, c := range batch {
		d.complete(c.e, c.needsReschedule)
	}
}

func (d *Dispatcher) complete(e *entry, needsReschedule bool) {
	if cur, ok := d.running[e.id]; !ok || cur != e {
		// Stopped or finished synchronously before the callback landed.
		d.log.Debug().Int("task_id", int(e.id)).Msg("Dropping stale completion")
		return
	}
	d.remove(e)

	d.log.Info().
		Int("task_id", int(e.id)).
		Str("task", e.name).
		Bool("needs_reschedule", needsReschedule).
		Msg("Task finished")
	d.publish(events.Event{
		Kind:            events.TaskFinished,
		TaskID:          e.id,
		TaskName:        e.name,
		NeedsReschedule: needsReschedule,
		Async:           true,
		Duration:        time.Since(e.started),
	})

	if d.finisher != nil {
		d.finisher.JobFinished(e.id, needsReschedule)
	}
}

// OnStop handles a stop signal for id and returns the handler's reschedule
// recommendation. Stopping a task that is not running is logged and
// reported as false.
func (d *Dispatcher) OnStop(ctx context.Context, id tasks.TaskID) bool {
	var needsReschedule bool
	ok := d.do(ctx, func() {
		needsReschedule = d.stop(id)
	})
	return ok && needsReschedule
}

func (d *Dispatcher) stop(id tasks.TaskID) bool {
	e, ok := d.running[id]
	if !ok {
		err := fmt.Errorf("%w: %d", tasks.ErrDoubleStop, id)
		d.log.Warn().Err(err).Int("task_id", int(id)).Msg("Ignoring stop")
		d.publish(events.Event{Kind: events.TaskStopIgnored, TaskID: id, TaskName: d.resolver.Name(id), Err: err})
		return false
	}

	// Late completions from this run must not reach the scheduler.
	e.reported.Store(true)
	needsReschedule := d.invokeStop(e)
	d.remove(e)

	d.log.Info().
		Int("task_id", int(id)).
		Str("task", e.name).
		Bool("needs_reschedule", needsReschedule).
		Msg("Task stopped")
	d.publish(events.Event{
		Kind:            events.TaskStopped,
		TaskID:          id,
		TaskName:        e.name,
		NeedsReschedule: needsReschedule,
		Duration:        time.Since(e.started),
	})
	return needsReschedule
}

func (d *Dispatcher) invokeStop(e *entry) (needsReschedule bool) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Int("task_id", int(e.id)).Msg("Task stop panicked")
			needsReschedule = false
		}
	}()
	return e.handler.OnStopTask(e.ctx, e.params)
}

func (d *Dispatcher) remove(e *entry) {
	e.cancel()
	delete(d.running, e.id)
}

func (d *Dispatcher) publish(ev events.Event) {
	d.bus.Publish(ev)
}

// Running reports whether id has a live entry.
func (d *Dispatcher) Running(ctx context.Context, id tasks.TaskID) bool {
	var running bool
	d.do(ctx, func() {
		_, running = d.running[id]
	})
	return running
}

// RunningIDs lists the TaskIDs with a live entry, in no particular order.
func (d *Dispatcher) RunningIDs(ctx context.Context) []tasks.TaskID {
	var ids []tasks.TaskID
	d.do(ctx, func() {
		ids = make([]tasks.TaskID, 0, len(d.running))
		for id := range d.running {
			ids = append(ids, id)
		}
	})
	return ids
}
