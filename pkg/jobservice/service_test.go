package jobservice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/guido-cesarano/taskbridge/pkg/dispatcher"
	"github.com/guido-cesarano/taskbridge/pkg/queue"
	"github.com/guido-cesarano/taskbridge/pkg/registry"
	"github.com/guido-cesarano/taskbridge/pkg/tasks"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type env struct {
	svc    *Service
	store  *queue.Client
	reg    *registry.Registry
	device *StaticDevice
	clock  *clock
	disp   *dispatcher.Dispatcher
}

func newEnv(t *testing.T) *env {
	t.Helper()
	s := miniredis.RunT(t)
	store := queue.NewClient(s.Addr())
	t.Cleanup(func() { store.Close() })

	e := &env{
		store:  store,
		reg:    registry.New(),
		device: NewStaticDevice(Conditions{Connected: true, Unmetered: true, Charging: true}),
		clock:  &clock{now: time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)},
	}
	cfg := Config{PollInterval: 10 * time.Millisecond, BackoffBase: 30 * time.Second, MaxExecution: 10 * time.Minute}
	e.svc = New(store, e.device, cfg, WithClock(e.clock.Now), WithLogger(zerolog.Nop()))
	e.disp = dispatcher.New(e.reg, e.svc, dispatcher.WithLogger(zerolog.Nop()))
	e.svc.Bind(e.disp)

	go e.disp.Run(context.Background())
	t.Cleanup(e.disp.Close)
	return e
}

// asyncTask exposes its callback and records stops.
type asyncTask struct {
	done    chan tasks.FinishedCallback
	stops   chan struct{}
	resched bool
}

func newAsyncTask() *asyncTask {
	return &asyncTask{done: make(chan tasks.FinishedCallback, 4), stops: make(chan struct{}, 4)}
}

func (a *asyncTask) OnStartTask(_ context.Context, _ tasks.Parameters, done tasks.FinishedCallback) bool {
	a.done <- done
	return true
}

func (a *asyncTask) OnStopTask(context.Context, tasks.Parameters) bool {
	a.stops <- struct{}{}
	return a.resched
}

func info(id tasks.TaskID) tasks.TaskInfo {
	return tasks.TaskInfo{ID: id, Persist: true, Constraints: tasks.Constraints{NetworkType: tasks.NetworkAny}}
}

func TestScheduleValidates(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	bad := info(1)
	bad.Constraints.WindowStart = time.Hour
	bad.Constraints.WindowEnd = time.Minute
	_, err := e.svc.Schedule(ctx, bad)
	assert.Error(t, err)

	bad = info(1)
	bad.Constraints.NetworkType = "wifi"
	_, err = e.svc.Schedule(ctx, bad)
	assert.Error(t, err)

	bad = info(1)
	bad.Periodic = &tasks.PeriodicInfo{}
	_, err = e.svc.Schedule(ctx, bad)
	assert.Error(t, err)

	_, err = e.svc.Schedule(ctx, info(1))
	assert.NoError(t, err)
}

func TestSynchronousJobCompletes(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	runs := 0
	e.reg.MustRegister(54, "cleanup", func() tasks.Handler {
		return tasks.FuncHandler{Start: func(context.Context, tasks.Parameters, tasks.FinishedCallback) bool {
			runs++
			return false
		}}
	})

	_, err := e.svc.Schedule(ctx, info(54))
	require.NoError(t, err)
	require.NoError(t, e.svc.Tick(ctx))

	assert.Equal(t, 1, runs)
	_, err = e.store.Get(ctx, 54)
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
	assert.Empty(t, e.svc.Running())
}

func TestConstraintsGateStartUntilDeadline(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	task := newAsyncTask()
	e.reg.MustRegister(53, "download", func() tasks.Handler { return task })
	e.device.Set(Conditions{Connected: true})

	i := info(53)
	i.Constraints.NetworkType = tasks.NetworkUnmetered
	i.Constraints.WindowEnd = time.Hour
	_, err := e.svc.Schedule(ctx, i)
	require.NoError(t, err)

	require.NoError(t, e.svc.Tick(ctx))
	assert.Empty(t, task.done, "metered network must not start the task")

	e.clock.Advance(time.Hour)
	require.NoError(t, e.svc.Tick(ctx))
	require.Len(t, task.done, 1, "deadline must force the start")
	assert.Equal(t, []tasks.TaskID{53}, e.svc.Running())

	// Forced runs are not stopped for unmet constraints.
	require.NoError(t, e.svc.Tick(ctx))
	assert.Empty(t, task.stops)
}

func TestAsyncCompletionReschedules(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	task := newAsyncTask()
	e.reg.MustRegister(53, "download", func() tasks.Handler { return task })

	_, err := e.svc.Schedule(ctx, info(53))
	require.NoError(t, err)
	require.NoError(t, e.svc.Tick(ctx))

	done := <-task.done
	done(true)

	var job *queue.Job
	require.Eventually(t, func() bool {
		j, err := e.store.Get(ctx, 53)
		if err != nil || j.RetryCount == 0 {
			return false
		}
		job = j
		return true
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, job.RetryCount)
	assert.True(t, e.clock.Now().Add(30*time.Second).Equal(job.RunAt))
	assert.Empty(t, e.svc.Running())
	running, _ := e.store.IsRunning(ctx, 53)
	assert.False(t, running)
}

func TestLostConstraintStopsRun(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	task := newAsyncTask()
	task.resched = true
	e.reg.MustRegister(53, "download", func() tasks.Handler { return task })

	_, err := e.svc.Schedule(ctx, info(53))
	require.NoError(t, err)
	require.NoError(t, e.svc.Tick(ctx))
	require.Len(t, task.done, 1)

	e.device.Set(Conditions{})
	require.NoError(t, e.svc.Tick(ctx))

	assert.Len(t, task.stops, 1)
	assert.Empty(t, e.svc.Running())
	job, err := e.store.Get(ctx, 53)
	require.NoError(t, err)
	assert.Equal(t, 1, job.RetryCount)
}

func TestExecutionLimitStopsRun(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	task := newAsyncTask()
	e.reg.MustRegister(53, "download", func() tasks.Handler { return task })

	_, err := e.svc.Schedule(ctx, info(53))
	require.NoError(t, err)
	require.NoError(t, e.svc.Tick(ctx))

	e.clock.Advance(10 * time.Minute)
	require.NoError(t, e.svc.Tick(ctx))
	assert.Len(t, task.stops, 1)

	// Stop without a reschedule request ends the one-off job.
	_, err = e.store.Get(ctx, 53)
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestCancelRunningJob(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	task := newAsyncTask()
	e.reg.MustRegister(53, "download", func() tasks.Handler { return task })

	_, err := e.svc.Schedule(ctx, info(53))
	require.NoError(t, err)
	require.NoError(t, e.svc.Tick(ctx))

	require.NoError(t, e.svc.Cancel(ctx, 53))
	assert.Len(t, task.stops, 1)
	assert.False(t, e.disp.Running(ctx, 53))

	err = e.svc.Cancel(ctx, 53)
	assert.True(t, errors.Is(err, queue.ErrJobNotFound))
}

func TestUnknownTaskIsDropped(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.svc.Schedule(ctx, info(99))
	require.NoError(t, err)
	require.NoError(t, e.svc.Tick(ctx))

	_, err = e.store.Get(ctx, 99)
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestBootDropsTransientJobs(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	transient := info(1)
	transient.Persist = false
	_, err := e.svc.Schedule(ctx, transient)
	require.NoError(t, err)
	_, err = e.svc.Schedule(ctx, info(2))
	require.NoError(t, err)

	require.NoError(t, e.svc.Boot(ctx))

	_, err = e.store.Get(ctx, 1)
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
	_, err = e.store.Get(ctx, 2)
	assert.NoError(t, err)
}

func TestConditionsSatisfies(t *testing.T) {
	cases := []struct {
		name string
		cond Conditions
		cons tasks.Constraints
		want bool
	}{
		{"no constraints offline", Conditions{}, tasks.Constraints{}, true},
		{"any network offline", Conditions{}, tasks.Constraints{NetworkType: tasks.NetworkAny}, false},
		{"unmetered on metered", Conditions{Connected: true}, tasks.Constraints{NetworkType: tasks.NetworkUnmetered}, false},
		{"unmetered on wifi", Conditions{Connected: true, Unmetered: true}, tasks.Constraints{NetworkType: tasks.NetworkUnmetered}, true},
		{"charging required", Conditions{Connected: true}, tasks.Constraints{RequiresCharging: true}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.cond.Satisfies(tc.cons))
		})
	}
}

func TestReplaceWhileRunningKeepsJob(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	task := newAsyncTask()
	e.reg.MustRegister(78, "prefetch", func() tasks.Handler { return task })

	_, err := e.svc.Schedule(ctx, info(78))
	require.NoError(t, err)
	require.NoError(t, e.svc.Tick(ctx))
	done := <-task.done

	replacement := info(78)
	replacement.Constraints.WindowStart = time.Hour
	replacement.UpdateCurrent = true
	_, err = e.svc.Schedule(ctx, replacement)
	require.NoError(t, err)

	// The live run keeps being tracked and is not started twice.
	require.NoError(t, e.svc.Tick(ctx))
	assert.Empty(t, task.done)
	assert.Equal(t, []tasks.TaskID{78}, e.svc.Running())
	assert.True(t, e.disp.Running(ctx, 78))
	_, err = e.store.Get(ctx, 78)
	require.NoError(t, err)

	done(false)
	var job *queue.Job
	require.Eventually(t, func() bool {
		j, err := e.store.Get(ctx, 78)
		if err != nil || j.Replaced {
			return false
		}
		running, _ := e.store.IsRunning(ctx, 78)
		job = j
		return !running
	}, time.Second, 5*time.Millisecond)
	assert.True(t, e.clock.Now().Add(time.Hour).Equal(job.RunAt))

	e.clock.Advance(time.Hour)
	require.NoError(t, e.svc.Tick(ctx))
	assert.Len(t, task.done, 1, "replacement should start at its new time")
}

func TestRefusedStartIsNotRecorded(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	task := newAsyncTask()
	e.reg.MustRegister(53, "download", func() tasks.Handler { return task })

	// A run the scheduler did not start holds the id.
	require.True(t, e.disp.OnStart(ctx, 53, tasks.Parameters{}))

	_, err := e.svc.Schedule(ctx, info(53))
	require.NoError(t, err)
	require.NoError(t, e.svc.Tick(ctx))

	job, err := e.store.Get(ctx, 53)
	require.NoError(t, err, "refused start must not end the job")
	assert.Equal(t, 0, job.Runs)
	due, err := e.store.Due(ctx, e.clock.Now())
	require.NoError(t, err)
	assert.Empty(t, due, "refused job retries after the backoff base")
	due, err = e.store.Due(ctx, e.clock.Now().Add(30*time.Second))
	require.NoError(t, err)
	assert.Len(t, due, 1)
	running, _ := e.store.IsRunning(ctx, 53)
	assert.False(t, running)
	assert.Empty(t, e.svc.Running())
}

// cancelFirst cancels the job right before the start reaches the
// dispatcher.
type cancelFirst struct {
	*dispatcher.Dispatcher
	svc       *Service
	cancelErr error
}

func (c *cancelFirst) OnStart(ctx context.Context, id tasks.TaskID, params tasks.Parameters) bool {
	c.cancelErr = c.svc.Cancel(ctx, id)
	return c.Dispatcher.OnStart(ctx, id, params)
}

func TestCancelDuringStartStopsTask(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	task := newAsyncTask()
	e.reg.MustRegister(78, "prefetch", func() tasks.Handler { return task })
	wrapped := &cancelFirst{Dispatcher: e.disp, svc: e.svc}
	e.svc.Bind(wrapped)

	_, err := e.svc.Schedule(ctx, info(78))
	require.NoError(t, err)
	require.NoError(t, e.svc.Tick(ctx))

	require.NoError(t, wrapped.cancelErr)
	assert.Len(t, task.stops, 1, "cancelled task must be stopped once started")
	assert.False(t, e.disp.Running(ctx, 78))
	assert.Empty(t, e.svc.Running())
	_, err = e.store.Get(ctx, 78)
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
	running, _ := e.store.IsRunning(ctx, 78)
	assert.False(t, running)
}

func TestJobFinishedDoesNotWaitForStore(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	store := queue.NewClient(s.Addr())
	defer store.Close()
	s.Close()

	svc := New(store, NewStaticDevice(Conditions{}), DefaultConfig(), WithLogger(zerolog.Nop()))
	svc.mu.Lock()
	svc.running[53] = runState{started: time.Now()}
	svc.mu.Unlock()

	start := time.Now()
	svc.JobFinished(53, false)
	assert.Less(t, time.Since(start), 50*time.Millisecond, "completion must not block on Redis")
	assert.Empty(t, svc.Running())

	svc.WaitFinishing()
}
