package dispatcher

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/guido-cesarano/taskbridge/pkg/events"
	"github.com/guido-cesarano/taskbridge/pkg/registry"
	"github.com/guido-cesarano/taskbridge/pkg/tasks"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer guards log output written by the control goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) linesContaining(s string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, line := range strings.Split(b.buf.String(), "\n") {
		if strings.Contains(line, s) {
			n++
		}
	}
	return n
}

type finishCall struct {
	id              tasks.TaskID
	needsReschedule bool
}

type harness struct {
	d        *Dispatcher
	reg      *registry.Registry
	finished chan finishCall
	logs     *syncBuffer
	events   []events.Event
	eventsMu sync.Mutex
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		reg:      registry.New(),
		finished: make(chan finishCall, 64),
		logs:     &syncBuffer{},
	}
	bus := events.New()
	bus.Subscribe(func(ev events.Event) {
		h.eventsMu.Lock()
		h.events = append(h.events, ev)
		h.eventsMu.Unlock()
	})

	log := zerolog.New(h.logs).Level(zerolog.DebugLevel)
	h.d = New(h.reg, FinisherFunc(func(id tasks.TaskID, r bool) {
		h.finished <- finishCall{id: id, needsReschedule: r}
	}), WithLogger(log), WithEvents(bus))

	go h.d.Run(context.Background())
	t.Cleanup(h.d.Close)
	return h
}

func (h *harness) kinds() []events.Kind {
	h.eventsMu.Lock()
	defer h.eventsMu.Unlock()
	out := make([]events.Kind, 0, len(h.events))
	for _, ev := range h.events {
		out = append(out, ev.Kind)
	}
	return out
}

func waitFinish(t *testing.T, ch <-chan finishCall) finishCall {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for JobFinished")
		return finishCall{}
	}
}

func assertNoFinish(t *testing.T, ch <-chan finishCall) {
	t.Helper()
	select {
	case c := <-ch:
		t.Fatalf("unexpected JobFinished(%d, %v)", c.id, c.needsReschedule)
	case <-time.After(50 * time.Millisecond):
	}
}

// asyncHandler hands its callback to the test.
type asyncHandler struct {
	done    chan tasks.FinishedCallback
	stopped chan context.Context
	resched bool
}

func (a *asyncHandler) OnStartTask(ctx context.Context, _ tasks.Parameters, done tasks.FinishedCallback) bool {
	a.done <- done
	return true
}

func (a *asyncHandler) OnStopTask(ctx context.Context, _ tasks.Parameters) bool {
	if a.stopped != nil {
		a.stopped <- ctx
	}
	return a.resched
}

func TestStartCompleteScenario(t *testing.T) {
	h := newHarness(t)
	handler := &asyncHandler{done: make(chan tasks.FinishedCallback, 1)}
	h.reg.MustRegister(42, "answer", func() tasks.Handler { return handler })
	ctx := context.Background()

	require.True(t, h.d.OnStart(ctx, 42, tasks.Parameters{}))
	assert.True(t, h.d.Running(ctx, 42))

	done := <-handler.done
	go done(false)

	call := waitFinish(t, h.finished)
	assert.Equal(t, finishCall{id: 42, needsReschedule: false}, call)
	assert.False(t, h.d.Running(ctx, 42))
	assert.Equal(t, []events.Kind{events.TaskStarted, events.TaskFinished}, h.kinds())
}

func TestStopWithoutStartIsBenign(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var got bool
	assert.NotPanics(t, func() { got = h.d.OnStop(ctx, 99) })
	assert.False(t, got)
	assert.Equal(t, 1, h.logs.linesContaining(`"task_id":99`))
	assert.Equal(t, []events.Kind{events.TaskStopIgnored}, h.kinds())
	assertNoFinish(t, h.finished)
}

func TestStartUnknownTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.False(t, h.d.OnStart(ctx, 7, tasks.Parameters{}))
	assert.False(t, h.d.Running(ctx, 7))
	assert.Empty(t, h.d.RunningIDs(ctx))
	assert.Equal(t, []events.Kind{events.TaskStartFailed}, h.kinds())
}

func TestSynchronousTaskLeavesNoEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var seen tasks.Parameters
	h.reg.MustRegister(54, "cleanup", func() tasks.Handler {
		return tasks.FuncHandler{Start: func(_ context.Context, p tasks.Parameters, _ tasks.FinishedCallback) bool {
			seen = p
			return false
		}}
	})

	params := tasks.NewParametersBuilder().PutString("profile", "Default").Build()
	assert.False(t, h.d.OnStart(ctx, 54, params))
	assert.False(t, h.d.Running(ctx, 54))
	assert.Equal(t, "Default", seen.GetString("profile", ""))
	assertNoFinish(t, h.finished)
}

func TestStopRunningTask(t *testing.T) {
	h := newHarness(t)
	handler := &asyncHandler{
		done:    make(chan tasks.FinishedCallback, 1),
		stopped: make(chan context.Context, 1),
		resched: true,
	}
	h.reg.MustRegister(53, "download", func() tasks.Handler { return handler })
	ctx := context.Background()

	require.True(t, h.d.OnStart(ctx, 53, tasks.Parameters{}))
	done := <-handler.done

	assert.True(t, h.d.OnStop(ctx, 53))
	assert.False(t, h.d.Running(ctx, 53))

	stopCtx := <-handler.stopped
	select {
	case <-stopCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("expected handler context to be cancelled after stop")
	}

	// A late completion from the stopped run must not reach the scheduler.
	done(false)
	assertNoFinish(t, h.finished)

	// And a second stop is a no-op.
	assert.False(t, h.d.OnStop(ctx, 53))
}

func TestDuplicateStartRefused(t *testing.T) {
	h := newHarness(t)
	handler := &asyncHandler{done: make(chan tasks.FinishedCallback, 2)}
	h.reg.MustRegister(42, "answer", func() tasks.Handler { return handler })
	ctx := context.Background()

	require.True(t, h.d.OnStart(ctx, 42, tasks.Parameters{}))
	assert.False(t, h.d.OnStart(ctx, 42, tasks.Parameters{}))
	assert.Equal(t, []tasks.TaskID{42}, h.d.RunningIDs(ctx))
	assert.Len(t, handler.done, 1, "second start must not reach a handler")
}

func TestCompletionInsideStart(t *testing.T) {
	h := newHarness(t)
	h.reg.MustRegister(1, "eager", func() tasks.Handler {
		return tasks.FuncHandler{Start: func(_ context.Context, _ tasks.Parameters, done tasks.FinishedCallback) bool {
			done(true)
			return true
		}}
	})

	assert.True(t, h.d.OnStart(context.Background(), 1, tasks.Parameters{}))
	call := waitFinish(t, h.finished)
	assert.Equal(t, finishCall{id: 1, needsReschedule: true}, call)
	assert.False(t, h.d.Running(context.Background(), 1))
}

func TestRepeatedCompletionReportsOnce(t *testing.T) {
	h := newHarness(t)
	handler := &asyncHandler{done: make(chan tasks.FinishedCallback, 1)}
	h.reg.MustRegister(42, "answer", func() tasks.Handler { return handler })

	require.True(t, h.d.OnStart(context.Background(), 42, tasks.Parameters{}))
	done := <-handler.done
	done(false)
	done(true)

	assert.Equal(t, finishCall{id: 42}, waitFinish(t, h.finished))
	assertNoFinish(t, h.finished)
}

func TestRestartAfterCompletion(t *testing.T) {
	h := newHarness(t)
	handler := &asyncHandler{done: make(chan tasks.FinishedCallback, 2)}
	h.reg.MustRegister(42, "answer", func() tasks.Handler { return handler })
	ctx := context.Background()

	require.True(t, h.d.OnStart(ctx, 42, tasks.Parameters{}))
	first := <-handler.done
	first(false)
	waitFinish(t, h.finished)

	require.True(t, h.d.OnStart(ctx, 42, tasks.Parameters{}))
	assert.True(t, h.d.Running(ctx, 42))
	second := <-handler.done
	second(true)
	assert.Equal(t, finishCall{id: 42, needsReschedule: true}, waitFinish(t, h.finished))
}

func TestConcurrentCompletions(t *testing.T) {
	h := newHarness(t)
	const n = 32
	for i := 0; i < n; i++ {
		h.reg.MustRegister(tasks.TaskID(100+i), "worker", func() tasks.Handler {
			return tasks.FuncHandler{Start: func(_ context.Context, _ tasks.Parameters, done tasks.FinishedCallback) bool {
				go func() {
					time.Sleep(time.Millisecond)
					done(false)
				}()
				return true
			}}
		})
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id tasks.TaskID) {
			defer wg.Done()
			h.d.OnStart(context.Background(), id, tasks.Parameters{})
		}(tasks.TaskID(100 + i))
	}
	wg.Wait()

	seen := make(map[tasks.TaskID]bool)
	for i := 0; i < n; i++ {
		seen[waitFinish(t, h.finished).id] = true
	}
	assert.Len(t, seen, n)
	assert.Empty(t, h.d.RunningIDs(context.Background()))
}

func TestPanickingStart(t *testing.T) {
	h := newHarness(t)
	h.reg.MustRegister(5, "broken", func() tasks.Handler {
		return tasks.FuncHandler{Start: func(context.Context, tasks.Parameters, tasks.FinishedCallback) bool {
			panic("boom")
		}}
	})
	ctx := context.Background()

	assert.False(t, h.d.OnStart(ctx, 5, tasks.Parameters{}))
	assert.False(t, h.d.Running(ctx, 5))
	assert.Equal(t, 1, h.logs.linesContaining("Task start panicked"))
}

func TestCloseCancelsRunningTasks(t *testing.T) {
	h := newHarness(t)
	ctxs := make(chan context.Context, 1)
	h.reg.MustRegister(53, "download", func() tasks.Handler {
		return tasks.FuncHandler{Start: func(ctx context.Context, _ tasks.Parameters, _ tasks.FinishedCallback) bool {
			ctxs <- ctx
			return true
		}}
	})

	require.True(t, h.d.OnStart(context.Background(), 53, tasks.Parameters{}))
	taskCtx := <-ctxs

	h.d.Close()
	assert.Error(t, taskCtx.Err())
	assert.False(t, h.d.OnStart(context.Background(), 53, tasks.Parameters{}))
}
