// Package jobservice plays the role of the operating system's job scheduler:
// it stores scheduled tasks, decides when their constraints allow them to
// run, sends start and stop signals to the dispatcher, and applies the
// reschedule and backoff policy when runs end.
package jobservice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/guido-cesarano/taskbridge/pkg/logger"
	"github.com/guido-cesarano/taskbridge/pkg/queue"
	"github.com/guido-cesarano/taskbridge/pkg/tasks"
	"github.com/rs/zerolog"
)

// Dispatcher is the inbound side of the task bridge.
type Dispatcher interface {
	OnStart(ctx context.Context, id tasks.TaskID, params tasks.Parameters) bool
	OnStop(ctx context.Context, id tasks.TaskID) bool
	Running(ctx context.Context, id tasks.TaskID) bool
}

// Config tunes the scheduling loop.
type Config struct {
	// PollInterval is how often due jobs and running jobs are checked.
	PollInterval time.Duration
	// BackoffBase is the delay before the first reschedule.
	BackoffBase time.Duration
	// MaxExecution stops runs that take longer. Zero disables the limit.
	MaxExecution time.Duration
}

// DefaultConfig mirrors common mobile job scheduler defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: 500 * time.Millisecond,
		BackoffBase:  30 * time.Second,
		MaxExecution: 10 * time.Minute,
	}
}

type runState struct {
	started time.Time
	// forced runs started past their deadline and ignore constraints.
	forced bool
	// starting is set until OnStart returns. A Cancel in that window sets
	// cancelled and leaves the stop to startDue.
	starting  bool
	cancelled bool
}

// Service is the job scheduler.
type Service struct {
	store      *queue.Client
	device     DeviceState
	cfg        Config
	validate   *validator.Validate
	log        zerolog.Logger
	now        func() time.Time
	dispatcher Dispatcher

	mu      sync.Mutex
	running map[tasks.TaskID]runState

	// finishing tracks store writes for completions reported by the
	// dispatcher.
	finishing sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger replaces the global logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// New builds a scheduler over store. Bind must be called before Run or Tick.
func New(store *queue.Client, device DeviceState, cfg Config, opts ...Option) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig().BackoffBase
	}
	s := &Service{
		store:    store,
		device:   device,
		cfg:      cfg,
		validate: validator.New(),
		log:      logger.Component("jobservice"),
		now:      time.Now,
		running:  make(map[tasks.TaskID]runState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Bind attaches the dispatcher. The dispatcher in turn reports completions
// through JobFinished, so the two are wired after construction.
func (s *Service) Bind(d Dispatcher) {
	s.dispatcher = d
}

// Schedule validates info and stores it.
func (s *Service) Schedule(ctx context.Context, info tasks.TaskInfo) (*queue.Job, error) {
	if err := s.validate.Struct(info); err != nil {
		return nil, fmt.Errorf("invalid task info: %w", err)
	}
	job, err := s.store.Schedule(ctx, info, s.now())
	if err != nil {
		return nil, err
	}
	s.log.Info().
		Int("task_id", int(info.ID)).
		Time("run_at", job.RunAt).
		Bool("after_current_run", job.Replaced).
		Bool("persist", info.Persist).
		Bool("periodic", info.IsPeriodic()).
		Msg("Task scheduled")
	return job, nil
}

// Cancel removes the job and stops it if it is running.
func (s *Service) Cancel(ctx context.Context, id tasks.TaskID) error {
	existed, err := s.store.Cancel(ctx, id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	st, running := s.running[id]
	if running && st.starting {
		st.cancelled = true
		s.running[id] = st
	} else {
		delete(s.running, id)
	}
	s.mu.Unlock()

	if running && !st.starting {
		s.dispatcher.OnStop(ctx, id)
	}
	if !existed {
		return fmt.Errorf("%w: %d", queue.ErrJobNotFound, id)
	}
	s.log.Info().Int("task_id", int(id)).Bool("was_running", running).Msg("Task cancelled")
	return nil
}

// Boot prepares the store after a restart: transient jobs are dropped and
// jobs orphaned in the running set are made due again.
func (s *Service) Boot(ctx context.Context) error {
	dropped, err := s.store.DropTransient(ctx)
	if err != nil {
		return fmt.Errorf("drop transient jobs: %w", err)
	}
	recovered, err := s.store.Recover(ctx, s.now())
	if err != nil {
		return fmt.Errorf("recover running jobs: %w", err)
	}
	s.log.Info().Int("dropped", dropped).Int("recovered", recovered).Msg("Job store booted")
	return nil
}

// Run checks jobs every PollInterval until ctx is cancelled. It returns
// once pending completion writes are done.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	defer s.finishing.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
				// Log error but continue
				s.log.Error().Err(err).Msg("Scheduler tick failed")
			}
		}
	}
}

// Tick runs one scheduling pass: stop runs that must end, then start due
// jobs whose constraints hold.
func (s *Service) Tick(ctx context.Context) error {
	if err := s.stopExpired(ctx); err != nil {
		return err
	}
	return s.startDue(ctx)
}

func (s *Service) stopExpired(ctx context.Context) error {
	now := s.now()
	cond := s.device.Conditions()

	s.mu.Lock()
	snapshot := make(map[tasks.TaskID]runState, len(s.running))
	for id, st := range s.running {
		snapshot[id] = st
	}
	s.mu.Unlock()

	for id, st := range snapshot {
		if s.cfg.MaxExecution > 0 && now.Sub(st.started) >= s.cfg.MaxExecution {
			s.stopRun(ctx, id, "execution limit reached")
			continue
		}
		if st.forced {
			continue
		}
		job, err := s.store.Get(ctx, id)
		if errors.Is(err, queue.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if !cond.Satisfies(job.Info.Constraints) {
			s.stopRun(ctx, id, "constraints no longer met")
		}
	}
	return nil
}

// stopRun sends a stop and applies its reschedule request, unless the run
// completed on its own before the stop reached the dispatcher.
func (s *Service) stopRun(ctx context.Context, id tasks.TaskID, reason string) {
	needsReschedule := s.dispatcher.OnStop(ctx, id)

	s.mu.Lock()
	_, still := s.running[id]
	delete(s.running, id)
	s.mu.Unlock()
	if !still {
		return
	}

	s.log.Info().Int("task_id", int(id)).Str("reason", reason).Bool("needs_reschedule", needsReschedule).Msg("Task stopped by scheduler")
	s.finish(ctx, id, needsReschedule)
}

func (s *Service) startDue(ctx context.Context) error {
	now := s.now()
	due, err := s.store.Due(ctx, now)
	if err != nil {
		return err
	}
	cond := s.device.Conditions()

	for _, job := range due {
		id := job.Info.ID
		s.mu.Lock()
		_, busy := s.running[id]
		s.mu.Unlock()
		if busy {
			continue
		}

		forced := job.DeadlinePassed(now)
		if !forced && !cond.Satisfies(job.Info.Constraints) {
			continue
		}

		claimed, err := s.store.Claim(ctx, id)
		if err != nil {
			return err
		}
		if !claimed {
			continue
		}

		// Registered before the start so a completion arriving while
		// OnStart is still returning finds the run.
		s.mu.Lock()
		s.running[id] = runState{started: now, forced: forced, starting: true}
		s.mu.Unlock()

		needsAsync := s.dispatcher.OnStart(ctx, id, job.Info.Params)

		s.mu.Lock()
		st, still := s.running[id]
		switch {
		case !still:
			// Completed from inside OnStart.
		case st.cancelled || !needsAsync:
			delete(s.running, id)
		default:
			st.starting = false
			s.running[id] = st
		}
		s.mu.Unlock()

		if !still {
			continue
		}
		if st.cancelled {
			// Cancel ran while the start was in flight; the record is gone.
			if needsAsync {
				s.dispatcher.OnStop(ctx, id)
			}
			s.log.Info().Int("task_id", int(id)).Msg("Task cancelled during start")
			continue
		}
		if needsAsync {
			continue
		}

		if s.dispatcher.Running(ctx, id) {
			// Refused: a run this scheduler does not track holds the id.
			// Try again later rather than recording a run that never happened.
			if err := s.store.Release(ctx, id, now.Add(s.cfg.BackoffBase)); err != nil {
				s.log.Error().Err(err).Int("task_id", int(id)).Msg("Failed to release job")
			}
			s.log.Warn().Int("task_id", int(id)).Msg("Start refused, task already running")
			continue
		}
		if ctx.Err() != nil {
			// Shutting down: the start never reached a handler.
			if err := s.store.Release(context.Background(), id, now); err != nil {
				s.log.Error().Err(err).Int("task_id", int(id)).Msg("Failed to release job")
			}
			return ctx.Err()
		}
		s.finish(ctx, id, false)
	}
	return nil
}

// JobFinished receives completions of asynchronous runs from the dispatcher.
// It is called on the dispatcher's control goroutine, so the store write
// runs on its own goroutine. The job stays in jobs:running until that write
// lands, which keeps it from being claimed again in between.
func (s *Service) JobFinished(id tasks.TaskID, needsReschedule bool) {
	s.mu.Lock()
	st, ok := s.running[id]
	delete(s.running, id)
	s.mu.Unlock()

	if !ok {
		s.log.Warn().Int("task_id", int(id)).Msg("Completion for a job that is not running")
		return
	}
	if st.cancelled {
		return
	}

	s.finishing.Add(1)
	go func() {
		defer s.finishing.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.finish(ctx, id, needsReschedule)
	}()
}

// WaitFinishing blocks until completion writes started by JobFinished are
// done.
func (s *Service) WaitFinishing() {
	s.finishing.Wait()
}

func (s *Service) finish(ctx context.Context, id tasks.TaskID, needsReschedule bool) {
	outcome, err := s.store.Finish(ctx, id, needsReschedule, s.cfg.BackoffBase, s.now())
	if err != nil {
		s.log.Error().Err(err).Int("task_id", int(id)).Msg("Failed to record job end")
		return
	}
	s.log.Info().Int("task_id", int(id)).Str("outcome", string(outcome)).Msg("Job ended")
}

// Running lists the jobs this scheduler has handed to the dispatcher.
func (s *Service) Running() []tasks.TaskID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]tasks.TaskID, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	return ids
}

// Store exposes the job store.
func (s *Service) Store() *queue.Client {
	return s.store
}
