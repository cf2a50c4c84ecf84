// Package queue is the Redis-backed job store behind the job scheduler.
// It keeps every scheduled task, the order in which they become due, and
// which ones are currently handed to the dispatcher.
//
// Key layout:
//   - job:{id}: JSON encoded Job record
//   - jobs:pending: sorted set of task ids, score = earliest start (unix ms)
//   - jobs:running: set of task ids currently claimed by a scheduler
//   - jobs:history: capped list of finished jobs (last 100)
//
// The Client type is the main entry point. All operations are context-aware.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/guido-cesarano/taskbridge/pkg/tasks"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
)

const (
	pendingKey = "jobs:pending"
	runningKey = "jobs:running"
	historyKey = "jobs:history"

	historySize = 100

	// MaxBackoff caps the exponential reschedule delay.
	MaxBackoff = 5 * time.Hour
)

var (
	ErrJobExists   = errors.New("job already scheduled")
	ErrJobNotFound = errors.New("job not found")
)

func jobKey(id tasks.TaskID) string {
	return fmt.Sprintf("job:%d", id)
}

func member(id tasks.TaskID) string {
	return strconv.Itoa(int(id))
}

// Job is the stored form of a scheduled task.
type Job struct {
	Info        tasks.TaskInfo `json:"info"`
	ScheduledAt time.Time      `json:"scheduled_at"`

	// RunAt is the earliest start. Deadline, when set, is the moment the
	// scheduler stops waiting for the constraints to hold.
	RunAt    time.Time `json:"run_at"`
	Deadline time.Time `json:"deadline,omitempty"`

	// RetryCount counts consecutive reschedule requests; it drives the
	// exponential backoff and resets when a run completes.
	RetryCount int `json:"retry_count"`
	Runs       int `json:"runs"`

	// Replaced marks a record rewritten with UpdateCurrent while its
	// previous run was still going. Finish queues it as stored instead of
	// applying the old run's outcome.
	Replaced bool `json:"replaced,omitempty"`
}

// DeadlinePassed reports whether the constraints no longer gate the job.
func (j Job) DeadlinePassed(now time.Time) bool {
	return !j.Deadline.IsZero() && !now.Before(j.Deadline)
}

// Outcome describes what Finish did with a job.
type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"   // removed for good
	OutcomeRescheduled Outcome = "rescheduled" // retried after backoff
	OutcomeNextPeriod  Outcome = "next_period" // periodic job queued again
	OutcomeMissing     Outcome = "missing"     // cancelled while running
	OutcomeReplaced    Outcome = "replaced"    // rescheduled while running
)

// HistoryEntry is one element of jobs:history.
type HistoryEntry struct {
	ID      tasks.TaskID `json:"id"`
	Outcome Outcome      `json:"outcome"`
	At      time.Time    `json:"at"`
}

var (
	// scheduleScript stores the record and queues it unless it exists and
	// replacing was not requested. A running job only gets its record
	// rewritten; Finish queues it when the run ends.
	scheduleScript = redis.NewScript(`
		local job_key = KEYS[1]
		local pending_key = KEYS[2]
		local running_key = KEYS[3]
		local data = ARGV[1]
		local score = ARGV[2]
		local id = ARGV[3]
		local replace = ARGV[4]
		local replaced_data = ARGV[5]

		if redis.call('EXISTS', job_key) == 1 then
			if replace ~= "1" then
				return 0
			end
			if redis.call('SISMEMBER', running_key, id) == 1 then
				redis.call('SET', job_key, replaced_data)
				return 2
			end
		end
		redis.call('SET', job_key, data)
		redis.call('ZADD', pending_key, score, id)
		return 1
	`)

	// claimScript moves a job from pending to running. Only one scheduler
	// instance can win the ZREM, so a job is handed out once.
	claimScript = redis.NewScript(`
		if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
			redis.call('SADD', KEYS[2], ARGV[1])
			return 1
		end
		return 0
	`)

	// recoverScript puts every running job back into pending.
	recoverScript = redis.NewScript(`
		local ids = redis.call('SMEMBERS', KEYS[1])
		for _, id in ipairs(ids) do
			redis.call('ZADD', KEYS[2], ARGV[1], id)
		end
		redis.call('DEL', KEYS[1])
		return #ids
	`)
)

// Client manages the connection to Redis.
type Client struct {
	rdb *redis.Client
}

// NewClient creates a new job store connected to the specified Redis address.
// The address should be in the format "host:port" (e.g., "localhost:6379").
func NewClient(addr string) *Client {
	return NewClientFromRedis(redis.NewClient(&redis.Options{
		Addr: addr,
	}))
}

// NewClientFromRedis wraps an existing connection.
func NewClientFromRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Redis exposes the underlying connection for collaborators sharing it.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Schedule stores info and queues it for its first run. It fails with
// ErrJobExists when the id is taken and info.UpdateCurrent is false.
func (c *Client) Schedule(ctx context.Context, info tasks.TaskInfo, now time.Time) (*Job, error) {
	job := &Job{Info: info, ScheduledAt: now}
	if info.IsPeriodic() {
		if err := job.planNextPeriod(now); err != nil {
			return nil, err
		}
	} else {
		job.RunAt = now.Add(info.Constraints.WindowStart)
		if info.Constraints.WindowEnd > 0 {
			job.Deadline = now.Add(info.Constraints.WindowEnd)
		}
	}

	data, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	deferred := *job
	deferred.Replaced = true
	deferredData, err := json.Marshal(deferred)
	if err != nil {
		return nil, err
	}

	replace := "0"
	if info.UpdateCurrent {
		replace = "1"
	}
	stored, err := scheduleScript.Run(ctx, c.rdb,
		[]string{jobKey(info.ID), pendingKey, runningKey},
		data, job.RunAt.UnixMilli(), member(info.ID), replace, deferredData,
	).Int()
	if err != nil {
		return nil, err
	}
	switch stored {
	case 0:
		return nil, fmt.Errorf("%w: %d", ErrJobExists, info.ID)
	case 2:
		return &deferred, nil
	}
	return job, nil
}

// planNextPeriod sets RunAt and Deadline for the next period after from.
// With a flex window the job may start up to Flex early and must start by
// the period boundary.
func (j *Job) planNextPeriod(from time.Time) error {
	next, err := NextRun(j.Info.Periodic, from)
	if err != nil {
		return err
	}
	j.RunAt = next
	j.Deadline = time.Time{}
	if flex := j.Info.Periodic.Flex; flex > 0 {
		j.RunAt = next.Add(-flex)
		if j.RunAt.Before(from) {
			j.RunAt = from
		}
		j.Deadline = next
	}
	return nil
}

// NextRun returns the next period boundary after from.
func NextRun(p *tasks.PeriodicInfo, from time.Time) (time.Time, error) {
	var sched cron.Schedule
	if p.Spec != "" {
		parsed, err := cron.ParseStandard(p.Spec)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron spec %q: %w", p.Spec, err)
		}
		sched = parsed
	} else {
		if p.Interval <= 0 {
			return time.Time{}, fmt.Errorf("periodic job needs an interval or a spec")
		}
		sched = cron.Every(p.Interval)
	}
	return sched.Next(from), nil
}

// Get loads the record for id.
func (c *Client) Get(ctx context.Context, id tasks.TaskID) (*Job, error) {
	data, err := c.rdb.Get(ctx, jobKey(id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %d", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) save(ctx context.Context, pipe redis.Pipeliner, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	pipe.Set(ctx, jobKey(job.Info.ID), data, 0)
	return nil
}

// loadMany fetches the records behind ids, skipping ids whose record is gone
// or unreadable.
func (c *Client) loadMany(ctx context.Context, ids []string) ([]*Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = "job:" + id
	}
	values, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(s), &job); err != nil {
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// Due returns the pending jobs whose earliest start is not after now,
// ordered by start time. It does not claim them.
func (c *Client) Due(ctx context.Context, now time.Time) ([]*Job, error) {
	ids, err := c.rdb.ZRangeByScore(ctx, pendingKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	return c.loadMany(ctx, ids)
}

// Pending returns every queued job, due or not.
func (c *Client) Pending(ctx context.Context) ([]*Job, error) {
	ids, err := c.rdb.ZRange(ctx, pendingKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return c.loadMany(ctx, ids)
}

// Running returns the jobs currently claimed.
func (c *Client) Running(ctx context.Context) ([]*Job, error) {
	ids, err := c.rdb.SMembers(ctx, runningKey).Result()
	if err != nil {
		return nil, err
	}
	return c.loadMany(ctx, ids)
}

// Claim atomically moves id from pending to running. It reports false when
// another scheduler claimed it first or it was cancelled.
func (c *Client) Claim(ctx context.Context, id tasks.TaskID) (bool, error) {
	n, err := claimScript.Run(ctx, c.rdb, []string{pendingKey, runningKey}, member(id)).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release returns a claimed job to pending without touching its record,
// used when the dispatcher could not take it.
func (c *Client) Release(ctx context.Context, id tasks.TaskID, runAt time.Time) error {
	pipe := c.rdb.TxPipeline()
	pipe.SRem(ctx, runningKey, member(id))
	pipe.ZAdd(ctx, pendingKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: member(id)})
	_, err := pipe.Exec(ctx)
	return err
}

// Backoff returns the delay before the retry-th reschedule: base doubled
// for every earlier retry, capped at MaxBackoff.
func Backoff(base time.Duration, retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= MaxBackoff {
			return MaxBackoff
		}
	}
	if d > MaxBackoff {
		return MaxBackoff
	}
	return d
}

// Finish records the end of a run of id. A record replaced during the run is
// queued as stored. Otherwise a reschedule request queues the job again after
// an exponential backoff, periodic jobs move to their next period and
// one-off jobs are removed.
func (c *Client) Finish(ctx context.Context, id tasks.TaskID, needsReschedule bool, backoffBase time.Duration, now time.Time) (Outcome, error) {
	job, err := c.Get(ctx, id)
	if errors.Is(err, ErrJobNotFound) {
		return OutcomeMissing, c.rdb.SRem(ctx, runningKey, member(id)).Err()
	}
	if err != nil {
		return "", err
	}

	var outcome Outcome
	switch {
	case job.Replaced:
		outcome = OutcomeReplaced
		job.Replaced = false
	case needsReschedule:
		outcome = OutcomeRescheduled
		job.RetryCount++
		job.RunAt = now.Add(Backoff(backoffBase, job.RetryCount))
		job.Deadline = time.Time{}
		if window := job.Info.Constraints.WindowEnd - job.Info.Constraints.WindowStart; job.Info.Constraints.WindowEnd > 0 && !job.Info.IsPeriodic() {
			job.Deadline = job.RunAt.Add(window)
		}
	case job.Info.IsPeriodic():
		outcome = OutcomeNextPeriod
		job.RetryCount = 0
		job.Runs++
		if err := job.planNextPeriod(now); err != nil {
			return "", err
		}
	default:
		outcome = OutcomeCompleted
		job.Runs++
	}

	entry, err := json.Marshal(HistoryEntry{ID: id, Outcome: outcome, At: now})
	if err != nil {
		return "", err
	}

	pipe := c.rdb.TxPipeline()
	pipe.SRem(ctx, runningKey, member(id))
	if outcome == OutcomeCompleted {
		pipe.Del(ctx, jobKey(id))
	} else {
		if err := c.save(ctx, pipe, job); err != nil {
			return "", err
		}
		pipe.ZAdd(ctx, pendingKey, redis.Z{Score: float64(job.RunAt.UnixMilli()), Member: member(id)})
	}
	pipe.RPush(ctx, historyKey, entry)
	pipe.LTrim(ctx, historyKey, -historySize, -1)
	_, err = pipe.Exec(ctx)
	return outcome, err
}

// Cancel removes id from the store. It reports whether a job existed.
func (c *Client) Cancel(ctx context.Context, id tasks.TaskID) (bool, error) {
	pipe := c.rdb.TxPipeline()
	del := pipe.Del(ctx, jobKey(id))
	pipe.ZRem(ctx, pendingKey, member(id))
	pipe.SRem(ctx, runningKey, member(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return del.Val() > 0, nil
}

// IsRunning reports whether id is claimed.
func (c *Client) IsRunning(ctx context.Context, id tasks.TaskID) (bool, error) {
	return c.rdb.SIsMember(ctx, runningKey, member(id)).Result()
}

// Recover returns jobs left in running by a crashed scheduler to pending,
// due immediately. It returns the number of jobs moved.
func (c *Client) Recover(ctx context.Context, now time.Time) (int, error) {
	return recoverScript.Run(ctx, c.rdb, []string{runningKey, pendingKey}, now.UnixMilli()).Int()
}

// DropTransient deletes every job scheduled without Persist, as a restart of
// the scheduler would. It returns the number of jobs removed.
func (c *Client) DropTransient(ctx context.Context) (int, error) {
	pending, err := c.Pending(ctx)
	if err != nil {
		return 0, err
	}
	running, err := c.Running(ctx)
	if err != nil {
		return 0, err
	}

	dropped := 0
	for _, job := range append(pending, running...) {
		if job.Info.Persist {
			continue
		}
		if _, err := c.Cancel(ctx, job.Info.ID); err != nil {
			return dropped, err
		}
		dropped++
	}
	return dropped, nil
}

// Depths returns the size of every key the store maintains.
func (c *Client) Depths(ctx context.Context) map[string]int64 {
	depths := make(map[string]int64)

	if n, err := c.rdb.ZCard(ctx, pendingKey).Result(); err == nil {
		depths[pendingKey] = n
	}
	if n, err := c.rdb.SCard(ctx, runningKey).Result(); err == nil {
		depths[runningKey] = n
	}
	if n, err := c.rdb.LLen(ctx, historyKey).Result(); err == nil {
		depths[historyKey] = n
	}

	return depths
}

// History returns up to the last n finished runs, oldest first.
func (c *Client) History(ctx context.Context, n int64) ([]HistoryEntry, error) {
	raw, err := c.rdb.LRange(ctx, historyKey, -n, -1).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]HistoryEntry, 0, len(raw))
	for _, r := range raw {
		var e HistoryEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}
