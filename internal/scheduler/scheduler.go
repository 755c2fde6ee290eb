package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/nugget/insight-relay/internal/events"
)

// ErrUnknownJob is returned by Trigger and Next for unregistered names.
var ErrUnknownJob = errors.New("unknown job")

// lateFiring is how far past its instant a timer may expire and still
// count as on time. Calendar rules have minute resolution.
const lateFiring = time.Minute

// Scheduler arms one timer per job and runs each firing in its own
// goroutine. A run never waits for earlier runs of the same or any
// other job, and a failing or panicking run affects only itself.
type Scheduler struct {
	logger *slog.Logger
	store  *Store // nil disables history
	bus    *events.Bus
	now    func() time.Time

	mu      sync.Mutex
	jobs    map[string]*Job
	order   []string
	timers  map[string]*time.Timer
	next    map[string]time.Time
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a scheduler. store and bus may be nil.
func New(logger *slog.Logger, store *Store, bus *events.Bus) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger: logger,
		store:  store,
		bus:    bus,
		now:    time.Now,
		jobs:   make(map[string]*Job),
		timers: make(map[string]*time.Timer),
		next:   make(map[string]time.Time),
	}
}

// Add registers a job. Jobs added after Start are armed immediately.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" {
		return errors.New("job name is required")
	}
	if job.Rule == nil {
		return fmt.Errorf("job %s: rule is required", job.Name)
	}
	if job.Run == nil {
		return fmt.Errorf("job %s: run function is required", job.Name)
	}
	if job.RunTimeout <= 0 {
		job.RunTimeout = DefaultRunTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %s: already registered", job.Name)
	}
	s.jobs[job.Name] = &job
	s.order = append(s.order, job.Name)

	if s.running {
		s.armLocked(&job, s.now())
	}
	return nil
}

// Jobs returns the registered jobs in registration order.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Job, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, *s.jobs[name])
	}
	return out
}

// Start arms every registered job. Executions a previous process left
// running are marked abandoned first. Calling Start again while
// running is a no-op, so a job is never armed twice.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Debug("scheduler already started")
		return nil
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if s.store != nil {
		n, err := s.store.MarkAbandoned(s.now())
		if err != nil {
			s.logger.Error("failed to mark abandoned executions", "error", err)
		} else if n > 0 {
			s.logger.Warn("marked interrupted executions abandoned", "count", n)
		}
	}

	s.mu.Lock()
	now := s.now()
	for _, name := range s.order {
		s.armLocked(s.jobs[name], now)
	}
	count := len(s.order)
	s.mu.Unlock()

	s.logger.Info("scheduler started", "jobs", count)
	return nil
}

// Stop cancels all timers and in-flight runs, then waits for the runs
// to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false

	for name, timer := range s.timers {
		timer.Stop()
		delete(s.timers, name)
		delete(s.next, name)
	}
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Running reports whether the scheduler is armed.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Next returns the instant the named job is armed for. ok is false
// when the scheduler is not running.
func (s *Scheduler) Next(name string) (next time.Time, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; !exists {
		return time.Time{}, false, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	next, ok = s.next[name]
	return next, ok, nil
}

// Trigger runs the named job now and waits for it. The run is recorded
// with TriggerManual and does not disturb the job's armed timer.
func (s *Scheduler) Trigger(ctx context.Context, name string) (*Execution, error) {
	s.mu.Lock()
	job, exists := s.jobs[name]
	s.mu.Unlock()
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	return s.execute(ctx, job, s.now(), TriggerManual)
}

// armLocked sets the job's timer for its next instant after from.
// Caller holds s.mu.
func (s *Scheduler) armLocked(job *Job, from time.Time) {
	next := job.Rule.Next(from)
	if next.IsZero() {
		s.logger.Warn("job has no future runs", "job", job.Name, "rule", job.Rule.String())
		return
	}

	delay := next.Sub(s.now())
	if delay < 0 {
		delay = 0
	}

	if timer, exists := s.timers[job.Name]; exists {
		timer.Stop()
	}
	s.timers[job.Name] = time.AfterFunc(delay, func() {
		s.fire(job.Name, next)
	})
	s.next[job.Name] = next

	s.logger.Debug("job armed",
		"job", job.Name,
		"next", next,
		"delay", delay.Round(time.Second),
	)
}

// fire handles a timer expiry. The job is re-armed before its body
// starts, so a slow or failing run cannot cost the job its next firing.
//
// A timer that expires a minute or more after its instant (the host
// slept, or the clock jumped) re-arms from the current time, so missed
// instants are not replayed one after another. The late firing itself
// runs only when the current minute is on the job's calendar.
func (s *Scheduler) fire(name string, scheduledAt time.Time) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	job, exists := s.jobs[name]
	if !exists {
		s.mu.Unlock()
		return
	}

	now := s.now()
	from := scheduledAt
	if now.After(from) {
		from = now
	}
	s.armLocked(job, from)

	if now.Sub(scheduledAt) >= lateFiring {
		if !job.Rule.Matches(now) {
			s.mu.Unlock()
			s.logger.Warn("skipping missed firing",
				"job", name,
				"scheduled_at", scheduledAt,
				"late_by", now.Sub(scheduledAt).Round(time.Second),
			)
			return
		}
		scheduledAt = now.Truncate(time.Minute)
	}
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if _, err := s.execute(ctx, job, scheduledAt, TriggerSchedule); err != nil {
			s.logger.Error("job run failed", "job", name, "error", err)
		}
	}()
}

// execute runs one execution of job, recording it in the store and on
// the bus. Panics in the body are recovered and reported as failures.
func (s *Scheduler) execute(ctx context.Context, job *Job, scheduledAt time.Time, trigger Trigger) (*Execution, error) {
	runCtx, cancel := context.WithTimeout(ctx, job.RunTimeout)
	defer cancel()

	started := s.now()
	exec := &Execution{
		ID:          NewID(),
		Job:         job.Name,
		Trigger:     trigger,
		ScheduledAt: scheduledAt,
		StartedAt:   &started,
		Status:      StatusRunning,
	}
	if s.store != nil {
		if err := s.store.CreateExecution(exec); err != nil {
			s.logger.Error("failed to record execution", "job", job.Name, "error", err)
		}
	}

	s.logger.Info("executing job",
		"job", job.Name,
		"trigger", trigger,
		"execution_id", exec.ID,
		"scheduled_at", scheduledAt,
	)
	s.bus.Emit(events.SourceScheduler, events.KindTaskFired, map[string]any{
		"job":          job.Name,
		"execution_id": exec.ID,
		"scheduled_at": scheduledAt,
	})

	runErr := s.runSafe(runCtx, job)

	completed := s.now()
	exec.CompletedAt = &completed
	if runErr != nil {
		exec.Status = StatusFailed
		exec.Result = runErr.Error()
	} else {
		exec.Status = StatusCompleted
		exec.Result = "success"
	}

	if s.store != nil {
		if err := s.store.UpdateExecution(exec); err != nil {
			s.logger.Error("failed to update execution", "id", exec.ID, "error", err)
		}
	}

	s.logger.Info("job execution completed",
		"job", job.Name,
		"execution_id", exec.ID,
		"status", exec.Status,
		"duration", exec.Duration(),
	)
	data := map[string]any{
		"job":          job.Name,
		"execution_id": exec.ID,
		"ok":           runErr == nil,
		"duration_ms":  exec.Duration().Milliseconds(),
	}
	if runErr != nil {
		data["error"] = runErr.Error()
	}
	s.bus.Emit(events.SourceScheduler, events.KindTaskComplete, data)

	return exec, runErr
}

// runSafe calls the job body, converting a panic into an error.
func (s *Scheduler) runSafe(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked",
				"job", job.Name,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
		}
	}()
	return job.Run(ctx)
}
