package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/agentworkforce/relaymsg/internal/clock"
)

type TaskFunc func(ctx context.Context) error

// Scheduler runs uniquely-named recurring tasks. A trigger that
// arrives while the task is mid-run replaces any pending trigger
// instead of stacking, and a running instance is never preempted:
// re-registering a name takes effect after the current run finishes.
// A run that returns an error is retried after RetryDelay rather than
// waiting out the full interval.
type Scheduler struct {
	clock      clock.Clock
	log        *slog.Logger
	retryDelay time.Duration

	mu     sync.Mutex
	tasks  map[string]*scheduledTask
	closed bool
	wg     sync.WaitGroup
}

type scheduledTask struct {
	name     string
	interval time.Duration
	run      TaskFunc

	// trigger has capacity 1: a manual submit while one is already
	// pending is coalesced into it.
	trigger chan struct{}
	stop    chan struct{}
}

func NewScheduler(clk clock.Clock, log *slog.Logger, retryDelay time.Duration) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = slog.Default()
	}
	if retryDelay <= 0 {
		retryDelay = time.Minute
	}
	return &Scheduler{
		clock:      clk,
		log:        log,
		retryDelay: retryDelay,
		tasks:      map[string]*scheduledTask{},
	}
}

// Schedule registers a recurring task and starts its loop. The first
// run happens after one interval; use Submit for an immediate run.
// Scheduling an already-registered name supersedes the previous
// registration once its in-flight run, if any, completes.
func (s *Scheduler) Schedule(ctx context.Context, name string, interval time.Duration, run TaskFunc) error {
	if name == "" || run == nil || interval <= 0 {
		return errors.New("scheduler: name, interval, and task are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("scheduler: closed")
	}
	if previous, ok := s.tasks[name]; ok {
		close(previous.stop)
	}
	task := &scheduledTask{
		name:     name,
		interval: interval,
		run:      run,
		trigger:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	s.tasks[name] = task
	s.wg.Add(1)
	go s.loop(ctx, task)
	return nil
}

// Submit requests an immediate out-of-cadence run. If one is already
// pending it is replaced, not queued behind.
func (s *Scheduler) Submit(name string) error {
	s.mu.Lock()
	task, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return errors.New("scheduler: unknown task " + name)
	}
	select {
	case task.trigger <- struct{}{}:
	default:
	}
	return nil
}

// Cancel removes a registration. An in-flight run finishes.
func (s *Scheduler) Cancel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task, ok := s.tasks[name]; ok {
		close(task.stop)
		delete(s.tasks, name)
	}
}

// Close stops every task and waits for in-flight runs to return.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for name, task := range s.tasks {
		close(task.stop)
		delete(s.tasks, name)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, task *scheduledTask) {
	defer s.wg.Done()
	ticker := s.clock.NewTicker(task.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-task.stop:
			return
		case <-ticker.C:
		case <-task.trigger:
		}

		// A stop that raced with the wakeup wins: a cancelled or
		// superseded task must not start a new run.
		select {
		case <-ctx.Done():
			return
		case <-task.stop:
			return
		default:
		}

		for {
			err := task.run(ctx)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("task failed, retrying later",
				"task", task.name, "retry_in", s.retryDelay, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-task.stop:
				return
			case <-s.clock.After(s.retryDelay):
			}
		}
	}
}
