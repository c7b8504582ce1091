// Package scheduler runs periodic maintenance tasks (workspace sweeps,
// history pruning, rate limiter cleanup) on cron schedules while coderun
// serves requests.
//
// Tasks run one at a time; a task that is still running when its next slot
// arrives is not started twice.
package scheduler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultPollInterval is how often due tasks are checked.
const DefaultPollInterval = 5 * time.Second

// Task is a named unit of periodic work.
type Task struct {
	Name     string
	Schedule string // cron expression or descriptor, e.g. "@every 10m"
	Run      func(ctx context.Context) error
}

type entry struct {
	task     Task
	schedule cron.Schedule
	next     time.Time
}

// Scheduler fires tasks when their schedule comes due.
type Scheduler struct {
	mu      sync.Mutex
	entries []*entry
	parser  cron.Parser
	metrics *Metrics
	logger  *slog.Logger
	poll    time.Duration
	now     func() time.Time
}

// New creates a Scheduler. metrics may be nil.
func New(metrics *Metrics, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scheduler{
		parser:  newParser(),
		metrics: metrics,
		logger:  logger,
		poll:    DefaultPollInterval,
		now:     time.Now,
	}
}

func newParser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// Add registers a task. The first run is the schedule's next slot after now.
func (s *Scheduler) Add(t Task) error {
	if t.Name == "" || t.Run == nil {
		return fmt.Errorf("scheduler: task needs a name and a run function")
	}
	sched, err := s.parser.Parse(t.Schedule)
	if err != nil {
		return fmt.Errorf("invalid schedule %q for task %s: %w", t.Schedule, t.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.task.Name == t.Name {
			return fmt.Errorf("scheduler: task %s already registered", t.Name)
		}
	}
	s.entries = append(s.entries, &entry{task: t, schedule: sched, next: sched.Next(s.now())})
	return nil
}

// Next returns when the named task fires next.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.task.Name == name {
			return e.next, true
		}
	}
	return time.Time{}, false
}

// Start begins the scheduler loop and returns a function that stops it.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		s.logger.InfoContext(ctx, "maintenance scheduler started",
			slog.Int("tasks", s.len()),
			slog.String("poll_interval", s.poll.String()),
		)

		ticker := time.NewTicker(s.poll)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("maintenance scheduler stopped")
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()

	return cancel
}

func (s *Scheduler) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// tick runs every task whose slot has passed, then schedules its next slot.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !e.next.After(now) {
			due = append(due, e)
			e.next = e.schedule.Next(now)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		if ctx.Err() != nil {
			return
		}
		s.fire(ctx, e.task)
	}
}

// RunNow fires the named task immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var task *Task
	for _, e := range s.entries {
		if e.task.Name == name {
			t := e.task
			task = &t
			break
		}
	}
	s.mu.Unlock()

	if task == nil {
		return fmt.Errorf("scheduler: unknown task %s", name)
	}
	return s.fire(ctx, *task)
}

func (s *Scheduler) fire(ctx context.Context, t Task) error {
	correlationID := newCorrelationID()
	start := time.Now()

	s.logger.DebugContext(ctx, "running maintenance task",
		slog.String("task", t.Name),
		slog.String("correlation_id", correlationID),
	)

	err := t.Run(ctx)
	duration := time.Since(start)

	if s.metrics != nil {
		s.metrics.TasksRun.WithLabelValues(t.Name).Inc()
		s.metrics.TaskDuration.WithLabelValues(t.Name).Observe(duration.Seconds())
		if err != nil {
			s.metrics.TasksFailed.WithLabelValues(t.Name).Inc()
		}
	}

	if err != nil {
		s.logger.ErrorContext(ctx, "maintenance task failed",
			slog.String("task", t.Name),
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		return err
	}
	s.logger.DebugContext(ctx, "maintenance task completed",
		slog.String("task", t.Name),
		slog.String("correlation_id", correlationID),
		slog.Duration("duration", duration),
	)
	return nil
}

// ComputeNextRunFrom computes the next run time of expr after from.
func ComputeNextRunFrom(expr string, from time.Time) (time.Time, error) {
	sched, err := newParser().Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched.Next(from), nil
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
