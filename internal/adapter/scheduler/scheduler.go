package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc is a scheduled job.
type JobFunc func(ctx context.Context) error

// JobID identifies a registered job.
type JobID = cron.EntryID

// OverlapPolicy decides what happens when a job fires while its previous run is active.
type OverlapPolicy int

const (
	// AllowOverlap runs every firing.
	AllowOverlap OverlapPolicy = iota
	// SkipIfRunning drops a firing while the previous run is active.
	SkipIfRunning
	// DelayIfRunning queues a firing until the previous run finishes.
	DelayIfRunning
)

func (p OverlapPolicy) String() string {
	switch p {
	case SkipIfRunning:
		return "skip"
	case DelayIfRunning:
		return "delay"
	default:
		return "allow"
	}
}

// JobOptions configure a job.
type JobOptions struct {
	Name          string
	Timeout       time.Duration
	OverlapPolicy OverlapPolicy
}

// Config configures a Scheduler.
type Config struct {
	Logger *slog.Logger
	// Location for cron specs; UTC when nil.
	Location *time.Location
}

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate reports whether spec is a schedule the scheduler accepts.
func Validate(spec string) error {
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// cronLogger routes cron's own logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
}

// Scheduler owns a cron instance and the lifetime of its jobs.
type Scheduler struct {
	cron   *cron.Cron
	clog   cronLogger
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once
	stopped   chan struct{}
}

// New creates a scheduler bound to context.Background.
func New(cfg Config) *Scheduler {
	return NewWithContext(context.Background(), cfg)
}

// NewWithContext creates a scheduler whose jobs see contexts derived from parent.
// Cancelling parent stops the scheduler.
func NewWithContext(parent context.Context, cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	clog := cronLogger{logger: logger.With("component", "cron")}
	ctx, cancel := context.WithCancel(parent)

	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(loc),
			cron.WithLogger(clog),
		),
		clog:    clog,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
}

// AddJob registers job on spec.
func (s *Scheduler) AddJob(spec string, job JobFunc, opts JobOptions) (JobID, error) {
	if opts.Name == "" {
		opts.Name = "unnamed"
	}

	var wrappers []cron.JobWrapper
	switch opts.OverlapPolicy {
	case SkipIfRunning:
		wrappers = append(wrappers, cron.SkipIfStillRunning(s.clog))
	case DelayIfRunning:
		wrappers = append(wrappers, cron.DelayIfStillRunning(s.clog))
	}

	id, err := s.cron.AddJob(spec, cron.NewChain(wrappers...).Then(cron.FuncJob(func() {
		s.run(job, opts)
	})))
	if err != nil {
		return 0, fmt.Errorf("add job %s: %w", opts.Name, err)
	}
	s.logger.Info("job scheduled",
		"name", opts.Name, "schedule", spec, "overlap", opts.OverlapPolicy.String(), "id", id)
	return id, nil
}

// Remove unregisters a job. A run in progress completes.
func (s *Scheduler) Remove(id JobID) {
	s.cron.Remove(id)
}

// Next returns the next activation of id, or the zero time if it is not scheduled or
// the scheduler has not started.
func (s *Scheduler) Next(id JobID) time.Time {
	return s.cron.Entry(id).Next
}

// Start begins firing jobs. It is idempotent.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.cron.Start()
		s.logger.Info("scheduler started")
		go func() {
			<-s.ctx.Done()
			s.stopOnce.Do(s.stop)
		}()
	})
}

// StopContext stops firing, cancels running jobs' contexts and waits for them until ctx
// expires. Shutdown completes in the background when the deadline is exceeded.
func (s *Scheduler) StopContext(ctx context.Context) error {
	s.cancel()
	go s.stopOnce.Do(s.stop)

	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduler stop deadline exceeded")
		return ctx.Err()
	}
}

// Stop is StopContext without a deadline.
func (s *Scheduler) Stop() {
	_ = s.StopContext(context.Background())
}

func (s *Scheduler) stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
	close(s.stopped)
}

// IsRunning reports whether the scheduler has not been stopped.
func (s *Scheduler) IsRunning() bool {
	return s.ctx.Err() == nil
}

func (s *Scheduler) run(job JobFunc, opts JobOptions) {
	if s.ctx.Err() != nil {
		return
	}
	log := s.logger.With("job", opts.Name)

	defer func() {
		if p := recover(); p != nil {
			log.Error("job panicked", "panic", p, "stack", string(debug.Stack()))
		}
	}()

	ctx := s.ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := job(ctx)
	dur := time.Since(start)
	if err != nil {
		log.Error("job failed", "error", err, "duration", dur)
		return
	}
	log.Debug("job finished", "duration", dur)
}
