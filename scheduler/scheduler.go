// Package scheduler runs the engine's background sweeps on cron schedules:
// idle session cleanup, blacklist purge, stale counter purge, audit log retention
// and security event retention.
//
// Sweeps never run on the request path. A sweep that is still running when its
// next tick fires is skipped, and a panicking sweep is recovered and logged.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lingualeap/apiguard/instrumentation"
	"github.com/lingualeap/apiguard/security"
	"github.com/lingualeap/apiguard/storage"
)

// Job names
const (
	JobSessionCleanup = "session_cleanup"
	JobBlacklistPurge = "blacklist_purge"
	JobCounterPurge   = "counter_purge"
	JobAuditRetention = "audit_retention"
	JobEventRetention = "event_retention"
)

const (
	// DefaultEventRetentionDays is how long security events are kept
	DefaultEventRetentionDays = 90

	// DefaultJobTimeout bounds a single sweep
	DefaultJobTimeout = 5 * time.Minute
)

// Config holds the cron schedule of each job. Specs use the standard five-field
// syntax or descriptors such as "@every 5m" and "@daily". An empty spec disables
// the job; DefaultConfig enables all of them.
type Config struct {
	SessionCleanup string `toml:"session_cleanup"`
	BlacklistPurge string `toml:"blacklist_purge"`
	CounterPurge   string `toml:"counter_purge"`
	AuditRetention string `toml:"audit_retention"`
	EventRetention string `toml:"event_retention"`

	// EventRetentionDays is how long security events are kept. Default: 90
	EventRetentionDays int `toml:"event_retention_days"`

	// JobTimeout bounds a single run. Default: 5m
	JobTimeout time.Duration `toml:"job_timeout"`

	// Location is the time zone of the schedules. Default: UTC
	Location *time.Location `toml:"-"`
}

// DefaultConfig returns the default schedules
func DefaultConfig() Config {
	return Config{
		SessionCleanup:     "@every 5m",
		BlacklistPurge:     "@every 15m",
		CounterPurge:       "@every 10m",
		AuditRetention:     "30 3 * * *",
		EventRetention:     "45 3 * * *",
		EventRetentionDays: DefaultEventRetentionDays,
		JobTimeout:         DefaultJobTimeout,
	}
}

// SessionSweeper removes idle sessions. session.Manager implements it.
type SessionSweeper interface {
	CleanupExpiredSessions(ctx context.Context) (int64, error)
}

// BlacklistPurger removes expired blacklist entries. tokenguard.Guard implements it.
type BlacklistPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// CounterPurger removes counters of closed windows. ratelimit.Limiter implements it.
type CounterPurger interface {
	PurgeStale(ctx context.Context) (int64, error)
}

// AuditRetainer enforces the audit retention policy. audit.Log implements it.
type AuditRetainer interface {
	EnforceRetentionPolicy(ctx context.Context, days int) (int64, error)
	RetentionDays() int
}

// Targets are the components swept by the scheduler. A nil target disables its job.
type Targets struct {
	Sessions  SessionSweeper
	Blacklist BlacklistPurger
	Counters  CounterPurger
	Audit     AuditRetainer
	Events    storage.EventStore
	Clock     security.Clock
}

// Job is one scheduled sweep
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) (int64, error)
}

// Scheduler runs sweeps on their schedules
type Scheduler struct {
	cron    *cron.Cron
	jobs    map[string]Job
	timeout time.Duration
	logger  *slog.Logger
	metrics *instrumentation.Metrics

	mu      sync.Mutex
	running bool
}

// New creates a scheduler for targets. Jobs whose spec is empty or whose target
// is nil are not registered.
func New(cfg Config, targets Targets, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.EventRetentionDays <= 0 {
		cfg.EventRetentionDays = DefaultEventRetentionDays
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	clock := security.ClockOrSystem(targets.Clock)

	cl := cronLogger{logger: logger}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		jobs:    make(map[string]Job),
		timeout: cfg.JobTimeout,
		logger:  logger,
	}

	var candidates []Job
	if targets.Sessions != nil {
		candidates = append(candidates, Job{Name: JobSessionCleanup, Spec: cfg.SessionCleanup, Run: targets.Sessions.CleanupExpiredSessions})
	}
	if targets.Blacklist != nil {
		candidates = append(candidates, Job{Name: JobBlacklistPurge, Spec: cfg.BlacklistPurge, Run: targets.Blacklist.PurgeExpired})
	}
	if targets.Counters != nil {
		candidates = append(candidates, Job{Name: JobCounterPurge, Spec: cfg.CounterPurge, Run: targets.Counters.PurgeStale})
	}
	if targets.Audit != nil {
		retainer := targets.Audit
		candidates = append(candidates, Job{Name: JobAuditRetention, Spec: cfg.AuditRetention, Run: func(ctx context.Context) (int64, error) {
			return retainer.EnforceRetentionPolicy(ctx, retainer.RetentionDays())
		}})
	}
	if targets.Events != nil {
		events, days := targets.Events, cfg.EventRetentionDays
		candidates = append(candidates, Job{Name: JobEventRetention, Spec: cfg.EventRetention, Run: func(ctx context.Context) (int64, error) {
			return events.DeleteEventsBefore(ctx, clock.Now().AddDate(0, 0, -days))
		}})
	}

	for _, job := range candidates {
		if job.Spec == "" {
			logger.Info("Background job disabled", "job", job.Name)
			continue
		}
		if err := s.add(job); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// SetInstrumentation enables job metrics
func (s *Scheduler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		s.metrics = inst.Metrics()
	}
}

// Add registers an additional job. It must be called before Start.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job name and function are required")
	}
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %q already registered", job.Name)
	}
	return s.add(job)
}

func (s *Scheduler) add(job Job) error {
	if _, err := s.cron.AddFunc(job.Spec, func() { s.execute(job) }); err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", job.Spec, job.Name, err)
	}
	s.jobs[job.Name] = job
	return nil
}

// Jobs returns the registered job names in order
func (s *Scheduler) Jobs() []string {
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start begins running jobs on their schedules. Calling Start twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
	s.logger.Info("Background jobs started", "jobs", s.Jobs())
}

// Stop stops scheduling and waits for running jobs until ctx is done
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("Background jobs stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("background jobs did not finish: %w", ctx.Err())
	}
}

// RunNow runs the named job synchronously and returns its result
func (s *Scheduler) RunNow(ctx context.Context, name string) (int64, error) {
	job, ok := s.jobs[name]
	if !ok {
		return 0, fmt.Errorf("unknown job %q", name)
	}
	return s.run(ctx, job)
}

func (s *Scheduler) execute(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	_, _ = s.run(ctx, job)
}

func (s *Scheduler) run(ctx context.Context, job Job) (int64, error) {
	start := time.Now()
	affected, err := job.Run(ctx)
	elapsed := time.Since(start)

	if s.metrics != nil {
		s.metrics.RecordJobRun(ctx, job.Name, err, float64(elapsed.Milliseconds()))
	}

	if err != nil {
		s.logger.Error("Background job failed",
			"job", job.Name,
			"duration", elapsed,
			"error", err)
		return affected, err
	}

	s.logger.Debug("Background job completed",
		"job", job.Name,
		"affected", affected,
		"duration", elapsed)
	return affected, nil
}

// cronLogger adapts slog to cron.Logger
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
