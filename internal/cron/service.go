// Package cron fires the retention cycle on its calendar schedule and once
// shortly after startup.
package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/stellarlinkco/retentiond/internal/config"
)

// Trigger names handed to the job.
const (
	TriggerSchedule = "schedule"
	TriggerStartup  = "startup"
)

const defaultStopTimeout = 5 * time.Second

// Job runs one cycle. It must return when ctx is cancelled.
type Job func(ctx context.Context, trigger string)

type Options struct {
	// Spec is a six-field cron expression, seconds first.
	Spec     string
	Location *time.Location
	// StartupDelay postpones the startup run. A negative delay disables it.
	StartupDelay time.Duration
	StopTimeout  time.Duration
	Logger       *zap.Logger
}

type Service struct {
	spec         string
	loc          *time.Location
	startupDelay time.Duration
	stopTimeout  time.Duration
	job          Job
	log          *zap.Logger

	mu     sync.Mutex
	cron   *rcron.Cron
	entry  rcron.EntryID
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(opts Options, job Job) (*Service, error) {
	if job == nil {
		return nil, fmt.Errorf("cron job is required")
	}
	if _, err := config.CronParser.Parse(opts.Spec); err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", opts.Spec, err)
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	stopTimeout := opts.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = defaultStopTimeout
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		spec:         opts.Spec,
		loc:          loc,
		startupDelay: opts.StartupDelay,
		stopTimeout:  stopTimeout,
		job:          job,
		log:          log.Named("cron"),
	}, nil
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("cron already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := rcron.New(
		rcron.WithParser(config.CronParser),
		rcron.WithLocation(s.loc),
		rcron.WithChain(rcron.Recover(cronLogger{s.log.Sugar()})),
	)
	entry, err := c.AddFunc(s.spec, func() {
		s.job(runCtx, TriggerSchedule)
	})
	if err != nil {
		cancel()
		return fmt.Errorf("register cycle: %w", err)
	}
	c.Start()

	s.cron = c
	s.entry = entry
	s.cancel = cancel

	if s.startupDelay >= 0 {
		s.wg.Add(1)
		go s.startupRun(runCtx)
	}

	s.log.Info("started",
		zap.String("spec", s.spec),
		zap.String("location", s.loc.String()),
		zap.Time("next", c.Entry(entry).Next),
	)
	return nil
}

func (s *Service) startupRun(ctx context.Context) {
	defer s.wg.Done()
	timer := time.NewTimer(s.startupDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	s.log.Info("startup run")
	s.job(ctx, TriggerStartup)
}

// Next reports the next scheduled fire time, or zero when not started.
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return time.Time{}
	}
	return s.cron.Entry(s.entry).Next
}

// Stop cancels the job context and waits up to the stop timeout for a running
// job to return.
func (s *Service) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	cancel()
	cronDone := c.Stop()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("stopped")
	case <-time.After(s.stopTimeout):
		s.log.Warn("stop timeout waiting for running cycle")
	}
}

// cronLogger adapts zap to the scheduler's logger interface.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
