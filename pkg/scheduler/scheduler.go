// Package scheduler polls for due work on a cron cadence: due drip runs, flow instances whose
// wait expired and failed instances eligible for a retry.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/nurture/pkg/jobs"
	"github.com/dukex/nurture/pkg/models"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultInterval  = 30 * time.Second
	DefaultBatchSize = 100
	DefaultWorkers   = 4
)

// DueRuns lists drip runs whose next step is due.
type DueRuns interface {
	GetDueRuns(ctx context.Context, limit int) ([]*models.DripRun, error)
}

// FlowScheduler resumes expired waits and re-drives failed instances.
type FlowScheduler interface {
	ResumeDue(ctx context.Context, limit int) (int, error)
	RetryFailed(ctx context.Context, limit int) (int, error)
}

type Config struct {
	// DripInterval and FlowInterval are the poll cadences. Zero disables the poll.
	DripInterval time.Duration
	FlowInterval time.Duration
	BatchSize    int
	// Workers bounds the runs processed concurrently by one drip poll.
	Workers int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}

	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}

	return c
}

type Scheduler struct {
	logger     *slog.Logger
	runs       DueRuns
	flows      FlowScheduler
	dispatcher jobs.Dispatcher
	config     Config

	mu     sync.Mutex
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler. Due runs are handed to dispatcher as drip.process jobs. runs or flows
// may be nil to skip that poll.
func New(logger *slog.Logger, runs DueRuns, flows FlowScheduler, dispatcher jobs.Dispatcher, config Config) *Scheduler {
	return &Scheduler{
		logger:     logger.With("module", "scheduler"),
		runs:       runs,
		flows:      flows,
		dispatcher: dispatcher,
		config:     config.withDefaults(),
	}
}

// Start registers the polls and starts the cron loop. A poll still running when its next tick
// fires is skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return errors.New("scheduler already started")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	logger := cronLogger{s.logger}
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(logger),
		cron.Recover(logger),
	))

	if s.runs != nil && s.config.DripInterval > 0 {
		if _, err := c.AddFunc(every(s.config.DripInterval), func() { s.logPoll("drip", s.PollDrip) }); err != nil {
			return fmt.Errorf("failed to schedule drip poll: %w", err)
		}
	}

	if s.flows != nil && s.config.FlowInterval > 0 {
		if _, err := c.AddFunc(every(s.config.FlowInterval), func() { s.logPoll("flow", s.PollFlows) }); err != nil {
			return fmt.Errorf("failed to schedule flow poll: %w", err)
		}
	}

	s.cron = c
	c.Start()

	s.logger.Info("scheduler started",
		"drip_interval", s.config.DripInterval,
		"flow_interval", s.config.FlowInterval,
		"workers", s.config.Workers,
	)

	return nil
}

// Stop stops the cron loop and waits for running polls until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return nil
	}

	s.cancel()

	select {
	case <-c.Stop().Done():
		s.logger.Info("scheduler stopped")

		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PollDrip dispatches every due run and waits for the jobs. It returns how many runs were
// handled without error.
func (s *Scheduler) PollDrip(ctx context.Context) (int, error) {
	runs, err := s.runs.GetDueRuns(ctx, s.config.BatchSize)
	if err != nil {
		return 0, err
	}

	var (
		g         errgroup.Group
		mu        sync.Mutex
		processed int
	)

	g.SetLimit(s.config.Workers)

	for _, run := range runs {
		g.Go(func() error {
			job := jobs.Job{Kind: jobs.KindDripRun, ID: run.ID}

			handle, err := s.dispatcher.Dispatch(ctx, job)
			if err == nil {
				err = handle.Wait(ctx)
			}

			if err != nil {
				s.logger.ErrorContext(ctx, "failed to process run", "run_id", run.ID, "error", err)

				return nil
			}

			mu.Lock()
			processed++
			mu.Unlock()

			return nil
		})
	}

	_ = g.Wait()

	return processed, nil
}

// PollFlows resumes instances whose wait expired, then retries failed ones.
func (s *Scheduler) PollFlows(ctx context.Context) (int, error) {
	resumed, resumeErr := s.flows.ResumeDue(ctx, s.config.BatchSize)
	retried, retryErr := s.flows.RetryFailed(ctx, s.config.BatchSize)

	return resumed + retried, errors.Join(resumeErr, retryErr)
}

func (s *Scheduler) logPoll(name string, poll func(context.Context) (int, error)) {
	started := time.Now()

	count, err := poll(s.ctx)
	if err != nil {
		s.logger.Error("poll failed", "poll", name, "error", err)

		return
	}

	if count > 0 {
		s.logger.Info("poll completed", "poll", name, "count", count, "duration", time.Since(started))
	}
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// cronLogger routes cron's own messages to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
