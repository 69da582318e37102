// Package retention runs the periodic purge of expired escort tracking data.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/linnemanlabs/go-core/log"
)

// DefaultSchedule runs the purge every five minutes.
const DefaultSchedule = "@every 5m"

const defaultRunTimeout = time.Minute

// Purger removes data whose retention window has passed.
type Purger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

// Scheduler invokes a Purger on a cron schedule. Overlapping runs are skipped.
type Scheduler struct {
	cron       *cron.Cron
	purger     Purger
	logger     log.Logger
	runTimeout time.Duration
}

// New parses spec and registers the purge job. Call Start to begin.
func New(p Purger, spec string, runTimeout time.Duration, logger log.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = log.Nop()
	}
	if spec == "" {
		spec = DefaultSchedule
	}
	if runTimeout <= 0 {
		runTimeout = defaultRunTimeout
	}

	cl := cronLogger{L: logger}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		purger:     p,
		logger:     logger,
		runTimeout: runTimeout,
	}
	if _, err := s.cron.AddFunc(spec, func() { _, _ = s.RunNow(context.Background()) }); err != nil {
		return nil, fmt.Errorf("retention: schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins scheduling in a background goroutine.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts scheduling and waits for a running purge or ctx, whichever ends first.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow performs one purge bounded by the run timeout.
func (s *Scheduler) RunNow(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	start := time.Now()
	n, err := s.purger.PurgeExpired(ctx)
	if err != nil {
		s.logger.Error(ctx, err, "retention purge failed", "purged", n)
		return n, err
	}
	if n > 0 {
		s.logger.Info(ctx, "retention purge complete", "purged", n, "duration", time.Since(start).String())
	}
	return n, nil
}

// cronLogger adapts log.Logger to cron.Logger.
type cronLogger struct {
	L log.Logger
}

func (c cronLogger) Info(msg string, kv ...any) {
	c.L.Info(context.Background(), "cron: "+msg, kv...)
}

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.L.Error(context.Background(), err, "cron: "+msg, kv...)
}
