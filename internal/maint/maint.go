// Package maint runs the scheduled housekeeping: reaping finished
// temporary tasks and sweeping old log files.
package maint

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"familycalendar/internal/supervisor"
	"familycalendar/pkg/logx"
)

const (
	// DefaultReapSpec keeps the temporary-task map from accumulating
	// finished handles between supervision cycles.
	DefaultReapSpec = "@every 1m"

	// DefaultSweepSpec covers log retention; once a day is plenty.
	DefaultSweepSpec = "@daily"
)

type Options struct {
	ReapSpec  string
	SweepSpec string

	// LogDir and KeepFor parameterize the log sweep. Empty dir or zero
	// retention disables it.
	LogDir  string
	KeepFor time.Duration
}

type Service struct {
	sup  *supervisor.Supervisor
	log  zerolog.Logger
	opts Options
}

func New(sup *supervisor.Supervisor, log zerolog.Logger, opts Options) *Service {
	if opts.ReapSpec == "" {
		opts.ReapSpec = DefaultReapSpec
	}
	if opts.SweepSpec == "" {
		opts.SweepSpec = DefaultSweepSpec
	}
	return &Service{sup: sup, log: log, opts: opts}
}

// Task returns the long-lived job driving the cron schedule. It runs
// until ctx is cancelled and waits for in-flight jobs on the way out.
func (s *Service) Task() supervisor.Task {
	return func(ctx context.Context) error {
		c := cron.New()

		if _, err := c.AddFunc(s.opts.ReapSpec, s.reap); err != nil {
			return fmt.Errorf("maint: bad reap schedule %q: %w", s.opts.ReapSpec, err)
		}
		if s.opts.LogDir != "" && s.opts.KeepFor > 0 {
			if _, err := c.AddFunc(s.opts.SweepSpec, s.sweep); err != nil {
				return fmt.Errorf("maint: bad sweep schedule %q: %w", s.opts.SweepSpec, err)
			}
		}

		c.Start()
		s.log.Debug().
			Str("reap", s.opts.ReapSpec).
			Str("sweep", s.opts.SweepSpec).
			Msg("maintenance schedule started")

		<-ctx.Done()
		<-c.Stop().Done()
		return nil
	}
}

func (s *Service) reap() {
	if n := s.sup.ReapTemporary(); n > 0 {
		s.log.Debug().Int("reaped", n).Msg("reaped finished temporary tasks")
	}
}

// sweep runs as a temporary task so its lifecycle is tracked and
// visible like any other background job.
func (s *Service) sweep() {
	s.sup.SpawnTemporary(func(ctx context.Context) error {
		_, err := logx.CleanupOldLogs(s.log, s.opts.LogDir, s.opts.KeepFor)
		return err
	})
}
