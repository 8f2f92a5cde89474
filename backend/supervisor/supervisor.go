// Package supervisor keeps a long-running task alive by restarting it
// after a fixed delay whenever it fails.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultRestartDelay = time.Second
)

type Supervisor struct {
	logger zerolog.Logger
	delay  time.Duration
}

type Config struct {
	Logger       *zerolog.Logger
	RestartDelay time.Duration
}

func New(cfg Config) *Supervisor {
	delay := cfg.RestartDelay
	if delay <= 0 {
		delay = DefaultRestartDelay
	}
	return &Supervisor{
		logger: cfg.Logger.With().Str("component", "supervisor").Logger(),
		delay:  delay,
	}
}

// Run calls task until ctx is done. A task error or panic is logged and the
// task is started again after the restart delay.
func (s *Supervisor) Run(ctx context.Context, task func(context.Context) error) {
	for attempt := 1; ; attempt++ {
		err := s.runOnce(ctx, task)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.logger.Error().Err(err).Int("attempt", attempt).Dur("delay", s.delay).Msg("task failed, restarting")
		} else {
			s.logger.Warn().Int("attempt", attempt).Dur("delay", s.delay).Msg("task exited, restarting")
		}

		t := time.NewTimer(s.delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context, task func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}
