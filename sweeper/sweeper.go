// Package sweeper periodically reclaims messages abandoned by crashed
// consumers. The queue client never starts goroutines on its own; callers
// that want automatic recovery run a Sweeper next to their consumers.
package sweeper

import (
	"context"
	"time"

	"github.com/go-logr/logr"
)

// Sweepable is implemented by *queue.Client
type Sweepable interface {
	Sweep(ctx context.Context, interval time.Duration) (int64, error)
}

type Sweeper struct {
	target   Sweepable
	interval time.Duration
	every    time.Duration
	logger   logr.Logger
}

type Option func(*Sweeper)

// Interval is how long a message must be checked out before it is
// reclaimed. Zero keeps the client's configured interval.
func Interval(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// Every sets how often the sweep runs. Defaults to the interval, or one
// minute when the interval is left to the client.
func Every(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.every = d
		}
	}
}

func Logger(logger logr.Logger) Option {
	return func(s *Sweeper) {
		if logger.GetSink() != nil {
			s.logger = logger
		}
	}
}

func New(target Sweepable, opts ...Option) *Sweeper {
	s := &Sweeper{target: target, logger: logr.Discard()}
	for _, opt := range opts {
		opt(s)
	}

	if s.every <= 0 {
		s.every = s.interval
	}
	if s.every <= 0 {
		s.every = time.Minute
	}
	s.logger = s.logger.WithName("sweeper")

	return s
}

// SweepOnce runs a single sweep and returns how many messages went back to
// pending
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	return s.target.Sweep(ctx, s.interval)
}

// Run sweeps immediately and then on every tick until ctx is done. Sweep
// failures are logged and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.every)
	defer ticker.Stop()

	s.logger.Info("sweeper started", "every", s.every, "interval", s.interval)

	for {
		s.sweep(ctx)

		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	moved, err := s.SweepOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error(err, "sweep failed")
		}
		return
	}

	s.logger.V(1).Info("sweep finished", "moved", moved)
}
