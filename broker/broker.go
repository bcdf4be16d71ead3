package broker

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/IsaacDSC/rqueue/config"
	"github.com/IsaacDSC/rqueue/pool"
	"github.com/IsaacDSC/rqueue/queue"
)

// Connect builds the pool and queue client described by cfg. Extra options
// are applied after the configured ones.
func Connect(ctx context.Context, cfg config.Config, logger logr.Logger, opts ...queue.Option) (*queue.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	queueOpts, err := cfg.QueueOptions(logger)
	if err != nil {
		return nil, err
	}

	p, err := pool.New(ctx, cfg.PoolOptions(logger.WithName("pool")))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	client, err := queue.New(ctx, p, append(queueOpts, opts...)...)
	if err != nil {
		p.Close()
		return nil, err
	}

	logger.Info("connected", "app", cfg.AppName, "prefix", cfg.Queue.KeyPrefix)

	return client, nil
}
