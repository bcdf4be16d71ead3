package broker

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"

	"github.com/IsaacDSC/rqueue/config"
	"github.com/IsaacDSC/rqueue/pool"
)

// ConnectionInfo holds information about the Redis connection
type ConnectionInfo struct {
	Connected bool   `json:"connected"`
	Address   string `json:"address"`
	Database  int    `json:"database"`
	Error     string `json:"error,omitempty"`
}

// TestConnection tests if Redis is available with the given configuration
func TestConnection(ctx context.Context, cfg config.Config) error {
	p, err := pool.New(ctx, cfg.PoolOptions(logr.Discard()))
	if err != nil {
		return err
	}
	return p.Close()
}

// GetConnectionInfo returns information about the Redis connection
func GetConnectionInfo(ctx context.Context, cfg config.Config) ConnectionInfo {
	info := ConnectionInfo{
		Address:  cfg.Redis.Addr,
		Database: cfg.Redis.DB,
	}
	if cfg.Redis.URL != "" {
		// never expose the password embedded in the url
		if opts, err := redis.ParseURL(cfg.Redis.URL); err == nil {
			info.Address = opts.Addr
			info.Database = opts.DB
		}
	}

	if err := TestConnection(ctx, cfg); err != nil {
		info.Error = err.Error()
	} else {
		info.Connected = true
	}

	return info
}
