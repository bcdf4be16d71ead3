package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/IsaacDSC/rqueue/pool"
	"github.com/IsaacDSC/rqueue/queue"
	"github.com/IsaacDSC/rqueue/serializer"
)

// EnvPrefix is prepended to every environment variable, e.g. RQUEUE_REDIS_ADDR
const EnvPrefix = "RQUEUE"

// Config is the application configuration
type Config struct {
	AppName string
	Redis   RedisConfig
	Queue   QueueConfig
	Log     LogConfig
	Tracing TracingConfig
}

// RedisConfig holds the connection and pool settings
type RedisConfig struct {
	URL      string // Takes precedence over Addr/Password/DB when set
	Addr     string // Redis server address (default: "localhost:6379")
	Password string
	DB       int

	PoolSize     int           // Maximum number of connections (default: 10)
	MinIdleConns int           // Minimum number of idle connections (default: 0)
	MaxRetries   int           // Retries of a failed command, 0 disables retries (default: 3)
	PoolTimeout  time.Duration // How long to wait for a free connection (default: 1s)
	DialTimeout  time.Duration // Timeout for establishing connection (default: 5s)
	ReadTimeout  time.Duration // Timeout for socket reads (default: 3s)
	WriteTimeout time.Duration // Timeout for socket writes (default: 3s)
}

// QueueConfig holds the queue namespace and behaviour
type QueueConfig struct {
	KeyPrefix     string        // Prefix for the three queue keys (default: "queue")
	SweepInterval time.Duration // Age after which a checked out message is reclaimed (default: 1m)
	Serializer    string        // json or msgpack (default: json)
}

type LogConfig struct {
	Verbosity int
}

type TracingConfig struct {
	// OTLPEndpoint is an optional OTLP/HTTP collector, e.g. localhost:4318
	OTLPEndpoint string
}

// Default returns a configuration with sensible defaults
func Default() Config {
	p := pool.DefaultOptions()

	return Config{
		AppName: "rqueue",
		Redis: RedisConfig{
			Addr:         p.Addr,
			PoolSize:     p.MaxConns,
			MinIdleConns: p.MinConns,
			MaxRetries:   p.MaxRetries,
			PoolTimeout:  p.AcquireTimeout,
			DialTimeout:  p.DialTimeout,
			ReadTimeout:  p.ReadTimeout,
			WriteTimeout: p.WriteTimeout,
		},
		Queue: QueueConfig{
			KeyPrefix:     queue.DefaultKeyPrefix,
			SweepInterval: queue.DefaultSweepInterval,
			Serializer:    serializer.NameJSON,
		},
	}
}

// Load reads the configuration from defaults, an optional file and the
// environment, in increasing order of precedence
func Load(file string) (Config, error) {
	v := newViper()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := Config{
		AppName: v.GetString("app_name"),
		Redis: RedisConfig{
			URL:          v.GetString("redis.url"),
			Addr:         v.GetString("redis.addr"),
			Password:     v.GetString("redis.password"),
			DB:           v.GetInt("redis.db"),
			PoolSize:     v.GetInt("redis.pool_size"),
			MinIdleConns: v.GetInt("redis.min_idle_conns"),
			MaxRetries:   v.GetInt("redis.max_retries"),
			PoolTimeout:  getDuration(v, "redis.pool_timeout"),
			DialTimeout:  getDuration(v, "redis.dial_timeout"),
			ReadTimeout:  getDuration(v, "redis.read_timeout"),
			WriteTimeout: getDuration(v, "redis.write_timeout"),
		},
		Queue: QueueConfig{
			KeyPrefix:     v.GetString("queue.key_prefix"),
			SweepInterval: getDuration(v, "queue.sweep_interval"),
			Serializer:    v.GetString("queue.serializer"),
		},
		Log: LogConfig{
			Verbosity: v.GetInt("log.verbosity"),
		},
		Tracing: TracingConfig{
			OTLPEndpoint: v.GetString("tracing.otlp_endpoint"),
		},
	}

	return cfg, nil
}

func newViper() *viper.Viper {
	d := Default()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("app_name", d.AppName)
	v.SetDefault("redis.url", d.Redis.URL)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.pool_size", d.Redis.PoolSize)
	v.SetDefault("redis.min_idle_conns", d.Redis.MinIdleConns)
	v.SetDefault("redis.max_retries", d.Redis.MaxRetries)
	v.SetDefault("redis.pool_timeout", d.Redis.PoolTimeout)
	v.SetDefault("redis.dial_timeout", d.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", d.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", d.Redis.WriteTimeout)
	v.SetDefault("queue.key_prefix", d.Queue.KeyPrefix)
	v.SetDefault("queue.sweep_interval", d.Queue.SweepInterval)
	v.SetDefault("queue.serializer", d.Queue.Serializer)
	v.SetDefault("log.verbosity", d.Log.Verbosity)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)

	return v
}

// getDuration accepts both duration strings ("30s") and integer seconds
func getDuration(v *viper.Viper, key string) time.Duration {
	d := v.GetDuration(key)
	if d > 0 && d < time.Millisecond {
		if seconds := v.GetInt(key); seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return d
}

// AddFlags registers command line overrides. Call it after Load so the
// loaded values become the flag defaults.
func (c *Config) AddFlags(f *pflag.FlagSet) {
	f.StringVar(&c.AppName, "app-name", c.AppName, "Application name used in logs.")
	f.StringVar(&c.Redis.URL, "redis-url", c.Redis.URL, "Redis URL, overrides address, password and db.")
	f.StringVar(&c.Redis.Addr, "redis-addr", c.Redis.Addr, "Redis server address.")
	f.StringVar(&c.Redis.Password, "redis-password", c.Redis.Password, "Redis password.")
	f.IntVar(&c.Redis.DB, "redis-db", c.Redis.DB, "Redis database number.")
	f.IntVar(&c.Redis.PoolSize, "redis-pool-size", c.Redis.PoolSize, "Maximum number of pooled connections.")
	f.IntVar(&c.Redis.MinIdleConns, "redis-min-idle-conns", c.Redis.MinIdleConns, "Minimum number of idle connections.")
	f.IntVar(&c.Redis.MaxRetries, "redis-max-retries", c.Redis.MaxRetries, "Retries of a failed command, 0 disables retries.")
	f.DurationVar(&c.Redis.PoolTimeout, "redis-pool-timeout", c.Redis.PoolTimeout, "How long to wait for a free connection.")
	f.DurationVar(&c.Redis.DialTimeout, "redis-dial-timeout", c.Redis.DialTimeout, "Timeout for establishing a connection.")
	f.DurationVar(&c.Redis.ReadTimeout, "redis-read-timeout", c.Redis.ReadTimeout, "Timeout for socket reads.")
	f.DurationVar(&c.Redis.WriteTimeout, "redis-write-timeout", c.Redis.WriteTimeout, "Timeout for socket writes.")
	f.StringVar(&c.Queue.KeyPrefix, "queue-key-prefix", c.Queue.KeyPrefix, "Prefix of the queue keys.")
	f.DurationVar(&c.Queue.SweepInterval, "queue-sweep-interval", c.Queue.SweepInterval, "Age after which a checked out message is reclaimed.")
	f.StringVar(&c.Queue.Serializer, "queue-serializer", c.Queue.Serializer, "Envelope encoding, json or msgpack.")
	f.IntVar(&c.Log.Verbosity, "v", c.Log.Verbosity, "Log verbosity.")
	f.StringVar(&c.Tracing.OTLPEndpoint, "otlp-endpoint", c.Tracing.OTLPEndpoint, "An optional OTLP endpoint.")
}

// Validate applies defaults for zero values and checks the configuration.
// Returns an error if the configuration is invalid.
func (c *Config) Validate() error {
	defaults := Default()

	if c.AppName == "" {
		c.AppName = defaults.AppName
	}
	if c.Redis.URL == "" && c.Redis.Addr == "" {
		c.Redis.Addr = defaults.Redis.Addr
	}
	if c.Redis.PoolSize <= 0 {
		c.Redis.PoolSize = defaults.Redis.PoolSize
	}
	if c.Redis.PoolTimeout <= 0 {
		c.Redis.PoolTimeout = defaults.Redis.PoolTimeout
	}
	if c.Redis.DialTimeout <= 0 {
		c.Redis.DialTimeout = defaults.Redis.DialTimeout
	}
	if c.Redis.ReadTimeout <= 0 {
		c.Redis.ReadTimeout = defaults.Redis.ReadTimeout
	}
	if c.Redis.WriteTimeout <= 0 {
		c.Redis.WriteTimeout = defaults.Redis.WriteTimeout
	}
	if c.Queue.KeyPrefix = strings.TrimSuffix(c.Queue.KeyPrefix, ":"); c.Queue.KeyPrefix == "" {
		c.Queue.KeyPrefix = defaults.Queue.KeyPrefix
	}
	if c.Queue.SweepInterval <= 0 {
		c.Queue.SweepInterval = defaults.Queue.SweepInterval
	}
	if c.Queue.Serializer == "" {
		c.Queue.Serializer = defaults.Queue.Serializer
	}

	var errs []error
	if c.Redis.DB < 0 {
		errs = append(errs, fmt.Errorf("invalid redis db: %d", c.Redis.DB))
	}
	if c.Redis.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("invalid redis max retries: %d", c.Redis.MaxRetries))
	}
	if c.Redis.MinIdleConns < 0 || c.Redis.MinIdleConns > c.Redis.PoolSize {
		errs = append(errs, fmt.Errorf("min idle conns (%d) must be between 0 and pool size (%d)", c.Redis.MinIdleConns, c.Redis.PoolSize))
	}
	if _, err := serializer.ByName(c.Queue.Serializer); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Verbosity < 0 {
		errs = append(errs, fmt.Errorf("invalid log verbosity: %d", c.Log.Verbosity))
	}

	return errors.Join(errs...)
}

// PoolOptions converts the redis section into pool.Options
func (c *Config) PoolOptions(logger logr.Logger) pool.Options {
	return pool.Options{
		URL:            c.Redis.URL,
		Addr:           c.Redis.Addr,
		Password:       c.Redis.Password,
		DB:             c.Redis.DB,
		MaxConns:       c.Redis.PoolSize,
		MinConns:       c.Redis.MinIdleConns,
		AcquireTimeout: c.Redis.PoolTimeout,
		MaxRetries:     c.Redis.MaxRetries,
		DialTimeout:    c.Redis.DialTimeout,
		ReadTimeout:    c.Redis.ReadTimeout,
		WriteTimeout:   c.Redis.WriteTimeout,
		Logger:         logger,
	}
}

// QueueOptions converts the queue section into queue options
func (c *Config) QueueOptions(logger logr.Logger) ([]queue.Option, error) {
	s, err := serializer.ByName(c.Queue.Serializer)
	if err != nil {
		return nil, err
	}

	return []queue.Option{
		queue.WithKeyPrefix(c.Queue.KeyPrefix),
		queue.WithSweepInterval(c.Queue.SweepInterval),
		queue.WithSerializer(s),
		queue.WithLogger(logger),
	}, nil
}

// SetupOpenTelemetry installs the global tracer provider queue clients pick
// up by default. Spans are exported only when an OTLP endpoint is set. The
// returned function flushes and stops the provider.
func (c *Config) SetupOpenTelemetry(ctx context.Context, logger logr.Logger) (func(context.Context) error, error) {
	otel.SetLogger(logger)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	var opts []sdktrace.TracerProviderOption

	if c.Tracing.OTLPEndpoint != "" {
		exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(c.Tracing.OTLPEndpoint), otlptracehttp.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}

		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// Print logs the current configuration. The password is never printed.
func (c *Config) Print(logger logr.Logger) {
	redisAddr := c.Redis.Addr
	if c.Redis.URL != "" {
		redisAddr = "url"
	}

	logger.Info("configuration",
		"appName", c.AppName,
		"redis", redisAddr,
		"db", c.Redis.DB,
		"poolSize", c.Redis.PoolSize,
		"keyPrefix", c.Queue.KeyPrefix,
		"sweepInterval", c.Queue.SweepInterval,
		"serializer", c.Queue.Serializer,
		"verbosity", c.Log.Verbosity,
		"otlpEndpoint", c.Tracing.OTLPEndpoint,
	)
}
