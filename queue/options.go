package queue

import (
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/IsaacDSC/rqueue/serializer"
)

const (
	// DefaultKeyPrefix gives the keys queue:pending, queue:working and queue:values
	DefaultKeyPrefix = "queue"
	// DefaultSweepInterval is how long a message may stay checked out before Sweep reclaims it
	DefaultSweepInterval = time.Minute

	separator = ":"
)

type options struct {
	keyPrefix      string
	sweepInterval  time.Duration
	serializer     serializer.Serializer
	logger         logr.Logger
	tracerProvider trace.TracerProvider
	now            func() time.Time
	newID          func() string
}

func defaultOptions() options {
	return options{
		keyPrefix:      DefaultKeyPrefix,
		sweepInterval:  DefaultSweepInterval,
		serializer:     serializer.JSON{},
		logger:         logr.Discard(),
		tracerProvider: otel.GetTracerProvider(),
		now:            time.Now,
		newID:          uuid.NewString,
	}
}

type Option func(*options)

// WithKeyPrefix namespaces the three queue keys. Use a hash tag such as
// "{orders}" when running against Redis Cluster.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		if prefix = strings.TrimSuffix(prefix, separator); prefix != "" {
			o.keyPrefix = prefix
		}
	}
}

// WithSweepInterval sets the interval Sweep uses when called with zero
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.sweepInterval = d
		}
	}
}

func WithSerializer(s serializer.Serializer) Option {
	return func(o *options) {
		if s != nil {
			o.serializer = s
		}
	}
}

func WithLogger(logger logr.Logger) Option {
	return func(o *options) {
		if logger.GetSink() != nil {
			o.logger = logger
		}
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

// WithClock replaces time.Now for dequeue timestamps and sweep cutoffs
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDGenerator replaces the UUIDv4 message id generator
func WithIDGenerator(newID func() string) Option {
	return func(o *options) {
		if newID != nil {
			o.newID = newID
		}
	}
}

type keys struct {
	pending string
	working string
	values  string
}

func newKeys(prefix string) keys {
	return keys{
		pending: strings.Join([]string{prefix, "pending"}, separator),
		working: strings.Join([]string{prefix, "working"}, separator),
		values:  strings.Join([]string{prefix, "values"}, separator),
	}
}
