package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/IsaacDSC/rqueue/pool"
	"github.com/IsaacDSC/rqueue/script"
	"github.com/IsaacDSC/rqueue/serializer"
)

const tracerName = "github.com/IsaacDSC/rqueue/queue"

// Client is a reliable queue on top of Redis. Every state transition runs
// as a single Lua script, so any number of clients in any number of
// processes can share the same keys without client-side locking.
//
//	pending  LIST  ids waiting for a consumer (LPUSH in, RPOP out)
//	working  ZSET  ids checked out, scored by dequeue time in millis
//	values   HASH  id -> serialized envelope
type Client struct {
	pool       *pool.Pool
	registry   *script.Registry
	prefix     string
	keys       keys
	serializer serializer.Serializer
	interval   time.Duration
	logger     logr.Logger
	tracer     trace.Tracer
	now        func() time.Time
	newID      func() string
}

// New registers the queue scripts on the server and returns a client that
// owns p. Closing the client closes the pool.
func New(ctx context.Context, p *pool.Pool, opts ...Option) (*Client, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	registry, err := script.NewRegistry(definitions()...)
	if err != nil {
		return nil, err
	}

	c := &Client{
		pool:       p,
		registry:   registry,
		prefix:     o.keyPrefix,
		keys:       newKeys(o.keyPrefix),
		serializer: o.serializer,
		interval:   o.sweepInterval,
		logger:     o.logger.WithName("queue"),
		tracer:     o.tracerProvider.Tracer(tracerName),
		now:        o.now,
		newID:      o.newID,
	}

	err = p.With(ctx, func(conn *redis.Conn) error {
		return registry.RegisterAll(ctx, conn)
	})
	if err != nil {
		return nil, opError("register", "", err)
	}

	c.logger.V(1).Info("queue scripts registered", "prefix", o.keyPrefix, "serializer", o.serializer.Name())

	return c, nil
}

func (c *Client) startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "rqueue."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(append(attrs, attribute.String("rqueue.prefix", c.prefix))...),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Enqueue stores a new message and returns its id
func (c *Client) Enqueue(ctx context.Context, topic, data string) (id string, err error) {
	id = c.newID()

	ctx, span := c.startSpan(ctx, opEnqueue, attribute.String("rqueue.message_id", id), attribute.String("rqueue.topic", topic))
	defer func() { endSpan(span, err) }()

	envelope, err := c.serializer.Encode(serializer.Envelope{Topic: topic, Data: data})
	if err != nil {
		return "", opError(opEnqueue, id, err)
	}

	err = c.pool.With(ctx, func(conn *redis.Conn) error {
		return c.registry.Invoke(ctx, conn, opEnqueue, []string{c.keys.pending, c.keys.values}, id, envelope).Err()
	})
	if err != nil {
		c.logger.Error(err, "enqueue failed", "topic", topic)
		return "", opError(opEnqueue, id, err)
	}

	c.logger.V(1).Info("enqueued", "id", id, "topic", topic)
	return id, nil
}

// Dequeue checks out the oldest pending message. ok is false when there is
// nothing to deliver, which is not an error. A payload that cannot be
// decoded is reported as ErrCorruptEnvelope; the id stays in working and is
// available from the returned *OperationError.
func (c *Client) Dequeue(ctx context.Context) (msg Message, ok bool, err error) {
	ctx, span := c.startSpan(ctx, opDequeue)
	defer func() { endSpan(span, err) }()

	now := c.now().UnixMilli()

	var reply []string
	err = c.pool.With(ctx, func(conn *redis.Conn) error {
		var err error
		reply, err = c.registry.Invoke(ctx, conn, opDequeue, []string{c.keys.pending, c.keys.working, c.keys.values}, now).StringSlice()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return Message{}, false, nil
	}
	if err != nil {
		c.logger.Error(err, "dequeue failed")
		return Message{}, false, opError(opDequeue, "", err)
	}
	if len(reply) != 2 {
		return Message{}, false, opError(opDequeue, "", fmt.Errorf("unexpected reply of %d elements", len(reply)))
	}

	id := reply[0]
	span.SetAttributes(attribute.String("rqueue.message_id", id))

	env, err := c.serializer.Decode([]byte(reply[1]))
	if err != nil {
		c.logger.Error(err, "corrupt envelope left in working", "id", id)
		return Message{}, false, opError(opDequeue, id, err)
	}

	span.SetAttributes(attribute.String("rqueue.topic", env.Topic))
	c.logger.V(1).Info("dequeued", "id", id, "topic", env.Topic)

	return Message{ID: id, Topic: env.Topic, Data: env.Data}, true, nil
}

// Release acknowledges a message, removing it and its payload. Releasing
// an unknown or already released id is a no-op.
func (c *Client) Release(ctx context.Context, id string) error {
	return c.ack(ctx, opRelease, id, []string{c.keys.working, c.keys.values})
}

// Requeue puts a checked out message back into pending with its original
// payload. Requeueing an id that is not checked out is a no-op.
func (c *Client) Requeue(ctx context.Context, id string) error {
	return c.ack(ctx, opRequeue, id, []string{c.keys.working, c.keys.pending})
}

func (c *Client) ack(ctx context.Context, op, id string, keys []string) (err error) {
	ctx, span := c.startSpan(ctx, op, attribute.String("rqueue.message_id", id))
	defer func() { endSpan(span, err) }()

	if id == "" {
		return opError(op, id, ErrInvalidID)
	}

	err = c.pool.With(ctx, func(conn *redis.Conn) error {
		return c.registry.Invoke(ctx, conn, op, keys, id).Err()
	})
	if err != nil {
		c.logger.Error(err, op+" failed", "id", id)
		return opError(op, id, err)
	}

	c.logger.V(1).Info(op+"d", "id", id)
	return nil
}

// Sweep moves every message checked out for at least interval back to
// pending and returns how many were moved. A non-positive interval uses the
// configured default; a fraction of a millisecond rounds up to the next
// whole one. Running it more often than needed is harmless.
func (c *Client) Sweep(ctx context.Context, interval time.Duration) (moved int64, err error) {
	if interval <= 0 {
		interval = c.interval
	}
	if rem := interval % time.Millisecond; rem != 0 {
		interval += time.Millisecond - rem
	}

	ctx, span := c.startSpan(ctx, opSweep, attribute.Int64("rqueue.interval_ms", interval.Milliseconds()))
	defer func() { endSpan(span, err) }()

	now := c.now().UnixMilli()

	err = c.pool.With(ctx, func(conn *redis.Conn) error {
		var err error
		moved, err = c.registry.Invoke(ctx, conn, opSweep, []string{c.keys.working, c.keys.pending}, now, interval.Milliseconds()).Int64()
		return err
	})
	if err != nil {
		c.logger.Error(err, "sweep failed")
		return 0, opError(opSweep, "", err)
	}

	span.SetAttributes(attribute.Int64("rqueue.moved", moved))
	if moved > 0 {
		c.logger.Info("reclaimed abandoned messages", "count", moved, "interval", interval)
	}

	return moved, nil
}

// PendingSize is the number of messages waiting for delivery. The value may
// be stale by the time it is returned.
func (c *Client) PendingSize(ctx context.Context) (n int64, err error) {
	err = c.pool.With(ctx, func(conn *redis.Conn) error {
		n, err = conn.LLen(ctx, c.keys.pending).Result()
		return err
	})
	if err != nil {
		return 0, opError("pendingSize", "", err)
	}
	return n, nil
}

// WorkingSize is the number of checked out messages. The value may be
// stale by the time it is returned.
func (c *Client) WorkingSize(ctx context.Context) (n int64, err error) {
	err = c.pool.With(ctx, func(conn *redis.Conn) error {
		n, err = conn.ZCard(ctx, c.keys.working).Result()
		return err
	})
	if err != nil {
		return 0, opError("workingSize", "", err)
	}
	return n, nil
}

// Drain deletes every message in every state
func (c *Client) Drain(ctx context.Context) (err error) {
	ctx, span := c.startSpan(ctx, "drain")
	defer func() { endSpan(span, err) }()

	err = c.pool.With(ctx, func(conn *redis.Conn) error {
		return conn.Del(ctx, c.keys.pending, c.keys.working, c.keys.values).Err()
	})
	if err != nil {
		return opError("drain", "", err)
	}

	c.logger.Info("queue drained")
	return nil
}

// Health verifies a connection can be acquired and the server answers
func (c *Client) Health(ctx context.Context) error {
	return opError("health", "", c.pool.With(ctx, func(conn *redis.Conn) error {
		return conn.Ping(ctx).Err()
	}))
}

// Close releases all connections
func (c *Client) Close() error {
	return c.pool.Close()
}

// Compile-time check to ensure Client implements Queuer interface
var _ Queuer = (*Client)(nil)
