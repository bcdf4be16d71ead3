package sub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/IsaacDSC/rqueue/queue"
)

const (
	MaxConcurrency = 10

	DefaultMinIdle = 50 * time.Millisecond
	DefaultMaxIdle = 2 * time.Second
)

// ErrNoSubscribers is returned by Listen when no handler was registered
var ErrNoSubscribers = errors.New("no subscribers")

//go:generate mockgen -source=sub.go -destination=mock/interfaces.go -package=mock

// Consumer is the consuming half of queue.Queuer
type Consumer interface {
	Dequeue(ctx context.Context) (queue.Message, bool, error)
	Release(ctx context.Context, id string) error
	Requeue(ctx context.Context, id string) error
}

type Ctx struct {
	ctx context.Context
	msg queue.Message
}

func (c Ctx) Context() context.Context { return c.ctx }

func (c Ctx) ID() string { return c.msg.ID }

func (c Ctx) Topic() string { return c.msg.Topic }

func (c Ctx) GetPayload() string {
	return c.msg.Data
}

// Bind decodes a JSON payload into v
func (c Ctx) Bind(v any) error {
	if err := json.Unmarshal([]byte(c.msg.Data), v); err != nil {
		return fmt.Errorf("failed to decode payload of %s: %w", c.msg.ID, err)
	}
	return nil
}

// SubscriberHandler processes one message. Returning nil releases the
// message, returning an error puts it back into pending.
type SubscriberHandler func(subctx Ctx) error

type Subscriber struct {
	Topic   string
	Handler SubscriberHandler
}

type Option func(*Subscribe)

func WithMaxConcurrency(n int) Option {
	return func(s *Subscribe) {
		if n > 0 {
			s.maxConcurrency = n
		}
	}
}

// WithIdleBackoff bounds the wait between polls of an empty queue. The wait
// doubles on every empty poll, with jitter, and resets on a delivery.
func WithIdleBackoff(minIdle, maxIdle time.Duration) Option {
	return func(s *Subscribe) {
		if minIdle > 0 {
			s.minIdle = minIdle
		}
		if maxIdle >= s.minIdle {
			s.maxIdle = maxIdle
		}
	}
}

func WithLogger(logger logr.Logger) Option {
	return func(s *Subscribe) {
		if logger.GetSink() != nil {
			s.logger = logger
		}
	}
}

type Subscribe struct {
	queue          Consumer
	subscribers    map[string]Subscriber
	maxConcurrency int
	minIdle        time.Duration
	maxIdle        time.Duration
	logger         logr.Logger
	semaphore      chan struct{}
	processingWg   sync.WaitGroup
}

func NewSubscriber(q Consumer, opts ...Option) *Subscribe {
	s := &Subscribe{
		queue:          q,
		subscribers:    make(map[string]Subscriber),
		maxConcurrency: MaxConcurrency,
		minIdle:        DefaultMinIdle,
		maxIdle:        DefaultMaxIdle,
		logger:         logr.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.maxIdle < s.minIdle {
		s.maxIdle = s.minIdle
	}
	s.logger = s.logger.WithName("subscriber")
	s.semaphore = make(chan struct{}, s.maxConcurrency)

	return s
}

func (s *Subscribe) WithSubscriber(topic string, handler SubscriberHandler) *Subscribe {
	s.subscribers[topic] = Subscriber{
		Topic:   topic,
		Handler: handler,
	}
	return s
}

// Listen consumes messages until ctx is cancelled, running at most
// MaxConcurrency handlers at a time. It waits for running handlers before
// returning.
func (s *Subscribe) Listen(ctx context.Context) error {
	if len(s.subscribers) == 0 {
		return ErrNoSubscribers
	}

	defer s.processingWg.Wait()

	s.logger.Info("listening", "topics", len(s.subscribers), "maxConcurrency", s.maxConcurrency)

	idle := s.minIdle
	for {
		select {
		case <-ctx.Done():
			return nil
		case s.semaphore <- struct{}{}:
		}

		msg, ok, err := s.queue.Dequeue(ctx)
		if err != nil {
			<-s.semaphore

			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, queue.ErrPoolClosed):
				return err
			case errors.Is(err, queue.ErrCorruptEnvelope):
				var id string
				if opErr := (*queue.OperationError)(nil); errors.As(err, &opErr) {
					id = opErr.ID
				}
				s.logger.Error(err, "corrupt message left in working", "id", id)
				continue
			}

			s.logger.Error(err, "dequeue failed")
			if !s.sleep(ctx, idle) {
				return nil
			}
			idle = s.nextIdle(idle)
			continue
		}

		if !ok {
			<-s.semaphore
			if !s.sleep(ctx, idle) {
				return nil
			}
			idle = s.nextIdle(idle)
			continue
		}

		idle = s.minIdle
		s.processingWg.Add(1)
		go s.processMessage(ctx, msg)
	}
}

func (s *Subscribe) processMessage(ctx context.Context, msg queue.Message) {
	defer func() {
		<-s.semaphore // libera o slot do semáforo
		s.processingWg.Done()
	}()

	// acknowledgements must reach the server even while shutting down
	ackCtx := context.WithoutCancel(ctx)
	logger := s.logger.WithValues("id", msg.ID, "topic", msg.Topic)

	subscriber, ok := s.subscribers[msg.Topic]
	if !ok {
		logger.Info("no subscriber on topic, dropping message")
		s.release(ackCtx, logger, msg.ID)
		return
	}

	if err := s.handle(ctx, subscriber, msg); err != nil {
		logger.Error(err, "error handling message, requeueing")
		if err := s.queue.Requeue(ackCtx, msg.ID); err != nil {
			logger.Error(err, "requeue failed")
		}
		return
	}

	s.release(ackCtx, logger, msg.ID)
}

func (s *Subscribe) handle(ctx context.Context, subscriber Subscriber, msg queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return subscriber.Handler(Ctx{ctx: ctx, msg: msg})
}

func (s *Subscribe) release(ctx context.Context, logger logr.Logger, id string) {
	if err := s.queue.Release(ctx, id); err != nil {
		logger.Error(err, "release failed")
		return
	}
	logger.V(1).Info("message processed")
}

func (s *Subscribe) nextIdle(d time.Duration) time.Duration {
	if d *= 2; d > s.maxIdle {
		return s.maxIdle
	}
	return d
}

// sleep waits d with up to 50% jitter and reports false if ctx ended first
func (s *Subscribe) sleep(ctx context.Context, d time.Duration) bool {
	if half := int64(d / 2); half > 0 {
		d = time.Duration(half + rand.Int64N(half+1))
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

var _ Consumer = (queue.Queuer)(nil)
