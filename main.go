package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/IsaacDSC/rqueue/broker"
	"github.com/IsaacDSC/rqueue/config"
	"github.com/IsaacDSC/rqueue/pub"
	"github.com/IsaacDSC/rqueue/queue"
	"github.com/IsaacDSC/rqueue/sub"
	"github.com/IsaacDSC/rqueue/sweeper"
)

func main() {
	configFile := os.Getenv("RQUEUE_CONFIG")

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg.AddFlags(pflag.CommandLine)
	pflag.Parse()

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	stdr.SetVerbosity(cfg.Log.Verbosity)
	logger := stdr.New(log.New(os.Stderr, "", log.LstdFlags)).WithName(cfg.AppName)
	cfg.Print(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := cfg.SetupOpenTelemetry(ctx, logger)
	if err != nil {
		logger.Error(err, "setup tracing")
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	client, err := broker.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error(err, "connect")
		os.Exit(1)
	}
	defer client.Close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sweeper.New(client, sweeper.Interval(cfg.Queue.SweepInterval), sweeper.Logger(logger)).Run(gctx)
	})
	g.Go(func() error { return SetupConsumer(gctx, "🔵instance1", client, logger) })
	g.Go(func() error { return SetupConsumer(gctx, "🟢instance2", client, logger) })
	g.Go(func() error { return SetupProducer(gctx, client) })

	if err := g.Wait(); err != nil {
		logger.Error(err, "stopped")
		os.Exit(1)
	}
}

func SetupProducer(ctx context.Context, client *queue.Client) error {
	publisher := pub.NewPublisher(client)

	for range 10 {
		for event, user := range map[string]string{"event1": "isaac", "event2": "raissa", "event3": "raquel"} {
			if _, err := publisher.Publish(ctx, event, map[string]any{"id": uuid.New(), "user": user}); err != nil {
				return fmt.Errorf("publish %s: %w", event, err)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(100 * time.Millisecond):
		}
	}

	return nil
}

func SetupConsumer(ctx context.Context, instancePrefix string, client *queue.Client, logger logr.Logger) error {
	subscriber := sub.NewSubscriber(client, sub.WithLogger(logger.WithValues("instance", instancePrefix))).
		WithSubscriber(
			"event1", func(subctx sub.Ctx) error {
				fmt.Println(instancePrefix, "Handling event1", subctx.GetPayload())
				return nil
			},
		).
		WithSubscriber(
			"event2", func(subctx sub.Ctx) error {
				fmt.Println(instancePrefix, "Handling event2", subctx.GetPayload())
				return nil
			},
		)

	fmt.Println("[*] Starting listener...")
	return subscriber.Listen(ctx)
}
