package sub_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/IsaacDSC/rqueue/queue"
	"github.com/IsaacDSC/rqueue/sub"
	"github.com/IsaacDSC/rqueue/sub/mock"
)

func newMockConsumer(t *testing.T) *mock.MockConsumer {
	t.Helper()

	mockController := gomock.NewController(t)
	t.Cleanup(mockController.Finish)

	return mock.NewMockConsumer(mockController)
}

func TestListen_keepsListeningAfterDequeueError(t *testing.T) {
	consumer := newMockConsumer(t)
	released := make(chan string, 1)

	msg := queue.Message{ID: "id-1", Topic: "event1", Data: "x"}

	gomock.InOrder(
		consumer.EXPECT().Dequeue(gomock.Any()).Return(queue.Message{}, false, errors.New("connection reset")),
		consumer.EXPECT().Dequeue(gomock.Any()).Return(msg, true, nil),
		consumer.EXPECT().Dequeue(gomock.Any()).Return(queue.Message{}, false, nil).AnyTimes(),
	)
	consumer.EXPECT().Release(gomock.Any(), "id-1").DoAndReturn(func(_ context.Context, id string) error {
		released <- id
		return nil
	})

	s := sub.NewSubscriber(consumer, fastOptions()...).
		WithSubscriber("event1", func(subctx sub.Ctx) error { return nil })

	listen(t, s)

	select {
	case id := <-released:
		require.Equal(t, "id-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("message not released")
	}
}

func TestListen_requeueFailureIsNotFatal(t *testing.T) {
	consumer := newMockConsumer(t)
	requeued := make(chan struct{}, 2)

	gomock.InOrder(
		consumer.EXPECT().Dequeue(gomock.Any()).Return(queue.Message{ID: "a", Topic: "event1"}, true, nil),
		consumer.EXPECT().Dequeue(gomock.Any()).Return(queue.Message{ID: "b", Topic: "event1"}, true, nil),
		consumer.EXPECT().Dequeue(gomock.Any()).Return(queue.Message{}, false, nil).AnyTimes(),
	)
	consumer.EXPECT().Requeue(gomock.Any(), gomock.Any()).DoAndReturn(func(context.Context, string) error {
		requeued <- struct{}{}
		return queue.ErrPoolExhausted
	}).Times(2)

	s := sub.NewSubscriber(consumer, fastOptions()...).
		WithSubscriber("event1", func(subctx sub.Ctx) error { return errors.New("fail") })

	listen(t, s)

	for range 2 {
		select {
		case <-requeued:
		case <-time.After(2 * time.Second):
			t.Fatal("message not requeued")
		}
	}
}

func TestListen_acknowledgesAfterCancel(t *testing.T) {
	consumer := newMockConsumer(t)
	ackErr := make(chan error, 1)
	started := make(chan struct{})

	gomock.InOrder(
		consumer.EXPECT().Dequeue(gomock.Any()).Return(queue.Message{ID: "a", Topic: "event1"}, true, nil),
		consumer.EXPECT().Dequeue(gomock.Any()).Return(queue.Message{}, false, nil).AnyTimes(),
	)
	consumer.EXPECT().Release(gomock.Any(), "a").DoAndReturn(func(ctx context.Context, _ string) error {
		ackErr <- ctx.Err()
		return nil
	})

	s := sub.NewSubscriber(consumer, fastOptions()...).
		WithSubscriber("event1", func(subctx sub.Ctx) error {
			close(started)
			<-subctx.Context().Done()
			return nil
		})

	cancel, done := listen(t, s)

	<-started
	cancel()

	require.NoError(t, <-done)
	require.NoError(t, <-ackErr)
}
