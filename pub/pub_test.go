package pub_test

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/IsaacDSC/rqueue/pool"
	"github.com/IsaacDSC/rqueue/pub"
	"github.com/IsaacDSC/rqueue/queue"
)

type recorder struct {
	topic, data string
	err         error
}

func (r *recorder) Enqueue(_ context.Context, topic, data string) (string, error) {
	r.topic, r.data = topic, data
	return "id-1", r.err
}

func TestPublish_payloads(t *testing.T) {
	tests := []struct {
		name    string
		payload any
		want    string
	}{
		{"string", "This is a test", "This is a test"},
		{"bytes", []byte("raw"), "raw"},
		{"map", map[string]any{"id": "123", "user": "isaac"}, `{"id":"123","user":"isaac"}`},
		{"struct", struct {
			ID   int    `json:"id"`
			Name string `json:"name"`
		}{1, "raissa"}, `{"id":1,"name":"raissa"}`},
		{"number", 42, "42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			id, err := pub.NewPublisher(rec).Publish(context.Background(), "event1", tt.payload)
			require.NoError(t, err)
			require.Equal(t, "id-1", id)
			require.Equal(t, "event1", rec.topic)
			require.Equal(t, tt.want, rec.data)
		})
	}
}

func TestPublish_unmarshalable(t *testing.T) {
	rec := &recorder{}
	_, err := pub.NewPublisher(rec).Publish(context.Background(), "event1", make(chan int))
	require.Error(t, err)
	require.Empty(t, rec.topic)
}

func TestPublish_enqueueError(t *testing.T) {
	boom := errors.New("boom")
	_, err := pub.NewPublisher(&recorder{err: boom}).Publish(context.Background(), "event1", "x")
	require.ErrorIs(t, err, boom)
}

func TestPublish_redis(t *testing.T) {
	server := miniredis.RunT(t)
	ctx := context.Background()

	p, err := pool.New(ctx, pool.Options{Addr: server.Addr()})
	require.NoError(t, err)
	client, err := queue.New(ctx, p)
	require.NoError(t, err)
	defer client.Close()

	_, err = pub.NewPublisher(client).Publish(ctx, "event1", map[string]string{"user": "isaac"})
	require.NoError(t, err)

	msg, ok, err := client.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "event1", msg.Topic)
	require.JSONEq(t, `{"user":"isaac"}`, msg.Data)
}
