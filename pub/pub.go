package pub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IsaacDSC/rqueue/queue"
)

// Enqueuer is the producing half of queue.Queuer
type Enqueuer interface {
	Enqueue(ctx context.Context, topic, data string) (string, error)
}

type Publisher struct {
	queue Enqueuer
}

func NewPublisher(q Enqueuer) *Publisher {
	return &Publisher{queue: q}
}

// Publish enqueues payload under topic and returns the message id. Strings
// and byte slices are stored as they are, anything else as JSON.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	var data string
	switch v := payload.(type) {
	case string:
		data = v
	case []byte:
		data = string(v)
	case json.RawMessage:
		data = string(v)
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("failed to marshal payload for %s: %w", topic, err)
		}
		data = string(b)
	}

	return p.queue.Enqueue(ctx, topic, data)
}

var _ Enqueuer = (queue.Queuer)(nil)
