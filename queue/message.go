package queue

// Message is a delivered queue entry. ID must be passed back to Release or
// Requeue once the consumer is done with it.
type Message struct {
	ID    string
	Topic string
	Data  string
}
