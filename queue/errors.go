package queue

import (
	"errors"
	"fmt"

	"github.com/IsaacDSC/rqueue/pool"
	"github.com/IsaacDSC/rqueue/serializer"
)

var (
	// ErrPoolExhausted no connection became free within the acquire timeout
	ErrPoolExhausted = pool.ErrExhausted
	// ErrPoolClosed the client was closed
	ErrPoolClosed = pool.ErrClosed
	// ErrUnavailable the backing store could not be reached
	ErrUnavailable = pool.ErrUnavailable
	// ErrCorruptEnvelope a stored payload could not be decoded; never reported as an empty queue
	ErrCorruptEnvelope = serializer.ErrCorrupt
	// ErrInvalidID an empty message id was passed to Release or Requeue
	ErrInvalidID = errors.New("queue: invalid message id")
)

// OperationError wraps every failure returned by Client. ID is set when the
// operation concerned a single message, including a corrupt dequeue.
type OperationError struct {
	Op  string
	ID  string
	Err error
}

func (e *OperationError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("queue: %s %s: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("queue: %s: %v", e.Op, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

func opError(op, id string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Op: op, ID: id, Err: err}
}
