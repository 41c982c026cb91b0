package chain

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// queued pairs a transaction intent with its policy and completion channel.
type queued struct {
	id     string
	tx     Tx
	policy Policy
	result chan QueueResult
}

// QueueResult resolves one queued submission.
type QueueResult struct {
	Result *SendResult
	Err    error
}

// TxQueue serializes submissions through a single worker so queued
// transactions hit the chain in strict FIFO order with ascending nonces.
type TxQueue struct {
	client *Client

	mu      sync.Mutex
	pending []*queued
	wake    chan struct{}
	stopped bool
}

// NewTxQueue builds an idle queue; call ProcessQueue to start the worker.
func NewTxQueue(client *Client) *TxQueue {
	return &TxQueue{client: client, wake: make(chan struct{}, 1)}
}

// Queue enqueues tx and returns an id plus a channel that receives exactly
// one result when the worker finishes the submission.
func (q *TxQueue) Queue(tx Tx, policy Policy) (string, <-chan QueueResult) {
	item := &queued{
		id:     uuid.NewString(),
		tx:     tx,
		policy: policy,
		result: make(chan QueueResult, 1),
	}
	q.mu.Lock()
	q.pending = append(q.pending, item)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return item.id, item.result
}

// QueueAndWait enqueues tx and blocks until the worker resolves it.
func (q *TxQueue) QueueAndWait(ctx context.Context, tx Tx, policy Policy) (*SendResult, error) {
	_, ch := q.Queue(tx, policy)
	select {
	case r := <-ch:
		return r.Result, r.Err
	case <-ctx.Done():
		return nil, wrap("queue", KindTimeout, ctx.Err())
	}
}

// Len reports the number of pending submissions.
func (q *TxQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// ProcessQueue runs the worker until ctx is cancelled, draining pending
// transactions one at a time in arrival order.
func (q *TxQueue) ProcessQueue(ctx context.Context) {
	for {
		item := q.dequeue()
		if item == nil {
			select {
			case <-ctx.Done():
				q.failPending(ctx.Err())
				return
			case <-q.wake:
				continue
			}
		}
		res, err := q.client.Send(ctx, item.tx, item.policy)
		item.result <- QueueResult{Result: res, Err: err}
		if ctx.Err() != nil {
			q.failPending(ctx.Err())
			return
		}
	}
}

func (q *TxQueue) dequeue() *queued {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	item := q.pending[0]
	q.pending = q.pending[1:]
	return item
}

// failPending resolves everything still queued when the worker exits.
func (q *TxQueue) failPending(cause error) {
	q.mu.Lock()
	items := q.pending
	q.pending = nil
	q.stopped = true
	q.mu.Unlock()
	for _, item := range items {
		item.result <- QueueResult{Err: wrap("queue", KindTimeout, cause)}
	}
}
