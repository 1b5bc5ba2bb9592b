// Package pollqueue implements the listening side's half of the polling
// inversion (spec §4.7, §9 Design Notes): a per-subscription-id FIFO of
// pending calls, and the loop that drains that FIFO onto whichever
// polling-in Connection is currently registered for that subscription.
//
// The Client Proxy enqueues a Job when it targets a poll:// endpoint; the
// Listener registers a Connection here the moment it accepts one declaring
// a subscription id. Neither side ever touches the other's socket directly
// — they hand Jobs across the queue, which is the "do not share the socket
// across roles" discipline spec.md §9 calls for.
package pollqueue

import (
	"context"
	"sync"

	"github.com/fleetrpc/fleetrpc/internal/metrics"
	"github.com/fleetrpc/fleetrpc/internal/wire"
	"github.com/fleetrpc/fleetrpc/pkg/conn"
	"github.com/fleetrpc/fleetrpc/pkg/constants"
	"github.com/fleetrpc/fleetrpc/pkg/errors"
)

// Job is one pending call awaiting a polling-in connection. WriteAttachments,
// if non-nil, is invoked with the connection's encoder immediately after the
// request frame is written, to stream any request-side stream attachments.
type Job struct {
	Request          *wire.Request
	WriteAttachments func(*wire.Encoder) error

	result chan jobResult
}

// Result is delivered back to the enqueuer once a polling-in connection has
// carried the request and read back a response. Conn is handed back so the
// caller can read any response-side attachments via Conn.Decoder() before
// signaling Done — the drain loop will not pull the next Job off the queue
// until Done is closed.
type Result struct {
	Response *wire.Response
	Conn     *conn.Connection
	Done     chan<- struct{}
}

type jobResult struct {
	result Result
	err    error
}

// Queue is one subscription id's bounded FIFO of pending Jobs.
type Queue struct {
	ch chan *Job
}

func newQueue(capacity int) *Queue {
	return &Queue{ch: make(chan *Job, capacity)}
}

// Registry owns one Queue per subscription id. Polling-in Connections are
// not recorded here; each one consumes its subscription's Queue via Drain.
type Registry struct {
	capacity int
	metrics  *metrics.Metrics

	mu     sync.Mutex
	queues map[string]*Queue
}

// New creates a Registry. capacity <= 0 uses the spec default of 1000. m may
// be nil, in which case queue depth and drop counters are simply not
// recorded.
func New(capacity int, m *metrics.Metrics) *Registry {
	if capacity <= 0 {
		capacity = constants.DefaultPollQueueCapacity
	}
	return &Registry{capacity: capacity, metrics: m, queues: make(map[string]*Queue)}
}

func (r *Registry) queueFor(subscriptionID string) *Queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[subscriptionID]
	if !ok {
		q = newQueue(r.capacity)
		r.queues[subscriptionID] = q
	}
	return q
}

// Enqueue submits a Job for subscriptionID, returning QueueFull if the
// queue is already at capacity (spec §5 "Shared-resource policy").
func (r *Registry) Enqueue(subscriptionID string, job *Job) error {
	job.result = make(chan jobResult, 1)
	q := r.queueFor(subscriptionID)
	select {
	case q.ch <- job:
		if r.metrics != nil {
			r.metrics.PollQueueDepth.WithLabelValues(subscriptionID).Set(float64(len(q.ch)))
		}
		return nil
	default:
		if r.metrics != nil {
			r.metrics.PollQueueDropped.Inc()
		}
		return errors.NewQueueFullError(subscriptionID)
	}
}

// Await blocks until job's result is available or ctx is canceled.
func Await(ctx context.Context, job *Job) (Result, error) {
	select {
	case res := <-job.result:
		return res.result, res.err
	case <-ctx.Done():
		return Result{}, errors.NewTimeoutError("poll_queue.await", 0)
	}
}

// Depth reports how many Jobs are currently queued for subscriptionID, for
// metrics.
func (r *Registry) Depth(subscriptionID string) int {
	r.mu.Lock()
	q, ok := r.queues[subscriptionID]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	return len(q.ch)
}

// Drain runs the consumer loop for one polling-in Connection: pop Jobs for
// c.SubscriptionID(), write the request, read the response, and hand both
// back to the enqueuer, waiting for it to finish consuming any response
// attachments before pulling the next Job. It returns when ctx is canceled
// or the Connection breaks.
func Drain(ctx context.Context, r *Registry, c *conn.Connection) error {
	q := r.queueFor(c.SubscriptionID())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job := <-q.ch:
			if r.metrics != nil {
				r.metrics.PollQueueDepth.WithLabelValues(c.SubscriptionID()).Set(float64(len(q.ch)))
			}
			if err := serveJob(ctx, c, job); err != nil {
				c.MarkBroken()
				return err
			}
		}
	}
}

func serveJob(ctx context.Context, c *conn.Connection, job *Job) error {
	if err := c.Encoder().WriteFrame(&wire.Frame{Kind: wire.KindRequest, Request: job.Request}); err != nil {
		job.result <- jobResult{err: err}
		return err
	}
	if job.WriteAttachments != nil {
		if err := job.WriteAttachments(c.Encoder()); err != nil {
			job.result <- jobResult{err: err}
			return err
		}
	}

	frame, err := c.Decoder().ReadFrame()
	if err != nil {
		job.result <- jobResult{err: err}
		return err
	}
	if frame.Kind != wire.KindResponse || frame.Response == nil {
		err := errors.NewProtocolViolationError("expected response frame from polling-in connection", nil)
		job.result <- jobResult{err: err}
		return err
	}

	done := make(chan struct{})
	job.result <- jobResult{result: Result{Response: frame.Response, Conn: c, Done: done}}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
