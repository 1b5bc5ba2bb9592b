// Package rpcclient implements the Client Proxy (spec §4.8): the
// caller-side entry point that resolves an Endpoint to a Connection — by
// pool-acquiring a dial for tls:// endpoints, or by enqueueing onto the
// Poll Queue for poll:// endpoints — writes a request, reads a response,
// and returns the Connection to its owner.
package rpcclient

import (
	"context"
	"io"

	"github.com/google/uuid"

	"github.com/fleetrpc/fleetrpc/internal/pollqueue"
	"github.com/fleetrpc/fleetrpc/internal/wire"
	"github.com/fleetrpc/fleetrpc/pkg/conn"
	"github.com/fleetrpc/fleetrpc/pkg/endpoint"
	"github.com/fleetrpc/fleetrpc/pkg/errors"
	"github.com/fleetrpc/fleetrpc/pkg/pool"
	"github.com/fleetrpc/fleetrpc/pkg/serializer"
)

// Attachment is one request-side stream to send alongside a Call, keyed by
// the id referenced from the marshaled arguments.
type Attachment struct {
	ID       string
	Length   int64
	Reader   io.Reader
	Progress *wire.ProgressSink
}

// Call describes one outbound invocation.
type Call struct {
	Service     string
	Method      string
	Args        []any
	Attachments []Attachment
}

// Result is the decoded outcome of a Call. If ResponseAttachments is
// non-empty the caller must read each to completion (or call Close, which
// discards whatever is left unread) before issuing another poll:// call to
// the same subscription id — the underlying Connection is not released back
// to the polling drain loop until Close runs.
type Result struct {
	Value               []byte
	ResponseAttachments []*wire.StreamReader

	done chan<- struct{} // non-nil only for poll:// results
}

// Close releases the Connection that served a poll:// call back to the
// subscription's drain loop, discarding any unread attachment bytes first.
// It is a no-op for tls:// results, whose Connection already returned to
// the pool before Do returned.
func (r *Result) Close() {
	if r == nil || r.done == nil {
		return
	}
	discardUnread(r.ResponseAttachments)
	close(r.done)
	r.done = nil
}

// Proxy is the Client Proxy. One Proxy is normally shared across an entire
// Runtime; it owns no state beyond references to the pool and poll
// registry.
type Proxy struct {
	pool         *pool.Pool
	pollRegistry *pollqueue.Registry
	serializer   serializer.Serializer
}

// New creates a Proxy. pollRegistry may be nil if the Runtime never accepts
// polling-in connections, in which case poll:// endpoints always fail.
func New(p *pool.Pool, pollRegistry *pollqueue.Registry, ser serializer.Serializer) *Proxy {
	return &Proxy{pool: p, pollRegistry: pollRegistry, serializer: ser}
}

// Invoke performs call against ep and returns the result value as the
// Serializer encoded it (decode it with UnmarshalResult). It is a
// convenience over Do for callers with no stream attachments in either
// direction; it closes the Result for the caller since there is nothing
// left for them to read.
func (p *Proxy) Invoke(ctx context.Context, ep endpoint.Endpoint, service, method string, args []any) ([]byte, error) {
	res, err := p.Do(ctx, ep, Call{Service: service, Method: method, Args: args})
	if err != nil {
		return nil, err
	}
	defer res.Close()
	return res.Value, nil
}

// Do performs an arbitrary Call, including stream attachments in either
// direction, against ep.
func (p *Proxy) Do(ctx context.Context, ep endpoint.Endpoint, call Call) (*Result, error) {
	switch ep.Scheme {
	case endpoint.SchemeTLS, endpoint.SchemeWSS:
		return p.doPooled(ctx, ep, call)
	case endpoint.SchemePoll:
		return p.doPolled(ctx, ep, call)
	default:
		return nil, errors.NewProtocolViolationError("unsupported endpoint scheme", nil)
	}
}

func (p *Proxy) buildRequest(call Call) (*wire.Request, error) {
	argBytes, err := p.serializer.MarshalArgs(call.Args)
	if err != nil {
		return nil, err
	}
	streamIDs := make([]string, len(call.Attachments))
	for i, a := range call.Attachments {
		streamIDs[i] = a.ID
	}
	return &wire.Request{
		ID:                uuid.NewString(),
		ServiceName:       call.Service,
		MethodName:        call.Method,
		Arguments:         argBytes,
		AttachedStreamIDs: streamIDs,
	}, nil
}

func writeAttachments(enc *wire.Encoder, attachments []Attachment) error {
	for _, a := range attachments {
		if err := enc.WriteAttachment(a.Length, a.Reader, a.Progress); err != nil {
			return err
		}
	}
	return nil
}

func readResponseAttachments(dec *wire.Decoder, resp *wire.Response) ([]*wire.StreamReader, error) {
	readers := make([]*wire.StreamReader, 0, len(resp.AttachedStreamIDs))
	for range resp.AttachedStreamIDs {
		sr, err := dec.NextAttachment()
		if err != nil {
			return nil, err
		}
		readers = append(readers, sr)
	}
	return readers, nil
}

func discardUnread(readers []*wire.StreamReader) {
	for _, sr := range readers {
		if !sr.Exhausted() {
			_ = sr.Discard()
		}
	}
}

func responseError(resp *wire.Response) error {
	if !resp.HasError || resp.Error == nil {
		return nil
	}
	return &errors.Error{
		Kind:    errors.Kind(resp.Error.Kind),
		Op:      "invoke",
		Message: resp.Error.Message,
		Detail:  resp.Error.Detail,
	}
}

func (p *Proxy) doPooled(ctx context.Context, ep endpoint.Endpoint, call Call) (*Result, error) {
	c, err := p.pool.Acquire(ctx, ep.PoolKey())
	if err != nil {
		return nil, err
	}

	if c.PeerThumbprint() != ep.ExpectedPeerThumbprint {
		c.MarkBroken()
		_ = c.Close()
		return nil, errors.NewUntrustedPeerError(ep.String(), c.PeerThumbprint())
	}

	result, err := p.exchange(c, call)
	if err != nil {
		c.MarkBroken()
		_ = c.Close()
		return nil, err
	}

	p.pool.Release(c)
	return result, nil
}

// exchange writes the request (and its attachments) and reads back the
// response (and its attachments) on an already-acquired Connection. It does
// not release or destroy c; the caller decides based on the returned error.
func (p *Proxy) exchange(c *conn.Connection, call Call) (*Result, error) {
	req, err := p.buildRequest(call)
	if err != nil {
		return nil, err
	}
	if err := c.Encoder().WriteFrame(&wire.Frame{Kind: wire.KindRequest, Request: req}); err != nil {
		return nil, err
	}
	if err := writeAttachments(c.Encoder(), call.Attachments); err != nil {
		return nil, err
	}

	frame, err := c.Decoder().ReadFrame()
	if err != nil {
		return nil, err
	}
	if frame.Kind != wire.KindResponse || frame.Response == nil {
		return nil, errors.NewProtocolViolationError("expected response frame", nil)
	}

	readers, err := readResponseAttachments(c.Decoder(), frame.Response)
	if err != nil {
		return nil, err
	}

	if err := responseError(frame.Response); err != nil {
		// ServiceInvocation and similar errors never poison the Connection
		// (spec §7), but any attachments the error response declared still
		// have to be drained before the Connection can carry another call.
		discardUnread(readers)
		return nil, err
	}
	return &Result{Value: frame.Response.Result, ResponseAttachments: readers}, nil
}

func (p *Proxy) doPolled(ctx context.Context, ep endpoint.Endpoint, call Call) (*Result, error) {
	if p.pollRegistry == nil {
		return nil, errors.NewProtocolViolationError("runtime has no poll registry configured", nil)
	}

	req, err := p.buildRequest(call)
	if err != nil {
		return nil, err
	}

	job := &pollqueue.Job{
		Request: req,
		WriteAttachments: func(enc *wire.Encoder) error {
			return writeAttachments(enc, call.Attachments)
		},
	}
	if err := p.pollRegistry.Enqueue(ep.Authority, job); err != nil {
		return nil, err
	}

	res, err := pollqueue.Await(ctx, job)
	if err != nil {
		return nil, err
	}

	if res.Conn.PeerThumbprint() != ep.ExpectedPeerThumbprint {
		res.Conn.MarkBroken()
		_ = res.Conn.Close()
		close(res.Done)
		return nil, errors.NewUntrustedPeerError(ep.String(), res.Conn.PeerThumbprint())
	}

	readers, err := readResponseAttachments(res.Conn.Decoder(), res.Response)
	if err != nil {
		res.Conn.MarkBroken()
		_ = res.Conn.Close()
		close(res.Done)
		return nil, err
	}

	if err := responseError(res.Response); err != nil {
		discardUnread(readers)
		close(res.Done)
		return nil, err
	}

	// The drain loop (internal/pollqueue) waits on Done before pulling the
	// next job off this subscription's queue; Result.Close lets the caller
	// signal it once it has consumed ResponseAttachments.
	return &Result{Value: res.Response.Result, ResponseAttachments: readers, done: res.Done}, nil
}
