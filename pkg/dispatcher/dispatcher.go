// Package dispatcher runs the callee loop: read a request frame, resolve a
// handler via the registry, invoke it, write a response frame (spec §4.6).
// The same loop services both listening-orientation and polling-orientation
// Connections — the Poller simply runs it in the opposite role from where
// the socket was dialed (spec §4.7).
package dispatcher

import (
	"context"
	"io"

	"github.com/fleetrpc/fleetrpc/internal/metrics"
	"github.com/fleetrpc/fleetrpc/internal/wire"
	"github.com/fleetrpc/fleetrpc/pkg/conn"
	"github.com/fleetrpc/fleetrpc/pkg/errors"
	"github.com/fleetrpc/fleetrpc/pkg/registry"
	"github.com/fleetrpc/fleetrpc/pkg/serializer"
)

// Logger is the minimal structured-logging surface the dispatcher needs;
// satisfied by internal/observability's logrus adapter or a no-op.
type Logger interface {
	Error(op string, err error, fields map[string]any)
}

// OutgoingAttachment is one stream a handler wants written back alongside
// its response, mirroring rpcclient.Attachment for the callee side.
type OutgoingAttachment struct {
	ID     string
	Length int64
	Reader io.Reader
}

// StreamResult lets a handler return response-side stream attachments
// alongside its ordinary result value. A handler that has no attachments to
// send back simply returns its value directly, as before.
type StreamResult struct {
	Value       any
	Attachments []OutgoingAttachment
}

// Dispatcher resolves and invokes requests against a Registry.
type Dispatcher struct {
	registry   *registry.Registry
	serializer serializer.Serializer
	log        Logger
	metrics    *metrics.Metrics
}

// New creates a Dispatcher over reg, using ser to decode arguments and
// encode results. log may be nil, in which case errors are simply dropped
// on the floor after being written to the wire as an error response. m may
// be nil, in which case request/error counters are simply not recorded.
func New(reg *registry.Registry, ser serializer.Serializer, log Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{registry: reg, serializer: ser, log: log, metrics: m}
}

// Run drives the callee loop on c until ctx is canceled, the Connection
// breaks, or a protocol fault occurs. It always returns with c already
// marked Broken by the fault that ended the loop, except on a clean ctx
// cancellation, where c is left however the caller's shutdown path wants to
// handle it.
func (d *Dispatcher) Run(ctx context.Context, c *conn.Connection) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		frame, err := c.Decoder().ReadFrame()
		if err != nil {
			c.MarkBroken()
			return err
		}
		if frame.Kind != wire.KindRequest || frame.Request == nil {
			c.MarkBroken()
			return errors.NewProtocolViolationError("expected request frame in callee loop", nil)
		}

		attachments, err := readRequestAttachments(c.Decoder(), frame.Request)
		if err != nil {
			c.MarkBroken()
			return err
		}

		resp, outgoing := d.invoke(c, frame.Request, attachments)
		if err := c.Encoder().WriteFrame(&wire.Frame{Kind: wire.KindResponse, Response: resp}); err != nil {
			c.MarkBroken()
			return err
		}
		for _, a := range outgoing {
			if err := c.Encoder().WriteAttachment(a.Length, a.Reader, nil); err != nil {
				c.MarkBroken()
				return err
			}
		}
	}
}

func readRequestAttachments(dec *wire.Decoder, req *wire.Request) ([]*wire.StreamReader, error) {
	readers := make([]*wire.StreamReader, 0, len(req.AttachedStreamIDs))
	for range req.AttachedStreamIDs {
		sr, err := dec.NextAttachment()
		if err != nil {
			return nil, err
		}
		readers = append(readers, sr)
	}
	return readers, nil
}

// invoke resolves and runs one request, returning the Response frame to
// write and any response-side attachments to stream after it. When the
// request declared stream attachments, they are appended as the final
// positional argument so a handler that wants them declares a matching
// trailing argType (spec §4.1, §4.6).
func (d *Dispatcher) invoke(c *conn.Connection, req *wire.Request, attachments []*wire.StreamReader) (*wire.Response, []OutgoingAttachment) {
	if d.metrics != nil {
		d.metrics.DispatchedRequests.Inc()
	}

	args, err := d.serializer.UnmarshalArgs(req.Arguments)
	if err != nil {
		return d.errorResponse(req.ID, errors.Of(err), err.Error(), ""), nil
	}
	if len(req.AttachedStreamIDs) > 0 {
		args = append(args, attachments)
	}

	handler, err := d.registry.Resolve(req.ServiceName, req.MethodName, args)
	if err != nil {
		kind := errors.Of(err)
		if d.log != nil && kind != errors.KindServiceNotFound && kind != errors.KindAmbiguousMethod {
			d.log.Error("dispatcher.resolve", err, map[string]any{"connection_id": c.ID()})
		}
		return d.errorResponse(req.ID, kind, err.Error(), ""), nil
	}

	result, err := handler(args)
	if err != nil {
		if svcErr, ok := err.(*errors.Error); ok && svcErr.Kind == errors.KindServiceInvocation {
			return d.errorResponse(req.ID, svcErr.Kind, svcErr.Message, svcErr.Detail), nil
		}
		return d.errorResponse(req.ID, errors.KindServiceInvocation, err.Error(), ""), nil
	}

	value := result
	var outgoing []OutgoingAttachment
	streamIDs := []string(nil)
	if sr, ok := result.(*StreamResult); ok {
		value = sr.Value
		outgoing = sr.Attachments
		for _, a := range outgoing {
			streamIDs = append(streamIDs, a.ID)
		}
	}

	encoded, err := d.serializer.MarshalResult(value)
	if err != nil {
		return d.errorResponse(req.ID, errors.Of(err), err.Error(), ""), nil
	}
	return &wire.Response{ID: req.ID, Result: encoded, AttachedStreamIDs: streamIDs}, outgoing
}

func (d *Dispatcher) errorResponse(id string, kind errors.Kind, message, detail string) *wire.Response {
	if d.metrics != nil {
		d.metrics.DispatchErrors.WithLabelValues(string(kind)).Inc()
	}
	return &wire.Response{
		ID:       id,
		HasError: true,
		Error: &wire.ErrorDescriptor{
			Kind:    wire.ErrorKind(kind),
			Message: message,
			Detail:  detail,
		},
	}
}
