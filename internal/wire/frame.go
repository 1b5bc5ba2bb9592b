// Package wire implements the framing codec: the length-delimited,
// deflate-compressed, CBOr-encoded structured messages and the raw binary
// stream attachments that ride alongside them on a secure channel's byte
// stream (spec §4.1, wire layout in spec §6).
package wire

// Kind discriminates the tagged union of frames that can appear on the wire.
type Kind uint8

const (
	// KindIdentityAnnounce is exchanged immediately after the TLS handshake
	// completes (spec §4.3).
	KindIdentityAnnounce Kind = iota
	// KindRequest carries a Request Frame (spec §3).
	KindRequest
	// KindResponse carries a Response Frame (spec §3).
	KindResponse
)

// ProtocolVersion is the single version token this runtime speaks. There is
// no cross-version negotiation (spec §1 Non-goals).
const ProtocolVersion = 1

// IdentityAnnounce is the minimal identity frame exchanged right after TLS
// succeeds, declaring the protocol version and, for polling orientation, the
// subscription id being serviced (spec §4.3, §6).
type IdentityAnnounce struct {
	ProtocolVersion int    `cbor:"protocol_version"`
	SubscriptionID  string `cbor:"subscription_id,omitempty"`
}

// Request is the wire form of a Request Frame (spec §3).
type Request struct {
	ID                string   `cbor:"id"`
	ServiceName       string   `cbor:"service_name"`
	MethodName        string   `cbor:"method_name"`
	Arguments         []byte   `cbor:"arguments"`
	AttachedStreamIDs []string `cbor:"attached_stream_ids,omitempty"`
}

// ErrorKind names the error category carried by a Response (spec §7); it
// mirrors pkg/errors.Kind without importing it, keeping the wire format
// independent from the Go-specific error type's shape.
type ErrorKind string

// ErrorDescriptor is the wire form of a Response Frame's error branch
// (spec §3: "(kind, message, remote_stack_detail?)").
type ErrorDescriptor struct {
	Kind   ErrorKind `cbor:"kind"`
	Message string   `cbor:"message"`
	Detail  string   `cbor:"detail,omitempty"`
}

// Response is the wire form of a Response Frame (spec §3). Exactly one of
// Result or Error is populated; HasError disambiguates a legitimate nil/empty
// success result from an error branch.
type Response struct {
	ID                string           `cbor:"id"`
	HasError          bool             `cbor:"has_error"`
	Result            []byte           `cbor:"result,omitempty"`
	Error             *ErrorDescriptor `cbor:"error,omitempty"`
	AttachedStreamIDs []string         `cbor:"attached_stream_ids,omitempty"`
}

// Frame is the envelope written to, and read from, the wire. Exactly one of
// the typed fields is populated, selected by Kind — a discriminated union
// encoded over CBOR, since CBOR's value model does not give Go a native
// union type.
type Frame struct {
	Kind     Kind              `cbor:"kind"`
	Identity *IdentityAnnounce `cbor:"identity,omitempty"`
	Request  *Request          `cbor:"request,omitempty"`
	Response *Response         `cbor:"response,omitempty"`
}

// AttachedStreamIDs returns the stream ids declared by whichever branch of
// the union is populated.
func (f *Frame) AttachedStreamIDs() []string {
	switch f.Kind {
	case KindRequest:
		if f.Request != nil {
			return f.Request.AttachedStreamIDs
		}
	case KindResponse:
		if f.Response != nil {
			return f.Response.AttachedStreamIDs
		}
	}
	return nil
}
